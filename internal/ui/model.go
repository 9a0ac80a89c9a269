// ABOUTME: Bubbletea model for the recorder TUI
// ABOUTME: Defines operator state, key bindings and rendering
package ui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/childmindresearch/MoBI-AV/internal/media"
	"github.com/childmindresearch/MoBI-AV/internal/recorder"
)

// commandTimeout bounds one operator command
const commandTimeout = 30 * time.Second

// maxLogLines is how many operator messages the TUI keeps
const maxLogLines = 6

// Controller is the recorder as the TUI drives it
type Controller interface {
	StartRecording(ctx context.Context, modalities ...media.Modality) error
	StopRecording(ctx context.Context) error
	RefreshDevices(ctx context.Context) (map[media.Modality][]media.Device, error)
}

// Info is static session information shown in the header
type Info struct {
	SubjectID   string
	Destination string
	BusAddr     string
	AudioStream string
	VideoStream string
	AudioDevice string
	VideoDevice string
}

// StatusMsg carries a coordinator snapshot into the TUI
type StatusMsg recorder.Status

// DevicesMsg carries the cached device lists into the TUI
type DevicesMsg map[media.Modality][]media.Device

// resultMsg reports the outcome of an operator command
type resultMsg struct {
	action string
	err    error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// Model represents the TUI state
type Model struct {
	ctrl Controller
	info Info

	status  recorder.Status
	devices map[media.Modality][]media.Device

	// busy is set while a command is in flight
	busy     string
	messages []string
	quitting bool

	width  int
	height int
}

// NewModel creates a TUI model; ctrl may be nil in tests
func NewModel(ctrl Controller, info Info) Model {
	return Model{
		ctrl:    ctrl,
		info:    info,
		devices: make(map[media.Modality][]media.Device),
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return m.refreshCmd()
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.status = recorder.Status(msg)
	case DevicesMsg:
		m.busy = ""
		total := 0
		for mod, devices := range msg {
			m.devices[mod] = devices
			total += len(devices)
		}
		m.addMessage(okStyle.Render(fmt.Sprintf("found %d device(s)", total)))
	case resultMsg:
		m.busy = ""
		if msg.err != nil {
			m.addMessage(errStyle.Render(fmt.Sprintf("%s failed: %v", msg.action, msg.err)))
		} else {
			m.addMessage(okStyle.Render(msg.action + " ok"))
		}
	}

	return m, nil
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		if m.status.Recording() && m.ctrl != nil {
			return m, tea.Sequence(m.stopCmd(), tea.Quit)
		}
		return m, tea.Quit
	case "s":
		return m.start(media.Audio, media.Video)
	case "a":
		return m.start(media.Audio)
	case "v":
		return m.start(media.Video)
	case "x":
		if !m.status.Recording() {
			m.addMessage(warnStyle.Render("not recording"))
			return m, nil
		}
		m.busy = "stop"
		return m, m.stopCmd()
	case "r":
		if m.status.Recording() {
			m.addMessage(warnStyle.Render("cannot refresh devices while recording"))
			return m, nil
		}
		m.busy = "refresh"
		return m, m.refreshCmd()
	}

	return m, nil
}

func (m Model) start(modalities ...media.Modality) (tea.Model, tea.Cmd) {
	if m.status.Recording() || m.busy != "" {
		m.addMessage(warnStyle.Render("already recording"))
		return m, nil
	}
	names := make([]string, len(modalities))
	for i, mod := range modalities {
		names[i] = mod.String()
	}
	action := "start " + strings.Join(names, "+")
	m.busy = action
	return m, m.run(action, func(ctx context.Context) error {
		return m.ctrl.StartRecording(ctx, modalities...)
	})
}

func (m Model) stopCmd() tea.Cmd {
	return m.run("stop", func(ctx context.Context) error {
		return m.ctrl.StopRecording(ctx)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		devices, err := m.ctrl.RefreshDevices(ctx)
		if err != nil {
			return resultMsg{action: "refresh", err: err}
		}
		return DevicesMsg(devices)
	}
}

// run executes a blocking controller call off the update loop
func (m Model) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return resultMsg{action: action, err: fn(ctx)}
	}
}

func (m *Model) addMessage(s string) {
	m.messages = append(m.messages, s)
	if len(m.messages) > maxLogLines {
		m.messages = m.messages[len(m.messages)-maxLogLines:]
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Stopping recordings and shutting down...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("MoBI Audio/Video Recorder"))
	b.WriteString("\n")

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderRecording())
	b.WriteString("\n")
	b.WriteString(m.renderDevices())

	if len(m.messages) > 0 {
		b.WriteString("\n")
		for _, line := range m.messages {
			b.WriteString("  " + line + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("s:Start both  a:Audio only  v:Video only  x:Stop  r:Refresh devices  q:Quit"))
	b.WriteString("\n")
	return b.String()
}

func field(label, value string) string {
	return headerStyle.Render(label+": ") + valueStyle.Render(value) + "\n"
}

// renderHeader renders subject, destination and bus details
func (m Model) renderHeader() string {
	var b strings.Builder
	b.WriteString(field("Subject", m.info.SubjectID))
	b.WriteString(field("Destination", m.info.Destination))
	b.WriteString(field("Marker bus", fmt.Sprintf("%s (%s, %s)", m.info.BusAddr, m.info.AudioStream, m.info.VideoStream)))
	return b.String()
}

// renderRecording renders the coordinator state and per-modality rows
func (m Model) renderRecording() string {
	var b strings.Builder

	state := m.status.State.String()
	switch {
	case m.status.State == media.StateActive:
		state = activeStyle.Render("● RECORDING")
	case m.status.State == media.StateFailed:
		state = errStyle.Render(state)
	case m.busy != "":
		state = warnStyle.Render(state + " (" + m.busy + "...)")
	}
	b.WriteString(headerStyle.Render("State: ") + state + "\n")

	for _, ms := range m.status.Modalities {
		line := fmt.Sprintf("  %-5s %-8s %s", ms.Modality, ms.State, filepath.Base(ms.Filename))
		if !ms.StartedAt.IsZero() {
			line += fmt.Sprintf("  started %s", ms.StartedAt.Format("15:04:05.000"))
		}
		if !ms.StoppedAt.IsZero() {
			line += fmt.Sprintf("  stopped %s (%s)", ms.StoppedAt.Format("15:04:05.000"),
				ms.StoppedAt.Sub(ms.StartedAt).Round(time.Millisecond))
		}
		b.WriteString(valueStyle.Render(line) + "\n")
	}

	if m.status.Err != nil {
		b.WriteString(errStyle.Render("  error: "+m.status.Err.Error()) + "\n")
	}
	if n := len(m.status.Warnings); n > 0 {
		last := m.status.Warnings[n-1]
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %d marker warning(s), last: %v", n, last)) + "\n")
	}
	return b.String()
}

// renderDevices renders the cached device lists
func (m Model) renderDevices() string {
	var b strings.Builder
	prefs := map[media.Modality]string{media.Audio: m.info.AudioDevice, media.Video: m.info.VideoDevice}

	for _, mod := range media.Modalities {
		devices := m.devices[mod]
		title := fmt.Sprintf("%s devices (%d)", strings.ToUpper(mod.String()[:1])+mod.String()[1:], len(devices))
		b.WriteString(headerStyle.Render(title))
		if prefs[mod] != "" {
			b.WriteString(faintStyle.Render("  preferred: " + prefs[mod]))
		}
		b.WriteString("\n")

		if len(devices) == 0 {
			b.WriteString(valueStyle.Render("  none found") + "\n")
			continue
		}
		for _, d := range devices {
			b.WriteString(valueStyle.Render(fmt.Sprintf("  • %s (%s)", truncate(d.Name, 48), d.ID)) + "\n")
		}
	}
	return b.String()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
