// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and bridges coordinator status into it
package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/childmindresearch/MoBI-AV/internal/recorder"
)

// TUI manages the recorder TUI
type TUI struct {
	program *tea.Program
	done    chan struct{}

	// latest status wins; pending signals that one is waiting
	mu      sync.Mutex
	latest  recorder.Status
	pending chan struct{}
}

// NewTUI creates the TUI program
func NewTUI(ctrl Controller, info Info) *TUI {
	return &TUI{
		program: tea.NewProgram(NewModel(ctrl, info), tea.WithAltScreen()),
		done:    make(chan struct{}),
		pending: make(chan struct{}, 1),
	}
}

// Run blocks until the operator quits
func (t *TUI) Run() error {
	go func() {
		for {
			select {
			case <-t.pending:
				t.program.Send(StatusMsg(t.latestStatus()))
			case <-t.done:
				return
			}
		}
	}()
	defer close(t.done)

	_, err := t.program.Run()
	return err
}

// Update hands a status snapshot to the TUI without blocking the caller.
// Snapshots the TUI has not drawn yet are replaced by newer ones.
func (t *TUI) Update(status recorder.Status) {
	t.mu.Lock()
	t.latest = status
	t.mu.Unlock()

	select {
	case t.pending <- struct{}{}:
	default:
	}
}

func (t *TUI) latestStatus() recorder.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Quit stops the TUI
func (t *TUI) Quit() {
	t.program.Quit()
}
