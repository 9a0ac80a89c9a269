// ABOUTME: Line-oriented operator console for headless mode
// ABOUTME: Reads start/stop/devices/status/quit commands and prints results
package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/childmindresearch/MoBI-AV/internal/media"
)

const consoleHelp = `commands:
  start [audio|video]  start recording (both modalities by default)
  stop                 stop the current recording
  devices              rescan and list capture devices
  status               show the recording state
  quit                 stop and exit`

// RunCommands executes operator commands read line by line from in until
// quit, EOF or ctx cancellation. Command errors are printed, not returned.
func (r *Recorder) RunCommands(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Fprintln(out, consoleHelp)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if quit := r.execute(ctx, line, out); quit {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether to quit
func (r *Recorder) execute(ctx context.Context, line string, out io.Writer) bool {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "start":
		var modalities []media.Modality
		for _, arg := range fields[1:] {
			if arg == "both" {
				continue
			}
			m, err := media.ParseModality(arg)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				return false
			}
			modalities = append(modalities, m)
		}
		if err := r.StartRecording(ctx, modalities...); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		r.printStatus(out)

	case "stop":
		if err := r.StopRecording(ctx); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		r.printStatus(out)

	case "devices":
		found, err := r.RefreshDevices(ctx)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		for _, m := range media.Modalities {
			fmt.Fprintf(out, "%s devices:\n", m)
			if len(found[m]) == 0 {
				fmt.Fprintln(out, "  none")
			}
			for _, d := range found[m] {
				fmt.Fprintf(out, "  %s (%s)\n", d.Name, d.ID)
			}
		}

	case "status":
		r.printStatus(out)

	case "quit", "exit":
		return true

	case "help":
		fmt.Fprintln(out, consoleHelp)

	default:
		fmt.Fprintf(out, "unknown command %q (try help)\n", fields[0])
	}
	return false
}

func (r *Recorder) printStatus(out io.Writer) {
	st := r.Status()
	fmt.Fprintf(out, "state: %s\n", st.State)
	for _, ms := range st.Modalities {
		fmt.Fprintf(out, "  %s %s %s\n", ms.Modality, ms.State, filepath.Base(ms.Filename))
	}
	if st.Err != nil {
		fmt.Fprintf(out, "  error: %v\n", st.Err)
	}
	for _, w := range st.Warnings {
		fmt.Fprintf(out, "  warning: %v\n", w)
	}
}
