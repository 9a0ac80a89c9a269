// ABOUTME: Capture type definitions shared by sessions, markers and the coordinator
// ABOUTME: Defines modalities, handle states, capture parameters and devices
package media

import (
	"fmt"
	"strings"
)

// Modality tags one capture subsystem
type Modality int

const (
	Audio Modality = iota
	Video
)

// Modalities lists every modality in a fixed order
var Modalities = []Modality{Audio, Video}

func (m Modality) String() string {
	switch m {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return fmt.Sprintf("modality(%d)", int(m))
	}
}

// ParseModality parses "audio" or "video"
func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio":
		return Audio, nil
	case "video":
		return Video, nil
	}
	return 0, fmt.Errorf("unknown modality %q", s)
}

// State is the lifecycle state of a recording or of one modality handle
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params describes the capture configuration of one device.
// Audio uses SampleRate/Channels, video uses Width/Height/FPS.
type Params struct {
	SampleRate int
	Channels   int
	Width      int
	Height     int
	FPS        float64
}

// Validate checks the fields relevant to modality m
func (p Params) Validate(m Modality) error {
	switch m {
	case Audio:
		if p.SampleRate <= 0 {
			return fmt.Errorf("invalid sample rate: %d", p.SampleRate)
		}
		if p.Channels <= 0 {
			return fmt.Errorf("invalid channel count: %d", p.Channels)
		}
	case Video:
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("invalid resolution: %dx%d", p.Width, p.Height)
		}
		if p.FPS <= 0 {
			return fmt.Errorf("invalid frame rate: %v", p.FPS)
		}
	default:
		return fmt.Errorf("unknown modality %v", m)
	}
	return nil
}

// Device is one capture device reported by a driver
type Device struct {
	ID       string
	Name     string
	Modality Modality

	// Device defaults, zero when unknown
	Channels   int
	SampleRate int
}

// Extension returns the container extension for a modality's output file
func Extension(m Modality) string {
	if m == Video {
		return ".mp4"
	}
	return ".wav"
}
