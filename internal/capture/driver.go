// ABOUTME: Capture driver abstraction and error taxonomy
// ABOUTME: Drivers open devices into streams that confirm when data starts and stops flowing
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/childmindresearch/MoBI-AV/internal/media"
)

var (
	// ErrDeviceUnavailable means the device did not confirm start in time
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrDeviceBusy means the device is bound to another session
	ErrDeviceBusy = errors.New("device busy")

	// ErrDeviceStopTimeout means the device did not confirm stop in time
	ErrDeviceStopTimeout = errors.New("device stop timeout")

	// ErrInvalidParams means the capture parameters were rejected before
	// any device was touched
	ErrInvalidParams = errors.New("invalid capture parameters")
)

// Driver is a platform capture backend
type Driver interface {
	// Devices lists capture devices for a modality. It has no side effects.
	Devices(ctx context.Context, m media.Modality) ([]media.Device, error)

	// Open prepares a stream writing to path; capture does not begin until Start
	Open(ctx context.Context, m media.Modality, deviceID string, params media.Params, path string) (Stream, error)
}

// Stream is one opened device writing to one file. The contexts passed to
// Open, Start and Stop bound those calls only; a started stream keeps
// capturing after its Start context is cancelled.
type Stream interface {
	// Start returns once the device confirms data is flowing
	Start(ctx context.Context) error

	// Stop returns once the device confirms no more data will be written
	Stop(ctx context.Context) error
}

// LagReporter is implemented by streams that can only confirm start after
// some media was already captured. StartLag is the media duration written
// when Start returned.
type LagReporter interface {
	StartLag() time.Duration
}
