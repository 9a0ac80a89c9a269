// ABOUTME: Synchronization coordinator sequencing audio and video capture sessions
// ABOUTME: Fans out start/stop concurrently and emits one marker per modality transition with its own instant
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/childmindresearch/MoBI-AV/internal/marker"
	"github.com/childmindresearch/MoBI-AV/internal/media"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

// ErrAlreadyRecording rejects a start while a recording is in progress
var ErrAlreadyRecording = errors.New("already recording")

// maxWarnings bounds the emitter errors kept for display
const maxWarnings = 10

// Capturer is a capture session for one modality
type Capturer interface {
	Modality() media.Modality
	State() media.State
	Devices(ctx context.Context) ([]media.Device, error)
	Start(ctx context.Context, deviceID string, params media.Params, path string) (time.Time, error)
	Stop(ctx context.Context) (time.Time, error)
}

// MarkerEmitter publishes markers of one modality
type MarkerEmitter interface {
	Emit(m marker.Marker)
}

// Channel pairs a modality's capture session with its marker emitter
type Channel struct {
	Session Capturer
	Emitter MarkerEmitter

	// Suffix is appended to the subject ID in output filenames
	Suffix string
}

// Config configures a coordinator
type Config struct {
	Clock    internalsync.Clock
	Channels map[media.Modality]Channel
}

// Selection is the device and parameters chosen for one modality
type Selection struct {
	DeviceID string
	Params   media.Params
}

// Request is an operator "start recording" command
type Request struct {
	SubjectID   string
	Destination string
	Modalities  map[media.Modality]Selection
}

// ModalityStatus describes one modality of the current recording
type ModalityStatus struct {
	Modality  media.Modality
	State     media.State
	DeviceID  string
	Filename  string
	StartedAt time.Time
	StoppedAt time.Time
}

// Status is a snapshot of the coordinator
type Status struct {
	State       media.State
	SessionID   string
	SubjectID   string
	Destination string
	CreatedAt   time.Time
	Modalities  []ModalityStatus
	Err         error
	Warnings    []error
}

// Recording reports whether capture is in progress or being negotiated
func (s Status) Recording() bool {
	switch s.State {
	case media.StateStarting, media.StateActive, media.StateStopping:
		return true
	}
	return false
}

// recording is one operator-initiated capture attempt
type recording struct {
	id          string
	subjectID   string
	destination string
	createdAt   time.Time
	selections  map[media.Modality]Selection
	files       map[media.Modality]string
	started     map[media.Modality]time.Time
	stopped     map[media.Modality]time.Time

	stopRequested bool
	stopErr       error
	finished      chan struct{}
}

// Coordinator drives the capture sessions of one recording at a time
type Coordinator struct {
	clock    internalsync.Clock
	channels map[media.Modality]Channel

	mu        sync.Mutex
	state     media.State
	rec       *recording
	lastErr   error
	warnings  []error
	devices   map[media.Modality][]media.Device
	listeners []func(Status)
}

// NewCoordinator creates an idle coordinator
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if len(config.Channels) == 0 {
		return nil, fmt.Errorf("at least one capture channel is required")
	}
	for m, ch := range config.Channels {
		if ch.Session == nil || ch.Emitter == nil {
			return nil, fmt.Errorf("%s channel needs a session and an emitter", m)
		}
		if ch.Session.Modality() != m {
			return nil, fmt.Errorf("%s channel has a %s session", m, ch.Session.Modality())
		}
	}

	return &Coordinator{
		clock:    config.Clock,
		channels: config.Channels,
		state:    media.StateIdle,
		devices:  make(map[media.Modality][]media.Device),
	}, nil
}

// OnStatus registers a callback invoked after every state change
func (c *Coordinator) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Status returns a snapshot of the coordinator
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Coordinator) snapshot() Status {
	s := Status{
		State:    c.state,
		Err:      c.lastErr,
		Warnings: append([]error(nil), c.warnings...),
	}

	rec := c.rec
	if rec == nil {
		return s
	}
	s.SessionID = rec.id
	s.SubjectID = rec.subjectID
	s.Destination = rec.destination
	s.CreatedAt = rec.createdAt

	for _, m := range media.Modalities {
		sel, ok := rec.selections[m]
		if !ok {
			continue
		}
		s.Modalities = append(s.Modalities, ModalityStatus{
			Modality:  m,
			State:     c.channels[m].Session.State(),
			DeviceID:  sel.DeviceID,
			Filename:  rec.files[m],
			StartedAt: rec.started[m],
			StoppedAt: rec.stopped[m],
		})
	}
	return s
}

// notify sends the current status to listeners; callers must not hold mu
func (c *Coordinator) notify() {
	c.mu.Lock()
	status := c.snapshot()
	listeners := append(([]func(Status))(nil), c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

// ReportEmitterError records a marker delivery failure. Recording continues.
func (c *Coordinator) ReportEmitterError(err error) {
	log.Printf("Marker delivery failed (recording continues): %v", err)

	c.mu.Lock()
	c.warnings = append(c.warnings, err)
	if len(c.warnings) > maxWarnings {
		c.warnings = c.warnings[len(c.warnings)-maxWarnings:]
	}
	c.mu.Unlock()

	c.notify()
}

// ListCompatibleDevices queries the devices of one modality without side effects
func (c *Coordinator) ListCompatibleDevices(ctx context.Context, m media.Modality) ([]media.Device, error) {
	ch, ok := c.channels[m]
	if !ok {
		return nil, fmt.Errorf("no %s capture channel", m)
	}
	return ch.Session.Devices(ctx)
}

// RefreshDevices re-enumerates every modality and caches the result
func (c *Coordinator) RefreshDevices(ctx context.Context) (map[media.Modality][]media.Device, error) {
	found := make(map[media.Modality][]media.Device)
	var errs []error

	for _, m := range media.Modalities {
		if _, ok := c.channels[m]; !ok {
			continue
		}
		devices, err := c.ListCompatibleDevices(ctx, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing %s devices: %w", m, err))
			continue
		}
		found[m] = devices
		log.Printf("Found %d %s device(s)", len(devices), m)
	}

	c.mu.Lock()
	for m, devices := range found {
		c.devices[m] = devices
	}
	c.mu.Unlock()

	c.notify()
	return found, errors.Join(errs...)
}

// Devices returns the devices cached by the last RefreshDevices
func (c *Coordinator) Devices(m media.Modality) []media.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Device(nil), c.devices[m]...)
}

// Filename builds <destination>/<subject><suffix>_<YYYYMMDD_HHMMSS><ext>
func Filename(destination, subjectID, suffix string, at time.Time, m media.Modality) string {
	return filepath.Join(destination, subjectID+suffix+"_"+at.Format(marker.FilenameLayout)+media.Extension(m))
}

func (c *Coordinator) validate(req Request) error {
	if strings.TrimSpace(req.SubjectID) == "" {
		return fmt.Errorf("subject ID is required")
	}
	if req.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if len(req.Modalities) == 0 {
		return fmt.Errorf("no modality requested")
	}
	for m := range req.Modalities {
		if _, ok := c.channels[m]; !ok {
			return fmt.Errorf("no %s capture channel", m)
		}
	}
	return nil
}

// StartRecording runs the start protocol: every requested modality starts
// concurrently and each Start marker is emitted as soon as its own device
// confirms. If any modality fails, the ones that started are stopped again
// and the device error is returned.
func (c *Coordinator) StartRecording(ctx context.Context, req Request) error {
	if err := c.validate(req); err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case media.StateStarting, media.StateActive, media.StateStopping:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: recording is %s", ErrAlreadyRecording, state)
	}

	if err := os.MkdirAll(req.Destination, 0o755); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("creating destination %s: %w", req.Destination, err)
	}

	created := c.clock.Now()
	rec := &recording{
		id:          uuid.New().String(),
		subjectID:   req.SubjectID,
		destination: req.Destination,
		createdAt:   created,
		selections:  req.Modalities,
		files:       make(map[media.Modality]string),
		started:     make(map[media.Modality]time.Time),
		stopped:     make(map[media.Modality]time.Time),
		finished:    make(chan struct{}),
	}
	for m := range req.Modalities {
		rec.files[m] = Filename(req.Destination, req.SubjectID, c.channels[m].Suffix, created, m)
	}

	c.rec = rec
	c.state = media.StateStarting
	c.lastErr = nil
	c.warnings = nil
	c.mu.Unlock()
	c.notify()

	log.Printf("Starting recording %s for %s: %s", rec.id, rec.subjectID, modalityList(req.Modalities))

	var (
		g       errgroup.Group
		errMu   sync.Mutex
		errs    []error
		started []media.Modality
	)
	for m, sel := range req.Modalities {
		g.Go(func() error {
			ch := c.channels[m]
			at, err := ch.Session.Start(ctx, sel.DeviceID, sel.Params, rec.files[m])
			if err != nil {
				log.Printf("%s failed to start: %v", m, err)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return err
			}

			c.mu.Lock()
			rec.started[m] = at
			c.mu.Unlock()

			errMu.Lock()
			started = append(started, m)
			errMu.Unlock()

			ch.Emitter.Emit(c.newMarker(rec, m, marker.Start, at))
			return nil
		})
	}
	g.Wait()

	if len(errs) > 0 {
		return c.abort(rec, started, errors.Join(errs...))
	}

	c.mu.Lock()
	c.state = media.StateActive
	queued := rec.stopRequested
	if queued {
		// the stop caller is waiting; nobody else may stop in between
		c.state = media.StateStopping
	}
	c.mu.Unlock()

	log.Printf("Recording %s active", rec.id)

	if queued {
		log.Printf("Applying stop queued during start of %s", rec.id)
		c.stop(context.WithoutCancel(ctx), rec)
		return nil
	}

	c.notify()
	return nil
}

// abort stops the modalities that did start and fails the recording. The
// coordinator stays in Starting until the cleanup resolves.
func (c *Coordinator) abort(rec *recording, started []media.Modality, cause error) error {
	var g errgroup.Group
	for _, m := range started {
		g.Go(func() error {
			ch := c.channels[m]
			at, err := ch.Session.Stop(context.Background())
			if err != nil {
				log.Printf("Cleanup stop of %s failed: %v", m, err)
				return nil
			}

			c.mu.Lock()
			rec.stopped[m] = at
			c.mu.Unlock()

			ch.Emitter.Emit(c.newMarker(rec, m, marker.Stop, at))
			return nil
		})
	}
	g.Wait()

	c.mu.Lock()
	c.state = media.StateFailed
	c.lastErr = cause
	close(rec.finished)
	c.mu.Unlock()
	c.notify()

	log.Printf("Recording %s failed: %v", rec.id, cause)
	return fmt.Errorf("starting recording: %w", cause)
}

// StopRecording runs the stop protocol. Stopping while idle, stopping or
// already stopped is a no-op. A stop issued while starting is applied once
// the start resolves, and this call waits for it.
func (c *Coordinator) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	rec := c.rec
	switch c.state {
	case media.StateStarting:
		rec.stopRequested = true
		c.mu.Unlock()

		log.Printf("Stop requested while starting %s; queued", rec.id)
		select {
		case <-rec.finished:
			c.mu.Lock()
			defer c.mu.Unlock()
			return rec.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}

	case media.StateActive:
		c.state = media.StateStopping
		c.mu.Unlock()
		return c.stop(ctx, rec)

	default:
		state := c.state
		c.mu.Unlock()
		log.Printf("Stop ignored: recording is %s", state)
		return nil
	}
}

// stop stops every started modality concurrently; the caller has moved the
// coordinator into Stopping
func (c *Coordinator) stop(ctx context.Context, rec *recording) error {
	c.notify()

	c.mu.Lock()
	active := make([]media.Modality, 0, len(rec.started))
	for m := range rec.started {
		active = append(active, m)
	}
	c.mu.Unlock()

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for _, m := range active {
		g.Go(func() error {
			ch := c.channels[m]
			at, err := ch.Session.Stop(ctx)
			if err != nil {
				log.Printf("%s failed to stop: %v", m, err)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return err
			}

			c.mu.Lock()
			rec.stopped[m] = at
			c.mu.Unlock()

			ch.Emitter.Emit(c.newMarker(rec, m, marker.Stop, at))
			return nil
		})
	}
	g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		err = fmt.Errorf("stopping recording: %w", err)
	}

	c.mu.Lock()
	if err != nil {
		c.state = media.StateFailed
		c.lastErr = err
	} else {
		c.state = media.StateStopped
	}
	rec.stopErr = err
	close(rec.finished)
	c.mu.Unlock()
	c.notify()

	if err != nil {
		log.Printf("Recording %s stopped with errors: %v", rec.id, err)
		return err
	}
	log.Printf("Recording %s stopped", rec.id)
	return nil
}

func (c *Coordinator) newMarker(rec *recording, m media.Modality, kind marker.Kind, at time.Time) marker.Marker {
	return marker.Marker{
		Modality:  m,
		Kind:      kind,
		SessionID: rec.id,
		SubjectID: rec.subjectID,
		Filename:  rec.files[m],
		At:        at,
		Params:    rec.selections[m].Params,
	}
}

func modalityList(sel map[media.Modality]Selection) string {
	names := make([]string, 0, len(sel))
	for m := range sel {
		names = append(names, m.String())
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}
