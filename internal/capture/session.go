// ABOUTME: Capture session owning one device for one modality
// ABOUTME: Reports the clock instant at which capture was confirmed to start and stop
package capture

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/childmindresearch/MoBI-AV/internal/media"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

// Default bounds for device negotiation
const (
	DefaultStartTimeout = 5 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// SessionConfig configures a capture session
type SessionConfig struct {
	Modality     media.Modality
	Driver       Driver
	Clock        internalsync.Clock
	Registry     *Registry
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// Session drives one device through start and stop
type Session struct {
	config SessionConfig

	mu        sync.Mutex
	state     media.State
	deviceID  string
	stream    Stream
	startedAt time.Time
	stoppedAt time.Time
}

// NewSession creates an idle capture session
func NewSession(config SessionConfig) (*Session, error) {
	if config.Driver == nil {
		return nil, fmt.Errorf("%s session: driver is required", config.Modality)
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("%s session: clock is required", config.Modality)
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = DefaultStartTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}

	return &Session{config: config, state: media.StateIdle}, nil
}

// Modality returns the session's modality
func (s *Session) Modality() media.Modality {
	return s.config.Modality
}

// State returns the current handle state
func (s *Session) State() media.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceID returns the device bound by the last Start
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Devices lists devices compatible with this session
func (s *Session) Devices(ctx context.Context) ([]media.Device, error) {
	return s.config.Driver.Devices(ctx, s.config.Modality)
}

type startResult struct {
	at     time.Time
	stream Stream
	err    error
}

// Start opens the device and blocks until data is flowing. The returned
// instant is read from the clock when the driver confirmed, not when the
// request was issued. Streams implementing LagReporter have it moved back
// to their first captured sample.
func (s *Session) Start(ctx context.Context, deviceID string, params media.Params, path string) (time.Time, error) {
	m := s.config.Modality

	s.mu.Lock()
	switch s.state {
	case media.StateStarting, media.StateActive, media.StateStopping:
		s.mu.Unlock()
		return time.Time{}, fmt.Errorf("%w: %s session is %s", ErrDeviceBusy, m, s.state)
	}
	if err := params.Validate(m); err != nil {
		s.mu.Unlock()
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, m, err)
	}
	if err := s.config.Registry.Acquire(m, deviceID); err != nil {
		s.mu.Unlock()
		return time.Time{}, err
	}
	s.state = media.StateStarting
	s.deviceID = deviceID
	s.stream = nil
	s.startedAt = time.Time{}
	s.stoppedAt = time.Time{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.StartTimeout)
	defer cancel()

	requested := s.config.Clock.Now()
	done := make(chan startResult, 1)
	go func() {
		stream, err := s.config.Driver.Open(ctx, m, deviceID, params, path)
		if err != nil {
			done <- startResult{err: err}
			return
		}
		if err := stream.Start(ctx); err != nil {
			done <- startResult{stream: stream, err: err}
			return
		}
		at := s.config.Clock.Now()
		if lr, ok := stream.(LagReporter); ok {
			at = backdate(at, lr.StartLag(), requested)
		}
		done <- startResult{at: at, stream: stream}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			s.fail()
			s.cleanup(r.stream, deviceID)
			return time.Time{}, fmt.Errorf("%w: %s device %q: %v", ErrDeviceUnavailable, m, deviceID, r.err)
		}

		s.mu.Lock()
		s.stream = r.stream
		s.startedAt = r.at
		s.state = media.StateActive
		s.mu.Unlock()

		log.Printf("%s capture flowing on %q at %s", m, deviceID, r.at.Format(time.RFC3339Nano))
		return r.at, nil

	case <-ctx.Done():
		s.fail()
		// the negotiation cannot be cancelled; tear it down once it resolves
		go s.reap(done, deviceID)
		return time.Time{}, fmt.Errorf("%w: %s device %q did not confirm start within %v",
			ErrDeviceUnavailable, m, deviceID, s.config.StartTimeout)
	}
}

// backdate moves a confirmation instant back by the media already captured,
// never earlier than the start request
func backdate(at time.Time, lag time.Duration, requested time.Time) time.Time {
	if lag <= 0 {
		return at
	}
	if earliest := at.Add(-lag); earliest.After(requested) {
		return earliest
	}
	return requested
}

// Stop requests cessation and blocks until the device confirms it
func (s *Session) Stop(ctx context.Context) (time.Time, error) {
	m := s.config.Modality

	s.mu.Lock()
	if s.state != media.StateActive {
		state := s.state
		s.mu.Unlock()
		return time.Time{}, fmt.Errorf("%s session is %s, not active", m, state)
	}
	s.state = media.StateStopping
	stream := s.stream
	deviceID := s.deviceID
	s.mu.Unlock()

	defer s.config.Registry.Release(m, deviceID)

	ctx, cancel := context.WithTimeout(ctx, s.config.StopTimeout)
	defer cancel()

	done := make(chan startResult, 1)
	go func() {
		err := stream.Stop(ctx)
		done <- startResult{at: s.config.Clock.Now(), err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			s.fail()
			return time.Time{}, fmt.Errorf("%w: %s device %q: %v", ErrDeviceStopTimeout, m, deviceID, r.err)
		}

		s.mu.Lock()
		s.stoppedAt = r.at
		s.state = media.StateStopped
		s.mu.Unlock()

		log.Printf("%s capture stopped on %q at %s", m, deviceID, r.at.Format(time.RFC3339Nano))
		return r.at, nil

	case <-ctx.Done():
		s.fail()
		return time.Time{}, fmt.Errorf("%w: %s device %q did not confirm stop within %v",
			ErrDeviceStopTimeout, m, deviceID, s.config.StopTimeout)
	}
}

// Times returns the confirmed start and stop instants of the last recording
func (s *Session) Times() (started, stopped time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt, s.stoppedAt
}

func (s *Session) fail() {
	s.mu.Lock()
	s.state = media.StateFailed
	s.stream = nil
	s.mu.Unlock()
}

// cleanup stops a half-opened stream and releases the device
func (s *Session) cleanup(stream Stream, deviceID string) {
	defer s.config.Registry.Release(s.config.Modality, deviceID)
	if stream == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.StopTimeout)
	defer cancel()
	if err := stream.Stop(ctx); err != nil {
		log.Printf("Cleanup stop of %s device %q failed: %v", s.config.Modality, deviceID, err)
	}
}

// reap waits for a timed-out start to resolve, then cleans it up
func (s *Session) reap(done <-chan startResult, deviceID string) {
	select {
	case r := <-done:
		s.cleanup(r.stream, deviceID)
	case <-time.After(s.config.StopTimeout):
		log.Printf("%s device %q never resolved its start; releasing binding", s.config.Modality, deviceID)
		s.config.Registry.Release(s.config.Modality, deviceID)
	}
}
