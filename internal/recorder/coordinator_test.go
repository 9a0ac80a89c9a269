// ABOUTME: Tests for the synchronization coordinator
// ABOUTME: Drives real capture sessions over a gated fake driver and checks the emitted markers
package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/childmindresearch/MoBI-AV/internal/capture"
	"github.com/childmindresearch/MoBI-AV/internal/marker"
	"github.com/childmindresearch/MoBI-AV/internal/media"
	"github.com/childmindresearch/MoBI-AV/internal/protocol"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

var (
	audioSel = Selection{DeviceID: "mic", Params: media.Params{SampleRate: 44100, Channels: 1}}
	videoSel = Selection{DeviceID: "cam", Params: media.Params{Width: 640, Height: 480, FPS: 24}}
)

// gateDriver confirms starts when a modality's gate is closed
type gateDriver struct {
	mu       sync.Mutex
	gates    map[media.Modality]chan struct{}
	delay    time.Duration
	failures map[media.Modality]error
	stopErrs map[media.Modality]error
	stops    map[media.Modality]int
}

func newGateDriver() *gateDriver {
	return &gateDriver{
		gates:    map[media.Modality]chan struct{}{},
		failures: map[media.Modality]error{},
		stopErrs: map[media.Modality]error{},
		stops:    map[media.Modality]int{},
	}
}

func (d *gateDriver) gate(m media.Modality) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := make(chan struct{})
	d.gates[m] = g
	return g
}

func (d *gateDriver) fail(m media.Modality, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[m] = err
}

func (d *gateDriver) stopCount(m media.Modality) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops[m]
}

func (d *gateDriver) Devices(ctx context.Context, m media.Modality) ([]media.Device, error) {
	if m == media.Audio {
		return []media.Device{{ID: "mic", Name: "Microphone", Modality: m}}, nil
	}
	return []media.Device{{ID: "cam", Name: "Camera", Modality: m}}, nil
}

func (d *gateDriver) Open(ctx context.Context, m media.Modality, deviceID string, params media.Params, path string) (capture.Stream, error) {
	return &gateStream{driver: d, modality: m}, nil
}

type gateStream struct {
	driver   *gateDriver
	modality media.Modality
}

func (s *gateStream) Start(ctx context.Context) error {
	d := s.driver
	d.mu.Lock()
	gate := d.gates[s.modality]
	delay := d.delay
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.Sleep(delay)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[s.modality]
}

func (s *gateStream) Stop(ctx context.Context) error {
	d := s.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops[s.modality]++
	return d.stopErrs[s.modality]
}

// markerLog records markers across both modalities in emission order
type markerLog struct {
	mu  sync.Mutex
	all []marker.Marker
}

func (l *markerLog) add(m marker.Marker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, m)
}

func (l *markerLog) markers() []marker.Marker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]marker.Marker(nil), l.all...)
}

func (l *markerLog) of(m media.Modality) []marker.Marker {
	var out []marker.Marker
	for _, mk := range l.markers() {
		if mk.Modality == m {
			out = append(out, mk)
		}
	}
	return out
}

type fakeEmitter struct {
	log *markerLog
}

func (e fakeEmitter) Emit(m marker.Marker) {
	e.log.add(m)
}

type harness struct {
	coord  *Coordinator
	driver *gateDriver
	log    *markerLog
	clock  internalsync.Clock
	dest   string
}

func newHarness(t *testing.T, clock internalsync.Clock, driver *gateDriver, registry *capture.Registry) *harness {
	t.Helper()
	h := &harness{driver: driver, log: &markerLog{}, clock: clock, dest: t.TempDir()}

	channels := make(map[media.Modality]Channel)
	for _, m := range media.Modalities {
		s, err := capture.NewSession(capture.SessionConfig{
			Modality:     m,
			Driver:       driver,
			Clock:        clock,
			Registry:     registry,
			StartTimeout: 2 * time.Second,
			StopTimeout:  2 * time.Second,
		})
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		channels[m] = Channel{Session: s, Emitter: fakeEmitter{log: h.log}, Suffix: "_" + m.String()}
	}

	coord, err := NewCoordinator(Config{Clock: clock, Channels: channels})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	h.coord = coord
	return h
}

func (h *harness) request(subject string, mods ...media.Modality) Request {
	req := Request{SubjectID: subject, Destination: h.dest, Modalities: map[media.Modality]Selection{}}
	for _, m := range mods {
		if m == media.Audio {
			req.Modalities[m] = audioSel
		} else {
			req.Modalities[m] = videoSel
		}
	}
	return req
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sessionState(h *harness, m media.Modality) media.State {
	return h.coord.channels[m].Session.State()
}

func TestNewCoordinatorValidation(t *testing.T) {
	clock := internalsync.NewSystemClock()
	if _, err := NewCoordinator(Config{Channels: map[media.Modality]Channel{}}); err == nil {
		t.Error("expected error without clock")
	}
	if _, err := NewCoordinator(Config{Clock: clock}); err == nil {
		t.Error("expected error without channels")
	}

	s, _ := capture.NewSession(capture.SessionConfig{Modality: media.Video, Driver: newGateDriver(), Clock: clock})
	mismatched := map[media.Modality]Channel{media.Audio: {Session: s, Emitter: fakeEmitter{log: &markerLog{}}}}
	if _, err := NewCoordinator(Config{Clock: clock, Channels: mismatched}); err == nil {
		t.Error("expected error for a video session on the audio channel")
	}
}

func TestStartStopEmitsOneMarkerPairPerModality(t *testing.T) {
	h := newHarness(t, internalsync.NewSystemClock(), newGateDriver(), nil)
	ctx := context.Background()

	if err := h.coord.StartRecording(ctx, h.request("S1", media.Audio, media.Video)); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if st := h.coord.Status(); st.State != media.StateActive || !st.Recording() {
		t.Fatalf("expected active, got %s", st.State)
	}

	if err := h.coord.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if st := h.coord.Status(); st.State != media.StateStopped {
		t.Fatalf("expected stopped, got %s", st.State)
	}

	for _, m := range media.Modalities {
		got := h.log.of(m)
		if len(got) != 2 {
			t.Fatalf("%s: expected 2 markers, got %d", m, len(got))
		}
		if got[0].Kind != marker.Start || got[1].Kind != marker.Stop {
			t.Errorf("%s: expected start then stop, got %s then %s", m, got[0].Kind, got[1].Kind)
		}
		if got[0].SessionID != got[1].SessionID || got[0].Filename != got[1].Filename {
			t.Errorf("%s: start and stop markers disagree on session identity", m)
		}
		if got[1].At.Before(got[0].At) {
			t.Errorf("%s: stop instant precedes start instant", m)
		}
	}

	// repeated stops are no-ops
	for i := 0; i < 2; i++ {
		if err := h.coord.StopRecording(ctx); err != nil {
			t.Fatalf("repeated StopRecording: %v", err)
		}
	}
	if n := len(h.log.markers()); n != 4 {
		t.Errorf("expected no markers from repeated stops, got %d total", n)
	}
	if h.driver.stopCount(media.Audio) != 1 || h.driver.stopCount(media.Video) != 1 {
		t.Error("repeated stops reached the devices")
	}
}

func TestVideoOnlyEmitsNoAudioMarkers(t *testing.T) {
	h := newHarness(t, internalsync.NewSystemClock(), newGateDriver(), nil)
	ctx := context.Background()

	if err := h.coord.StartRecording(ctx, h.request("S1", media.Video)); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := h.coord.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	if n := len(h.log.of(media.Audio)); n != 0 {
		t.Errorf("expected no audio markers, got %d", n)
	}
	if n := len(h.log.of(media.Video)); n != 2 {
		t.Errorf("expected 2 video markers, got %d", n)
	}
	if sessionState(h, media.Audio) != media.StateIdle {
		t.Errorf("audio session should never be touched, got %s", sessionState(h, media.Audio))
	}
	if st := h.coord.Status(); len(st.Modalities) != 1 || st.Modalities[0].Modality != media.Video {
		t.Errorf("expected only video in status, got %+v", st.Modalities)
	}
}

func TestStartInstantIsCausal(t *testing.T) {
	clock := internalsync.NewSystemClock()
	driver := newGateDriver()
	driver.delay = 20 * time.Millisecond
	h := newHarness(t, clock, driver, nil)

	before := clock.Now()
	if err := h.coord.StartRecording(context.Background(), h.request("S1", media.Audio, media.Video)); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	after := clock.Now()
	defer h.coord.StopRecording(context.Background())

	for _, ms := range h.coord.Status().Modalities {
		if ms.StartedAt.Before(before) || ms.StartedAt.After(after) {
			t.Errorf("%s start instant %v outside [%v, %v]", ms.Modality, ms.StartedAt, before, after)
		}
		if ms.StartedAt.Sub(before) < 20*time.Millisecond {
			t.Errorf("%s start instant taken before the device confirmed", ms.Modality)
		}
	}
}

func TestSkewedConfirmationsKeepTheirOwnInstants(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	clock := internalsync.NewManualClock(t0)
	driver := newGateDriver()
	audioGate := driver.gate(media.Audio)
	videoGate := driver.gate(media.Video)
	h := newHarness(t, clock, driver, nil)

	done := make(chan error, 1)
	go func() {
		done <- h.coord.StartRecording(context.Background(), h.request("S1", media.Audio, media.Video))
	}()

	waitFor(t, "both sessions starting", func() bool {
		return sessionState(h, media.Audio) == media.StateStarting && sessionState(h, media.Video) == media.StateStarting
	})

	clock.Set(t0.Add(100 * time.Millisecond))
	close(audioGate)
	waitFor(t, "audio start marker", func() bool { return len(h.log.markers()) == 1 })

	clock.Set(t0.Add(180 * time.Millisecond))
	close(videoGate)

	if err := <-done; err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	got := h.log.markers()
	if len(got) != 2 {
		t.Fatalf("expected 2 markers, got %d", len(got))
	}
	if got[0].Modality != media.Audio || got[1].Modality != media.Video {
		t.Fatalf("expected audio marker before video marker, got %s then %s", got[0].Modality, got[1].Modality)
	}
	if want := t0.Add(100 * time.Millisecond); !got[0].At.Equal(want) {
		t.Errorf("audio start at %v, want %v", got[0].At, want)
	}
	if want := t0.Add(180 * time.Millisecond); !got[1].At.Equal(want) {
		t.Errorf("video start at %v, want %v", got[1].At, want)
	}
	for _, m := range got {
		if !strings.Contains(filepath.Base(m.Filename), "S1") {
			t.Errorf("%s filename %q does not reference the subject", m.Modality, m.Filename)
		}
	}

	if h.coord.Status().State != media.StateActive {
		t.Errorf("expected active, got %s", h.coord.Status().State)
	}
	h.coord.StopRecording(context.Background())
}

func TestStartFailureStopsStartedSibling(t *testing.T) {
	driver := newGateDriver()
	videoGate := driver.gate(media.Video)
	h := newHarness(t, internalsync.NewSystemClock(), driver, nil)

	var mu sync.Mutex
	var seen []media.State
	h.coord.OnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s.State)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		done <- h.coord.StartRecording(context.Background(), h.request("S1", media.Audio, media.Video))
	}()

	waitFor(t, "audio to start", func() bool { return sessionState(h, media.Audio) == media.StateActive })
	driver.fail(media.Video, errors.New("camera unplugged"))
	close(videoGate)

	err := <-done
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}

	if n := driver.stopCount(media.Audio); n != 1 {
		t.Errorf("expected one cleanup stop of audio, got %d", n)
	}
	if n := driver.stopCount(media.Video); n != 0 {
		t.Errorf("failed video should not be stopped by the coordinator, got %d", n)
	}

	audio := h.log.of(media.Audio)
	if len(audio) != 2 || audio[0].Kind != marker.Start || audio[1].Kind != marker.Stop {
		t.Errorf("expected audio start and cleanup stop markers, got %+v", audio)
	}
	if n := len(h.log.of(media.Video)); n != 0 {
		t.Errorf("expected no video markers, got %d", n)
	}

	st := h.coord.Status()
	if st.State != media.StateFailed || !errors.Is(st.Err, capture.ErrDeviceUnavailable) {
		t.Errorf("expected failed status with device error, got %s / %v", st.State, st.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s == media.StateActive {
			t.Fatal("Active state was reached despite a failed start")
		}
	}
}

func TestStartFromFailedIsAllowed(t *testing.T) {
	driver := newGateDriver()
	driver.fail(media.Audio, errors.New("busy elsewhere"))
	h := newHarness(t, internalsync.NewSystemClock(), driver, nil)
	ctx := context.Background()

	if err := h.coord.StartRecording(ctx, h.request("S1", media.Audio)); err == nil {
		t.Fatal("expected first start to fail")
	}

	driver.fail(media.Audio, nil)
	if err := h.coord.StartRecording(ctx, h.request("S1", media.Audio)); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if err := h.coord.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestStartWhileRecordingIsRejected(t *testing.T) {
	driver := newGateDriver()
	gate := driver.gate(media.Audio)
	h := newHarness(t, internalsync.NewSystemClock(), driver, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.coord.StartRecording(ctx, h.request("S1", media.Audio)) }()
	waitFor(t, "starting", func() bool { return h.coord.Status().State == media.StateStarting })

	if err := h.coord.StartRecording(ctx, h.request("S2", media.Video)); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording while starting, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	if err := h.coord.StartRecording(ctx, h.request("S2", media.Video)); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording while active, got %v", err)
	}
	if n := len(h.log.of(media.Video)); n != 0 {
		t.Errorf("rejected start emitted %d video markers", n)
	}

	if err := h.coord.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if err := h.coord.StartRecording(ctx, h.request("S2", media.Video)); err != nil {
		t.Errorf("start after stop should be accepted: %v", err)
	}
	h.coord.StopRecording(ctx)
}

func TestStopDuringStartingIsQueued(t *testing.T) {
	driver := newGateDriver()
	gate := driver.gate(media.Audio)
	h := newHarness(t, internalsync.NewSystemClock(), driver, nil)
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- h.coord.StartRecording(ctx, h.request("S1", media.Audio)) }()
	waitFor(t, "starting", func() bool { return h.coord.Status().State == media.StateStarting })

	stopped := make(chan error, 1)
	go func() { stopped <- h.coord.StopRecording(ctx) }()

	select {
	case err := <-stopped:
		t.Fatalf("stop returned before the start resolved: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := driver.stopCount(media.Audio); n != 0 {
		t.Fatalf("device stopped before it finished starting")
	}

	close(gate)
	if err := <-started; err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	if st := h.coord.Status(); st.State != media.StateStopped {
		t.Errorf("expected stopped, got %s", st.State)
	}
	audio := h.log.of(media.Audio)
	if len(audio) != 2 || audio[0].Kind != marker.Start || audio[1].Kind != marker.Stop {
		t.Errorf("expected start then stop, got %+v", audio)
	}
}

func TestStopTimeoutFailsRecording(t *testing.T) {
	driver := newGateDriver()
	driver.stopErrs[media.Video] = errors.New("encoder hung")
	h := newHarness(t, internalsync.NewSystemClock(), driver, nil)
	ctx := context.Background()

	if err := h.coord.StartRecording(ctx, h.request("S1", media.Audio, media.Video)); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	err := h.coord.StopRecording(ctx)
	if !errors.Is(err, capture.ErrDeviceStopTimeout) {
		t.Fatalf("expected ErrDeviceStopTimeout, got %v", err)
	}
	if st := h.coord.Status(); st.State != media.StateFailed {
		t.Errorf("expected failed, got %s", st.State)
	}

	// audio still stopped cleanly and closed its interval
	if audio := h.log.of(media.Audio); len(audio) != 2 {
		t.Errorf("expected audio start and stop markers, got %d", len(audio))
	}
	if video := h.log.of(media.Video); len(video) != 1 {
		t.Errorf("expected only the video start marker, got %d", len(video))
	}
}

// unreachableBus hands out outlets whose pushes always fail
type unreachableBus struct{}

type unreachableOutlet struct{}

func (unreachableBus) Outlet(info protocol.StreamInfo) (marker.Outlet, error) {
	return unreachableOutlet{}, nil
}

func (unreachableOutlet) Push(m protocol.Marker) error {
	return errors.New("connection refused")
}

func TestBusUnreachableDuringStop(t *testing.T) {
	clock := internalsync.NewSystemClock()
	driver := newGateDriver()

	var coord *Coordinator
	onError := func(err error) { coord.ReportEmitterError(err) }

	emitters := map[media.Modality]*marker.Emitter{}
	channels := map[media.Modality]Channel{}
	for _, m := range media.Modalities {
		s, err := capture.NewSession(capture.SessionConfig{Modality: m, Driver: driver, Clock: clock})
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		emitters[m] = marker.NewEmitter(m, protocol.StreamInfo{Name: m.String() + "Markers"}, unreachableBus{}, onError)
		channels[m] = Channel{Session: s, Emitter: emitters[m], Suffix: "_" + m.String()}
	}

	var err error
	coord, err = NewCoordinator(Config{Clock: clock, Channels: channels})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	ctx := context.Background()
	req := Request{SubjectID: "S1", Destination: t.TempDir(), Modalities: map[media.Modality]Selection{
		media.Audio: audioSel,
		media.Video: videoSel,
	}}
	if err := coord.StartRecording(ctx, req); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := coord.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording should not fail on marker errors: %v", err)
	}

	for _, e := range emitters {
		flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := e.Flush(flushCtx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		cancel()
		e.Close()
	}

	st := coord.Status()
	if st.State != media.StateStopped {
		t.Errorf("expected stopped, got %s", st.State)
	}
	if len(st.Warnings) != 4 {
		t.Errorf("expected 4 emitter warnings, got %d", len(st.Warnings))
	}
	for _, w := range st.Warnings {
		if !errors.Is(w, marker.ErrEmitterChannel) {
			t.Errorf("expected ErrEmitterChannel, got %v", w)
		}
	}
	if st.Err != nil {
		t.Errorf("emitter errors must not fail the recording: %v", st.Err)
	}
}

func TestDeviceBusyAcrossCoordinators(t *testing.T) {
	registry := capture.NewRegistry()
	driver := newGateDriver()
	first := newHarness(t, internalsync.NewSystemClock(), driver, registry)
	second := newHarness(t, internalsync.NewSystemClock(), driver, registry)
	ctx := context.Background()

	if err := first.coord.StartRecording(ctx, first.request("S1", media.Audio)); err != nil {
		t.Fatalf("first StartRecording: %v", err)
	}

	err := second.coord.StartRecording(ctx, second.request("S2", media.Audio))
	if !errors.Is(err, capture.ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}
	if n := len(second.log.markers()); n != 0 {
		t.Errorf("busy rejection emitted %d markers", n)
	}

	if err := first.coord.StopRecording(ctx); err != nil {
		t.Fatalf("first StopRecording: %v", err)
	}
	if err := second.coord.StartRecording(ctx, second.request("S2", media.Audio)); err != nil {
		t.Fatalf("second StartRecording after release: %v", err)
	}
	second.coord.StopRecording(ctx)
}

func TestStartRecordingValidatesRequest(t *testing.T) {
	h := newHarness(t, internalsync.NewSystemClock(), newGateDriver(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"no subject", Request{Destination: h.dest, Modalities: map[media.Modality]Selection{media.Audio: audioSel}}},
		{"no destination", Request{SubjectID: "S1", Modalities: map[media.Modality]Selection{media.Audio: audioSel}}},
		{"no modalities", Request{SubjectID: "S1", Destination: h.dest}},
		{"unknown modality", Request{SubjectID: "S1", Destination: h.dest, Modalities: map[media.Modality]Selection{media.Modality(7): audioSel}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.coord.StartRecording(ctx, tt.req); err == nil {
				t.Error("expected error")
			}
			if st := h.coord.Status(); st.State != media.StateIdle {
				t.Errorf("invalid request changed state to %s", st.State)
			}
		})
	}
}

func TestFilenamesAndDestination(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 14, 30, 15, 0, time.UTC)
	clock := internalsync.NewManualClock(t0)
	h := newHarness(t, clock, newGateDriver(), nil)

	req := h.request("S1", media.Audio, media.Video)
	req.Destination = filepath.Join(h.dest, "nested", "session")
	if err := h.coord.StartRecording(context.Background(), req); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer h.coord.StopRecording(context.Background())

	want := map[media.Modality]string{
		media.Audio: filepath.Join(req.Destination, "S1_audio_20240305_143015.wav"),
		media.Video: filepath.Join(req.Destination, "S1_video_20240305_143015.mp4"),
	}
	for _, ms := range h.coord.Status().Modalities {
		if ms.Filename != want[ms.Modality] {
			t.Errorf("%s filename = %s, want %s", ms.Modality, ms.Filename, want[ms.Modality])
		}
	}
}

func TestDeviceQueries(t *testing.T) {
	h := newHarness(t, internalsync.NewSystemClock(), newGateDriver(), nil)
	ctx := context.Background()

	if got := h.coord.Devices(media.Audio); len(got) != 0 {
		t.Errorf("expected empty cache before refresh, got %+v", got)
	}

	devices, err := h.coord.ListCompatibleDevices(ctx, media.Video)
	if err != nil || len(devices) != 1 || devices[0].ID != "cam" {
		t.Fatalf("ListCompatibleDevices = %+v, %v", devices, err)
	}
	if got := h.coord.Devices(media.Video); len(got) != 0 {
		t.Error("ListCompatibleDevices must not populate the cache")
	}

	found, err := h.coord.RefreshDevices(ctx)
	if err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if len(found[media.Audio]) != 1 || len(found[media.Video]) != 1 {
		t.Errorf("unexpected refresh result %+v", found)
	}
	if got := h.coord.Devices(media.Audio); len(got) != 1 || got[0].ID != "mic" {
		t.Errorf("expected cached microphone, got %+v", got)
	}
}
