// ABOUTME: Simulated capture driver with a test tone and a frame counter
// ABOUTME: Models device open latency and failures without touching hardware
package capture

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/childmindresearch/MoBI-AV/internal/media"
)

// chunkDuration is how much media the simulated devices produce per tick
const chunkDuration = 20 * time.Millisecond

// SimulatedDriver fakes capture devices. Audio streams render a 440Hz tone
// into a WAV file; video streams count frames at the configured rate.
type SimulatedDriver struct {
	// Latency is the open/negotiation delay before data flows
	Latency map[media.Modality]time.Duration

	// Failures maps device IDs to the error their Start returns
	Failures map[string]error

	mu      sync.Mutex
	devices map[media.Modality][]media.Device
}

// NewSimulatedDriver creates a driver exposing one device per modality
func NewSimulatedDriver() *SimulatedDriver {
	return &SimulatedDriver{
		Latency:  map[media.Modality]time.Duration{},
		Failures: map[string]error{},
		devices: map[media.Modality][]media.Device{
			media.Audio: {{ID: "sim-audio-0", Name: "Simulated Microphone", Modality: media.Audio, Channels: 2, SampleRate: 48000}},
			media.Video: {{ID: "sim-video-0", Name: "Simulated Camera", Modality: media.Video}},
		},
	}
}

// AddDevice registers an extra simulated device
func (d *SimulatedDriver) AddDevice(dev media.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.Modality] = append(d.devices[dev.Modality], dev)
}

// Devices lists the simulated devices of a modality
func (d *SimulatedDriver) Devices(ctx context.Context, m media.Modality) ([]media.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.Device(nil), d.devices[m]...), nil
}

// Open prepares a simulated stream
func (d *SimulatedDriver) Open(ctx context.Context, m media.Modality, deviceID string, params media.Params, path string) (Stream, error) {
	d.mu.Lock()
	found := false
	for _, dev := range d.devices[m] {
		if dev.ID == deviceID {
			found = true
			break
		}
	}
	d.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("no simulated %s device %q", m, deviceID)
	}

	return &simulatedStream{
		modality: m,
		params:   params,
		path:     path,
		latency:  d.Latency[m],
		failure:  d.Failures[deviceID],
		tone:     newToneSource(params.SampleRate, params.Channels),
	}, nil
}

// simulatedStream produces media on a ticker until stopped
type simulatedStream struct {
	modality media.Modality
	params   media.Params
	path     string
	latency  time.Duration
	failure  error
	tone     *toneSource

	mu       sync.Mutex
	file     *os.File
	encoder  *wav.Encoder
	frames   int64
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func (s *simulatedStream) Start(ctx context.Context) error {
	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.failure != nil {
		return s.failure
	}

	if s.modality == media.Audio && s.path != "" {
		f, err := os.Create(s.path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", s.path, err)
		}
		s.file = f
		s.encoder = wav.NewEncoder(f, s.params.SampleRate, 16, s.params.Channels, 1)
	}

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	flowing := make(chan struct{})

	go s.produce(flowing)

	select {
	case <-flowing:
		return nil
	case <-ctx.Done():
		s.halt()
		<-s.done
		s.finalize()
		return ctx.Err()
	}
}

func (s *simulatedStream) halt() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// produce generates one chunk per tick; the first chunk confirms flow
func (s *simulatedStream) produce(flowing chan struct{}) {
	defer close(s.done)

	ticker := time.NewTicker(chunkDuration)
	defer ticker.Stop()

	first := true
	for {
		s.writeChunk()
		if first {
			close(flowing)
			first = false
		}

		select {
		case <-ticker.C:
		case <-s.quit:
			return
		}
	}
}

func (s *simulatedStream) writeChunk() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.modality == media.Video {
		s.frames += int64(math.Max(1, math.Round(s.params.FPS*chunkDuration.Seconds())))
		return
	}

	samples := s.tone.Read(int(chunkDuration.Seconds() * float64(s.params.SampleRate)))
	s.frames += int64(len(samples) / s.params.Channels)
	if s.encoder == nil {
		return
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.params.Channels, SampleRate: s.params.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := s.encoder.Write(buf); err != nil {
		log.Printf("Simulated audio write failed: %v", err)
	}
}

func (s *simulatedStream) Stop(ctx context.Context) error {
	if s.quit == nil {
		return nil
	}

	s.halt()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.finalize()
}

// finalize writes the WAV header sizes and closes the file once
func (s *simulatedStream) finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.encoder != nil {
		if cerr := s.encoder.Close(); cerr != nil {
			err = fmt.Errorf("finalizing %s: %w", s.path, cerr)
		}
		s.encoder = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// Frames returns how many sample frames (audio) or video frames were produced
func (s *simulatedStream) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// toneSource generates a 440Hz sine wave
type toneSource struct {
	sampleIndex uint64
	sampleRate  int
	channels    int
	frequency   float64
}

func newToneSource(sampleRate, channels int) *toneSource {
	return &toneSource{
		sampleRate: sampleRate,
		channels:   channels,
		frequency:  440.0, // A4
	}
}

// Read returns frames interleaved 16-bit samples
func (t *toneSource) Read(frames int) []int {
	if t.sampleRate <= 0 || t.channels <= 0 {
		return nil
	}

	samples := make([]int, frames*t.channels)
	for i := 0; i < frames; i++ {
		at := float64(t.sampleIndex+uint64(i)) / float64(t.sampleRate)
		value := int(math.Sin(2*math.Pi*t.frequency*at) * 32767.0 * 0.5) // 50% volume

		for c := 0; c < t.channels; c++ {
			samples[i*t.channels+c] = value
		}
	}
	t.sampleIndex += uint64(frames)

	return samples
}
