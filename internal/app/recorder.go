// ABOUTME: Recorder application orchestration
// ABOUTME: Wires config, capture sessions, marker emitters, the bus and the coordinator
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/childmindresearch/MoBI-AV/internal/bus"
	"github.com/childmindresearch/MoBI-AV/internal/capture"
	"github.com/childmindresearch/MoBI-AV/internal/config"
	"github.com/childmindresearch/MoBI-AV/internal/marker"
	"github.com/childmindresearch/MoBI-AV/internal/media"
	"github.com/childmindresearch/MoBI-AV/internal/protocol"
	"github.com/childmindresearch/MoBI-AV/internal/recorder"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

// flushTimeout bounds how long shutdown waits for queued markers
const flushTimeout = 5 * time.Second

// Options overrides parts of the wiring
type Options struct {
	// Driver replaces the driver selected by config
	Driver capture.Driver

	// Clock replaces the system clock
	Clock internalsync.Clock
}

// Recorder is the running recorder application
type Recorder struct {
	config   *config.Config
	clock    internalsync.Clock
	driver   capture.Driver
	bus      *bus.Server
	emitters map[media.Modality]*marker.Emitter
	coord    *recorder.Coordinator
}

// New builds the recorder from config. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Recorder{
		config:   cfg,
		clock:    opts.Clock,
		driver:   opts.Driver,
		emitters: make(map[media.Modality]*marker.Emitter),
	}
	if r.clock == nil {
		r.clock = internalsync.NewSystemClock()
	}
	if r.driver == nil {
		r.driver = newDriver(cfg)
	}

	busServer, err := bus.NewServer(bus.Config{
		Addr:       cfg.BusAddr(),
		Name:       cfg.Bus.Name,
		EnableMDNS: cfg.Bus.MDNS,
		Clock:      r.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("creating marker bus: %w", err)
	}
	r.bus = busServer

	hostname, _ := os.Hostname()
	registry := capture.NewRegistry()
	channels := make(map[media.Modality]recorder.Channel)

	for _, m := range media.Modalities {
		start, stop, suffix := cfg.Audio.StartTimeout, cfg.Audio.StopTimeout, cfg.Audio.Suffix
		stream := cfg.Markers.AudioStream
		if m == media.Video {
			start, stop, suffix = cfg.Video.StartTimeout, cfg.Video.StopTimeout, cfg.Video.Suffix
			stream = cfg.Markers.VideoStream
		}

		session, err := capture.NewSession(capture.SessionConfig{
			Modality:     m,
			Driver:       r.driver,
			Clock:        r.clock,
			Registry:     registry,
			StartTimeout: start,
			StopTimeout:  stop,
		})
		if err != nil {
			return nil, err
		}

		info := protocol.StreamInfo{
			Name:         stream,
			Type:         "Markers",
			ChannelCount: 1,
			NominalRate:  cfg.Markers.NominalRate,
			Format:       "string",
			SourceID:     fmt.Sprintf("%s_markers_%s", m, hostname),
		}
		emitter := marker.NewEmitter(m, info, r.bus, r.reportEmitterError)
		r.emitters[m] = emitter

		channels[m] = recorder.Channel{Session: session, Emitter: emitter, Suffix: suffix}
	}

	coord, err := recorder.NewCoordinator(recorder.Config{Clock: r.clock, Channels: channels})
	if err != nil {
		return nil, err
	}
	r.coord = coord

	return r, nil
}

func newDriver(cfg *config.Config) capture.Driver {
	if cfg.Driver == "simulated" {
		log.Printf("Using simulated capture devices")
		return capture.NewSimulatedDriver()
	}
	return capture.NewFFmpegDriver(capture.FFmpegConfig{
		Binary:        cfg.FFmpegPath,
		AudioFormat:   cfg.Audio.Format,
		VideoFormat:   cfg.Video.Format,
		VideoCodec:    cfg.Video.Codec,
		ShowTimestamp: cfg.Video.ShowTimestamp,
		TimestampFont: cfg.Video.TimestampFont,
	})
}

// reportEmitterError forwards marker failures once the coordinator exists
func (r *Recorder) reportEmitterError(err error) {
	if r.coord == nil {
		log.Printf("Marker delivery failed: %v", err)
		return
	}
	r.coord.ReportEmitterError(err)
}

// Start opens the marker bus, creates both outlets and enumerates devices.
// A failed device scan is logged; the operator can refresh later.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.bus.Listen(); err != nil {
		return err
	}

	// outlets exist from startup so consumers can subscribe before recording
	for _, e := range r.emitters {
		if _, err := r.bus.Outlet(e.Info()); err != nil {
			return fmt.Errorf("creating outlet %s: %w", e.Stream(), err)
		}
	}

	if _, err := r.RefreshDevices(ctx); err != nil {
		log.Printf("Device scan incomplete: %v", err)
	}
	return nil
}

// OnStatus registers a coordinator status listener
func (r *Recorder) OnStatus(fn func(recorder.Status)) {
	r.coord.OnStatus(fn)
}

// Status returns the coordinator snapshot
func (r *Recorder) Status() recorder.Status {
	return r.coord.Status()
}

// BusAddr returns the bound marker bus address
func (r *Recorder) BusAddr() string {
	if addr := r.bus.Addr(); addr != nil {
		return addr.String()
	}
	return r.config.BusAddr()
}

// RefreshDevices re-enumerates capture devices
func (r *Recorder) RefreshDevices(ctx context.Context) (map[media.Modality][]media.Device, error) {
	return r.coord.RefreshDevices(ctx)
}

// StartRecording records the given modalities (both when none are given)
// with the configured subject, destination and device preferences
func (r *Recorder) StartRecording(ctx context.Context, modalities ...media.Modality) error {
	if len(modalities) == 0 {
		modalities = media.Modalities
	}

	req := recorder.Request{
		SubjectID:   r.config.SubjectID,
		Destination: r.config.Destination,
		Modalities:  make(map[media.Modality]recorder.Selection),
	}

	for _, m := range modalities {
		sel, err := r.selection(ctx, m)
		if err != nil {
			return err
		}
		req.Modalities[m] = sel
	}

	return r.coord.StartRecording(ctx, req)
}

// selection resolves the configured device preference for a modality
func (r *Recorder) selection(ctx context.Context, m media.Modality) (recorder.Selection, error) {
	devices := r.coord.Devices(m)
	if len(devices) == 0 {
		found, err := r.coord.ListCompatibleDevices(ctx, m)
		if err != nil {
			return recorder.Selection{}, fmt.Errorf("listing %s devices: %w", m, err)
		}
		devices = found
	}

	dev, err := config.ResolveDevice(r.config.DevicePreference(m), devices)
	if err != nil {
		return recorder.Selection{}, fmt.Errorf("%w: %s: %v", capture.ErrDeviceUnavailable, m, err)
	}

	params := r.config.VideoParams()
	if m == media.Audio {
		params = r.config.AudioParams(dev)
	}
	log.Printf("Selected %s device %q (%s)", m, dev.Name, dev.ID)
	return recorder.Selection{DeviceID: dev.ID, Params: params}, nil
}

// StopRecording stops the current recording
func (r *Recorder) StopRecording(ctx context.Context) error {
	return r.coord.StopRecording(ctx)
}

// Close stops any recording, flushes queued markers and shuts the bus down
func (r *Recorder) Close() error {
	var errs []error

	if r.coord.Status().Recording() {
		log.Printf("Stopping active recording before shutdown")
		if err := r.coord.StopRecording(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, m := range media.Modalities {
		e := r.emitters[m]
		if err := e.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s markers: %w", e.Stream(), err))
		}
		e.Close()
	}

	if err := r.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
