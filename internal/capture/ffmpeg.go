// ABOUTME: Capture driver running one ffmpeg process per stream
// ABOUTME: Confirms flow from ffmpeg's progress output and stops it with "q" on stdin
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/childmindresearch/MoBI-AV/internal/media"
)

// Input formats understood by the ffmpeg driver
const (
	FormatALSA         = "alsa"
	FormatPulse        = "pulse"
	FormatV4L2         = "v4l2"
	FormatAVFoundation = "avfoundation"
	FormatDShow        = "dshow"
)

// statsPeriod is how often ffmpeg writes a progress block, in seconds.
// Start confirmation can be no finer than this.
const statsPeriod = "0.05"

// FFmpegConfig selects the ffmpeg binary and input formats
type FFmpegConfig struct {
	Binary      string
	AudioFormat string
	VideoFormat string
	VideoCodec  string

	// ShowTimestamp burns the frame number and wall clock into each video frame
	ShowTimestamp bool

	// TimestampFont is the font file for the overlay; empty uses fontconfig
	TimestampFont string
}

// DefaultFormats returns the platform's usual audio and video input formats
func DefaultFormats() (audio, video string) {
	switch runtime.GOOS {
	case "darwin":
		return FormatAVFoundation, FormatAVFoundation
	case "windows":
		return FormatDShow, FormatDShow
	default:
		return FormatALSA, FormatV4L2
	}
}

// FFmpegDriver captures through an external ffmpeg binary
type FFmpegDriver struct {
	config FFmpegConfig
}

// NewFFmpegDriver creates a driver, filling unset fields with platform defaults
func NewFFmpegDriver(config FFmpegConfig) *FFmpegDriver {
	audio, video := DefaultFormats()
	if config.Binary == "" {
		config.Binary = "ffmpeg"
	}
	if config.AudioFormat == "" {
		config.AudioFormat = audio
	}
	if config.VideoFormat == "" {
		config.VideoFormat = video
	}
	if config.VideoCodec == "" {
		config.VideoCodec = "libx264"
	}
	return &FFmpegDriver{config: config}
}

func (d *FFmpegDriver) format(m media.Modality) string {
	if m == media.Video {
		return d.config.VideoFormat
	}
	return d.config.AudioFormat
}

// Devices enumerates capture devices for the configured input format
func (d *FFmpegDriver) Devices(ctx context.Context, m media.Modality) ([]media.Device, error) {
	switch format := d.format(m); format {
	case FormatALSA:
		data, err := os.ReadFile("/proc/asound/pcm")
		if err != nil {
			return nil, fmt.Errorf("reading ALSA devices: %w", err)
		}
		return parseALSAPCM(string(data)), nil

	case FormatPulse:
		return []media.Device{{ID: "default", Name: "PulseAudio default source", Modality: m}}, nil

	case FormatV4L2:
		return listV4L2("/dev", "/sys/class/video4linux")

	case FormatAVFoundation:
		out, err := d.listDevices(ctx, "-f", "avfoundation", "-list_devices", "true", "-i", "")
		if err != nil {
			return nil, err
		}
		return parseAVFoundation(out, m), nil

	case FormatDShow:
		out, err := d.listDevices(ctx, "-list_devices", "true", "-f", "dshow", "-i", "dummy")
		if err != nil {
			return nil, err
		}
		return parseDShow(out, m), nil

	default:
		return nil, fmt.Errorf("unsupported %s input format %q", m, format)
	}
}

// listDevices runs an ffmpeg listing command. ffmpeg exits non-zero after
// listing, so only a failure to execute counts as an error.
func (d *FFmpegDriver) listDevices(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.config.Binary, append([]string{"-hide_banner"}, args...)...)
	var out bytes.Buffer
	cmd.Stderr = &out
	cmd.Stdout = &out

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", fmt.Errorf("running %s: %w", d.config.Binary, err)
	}
	return out.String(), nil
}

// Open builds the ffmpeg command line; the process starts in Stream.Start
func (d *FFmpegDriver) Open(ctx context.Context, m media.Modality, deviceID string, params media.Params, path string) (Stream, error) {
	args, err := d.args(m, deviceID, params, path)
	if err != nil {
		return nil, err
	}
	return &ffmpegStream{binary: d.config.Binary, args: args, modality: m, fps: params.FPS}, nil
}

// inputSpec maps a device ID to the -i argument for a format
func inputSpec(format string, m media.Modality, deviceID string) string {
	switch format {
	case FormatAVFoundation:
		if m == media.Video {
			return deviceID + ":none"
		}
		return ":" + deviceID
	case FormatDShow:
		return m.String() + "=" + deviceID
	default:
		return deviceID
	}
}

func (d *FFmpegDriver) args(m media.Modality, deviceID string, params media.Params, path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("ffmpeg %s capture needs an output path", m)
	}
	format := d.format(m)

	args := []string{
		"-hide_banner", "-nostats", "-loglevel", "error",
		"-progress", "pipe:1", "-stats_period", statsPeriod,
		"-y", "-f", format,
	}
	switch m {
	case media.Audio:
		channels, rate := strconv.Itoa(params.Channels), strconv.Itoa(params.SampleRate)
		if format == FormatALSA || format == FormatPulse {
			args = append(args, "-channels", channels, "-sample_rate", rate)
		}
		args = append(args,
			"-i", inputSpec(format, m, deviceID),
			"-ac", channels,
			"-ar", rate,
			"-c:a", "pcm_s16le",
		)
	case media.Video:
		args = append(args,
			"-framerate", strconv.FormatFloat(params.FPS, 'f', -1, 64),
			"-video_size", fmt.Sprintf("%dx%d", params.Width, params.Height),
			"-i", inputSpec(format, m, deviceID),
		)
		if d.config.ShowTimestamp {
			args = append(args, "-vf", timestampFilter(d.config.TimestampFont))
		}
		args = append(args, "-c:v", d.config.VideoCodec)
		switch d.config.VideoCodec {
		case "libx264", "libx265":
			// no lookahead: the first progress block must not wait on buffered frames
			args = append(args, "-preset", "ultrafast", "-tune", "zerolatency")
		}
		args = append(args, "-pix_fmt", "yuv420p")
	default:
		return nil, fmt.Errorf("unsupported modality %s", m)
	}
	return append(args, path), nil
}

// timestampFilter draws "Frame N | HH:MM:SS | stream time" in the top left
func timestampFilter(fontFile string) string {
	filter := `drawtext=text='Frame %{frame_num} | %{localtime\:%T} | %{pts\:hms}'` +
		":x=10:y=30:fontsize=24:fontcolor=lime:box=1:boxcolor=black@0.5"
	if fontFile != "" {
		escaped := strings.NewReplacer(`\`, "/", ":", `\:`, "'", "").Replace(fontFile)
		filter += ":fontfile='" + escaped + "'"
	}
	return filter
}

// progress is one ffmpeg progress block
type progress struct {
	frame   int64
	fps     float64
	outTime time.Duration
}

func parseProgress(block map[string]string) progress {
	var p progress
	if frames, err := strconv.ParseInt(block["frame"], 10, 64); err == nil {
		p.frame = frames
	}
	if fps, err := strconv.ParseFloat(block["fps"], 64); err == nil {
		p.fps = fps
	}
	if us, err := strconv.ParseInt(block["out_time_us"], 10, 64); err == nil && us > 0 {
		p.outTime = time.Duration(us) * time.Microsecond
	}
	return p
}

func (p progress) flowing() bool {
	return p.outTime > 0 || p.frame > 0
}

// progressFlowing reports whether a progress block shows captured media
func progressFlowing(block map[string]string) bool {
	return parseProgress(block).flowing()
}

// progressTracker records the first block showing media and the latest block
type progressTracker struct {
	flowing chan struct{}

	mu        sync.Mutex
	first     progress
	flowingAt time.Time
	last      progress
}

func newProgressTracker() *progressTracker {
	return &progressTracker{flowing: make(chan struct{})}
}

func (t *progressTracker) observe(block map[string]string) {
	p := parseProgress(block)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = p
	if t.flowingAt.IsZero() && p.flowing() {
		t.first = p
		t.flowingAt = time.Now()
		close(t.flowing)
	}
}

func (t *progressTracker) snapshot() (first progress, flowingAt time.Time, last progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first, t.flowingAt, t.last
}

// scanProgress reads key=value progress blocks into t. It drains r until EOF.
func scanProgress(r io.Reader, t *progressTracker) {
	block := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		if key != "progress" {
			block[key] = value
			continue
		}

		t.observe(block)
		block = make(map[string]string)
	}
}

// captureStats summarizes a finished capture for post-hoc alignment
type captureStats struct {
	firstMediaDelay time.Duration
	duration        time.Duration
	mediaTime       time.Duration
	frames          int64
	expectedFrames  int64
	fps             float64
}

// summarize measures from the first captured sample, which lies
// first.outTime before the block that reported it
func summarize(launched, flowingAt, ended time.Time, first, last progress, targetFPS float64) captureStats {
	began := flowingAt.Add(-first.outTime)
	if began.Before(launched) {
		began = launched
	}

	stats := captureStats{
		firstMediaDelay: began.Sub(launched),
		duration:        ended.Sub(began),
		mediaTime:       last.outTime,
		frames:          last.frame,
	}
	if secs := stats.duration.Seconds(); secs > 0 {
		stats.expectedFrames = int64(targetFPS*secs + 0.5)
		stats.fps = float64(stats.frames) / secs
	}
	return stats
}

// tailBuffer keeps the last bytes written to it
type tailBuffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, p...)
	if len(t.data) > t.max {
		t.data = t.data[len(t.data)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.data))
}

// ffmpegStream is one running ffmpeg process
type ffmpegStream struct {
	binary   string
	args     []string
	modality media.Modality
	fps      float64

	cmd      *exec.Cmd
	progress *progressTracker
	launched time.Time
	stdin    io.WriteCloser
	stderr   *tailBuffer
	exited   chan struct{}
	waitErr  error
}

func (s *ffmpegStream) Start(ctx context.Context) error {
	// not CommandContext: the process must outlive the start context
	cmd := exec.Command(s.binary, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	s.stderr = &tailBuffer{max: 4096}
	cmd.Stderr = s.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.binary, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.exited = make(chan struct{})
	s.launched = time.Now()
	s.progress = newProgressTracker()

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanProgress(stdout, s.progress)
	}()
	go func() {
		<-scanned
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	select {
	case <-s.progress.flowing:
		return nil
	case <-s.exited:
		return fmt.Errorf("ffmpeg exited before capturing: %v: %s", s.waitErr, s.stderr.String())
	case <-ctx.Done():
		s.kill()
		return ctx.Err()
	}
}

func (s *ffmpegStream) Stop(ctx context.Context) error {
	if s.cmd == nil {
		return nil
	}
	select {
	case <-s.exited:
		return nil
	default:
	}

	if _, err := io.WriteString(s.stdin, "q\n"); err != nil {
		log.Printf("Failed to send quit to ffmpeg: %v", err)
	}
	s.stdin.Close()

	select {
	case <-s.exited:
		if s.waitErr != nil {
			log.Printf("ffmpeg exited with %v: %s", s.waitErr, s.stderr.String())
		}
		s.logStats(time.Now())
		return nil
	case <-ctx.Done():
		s.kill()
		return ctx.Err()
	}
}

// StartLag is the media ffmpeg had written when its first progress block
// showed data flowing
func (s *ffmpegStream) StartLag() time.Duration {
	if s.progress == nil {
		return 0
	}
	first, _, _ := s.progress.snapshot()
	return first.outTime
}

func (s *ffmpegStream) logStats(ended time.Time) {
	first, flowingAt, last := s.progress.snapshot()
	if flowingAt.IsZero() {
		return
	}
	stats := summarize(s.launched, flowingAt, ended, first, last, s.fps)

	log.Printf("%s capture statistics: first media delay=%.3fs, duration=%.2fs, media written=%.2fs",
		s.modality, stats.firstMediaDelay.Seconds(), stats.duration.Seconds(), stats.mediaTime.Seconds())
	if s.modality == media.Video {
		log.Printf("Captured %d frames (expected ~%d, difference: %d), average fps %.2f (target: %g)",
			stats.frames, stats.expectedFrames, stats.expectedFrames-stats.frames, stats.fps, s.fps)
	}
}

func (s *ffmpegStream) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("Failed to kill ffmpeg: %v", err)
	}
}
