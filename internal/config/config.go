// ABOUTME: Recorder configuration loaded from YAML with environment overrides
// ABOUTME: Provides defaults, struct validation and device preference matching
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/childmindresearch/MoBI-AV/internal/media"
)

// ErrNoDevice means no device matched the configured preference
var ErrNoDevice = errors.New("no matching device")

// Config defines runtime settings for the recorder
type Config struct {
	SubjectID   string `yaml:"subject_id" validate:"required,excludesall=/\\"`
	Destination string `yaml:"destination" validate:"required"`
	Driver      string `yaml:"driver" validate:"oneof=ffmpeg simulated"`
	FFmpegPath  string `yaml:"ffmpeg_path"`

	Audio   AudioConfig  `yaml:"audio"`
	Video   VideoConfig  `yaml:"video"`
	Markers MarkerConfig `yaml:"markers"`
	Bus     BusConfig    `yaml:"bus"`
	Log     LogConfig    `yaml:"log"`
}

// AudioConfig configures the audio capture session
type AudioConfig struct {
	Device            string        `yaml:"device"`
	Format            string        `yaml:"format" validate:"omitempty,oneof=alsa pulse avfoundation dshow"`
	UseDeviceDefaults bool          `yaml:"use_device_defaults"`
	Channels          int           `yaml:"channels" validate:"min=1,max=32"`
	SampleRate        int           `yaml:"sample_rate" validate:"min=8000,max=384000"`
	Suffix            string        `yaml:"filename_suffix"`
	StartTimeout      time.Duration `yaml:"start_timeout" validate:"gt=0"`
	StopTimeout       time.Duration `yaml:"stop_timeout" validate:"gt=0"`
}

// VideoConfig configures the video capture session
type VideoConfig struct {
	Device       string        `yaml:"device"`
	Format       string        `yaml:"format" validate:"omitempty,oneof=v4l2 avfoundation dshow"`
	Width        int           `yaml:"width" validate:"min=1"`
	Height       int           `yaml:"height" validate:"min=1"`
	FPS          float64       `yaml:"fps" validate:"gt=0,lte=240"`
	Codec        string        `yaml:"codec"`
	Suffix       string        `yaml:"filename_suffix"`
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gt=0"`
	StopTimeout  time.Duration `yaml:"stop_timeout" validate:"gt=0"`

	// ShowTimestamp burns frame number and wall clock into the recording
	ShowTimestamp bool   `yaml:"show_timestamp"`
	TimestampFont string `yaml:"timestamp_font"`
}

// MarkerConfig names the marker streams
type MarkerConfig struct {
	AudioStream string  `yaml:"audio_stream_name" validate:"required"`
	VideoStream string  `yaml:"video_stream_name" validate:"required,nefield=AudioStream"`
	NominalRate float64 `yaml:"marker_sampling_rate" validate:"gte=0"` // 0 = irregular
}

// BusConfig configures the marker bus listener
type BusConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`
	Name string `yaml:"name"`
	MDNS bool   `yaml:"mdns"`
}

// LogConfig configures the rotating log file
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		SubjectID:   "subject001",
		Destination: "recordings",
		Driver:      "ffmpeg",
		Audio: AudioConfig{
			Device:            "default",
			UseDeviceDefaults: true,
			Channels:          1,
			SampleRate:        44100,
			Suffix:            "_audio",
			StartTimeout:      5 * time.Second,
			StopTimeout:       5 * time.Second,
		},
		Video: VideoConfig{
			Device:       "default",
			Width:        640,
			Height:       480,
			FPS:          24,
			Codec:        "libx264",
			Suffix:       "_video",
			StartTimeout: 5 * time.Second,
			StopTimeout:  5 * time.Second,
		},
		Markers: MarkerConfig{
			AudioStream: "AudioMarkers",
			VideoStream: "VideoMarkers",
			NominalRate: 0,
		},
		Bus: BusConfig{
			Port: 8937,
			Name: "MoBI-AV",
			MDNS: true,
		},
		Log: LogConfig{
			File:       "mobi-av.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then MOBI_*
// environment overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config
func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"MOBI_SUBJECT_ID":   &c.SubjectID,
		"MOBI_DESTINATION":  &c.Destination,
		"MOBI_DRIVER":       &c.Driver,
		"MOBI_FFMPEG_PATH":  &c.FFmpegPath,
		"MOBI_AUDIO_DEVICE": &c.Audio.Device,
		"MOBI_VIDEO_DEVICE": &c.Video.Device,
		"MOBI_BUS_BIND":     &c.Bus.Bind,
		"MOBI_LOG_FILE":     &c.Log.File,
	}
	for key, field := range strs {
		if v := getenv(key); v != "" {
			*field = v
		}
	}

	if v := getenv("MOBI_BUS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MOBI_BUS_PORT: %w", err)
		}
		c.Bus.Port = port
	}
	if v := getenv("MOBI_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MOBI_MDNS: %w", err)
		}
		c.Bus.MDNS = enabled
	}
	if v := getenv("MOBI_VIDEO_SHOW_TIMESTAMP"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MOBI_VIDEO_SHOW_TIMESTAMP: %w", err)
		}
		c.Video.ShowTimestamp = enabled
	}
	return nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BusAddr returns the listen address of the marker bus
func (c *Config) BusAddr() string {
	return fmt.Sprintf("%s:%d", c.Bus.Bind, c.Bus.Port)
}

// AudioParams returns the capture parameters for an audio device. With
// use_device_defaults the device's own rate and channel count win when known.
func (c *Config) AudioParams(dev media.Device) media.Params {
	p := media.Params{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels}
	if c.Audio.UseDeviceDefaults {
		if dev.SampleRate > 0 {
			p.SampleRate = dev.SampleRate
		}
		if dev.Channels > 0 {
			p.Channels = dev.Channels
		}
	}
	return p
}

// VideoParams returns the capture parameters for video
func (c *Config) VideoParams() media.Params {
	return media.Params{Width: c.Video.Width, Height: c.Video.Height, FPS: c.Video.FPS}
}

// DevicePreference returns the configured device preference for a modality
func (c *Config) DevicePreference(m media.Modality) string {
	if m == media.Video {
		return c.Video.Device
	}
	return c.Audio.Device
}

// ResolveDevice picks a device by preference: empty or "default" takes the
// first device, then an exact ID or name match, then a name substring match.
// Matching ignores case.
func ResolveDevice(preference string, devices []media.Device) (media.Device, error) {
	if len(devices) == 0 {
		return media.Device{}, ErrNoDevice
	}

	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" || pref == "default" {
		return devices[0], nil
	}

	for _, d := range devices {
		if strings.ToLower(d.ID) == pref || strings.ToLower(d.Name) == pref {
			return d, nil
		}
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), pref) {
			return d, nil
		}
	}
	return media.Device{}, fmt.Errorf("%w for %q", ErrNoDevice, preference)
}

// DefaultConfigPath returns the default location for the config file
func DefaultConfigPath() string {
	if path := os.Getenv("MOBI_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mobi-av", "config.yaml")
}
