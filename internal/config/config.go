// Package config loads viewer settings from YAML, a .env file and
// LIVEVIEW_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"philipredstone/liveview/internal/framebuffer"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const envPrefix = "LIVEVIEW_"

// Stream types.
const (
	StreamMJPEG = "MJPEG"
	StreamJPEG  = "JPEG HTTP"
)

// Performance modes.
const (
	PerfMaximum  = "Maximum"
	PerfBalanced = "Balanced"
	PerfQuality  = "Quality"
)

// Frame effects.
const (
	EffectNone   = "none"
	EffectMono   = "mono"
	EffectInvert = "invert"
)

// Config holds viewer settings.
type Config struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Path             string        `yaml:"path"`
	StreamType       string        `yaml:"stream_type"`
	Performance      string        `yaml:"performance"`
	ReduceResolution bool          `yaml:"reduce_resolution"`
	ShowFPS          bool          `yaml:"show_fps"`
	CameraName       string        `yaml:"camera_name"`
	CameraURL        string        `yaml:"camera_url"`
	Effect           string        `yaml:"effect"`
	CommitTimeout    time.Duration `yaml:"commit_timeout"`
	StatusInterval   time.Duration `yaml:"status_interval"`
	LastResolvedWins bool          `yaml:"last_resolved_wins"`
	PixelAspect      float64       `yaml:"pixel_aspect"`
	LogLevel         string        `yaml:"log_level"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	Profile          Profile       `yaml:"profile"`
}

// MenuEntry is one selectable camera value.
type MenuEntry struct {
	Text  string `yaml:"text"`
	Value string `yaml:"value"`
}

// Profile describes what the camera offers before it reports its own state.
type Profile struct {
	Apertures      []MenuEntry `yaml:"apertures"`
	ShutterSpeeds  []MenuEntry `yaml:"shutter_speeds"`
	IsoValues      []MenuEntry `yaml:"iso_values"`
	CanCapture     bool        `yaml:"can_capture"`
	CanManualFocus bool        `yaml:"can_manual_focus"`
	MinZoom        int         `yaml:"min_zoom"`
	MaxZoom        int         `yaml:"max_zoom"`
	PowerZoom      bool        `yaml:"power_zoom"`
}

func defaultProfile() Profile {
	return Profile{
		Apertures: []MenuEntry{
			{"F1.7", "1.7"}, {"F2.8", "2.8"}, {"F4.0", "4.0"}, {"F5.6", "5.6"}, {"F8.0", "8.0"}, {"F11", "11"},
		},
		ShutterSpeeds: []MenuEntry{
			{"1/30", "30"}, {"1/60", "60"}, {"1/125", "125"}, {"1/250", "250"}, {"1/500", "500"}, {"1/1000", "1000"},
		},
		IsoValues: []MenuEntry{
			{"AUTO", "auto"}, {"200", "200"}, {"400", "400"}, {"800", "800"}, {"1600", "1600"}, {"3200", "3200"},
		},
		CanCapture: true,
	}
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             8081,
		Path:             "/video",
		StreamType:       StreamMJPEG,
		Performance:      PerfMaximum,
		ReduceResolution: true,
		ShowFPS:          true,
		CameraName:       "Camera",
		Effect:           EffectNone,
		CommitTimeout:    5 * time.Second,
		StatusInterval:   time.Second,
		PixelAspect:      1,
		LogLevel:         "info",
		Profile:          defaultProfile(),
	}
}

// Load reads path over the defaults, then applies the environment. A missing
// file is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding ones already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("HOST", &cfg.Host)
	str("PATH", &cfg.Path)
	str("STREAM_TYPE", &cfg.StreamType)
	str("PERFORMANCE", &cfg.Performance)
	str("EFFECT", &cfg.Effect)
	str("CAMERA_NAME", &cfg.CameraName)
	str("CAMERA_URL", &cfg.CameraURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	if v, ok := os.LookupEnv(envPrefix + "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sPORT=%q", ErrInvalidConfig, envPrefix, v)
		}
		cfg.Port = port
	}
	for key, dst := range map[string]*bool{
		"REDUCE_RESOLUTION":  &cfg.ReduceResolution,
		"SHOW_FPS":           &cfg.ShowFPS,
		"LAST_RESOLVED_WINS": &cfg.LastResolvedWins,
	} {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, envPrefix, key, v)
		}
		*dst = b
	}
	for key, dst := range map[string]*time.Duration{
		"COMMIT_TIMEOUT":  &cfg.CommitTimeout,
		"STATUS_INTERVAL": &cfg.StatusInterval,
	} {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, envPrefix, key, v)
		}
		*dst = d
	}
	return nil
}

// Validate checks the settings needed to open a stream.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port number: %d", ErrInvalidConfig, c.Port)
	}
	if strings.TrimSpace(c.Host) == "" || strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("%w: host and path cannot be empty", ErrInvalidConfig)
	}
	switch c.StreamType {
	case StreamMJPEG, StreamJPEG:
	default:
		return fmt.Errorf("%w: unknown stream type %q", ErrInvalidConfig, c.StreamType)
	}
	switch c.Performance {
	case PerfMaximum, PerfBalanced, PerfQuality:
	default:
		return fmt.Errorf("%w: unknown performance mode %q", ErrInvalidConfig, c.Performance)
	}
	if c.PixelAspect <= 0 {
		return fmt.Errorf("%w: pixel aspect must be positive", ErrInvalidConfig)
	}
	switch c.Effect {
	case "", EffectNone, EffectMono, EffectInvert:
	default:
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidConfig, c.Effect)
	}
	if c.CommitTimeout < 0 {
		return fmt.Errorf("%w: negative commit timeout", ErrInvalidConfig)
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("%w: negative status interval", ErrInvalidConfig)
	}
	return nil
}

// StreamURL is the live-view address.
func (c Config) StreamURL() string {
	path := c.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", c.Host, c.Port, path)
}

// CommandURL is the base address for camera commands. It defaults to the
// stream host on port 80.
func (c Config) CommandURL() string {
	if c.CameraURL != "" {
		return c.CameraURL
	}
	return "http://" + c.Host
}

// Reduce reports whether decoded frames are halved. Quality mode never
// reduces.
func (c Config) Reduce() bool {
	return c.ReduceResolution && c.Performance != PerfQuality
}

// Scaler is the interpolator for the performance mode.
func (c Config) Scaler() draw.Scaler {
	switch c.Performance {
	case PerfBalanced:
		return draw.ApproxBiLinear
	case PerfQuality:
		return draw.CatmullRom
	default:
		return draw.NearestNeighbor
	}
}

// FrameEffect is the per-frame effect selected by Effect, or nil.
func (c Config) FrameEffect() framebuffer.Effect {
	switch c.Effect {
	case EffectMono:
		return framebuffer.Monochrome
	case EffectInvert:
		return framebuffer.InvertLUT().Effect()
	default:
		return nil
	}
}
