package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
	"github.com/cjeanneret/camctl/internal/logic/request"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 64 << 10

// ResolutionConfig is a size in pixels.
type ResolutionConfig struct {
	WidthPx  int `yaml:"width_px"`
	HeightPx int `yaml:"height_px"`
}

// Size converts r to a geometry.Size.
func (r ResolutionConfig) Size() geometry.Size {
	return geometry.Size{Width: r.WidthPx, Height: r.HeightPx}
}

// CameraConfig describes the camera to open.
type CameraConfig struct {
	Lens            string           `yaml:"lens"`              // back, front or external
	TorchPin        int              `yaml:"torch_pin"`         // GPIO pin (BCM) driving the torch LED. 0 = none.
	Sensor          ResolutionConfig `yaml:"sensor"`            // full sensor resolution
	RecordProfile   ResolutionConfig `yaml:"record_profile"`    // largest size of the recording profile
	OpenTimeoutMs   int              `yaml:"open_timeout_ms"`   // wait for the device to open (ms)
	FrameIntervalMs int              `yaml:"frame_interval_ms"` // simulated frame period (ms)
}

// DisplayConfig describes the screen the preview is shown on.
type DisplayConfig struct {
	WidthPx     int `yaml:"width_px"`
	HeightPx    int `yaml:"height_px"`
	RotationDeg int `yaml:"rotation_deg"` // 0, 90, 180 or 270
}

// SessionConfig tunes session start and preview.
type SessionConfig struct {
	AspectRatio          string `yaml:"aspect_ratio"`           // e.g. "16:9"
	NegotiationTimeoutMs int    `yaml:"negotiation_timeout_ms"` // per-provider surface negotiation bound (ms)
	PreviewSettleMs      int    `yaml:"preview_settle_ms"`      // delay before preview providers are notified (ms)
}

// ProcessorConfig configures the frame processor surface.
type ProcessorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxWidthPx  int  `yaml:"max_width_px"`
	MaxHeightPx int  `yaml:"max_height_px"`
}

// MaxSize is the bound on processor frames.
func (p ProcessorConfig) MaxSize() geometry.Size {
	return geometry.Size{Width: p.MaxWidthPx, Height: p.MaxHeightPx}
}

// SurfacesConfig selects the surface providers taking part in a session.
type SurfacesConfig struct {
	Preview   bool            `yaml:"preview"`
	Still     bool            `yaml:"still"`
	Record    bool            `yaml:"record"`
	Processor ProcessorConfig `yaml:"processor"`
}

// RequestConfig holds the capture request preferences.
type RequestConfig struct {
	Zoom  float64 `yaml:"zoom"`  // >= 1.0
	Flash string  `yaml:"flash"` // off, on, torch or auto
	// Explicit 3A knobs. All empty keeps the standard parameters; once one
	// is set the others default to continuous-picture, on and auto.
	AFMode  string `yaml:"af_mode"`  // off, auto, continuous-video or continuous-picture
	AEMode  string `yaml:"ae_mode"`  // off, on, auto-flash or always-flash
	AWBMode string `yaml:"awb_mode"` // off or auto
}

// CaptureConfig tunes still captures.
type CaptureConfig struct {
	ConvergeTimeoutMs  int  `yaml:"converge_timeout_ms"` // upper bound for 3A before a shot (ms)
	ResultsPerTrigger  int  `yaml:"results_per_trigger"` // results observed per 3A trigger round
	RequireConvergence bool `yaml:"require_convergence"` // refuse to shoot unconverged
	ShotDelayMs        int  `yaml:"shot_delay_ms"`       // delay between 3A and the shot (ms)
	SeriesIntervalMs   int  `yaml:"series_interval_ms"`  // delay between shots of a series (ms)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Display  DisplayConfig  `yaml:"display"`
	Session  SessionConfig  `yaml:"session"`
	Surfaces SurfacesConfig `yaml:"surfaces"`
	Request  RequestConfig  `yaml:"request"`
	Capture  CaptureConfig  `yaml:"capture"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// defaults returns the values used for keys absent from the file.
func defaults() Config {
	return Config{
		Surfaces: SurfacesConfig{Preview: true, Still: true, Record: true},
		Request:  RequestConfig{Zoom: 1.0, Flash: "off"},
		Defaults: DefaultsConfig{MockGPIO: true},
	}
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize fills zero values with defaults and validates the result.
func (c *Config) normalize() error {
	if c.Camera.Lens == "" {
		return fmt.Errorf("camera.lens is required")
	}
	if _, err := camera.ParseLens(c.Camera.Lens); err != nil {
		return fmt.Errorf("camera.lens: %w", err)
	}
	if c.Camera.Sensor.WidthPx <= 0 || c.Camera.Sensor.HeightPx <= 0 {
		c.Camera.Sensor = ResolutionConfig{WidthPx: 4032, HeightPx: 3024}
	}
	if c.Camera.RecordProfile.WidthPx <= 0 || c.Camera.RecordProfile.HeightPx <= 0 {
		c.Camera.RecordProfile = ResolutionConfig{WidthPx: 3840, HeightPx: 2160}
	}
	if c.Camera.OpenTimeoutMs <= 0 {
		c.Camera.OpenTimeoutMs = 3000
	}
	if c.Camera.FrameIntervalMs <= 0 {
		c.Camera.FrameIntervalMs = 33 // ~30 fps
	}
	if c.Camera.TorchPin < 0 {
		return fmt.Errorf("camera.torch_pin must be >= 0, got %d", c.Camera.TorchPin)
	}

	if c.Display.WidthPx <= 0 || c.Display.HeightPx <= 0 {
		c.Display.WidthPx, c.Display.HeightPx = 1080, 2340
	}
	switch c.Display.RotationDeg {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("display.rotation_deg must be 0, 90, 180 or 270, got %d", c.Display.RotationDeg)
	}

	if c.Session.AspectRatio == "" {
		c.Session.AspectRatio = "16:9"
	}
	if _, err := geometry.ParseAspectRatio(c.Session.AspectRatio); err != nil {
		return fmt.Errorf("session.aspect_ratio: %w", err)
	}
	if c.Session.NegotiationTimeoutMs <= 0 {
		c.Session.NegotiationTimeoutMs = 500
	}
	if c.Session.PreviewSettleMs <= 0 {
		c.Session.PreviewSettleMs = 150
	}

	if c.Surfaces.Processor.MaxWidthPx <= 0 || c.Surfaces.Processor.MaxHeightPx <= 0 {
		c.Surfaces.Processor.MaxWidthPx, c.Surfaces.Processor.MaxHeightPx = 1280, 720
	}
	if !c.Surfaces.Preview && !c.Surfaces.Still && !c.Surfaces.Record && !c.Surfaces.Processor.Enabled {
		return errors.New("surfaces: at least one surface must be enabled")
	}

	if c.Request.Zoom == 0 {
		c.Request.Zoom = 1.0
	}
	if c.Request.Zoom < 1.0 {
		return fmt.Errorf("request.zoom must be >= 1.0, got %.2f", c.Request.Zoom)
	}
	if _, err := request.ParseFlash(c.Request.Flash); err != nil {
		return fmt.Errorf("request.flash: %w", err)
	}
	if _, err := c.Request.knobs(); err != nil {
		return err
	}

	if c.Capture.ConvergeTimeoutMs <= 0 {
		c.Capture.ConvergeTimeoutMs = 2000
	}
	if c.Capture.ResultsPerTrigger <= 0 {
		c.Capture.ResultsPerTrigger = 10
	}
	if c.Capture.ShotDelayMs < 0 || c.Capture.SeriesIntervalMs < 0 {
		return errors.New("capture delays must be >= 0")
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ValidateConfigPath accepts only .yaml files located directly inside a
// directory named "configs". Paths containing ".." are rejected before
// cleaning.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Lens returns the configured lens facing.
func (c *Config) Lens() camera.Lens {
	l, _ := camera.ParseLens(c.Camera.Lens)
	return l
}

// Flash returns the configured flash setting.
func (c *Config) Flash() request.FlashSetting {
	f, _ := request.ParseFlash(c.Request.Flash)
	return f
}

// Default3A returns the explicit 3A knobs, or nil when none is configured.
func (c *Config) Default3A() *request.Default3A {
	d, _ := c.Request.knobs()
	return d
}

func (r RequestConfig) knobs() (*request.Default3A, error) {
	if r.AFMode == "" && r.AEMode == "" && r.AWBMode == "" {
		return nil, nil
	}
	d := &request.Default3A{AF: camera.AFModeContinuousPicture, AE: camera.AEModeOn, AWB: camera.AWBModeAuto}
	var err error
	if r.AFMode != "" {
		if d.AF, err = request.ParseAFMode(r.AFMode); err != nil {
			return nil, fmt.Errorf("request.af_mode: %w", err)
		}
	}
	if r.AEMode != "" {
		if d.AE, err = request.ParseAEMode(r.AEMode); err != nil {
			return nil, fmt.Errorf("request.ae_mode: %w", err)
		}
	}
	if r.AWBMode != "" {
		if d.AWB, err = request.ParseAWBMode(r.AWBMode); err != nil {
			return nil, fmt.Errorf("request.awb_mode: %w", err)
		}
	}
	return d, nil
}

// AspectRatio returns the requested surface aspect ratio.
func (c *Config) AspectRatio() geometry.AspectRatio {
	a, _ := geometry.ParseAspectRatio(c.Session.AspectRatio)
	return a
}

// DisplaySize returns the display resolution.
func (c *Config) DisplaySize() geometry.Size {
	return geometry.Size{Width: c.Display.WidthPx, Height: c.Display.HeightPx}
}

// OpenTimeout returns the bound on device opening.
func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.Camera.OpenTimeoutMs) * time.Millisecond
}

// FrameInterval returns the simulated frame period.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Camera.FrameIntervalMs) * time.Millisecond
}

// NegotiationTimeout returns the per-provider negotiation bound.
func (c *Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.Session.NegotiationTimeoutMs) * time.Millisecond
}

// PreviewSettle returns the delay before preview providers are notified.
func (c *Config) PreviewSettle() time.Duration {
	return time.Duration(c.Session.PreviewSettleMs) * time.Millisecond
}

// ConvergeTimeout returns the 3A bound applied before a shot.
func (c *Config) ConvergeTimeout() time.Duration {
	return time.Duration(c.Capture.ConvergeTimeoutMs) * time.Millisecond
}

// ShotDelay returns the delay between 3A and the shot.
func (c *Config) ShotDelay() time.Duration {
	return time.Duration(c.Capture.ShotDelayMs) * time.Millisecond
}

// SeriesInterval returns the delay between shots of a series.
func (c *Config) SeriesInterval() time.Duration {
	return time.Duration(c.Capture.SeriesIntervalMs) * time.Millisecond
}
