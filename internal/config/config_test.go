package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
	"github.com/cjeanneret/camctl/internal/logic/request"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "configs")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"default.yaml", "con fig.yaml", "café.yaml"} {
		if err := ValidateConfigPath(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
		}
	}
	if err := ValidateConfigPath("configs/default.yaml"); err != nil {
		t.Errorf("relative path: unexpected error: %v", err)
	}
}

func TestValidateConfigPath_Rejected(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"traversal":       "../../etc/passwd",
		"inner_traversal": "configs/../../../etc/shadow",
		"escape_and_back": "configs/../configs/ok.yaml",
		"json":            "configs/default.json",
		"yml":             "configs/default.yml",
		"no_extension":    "configs/default",
		"other_dir":       "other/default.yaml",
		"bare_file":       "default.yaml",
		"absolute_tmp":    "/tmp/default.yaml",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ValidateConfigPath(path); err == nil {
				t.Errorf("expected error for %q", path)
			}
		})
	}
}

func TestValidateConfigPath_VeryLongPath(t *testing.T) {
	long := "configs/" + strings.Repeat("a", 1000) + ".yaml"
	// Must not panic.
	_ = ValidateConfigPath(long)
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgDir := filepath.Join(t.TempDir(), "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
camera:
  lens: front
  torch_pin: 18
  sensor:
    width_px: 4000
    height_px: 3000
  record_profile:
    width_px: 1920
    height_px: 1080
  open_timeout_ms: 1500
display:
  width_px: 1080
  height_px: 1920
  rotation_deg: 90
session:
  aspect_ratio: "4:3"
  negotiation_timeout_ms: 400
  preview_settle_ms: 100
surfaces:
  preview: true
  still: true
  record: false
  processor:
    enabled: true
    max_width_px: 640
    max_height_px: 480
request:
  zoom: 2.0
  flash: torch
capture:
  converge_timeout_ms: 1000
  results_per_trigger: 5
  require_convergence: true
defaults:
  debug_level: 3
  mock_gpio: true
`

func TestLoad_ValidFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Lens() != camera.LensFront {
		t.Errorf("lens = %v, want front", cfg.Lens())
	}
	if cfg.Camera.TorchPin != 18 {
		t.Errorf("torch_pin = %d, want 18", cfg.Camera.TorchPin)
	}
	if cfg.Camera.Sensor.Size() != (geometry.Size{Width: 4000, Height: 3000}) {
		t.Errorf("sensor = %v", cfg.Camera.Sensor.Size())
	}
	if cfg.AspectRatio() != (geometry.AspectRatio{Num: 4, Den: 3}) {
		t.Errorf("aspect = %v, want 4:3", cfg.AspectRatio())
	}
	if cfg.Display.RotationDeg != 90 || cfg.DisplaySize() != (geometry.Size{Width: 1080, Height: 1920}) {
		t.Errorf("display = %+v", cfg.Display)
	}
	if cfg.Surfaces.Record || !cfg.Surfaces.Processor.Enabled {
		t.Errorf("surfaces = %+v", cfg.Surfaces)
	}
	if cfg.Request.Zoom != 2.0 || cfg.Flash() != request.FlashTorch {
		t.Errorf("request = %+v", cfg.Request)
	}
	if !cfg.Capture.RequireConvergence || cfg.Capture.ResultsPerTrigger != 5 {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.NegotiationTimeout() != 400*time.Millisecond {
		t.Errorf("negotiation timeout = %v", cfg.NegotiationTimeout())
	}
	if cfg.OpenTimeout() != 1500*time.Millisecond {
		t.Errorf("open timeout = %v", cfg.OpenTimeout())
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, "camera:\n  lens: back\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"negotiation_timeout", cfg.NegotiationTimeout(), 500 * time.Millisecond},
		{"preview_settle", cfg.PreviewSettle(), 150 * time.Millisecond},
		{"converge_timeout", cfg.ConvergeTimeout(), 2 * time.Second},
		{"frame_interval", cfg.FrameInterval(), 33 * time.Millisecond},
		{"aspect_ratio", cfg.AspectRatio(), geometry.AspectRatio{Num: 16, Den: 9}},
		{"sensor", cfg.Camera.Sensor.Size(), geometry.Size{Width: 4032, Height: 3024}},
		{"display", cfg.DisplaySize(), geometry.Size{Width: 1080, Height: 2340}},
		{"zoom", cfg.Request.Zoom, 1.0},
		{"flash", cfg.Flash(), request.FlashOff},
		{"results_per_trigger", cfg.Capture.ResultsPerTrigger, 10},
		{"preview", cfg.Surfaces.Preview, true},
		{"still", cfg.Surfaces.Still, true},
		{"record", cfg.Surfaces.Record, true},
		{"processor", cfg.Surfaces.Processor.Enabled, false},
		{"mock_gpio", cfg.Defaults.MockGPIO, true},
		{"default_3a", cfg.Default3A(), (*request.Default3A)(nil)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_Default3AKnobs(t *testing.T) {
	cfg, err := Load(writeConfig(t, "camera:\n  lens: back\nrequest:\n  af_mode: auto\n  awb_mode: \"off\"\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := cfg.Default3A()
	if d == nil {
		t.Fatal("Default3A = nil, want knobs")
	}
	if d.AF != camera.AFModeAuto || d.AE != camera.AEModeOn || d.AWB != camera.AWBModeOff {
		t.Errorf("knobs = %+v, want auto/on/off", *d)
	}
	if len(d.Modes) != 0 {
		t.Errorf("modes = %v, want all", d.Modes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing_lens":   "display:\n  rotation_deg: 0\n",
		"unknown_lens":   "camera:\n  lens: sideways\n",
		"rotation":       "camera:\n  lens: back\ndisplay:\n  rotation_deg: 45\n",
		"aspect":         "camera:\n  lens: back\nsession:\n  aspect_ratio: wide\n",
		"zoom_below_one": "camera:\n  lens: back\nrequest:\n  zoom: 0.5\n",
		"flash":          "camera:\n  lens: back\nrequest:\n  flash: strobe\n",
		"af_mode":        "camera:\n  lens: back\nrequest:\n  af_mode: macro\n",
		"awb_mode":       "camera:\n  lens: back\nrequest:\n  awb_mode: daylight\n",
		"debug_level":    "camera:\n  lens: back\ndefaults:\n  debug_level: 7\n",
		"torch_pin":      "camera:\n  lens: back\n  torch_pin: -1\n",
		"no_surfaces":    "camera:\n  lens: back\nsurfaces:\n  preview: false\n  still: false\n  record: false\n",
		"invalid_yaml":   "{{{{invalid yaml!!!!",
		"empty":          "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
camera:
  lens: back
unknown_section:
  foo: bar
`
	if _, err := Load(writeConfig(t, yaml)); err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	path := writeConfig(t, strings.Repeat("#", MaxConfigFileBytes+1))
	if _, err := Load(path); err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "configs", "nonexistent.yaml")); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoad_ShippedDefault(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "default.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("shipped config does not load: %v", err)
	}
	if !cfg.Defaults.MockGPIO {
		t.Error("shipped config should default to mock GPIO")
	}
}
