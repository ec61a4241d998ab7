package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/camctl/internal/config"
	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/hw/gpio"
	"github.com/cjeanneret/camctl/internal/web"
)

const maxSeries = 100

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	lens := flag.String("lens", "", "override camera lens (back, front, external)")
	zoom := flag.Float64("zoom", 0, "override zoom factor (>= 1)")
	flash := flag.String("flash", "", "override flash setting (off, on, torch, auto)")
	series := flag.Int("series", 1, "number of shots to take in one-shot mode (1-100)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := web.Overrides{Lens: *lens, Zoom: *zoom, Flash: *flash}
	if err := validateCLIOverrides(overrides, *series); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Lens", cfg.Camera.Lens)
	debug.Value("Zoom", cfg.Request.Zoom)
	debug.Value("Flash", cfg.Request.Flash)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	platform := newPlatform(cfg, gpioDriver)
	r := newRig(cfg, platform)
	defer func() {
		if err := r.Dispose(); err != nil {
			log.Printf("dispose controller failed: %v", err)
		}
	}()

	if port := webPort.port(); port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		srv := web.NewServer(ctx, fmt.Sprintf(":%d", port), broadcaster, r)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := r.shootOnce(ctx, web.Overrides{}, *series); err != nil {
		log.Fatalf("capture failed: %v", err)
	}
	debug.Section("Sequence Complete")
}

// newPlatform builds the simulated camera service: one sensor per facing
// lens, the torch LED on the configured GPIO pin.
func newPlatform(cfg *config.Config, g gpio.Driver) *camera.Simulator {
	sensor, profile := cfg.Camera.Sensor.Size(), cfg.Camera.RecordProfile.Size()
	return camera.NewSimulator(camera.SimulatorConfig{
		Sensors: []camera.Characteristics{
			camera.SimulatedSensor("0", camera.LensBack, sensor, profile),
			camera.SimulatedSensor("1", camera.LensFront, sensor, profile),
		},
		FrameInterval: cfg.FrameInterval(),
		Torch:         g,
		TorchPin:      cfg.Camera.TorchPin,
	})
}

// validateCLIOverrides checks the override flags. Zero values are ignored
// (they mean "use config default").
func validateCLIOverrides(o web.Overrides, series int) error {
	if err := web.ValidateOverrides(o); err != nil {
		return err
	}
	if series < 1 || series > maxSeries {
		return fmt.Errorf("series must be between 1 and %d, got %d", maxSeries, series)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o web.Overrides) {
	if o.Lens != "" {
		cfg.Camera.Lens = o.Lens
	}
	if o.Zoom != 0 {
		cfg.Request.Zoom = o.Zoom
	}
	if o.Flash != "" {
		cfg.Request.Flash = o.Flash
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
