package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/cjeanneret/camctl/internal/config"
	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/hw/surfaces"
	"github.com/cjeanneret/camctl/internal/logic/capture"
	"github.com/cjeanneret/camctl/internal/logic/convergence"
	"github.com/cjeanneret/camctl/internal/logic/request"
	"github.com/cjeanneret/camctl/internal/logic/session"
	"github.com/cjeanneret/camctl/internal/logic/surface"
	"github.com/cjeanneret/camctl/internal/web"
)

// rig ties the controller to its surface providers, request preferences
// and shot sequence. It implements web.Camera.
type rig struct {
	cfg   *config.Config
	ctrl  *session.Controller
	seq   *capture.Sequence
	sinks []*surfaces.Sink
	flash *request.Flash

	mu   sync.Mutex
	zoom float64
}

func newRig(cfg *config.Config, platform camera.Platform) *rig {
	r := &rig{
		cfg:   cfg,
		sinks: newSinks(cfg),
		flash: request.NewFlash(cfg.Flash()),
		zoom:  cfg.Request.Zoom,
	}
	r.ctrl = session.New(platform, session.Options{
		Preferences:        r.preferences,
		NegotiationTimeout: cfg.NegotiationTimeout(),
		PreviewSettle:      cfg.PreviewSettle(),
		OpenTimeout:        cfg.OpenTimeout(),
		ResultsPerTrigger:  cfg.Capture.ResultsPerTrigger,
	})
	r.seq = capture.NewSequence(r.ctrl, capture.Params{
		ConvergeTimeout:    cfg.ConvergeTimeout(),
		RequireConvergence: cfg.Capture.RequireConvergence,
		ShotDelay:          cfg.ShotDelay(),
	})
	return r
}

// newSinks builds the configured providers. Switched-off sinks stay in
// the list and opt out of negotiation.
func newSinks(cfg *config.Config) []*surfaces.Sink {
	sinks := []*surfaces.Sink{surfaces.NewPreview(), surfaces.NewStill(), surfaces.NewRecorder()}
	for i, on := range []bool{cfg.Surfaces.Preview, cfg.Surfaces.Still, cfg.Surfaces.Record} {
		if !on {
			surfaces.Disabled(sinks[i])
		}
	}
	if p := cfg.Surfaces.Processor; p.Enabled {
		sinks = append(sinks, surfaces.NewProcessor(p.MaxSize()))
	}
	return sinks
}

func (r *rig) preferences(chars camera.Characteristics) []request.Preference {
	r.mu.Lock()
	zoom := r.zoom
	r.mu.Unlock()
	var prefs []request.Preference
	if knobs := r.cfg.Default3A(); knobs != nil {
		prefs = append(prefs, *knobs)
	}
	return append(prefs,
		request.Supported3A{Chars: chars},
		request.Zoom{ActiveArray: chars.ActiveArray, Factor: zoom},
		r.flash,
	)
}

func (r *rig) providers() []surface.Provider {
	ps := make([]surface.Provider, len(r.sinks))
	for i, s := range r.sinks {
		ps[i] = s
	}
	return ps
}

// Open applies the overrides and opens the selected lens. Zoom is read
// when the device opens and holds until the next Open.
func (r *rig) Open(ctx context.Context, o web.Overrides) error {
	lens := r.cfg.Lens()
	if o.Lens != "" {
		l, err := camera.ParseLens(o.Lens)
		if err != nil {
			return err
		}
		lens = l
	}
	zoom := r.cfg.Request.Zoom
	if o.Zoom != 0 {
		zoom = o.Zoom
	}
	if o.Flash != "" {
		f, err := request.ParseFlash(o.Flash)
		if err != nil {
			return err
		}
		r.flash.Set(f)
	}
	r.mu.Lock()
	r.zoom = zoom
	r.mu.Unlock()
	debug.Live("rig: open", "lens", lens, "zoom", zoom, "flash", r.flash.Setting())
	return r.ctrl.Open(ctx, lens)
}

func (r *rig) StartSession(ctx context.Context) error {
	return r.ctrl.StartSession(ctx, r.providers(), r.cfg.Display.RotationDeg, r.cfg.DisplaySize(), r.cfg.AspectRatio())
}

func (r *rig) StopSession(ctx context.Context) error  { return r.ctrl.StopSession(ctx) }
func (r *rig) StartPreview(ctx context.Context) error { return r.ctrl.StartPreview(ctx) }
func (r *rig) StopPreview(ctx context.Context) error  { return r.ctrl.StopPreview(ctx) }
func (r *rig) StartRecord(ctx context.Context) error  { return r.ctrl.StartRecord(ctx) }
func (r *rig) StopRecord(ctx context.Context) error   { return r.ctrl.StopRecord(ctx) }
func (r *rig) Lock3A(ctx context.Context) error       { return r.ctrl.Lock3A(ctx) }
func (r *rig) Unlock3A(ctx context.Context) error     { return r.ctrl.Unlock3A(ctx) }
func (r *rig) Capture(ctx context.Context) error      { return r.ctrl.Capture(ctx) }
func (r *rig) Close(ctx context.Context) error        { return r.ctrl.Close(ctx) }

func (r *rig) Trigger3A(ctx context.Context) (convergence.State, error) {
	return r.ctrl.Trigger3A(ctx)
}

// Shoot takes count bounded shots, spaced by the configured series interval.
func (r *rig) Shoot(ctx context.Context, count int) ([]capture.Outcome, error) {
	if count == 1 {
		out, err := r.seq.Shoot(ctx)
		if err != nil {
			return nil, err
		}
		return []capture.Outcome{out}, nil
	}
	return r.seq.RunSeries(ctx, capture.SeriesParams{Count: count, Interval: r.cfg.SeriesInterval()})
}

func (r *rig) SetFlash(f request.FlashSetting) {
	r.flash.Set(f)
	debug.Live("rig: flash", "setting", f)
}

func (r *rig) Status(ctx context.Context) (web.Status, error) {
	snap, err := r.ctrl.Snapshot(ctx)
	if err != nil {
		return web.Status{}, err
	}
	r.mu.Lock()
	zoom := r.zoom
	r.mu.Unlock()
	st := web.Status{Session: snap, Flash: r.flash.Setting().String(), Zoom: zoom}
	for _, s := range r.sinks {
		st.Sinks = append(st.Sinks, s.Info())
	}
	return st, nil
}

// Dispose stops the controller worker, closing the camera.
func (r *rig) Dispose() error { return r.ctrl.Dispose() }

// shootOnce runs the scripted flow: open, configure, preview, shoot
// count times, then close. The camera is closed on every path.
func (r *rig) shootOnce(ctx context.Context, o web.Overrides, count int) (err error) {
	debug.Section("Open")
	if err := r.Open(ctx, o); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		debug.Section("Close")
		if cerr := r.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()

	debug.Section("Session")
	if err := r.StartSession(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := r.StartPreview(ctx); err != nil {
		return fmt.Errorf("start preview: %w", err)
	}

	debug.Section("Shoot")
	outcomes, err := r.Shoot(ctx, count)
	for i, out := range outcomes {
		debug.Info("shot", "index", i+1, "converged", out.Converged, "convergence", out.State, "elapsed", out.Elapsed)
	}
	if err != nil {
		return fmt.Errorf("shoot: %w", err)
	}

	if st, err := r.Status(ctx); err == nil {
		for _, s := range st.Sinks {
			debug.Verbose("sink", "name", s.Name, "enabled", s.Enabled, "size", s.Size, "completed", s.Completed)
		}
	}
	return r.StopPreview(ctx)
}
