package surface

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each provider's negotiation.
const DefaultTimeout = 500 * time.Millisecond

// ErrNegotiationTimeout is returned when a provider does not produce its
// surface in time.
var ErrNegotiationTimeout = errors.New("surface: negotiation timed out")

// Binding pairs a provider with the surface it produced.
type Binding struct {
	Provider Provider
	Surface  camera.Surface
}

// Registration maps each operating mode to the surfaces supporting it.
// It is built once per session and never modified afterwards.
type Registration struct {
	byMode map[camera.Mode][]Binding
	all    []camera.Surface
}

func newRegistration(bindings []Binding) *Registration {
	r := &Registration{byMode: make(map[camera.Mode][]Binding)}
	seen := make(map[string]bool)
	for _, b := range bindings {
		for _, m := range b.Provider.SupportedModes() {
			r.byMode[m] = append(r.byMode[m], b)
		}
		if !seen[b.Surface.ID] {
			seen[b.Surface.ID] = true
			r.all = append(r.all, b.Surface)
		}
	}
	return r
}

// Surfaces returns the surfaces registered for mode.
func (r *Registration) Surfaces(mode camera.Mode) []camera.Surface {
	if r == nil {
		return nil
	}
	var out []camera.Surface
	for _, b := range r.byMode[mode] {
		out = append(out, b.Surface)
	}
	return out
}

// Has reports whether at least one surface supports mode.
func (r *Registration) Has(mode camera.Mode) bool {
	return r != nil && len(r.byMode[mode]) > 0
}

// Providers returns the providers supporting mode.
func (r *Registration) Providers(mode camera.Mode) []Provider {
	if r == nil {
		return nil
	}
	var out []Provider
	for _, b := range r.byMode[mode] {
		out = append(out, b.Provider)
	}
	return out
}

// All returns every distinct surface across modes.
func (r *Registration) All() []camera.Surface {
	if r == nil {
		return nil
	}
	return r.all
}

// Negotiate asks every provider for its surface concurrently, each call
// bounded by timeout. Providers declaring no output are skipped. The first
// failure cancels the remaining negotiations and is returned; on success
// the surfaces are grouped by mode.
func Negotiate(ctx context.Context, providers []Provider, c Constraints, timeout time.Duration) (*Registration, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var active []Provider
	for _, p := range providers {
		if p.Format().IsNone() {
			debug.Verbose("surface: provider opted out", "provider", name(p))
			continue
		}
		active = append(active, p)
	}

	surfaces := make([]camera.Surface, len(active))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range active {
		cfg := ConfigFor(p, c)
		debug.Verbose("surface: negotiating",
			"provider", name(p),
			"format", p.Format().String(),
			"class", p.SizeClass().String(),
			"candidates", len(cfg.Sizes),
		)
		g.Go(func() error {
			s, err := acquire(gctx, p, cfg, timeout)
			if err != nil {
				return err
			}
			surfaces[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bindings := make([]Binding, len(active))
	for i, p := range active {
		bindings[i] = Binding{Provider: p, Surface: surfaces[i]}
		debug.Live("surface: acquired", "provider", name(p), "size", surfaces[i].Size.String(), "id", surfaces[i].ID)
	}
	return newRegistration(bindings), nil
}

type outcome struct {
	surface camera.Surface
	err     error
}

// acquire runs one negotiation. The provider call runs on its own goroutine
// so a provider ignoring ctx cannot hold the caller past the timeout.
func acquire(ctx context.Context, p Provider, cfg Config, timeout time.Duration) (camera.Surface, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		s, err := p.AcquireSurface(tctx, cfg)
		done <- outcome{s, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return camera.Surface{}, fmt.Errorf("%w: %s after %v", ErrNegotiationTimeout, name(p), timeout)
			}
			return camera.Surface{}, fmt.Errorf("surface: %s: %w", name(p), o.err)
		}
		if o.surface.ID == "" {
			return camera.Surface{}, fmt.Errorf("surface: %s returned no surface", name(p))
		}
		if o.surface.Format.IsNone() {
			o.surface.Format = p.Format()
		}
		return o.surface, nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return camera.Surface{}, ctx.Err()
		}
		return camera.Surface{}, fmt.Errorf("%w: %s after %v", ErrNegotiationTimeout, name(p), timeout)
	}
}
