package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/logic/convergence"
)

// DefaultConvergeTimeout bounds the 3A phase of a shot when Params leaves
// it unset.
const DefaultConvergeTimeout = 2 * time.Second

// ErrNotConverged is returned by Shoot when convergence is required and
// 3A did not complete in time.
var ErrNotConverged = errors.New("capture: 3A did not converge")

// Camera is the part of the session controller a sequence drives.
type Camera interface {
	Trigger3A(ctx context.Context) (convergence.State, error)
	Capture(ctx context.Context) error
}

// Params tunes a still capture.
type Params struct {
	ConvergeTimeout    time.Duration // upper bound for the 3A protocol
	RequireConvergence bool          // fail instead of shooting unconverged
	ShotDelay          time.Duration // delay between 3A and the shot
}

// Outcome describes one shot.
type Outcome struct {
	Converged bool              `json:"converged"`
	State     convergence.State `json:"convergence"`
	Elapsed   time.Duration     `json:"elapsed_ns"`
}

// Sequence contains high-level still capture logic: a single bounded
// 3A-then-capture shot, or a timed series of them.
type Sequence struct {
	camera Camera
	params Params
}

func NewSequence(c Camera, p Params) *Sequence {
	if p.ConvergeTimeout <= 0 {
		p.ConvergeTimeout = DefaultConvergeTimeout
	}
	return &Sequence{camera: c, params: p}
}

// Shoot gives 3A a bounded chance to converge, then captures. Running out
// of time is not an error unless RequireConvergence is set.
func (s *Sequence) Shoot(ctx context.Context) (Outcome, error) {
	start := time.Now()
	var out Outcome

	cctx, cancel := context.WithTimeout(ctx, s.params.ConvergeTimeout)
	st, err := s.camera.Trigger3A(cctx)
	cancel()
	out.State = st
	switch {
	case err == nil:
		out.Converged = true
		debug.Live("capture: 3A converged", "after", time.Since(start))
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		debug.Warn("capture: 3A did not converge",
			"timeout", s.params.ConvergeTimeout,
			"focused", st.Focused,
			"exposed", st.Exposed,
			"balanced", st.Balanced,
		)
		if s.params.RequireConvergence {
			out.Elapsed = time.Since(start)
			return out, fmt.Errorf("%w within %v", ErrNotConverged, s.params.ConvergeTimeout)
		}
	default:
		return out, err
	}

	if err := sleep(ctx, s.params.ShotDelay); err != nil {
		return out, err
	}
	if err := s.camera.Capture(ctx); err != nil {
		return out, err
	}
	out.Elapsed = time.Since(start)
	debug.Live("capture: shot taken", "converged", out.Converged, "elapsed", out.Elapsed)
	return out, nil
}

// SeriesParams defines a timed series of shots.
type SeriesParams struct {
	Count    int
	Interval time.Duration // delay between the end of a shot and the next one
}

// RunSeries takes p.Count shots. It stops at the first error and returns
// the outcomes of the shots taken so far.
func (s *Sequence) RunSeries(ctx context.Context, p SeriesParams) ([]Outcome, error) {
	if p.Count <= 0 {
		return nil, fmt.Errorf("capture: series needs a positive count, got %d", p.Count)
	}
	debug.Section("Capture series")
	outcomes := make([]Outcome, 0, p.Count)
	for i := 0; i < p.Count; i++ {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if i > 0 {
			if err := sleep(ctx, p.Interval); err != nil {
				return outcomes, err
			}
		}
		out, err := s.Shoot(ctx)
		if err != nil {
			return outcomes, fmt.Errorf("capture: shot %d/%d: %w", i+1, p.Count, err)
		}
		outcomes = append(outcomes, out)
		debug.Info("capture: series progress", "shot", i+1, "of", p.Count)
	}
	return outcomes, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
