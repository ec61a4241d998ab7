package convergence

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
)

// ErrUnknownResultKey aborts the protocol when asked to track a key it
// cannot interpret. It signals a programming error, never non-convergence.
var ErrUnknownResultKey = errors.New("convergence: unknown result key")

// DefaultKeys are the result keys tracked by the protocol.
var DefaultKeys = []camera.Key{camera.KeyAFState, camera.KeyAEState, camera.KeyAWBState}

// Support records which 3A algorithms the hardware has at all.
type Support struct {
	AF, AE, AWB bool
}

// SupportOf derives Support from camera characteristics.
func SupportOf(c camera.Characteristics) Support {
	return Support{AF: c.SupportsAF(), AE: c.SupportsAE(), AWB: c.SupportsAWB()}
}

// Stream yields the capture results following one trigger. ok is false once
// the round is over.
type Stream interface {
	Next(ctx context.Context) (r camera.Result, ok bool, err error)
}

// TriggerFunc submits a one-shot trigger request and opens the stream of
// subsequent results.
type TriggerFunc func(ctx context.Context) (Stream, error)

// Outcome summarizes one protocol run.
type Outcome struct {
	Triggers int
	Results  int
}

// Protocol drives 3A convergence. It imposes no retry limit of its own: it
// re-triggers until every tracked algorithm completes or ctx ends, so
// callers bound it with a context deadline.
type Protocol struct {
	Keys []camera.Key
}

// Run executes the protocol, updating t from every consumed result. On
// success t reports Converged.
func (p Protocol) Run(ctx context.Context, t *Tracker, sup Support, trigger TriggerFunc) (Outcome, error) {
	keys := p.Keys
	if len(keys) == 0 {
		keys = DefaultKeys
	}

	var out Outcome
	complete := make(map[camera.Key]bool, len(keys))
	initial := t.State()
	for _, k := range keys {
		switch k {
		case camera.KeyAFState:
			complete[k] = !sup.AF || initial.Focused.Complete()
		case camera.KeyAEState:
			complete[k] = !sup.AE || initial.Exposed.Complete()
		case camera.KeyAWBState:
			complete[k] = !sup.AWB || initial.Balanced.Complete()
		default:
			return out, fmt.Errorf("%w: %s", ErrUnknownResultKey, k)
		}
	}

	for {
		if allComplete(complete) {
			t.markConverged()
			return out, nil
		}

		stream, err := trigger(ctx)
		if err != nil {
			return out, fmt.Errorf("convergence: trigger: %w", err)
		}
		out.Triggers++
		debug.Live("convergence: trigger submitted", "round", out.Triggers)

		for {
			r, ok, err := stream.Next(ctx)
			if err != nil {
				return out, err
			}
			if !ok {
				break
			}
			out.Results++
			t.Update(r)
			for _, k := range keys {
				v, present := r.Metadata[k]
				if !present {
					continue
				}
				done, decided, err := evaluate(k, v)
				if err != nil {
					return out, err
				}
				if decided {
					complete[k] = done
				}
			}
			if allComplete(complete) {
				break
			}
		}
		debug.Verbose("convergence: round finished",
			"round", out.Triggers,
			"results", out.Results,
			"af", complete[camera.KeyAFState],
			"ae", complete[camera.KeyAEState],
			"awb", complete[camera.KeyAWBState],
		)
	}
}

func allComplete(m map[camera.Key]bool) bool {
	for _, done := range m {
		if !done {
			return false
		}
	}
	return true
}

// evaluate interprets one reported state. decided is false for an
// "inactive" report, which must not change the complete flag: the
// algorithm has not started running yet.
func evaluate(k camera.Key, v any) (done, decided bool, err error) {
	switch k {
	case camera.KeyAFState:
		st, ok := v.(camera.AFState)
		if !ok {
			break
		}
		if st == camera.AFStateInactive {
			return false, false, nil
		}
		return st == camera.AFStateFocusedLocked, true, nil
	case camera.KeyAEState:
		st, ok := v.(camera.AEState)
		if !ok {
			break
		}
		if st == camera.AEStateInactive {
			return false, false, nil
		}
		return aeDone(st), true, nil
	case camera.KeyAWBState:
		st, ok := v.(camera.AWBState)
		if !ok {
			break
		}
		if st == camera.AWBStateInactive {
			return false, false, nil
		}
		return awbDone(st), true, nil
	}
	return false, false, fmt.Errorf("%w: %s=%v (%T)", ErrUnknownResultKey, k, v, v)
}
