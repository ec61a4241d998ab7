// Package convergence tracks the auto-focus, auto-exposure and auto white
// balance ("3A") state reported in capture results and drives the trigger
// protocol that gives those algorithms a chance to converge before a still
// capture.
package convergence

import (
	"fmt"

	"github.com/cjeanneret/camctl/internal/hw/camera"
)

// Status is the convergence status of one 3A algorithm.
type Status int8

const (
	Pending Status = iota
	Done
	// NotApplicable means the algorithm is switched off.
	NotApplicable
)

// Complete reports whether the algorithm needs no further waiting.
func (s Status) Complete() bool { return s != Pending }

func (s Status) String() string {
	switch s {
	case Done:
		return "true"
	case NotApplicable:
		return "n/a"
	default:
		return "false"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "true":
		*s = Done
	case "n/a":
		*s = NotApplicable
	case "false":
		*s = Pending
	default:
		return fmt.Errorf("convergence: unknown status %q", b)
	}
	return nil
}

// State is the latest observed {focused, exposed, balanced} record.
type State struct {
	Focused  Status `json:"focused"`
	Exposed  Status `json:"exposed"`
	Balanced Status `json:"balanced"`
}

// Complete reports whether all three algorithms are complete.
func (s State) Complete() bool {
	return s.Focused.Complete() && s.Exposed.Complete() && s.Balanced.Complete()
}

// Converged is the state after a successful convergence protocol run.
var Converged = State{Focused: Done, Exposed: Done, Balanced: Done}

// Tracker holds the convergence state. It is not safe for concurrent use:
// the session controller updates and reads it from its worker goroutine only.
type Tracker struct {
	state State
}

// State returns the current record.
func (t *Tracker) State() State { return t.state }

// Reset returns every algorithm to Pending.
func (t *Tracker) Reset() { t.state = State{} }

func (t *Tracker) markConverged() { t.state = Converged }

// Update folds one capture result into the record. Keys missing from the
// result leave the corresponding status untouched.
func (t *Tracker) Update(r camera.Result) {
	if mode, ok := r.Metadata[camera.KeyAFMode]; ok && mode == camera.AFModeOff {
		t.state.Focused = NotApplicable
	} else if st, ok := r.Metadata[camera.KeyAFState].(camera.AFState); ok {
		t.state.Focused = status(st == camera.AFStateFocusedLocked)
	}

	if mode, ok := r.Metadata[camera.KeyAEMode]; ok && mode == camera.AEModeOff {
		t.state.Exposed = NotApplicable
	} else if st, ok := r.Metadata[camera.KeyAEState].(camera.AEState); ok {
		t.state.Exposed = status(aeDone(st))
	}

	if mode, ok := r.Metadata[camera.KeyAWBMode]; ok && mode == camera.AWBModeOff {
		t.state.Balanced = NotApplicable
	} else if st, ok := r.Metadata[camera.KeyAWBState].(camera.AWBState); ok {
		t.state.Balanced = status(awbDone(st))
	}
}

func status(done bool) Status {
	if done {
		return Done
	}
	return Pending
}

func aeDone(st camera.AEState) bool {
	return st == camera.AEStateConverged || st == camera.AEStateLocked || st == camera.AEStateFlashRequired
}

func awbDone(st camera.AWBState) bool {
	return st == camera.AWBStateConverged || st == camera.AWBStateLocked
}
