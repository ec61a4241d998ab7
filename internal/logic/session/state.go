// Package session implements the camera session state machine. A Controller
// owns the device handle and the capture session and runs every hardware
// interaction on a single worker goroutine.
package session

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/convergence"
)

// State is the controller lifecycle state.
type State int

const (
	Closed State = iota
	Opening
	Open
	Configuring
	Idle
	PreviewRunning
	Recording
	Capturing
	Stopping
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Configuring:
		return "configuring"
	case Idle:
		return "idle"
	case PreviewRunning:
		return "preview"
	case Recording:
		return "recording"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := Closed; st <= Stopping; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Active reports whether a capture session is configured.
func (s State) Active() bool { return s >= Idle && s <= Capturing }

var (
	// ErrPrecondition reports an operation invoked in the wrong state.
	ErrPrecondition = errors.New("session: precondition violated")
	// ErrNoProviders is returned by StartSession with an empty provider list.
	ErrNoProviders = fmt.Errorf("%w: no surface providers", ErrPrecondition)
	// ErrClosed is returned once the controller has been disposed.
	ErrClosed = errors.New("session: controller disposed")
)

func precondition(op string, s State, why string) error {
	return fmt.Errorf("%w: %s in state %s: %s", ErrPrecondition, op, s, why)
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State       State             `json:"state"`
	Lens        string            `json:"lens,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	Surfaces    map[string]int    `json:"surfaces,omitempty"`
	Convergence convergence.State `json:"convergence"`
	Fault       string            `json:"fault,omitempty"`
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{State: c.state, Convergence: c.tracker.State()}
	if c.device != nil {
		s.Lens = c.lens.String()
		s.DeviceID = c.device.ID()
	}
	if c.reg != nil {
		s.Surfaces = make(map[string]int)
		for _, m := range camera.Modes {
			if n := len(c.reg.Surfaces(m)); n > 0 {
				s.Surfaces[m.String()] = n
			}
		}
	}
	if c.fault != nil {
		s.Fault = c.fault.Error()
	}
	return s
}
