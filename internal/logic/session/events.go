package session

import (
	"sync"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
)

type eventKind int

const (
	evFault eventKind = iota
	evLateOpen
	evClosed
	evCaptureFailed
)

func (k eventKind) String() string {
	switch k {
	case evFault:
		return "fault"
	case evLateOpen:
		return "late-open"
	case evClosed:
		return "closed"
	case evCaptureFailed:
		return "capture-failed"
	default:
		return "unknown"
	}
}

// event is a platform notification re-marshalled onto the worker.
type event struct {
	kind    eventKind
	gen     uint64
	device  camera.Device
	fault   *camera.Fault
	failure camera.Failure
}

// openOutcome settles one open attempt.
type openOutcome struct {
	device camera.Device
	fault  *camera.Fault
}

// deviceCallback serves one open attempt. The first of OnOpened, OnError
// and OnDisconnected settles the slot; everything after that is posted to
// the worker as an event.
type deviceCallback struct {
	c    *Controller
	gen  uint64
	once sync.Once
	slot chan openOutcome
}

func newDeviceCallback(c *Controller, gen uint64) *deviceCallback {
	return &deviceCallback{c: c, gen: gen, slot: make(chan openOutcome, 1)}
}

// settle delivers o unless the attempt is already settled. The slot has
// room for exactly one outcome, so settling never blocks even when nobody
// waits yet.
func (cb *deviceCallback) settle(o openOutcome) bool {
	settled := false
	cb.once.Do(func() {
		cb.slot <- o
		settled = true
	})
	return settled
}

// abandon settles the attempt with no outcome. It reports false when an
// outcome was delivered first.
func (cb *deviceCallback) abandon() bool {
	settled := false
	cb.once.Do(func() {
		close(cb.slot)
		settled = true
	})
	return settled
}

func (cb *deviceCallback) OnOpened(d camera.Device) {
	debug.Trace("session: callback opened", "device", d.ID(), "gen", cb.gen)
	if !cb.settle(openOutcome{device: d}) {
		cb.c.post(event{kind: evLateOpen, gen: cb.gen, device: d})
	}
}

func (cb *deviceCallback) OnError(d camera.Device, code camera.ErrorCode) {
	f := camera.FaultFromCode(deviceID(d), code)
	debug.Trace("session: callback error", "device", f.DeviceID, "code", int(code), "gen", cb.gen)
	if !cb.settle(openOutcome{device: d, fault: f}) {
		cb.c.post(event{kind: evFault, gen: cb.gen, device: d, fault: f})
	}
}

func (cb *deviceCallback) OnDisconnected(d camera.Device) {
	f := camera.DisconnectedFault(deviceID(d))
	debug.Trace("session: callback disconnected", "device", f.DeviceID, "gen", cb.gen)
	if !cb.settle(openOutcome{device: d, fault: f}) {
		cb.c.post(event{kind: evFault, gen: cb.gen, device: d, fault: f})
	}
}

func (cb *deviceCallback) OnClosed(d camera.Device) {
	cb.c.post(event{kind: evClosed, gen: cb.gen, device: d})
}

func deviceID(d camera.Device) string {
	if d == nil {
		return ""
	}
	return d.ID()
}

// handleEvent runs on the worker.
func (c *Controller) handleEvent(ev event) {
	switch ev.kind {
	case evFault:
		if ev.gen != c.openGen || c.device == nil {
			debug.Trace("session: stale device fault ignored", "fault", ev.fault)
			return
		}
		debug.Error("session: device fault", ev.fault, "state", c.state)
		c.fault = ev.fault
		if err := c.releaseAll(); err != nil {
			debug.Verbose("session: release after fault", "error", err)
		}
	case evLateOpen:
		debug.Info("session: closing device opened after its open was abandoned", "device", deviceID(ev.device))
		if err := ev.device.Close(); err != nil {
			debug.Error("session: closing abandoned device", err)
		}
	case evClosed:
		debug.Trace("session: device closed", "device", deviceID(ev.device))
	case evCaptureFailed:
		if ev.gen != c.repeatGen {
			return
		}
		debug.Verbose("session: capture failed", "request_id", ev.failure.RequestID, "reason", ev.failure.Reason)
		c.tracker.Reset()
	}
}
