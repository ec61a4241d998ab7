package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/convergence"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
	"github.com/cjeanneret/camctl/internal/logic/request"
	"github.com/cjeanneret/camctl/internal/logic/surface"
)

// Open acquires the camera facing lens and blocks until the platform
// reports the device opened or failed. A platform error is returned as a
// *camera.Fault and no device is retained.
func (c *Controller) Open(ctx context.Context, lens camera.Lens) error {
	return c.guarded(ctx, "open", func(ctx context.Context) error {
		return c.open(ctx, lens)
	})
}

func (c *Controller) open(ctx context.Context, lens camera.Lens) error {
	if c.session != nil {
		return precondition("open", c.state, "a capture session is configured")
	}
	if c.device != nil {
		return precondition("open", c.state, "a device is already open")
	}
	if !c.platform.HasPermission() {
		return fmt.Errorf("session: open %s: %w", lens, camera.ErrPermissionDenied)
	}
	chars, err := c.platform.Characteristics(lens)
	if err != nil {
		return fmt.Errorf("session: open %s: %w", lens, err)
	}

	c.openGen++
	cb := newDeviceCallback(c, c.openGen)
	c.setState(Opening)
	debug.Trace("session: platform open", "lens", lens, "gen", c.openGen)
	if err := c.platform.OpenDevice(lens, cb); err != nil {
		c.setState(Closed)
		return fmt.Errorf("session: open %s: %w", lens, err)
	}

	if c.opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.OpenTimeout)
		defer cancel()
	}
	var out openOutcome
	select {
	case out = <-cb.slot:
	case <-ctx.Done():
		if cb.abandon() {
			c.setState(Closed)
			return fmt.Errorf("session: open %s: %w", lens, c.errDisposed(ctx.Err()))
		}
		out = <-cb.slot
	}

	if out.fault != nil {
		if out.device != nil {
			_ = out.device.Close()
		}
		c.setState(Closed)
		return out.fault
	}
	c.device, c.lens, c.chars = out.device, lens, chars
	c.builder = request.NewBuilder(c.opts.Preferences(chars)...)
	c.fault = nil
	c.tracker.Reset()
	c.setState(Open)
	debug.Live("session: device open", "lens", lens, "device", out.device.ID())
	return nil
}

// StartSession negotiates a surface with every provider and opens one
// capture session over all of them. It is only valid right after Open. On
// failure the device stays open and StartSession may be retried.
func (c *Controller) StartSession(ctx context.Context, providers []surface.Provider, displayRotation int, displaySize geometry.Size, aspect geometry.AspectRatio) error {
	return c.guarded(ctx, "start-session", func(ctx context.Context) error {
		if c.state != Open {
			return precondition("start-session", c.state, "device must be open with no session")
		}
		if len(providers) == 0 {
			return ErrNoProviders
		}

		c.setState(Configuring)
		constraints := surface.Constraints{
			Chars:           c.chars,
			DisplayRotation: displayRotation,
			DisplaySize:     displaySize,
			AspectRatio:     aspect,
		}
		reg, err := surface.Negotiate(ctx, providers, constraints, c.opts.NegotiationTimeout)
		if err != nil {
			c.setState(Open)
			return fmt.Errorf("session: negotiate surfaces: %w", c.errDisposed(err))
		}
		if len(reg.All()) == 0 {
			c.setState(Open)
			return fmt.Errorf("%w: every provider opted out", ErrPrecondition)
		}

		debug.Trace("session: platform create-capture-session", "surfaces", len(reg.All()))
		sess, err := c.device.CreateCaptureSession(ctx, reg.All())
		if err != nil {
			c.setState(Open)
			return fmt.Errorf("session: create capture session: %w", err)
		}
		c.session, c.reg, c.providers = sess, reg, providers
		c.tracker.Reset()
		c.setState(Idle)
		return nil
	})
}

// StartPreview submits the repeating preview request.
func (c *Controller) StartPreview(ctx context.Context) error {
	return c.guarded(ctx, "start-preview", func(ctx context.Context) error {
		return c.startRepeating(ctx, camera.ModePreview, PreviewRunning)
	})
}

// StartRecord submits the repeating record request.
func (c *Controller) StartRecord(ctx context.Context) error {
	return c.guarded(ctx, "start-record", func(ctx context.Context) error {
		return c.startRepeating(ctx, camera.ModeRecord, Recording)
	})
}

func (c *Controller) startRepeating(ctx context.Context, mode camera.Mode, next State) error {
	op := "start-" + mode.String()
	if !c.state.Active() {
		return precondition(op, c.state, "no active session")
	}
	if !c.reg.Has(mode) {
		return precondition(op, c.state, "no surface registered for "+mode.String())
	}
	req, err := c.builder.Build(c.device, mode, c.reg.Surfaces(mode))
	if err != nil {
		return fmt.Errorf("session: %s: %w", op, err)
	}

	prev := c.repeatingMode()
	debug.Trace("session: platform set-repeating", "mode", mode, "request_id", req.ID)
	if err := c.session.SetRepeatingRequest(req, c.repeatingListener()); err != nil {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	if prev != nil && *prev != mode {
		c.notify(*prev, false)
	}
	c.setState(next)

	if mode == camera.ModePreview {
		t := time.NewTimer(c.opts.PreviewSettle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			c.abandonRepeating(op, prev != nil && *prev == mode)
			return c.errDisposed(ctx.Err())
		}
	}
	c.notify(mode, true)
	return nil
}

// abandonRepeating withdraws a repeating request whose start was cancelled
// before providers were told about it, leaving the session Idle. notified
// reports whether the providers still consider that mode running.
func (c *Controller) abandonRepeating(op string, notified bool) {
	mode := *c.repeatingMode()
	c.tracker.Reset()
	c.repeatGen++
	debug.Trace("session: platform stop-repeating", "op", op)
	if err := c.session.StopRepeating(); err != nil {
		debug.Warn("session: withdraw repeating request", "op", op, "error", err)
	}
	if notified {
		c.notify(mode, false)
	}
	c.setState(Idle)
}

// StopPreview stops the repeating preview request. It does nothing when
// preview is not running.
func (c *Controller) StopPreview(ctx context.Context) error {
	return c.guarded(ctx, "stop-preview", func(context.Context) error {
		return c.stopRepeating("stop-preview", PreviewRunning)
	})
}

// StopRecord stops the repeating record request. It does nothing when
// recording is not running.
func (c *Controller) StopRecord(ctx context.Context) error {
	return c.guarded(ctx, "stop-record", func(context.Context) error {
		return c.stopRepeating("stop-record", Recording)
	})
}

func (c *Controller) stopRepeating(op string, running State) error {
	if !c.state.Active() {
		return precondition(op, c.state, "no active session")
	}
	if c.state != running {
		return nil
	}
	mode := *c.repeatingMode()
	c.tracker.Reset()
	c.repeatGen++
	var errs []error
	debug.Trace("session: platform abort-captures")
	if err := c.session.AbortCaptures(); err != nil {
		errs = append(errs, fmt.Errorf("abort captures: %w", err))
	}
	debug.Trace("session: platform stop-repeating")
	if err := c.session.StopRepeating(); err != nil {
		errs = append(errs, fmt.Errorf("stop repeating: %w", err))
	}
	c.notify(mode, false)
	c.setState(Idle)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	return nil
}

func (c *Controller) repeatingMode() *camera.Mode {
	var m camera.Mode
	switch c.state {
	case PreviewRunning:
		m = camera.ModePreview
	case Recording:
		m = camera.ModeRecord
	default:
		return nil
	}
	return &m
}

// Capture takes one still picture and waits for the platform to complete
// it. The repeating request is left untouched.
func (c *Controller) Capture(ctx context.Context) error {
	return c.guarded(ctx, "capture", func(ctx context.Context) error {
		if !c.state.Active() {
			return precondition("capture", c.state, "no active session")
		}
		if !c.reg.Has(camera.ModePreview) {
			return precondition("capture", c.state, "no preview surface registered")
		}
		if !c.reg.Has(camera.ModeCapture) {
			return precondition("capture", c.state, "no capture surface registered")
		}
		req, err := c.builder.Build(c.device, camera.ModeCapture, c.reg.Surfaces(camera.ModeCapture))
		if err != nil {
			return fmt.Errorf("session: capture: %w", err)
		}

		prev := c.state
		c.setState(Capturing)
		defer func() {
			if c.state == Capturing {
				c.setState(prev)
			}
		}()

		c.notify(camera.ModeCapture, true)
		defer c.notify(camera.ModeCapture, false)

		if _, err := c.submit(ctx, "capture", req); err != nil {
			c.tracker.Reset()
			return err
		}
		return nil
	})
}

// Lock3A locks auto-exposure and auto-focus on the preview surfaces.
func (c *Controller) Lock3A(ctx context.Context) error {
	return c.guarded(ctx, "lock-3a", func(ctx context.Context) error {
		return c.lock(ctx, true)
	})
}

// Unlock3A releases a previous Lock3A.
func (c *Controller) Unlock3A(ctx context.Context) error {
	return c.guarded(ctx, "unlock-3a", func(ctx context.Context) error {
		return c.lock(ctx, false)
	})
}

func (c *Controller) lock(ctx context.Context, lock bool) error {
	op := "unlock-3a"
	if lock {
		op = "lock-3a"
	}
	if !c.state.Active() {
		return precondition(op, c.state, "no active session")
	}
	if !c.reg.Has(camera.ModePreview) {
		return precondition(op, c.state, "no preview surface registered")
	}
	req, err := c.builder.Build(c.device, camera.ModePreview, c.reg.Surfaces(camera.ModePreview))
	if err != nil {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	if c.chars.SupportsAE() {
		req.Set(camera.KeyAELock, lock)
	}
	if c.chars.SupportsAF() {
		if lock {
			req.Set(camera.KeyAFTrigger, camera.TriggerStart)
		} else {
			req.Set(camera.KeyAFTrigger, camera.TriggerCancel)
		}
	}
	if _, err := c.submit(ctx, op, req); err != nil {
		return err
	}
	debug.Live("session: 3A lock changed", "locked", lock)
	return nil
}

// Trigger3A runs the convergence protocol on the preview stream. It keeps
// re-triggering until focus, exposure and white balance all complete, so
// callers bound it through ctx. Non-convergence shows up as ctx's error.
func (c *Controller) Trigger3A(ctx context.Context) (convergence.State, error) {
	var st convergence.State
	err := c.guarded(ctx, "trigger-3a", func(ctx context.Context) error {
		if !c.state.Active() {
			return precondition("trigger-3a", c.state, "no active session")
		}
		if !c.reg.Has(camera.ModePreview) {
			return precondition("trigger-3a", c.state, "no preview surface registered")
		}
		if c.repeatingMode() == nil {
			return precondition("trigger-3a", c.state, "no repeating request running")
		}

		sup := convergence.SupportOf(c.chars)
		out, err := c.opts.Protocol.Run(ctx, &c.tracker, sup, func(ctx context.Context) (convergence.Stream, error) {
			return c.trigger(sup)
		})
		st = c.tracker.State()
		debug.Live("session: 3A finished",
			"triggers", out.Triggers,
			"results", out.Results,
			"focused", st.Focused,
			"exposed", st.Exposed,
			"balanced", st.Balanced,
		)
		return c.errDisposed(err)
	})
	return st, err
}

// trigger submits one AF/AE trigger request and opens the stream of the
// repeating results that follow it.
func (c *Controller) trigger(sup convergence.Support) (convergence.Stream, error) {
	req, err := c.builder.Build(c.device, camera.ModePreview, c.reg.Surfaces(camera.ModePreview))
	if err != nil {
		return nil, err
	}
	if sup.AF {
		req.Set(camera.KeyAFTrigger, camera.TriggerStart)
	}
	if sup.AE {
		req.Set(camera.KeyAEPrecaptureTrigger, camera.TriggerStart)
	}
	c.drainResults()
	debug.Trace("session: platform capture", "op", "trigger-3a", "request_id", req.ID)
	if err := c.session.Capture(req, camera.ListenerFuncs{Failed: c.failureHandler(c.repeatGen)}); err != nil {
		return nil, err
	}
	return &roundStream{c: c, remaining: c.opts.ResultsPerTrigger}, nil
}

// drainResults folds already-queued results into the tracker so a trigger
// round only sees frames produced after it.
func (c *Controller) drainResults() {
	for {
		select {
		case m := <-c.results:
			c.onResult(m)
		default:
			return
		}
	}
}

// roundStream yields the next results of the current repeating request.
// It runs on the worker, which is blocked in Trigger3A meanwhile, so it
// also services device events.
type roundStream struct {
	c         *Controller
	remaining int
}

func (s *roundStream) Next(ctx context.Context) (camera.Result, bool, error) {
	c := s.c
	for s.remaining > 0 {
		select {
		case <-ctx.Done():
			return camera.Result{}, false, ctx.Err()
		case ev := <-c.events:
			c.handleEvent(ev)
			if c.fault != nil {
				return camera.Result{}, false, c.fault
			}
		case m := <-c.results:
			if m.gen != c.repeatGen {
				continue
			}
			s.remaining--
			return m.result, true, nil
		}
	}
	return camera.Result{}, false, nil
}

// submit sends a one-shot request and waits for its completion, servicing
// device events and repeating results meanwhile.
func (c *Controller) submit(ctx context.Context, op string, req *camera.Request) (camera.Result, error) {
	type outcome struct {
		result  camera.Result
		failure *camera.Failure
	}
	done := make(chan outcome, 1)
	listener := camera.ListenerFuncs{
		Completed: func(r camera.Result) {
			select {
			case done <- outcome{result: r}:
			default:
			}
		},
		Failed: func(f camera.Failure) {
			select {
			case done <- outcome{failure: &f}:
			default:
			}
		},
	}
	debug.Trace("session: platform capture", "op", op, "request_id", req.ID)
	if err := c.session.Capture(req, listener); err != nil {
		return camera.Result{}, fmt.Errorf("session: %s: %w", op, err)
	}
	for {
		select {
		case o := <-done:
			if o.failure != nil {
				return camera.Result{}, fmt.Errorf("session: %s: capture %s failed: %s", op, o.failure.RequestID, o.failure.Reason)
			}
			debug.Verbose("session: capture completed", "op", op, "request_id", req.ID, "frame", o.result.FrameNumber)
			return o.result, nil
		case <-ctx.Done():
			return camera.Result{}, fmt.Errorf("session: %s: %w", op, c.errDisposed(ctx.Err()))
		case ev := <-c.events:
			c.handleEvent(ev)
			if c.fault != nil {
				return camera.Result{}, c.fault
			}
		case m := <-c.results:
			c.onResult(m)
		}
	}
}

// notify calls the lifecycle hook of every provider supporting mode.
func (c *Controller) notify(mode camera.Mode, start bool) {
	for _, p := range c.reg.Providers(mode) {
		l, ok := p.(surface.Lifecycle)
		if !ok {
			continue
		}
		if start {
			l.OnStart(mode)
		} else {
			l.OnStop(mode)
		}
	}
}

// StopSession stops preview and record and closes the capture session.
func (c *Controller) StopSession(ctx context.Context) error {
	return c.guarded(ctx, "stop-session", func(context.Context) error {
		if !c.state.Active() {
			return precondition("stop-session", c.state, "no active session")
		}
		return c.stopSession()
	})
}

// stopSession releases the capture session. It always runs to completion
// and reports the joined errors of its steps.
func (c *Controller) stopSession() error {
	if c.session == nil {
		return nil
	}
	c.setState(Stopping)
	var errs []error
	if mode := c.repeatingMode(); mode != nil {
		c.notify(*mode, false)
	}
	c.repeatGen++
	c.tracker.Reset()
	if err := c.session.StopRepeating(); err != nil {
		errs = append(errs, fmt.Errorf("stop repeating: %w", err))
	}
	debug.Trace("session: platform close capture session")
	if err := c.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture session: %w", err))
	}
	for _, p := range c.providers {
		if r, ok := p.(surface.Releaser); ok {
			r.Release()
		}
	}
	c.session, c.reg, c.providers = nil, nil, nil
	if c.device != nil {
		c.setState(Open)
	} else {
		c.setState(Closed)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: stop session: %w", err)
	}
	return nil
}

// Close stops the session and releases the device. It is idempotent and is
// accepted while a fault is pending, which it acknowledges.
func (c *Controller) Close(ctx context.Context) error {
	return c.do(ctx, "close", func(context.Context) error {
		return c.close()
	})
}

func (c *Controller) close() error {
	err := c.releaseAll()
	if c.fault != nil {
		debug.Info("session: pending fault acknowledged", "fault", c.fault)
		c.fault = nil
	}
	return err
}

// releaseAll closes the session and the device, attempting every step even
// when earlier ones fail.
func (c *Controller) releaseAll() error {
	errs := []error{c.stopSession()}
	if c.device != nil {
		debug.Trace("session: platform close device", "device", c.device.ID())
		if err := c.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close device: %w", err))
		}
		c.device = nil
		c.builder = nil
	}
	c.setState(Closed)
	return errors.Join(errs...)
}
