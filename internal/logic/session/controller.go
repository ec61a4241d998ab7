package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/convergence"
	"github.com/cjeanneret/camctl/internal/logic/request"
	"github.com/cjeanneret/camctl/internal/logic/surface"
)

const (
	DefaultPreviewSettle     = 150 * time.Millisecond
	DefaultResultsPerTrigger = 10
)

// Preferences returns the preference modules for a freshly opened device.
type Preferences func(chars camera.Characteristics) []request.Preference

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	Preferences        Preferences
	NegotiationTimeout time.Duration
	PreviewSettle      time.Duration
	// OpenTimeout bounds the wait for the open callback. Zero leaves the
	// bound to the caller's context.
	OpenTimeout time.Duration
	// ResultsPerTrigger is the number of repeating results making up one
	// round of the 3A protocol.
	ResultsPerTrigger int
	Protocol          convergence.Protocol
}

func (o Options) withDefaults() Options {
	if o.Preferences == nil {
		o.Preferences = func(chars camera.Characteristics) []request.Preference {
			return []request.Preference{request.Supported3A{Chars: chars}}
		}
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = surface.DefaultTimeout
	}
	if o.PreviewSettle <= 0 {
		o.PreviewSettle = DefaultPreviewSettle
	}
	if o.ResultsPerTrigger <= 0 {
		o.ResultsPerTrigger = DefaultResultsPerTrigger
	}
	return o
}

type op struct {
	name  string
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

type resultMsg struct {
	gen    uint64
	result camera.Result
}

// Controller is the session state machine. All exported methods are safe
// for concurrent use; they are executed one at a time, in submission order,
// on the controller's worker goroutine.
type Controller struct {
	platform camera.Platform
	opts     Options

	ops     chan op
	events  chan event
	results chan resultMsg

	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	disposeOnce sync.Once
	disposeErr  error

	// Owned by the worker goroutine.
	state     State
	lens      camera.Lens
	chars     camera.Characteristics
	builder   *request.Builder
	device    camera.Device
	openGen   uint64
	session   camera.CaptureSession
	providers []surface.Provider
	reg       *surface.Registration
	repeatGen uint64
	tracker   convergence.Tracker
	fault     error
}

// New starts a controller bound to platform.
func New(platform camera.Platform, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		platform: platform,
		opts:     opts.withDefaults(),
		ops:      make(chan op),
		events:   make(chan event, 16),
		results:  make(chan resultMsg, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		if c.ctx.Err() != nil {
			c.disposeErr = c.close()
			debug.Live("session: controller disposed")
			return
		}
		select {
		case <-c.ctx.Done():
		case o := <-c.ops:
			o.reply <- c.exec(o)
		case ev := <-c.events:
			c.handleEvent(ev)
		case m := <-c.results:
			c.onResult(m)
		}
	}
}

// exec runs o with a context that also ends when the controller is disposed.
func (c *Controller) exec(o op) error {
	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	debug.Trace("session: op start", "op", o.name, "state", c.state)
	err := o.fn(ctx)
	if err != nil {
		debug.Verbose("session: op failed", "op", o.name, "state", c.state, "error", err)
	} else {
		debug.Trace("session: op done", "op", o.name, "state", c.state)
	}
	return err
}

// do submits fn to the worker and waits for its outcome.
func (c *Controller) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case c.ops <- op{name: name, ctx: ctx, fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// guarded is do for operations that a pending fault must refuse.
func (c *Controller) guarded(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.do(ctx, name, func(ctx context.Context) error {
		if c.fault != nil {
			return c.fault
		}
		return fn(ctx)
	})
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	debug.Live("session: state", "from", c.state, "to", s)
	c.state = s
}

// Dispose cancels any in-flight operation, releases the session and the
// device, and stops the worker. Later calls return the first outcome.
func (c *Controller) Dispose() error {
	c.disposeOnce.Do(c.cancel)
	<-c.done
	return c.disposeErr
}

// Snapshot returns the current controller view.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, "snapshot", func(context.Context) error {
		s = c.snapshot()
		return nil
	})
	return s, err
}

// post hands a message from a platform goroutine to the worker.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// tryPost is post for listener callbacks, which the platform may invoke
// while holding its own locks. It never blocks.
func (c *Controller) tryPost(ev event) {
	select {
	case c.events <- ev:
	default:
		debug.Warn("session: event queue full, dropping event", "kind", ev.kind)
	}
}

func (c *Controller) pushResult(gen uint64, r camera.Result) {
	select {
	case c.results <- resultMsg{gen: gen, result: r}:
	default:
		debug.Trace("session: result queue full, dropping frame", "frame", r.FrameNumber)
	}
}

func (c *Controller) onResult(m resultMsg) {
	if m.gen != c.repeatGen || !c.state.Active() {
		return
	}
	c.tracker.Update(m.result)
}

// repeatingListener feeds the continuous result stream of the current
// repeating request into the worker.
func (c *Controller) repeatingListener() camera.CaptureListener {
	c.repeatGen++
	gen := c.repeatGen
	return camera.ListenerFuncs{
		Completed: func(r camera.Result) { c.pushResult(gen, r) },
		Failed:    c.failureHandler(gen),
	}
}

// failureHandler posts capture failures to the worker, which resets the
// tracker while gen is still the current repeating generation.
func (c *Controller) failureHandler(gen uint64) func(camera.Failure) {
	return func(f camera.Failure) {
		c.tryPost(event{kind: evCaptureFailed, gen: gen, failure: f})
	}
}

// errDisposed converts a context error caused by disposal into ErrClosed.
func (c *Controller) errDisposed(err error) error {
	if c.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ErrClosed
	}
	return err
}
