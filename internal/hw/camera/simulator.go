package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/gpio"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
)

// SimulatorConfig configures the in-process camera platform.
type SimulatorConfig struct {
	Sensors        []Characteristics
	FrameInterval  time.Duration // time between repeating results
	OpenDelay      time.Duration // delay before the open callback fires
	ConvergeFrames int           // frames each 3A algorithm needs to settle
	Torch          gpio.Driver   // optional torch LED line
	TorchPin       int           // 0 = no torch
	DenyPermission bool
}

// Simulator emulates a camera service: asynchronous device open,
// repeating results with a scripted 3A progression, and injectable faults.
type Simulator struct {
	cfg SimulatorConfig

	mu      sync.Mutex
	sensors map[Lens]Characteristics
	open    map[Lens]*simDevice
	failing map[Lens]ErrorCode
}

// NewSimulator creates a simulator. Zero durations get small defaults.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 33 * time.Millisecond
	}
	if cfg.ConvergeFrames <= 0 {
		cfg.ConvergeFrames = 3
	}
	s := &Simulator{
		cfg:     cfg,
		sensors: make(map[Lens]Characteristics),
		open:    make(map[Lens]*simDevice),
		failing: make(map[Lens]ErrorCode),
	}
	for _, c := range cfg.Sensors {
		s.sensors[c.Lens] = c
	}
	if cfg.Torch != nil && cfg.TorchPin > 0 {
		_ = cfg.Torch.SetupPin(cfg.TorchPin, gpio.Output)
		_ = cfg.Torch.WritePin(cfg.TorchPin, gpio.Low)
	}
	return s
}

// SimulatedSensor builds characteristics for a sensor of the given size,
// exposing the usual ladder of output sizes below it.
func SimulatedSensor(id string, lens Lens, sensor, recordProfile geometry.Size) Characteristics {
	ladder := []geometry.Size{
		{Width: 640, Height: 480}, {Width: 1280, Height: 720}, {Width: 1440, Height: 1080},
		{Width: 1920, Height: 1080}, {Width: 2560, Height: 1440}, {Width: 3840, Height: 2160},
		{Width: 4000, Height: 3000}, sensor,
	}
	var sizes []geometry.Size
	seen := make(map[geometry.Size]bool)
	for _, sz := range ladder {
		if sz.Fits(sensor) && !seen[sz] {
			seen[sz] = true
			sizes = append(sizes, sz)
		}
	}
	return Characteristics{
		ID:          id,
		Lens:        lens,
		ActiveArray: geometry.Rect{Width: sensor.Width, Height: sensor.Height},
		FormatSizes: map[ImageFormat][]geometry.Size{
			FormatJPEG:   sizes,
			FormatYUV420: sizes,
			FormatRAW16:  {sensor},
		},
		ClassSizes: map[string][]geometry.Size{
			ClassPreview:  sizes,
			ClassRecorder: sizes,
		},
		RecordProfile:  recordProfile,
		AFModes:        []AFMode{AFModeOff, AFModeAuto, AFModeContinuousVideo, AFModeContinuousPicture},
		AEModes:        []AEMode{AEModeOff, AEModeOn, AEModeOnAutoFlash},
		AWBModes:       []AWBMode{AWBModeOff, AWBModeAuto},
		FlashAvailable: true,
	}
}

func (s *Simulator) HasPermission() bool { return !s.cfg.DenyPermission }

func (s *Simulator) Characteristics(lens Lens) (Characteristics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sensors[lens]
	if !ok {
		return Characteristics{}, fmt.Errorf("simulator: no %s camera", lens)
	}
	return c, nil
}

// FailNextOpen makes the next open of lens report code through OnError.
func (s *Simulator) FailNextOpen(lens Lens, code ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[lens] = code
}

func (s *Simulator) OpenDevice(lens Lens, cb DeviceCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chars, ok := s.sensors[lens]
	if !ok {
		return fmt.Errorf("simulator: no %s camera", lens)
	}
	dev := &simDevice{sim: s, chars: chars, cb: cb}
	if code, failing := s.failing[lens]; failing {
		delete(s.failing, lens)
		go s.after(func() { cb.OnError(dev, code) })
		return nil
	}
	if _, busy := s.open[lens]; busy {
		go s.after(func() { cb.OnError(dev, ErrorCameraInUse) })
		return nil
	}
	s.open[lens] = dev
	debug.Trace("simulator: opening device", "id", chars.ID)
	go s.after(func() { cb.OnOpened(dev) })
	return nil
}

// InjectError reports a runtime device error on the open device for lens.
func (s *Simulator) InjectError(lens Lens, code ErrorCode) bool {
	dev := s.device(lens)
	if dev == nil {
		return false
	}
	go dev.cb.OnError(dev, code)
	return true
}

// InjectDisconnect reports the open device for lens as disconnected.
func (s *Simulator) InjectDisconnect(lens Lens) bool {
	dev := s.device(lens)
	if dev == nil {
		return false
	}
	go dev.cb.OnDisconnected(dev)
	return true
}

func (s *Simulator) device(lens Lens) *simDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[lens]
}

func (s *Simulator) after(fn func()) {
	if s.cfg.OpenDelay > 0 {
		time.Sleep(s.cfg.OpenDelay)
	}
	fn()
}

// release drops d from the open set. It reports false for a device that
// never owned its lens, such as one refused because the lens was busy.
func (s *Simulator) release(d *simDevice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[d.chars.Lens] != d {
		return false
	}
	delete(s.open, d.chars.Lens)
	return true
}

func (s *Simulator) setTorch(on bool) {
	if s.cfg.Torch == nil || s.cfg.TorchPin <= 0 {
		return
	}
	lvl := gpio.Low
	if on {
		lvl = gpio.High
	}
	if err := s.cfg.Torch.WritePin(s.cfg.TorchPin, lvl); err != nil {
		debug.Error("simulator: torch write failed", err, "pin", s.cfg.TorchPin)
	}
}

type simDevice struct {
	sim   *Simulator
	chars Characteristics
	cb    DeviceCallback

	mu      sync.Mutex
	closed  bool
	session *simSession
}

func (d *simDevice) ID() string { return d.chars.ID }

func (d *simDevice) CreateCaptureRequest(t Template) (*Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("simulator: device closed")
	}
	r := NewRequest(t)
	r.Set(KeyControlMode, ControlModeAuto)
	if t == TemplateStillCapture {
		r.Set(KeyAFMode, AFModeContinuousPicture)
	}
	return r, nil
}

func (d *simDevice) CreateCaptureSession(ctx context.Context, surfaces []Surface) (CaptureSession, error) {
	if len(surfaces) == 0 {
		return nil, errors.New("simulator: capture session needs at least one surface")
	}
	for _, sf := range surfaces {
		if !supported(d.chars.OutputSizes(sf.Format), sf.Size) {
			return nil, fmt.Errorf("simulator: surface %s %v %v not supported", sf.ID, sf.Format, sf.Size)
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("simulator: device closed")
	}
	if d.session != nil {
		// A new session replaces the previous one.
		d.session.shutdown()
	}
	sess := &simSession{dev: d, surfaces: surfaces, stop: make(chan struct{})}
	d.session = sess
	debug.Trace("simulator: capture session created", "surfaces", len(surfaces))
	return sess, nil
}

func (d *simDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.session != nil {
		d.session.shutdown()
		d.session = nil
	}
	d.mu.Unlock()

	if d.sim.release(d) {
		d.sim.setTorch(false)
	}
	go d.cb.OnClosed(d)
	return nil
}

func supported(sizes []geometry.Size, sz geometry.Size) bool {
	for _, s := range sizes {
		if s == sz {
			return true
		}
	}
	return false
}

// aaa is the simulated 3A state of one capture session.
type aaa struct {
	afFrames, aeFrames, awbFrames int
	afTriggered                   bool
}

type simSession struct {
	dev      *simDevice
	surfaces []Surface

	mu        sync.Mutex
	closed    bool
	frame     int64
	state     aaa
	repeating *Request
	listener  CaptureListener
	looping   bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func (s *simSession) interval() time.Duration { return s.dev.sim.cfg.FrameInterval }

func (s *simSession) Capture(req *Request, l CaptureListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("simulator: session closed")
	}
	if v, _ := req.Get(KeyAFTrigger); v == TriggerStart {
		s.state.afTriggered = true
		s.state.afFrames = 0
	}
	if v, _ := req.Get(KeyAEPrecaptureTrigger); v == TriggerStart {
		s.state.aeFrames = 0
	}
	s.applyTorch(req)
	stop := s.stop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.interval()):
		case <-stop:
			l.OnCaptureFailed(Failure{RequestID: req.ID, Reason: "aborted"})
			return
		}
		l.OnCaptureCompleted(s.next(req))
	}()
	return nil
}

func (s *simSession) SetRepeatingRequest(req *Request, l CaptureListener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("simulator: session closed")
	}
	s.repeating, s.listener = req, l
	s.state.afFrames, s.state.aeFrames, s.state.awbFrames = 0, 0, 0
	s.applyTorch(req)
	if !s.looping {
		s.looping = true
		s.wg.Add(1)
		go s.loop(s.stop)
	}
	s.mu.Unlock()
	return nil
}

func (s *simSession) loop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			s.mu.Lock()
			s.looping = false
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.mu.Lock()
			req, l := s.repeating, s.listener
			if req == nil {
				s.looping = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			l.OnCaptureCompleted(s.next(req))
		}
	}
}

func (s *simSession) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("simulator: session closed")
	}
	s.repeating, s.listener = nil, nil
	return nil
}

// AbortCaptures fails every in-flight one-shot capture and the repeating loop.
func (s *simSession) AbortCaptures() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("simulator: session closed")
	}
	close(s.stop)
	s.repeating, s.listener = nil, nil
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.stop = make(chan struct{})
	s.mu.Unlock()
	return nil
}

func (s *simSession) Close() error {
	s.dev.mu.Lock()
	if s.dev.session == s {
		s.dev.session = nil
	}
	s.dev.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *simSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.repeating, s.listener = nil, nil
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *simSession) applyTorch(req *Request) {
	v, ok := req.Get(KeyFlashMode)
	if !ok {
		return
	}
	s.dev.sim.setTorch(v == FlashModeTorch)
}

// next advances the simulated 3A state by one frame and reports it.
func (s *simSession) next(req *Request) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame++
	n := s.dev.sim.cfg.ConvergeFrames
	chars := s.dev.chars
	md := make(map[Key]any)

	if chars.SupportsAF() {
		mode, _ := req.Get(KeyAFMode)
		md[KeyAFMode] = mode
		s.state.afFrames++
		switch {
		case mode == AFModeOff || mode == nil:
			md[KeyAFState] = AFStateInactive
		case s.state.afTriggered && s.state.afFrames < n:
			md[KeyAFState] = AFStateActiveScan
		case s.state.afTriggered:
			md[KeyAFState] = AFStateFocusedLocked
		case mode == AFModeAuto:
			md[KeyAFState] = AFStateInactive
		case s.state.afFrames < n:
			md[KeyAFState] = AFStatePassiveScan
		default:
			md[KeyAFState] = AFStatePassiveFocused
		}
	}
	if chars.SupportsAE() {
		mode, _ := req.Get(KeyAEMode)
		md[KeyAEMode] = mode
		s.state.aeFrames++
		locked, _ := req.Get(KeyAELock)
		switch {
		case mode == AEModeOff || mode == nil:
			md[KeyAEState] = AEStateInactive
		case locked == true:
			md[KeyAEState] = AEStateLocked
		case s.state.aeFrames < n:
			md[KeyAEState] = AEStateSearching
		default:
			md[KeyAEState] = AEStateConverged
		}
	}
	if chars.SupportsAWB() {
		mode, _ := req.Get(KeyAWBMode)
		md[KeyAWBMode] = mode
		s.state.awbFrames++
		switch {
		case mode == AWBModeOff || mode == nil:
			md[KeyAWBState] = AWBStateInactive
		case s.state.awbFrames < n:
			md[KeyAWBState] = AWBStateSearching
		default:
			md[KeyAWBState] = AWBStateConverged
		}
	}
	if v, _ := req.Get(KeyAFTrigger); v == TriggerCancel {
		s.state.afTriggered = false
	}
	return Result{RequestID: req.ID, FrameNumber: s.frame, Timestamp: time.Now(), Metadata: md}
}
