package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
	"github.com/cjeanneret/camctl/internal/logic/surface"
)

var testSizes = []geometry.Size{{Width: 640, Height: 480}, {Width: 1280, Height: 720}, {Width: 1920, Height: 1080}, {Width: 4032, Height: 3024}}

func testChars() camera.Characteristics {
	return camera.Characteristics{
		ID:          "cam0",
		Lens:        camera.LensBack,
		ActiveArray: geometry.Rect{Width: 4032, Height: 3024},
		FormatSizes: map[camera.ImageFormat][]geometry.Size{camera.FormatJPEG: testSizes},
		ClassSizes: map[string][]geometry.Size{
			camera.ClassPreview:  testSizes,
			camera.ClassRecorder: testSizes,
		},
		RecordProfile: geometry.Size{Width: 1920, Height: 1080},
		AFModes:       []camera.AFMode{camera.AFModeOff, camera.AFModeAuto, camera.AFModeContinuousPicture},
		AEModes:       []camera.AEMode{camera.AEModeOff, camera.AEModeOn},
		// No AWB: white balance is hardware-unsupported.
	}
}

// fakePlatform records every hardware call. By default devices open
// asynchronously and successfully.
type fakePlatform struct {
	mu         sync.Mutex
	denied     bool
	chars      camera.Characteristics
	openScript func(d *fakeDevice, cb camera.DeviceCallback)
	opens      int
	devices    []*fakeDevice
	lastCB     camera.DeviceCallback
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{chars: testChars()}
}

func (p *fakePlatform) HasPermission() bool { return !p.denied }

func (p *fakePlatform) Characteristics(lens camera.Lens) (camera.Characteristics, error) {
	if lens != p.chars.Lens {
		return camera.Characteristics{}, errors.New("fake: no such lens")
	}
	return p.chars, nil
}

func (p *fakePlatform) OpenDevice(lens camera.Lens, cb camera.DeviceCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	d := &fakeDevice{id: p.chars.ID}
	p.devices = append(p.devices, d)
	p.lastCB = cb
	if p.openScript != nil {
		p.openScript(d, cb)
		return nil
	}
	go cb.OnOpened(d)
	return nil
}

func (p *fakePlatform) device(i int) *fakeDevice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[i]
}

func (p *fakePlatform) callback() camera.DeviceCallback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCB
}

type fakeDevice struct {
	id string

	mu         sync.Mutex
	closes     int
	sessionErr error
	sessions   []*fakeSession
	onCapture  func(s *fakeSession, req *camera.Request, l camera.CaptureListener)
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) CreateCaptureRequest(t camera.Template) (*camera.Request, error) {
	return camera.NewRequest(t), nil
}

func (d *fakeDevice) CreateCaptureSession(_ context.Context, surfaces []camera.Surface) (camera.CaptureSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionErr != nil {
		return nil, d.sessionErr
	}
	s := &fakeSession{dev: d, surfaces: surfaces}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *fakeDevice) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDevice) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

type fakeSession struct {
	dev      *fakeDevice
	surfaces []camera.Surface

	mu        sync.Mutex
	captures  []*camera.Request
	repeating *camera.Request
	listener  camera.CaptureListener
	stops     int
	aborts    int
	closed    bool
}

func (s *fakeSession) Capture(req *camera.Request, l camera.CaptureListener) error {
	s.mu.Lock()
	s.captures = append(s.captures, req)
	s.mu.Unlock()

	s.dev.mu.Lock()
	hook := s.dev.onCapture
	s.dev.mu.Unlock()
	if hook != nil {
		hook(s, req, l)
		return nil
	}
	go l.OnCaptureCompleted(camera.Result{RequestID: req.ID})
	return nil
}

func (s *fakeSession) SetRepeatingRequest(req *camera.Request, l camera.CaptureListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repeating, s.listener = req, l
	return nil
}

func (s *fakeSession) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.repeating, s.listener = nil, nil
	return nil
}

func (s *fakeSession) AbortCaptures() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// emit delivers r through the current repeating listener.
func (s *fakeSession) emit(r camera.Result) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnCaptureCompleted(r)
	}
}

func (s *fakeSession) captureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}

func (s *fakeSession) capture(i int) *camera.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures[i]
}

// fakeProvider hands out a surface after delay and records lifecycle calls.
type fakeProvider struct {
	name   string
	format camera.OutputFormat
	class  surface.SizeClass
	modes  []camera.Mode
	delay  time.Duration

	mu       sync.Mutex
	events   []string
	released int
}

func (p *fakeProvider) Name() string                  { return p.name }
func (p *fakeProvider) Format() camera.OutputFormat   { return p.format }
func (p *fakeProvider) SizeClass() surface.SizeClass  { return p.class }
func (p *fakeProvider) SupportedModes() []camera.Mode { return p.modes }

func (p *fakeProvider) AcquireSurface(ctx context.Context, cfg surface.Config) (camera.Surface, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return camera.Surface{}, ctx.Err()
	}
	size, ok := geometry.ChooseLargest(cfg.Sizes, cfg.AspectRatio, geometry.Size{})
	if !ok {
		return camera.Surface{}, errors.New("fake: no size")
	}
	return camera.NewSurface(p.format, size), nil
}

func (p *fakeProvider) OnStart(m camera.Mode) { p.record("start:" + m.String()) }
func (p *fakeProvider) OnStop(m camera.Mode)  { p.record("stop:" + m.String()) }

func (p *fakeProvider) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *fakeProvider) record(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakeProvider) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func previewProvider() *fakeProvider {
	return &fakeProvider{
		name: "preview", format: camera.ClassOutput(camera.ClassPreview),
		class: surface.SizePreview, modes: []camera.Mode{camera.ModePreview},
	}
}

func stillProvider() *fakeProvider {
	return &fakeProvider{
		name: "still", format: camera.ImageOutput(camera.FormatJPEG),
		class: surface.SizeMaximum, modes: []camera.Mode{camera.ModeCapture},
	}
}

func recordProvider() *fakeProvider {
	return &fakeProvider{
		name: "recorder", format: camera.ClassOutput(camera.ClassRecorder),
		class: surface.SizeRecord, modes: []camera.Mode{camera.ModeRecord},
	}
}

func newTestController(t *testing.T, p *fakePlatform, opts Options) *Controller {
	t.Helper()
	if opts.PreviewSettle == 0 {
		opts.PreviewSettle = time.Millisecond
	}
	c := New(p, opts)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

var sixteenNine = geometry.AspectRatio{Num: 16, Den: 9}

func startSession(t *testing.T, c *Controller, providers ...surface.Provider) {
	t.Helper()
	ctx := context.Background()
	if err := c.Open(ctx, camera.LensBack); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.StartSession(ctx, providers, 0, geometry.Size{Width: 2340, Height: 1080}, sixteenNine); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
}

func state(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	s, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
