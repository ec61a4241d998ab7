package camera

import (
	"context"
	"testing"
	"time"

	"github.com/cjeanneret/camctl/internal/hw/gpio"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
)

// recordingCallback collects device notifications on channels.
type recordingCallback struct {
	opened chan Device
	errors chan ErrorCode
	failed chan Device
	closed chan Device
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{
		opened: make(chan Device, 4),
		errors: make(chan ErrorCode, 4),
		failed: make(chan Device, 4),
		closed: make(chan Device, 4),
	}
}

func (c *recordingCallback) OnOpened(d Device)                { c.opened <- d }
func (c *recordingCallback) OnDisconnected(d Device)          { c.errors <- -1 }
func (c *recordingCallback) OnError(d Device, code ErrorCode) { c.failed <- d; c.errors <- code }
func (c *recordingCallback) OnClosed(d Device)                { c.closed <- d }

func newTestSimulator(torch gpio.Driver) *Simulator {
	return NewSimulator(SimulatorConfig{
		Sensors: []Characteristics{
			SimulatedSensor("0", LensBack, geometry.Size{Width: 4032, Height: 3024}, geometry.Size{Width: 3840, Height: 2160}),
		},
		FrameInterval:  time.Millisecond,
		ConvergeFrames: 2,
		Torch:          torch,
		TorchPin:       18,
	})
}

func openDevice(t *testing.T, sim *Simulator) (Device, *recordingCallback) {
	t.Helper()
	cb := newRecordingCallback()
	if err := sim.OpenDevice(LensBack, cb); err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	select {
	case d := <-cb.opened:
		return d, cb
	case code := <-cb.errors:
		t.Fatalf("open failed with code %d", code)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for open")
	}
	return nil, nil
}

func TestSimulator_OpenIsExclusive(t *testing.T) {
	sim := newTestSimulator(nil)
	dev, _ := openDevice(t, sim)
	defer dev.Close()

	cb := newRecordingCallback()
	if err := sim.OpenDevice(LensBack, cb); err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	select {
	case code := <-cb.errors:
		if code != ErrorCameraInUse {
			t.Errorf("code = %d, want ErrorCameraInUse", code)
		}
	case <-time.After(time.Second):
		t.Fatal("expected in-use error")
	}
}

func TestSimulator_UnknownLens(t *testing.T) {
	sim := newTestSimulator(nil)
	if err := sim.OpenDevice(LensFront, newRecordingCallback()); err == nil {
		t.Error("expected error for missing lens")
	}
}

func TestSimulator_FailNextOpen(t *testing.T) {
	sim := newTestSimulator(nil)
	sim.FailNextOpen(LensBack, ErrorCameraDisabled)
	cb := newRecordingCallback()
	_ = sim.OpenDevice(LensBack, cb)
	select {
	case code := <-cb.errors:
		if code != ErrorCameraDisabled {
			t.Errorf("code = %d, want ErrorCameraDisabled", code)
		}
	case <-time.After(time.Second):
		t.Fatal("expected error callback")
	}
	// The failure is one-shot.
	dev, _ := openDevice(t, sim)
	_ = dev.Close()
}

func TestSimulator_RejectsUnsupportedSurface(t *testing.T) {
	sim := newTestSimulator(nil)
	dev, _ := openDevice(t, sim)
	defer dev.Close()

	bad := NewSurface(ImageOutput(FormatJPEG), geometry.Size{Width: 123, Height: 45})
	if _, err := dev.CreateCaptureSession(context.Background(), []Surface{bad}); err == nil {
		t.Error("expected error for unsupported size")
	}
}

func TestSimulator_RepeatingConvergesAndTorch(t *testing.T) {
	torch := &gpio.MockDriver{}
	sim := newTestSimulator(torch)
	dev, _ := openDevice(t, sim)
	defer dev.Close()

	sf := NewSurface(ClassOutput(ClassPreview), geometry.Size{Width: 1920, Height: 1080})
	sess, err := dev.CreateCaptureSession(context.Background(), []Surface{sf})
	if err != nil {
		t.Fatalf("CreateCaptureSession: %v", err)
	}
	req, _ := dev.CreateCaptureRequest(TemplatePreview)
	req.AddTarget(sf)
	req.Set(KeyAFMode, AFModeContinuousPicture)
	req.Set(KeyAEMode, AEModeOn)
	req.Set(KeyAWBMode, AWBModeAuto)
	req.Set(KeyFlashMode, FlashModeTorch)

	results := make(chan Result, 64)
	listener := ListenerFuncs{Completed: func(r Result) {
		select {
		case results <- r:
		default:
		}
	}}
	if err := sess.SetRepeatingRequest(req, listener); err != nil {
		t.Fatalf("SetRepeatingRequest: %v", err)
	}
	if lvl, _ := torch.ReadPin(18); lvl != gpio.High {
		t.Error("torch should be on for a torch request")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case r := <-results:
			if r.Metadata[KeyAFState] == AFStatePassiveFocused &&
				r.Metadata[KeyAEState] == AEStateConverged &&
				r.Metadata[KeyAWBState] == AWBStateConverged {
				if err := sess.StopRepeating(); err != nil {
					t.Fatalf("StopRepeating: %v", err)
				}
				if err := dev.Close(); err != nil {
					t.Fatalf("Close: %v", err)
				}
				if lvl, _ := torch.ReadPin(18); lvl != gpio.Low {
					t.Error("torch should be off after close")
				}
				return
			}
		case <-deadline:
			t.Fatal("3A never converged")
		}
	}
}

func TestSimulator_RefusedDeviceLeavesTorchAlone(t *testing.T) {
	torch := &gpio.MockDriver{}
	sim := newTestSimulator(torch)
	dev, _ := openDevice(t, sim)
	defer dev.Close()

	sf := NewSurface(ClassOutput(ClassPreview), geometry.Size{Width: 1920, Height: 1080})
	sess, err := dev.CreateCaptureSession(context.Background(), []Surface{sf})
	if err != nil {
		t.Fatalf("CreateCaptureSession: %v", err)
	}
	req, _ := dev.CreateCaptureRequest(TemplatePreview)
	req.AddTarget(sf)
	req.Set(KeyFlashMode, FlashModeTorch)
	if err := sess.SetRepeatingRequest(req, ListenerFuncs{}); err != nil {
		t.Fatalf("SetRepeatingRequest: %v", err)
	}

	cb := newRecordingCallback()
	if err := sim.OpenDevice(LensBack, cb); err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	var refused Device
	select {
	case refused = <-cb.failed:
	case <-time.After(time.Second):
		t.Fatal("expected in-use error")
	}
	if err := refused.Close(); err != nil {
		t.Fatalf("Close refused device: %v", err)
	}
	if lvl, _ := torch.ReadPin(18); lvl != gpio.High {
		t.Error("closing the refused device switched the torch off")
	}
	if sim.device(LensBack) != dev {
		t.Error("refused device close released the owner's lens")
	}
}

func TestSimulator_CaptureCompletes(t *testing.T) {
	sim := newTestSimulator(nil)
	dev, _ := openDevice(t, sim)
	defer dev.Close()

	sf := NewSurface(ImageOutput(FormatJPEG), geometry.Size{Width: 4032, Height: 3024})
	sess, err := dev.CreateCaptureSession(context.Background(), []Surface{sf})
	if err != nil {
		t.Fatalf("CreateCaptureSession: %v", err)
	}
	req, _ := dev.CreateCaptureRequest(TemplateStillCapture)
	req.AddTarget(sf)

	done := make(chan Result, 1)
	if err := sess.Capture(req, ListenerFuncs{Completed: func(r Result) { done <- r }}); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	select {
	case r := <-done:
		if r.RequestID != req.ID {
			t.Errorf("RequestID = %q, want %q", r.RequestID, req.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("capture never completed")
	}
}
