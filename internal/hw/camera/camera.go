package camera

import (
	"context"
	"fmt"
	"strings"

	"github.com/cjeanneret/camctl/internal/logic/geometry"
	"github.com/google/uuid"
)

// Lens identifies which physical camera to open.
type Lens int

const (
	LensBack Lens = iota
	LensFront
	LensExternal
)

func (l Lens) String() string {
	switch l {
	case LensBack:
		return "back"
	case LensFront:
		return "front"
	case LensExternal:
		return "external"
	default:
		return fmt.Sprintf("lens(%d)", int(l))
	}
}

// ParseLens converts "back", "front" or "external" to a Lens.
func ParseLens(s string) (Lens, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "":
		return LensBack, nil
	case "front":
		return LensFront, nil
	case "external":
		return LensExternal, nil
	default:
		return 0, fmt.Errorf("unknown lens %q", s)
	}
}

// Mode is an operating mode; it determines which surfaces a request targets.
type Mode int

const (
	ModePreview Mode = iota
	ModeCapture
	ModeRecord
)

// Modes lists every operating mode in declaration order.
var Modes = []Mode{ModePreview, ModeCapture, ModeRecord}

func (m Mode) String() string {
	switch m {
	case ModePreview:
		return "preview"
	case ModeCapture:
		return "capture"
	case ModeRecord:
		return "record"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Template is the base a platform uses to pre-populate a capture request.
type Template int

const (
	TemplatePreview Template = iota + 1
	TemplateStillCapture
	TemplateRecord
)

// TemplateFor returns the base template used for mode.
func TemplateFor(m Mode) Template {
	switch m {
	case ModeCapture:
		return TemplateStillCapture
	case ModeRecord:
		return TemplateRecord
	default:
		return TemplatePreview
	}
}

func (t Template) String() string {
	switch t {
	case TemplatePreview:
		return "preview"
	case TemplateStillCapture:
		return "still_capture"
	case TemplateRecord:
		return "record"
	default:
		return fmt.Sprintf("template(%d)", int(t))
	}
}

// ImageFormat is a dedicated pixel format a surface can be created with.
type ImageFormat int

const (
	FormatUnknown ImageFormat = iota
	FormatJPEG
	FormatYUV420
	FormatRAW16
)

func (f ImageFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatYUV420:
		return "yuv420"
	case FormatRAW16:
		return "raw16"
	default:
		return "unknown"
	}
}

// Opaque surface classes, queried by class rather than by image format.
const (
	ClassPreview  = "preview"
	ClassRecorder = "recorder"
)

// OutputFormat declares how hardware resolutions are queried for a surface:
// by dedicated image format, or by opaque surface class. The zero value
// means "no output".
type OutputFormat struct {
	Image ImageFormat
	Class string
}

// OutputNone opts a provider out of a session.
var OutputNone = OutputFormat{}

// ImageOutput returns a format-based output declaration.
func ImageOutput(f ImageFormat) OutputFormat { return OutputFormat{Image: f} }

// ClassOutput returns a class-based output declaration.
func ClassOutput(class string) OutputFormat { return OutputFormat{Class: class} }

// IsNone reports whether the declaration opts out of output.
func (o OutputFormat) IsNone() bool { return o.Image == FormatUnknown && o.Class == "" }

func (o OutputFormat) String() string {
	switch {
	case o.IsNone():
		return "none"
	case o.Class != "":
		return "class:" + o.Class
	default:
		return o.Image.String()
	}
}

// Surface is a hardware-writable destination for pixel data.
type Surface struct {
	ID     string
	Format OutputFormat
	Size   geometry.Size
}

// NewSurface allocates a surface with a fresh identity.
func NewSurface(format OutputFormat, size geometry.Size) Surface {
	return Surface{ID: uuid.NewString(), Format: format, Size: size}
}

// Characteristics describes a physical camera's static capabilities.
type Characteristics struct {
	ID                string
	Lens              Lens
	SensorOrientation int // degrees, hardware rotation of the sensor
	ActiveArray       geometry.Rect
	FormatSizes       map[ImageFormat][]geometry.Size
	ClassSizes        map[string][]geometry.Size
	// RecordProfile is the largest size of the high-quality recording profile.
	RecordProfile  geometry.Size
	AFModes        []AFMode
	AEModes        []AEMode
	AWBModes       []AWBMode
	FlashAvailable bool
}

// OutputSizes returns the hardware resolutions available for an output
// declaration.
func (c Characteristics) OutputSizes(o OutputFormat) []geometry.Size {
	if o.Class != "" {
		return c.ClassSizes[o.Class]
	}
	return c.FormatSizes[o.Image]
}

// SupportsAF reports whether any auto-focus mode other than off exists.
func (c Characteristics) SupportsAF() bool {
	for _, m := range c.AFModes {
		if m != AFModeOff {
			return true
		}
	}
	return false
}

// SupportsAE reports whether auto-exposure can be enabled.
func (c Characteristics) SupportsAE() bool {
	for _, m := range c.AEModes {
		if m != AEModeOff {
			return true
		}
	}
	return false
}

// SupportsAWB reports whether auto white balance can be enabled.
func (c Characteristics) SupportsAWB() bool {
	for _, m := range c.AWBModes {
		if m != AWBModeOff {
			return true
		}
	}
	return false
}

// Platform is the camera service the controller talks to.
type Platform interface {
	// HasPermission reports whether the process may use cameras at all.
	HasPermission() bool
	Characteristics(lens Lens) (Characteristics, error)
	// OpenDevice requests the camera for lens. The outcome is reported
	// asynchronously through cb, on a goroutine the caller does not own.
	OpenDevice(lens Lens, cb DeviceCallback) error
}

// DeviceCallback receives device state notifications.
type DeviceCallback interface {
	OnOpened(d Device)
	OnDisconnected(d Device)
	OnError(d Device, code ErrorCode)
	OnClosed(d Device)
}

// Device is an open camera.
type Device interface {
	ID() string
	CreateCaptureRequest(t Template) (*Request, error)
	CreateCaptureSession(ctx context.Context, surfaces []Surface) (CaptureSession, error)
	Close() error
}

// Failure describes a capture the platform could not complete.
type Failure struct {
	RequestID   string
	FrameNumber int64
	Reason      string
}

// CaptureListener receives per-capture outcomes.
type CaptureListener interface {
	OnCaptureCompleted(r Result)
	OnCaptureFailed(f Failure)
}

// ListenerFuncs adapts plain functions to CaptureListener. Nil fields are
// ignored.
type ListenerFuncs struct {
	Completed func(Result)
	Failed    func(Failure)
}

func (l ListenerFuncs) OnCaptureCompleted(r Result) {
	if l.Completed != nil {
		l.Completed(r)
	}
}

func (l ListenerFuncs) OnCaptureFailed(f Failure) {
	if l.Failed != nil {
		l.Failed(f)
	}
}

// CaptureSession binds a device to a fixed set of surfaces.
type CaptureSession interface {
	Capture(req *Request, l CaptureListener) error
	SetRepeatingRequest(req *Request, l CaptureListener) error
	StopRepeating() error
	AbortCaptures() error
	Close() error
}
