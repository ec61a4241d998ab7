// Package surface negotiates output surfaces with independently developed
// consumers (preview sinks, still encoders, recorders, frame processors)
// against constraints only the session controller knows: the hardware
// resolutions, device rotation and recording limits.
package surface

import (
	"context"
	"fmt"

	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
)

// SizeClass selects how candidate resolutions are bounded for a provider.
type SizeClass int

const (
	// SizeMaximum passes the hardware resolutions unfiltered.
	SizeMaximum SizeClass = iota
	// SizeRecord bounds resolutions by the high-quality recording profile.
	SizeRecord
	// SizePreview bounds resolutions by the display and PreviewCap.
	SizePreview
)

func (c SizeClass) String() string {
	switch c {
	case SizeRecord:
		return "record"
	case SizePreview:
		return "preview"
	default:
		return "maximum"
	}
}

// PreviewCap is the absolute bound applied to preview-class providers.
var PreviewCap = geometry.Size{Width: 1920, Height: 1080}

// Provider contributes one surface to a capture session.
//
// AcquireSurface must honor ctx: the controller abandons a negotiation
// once its timeout expires.
type Provider interface {
	Format() camera.OutputFormat
	SizeClass() SizeClass
	SupportedModes() []camera.Mode
	AcquireSurface(ctx context.Context, cfg Config) (camera.Surface, error)
}

// Lifecycle is implemented by providers that want start/stop notifications
// for the modes they support.
type Lifecycle interface {
	OnStart(mode camera.Mode)
	OnStop(mode camera.Mode)
}

// Releaser is implemented by providers holding resources until the session
// ends.
type Releaser interface {
	Release()
}

// Config is what a provider receives to choose its surface. It is
// read-only to the provider.
type Config struct {
	Sizes             []geometry.Size
	AspectRatio       geometry.AspectRatio
	DisplayRotation   int
	SensorOrientation int
	Lens              camera.Lens
	Format            camera.OutputFormat
}

// Constraints are the session-wide inputs used to derive each provider's
// Config.
type Constraints struct {
	Chars           camera.Characteristics
	DisplayRotation int
	DisplaySize     geometry.Size
	AspectRatio     geometry.AspectRatio
}

// ConfigFor builds the negotiation config for p, filtering the hardware
// resolutions for p's format by its size class.
func ConfigFor(p Provider, c Constraints) Config {
	sizes := c.Chars.OutputSizes(p.Format())
	switch p.SizeClass() {
	case SizeRecord:
		sizes = geometry.Filter(sizes, geometry.AspectRatio{}, c.Chars.RecordProfile)
	case SizePreview:
		sizes = geometry.Filter(sizes, geometry.AspectRatio{}, previewBound(c.DisplaySize))
	}
	return Config{
		Sizes:             sizes,
		AspectRatio:       c.AspectRatio,
		DisplayRotation:   c.DisplayRotation,
		SensorOrientation: c.Chars.SensorOrientation,
		Lens:              c.Chars.Lens,
		Format:            p.Format(),
	}
}

func previewBound(display geometry.Size) geometry.Size {
	if display.IsZero() {
		return PreviewCap
	}
	return geometry.Size{
		Width:  min(display.Long(), PreviewCap.Long()),
		Height: min(display.Short(), PreviewCap.Short()),
	}
}

func name(p Provider) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
