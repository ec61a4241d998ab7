// Package surfaces provides the in-process surface providers used by the
// CLI: a preview sink, a still sink, a recorder and a frame processor.
// They stand in for rendering, encoding and analysis pipelines and only
// keep track of what they were handed.
package surfaces

import (
	"context"
	"slices"
	"sync"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
	"github.com/cjeanneret/camctl/internal/logic/surface"
)

// Sink is a surface provider that records its surface and lifecycle.
type Sink struct {
	name   string
	output camera.OutputFormat
	class  surface.SizeClass
	modes  []camera.Mode
	bound  geometry.Size

	mu       sync.Mutex
	surface  camera.Surface
	active   map[camera.Mode]bool
	sessions map[camera.Mode]int
	released bool
}

func newSink(name string, format camera.OutputFormat, class surface.SizeClass, bound geometry.Size, modes ...camera.Mode) *Sink {
	return &Sink{
		name:     name,
		output:   format,
		class:    class,
		modes:    modes,
		bound:    bound,
		active:   make(map[camera.Mode]bool),
		sessions: make(map[camera.Mode]int),
	}
}

// NewPreview returns the preview sink. It also receives record frames so
// the display keeps running while recording.
func NewPreview() *Sink {
	return newSink("preview", camera.ClassOutput(camera.ClassPreview), surface.SizePreview,
		surface.PreviewCap, camera.ModePreview, camera.ModeRecord)
}

// NewStill returns the JPEG still sink.
func NewStill() *Sink {
	return newSink("still", camera.ImageOutput(camera.FormatJPEG), surface.SizeMaximum,
		geometry.Size{}, camera.ModeCapture)
}

// NewRecorder returns the video recorder sink.
func NewRecorder() *Sink {
	return newSink("recorder", camera.ClassOutput(camera.ClassRecorder), surface.SizeRecord,
		geometry.Size{}, camera.ModeRecord)
}

// NewProcessor returns a YUV frame processor fed by the preview stream,
// its frames bounded to maxSize on both sides.
func NewProcessor(maxSize geometry.Size) *Sink {
	return newSink("processor", camera.ImageOutput(camera.FormatYUV420), surface.SizeMaximum,
		maxSize, camera.ModePreview)
}

// Disabled wraps a sink so that it opts out of negotiation.
func Disabled(s *Sink) *Sink {
	s.output = camera.OutputNone
	return s
}

func (s *Sink) Name() string                  { return s.name }
func (s *Sink) Format() camera.OutputFormat   { return s.output }
func (s *Sink) SizeClass() surface.SizeClass  { return s.class }
func (s *Sink) SupportedModes() []camera.Mode { return s.modes }

// AcquireSurface picks the largest candidate of the requested aspect ratio
// within the sink's bound. Without such a candidate it falls back to the
// largest size within the bound.
func (s *Sink) AcquireSurface(ctx context.Context, cfg surface.Config) (camera.Surface, error) {
	if err := ctx.Err(); err != nil {
		return camera.Surface{}, err
	}
	size, ok := geometry.ChooseLargest(cfg.Sizes, cfg.AspectRatio, s.bound)
	if !ok {
		size, ok = geometry.ChooseLargest(cfg.Sizes, geometry.AspectRatio{}, s.bound)
	}
	if !ok {
		return camera.Surface{}, &NoSizeError{Sink: s.name, Aspect: cfg.AspectRatio, Bound: s.bound}
	}
	sf := camera.NewSurface(cfg.Format, size)

	s.mu.Lock()
	s.surface = sf
	s.released = false
	s.mu.Unlock()
	debug.Verbose("surfaces: sink acquired", "sink", s.name, "size", size.String(), "rotation", cfg.DisplayRotation)
	return sf, nil
}

func (s *Sink) OnStart(mode camera.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[mode] = true
	debug.Verbose("surfaces: sink started", "sink", s.name, "mode", mode)
}

func (s *Sink) OnStop(mode camera.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[mode] {
		s.sessions[mode]++
	}
	s.active[mode] = false
	debug.Verbose("surfaces: sink stopped", "sink", s.name, "mode", mode)
}

func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surface = camera.Surface{}
	clear(s.active)
	s.released = true
}

// Info is a snapshot of a sink.
type Info struct {
	Name      string         `json:"name"`
	Enabled   bool           `json:"enabled"`
	Size      string         `json:"size,omitempty"`
	Active    []string       `json:"active,omitempty"`
	Completed map[string]int `json:"completed,omitempty"`
	Released  bool           `json:"released"`
}

// Info reports the current surface and activity of the sink.
func (s *Sink) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{Name: s.name, Enabled: !s.output.IsNone(), Released: s.released}
	if s.surface.ID != "" {
		in.Size = s.surface.Size.String()
	}
	for m, on := range s.active {
		if on {
			in.Active = append(in.Active, m.String())
		}
	}
	slices.Sort(in.Active)
	for m, n := range s.sessions {
		if in.Completed == nil {
			in.Completed = make(map[string]int)
		}
		in.Completed[m.String()] = n
	}
	return in
}

// NoSizeError reports that no candidate fits a sink.
type NoSizeError struct {
	Sink   string
	Aspect geometry.AspectRatio
	Bound  geometry.Size
}

func (e *NoSizeError) Error() string {
	return "surfaces: " + e.Sink + ": no size for aspect " + e.Aspect.String() + " within " + e.Bound.String()
}
