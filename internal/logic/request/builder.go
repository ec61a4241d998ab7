// Package request composes capture requests from a platform template, the
// surfaces registered for an operating mode, and an ordered list of
// preference modules.
package request

import (
	"fmt"

	"github.com/cjeanneret/camctl/internal/debug"
	"github.com/cjeanneret/camctl/internal/hw/camera"
)

// Preference sets capture parameters for a mode. Preferences run in
// registration order, so a later one overwrites fields set earlier.
type Preference interface {
	Apply(mode camera.Mode, r *camera.Request)
}

// PreferenceFunc adapts a function to Preference.
type PreferenceFunc func(mode camera.Mode, r *camera.Request)

func (f PreferenceFunc) Apply(mode camera.Mode, r *camera.Request) { f(mode, r) }

// TemplateSource creates requests from a base template; camera.Device
// satisfies it.
type TemplateSource interface {
	CreateCaptureRequest(t camera.Template) (*camera.Request, error)
}

// Builder builds capture requests. The preference list is fixed at
// construction; there is no implicit global default list.
type Builder struct {
	prefs []Preference
}

// NewBuilder returns a builder applying prefs in the given order.
func NewBuilder(prefs ...Preference) *Builder {
	return &Builder{prefs: prefs}
}

// Build creates a request for mode targeting surfaces. Standard 3A
// parameters are applied to preview and record requests before any
// preference runs.
func (b *Builder) Build(src TemplateSource, mode camera.Mode, surfaces []camera.Surface) (*camera.Request, error) {
	if len(surfaces) == 0 {
		return nil, fmt.Errorf("request: no %s surfaces", mode)
	}
	req, err := src.CreateCaptureRequest(camera.TemplateFor(mode))
	if err != nil {
		return nil, fmt.Errorf("request: create %s template: %w", mode, err)
	}
	for _, s := range surfaces {
		req.AddTarget(s)
	}
	if mode == camera.ModePreview || mode == camera.ModeRecord {
		applyStandard(mode, req)
	}
	for _, p := range b.prefs {
		p.Apply(mode, req)
	}
	if debug.IsEnabled(debug.LevelVerbose) {
		for _, k := range req.Keys() {
			v, _ := req.Get(k)
			debug.Verbose("request: parameter", "id", req.ID, "mode", mode.String(), "key", string(k), "value", v)
		}
	}
	return req, nil
}

func applyStandard(mode camera.Mode, r *camera.Request) {
	r.Set(camera.KeyControlMode, camera.ControlModeAuto)
	r.Set(camera.KeyAWBMode, camera.AWBModeAuto)
	r.Set(camera.KeyAEMode, camera.AEModeOn)
	r.Set(camera.KeyAEAntibanding, camera.AntibandingAuto)
	if mode == camera.ModeRecord {
		r.Set(camera.KeyAFMode, camera.AFModeContinuousVideo)
	} else {
		r.Set(camera.KeyAFMode, camera.AFModeContinuousPicture)
	}
}
