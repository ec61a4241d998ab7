package request

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cjeanneret/camctl/internal/hw/camera"
	"github.com/cjeanneret/camctl/internal/logic/geometry"
)

// Zoom crops the sensor's active array around its center.
type Zoom struct {
	ActiveArray geometry.Rect
	Factor      float64
}

func (z Zoom) Apply(_ camera.Mode, r *camera.Request) {
	r.Set(camera.KeyScalerCrop, geometry.ZoomCrop(z.ActiveArray, z.Factor))
}

// FlashSetting is the user-facing flash choice.
type FlashSetting int32

const (
	FlashOff FlashSetting = iota
	FlashOn
	FlashTorch
	FlashAuto
)

// ParseFlash converts "off", "on", "torch" or "auto".
func ParseFlash(s string) (FlashSetting, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return FlashOff, nil
	case "on":
		return FlashOn, nil
	case "torch":
		return FlashTorch, nil
	case "auto":
		return FlashAuto, nil
	default:
		return FlashOff, fmt.Errorf("unknown flash setting %q", s)
	}
}

func (f FlashSetting) String() string {
	switch f {
	case FlashOn:
		return "on"
	case FlashTorch:
		return "torch"
	case FlashAuto:
		return "auto"
	default:
		return "off"
	}
}

// Flash sets torch-on or flash-off from the current setting. It is not
// applied to still-capture requests. The setting may change at any time
// from another goroutine.
type Flash struct {
	setting atomic.Int32
}

// NewFlash returns a flash preference with an initial setting.
func NewFlash(s FlashSetting) *Flash {
	f := &Flash{}
	f.Set(s)
	return f
}

// Set changes the current setting.
func (f *Flash) Set(s FlashSetting) { f.setting.Store(int32(s)) }

// Setting returns the current setting.
func (f *Flash) Setting() FlashSetting { return FlashSetting(f.setting.Load()) }

func (f *Flash) Apply(mode camera.Mode, r *camera.Request) {
	if mode == camera.ModeCapture {
		return
	}
	if f.Setting() == FlashTorch {
		r.Set(camera.KeyFlashMode, camera.FlashModeTorch)
		return
	}
	r.Set(camera.KeyFlashMode, camera.FlashModeOff)
}

// Default3A sets the 3A knobs explicitly, restricted to what the hardware
// supports. Used when a deployment wants something other than the
// standard continuous/auto parameters.
type Default3A struct {
	AF  camera.AFMode
	AE  camera.AEMode
	AWB camera.AWBMode
	// Modes lists the operating modes the knobs apply to; empty means all.
	Modes []camera.Mode
}

func (d Default3A) Apply(mode camera.Mode, r *camera.Request) {
	if len(d.Modes) > 0 && !containsMode(d.Modes, mode) {
		return
	}
	r.Set(camera.KeyAFMode, d.AF)
	r.Set(camera.KeyAEMode, d.AE)
	r.Set(camera.KeyAWBMode, d.AWB)
}

// ParseAFMode converts "off", "auto", "continuous-video" or
// "continuous-picture".
func ParseAFMode(s string) (camera.AFMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return camera.AFModeOff, nil
	case "auto":
		return camera.AFModeAuto, nil
	case "continuous-video":
		return camera.AFModeContinuousVideo, nil
	case "continuous-picture":
		return camera.AFModeContinuousPicture, nil
	default:
		return camera.AFModeOff, fmt.Errorf("unknown af mode %q", s)
	}
}

// ParseAEMode converts "off", "on", "auto-flash" or "always-flash".
func ParseAEMode(s string) (camera.AEMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return camera.AEModeOff, nil
	case "on":
		return camera.AEModeOn, nil
	case "auto-flash":
		return camera.AEModeOnAutoFlash, nil
	case "always-flash":
		return camera.AEModeOnAlwaysFlash, nil
	default:
		return camera.AEModeOff, fmt.Errorf("unknown ae mode %q", s)
	}
}

// ParseAWBMode converts "off" or "auto".
func ParseAWBMode(s string) (camera.AWBMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return camera.AWBModeOff, nil
	case "auto":
		return camera.AWBModeAuto, nil
	default:
		return camera.AWBModeOff, fmt.Errorf("unknown awb mode %q", s)
	}
}

func containsMode(modes []camera.Mode, m camera.Mode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}

// Supported3A disables the 3A algorithms the hardware lacks, so requests
// never ask for a mode that is not available.
type Supported3A struct {
	Chars camera.Characteristics
}

func (s Supported3A) Apply(_ camera.Mode, r *camera.Request) {
	if !s.Chars.SupportsAF() {
		r.Set(camera.KeyAFMode, camera.AFModeOff)
	}
	if !s.Chars.SupportsAE() {
		r.Set(camera.KeyAEMode, camera.AEModeOff)
	}
	if !s.Chars.SupportsAWB() {
		r.Set(camera.KeyAWBMode, camera.AWBModeOff)
	}
}
