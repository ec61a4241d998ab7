package camera

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Key names a capture request parameter or a capture result field.
type Key string

// Request parameters.
const (
	KeyControlMode         Key = "control.mode"
	KeyAFMode              Key = "control.af_mode"
	KeyAEMode              Key = "control.ae_mode"
	KeyAWBMode             Key = "control.awb_mode"
	KeyAEAntibanding       Key = "control.ae_antibanding_mode"
	KeyAFTrigger           Key = "control.af_trigger"
	KeyAEPrecaptureTrigger Key = "control.ae_precapture_trigger"
	KeyAELock              Key = "control.ae_lock"
	KeyAWBLock             Key = "control.awb_lock"
	KeyFlashMode           Key = "flash.mode"
	KeyScalerCrop          Key = "scaler.crop_region"
)

// Result fields.
const (
	KeyAFState  Key = "control.af_state"
	KeyAEState  Key = "control.ae_state"
	KeyAWBState Key = "control.awb_state"
)

type ControlMode int

const (
	ControlModeOff ControlMode = iota
	ControlModeAuto
)

type AFMode int

const (
	AFModeOff AFMode = iota
	AFModeAuto
	AFModeContinuousVideo
	AFModeContinuousPicture
)

type AEMode int

const (
	AEModeOff AEMode = iota
	AEModeOn
	AEModeOnAutoFlash
	AEModeOnAlwaysFlash
)

type AWBMode int

const (
	AWBModeOff AWBMode = iota
	AWBModeAuto
)

type Antibanding int

const (
	AntibandingOff Antibanding = iota
	AntibandingAuto
)

type FlashMode int

const (
	FlashModeOff FlashMode = iota
	FlashModeSingle
	FlashModeTorch
)

// Trigger drives the AF trigger and AE precapture trigger keys.
type Trigger int

const (
	TriggerIdle Trigger = iota
	TriggerStart
	TriggerCancel
)

type AFState int

const (
	AFStateInactive AFState = iota
	AFStatePassiveScan
	AFStatePassiveFocused
	AFStateActiveScan
	AFStateFocusedLocked
	AFStateNotFocusedLocked
	AFStatePassiveUnfocused
)

type AEState int

const (
	AEStateInactive AEState = iota
	AEStateSearching
	AEStateConverged
	AEStateLocked
	AEStateFlashRequired
	AEStatePrecapture
)

type AWBState int

const (
	AWBStateInactive AWBState = iota
	AWBStateSearching
	AWBStateConverged
	AWBStateLocked
)

// Request is a capture request under construction or submitted.
type Request struct {
	ID       string
	Template Template
	Targets  []Surface
	params   map[Key]any
}

// NewRequest returns an empty request for template t.
func NewRequest(t Template) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Template: t,
		params:   make(map[Key]any),
	}
}

// Set stores a parameter, replacing any earlier value.
func (r *Request) Set(k Key, v any) { r.params[k] = v }

// Get returns a parameter value.
func (r *Request) Get(k Key) (any, bool) {
	v, ok := r.params[k]
	return v, ok
}

// Keys returns the parameter keys in sorted order.
func (r *Request) Keys() []Key {
	return slices.Sorted(maps.Keys(r.params))
}

// AddTarget appends a destination surface.
func (r *Request) AddTarget(s Surface) { r.Targets = append(r.Targets, s) }

// Result is the metadata a platform reports for one completed frame.
type Result struct {
	RequestID   string
	FrameNumber int64
	Timestamp   time.Time
	Metadata    map[Key]any
}

// Get returns a metadata value.
func (r Result) Get(k Key) (any, bool) {
	v, ok := r.Metadata[k]
	return v, ok
}
