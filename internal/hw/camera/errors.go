package camera

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned before any hardware call when the process
// lacks camera permission.
var ErrPermissionDenied = errors.New("camera: permission denied")

// ErrorCode is a platform-reported device error code.
type ErrorCode int

const (
	ErrorCameraInUse      ErrorCode = 1
	ErrorMaxCamerasInUse  ErrorCode = 2
	ErrorCameraDisabled   ErrorCode = 3
	ErrorCameraDevice     ErrorCode = 4
	ErrorCameraService    ErrorCode = 5
	ErrorPermissionNeeded ErrorCode = 6
)

// FaultKind classifies a device fault.
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	FaultInUse
	FaultMaxInUse
	FaultDisabled
	FaultDevice
	FaultService
	FaultDisconnected
	FaultPermission
)

func (k FaultKind) String() string {
	switch k {
	case FaultInUse:
		return "device in use"
	case FaultMaxInUse:
		return "too many cameras in use"
	case FaultDisabled:
		return "disabled by policy"
	case FaultDevice:
		return "unrecoverable hardware error"
	case FaultService:
		return "camera service error"
	case FaultDisconnected:
		return "device disconnected"
	case FaultPermission:
		return "permission required"
	default:
		return "unknown"
	}
}

// Fault is a device-level error reported by the platform.
type Fault struct {
	Kind     FaultKind
	Code     ErrorCode
	DeviceID string
}

func (f *Fault) Error() string {
	if f.Code != 0 {
		return fmt.Sprintf("camera %s: %s (code %d)", f.DeviceID, f.Kind, f.Code)
	}
	return fmt.Sprintf("camera %s: %s", f.DeviceID, f.Kind)
}

// Is lets errors.Is(fault, ErrPermissionDenied) match permission faults.
func (f *Fault) Is(target error) bool {
	return target == ErrPermissionDenied && f.Kind == FaultPermission
}

// FaultFromCode maps a platform error code to a fault.
func FaultFromCode(deviceID string, code ErrorCode) *Fault {
	kind := FaultUnknown
	switch code {
	case ErrorCameraInUse:
		kind = FaultInUse
	case ErrorMaxCamerasInUse:
		kind = FaultMaxInUse
	case ErrorCameraDisabled:
		kind = FaultDisabled
	case ErrorCameraDevice:
		kind = FaultDevice
	case ErrorCameraService:
		kind = FaultService
	case ErrorPermissionNeeded:
		kind = FaultPermission
	}
	return &Fault{Kind: kind, Code: code, DeviceID: deviceID}
}

// DisconnectedFault reports a device that went away.
func DisconnectedFault(deviceID string) *Fault {
	return &Fault{Kind: FaultDisconnected, DeviceID: deviceID}
}
