package dosing

import (
	"errors"
	"fmt"
)

// ErrInvalidRecommendation marks a recommendation that violates enactment
// preconditions. Nothing is sent to the device.
var ErrInvalidRecommendation = errors.New("dosing: invalid recommendation")

// ErrNoDevice is returned when Enact is called without a device.
var ErrNoDevice = errors.New("dosing: device not configured")

// Device failure sentinels, matched with errors.Is against a *DeviceError.
var (
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrDeviceRejected    = errors.New("device rejected request")
	ErrDeviceBusy        = errors.New("device busy")
	ErrDeviceTimeout     = errors.New("device timed out")
)

// FailureKind classifies device failures.
type FailureKind string

const (
	FailureUnreachable FailureKind = "unreachable"
	FailureRejected    FailureKind = "rejected"
	FailureBusy        FailureKind = "busy"
	FailureTimeout     FailureKind = "timeout"
)

// DeviceError is a failure reported by a delivery device.
type DeviceError struct {
	Kind   FailureKind
	Detail string
}

// NewDeviceError constructs a DeviceError.
func NewDeviceError(kind FailureKind, format string, args ...any) *DeviceError {
	return &DeviceError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *DeviceError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("device %s", e.Kind)
	}
	return fmt.Sprintf("device %s: %s", e.Kind, e.Detail)
}

// Is matches the failure sentinels.
func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrDeviceUnreachable:
		return e.Kind == FailureUnreachable
	case ErrDeviceRejected:
		return e.Kind == FailureRejected
	case ErrDeviceBusy:
		return e.Kind == FailureBusy
	case ErrDeviceTimeout:
		return e.Kind == FailureTimeout
	}
	return false
}

// KindOf extracts the failure kind of err, or "" if err is not a device error.
func KindOf(err error) FailureKind {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
