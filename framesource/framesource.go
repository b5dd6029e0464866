// Package framesource turns a camera feed into decoded QR payload events.
//
// A Source owns exactly one video capture device for its lifetime and emits
// Decode events on a channel at a best-effort cadence. The design follows
// one rule throughout: drop frames, never queue. A check-in lane wants the
// ticket in front of the lens right now, not a backlog of stale frames.
//
// Two implementations ship:
//
//   - CameraSource: GStreamer capture from a local video device with a QR
//     decode loop.
//   - ReplaySource: scripted payloads for demos and tests, no hardware.
//
// Lifecycle: New*() → Start(ctx) → consume channel → Stop(). Stop releases
// the device synchronously before returning, so an immediate Start() on a
// new source is guaranteed not to hit a hardware-busy race. A fatal device
// failure after startup closes the decode channel; Err() reports why.
package framesource

import (
	"context"
	"errors"
	"fmt"
)

// Source is the contract for decoded-payload acquisition.
//
// Implementations must guarantee:
//   - Start() may be called once per running instance; a second concurrent
//     Start fails with a CameraError of kind AlreadyRunning rather than
//     opening a second device handle.
//   - The returned channel closes only on Stop() or a fatal device error.
//   - Stop() is idempotent and always safe, including before Start.
//   - Stats() and Err() are safe from any goroutine.
type Source interface {
	// Start acquires the device and begins emitting decodes.
	Start(ctx context.Context) (<-chan Decode, error)

	// Stop releases the device synchronously and stops emission.
	Stop() error

	// Err returns the fatal error that terminated emission, or nil.
	Err() error

	// Stats returns an operational snapshot.
	Stats() SourceStats
}

// CameraErrorKind discriminates camera failure modes. Camera errors are
// fatal to a scan session: recovery requires an explicit restart.
type CameraErrorKind int

const (
	// NoDevice: no usable video capture device was found.
	NoDevice CameraErrorKind = iota
	// PermissionDenied: access to the device was refused.
	PermissionDenied
	// AlreadyRunning: a source already holds a device handle.
	AlreadyRunning
	// HardwareBusy: another process holds the device.
	HardwareBusy
	// DeviceFailure: anything else (unplugged mid-run, driver fault).
	DeviceFailure
)

// String returns a stable name for the kind.
func (k CameraErrorKind) String() string {
	switch k {
	case NoDevice:
		return "no_device"
	case PermissionDenied:
		return "permission_denied"
	case AlreadyRunning:
		return "already_running"
	case HardwareBusy:
		return "hardware_busy"
	default:
		return "device_failure"
	}
}

// CameraError is a typed camera failure. The UI layer keys remediation hints
// off Kind ("enable camera permissions", "close the other scanner app").
type CameraError struct {
	Kind CameraErrorKind
	Op   string // what the source was doing, e.g. "start", "discover"
	Err  error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *CameraError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framesource: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("framesource: %s: %s", e.Op, e.Kind)
}

// Unwrap exposes the underlying cause to errors.Is/As chains.
func (e *CameraError) Unwrap() error { return e.Err }

// AsCameraError extracts a CameraError from an error chain.
func AsCameraError(err error) (*CameraError, bool) {
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsKind reports whether err is a CameraError of the given kind.
func IsKind(err error, kind CameraErrorKind) bool {
	ce, ok := AsCameraError(err)
	return ok && ce.Kind == kind
}
