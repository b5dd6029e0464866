package framesource

import (
	"fmt"
	"time"
)

// Decode is one successful QR detection emitted by a source.
//
// The payload is the exact decoded text; token normalization happens
// downstream. Decodes are ephemeral: consumed immediately, never persisted.
type Decode struct {
	// Payload is the exact decoded QR text.
	Payload string
	// At is when the payload was decoded.
	At time.Time
	// Seq is the capture sequence number of the originating frame.
	Seq uint64
	// TraceID correlates the decode with log lines across the pipeline.
	TraceID string
}

// Facing expresses a camera orientation preference.
type Facing int

const (
	// FacingEnvironment prefers a rear/world-facing camera (the default for
	// a check-in lane: staff point the device at the attendee's ticket).
	FacingEnvironment Facing = iota
	// FacingUser prefers a front/user-facing camera (self-serve kiosks).
	FacingUser
)

// String returns the configuration name of the facing.
func (f Facing) String() string {
	if f == FacingUser {
		return "user"
	}
	return "environment"
}

// ParseFacing maps a configuration string to a Facing.
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "", "environment":
		return FacingEnvironment, nil
	case "user":
		return FacingUser, nil
	default:
		return FacingEnvironment, fmt.Errorf("framesource: invalid facing %q (environment or user)", s)
	}
}

// SourceStats is an operational snapshot of a source.
type SourceStats struct {
	// FramesCaptured is the total frames pulled from the device.
	FramesCaptured uint64
	// FramesDropped counts frames discarded because the decode loop or the
	// consumer was behind. Dropping is by policy: latency over completeness.
	FramesDropped uint64
	// DecodeAttempts counts frames the QR reader actually ran on.
	DecodeAttempts uint64
	// Decodes counts successful QR detections.
	Decodes uint64
	// DecodeMisses counts attempts where no QR was present. A high miss
	// count is normal: most frames show no ticket.
	DecodeMisses uint64
	// ScanRate is the measured decode-attempt rate in attempts/sec.
	ScanRate float64
	// Device is the selected device node, e.g. /dev/video0.
	Device string
	// Running reports whether the source currently holds the device.
	Running bool
	// LastDecodeAt is when the last successful decode happened.
	LastDecodeAt time.Time
}

// CameraConfig configures a CameraSource.
type CameraConfig struct {
	// Device pins a specific device node (e.g. /dev/video2). Empty means
	// discover devices and pick by Facing.
	Device string
	// Facing selects among discovered devices by label heuristics.
	Facing Facing
	// Width and Height are the capture resolution. Defaults 1280x720.
	Width  int
	Height int
	// TargetFPS is the capture rate (1-30). Default 15. Capture runs faster
	// than the decode cadence so the decoder always sees a fresh frame.
	TargetFPS float64
	// DecodeEvery is the minimum interval between QR decode attempts.
	// Default 150ms (~6.6 attempts/sec). Lower bound 50ms.
	DecodeEvery time.Duration
}

func (c *CameraConfig) applyDefaults() {
	if c.Width == 0 {
		c.Width = 1280
	}
	if c.Height == 0 {
		c.Height = 720
	}
	if c.TargetFPS == 0 {
		c.TargetFPS = 15
	}
	if c.DecodeEvery == 0 {
		c.DecodeEvery = 150 * time.Millisecond
	}
}

func (c *CameraConfig) validate() error {
	if c.TargetFPS < 1 || c.TargetFPS > 30 {
		return fmt.Errorf("framesource: invalid FPS %.2f (must be 1-30)", c.TargetFPS)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("framesource: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.DecodeEvery < 50*time.Millisecond {
		return fmt.Errorf("framesource: decode interval %v too aggressive (min 50ms)", c.DecodeEvery)
	}
	return nil
}
