package v4l2

import "strings"

// ErrorClass is the classification of a capture pipeline failure. The parent
// package maps classes onto its public camera error taxonomy.
type ErrorClass int

const (
	// ClassNoDevice means the device node is missing or unusable.
	ClassNoDevice ErrorClass = iota
	// ClassPermission means access to the device was denied.
	ClassPermission
	// ClassBusy means another process holds the device.
	ClassBusy
	// ClassUnknown is anything not matched by the heuristics.
	ClassUnknown
)

// String returns a human-readable class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassNoDevice:
		return "no_device"
	case ClassPermission:
		return "permission"
	case ClassBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// ClassifyMessage categorizes a capture failure from its error and debug
// strings. go-gst's GError does not expose an error domain, so classification
// is keyword-based, the same way stream errors are triaged elsewhere in the
// pipeline.
func ClassifyMessage(errMsg, debugStr string) ErrorClass {
	combined := strings.ToLower(errMsg + " " + debugStr)

	// Permission first: "permission denied" would otherwise also match the
	// broader device keywords below.
	if containsAny(combined,
		"permission denied",
		"not permitted",
		"access denied",
		"eacces",
	) {
		return ClassPermission
	}

	if containsAny(combined,
		"device is busy",
		"device or resource busy",
		"ebusy",
		"already in use",
	) {
		return ClassBusy
	}

	if containsAny(combined,
		"no such device",
		"no such file",
		"cannot identify device",
		"could not open device",
		"not a capture device",
		"enodev",
		"enoent",
	) {
		return ClassNoDevice
	}

	return ClassUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
