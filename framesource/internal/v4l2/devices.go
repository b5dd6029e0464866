package v4l2

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSysfsRoot is where the kernel exposes video4linux capture devices.
const DefaultSysfsRoot = "/sys/class/video4linux"

// Facing mirrors the caller's device-facing preference without importing the
// parent package.
type Facing int

const (
	// FacingEnvironment prefers a rear/world-facing camera.
	FacingEnvironment Facing = iota
	// FacingUser prefers a front/user-facing camera.
	FacingUser
)

// Device is one video capture device candidate.
type Device struct {
	// Path is the device node, e.g. /dev/video0.
	Path string
	// Name is the kernel-reported device label, e.g. "Integrated Camera: Integrated C".
	Name string
}

// Discover enumerates video capture devices under the given sysfs root
// (DefaultSysfsRoot in production; tests point it at a fixture tree).
// Returns devices sorted by node name for deterministic selection.
func Discover(root string) ([]Device, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("v4l2: reading %s: %w", root, err)
	}

	var devices []Device
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "video") {
			continue
		}

		name := ""
		if raw, err := os.ReadFile(filepath.Join(root, entry.Name(), "name")); err == nil {
			name = strings.TrimSpace(string(raw))
		}

		devices = append(devices, Device{
			Path: "/dev/" + entry.Name(),
			Name: name,
		})
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Path < devices[j].Path })
	return devices, nil
}

// environmentKeywords suggest a rear/world-facing camera label.
var environmentKeywords = []string{"back", "rear", "environment", "world"}

// userKeywords suggest a front/user-facing camera label.
var userKeywords = []string{"front", "user", "facetime", "integrated"}

// Select picks the device best matching the facing preference, falling back
// to the first device when no label matches. Callers must pass a non-empty
// slice.
func Select(devices []Device, facing Facing) Device {
	keywords := environmentKeywords
	if facing == FacingUser {
		keywords = userKeywords
	}

	for _, dev := range devices {
		label := strings.ToLower(dev.Name)
		for _, kw := range keywords {
			if strings.Contains(label, kw) {
				return dev
			}
		}
	}
	return devices[0]
}
