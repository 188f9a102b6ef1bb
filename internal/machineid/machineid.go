// Package machineid derives an ALSA card token from the device tree's
// "compatible" property, for auto-selecting --card on machines that
// expose one, mirroring the original daemon's Apple Silicon machine
// identification. It degrades gracefully when the file is absent
// (non-arm64 hosts, containers, CI).
package machineid

import (
	"os"
	"strings"
)

const compatiblePath = "/proc/device-tree/compatible"

// CardHint reads /proc/device-tree/compatible and derives a short
// machine token suitable for building an ALSA card name of the form
// "hw:<token>". It returns ("", false) if the file is unreadable or
// its content doesn't look like a machine identifier.
func CardHint() (string, bool) {
	data, err := os.ReadFile(compatiblePath)
	if err != nil {
		return "", false
	}
	return parseCompatible(data)
}

// parseCompatible extracts a card-name token from a NUL-separated
// device-tree compatible list, e.g. "apple,j493\x00apple,arm-platform"
// yields "J493".
func parseCompatible(data []byte) (string, bool) {
	fields := strings.Split(string(data), "\x00")
	for _, f := range fields {
		if f == "" {
			continue
		}
		vendor, model, ok := strings.Cut(f, ",")
		if !ok || vendor == "" || model == "" {
			continue
		}
		return strings.ToUpper(model), true
	}
	return "", false
}
