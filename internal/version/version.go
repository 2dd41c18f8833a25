// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// ProtocolBuild is the firmware build number announced in the handshake.
// Servers use it to pick protocol features, so it tracks the wire format
// rather than the release.
const ProtocolBuild = 17

// FirmwareName is the client identity announced to the tracking server.
const FirmwareName = "trackerbridge"

// Firmware returns the identity string sent in the handshake, truncated to
// the protocol's 255-byte string limit.
func Firmware() string {
	s := fmt.Sprintf("%s/%s", FirmwareName, Version)
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}
