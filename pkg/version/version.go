// Package version carries the build version of hearthd and the accessory
// protocol version it speaks.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Set at link time with -ldflags "-X github.com/hearthkit/hearthd/pkg/version.Version=...".
var (
	Version = "1.0.0"
	Commit  = "unknown"
)

// Protocol is the accessory protocol version advertised in pv.
const Protocol = "1.1"

// ProtocolVersion is a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses "major.minor". Controllers sometimes send a bare major
// ("1"), which reads as minor 0.
func Parse(s string) (ProtocolVersion, error) {
	majorStr, minorStr, hasMinor := strings.Cut(s, ".")
	if !hasMinor {
		minorStr = "0"
	}

	major, err := strconv.ParseUint(majorStr, 10, 16)
	if err != nil || majorStr == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}
	minor, err := strconv.ParseUint(minorStr, 10, 16)
	if err != nil || minorStr == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}
	return ProtocolVersion{Major: uint16(major), Minor: uint16(minor)}, nil
}

// String returns "major.minor".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible reports whether other shares the major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// Supports reports whether a peer advertising pv can talk to this build.
func Supports(pv string) bool {
	peer, err := Parse(pv)
	if err != nil {
		return false
	}
	current, _ := Parse(Protocol)
	return current.Compatible(peer)
}

// String is the one-line build description.
func String() string {
	return fmt.Sprintf("hearthd %s (commit: %s, protocol %s)", Version, Commit, Protocol)
}
