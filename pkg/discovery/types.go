package discovery

import (
	"errors"
	"time"

	"github.com/hearthkit/hearthd/pkg/version"
)

const (
	// ServiceType is the accessory protocol service type.
	ServiceType = "_hap._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort matches the accessory server's default.
	DefaultPort = 51826

	// ProtocolVersion is advertised in pv.
	ProtocolVersion = version.Protocol
)

// TXT record keys.
const (
	TXTKeyConfigNumber = "c#"
	TXTKeyFeatureFlags = "ff"
	TXTKeyDeviceID     = "id"
	TXTKeyModel        = "md"
	TXTKeyProtocol     = "pv"
	TXTKeyStateNumber  = "s#"
	TXTKeyStatusFlags  = "sf"
	TXTKeyCategory     = "ci"
	TXTKeySetupHash    = "sh"
)

// Status flag bits carried in sf.
const (
	StatusFlagUnpaired          = 0x01
	StatusFlagWiFiNotConfigured = 0x02
	StatusFlagProblem           = 0x04
)

// Timing.
const (
	// DefaultHeartbeat is how often Manager re-announces the service.
	DefaultHeartbeat = 60 * time.Second

	// BrowseTimeout is the default duration of a browse.
	BrowseTimeout = 5 * time.Second

	// DefaultTTL is the DNS record TTL.
	DefaultTTL = 120 * time.Second
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// SetupIDLength is the length of a setup id, e.g. "HRTH".
	SetupIDLength = 4
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("discovery: invalid TXT record")
	ErrMissingRequired     = errors.New("discovery: missing required field")
	ErrInstanceNameTooLong = errors.New("discovery: instance name exceeds 63 characters")
	ErrNotAdvertising      = errors.New("discovery: not advertising")
	ErrInvalidSetupID      = errors.New("discovery: invalid setup id")
	ErrInvalidSetupURI     = errors.New("discovery: invalid setup uri")
)

// AccessoryInfo is what the bridge advertises.
type AccessoryInfo struct {
	// Name is the instance name, e.g. "family_room Fireplace Control".
	Name string

	// DeviceID is the accessory pairing id.
	DeviceID string

	// Model is advertised in md.
	Model string

	// Category is the accessory category identifier (2 for a bridge).
	Category int

	// ConfigNumber starts at 1 and wraps back to 1 after 65535.
	ConfigNumber uint32

	// Paired clears the unpaired status flag.
	Paired bool

	// SetupID enables the sh key when non-empty.
	SetupID string

	// Port is the accessory server port. Zero means DefaultPort.
	Port uint16
}

// StatusFlags returns the sf value.
func (i *AccessoryInfo) StatusFlags() int {
	if i.Paired {
		return 0
	}
	return StatusFlagUnpaired
}

// AccessoryService is an accessory found by browsing.
type AccessoryService struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string

	DeviceID     string
	Model        string
	Category     int
	ConfigNumber uint32
	StatusFlags  int
	Protocol     string
	SetupHash    string
}

// Paired reports whether the accessory has at least one admin pairing.
func (s *AccessoryService) Paired() bool {
	return s.StatusFlags&StatusFlagUnpaired == 0
}
