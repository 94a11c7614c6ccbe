package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store errors.
var (
	ErrIdentityMissing = errors.New("pairing: controller records present without identity")
	ErrCorrupt         = errors.New("pairing: corrupt record")
	ErrNotFound        = errors.New("pairing: controller not found")
	ErrConflict        = errors.New("pairing: controller id already paired with a different key")
	ErrInvalidRecord   = errors.New("pairing: invalid record")
)

// Permissions is the controller permission bitmask carried in pairing messages.
type Permissions byte

const (
	PermissionUser  Permissions = 0x00
	PermissionAdmin Permissions = 0x01
)

// IsAdmin reports whether the admin bit is set.
func (p Permissions) IsAdmin() bool {
	return p&PermissionAdmin != 0
}

// String returns "admin" or "user".
func (p Permissions) String() string {
	if p.IsAdmin() {
		return "admin"
	}
	return "user"
}

// Identity is the accessory's own long-term key pair.
type Identity struct {
	// DeviceID is the accessory pairing id, formatted like a MAC address.
	DeviceID string

	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	CreatedAt time.Time
}

// Sign signs msg with the long-term private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.PrivateKey, msg)
}

// Controller is a paired controller record.
type Controller struct {
	ID          string
	PublicKey   ed25519.PublicKey
	Permissions Permissions
	PairedAt    time.Time
}

func (c Controller) validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty controller id", ErrInvalidRecord)
	}
	if len(c.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key length %d", ErrInvalidRecord, len(c.PublicKey))
	}
	return nil
}

// Meta tracks the accessory database version advertised as c#.
type Meta struct {
	ConfigNumber uint32
	ConfigHash   string
}

// NewIdentity generates a key pair. An empty deviceID is replaced by a random one.
func NewIdentity(deviceID string) (*Identity, error) {
	if deviceID == "" {
		var err error
		deviceID, err = GenerateDeviceID()
		if err != nil {
			return nil, err
		}
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{
		DeviceID:   strings.ToUpper(deviceID),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  time.Now(),
	}, nil
}

// GenerateDeviceID returns a random locally-administered MAC-style id.
func GenerateDeviceID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	b[0] = (b[0] | 0x02) &^ 0x01
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}

// ValidDeviceID reports whether s looks like XX:XX:XX:XX:XX:XX.
func ValidDeviceID(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 || strings.Trim(p, "0123456789abcdefABCDEF") != "" {
			return false
		}
	}
	return true
}
