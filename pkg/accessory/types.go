package accessory

import (
	"errors"
	"fmt"
)

// Short-form HAP type identifiers.
const (
	TypeAccessoryInformation = "3E"
	TypeProtocolInformation  = "A2"
	TypeSwitch               = "49"
	TypeFan                  = "40"
	TypeLightbulb            = "43"

	TypeIdentify         = "14"
	TypeManufacturer     = "20"
	TypeModel            = "21"
	TypeName             = "23"
	TypeSerialNumber     = "30"
	TypeFirmwareRevision = "52"
	TypeVersion          = "37"
	TypeOn               = "25"
)

// Characteristic value formats.
const (
	FormatBool   = "bool"
	FormatString = "string"
)

// Permissions.
const (
	PermRead   = "pr"
	PermWrite  = "pw"
	PermEvents = "ev"
)

// Accessory categories used in discovery.
const (
	CategoryBridge    = 2
	CategoryFan       = 3
	CategoryLightbulb = 5
	CategorySwitch    = 8
)

// BridgeAID is the aid of the bridge accessory.
const BridgeAID uint64 = 1

// HAP status codes carried per characteristic.
const (
	StatusSuccess                     = 0
	StatusInsufficientPrivileges      = -70401
	StatusServiceCommunicationFailure = -70402
	StatusResourceBusy                = -70403
	StatusReadOnly                    = -70404
	StatusWriteOnly                   = -70405
	StatusNotificationNotSupported    = -70406
	StatusOutOfResource               = -70407
	StatusOperationTimedOut           = -70408
	StatusResourceDoesNotExist        = -70409
	StatusInvalidValue                = -70410
)

// Characteristic-level errors. StatusFor maps them to HAP status codes.
var (
	ErrNotFound        = errors.New("accessory: no such characteristic")
	ErrReadOnly        = errors.New("accessory: characteristic is read-only")
	ErrWriteOnly       = errors.New("accessory: characteristic is write-only")
	ErrNoNotifications = errors.New("accessory: characteristic does not support events")
	ErrInvalidValue    = errors.New("accessory: invalid value")
	ErrCommunication   = errors.New("accessory: hardware communication failed")
)

// StatusFor maps an error to a HAP status code. Nil maps to StatusSuccess.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrNotFound):
		return StatusResourceDoesNotExist
	case errors.Is(err, ErrReadOnly):
		return StatusReadOnly
	case errors.Is(err, ErrWriteOnly):
		return StatusWriteOnly
	case errors.Is(err, ErrNoNotifications):
		return StatusNotificationNotSupported
	case errors.Is(err, ErrInvalidValue):
		return StatusInvalidValue
	case errors.Is(err, ErrCommunication):
		return StatusServiceCommunicationFailure
	default:
		return StatusServiceCommunicationFailure
	}
}

// CharID addresses one characteristic.
type CharID struct {
	AID uint64
	IID uint64
}

func (c CharID) String() string { return fmt.Sprintf("%d.%d", c.AID, c.IID) }

// Characteristic is one addressable value.
type Characteristic struct {
	IID         uint64   `json:"iid"`
	Type        string   `json:"type"`
	Format      string   `json:"format"`
	Perms       []string `json:"perms"`
	Description string   `json:"description,omitempty"`

	// Value is the constant for unbound characteristics.
	Value any `json:"-"`

	// pin names the Pin Store entry for bound characteristics.
	pin string
}

// Has reports whether the characteristic carries perm.
func (c *Characteristic) Has(perm string) bool {
	for _, p := range c.Perms {
		if p == perm {
			return true
		}
	}
	return false
}

// Pin returns the bound pin id, or "" for constants.
func (c *Characteristic) Pin() string { return c.pin }

// Service groups characteristics.
type Service struct {
	IID             uint64            `json:"iid"`
	Type            string            `json:"type"`
	Primary         bool              `json:"primary,omitempty"`
	Characteristics []*Characteristic `json:"characteristics"`
}

// Accessory is one aid in the database.
type Accessory struct {
	AID      uint64     `json:"aid"`
	Name     string     `json:"-"`
	Category int        `json:"-"`
	Services []*Service `json:"services"`

	pin string
}

// Pin returns the pin this accessory controls, or "" for the bridge.
func (a *Accessory) Pin() string { return a.pin }
