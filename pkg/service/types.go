package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hearthkit/hearthd/pkg/accessory"
	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/discovery"
	"github.com/hearthkit/hearthd/pkg/log"
	"github.com/hearthkit/hearthd/pkg/pairing"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateStarting - service is starting up.
	StateStarting

	// StateRunning - service is running normally.
	StateRunning

	// StateStopping - service is shutting down.
	StateStopping

	// StateStopped - service has stopped.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// AccessoryConfig configures an AccessoryServer.
type AccessoryConfig struct {
	// ListenAddress is the address to listen on (e.g., ":51826").
	ListenAddress string

	// SetupCode is the PIN controllers enter during Pair-Setup.
	SetupCode commissioning.SetupCode

	// Pairings is the durable pairing store. Required.
	Pairings *pairing.Store

	// Model serves the accessory database. Required.
	Model *accessory.Model

	// AttemptPolicy configures Pair-Setup brute-force mitigation.
	AttemptPolicy AttemptPolicy

	// Discovery keeps the mDNS record in step with pairing state.
	// Nil disables advertising.
	Discovery *discovery.Manager

	// IdleTimeout closes connections that send nothing for this long.
	// Zero keeps them open.
	IdleTimeout time.Duration

	// EventBuffer is the per-session event queue length.
	EventBuffer int

	// OnPersistFailure is called when a pairing change could not be made
	// durable. The change is not acknowledged to the controller.
	OnPersistFailure func(err error)

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Validate checks required fields.
func (c *AccessoryConfig) Validate() error {
	if c.Pairings == nil {
		return fmt.Errorf("%w: pairing store is required", ErrInvalidConfig)
	}
	if c.Model == nil {
		return fmt.Errorf("%w: accessory model is required", ErrInvalidConfig)
	}
	if err := c.SetupCode.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// EventType classifies service events.
type EventType uint8

const (
	// EventConnected - controller connection accepted.
	EventConnected EventType = iota

	// EventDisconnected - controller connection closed.
	EventDisconnected

	// EventVerified - a session completed Pair-Verify.
	EventVerified

	// EventPaired - a controller was added.
	EventPaired

	// EventUnpaired - a controller was removed.
	EventUnpaired

	// EventSetupFailed - a Pair-Setup attempt was refused or failed.
	EventSetupFailed
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventVerified:
		return "VERIFIED"
	case EventPaired:
		return "PAIRED"
	case EventUnpaired:
		return "UNPAIRED"
	case EventSetupFailed:
		return "SETUP_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	Type EventType

	// SessionID is the connection id.
	SessionID string

	// ControllerID is set once known.
	ControllerID string

	// RemoteAddr is the peer address.
	RemoteAddr string

	// Error is set for failures.
	Error error
}

// EventHandler handles service events.
type EventHandler func(Event)
