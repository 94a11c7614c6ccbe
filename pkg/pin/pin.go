package pin

import (
	"context"
	"errors"
	"time"

	"github.com/hearthkit/hearthd/pkg/gpio"
)

// Store errors.
var (
	ErrHardwareFault = errors.New("pin: hardware fault")
	ErrUnknownPin    = errors.New("pin: unknown pin")
	ErrDuplicatePin  = errors.New("pin: duplicate pin")
)

// Kind describes what a pin switches. It selects the accessory service type.
type Kind string

const (
	KindSwitch    Kind = "switch"
	KindFan       Kind = "fan"
	KindLightbulb Kind = "lightbulb"
)

// Definition is the static configuration of a pin.
type Definition struct {
	ID        string
	Label     string
	GPIO      int
	ActiveLow bool
	Kind      Kind
}

// Pin is a snapshot of one controlled output.
type Pin struct {
	Definition

	// On is the logical state.
	On bool

	// Raw is the last committed electrical level.
	Raw gpio.Level

	// LastChanged is zero until the first successful Set.
	LastChanged time.Time
}

// Reading is the result of Get and Set.
type Reading struct {
	On  bool
	Raw gpio.Level
	At  time.Time
}

// Change describes one committed Set.
type Change struct {
	Pin      Pin
	Previous bool
	Current  bool
	Source   string
	At       time.Time
}

// LevelFor returns the raw level that represents the logical state.
func LevelFor(on, activeLow bool) gpio.Level {
	if on != activeLow {
		return gpio.High
	}
	return gpio.Low
}

// StateFor returns the logical state represented by a raw level.
func StateFor(level gpio.Level, activeLow bool) bool {
	return (level == gpio.High) != activeLow
}

type sourceKey struct{}

// WithSource tags the context with the surface that requested a change.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the tagged source, or "unknown".
func SourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "unknown"
}
