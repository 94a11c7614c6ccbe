package gpio

import (
	"context"
	"errors"
	"fmt"
)

// Driver errors.
var (
	ErrCommandFailed = errors.New("gpio: command failed")
	ErrInvalidLevel  = errors.New("gpio: invalid level")
	ErrInvalidPin    = errors.New("gpio: invalid pin")
)

// Level is the raw electrical level of a pin.
type Level uint8

const (
	// Low is 0V.
	Low Level = 0
	// High is the supply voltage.
	High Level = 1
)

// String returns "LOW" or "HIGH".
func (l Level) String() string {
	switch l {
	case Low:
		return "LOW"
	case High:
		return "HIGH"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Digit returns the level as the "0"/"1" argument used by gpio tools.
func (l Level) Digit() string {
	if l == High {
		return "1"
	}
	return "0"
}

// ParseLevel parses "0", "1", "low" or "high".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "0", "low", "LOW":
		return Low, nil
	case "1", "high", "HIGH":
		return High, nil
	}
	return Low, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Driver applies and reads raw levels on physical pins.
//
// Implementations must be safe for concurrent use on different pins. Calls
// may be slow (process execution); callers serialize access per pin.
type Driver interface {
	// Apply drives the pin to level and returns the level read back.
	Apply(ctx context.Context, pin int, level Level) (Level, error)

	// Read returns the current level of the pin.
	Read(ctx context.Context, pin int) (Level, error)
}
