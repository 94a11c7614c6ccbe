package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSimulatedFault is returned by SimDriver for pins with an injected fault.
var ErrSimulatedFault = errors.New("gpio: simulated fault")

// SimDriver keeps pin levels in memory.
// Unknown pins read as High, which is the idle level of the relay boards
// this project targets (active-low inputs).
type SimDriver struct {
	mu      sync.Mutex
	levels  map[int]Level
	faults  map[int]error
	delay   time.Duration
	applies int
}

// NewSimDriver creates a simulated driver with optional initial levels.
func NewSimDriver(initial map[int]Level) *SimDriver {
	levels := make(map[int]Level, len(initial))
	for pin, l := range initial {
		levels[pin] = l
	}
	return &SimDriver{
		levels: levels,
		faults: make(map[int]error),
	}
}

// SetDelay makes every Apply sleep for d, imitating command latency.
func (d *SimDriver) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// InjectFault makes every operation on pin fail with err (ErrSimulatedFault if nil).
func (d *SimDriver) InjectFault(pin int, err error) {
	if err == nil {
		err = ErrSimulatedFault
	}
	d.mu.Lock()
	d.faults[pin] = err
	d.mu.Unlock()
}

// ClearFault removes an injected fault.
func (d *SimDriver) ClearFault(pin int) {
	d.mu.Lock()
	delete(d.faults, pin)
	d.mu.Unlock()
}

// Applies returns how many successful Apply calls were made.
func (d *SimDriver) Applies() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applies
}

// Level returns the stored level of a pin without going through Read.
func (d *SimDriver) Level(pin int) Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levelLocked(pin)
}

// Apply stores the level.
func (d *SimDriver) Apply(ctx context.Context, pin int, level Level) (Level, error) {
	if pin < 0 {
		return Low, fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	if level != Low && level != High {
		return Low, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}

	d.mu.Lock()
	delay := d.delay
	err := d.faults[pin]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Low, ctx.Err()
		}
	}
	if err != nil {
		return Low, fmt.Errorf("apply pin %d: %w", pin, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.levels[pin] = level
	d.applies++
	return level, nil
}

// Read returns the stored level.
func (d *SimDriver) Read(ctx context.Context, pin int) (Level, error) {
	if pin < 0 {
		return Low, fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.faults[pin]; err != nil {
		return Low, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return d.levelLocked(pin), nil
}

func (d *SimDriver) levelLocked(pin int) Level {
	if l, ok := d.levels[pin]; ok {
		return l
	}
	return High
}

// Compile-time interface satisfaction check.
var _ Driver = (*SimDriver)(nil)
