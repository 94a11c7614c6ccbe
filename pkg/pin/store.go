package pin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthkit/hearthd/pkg/gpio"
)

// entry holds one pin. toggle serializes hardware writes; state guards the
// committed snapshot so reads never wait for a slow driver call.
type entry struct {
	toggle sync.Mutex

	state sync.RWMutex
	pin   Pin
}

func (e *entry) snapshot() Pin {
	e.state.RLock()
	defer e.state.RUnlock()
	return e.pin
}

// Store is the in-memory record of all pins.
type Store struct {
	driver gpio.Driver
	logger *slog.Logger
	now    func() time.Time

	order   []string
	entries map[string]*entry
	byGPIO  map[int]string

	listenersMu  sync.RWMutex
	listeners    map[uint64]func(Change)
	nextListener uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store for the given pins. Every pin starts Off with its
// inactive raw level until Init reads the hardware.
func NewStore(driver gpio.Driver, defs []Definition, opts ...StoreOption) (*Store, error) {
	s := &Store{
		driver:    driver,
		logger:    slog.Default(),
		now:       time.Now,
		entries:   make(map[string]*entry, len(defs)),
		byGPIO:    make(map[int]string, len(defs)),
		listeners: make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("%w: empty id", ErrUnknownPin)
		}
		if _, ok := s.entries[def.ID]; ok {
			return nil, fmt.Errorf("%w: id %q", ErrDuplicatePin, def.ID)
		}
		if other, ok := s.byGPIO[def.GPIO]; ok {
			return nil, fmt.Errorf("%w: gpio %d used by %q and %q", ErrDuplicatePin, def.GPIO, other, def.ID)
		}
		if def.Kind == "" {
			def.Kind = KindSwitch
		}
		if def.Label == "" {
			def.Label = def.ID
		}
		s.entries[def.ID] = &entry{pin: Pin{
			Definition: def,
			Raw:        LevelFor(false, def.ActiveLow),
		}}
		s.byGPIO[def.GPIO] = def.ID
		s.order = append(s.order, def.ID)
	}
	return s, nil
}

// Init reads every pin's current level from the driver. A pin that cannot be
// read keeps its inactive default and is logged.
func (s *Store) Init(ctx context.Context) {
	for _, id := range s.order {
		e := s.entries[id]
		e.toggle.Lock()
		def := e.snapshot().Definition
		level, err := s.driver.Read(ctx, def.GPIO)
		if err != nil {
			s.logger.Warn("pin read failed, assuming off",
				"pin", def.ID, "gpio", def.GPIO, "error", err)
			e.toggle.Unlock()
			continue
		}
		e.state.Lock()
		e.pin.Raw = level
		e.pin.On = StateFor(level, def.ActiveLow)
		e.state.Unlock()
		e.toggle.Unlock()

		s.logger.Debug("pin initialised",
			"pin", def.ID, "gpio", def.GPIO, "raw", level, "on", StateFor(level, def.ActiveLow))
	}
}

// Set drives the pin to the logical state and commits it on success.
func (s *Store) Set(ctx context.Context, id string, on bool) (Reading, error) {
	e, ok := s.entries[id]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %q", ErrUnknownPin, id)
	}

	e.toggle.Lock()
	prev := e.snapshot()
	want := LevelFor(on, prev.ActiveLow)

	raw, err := s.driver.Apply(ctx, prev.GPIO, want)
	if err != nil {
		e.toggle.Unlock()
		s.logger.Error("pin write failed",
			"pin", id, "gpio", prev.GPIO, "level", want, "error", err)
		return Reading{}, fmt.Errorf("%w: pin %q (gpio %d): %v", ErrHardwareFault, id, prev.GPIO, err)
	}

	at := s.now()
	e.state.Lock()
	e.pin.Raw = raw
	e.pin.On = StateFor(raw, prev.ActiveLow)
	e.pin.LastChanged = at
	committed := e.pin
	e.state.Unlock()

	// Listeners run under the toggle lock so changes are observed in commit order.
	s.notify(Change{
		Pin:      committed,
		Previous: prev.On,
		Current:  committed.On,
		Source:   SourceFrom(ctx),
		At:       at,
	})
	e.toggle.Unlock()

	if raw != want {
		s.logger.Warn("pin read back differs from requested level",
			"pin", id, "gpio", prev.GPIO, "want", want, "got", raw)
	}

	s.logger.Info("pin set",
		"pin", id, "gpio", prev.GPIO, "on", committed.On, "raw", raw, "source", SourceFrom(ctx))

	return Reading{On: committed.On, Raw: raw, At: at}, nil
}

// Get returns the last committed state of a pin.
func (s *Store) Get(id string) (Reading, error) {
	e, ok := s.entries[id]
	if !ok {
		return Reading{}, fmt.Errorf("%w: %q", ErrUnknownPin, id)
	}
	p := e.snapshot()
	return Reading{On: p.On, Raw: p.Raw, At: p.LastChanged}, nil
}

// Pin returns the full snapshot of a pin.
func (s *Store) Pin(id string) (Pin, bool) {
	e, ok := s.entries[id]
	if !ok {
		return Pin{}, false
	}
	return e.snapshot(), true
}

// ByGPIO returns the pin id bound to a physical pin number.
func (s *Store) ByGPIO(gpioPin int) (string, bool) {
	id, ok := s.byGPIO[gpioPin]
	return id, ok
}

// List returns snapshots of all pins in configuration order.
func (s *Store) List() []Pin {
	pins := make([]Pin, 0, len(s.order))
	for _, id := range s.order {
		pins = append(pins, s.entries[id].snapshot())
	}
	return pins
}

// Subscribe registers fn for every committed change. The returned function
// removes the listener.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.listenersMu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
