package accessory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthkit/hearthd/pkg/pin"
)

// PinStore is what the model needs from the Pin Store.
type PinStore interface {
	Get(id string) (pin.Reading, error)
	Set(ctx context.Context, id string, on bool) (pin.Reading, error)
	Subscribe(fn func(pin.Change)) (cancel func())
}

// Value is one characteristic value in an event.
type Value struct {
	AID   uint64 `json:"aid"`
	IID   uint64 `json:"iid"`
	Value any    `json:"value"`
}

// Event is a batch of changed values for one session.
type Event struct {
	Characteristics []Value `json:"characteristics"`

	Source string    `json:"-"`
	At     time.Time `json:"-"`
}

// DefaultSinkBuffer is the per-session event channel capacity.
const DefaultSinkBuffer = 16

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) ModelOption {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithIdentify sets the handler for Identify writes.
func WithIdentify(fn func(acc *Accessory)) ModelOption {
	return func(m *Model) { m.identify = fn }
}

// Model serves characteristic reads and writes and routes events.
type Model struct {
	db       *Database
	pins     PinStore
	logger   *slog.Logger
	identify func(acc *Accessory)
	cancel   func()

	mu    sync.Mutex
	subs  map[string]map[CharID]struct{}
	sinks map[string]chan Event

	dropped atomic.Uint64
}

// NewModel binds db to pins and starts listening for pin changes.
func NewModel(db *Database, pins PinStore, opts ...ModelOption) *Model {
	m := &Model{
		db:     db,
		pins:   pins,
		logger: slog.Default(),
		subs:   make(map[string]map[CharID]struct{}),
		sinks:  make(map[string]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cancel = pins.Subscribe(m.onChange)
	return m
}

// Close stops listening to the Pin Store and closes every sink.
func (m *Model) Close() {
	m.cancel()
	m.mu.Lock()
	for id, ch := range m.sinks {
		close(ch)
		delete(m.sinks, id)
	}
	m.subs = make(map[string]map[CharID]struct{})
	m.mu.Unlock()
}

// Database returns the layout.
func (m *Model) Database() *Database { return m.db }

// Read returns the current value of a readable characteristic.
func (m *Model) Read(id CharID) (any, error) {
	c, ok := m.db.Characteristic(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !c.Has(PermRead) {
		return nil, fmt.Errorf("%w: %s", ErrWriteOnly, id)
	}
	if c.pin == "" {
		return c.Value, nil
	}
	r, err := m.pins.Get(c.pin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return r.On, nil
}

// Write sets a writable characteristic. Writes to bound characteristics
// go through the Pin Store; a hardware fault leaves state unchanged.
func (m *Model) Write(ctx context.Context, id CharID, value any) error {
	c, ok := m.db.Characteristic(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !c.Has(PermWrite) {
		return fmt.Errorf("%w: %s", ErrReadOnly, id)
	}
	on, err := coerceBool(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, id, err)
	}

	if c.Type == TypeIdentify {
		acc, _ := m.db.Accessory(id)
		m.logger.Info("identify requested", "aid", id.AID, "name", acc.Name)
		if m.identify != nil && on {
			m.identify(acc)
		}
		return nil
	}

	if _, err := m.pins.Set(ctx, c.pin, on); err != nil {
		if errors.Is(err, pin.ErrHardwareFault) {
			return fmt.Errorf("%w: %v", ErrCommunication, err)
		}
		return err
	}
	return nil
}

// coerceBool accepts booleans and the numbers 0 and 1.
func coerceBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case int:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case json.Number:
		if n, err := x.Int64(); err == nil && (n == 0 || n == 1) {
			return n == 1, nil
		}
	}
	return false, fmt.Errorf("cannot use %v (%T) as bool", v, v)
}

// Subscribe turns events for one characteristic on or off for a session.
func (m *Model) Subscribe(session string, id CharID, on bool) error {
	c, ok := m.db.Characteristic(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !c.Has(PermEvents) {
		return fmt.Errorf("%w: %s", ErrNoNotifications, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subs[session]
	if on {
		if set == nil {
			set = make(map[CharID]struct{})
			m.subs[session] = set
		}
		set[id] = struct{}{}
		return nil
	}
	if set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.subs, session)
		}
	}
	return nil
}

// Subscribed reports whether session receives events for id.
func (m *Model) Subscribed(session string, id CharID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[session][id]
	return ok
}

// Subscriptions lists a session's subscriptions in aid.iid order.
func (m *Model) Subscriptions(session string) []CharID {
	m.mu.Lock()
	ids := make([]CharID, 0, len(m.subs[session]))
	for id := range m.subs[session] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].AID != ids[j].AID {
			return ids[i].AID < ids[j].AID
		}
		return ids[i].IID < ids[j].IID
	})
	return ids
}

// RegisterSink creates the event channel for a verified session. Events
// that do not fit in the buffer are dropped. Registering twice returns
// the existing channel.
func (m *Model) RegisterSink(session string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.sinks[session]; ok {
		return ch
	}
	ch := make(chan Event, buffer)
	m.sinks[session] = ch
	return ch
}

// Drop removes a session's subscriptions and closes its sink.
func (m *Model) Drop(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, session)
	if ch, ok := m.sinks[session]; ok {
		close(ch)
		delete(m.sinks, session)
	}
}

// Dropped counts events discarded because a sink was full.
func (m *Model) Dropped() uint64 { return m.dropped.Load() }

// onChange runs under the pin's write lock and must not block.
func (m *Model) onChange(c pin.Change) {
	id, ok := m.db.PinCharacteristic(c.Pin.ID)
	if !ok {
		return
	}
	ev := Event{
		Characteristics: []Value{{AID: id.AID, IID: id.IID, Value: c.Current}},
		Source:          c.Source,
		At:              c.At,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for session, set := range m.subs {
		if _, ok := set[id]; !ok {
			continue
		}
		ch, ok := m.sinks[session]
		if !ok {
			continue
		}
		select {
		case ch <- ev:
		default:
			m.dropped.Add(1)
			m.logger.Warn("event dropped, session not keeping up", "session", session, "aid", id.AID, "iid", id.IID)
		}
	}
}
