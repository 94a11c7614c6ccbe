package mqtt

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthkit/hearthd/pkg/pin"
)

// Status payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultBuffer is the mirror's queue length.
const DefaultBuffer = 32

// Topics builds topic names under one prefix and room.
type Topics struct {
	Prefix string
	Room   string
}

// PinState is the retained state topic of one pin.
func (t Topics) PinState(pinID string) string {
	return t.Prefix + "/" + t.Room + "/" + pinID + "/state"
}

// Status is the controller status topic.
func (t Topics) Status() string {
	return t.Prefix + "/" + t.Room + "/status"
}

// StatePayload is the JSON body of a state message.
type StatePayload struct {
	Pin       string    `json:"pin"`
	GPIO      int       `json:"gpio"`
	On        bool      `json:"on"`
	State     string    `json:"state"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	Publisher Publisher
	Topics    Topics
	QoS       byte
	Buffer    int
	Logger    *slog.Logger
}

// Mirror publishes every committed pin change. Publishing happens on its
// own goroutine; changes that do not fit in the queue are dropped.
type Mirror struct {
	pub    Publisher
	topics Topics
	qos    byte
	logger *slog.Logger

	queue   chan pin.Change
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewMirror starts the publishing goroutine.
func NewMirror(cfg MirrorConfig) *Mirror {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		pub:    cfg.Publisher,
		topics: cfg.Topics,
		qos:    cfg.QoS,
		logger: logger,
		queue:  make(chan pin.Change, buffer),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Attach publishes the current state of every pin, then follows changes.
func (m *Mirror) Attach(store *pin.Store) (cancel func()) {
	for _, p := range store.List() {
		m.Enqueue(pin.Change{Pin: p, Previous: p.On, Current: p.On, Source: "startup", At: time.Now()})
	}
	return store.Subscribe(m.Enqueue)
}

// Enqueue queues a change without blocking.
func (m *Mirror) Enqueue(c pin.Change) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- c:
	default:
		m.dropped.Add(1)
		m.logger.Warn("mqtt queue full, state not published", "pin", c.Pin.ID)
	}
}

// Dropped counts changes lost to a full queue.
func (m *Mirror) Dropped() uint64 { return m.dropped.Load() }

func (m *Mirror) run() {
	defer close(m.done)
	for c := range m.queue {
		payload, err := json.Marshal(StatePayload{
			Pin:       c.Pin.ID,
			GPIO:      c.Pin.GPIO,
			On:        c.Current,
			State:     pin.LevelFor(c.Current, c.Pin.ActiveLow).String(),
			Source:    c.Source,
			Timestamp: c.At.UTC(),
		})
		if err != nil {
			continue
		}
		if err := m.pub.Publish(m.topics.PinState(c.Pin.ID), payload, m.qos, true); err != nil {
			m.logger.Debug("mqtt publish failed", "pin", c.Pin.ID, "error", err)
		}
	}
}

// Close drains the queue and stops the goroutine.
func (m *Mirror) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()
		<-m.done
	})
}
