// Package history records committed pin changes in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/hearthkit/hearthd/pkg/gpio"
	"github.com/hearthkit/hearthd/pkg/pin"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	// DefaultBuffer is the queue length between the Pin Store and the writer.
	DefaultBuffer = 64

	// DefaultLimit caps Query results when no limit is given.
	DefaultLimit = 50

	// MaxLimit is the largest accepted Query limit.
	MaxLimit = 1000

	connectionTimeout = 5 * time.Second
)

// ErrClosed is returned by Query after Close.
var ErrClosed = errors.New("history: closed")

const schema = `
CREATE TABLE IF NOT EXISTS pin_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	pin_id     TEXT    NOT NULL,
	gpio       INTEGER NOT NULL,
	is_on      INTEGER NOT NULL,
	raw        INTEGER NOT NULL,
	source     TEXT    NOT NULL,
	changed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pin_events_pin ON pin_events (pin_id, changed_at);
`

// Config configures a Recorder.
type Config struct {
	// Path is the database file. Its directory is created if needed.
	Path string

	// Buffer is the pending-change queue length. Changes arriving while
	// it is full are dropped and counted.
	Buffer int

	Logger *slog.Logger
}

// Entry is one recorded change.
type Entry struct {
	ID        int64      `json:"id"`
	PinID     string     `json:"pin"`
	GPIO      int        `json:"gpio"`
	On        bool       `json:"on"`
	Raw       gpio.Level `json:"-"`
	State     string     `json:"state"`
	Source    string     `json:"source"`
	ChangedAt time.Time  `json:"changed_at"`
}

// Query selects entries, newest first.
type Query struct {
	// PinID filters by pin; empty means every pin.
	PinID string

	// Limit defaults to DefaultLimit and is capped at MaxLimit.
	Limit int
}

// Recorder writes pin changes asynchronously so the Pin Store's writer
// never waits for disk.
type Recorder struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	queue chan pin.Change
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// Open opens (or creates) the database and starts the writer.
func Open(cfg Config) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", cfg.Path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		db:     db,
		path:   cfg.Path,
		logger: logger,
		queue:  make(chan pin.Change, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Path returns the database file.
func (r *Recorder) Path() string { return r.path }

// Attach subscribes the recorder to store.
func (r *Recorder) Attach(store *pin.Store) (cancel func()) {
	return store.Subscribe(r.Record)
}

// Record queues a change. It never blocks.
func (r *Recorder) Record(c pin.Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- c:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, change not recorded", "pin", c.Pin.ID)
	}
}

// Dropped counts changes lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	for c := range r.queue {
		if err := r.insert(context.Background(), c); err != nil {
			r.logger.Error("history insert failed", "pin", c.Pin.ID, "error", err)
		}
	}
}

func (r *Recorder) insert(ctx context.Context, c pin.Change) error {
	raw := pin.LevelFor(c.Current, c.Pin.ActiveLow)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pin_events (pin_id, gpio, is_on, raw, source, changed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Pin.ID, c.Pin.GPIO, c.Current, int(raw), c.Source, c.At.UnixNano())
	if err != nil {
		return fmt.Errorf("executing insert: %w", err)
	}
	return nil
}

// Query returns recorded changes, newest first.
func (r *Recorder) Query(ctx context.Context, q Query) ([]Entry, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	stmt := `SELECT id, pin_id, gpio, is_on, raw, source, changed_at FROM pin_events`
	args := []any{}
	if q.PinID != "" {
		stmt += ` WHERE pin_id = ?`
		args = append(args, q.PinID)
	}
	stmt += ` ORDER BY changed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			raw     int
			changed int64
		)
		if err := rows.Scan(&e.ID, &e.PinID, &e.GPIO, &e.On, &raw, &e.Source, &changed); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Raw = gpio.Level(raw)
		e.State = e.Raw.String()
		e.ChangedAt = time.Unix(0, changed).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close stops accepting changes, writes what is queued and closes the
// database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
