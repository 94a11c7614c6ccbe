package pairing

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Backend persists pairing records. Every method must be durable when it returns.
type Backend interface {
	// Load returns the stored records. A nil identity means none is stored.
	Load() (*Identity, []Controller, Meta, error)

	SaveIdentity(id *Identity) error
	SaveController(c Controller) error
	DeleteController(id string) error
	SaveMeta(m Meta) error

	// Clear removes every record, identity included.
	Clear() error
}

// Option configures a Store.
type Option func(*Store)

// WithDeviceID sets the device id used when a new identity is generated.
// An existing identity keeps its stored id.
func WithDeviceID(id string) Option {
	return func(s *Store) { s.deviceID = id }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store is the process-wide pairing state.
type Store struct {
	mu          sync.Mutex
	backend     Backend
	logger      *slog.Logger
	deviceID    string
	identity    *Identity
	controllers map[string]Controller
	meta        Meta

	listenersMu sync.Mutex
	listeners   []func(paired bool)
}

// Open loads the store from backend, generating an identity on first run.
func Open(backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:     backend,
		logger:      slog.Default(),
		controllers: make(map[string]Controller),
	}
	for _, opt := range opts {
		opt(s)
	}

	identity, controllers, meta, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load pairing store: %w", err)
	}
	if identity == nil && len(controllers) > 0 {
		return nil, ErrIdentityMissing
	}

	for _, c := range controllers {
		s.controllers[c.ID] = c
	}
	s.meta = meta

	if identity == nil {
		identity, err = NewIdentity(s.deviceID)
		if err != nil {
			return nil, err
		}
		if err := backend.SaveIdentity(identity); err != nil {
			return nil, fmt.Errorf("persist new identity: %w", err)
		}
		s.logger.Info("generated accessory identity", "deviceID", identity.DeviceID)
	} else if s.deviceID != "" && s.deviceID != identity.DeviceID {
		s.logger.Warn("configured device id ignored, keeping stored identity",
			"configured", s.deviceID, "stored", identity.DeviceID)
	}
	s.identity = identity

	return s, nil
}

// Identity returns the accessory's long-term identity.
func (s *Store) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Controller returns the record for id.
func (s *Store) Controller(id string) (Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[id]
	return c, ok
}

// Controllers returns all records ordered by pairing time.
func (s *Store) Controllers() []Controller {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PairedAt.Equal(out[j].PairedAt) {
			return out[i].PairedAt.Before(out[j].PairedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsPaired reports whether at least one controller is paired.
func (s *Store) IsPaired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.controllers) > 0
}

// AdminCount returns the number of admin controllers.
func (s *Store) AdminCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.controllers {
		if c.Permissions.IsAdmin() {
			n++
		}
	}
	return n
}

// AddController stores a pairing. Re-adding an id with the same key updates
// its permissions; a different key for a known id is ErrConflict.
func (s *Store) AddController(c Controller) error {
	if err := c.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	wasPaired := len(s.controllers) > 0
	if existing, ok := s.controllers[c.ID]; ok {
		if !bytes.Equal(existing.PublicKey, c.PublicKey) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrConflict, c.ID)
		}
		c.PairedAt = existing.PairedAt
	}
	if c.PairedAt.IsZero() {
		c.PairedAt = time.Now()
	}
	if err := s.backend.SaveController(c); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist controller %s: %w", c.ID, err)
	}
	s.controllers[c.ID] = c
	s.mu.Unlock()

	s.logger.Info("controller paired",
		"controllerID", c.ID, "permissions", c.Permissions.String())
	if !wasPaired {
		s.notify(true)
	}
	return nil
}

// RemoveController deletes a pairing. Removing an unknown id is not an error;
// removed reports whether a record existed.
func (s *Store) RemoveController(id string) (removed bool, err error) {
	s.mu.Lock()
	if _, ok := s.controllers[id]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.backend.DeleteController(id); err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("delete controller %s: %w", id, err)
	}
	delete(s.controllers, id)
	nowPaired := len(s.controllers) > 0
	s.mu.Unlock()

	s.logger.Info("controller removed", "controllerID", id)
	if !nowPaired {
		s.notify(false)
	}
	return true, nil
}

// RemoveAllControllers deletes every pairing but keeps the identity.
func (s *Store) RemoveAllControllers() error {
	s.mu.Lock()
	if len(s.controllers) == 0 {
		s.mu.Unlock()
		return nil
	}
	for id := range s.controllers {
		if err := s.backend.DeleteController(id); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("delete controller %s: %w", id, err)
		}
		delete(s.controllers, id)
	}
	s.mu.Unlock()

	s.logger.Info("all controllers removed")
	s.notify(false)
	return nil
}

// Reset clears all pairing data and generates a fresh identity.
// Every existing pairing becomes invalid.
func (s *Store) Reset() error {
	s.mu.Lock()
	wasPaired := len(s.controllers) > 0
	if err := s.backend.Clear(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("clear pairing store: %w", err)
	}
	s.controllers = make(map[string]Controller)
	s.meta = Meta{}

	identity, err := NewIdentity(s.deviceID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.backend.SaveIdentity(identity); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist new identity: %w", err)
	}
	s.identity = identity
	s.mu.Unlock()

	s.logger.Warn("pairing store reset", "deviceID", identity.DeviceID)
	if wasPaired {
		s.notify(false)
	}
	return nil
}

// ConfigNumber returns the current accessory database version (c#).
func (s *Store) ConfigNumber() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta.ConfigNumber == 0 {
		return 1
	}
	return s.meta.ConfigNumber
}

// UpdateConfigHash records the accessory database hash and bumps the
// configuration number when it differs from the stored one.
func (s *Store) UpdateConfigHash(hash string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.ConfigHash == hash && s.meta.ConfigNumber != 0 {
		return s.meta.ConfigNumber, nil
	}

	next := s.meta
	switch {
	case next.ConfigNumber == 0:
		next.ConfigNumber = 1
	case next.ConfigNumber >= 65535:
		next.ConfigNumber = 1
	default:
		next.ConfigNumber++
	}
	next.ConfigHash = hash

	if err := s.backend.SaveMeta(next); err != nil {
		return s.meta.ConfigNumber, fmt.Errorf("persist meta: %w", err)
	}
	s.meta = next
	return next.ConfigNumber, nil
}

// OnChange registers fn to run whenever the store flips between paired and
// unpaired. fn runs after the mutation is durable.
func (s *Store) OnChange(fn func(paired bool)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Store) notify(paired bool) {
	s.listenersMu.Lock()
	fns := append([]func(bool){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(paired)
	}
}
