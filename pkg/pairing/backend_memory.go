package pairing

import "sync"

// MemoryBackend keeps records in memory. Used in tests.
type MemoryBackend struct {
	mu          sync.Mutex
	identity    *Identity
	controllers map[string]Controller
	meta        Meta

	// FailWrites makes every write return this error when set.
	FailWrites error
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{controllers: make(map[string]Controller)}
}

// NewMemoryStore opens a Store over a fresh MemoryBackend.
func NewMemoryStore(opts ...Option) *Store {
	s, err := Open(NewMemoryBackend(), opts...)
	if err != nil {
		// Only key generation can fail here.
		panic(err)
	}
	return s
}

func (b *MemoryBackend) Load() (*Identity, []Controller, Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := make([]Controller, 0, len(b.controllers))
	for _, c := range b.controllers {
		cs = append(cs, c)
	}
	return b.identity, cs, b.meta, nil
}

func (b *MemoryBackend) SaveIdentity(id *Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites != nil {
		return b.FailWrites
	}
	b.identity = id
	return nil
}

func (b *MemoryBackend) SaveController(c Controller) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites != nil {
		return b.FailWrites
	}
	b.controllers[c.ID] = c
	return nil
}

func (b *MemoryBackend) DeleteController(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites != nil {
		return b.FailWrites
	}
	delete(b.controllers, id)
	return nil
}

func (b *MemoryBackend) SaveMeta(m Meta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites != nil {
		return b.FailWrites
	}
	b.meta = m
	return nil
}

func (b *MemoryBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites != nil {
		return b.FailWrites
	}
	b.identity = nil
	b.controllers = make(map[string]Controller)
	b.meta = Meta{}
	return nil
}

// Compile-time interface satisfaction check.
var _ Backend = (*MemoryBackend)(nil)
