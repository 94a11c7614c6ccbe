package pairing

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names inside the store directory.
const (
	identityFile   = "identity.json"
	metaFile       = "meta.json"
	controllersDir = "controllers"
)

// identityRecord is the JSON form of Identity. The private key is stored as
// its 32-byte seed.
type identityRecord struct {
	DeviceID  string    `json:"device_id"`
	PublicKey []byte    `json:"public_key"`
	Seed      []byte    `json:"seed"`
	CreatedAt time.Time `json:"created_at"`
}

type controllerRecord struct {
	ID          string    `json:"id"`
	PublicKey   []byte    `json:"public_key"`
	Permissions byte      `json:"permissions"`
	PairedAt    time.Time `json:"paired_at"`
}

type metaRecord struct {
	ConfigNumber uint32 `json:"config_number"`
	ConfigHash   string `json:"config_hash,omitempty"`
}

// FileBackend stores records as JSON files in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates a backend rooted at dir. The directory is created on
// first write.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

// OpenFile opens a Store over a FileBackend rooted at dir.
func OpenFile(dir string, opts ...Option) (*Store, error) {
	return Open(NewFileBackend(dir), opts...)
}

// Dir returns the store directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) Load() (*Identity, []Controller, Meta, error) {
	identity, err := b.loadIdentity()
	if err != nil {
		return nil, nil, Meta{}, err
	}

	controllers, err := b.loadControllers()
	if err != nil {
		return nil, nil, Meta{}, err
	}

	var meta Meta
	data, err := os.ReadFile(filepath.Join(b.dir, metaFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, nil, Meta{}, err
	default:
		var rec metaRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, nil, Meta{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, metaFile, err)
		}
		meta = Meta{ConfigNumber: rec.ConfigNumber, ConfigHash: rec.ConfigHash}
	}

	return identity, controllers, meta, nil
}

func (b *FileBackend) loadIdentity() (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, identityFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, identityFile, err)
	}
	if len(rec.Seed) != ed25519.SeedSize || !ValidDeviceID(rec.DeviceID) {
		return nil, fmt.Errorf("%w: %s: bad seed or device id", ErrCorrupt, identityFile)
	}

	priv := ed25519.NewKeyFromSeed(rec.Seed)
	pub := priv.Public().(ed25519.PublicKey)
	if len(rec.PublicKey) > 0 && !pub.Equal(ed25519.PublicKey(rec.PublicKey)) {
		return nil, fmt.Errorf("%w: %s: public key does not match seed", ErrCorrupt, identityFile)
	}

	return &Identity{
		DeviceID:   rec.DeviceID,
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

func (b *FileBackend) loadControllers() ([]Controller, error) {
	dir := filepath.Join(b.dir, controllersDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Controller
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var rec controllerRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, e.Name(), err)
		}
		c := Controller{
			ID:          rec.ID,
			PublicKey:   ed25519.PublicKey(rec.PublicKey),
			Permissions: Permissions(rec.Permissions),
			PairedAt:    rec.PairedAt,
		}
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, e.Name(), err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *FileBackend) SaveIdentity(id *Identity) error {
	rec := identityRecord{
		DeviceID:  id.DeviceID,
		PublicKey: id.PublicKey,
		Seed:      id.PrivateKey.Seed(),
		CreatedAt: id.CreatedAt,
	}
	return b.writeJSON(filepath.Join(b.dir, identityFile), rec, 0600)
}

func (b *FileBackend) SaveController(c Controller) error {
	rec := controllerRecord{
		ID:          c.ID,
		PublicKey:   c.PublicKey,
		Permissions: byte(c.Permissions),
		PairedAt:    c.PairedAt,
	}
	return b.writeJSON(b.controllerPath(c.ID), rec, 0600)
}

func (b *FileBackend) DeleteController(id string) error {
	path := b.controllerPath(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func (b *FileBackend) SaveMeta(m Meta) error {
	rec := metaRecord{ConfigNumber: m.ConfigNumber, ConfigHash: m.ConfigHash}
	return b.writeJSON(filepath.Join(b.dir, metaFile), rec, 0644)
}

func (b *FileBackend) Clear() error {
	for _, name := range []string{controllersDir, identityFile, metaFile} {
		if err := os.RemoveAll(filepath.Join(b.dir, name)); err != nil {
			return err
		}
	}
	if _, err := os.Stat(b.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return syncDir(b.dir)
}

func (b *FileBackend) controllerPath(id string) string {
	return filepath.Join(b.dir, controllersDir, hex.EncodeToString([]byte(id))+".json")
}

func (b *FileBackend) writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, perm)
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it,
// renames it over path and syncs the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Compile-time interface satisfaction check.
var _ Backend = (*FileBackend)(nil)
