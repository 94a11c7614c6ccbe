package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, id string, perms Permissions) Controller {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return Controller{ID: id, PublicKey: pub, Permissions: perms}
}

func TestOpenFileGeneratesIdentityOnce(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenFile(dir, WithDeviceID("aa:bb:cc:dd:ee:ff"))
	require.NoError(t, err)
	id1 := s1.Identity()
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", id1.DeviceID)
	assert.False(t, s1.IsPaired())

	s2, err := OpenFile(dir)
	require.NoError(t, err)
	id2 := s2.Identity()
	assert.Equal(t, id1.DeviceID, id2.DeviceID)
	assert.True(t, id1.PublicKey.Equal(id2.PublicKey), "identity regenerated on reopen")
}

func TestOpenFileCorruptIdentityIsNotReplaced(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile), []byte("{not json"), 0600))

	_, err := OpenFile(dir)
	require.ErrorIs(t, err, ErrCorrupt)

	data, err := os.ReadFile(filepath.Join(dir, identityFile))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestOpenFileControllersWithoutIdentity(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddController(newController(t, "ctrl-1", PermissionAdmin)))

	require.NoError(t, os.Remove(filepath.Join(dir, identityFile)))

	_, err = OpenFile(dir)
	assert.ErrorIs(t, err, ErrIdentityMissing)
}

func TestControllersPersist(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir)
	require.NoError(t, err)

	c := newController(t, "E2B1C9D0-0000-4000-8000-000000000001", PermissionAdmin)
	require.NoError(t, s.AddController(c))

	reopened, err := OpenFile(dir)
	require.NoError(t, err)
	got, ok := reopened.Controller(c.ID)
	require.True(t, ok)
	assert.True(t, c.PublicKey.Equal(got.PublicKey))
	assert.True(t, got.Permissions.IsAdmin())
	assert.False(t, got.PairedAt.IsZero())

	removed, err := reopened.RemoveController(c.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	again, err := OpenFile(dir)
	require.NoError(t, err)
	assert.False(t, again.IsPaired())
}

func TestAddControllerConflict(t *testing.T) {
	s := NewMemoryStore()
	c := newController(t, "ctrl", PermissionAdmin)
	require.NoError(t, s.AddController(c))

	// Same key: permission update.
	c.Permissions = PermissionUser
	require.NoError(t, s.AddController(c))
	got, _ := s.Controller("ctrl")
	assert.False(t, got.Permissions.IsAdmin())

	other := newController(t, "ctrl", PermissionAdmin)
	assert.ErrorIs(t, s.AddController(other), ErrConflict)
	assert.Len(t, s.Controllers(), 1)
}

func TestAddControllerValidation(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.AddController(Controller{ID: "x", PublicKey: []byte{1, 2}}), ErrInvalidRecord)
	assert.ErrorIs(t, s.AddController(Controller{PublicKey: make([]byte, 32)}), ErrInvalidRecord)
}

func TestWriteFailureDoesNotCommit(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := Open(backend)
	require.NoError(t, err)

	backend.FailWrites = errors.New("disk full")
	err = s.AddController(newController(t, "ctrl", PermissionAdmin))
	require.Error(t, err)
	assert.False(t, s.IsPaired())
}

func TestOnChangeFiresOnPairedTransitions(t *testing.T) {
	s := NewMemoryStore()
	var events []bool
	s.OnChange(func(paired bool) { events = append(events, paired) })

	require.NoError(t, s.AddController(newController(t, "a", PermissionAdmin)))
	require.NoError(t, s.AddController(newController(t, "b", PermissionUser)))
	_, err := s.RemoveController("a")
	require.NoError(t, err)
	_, err = s.RemoveController("b")
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, events)
}

func TestRemoveUnknownController(t *testing.T) {
	s := NewMemoryStore()
	removed, err := s.RemoveController("ghost")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestResetRegeneratesIdentity(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir)
	require.NoError(t, err)
	before := s.Identity()
	require.NoError(t, s.AddController(newController(t, "a", PermissionAdmin)))

	require.NoError(t, s.Reset())
	assert.False(t, s.IsPaired())
	assert.False(t, before.PublicKey.Equal(s.Identity().PublicKey))

	reopened, err := OpenFile(dir)
	require.NoError(t, err)
	assert.True(t, s.Identity().PublicKey.Equal(reopened.Identity().PublicKey))
	assert.False(t, reopened.IsPaired())
}

func TestConfigNumber(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFile(dir)
	require.NoError(t, err)

	n, err := s.UpdateConfigHash("abc")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	n, err = s.UpdateConfigHash("abc")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	n, err = s.UpdateConfigHash("def")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	reopened, err := OpenFile(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), reopened.ConfigNumber())
}

func TestDeviceID(t *testing.T) {
	id, err := GenerateDeviceID()
	require.NoError(t, err)
	assert.True(t, ValidDeviceID(id), id)
	assert.False(t, ValidDeviceID("11:22:33"))
	assert.False(t, ValidDeviceID("GG:22:33:44:55:66"))
}
