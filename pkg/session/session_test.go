package session

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/tlv8"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	readKey  []byte
	writeKey []byte
	ctrlID   string
	closed   bool
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 50000}
}
func (c *fakeConn) Upgrade(r, w []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readKey, c.writeKey = r, w
	return nil
}
func (c *fakeConn) WriteMessage([]byte) error { return nil }
func (c *fakeConn) SetControllerID(id string) {
	c.mu.Lock()
	c.ctrlID = id
	c.mu.Unlock()
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var testCode = commissioning.MustParseSetupCode("31415926")

type controller struct {
	id   string
	priv ed25519.PrivateKey
}

func newController(t *testing.T, id string) controller {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return controller{id: id, priv: priv}
}

func newManager(t *testing.T) (*Manager, *pairing.Store) {
	t.Helper()
	store := pairing.NewMemoryStore()
	return NewManager(ManagerConfig{Store: store, Code: testCode}), store
}

func setupVia(s *Session) commissioning.Exchanger {
	return func(req *tlv8.Container) (*tlv8.Container, error) {
		resp, _ := s.HandleSetup(req)
		return resp, nil
	}
}

// verifyVia upgrades the session once the exchange completes.
func verifyVia(t *testing.T, s *Session) commissioning.Exchanger {
	return func(req *tlv8.Container) (*tlv8.Container, error) {
		resp, keys, _ := s.HandleVerify(req)
		if keys != nil {
			require.NoError(t, s.Upgrade(*keys))
		}
		return resp, nil
	}
}

func pairAndVerify(t *testing.T, m *Manager, store *pairing.Store, ctrl controller, connID string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{id: connID}
	s := m.Open(conn)

	if !store.IsPaired() {
		sc := commissioning.NewSetupClient(testCode, ctrl.id, ctrl.priv)
		require.NoError(t, sc.Pair(setupVia(s)))
		assert.Equal(t, PhasePairSetupComplete, s.Phase())
	}
	id := store.Identity()
	vc := commissioning.NewVerifyClient(ctrl.id, ctrl.priv, id.DeviceID, id.PublicKey)
	keys, err := vc.Verify(verifyVia(t, s))
	require.NoError(t, err)

	assert.Equal(t, PhaseVerified, s.Phase())
	assert.True(t, bytes.Equal(conn.readKey, keys.Write))
	assert.True(t, bytes.Equal(conn.writeKey, keys.Read))
	assert.Equal(t, ctrl.id, conn.ctrlID)
	return s, conn
}

func TestSessionFullLifecycle(t *testing.T) {
	m, store := newManager(t)
	ctrl := newController(t, "ctrl-A")

	s, conn := pairAndVerify(t, m, store, ctrl, "c1")
	assert.Equal(t, ctrl.id, s.ControllerID())

	rec, err := s.AuthorizeAdmin()
	require.NoError(t, err)
	assert.Equal(t, ctrl.id, rec.ID)

	info := s.Info()
	assert.Equal(t, "VERIFIED", info.Phase)
	assert.Equal(t, "192.168.1.20:50000", info.RemoteAddr)

	s.Close("bye")
	assert.True(t, conn.isClosed())
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Equal(t, 0, m.Count())
	_, err = s.Authorize()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionSetupFailureReturnsToUnpaired(t *testing.T) {
	m, store := newManager(t)
	s := m.Open(&fakeConn{id: "c1"})
	ctrl := newController(t, "ctrl-A")

	bad := commissioning.NewSetupClient(commissioning.MustParseSetupCode("00000000"), ctrl.id, ctrl.priv)
	m1 := bad.Start()
	resp, err := s.HandleSetup(m1)
	require.NoError(t, err)
	assert.Equal(t, PhasePairSetupInProgress, s.Phase())

	m3, err := bad.HandleM2(resp)
	require.NoError(t, err)
	_, err = s.HandleSetup(m3)
	assert.ErrorIs(t, err, commissioning.ErrAuthenticationFailed)
	assert.Equal(t, PhaseUnpaired, s.Phase())
	assert.False(t, store.IsPaired())
}

// slotGuard admits one owner at a time and can hold Begin until released.
type slotGuard struct {
	mu    sync.Mutex
	owner string

	entered chan struct{}
	proceed chan struct{}
}

func (g *slotGuard) Begin(owner string) error {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.proceed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != "" && g.owner != owner {
		return commissioning.ErrBusy
	}
	g.owner = owner
	return nil
}

func (g *slotGuard) Fail(owner string)    { g.Release(owner) }
func (g *slotGuard) Succeed(owner string) { g.Release(owner) }

func (g *slotGuard) Release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == owner {
		g.owner = ""
	}
}

func (g *slotGuard) holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

func TestCloseDuringPairSetupM1ReleasesSlot(t *testing.T) {
	guard := &slotGuard{entered: make(chan struct{}), proceed: make(chan struct{})}
	store := pairing.NewMemoryStore()
	m := NewManager(ManagerConfig{Store: store, Code: testCode, Guard: guard})
	ctrl := newController(t, "ctrl-A")

	a := m.Open(&fakeConn{id: "a"})
	m1 := commissioning.NewSetupClient(testCode, ctrl.id, ctrl.priv).Start()

	handled := make(chan error, 1)
	go func() {
		_, err := a.HandleSetup(m1)
		handled <- err
	}()
	<-guard.entered

	closed := make(chan struct{})
	go func() {
		m.CloseAll("controller removed")
		close(closed)
	}()
	require.Eventually(t, func() bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.closed
	}, time.Second, 5*time.Millisecond)
	close(guard.proceed)

	assert.ErrorIs(t, <-handled, ErrClosed)
	<-closed
	a.Close("disconnect")

	assert.Equal(t, PhaseClosed, a.Phase())
	assert.Empty(t, guard.holder(), "closed session kept the setup slot")

	// a fresh connection can start Pair-Setup
	guard.entered = nil
	b := m.Open(&fakeConn{id: "b"})
	resp, err := b.HandleSetup(commissioning.NewSetupClient(testCode, ctrl.id, ctrl.priv).Start())
	require.NoError(t, err)
	state, err := resp.Byte(commissioning.TypeState)
	require.NoError(t, err)
	assert.Equal(t, byte(2), state)
	assert.Equal(t, "b", guard.holder())
}

func TestSessionRequiresVerifyForAccess(t *testing.T) {
	m, _ := newManager(t)
	s := m.Open(&fakeConn{id: "c1"})
	_, err := s.Authorize()
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestSessionVerifyFailureCloses(t *testing.T) {
	m, store := newManager(t)
	ctrl := newController(t, "ctrl-A")
	pairAndVerify(t, m, store, ctrl, "c1")

	impostor := newController(t, "ctrl-A")
	s := m.Open(&fakeConn{id: "c2"})
	id := store.Identity()
	vc := commissioning.NewVerifyClient(impostor.id, impostor.priv, id.DeviceID, id.PublicKey)

	m1, err := vc.Start()
	require.NoError(t, err)
	resp, _, err := s.HandleVerify(m1)
	require.NoError(t, err)
	assert.Equal(t, PhasePairVerifyInProgress, s.Phase())

	m3, err := vc.HandleM2(resp)
	require.NoError(t, err)
	_, keys, err := s.HandleVerify(m3)
	assert.ErrorIs(t, err, commissioning.ErrVerificationFailed)
	assert.Nil(t, keys)
	assert.Equal(t, PhaseClosed, s.Phase())
}

func TestCloseControllerClosesOnlyItsSessions(t *testing.T) {
	m, store := newManager(t)
	admin := newController(t, "admin")
	s1, c1 := pairAndVerify(t, m, store, admin, "c1")

	user := newController(t, "user")
	require.NoError(t, store.AddController(pairing.Controller{
		ID: user.id, PublicKey: user.priv.Public().(ed25519.PublicKey), Permissions: pairing.PermissionUser,
	}))
	s2, c2 := pairAndVerify(t, m, store, user, "c2")
	_, err := s2.AuthorizeAdmin()
	assert.ErrorIs(t, err, ErrNotAdmin)

	assert.Len(t, m.Verified(), 2)
	assert.Len(t, m.List(), 2)

	_, err = store.RemoveController(user.id)
	require.NoError(t, err)
	_, err = s2.Authorize()
	assert.ErrorIs(t, err, ErrRevoked)

	assert.Equal(t, 1, m.CloseController(user.id, "unpaired"))
	assert.True(t, c2.isClosed())
	assert.False(t, c1.isClosed())
	assert.Equal(t, PhaseVerified, s1.Phase())

	_, ok := m.Get("c2")
	assert.False(t, ok)
	assert.Equal(t, 1, m.CloseAll("shutdown"))
	assert.True(t, c1.isClosed())
}

func TestOnCloseRunsOnce(t *testing.T) {
	m, _ := newManager(t)
	s := m.Open(&fakeConn{id: "c1"})
	calls := 0
	s.OnClose(func(*Session) { calls++ })
	s.Close("a")
	s.Close("b")
	assert.Equal(t, 1, calls)

	late := 0
	s.OnClose(func(*Session) { late++ })
	assert.Equal(t, 1, late)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "PAIR_SETUP_IN_PROGRESS", PhasePairSetupInProgress.String())
	assert.Equal(t, "UNKNOWN", Phase(42).String())
}
