package service

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthkit/hearthd/pkg/accessory"
	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/gpio"
	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/pin"
	"github.com/hearthkit/hearthd/pkg/tlv8"
	"github.com/hearthkit/hearthd/pkg/transport"
)

var testCode = commissioning.MustParseSetupCode("31415926")

var fireplaceOn = accessory.CharID{AID: 2, IID: 9}

type harness struct {
	server *AccessoryServer
	store  *pairing.Store
	pins   *pin.Store
	driver *gpio.SimDriver

	mu     sync.Mutex
	events []Event
}

func (h *harness) record(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *harness) count(typ EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	driver := gpio.NewSimDriver(map[int]gpio.Level{17: gpio.High})
	def := pin.Definition{ID: "fireplace", Label: "Fireplace", GPIO: 17, ActiveLow: true}
	pins, err := pin.NewStore(driver, []pin.Definition{def})
	require.NoError(t, err)
	pins.Init(context.Background())

	model := accessory.NewModel(accessory.Build(accessory.BuildConfig{
		Name: "family_room Fireplace Control",
		Room: "family_room",
		Pins: []accessory.PinInfo{{Definition: def}},
	}), pins)
	t.Cleanup(model.Close)

	store := pairing.NewMemoryStore()
	srv, err := NewAccessoryServer(AccessoryConfig{
		ListenAddress: "127.0.0.1:0",
		SetupCode:     testCode,
		Pairings:      store,
		Model:         model,
	})
	require.NoError(t, err)

	h := &harness{server: srv, store: store, pins: pins, driver: driver}
	srv.OnEvent(h.record)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(context.Background(), l))
	t.Cleanup(func() { _ = srv.Stop() })
	return h
}

type controller struct {
	id     string
	priv   ed25519.PrivateKey
	client *transport.Client
}

func (h *harness) dial(t *testing.T, id string) *controller {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := transport.Dial(ctx, h.server.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return &controller{id: id, priv: priv, client: client}
}

func (c *controller) do(t *testing.T, method, target, contentType string, body []byte) *transport.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.client.Do(ctx, method, target, contentType, body)
	require.NoError(t, err)
	return resp
}

func (c *controller) tlv(path string, t *testing.T) commissioning.Exchanger {
	return func(req *tlv8.Container) (*tlv8.Container, error) {
		resp := c.do(t, http.MethodPost, path, transport.ContentTypeTLV8, req.Encode())
		return tlv8.Decode(resp.Body)
	}
}

// pairAndVerify runs Pair-Setup on one connection and Pair-Verify on a
// fresh one, returning the encrypted controller.
func (h *harness) pairAndVerify(t *testing.T, id string) *controller {
	t.Helper()
	setup := h.dial(t, id)
	sc := commissioning.NewSetupClient(testCode, id, setup.priv)
	require.NoError(t, sc.Pair(setup.tlv("/pair-setup", t)))

	c := h.dial(t, id)
	c.priv = setup.priv
	h.verify(t, c, sc.AccessoryID, sc.AccessoryLTPK)
	return c
}

func (h *harness) verify(t *testing.T, c *controller, accessoryID string, ltpk ed25519.PublicKey) {
	t.Helper()
	vc := commissioning.NewVerifyClient(c.id, c.priv, accessoryID, ltpk)
	keys, err := vc.Verify(c.tlv("/pair-verify", t))
	require.NoError(t, err)
	require.NoError(t, c.client.Upgrade(keys.Read, keys.Write))
}

func TestProtectedRoutesRequireVerify(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "ctrl")

	resp := c.do(t, http.MethodGet, "/accessories", "", nil)
	assert.Equal(t, transport.StatusConnectionAuthorizationRequired, resp.StatusCode)
	assert.JSONEq(t, `{"status":-70401}`, string(resp.Body))
}

func TestPairVerifyAndControl(t *testing.T) {
	h := newHarness(t)
	c := h.pairAndVerify(t, "ctrl-1")

	assert.True(t, h.store.IsPaired())
	assert.Equal(t, 1, h.count(EventPaired))
	require.Eventually(t, func() bool { return h.count(EventVerified) == 1 }, time.Second, 10*time.Millisecond)

	resp := c.do(t, http.MethodGet, "/accessories", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var layout struct {
		Accessories []struct {
			AID uint64 `json:"aid"`
		} `json:"accessories"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &layout))
	assert.Len(t, layout.Accessories, 2)

	sources := make(chan string, 1)
	cancel := h.pins.Subscribe(func(c pin.Change) { sources <- c.Source })
	defer cancel()

	resp = c.do(t, http.MethodPut, "/characteristics", transport.ContentTypeJSON,
		[]byte(`{"characteristics":[{"aid":2,"iid":9,"value":true}]}`))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, gpio.Low, h.driver.Level(17), "active-low pin driven low for on")
	assert.Equal(t, SourceHAP, <-sources)

	r, err := h.pins.Get("fireplace")
	require.NoError(t, err)
	assert.True(t, r.On)

	resp = c.do(t, http.MethodGet, "/characteristics?id=2.9", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"characteristics":[{"aid":2,"iid":9,"value":true}]}`, string(resp.Body))

	resp = c.do(t, http.MethodGet, "/characteristics?id=2.9,9.9", "", nil)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
}

func TestEventsReachSubscribedSession(t *testing.T) {
	h := newHarness(t)
	c := h.pairAndVerify(t, "ctrl-1")

	resp := c.do(t, http.MethodPut, "/characteristics", transport.ContentTypeJSON,
		[]byte(`{"characteristics":[{"aid":2,"iid":9,"ev":true}]}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := h.pins.Set(pin.WithSource(context.Background(), "api"), "fireplace", true)
	require.NoError(t, err)

	select {
	case ev := <-c.client.Events():
		assert.JSONEq(t, `{"characteristics":[{"aid":2,"iid":9,"value":true}]}`, string(ev.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestIdentifyOnlyWhileUnpaired(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "anon")

	resp := c.do(t, http.MethodPost, "/identify", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	h.pairAndVerify(t, "ctrl-1")
	resp = c.do(t, http.MethodPost, "/identify", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"status":-70401}`, string(resp.Body))
}

func TestPairSetupRefusedWhenPaired(t *testing.T) {
	h := newHarness(t)
	h.pairAndVerify(t, "ctrl-1")

	other := h.dial(t, "ctrl-2")
	sc := commissioning.NewSetupClient(testCode, "ctrl-2", other.priv)
	err := sc.Pair(other.tlv("/pair-setup", t))
	assert.ErrorIs(t, err, commissioning.ErrAlreadyPaired)
	assert.Equal(t, 1, h.count(EventSetupFailed))
}

func TestWrongSetupCodeFails(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "ctrl-1")
	sc := commissioning.NewSetupClient(commissioning.MustParseSetupCode("27182818"), "ctrl-1", c.priv)

	err := sc.Pair(c.tlv("/pair-setup", t))
	assert.ErrorIs(t, err, commissioning.ErrAuthenticationFailed)
	assert.False(t, h.store.IsPaired())
	assert.Equal(t, 1, h.server.Tracker().Failures())
}

func pairingsRequest(method byte) *tlv8.Container {
	return tlv8.New().AddByte(commissioning.TypeState, 1).AddByte(commissioning.TypeMethod, method)
}

func TestPairingsManagement(t *testing.T) {
	h := newHarness(t)
	admin := h.pairAndVerify(t, "admin")
	send := admin.tlv("/pairings", t)

	userPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	resp, err := send(pairingsRequest(commissioning.MethodAddPairing).
		AddString(commissioning.TypeIdentifier, "guest").
		Add(commissioning.TypePublicKey, userPub).
		AddByte(commissioning.TypePermissions, byte(pairing.PermissionUser)))
	require.NoError(t, err)
	assert.False(t, resp.Has(commissioning.TypeError))

	resp, err = send(pairingsRequest(commissioning.MethodListPairings))
	require.NoError(t, err)
	entries := resp.Split()
	require.Len(t, entries, 2)

	resp, err = send(pairingsRequest(commissioning.MethodRemovePairing).
		AddString(commissioning.TypeIdentifier, "guest"))
	require.NoError(t, err)
	assert.False(t, resp.Has(commissioning.TypeError))
	_, ok := h.store.Controller("guest")
	assert.False(t, ok)
	assert.Equal(t, 1, h.count(EventUnpaired))
}

func TestAddPairingConflict(t *testing.T) {
	h := newHarness(t)
	admin := h.pairAndVerify(t, "admin")

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	resp, err := admin.tlv("/pairings", t)(pairingsRequest(commissioning.MethodAddPairing).
		AddString(commissioning.TypeIdentifier, "admin").
		Add(commissioning.TypePublicKey, otherPub).
		AddByte(commissioning.TypePermissions, byte(pairing.PermissionAdmin)))
	require.NoError(t, err)
	code, err := resp.Byte(commissioning.TypeError)
	require.NoError(t, err)
	assert.Equal(t, byte(commissioning.TLVErrorUnknown), code)
}

func TestRemovingLastAdminUnpairsAndCloses(t *testing.T) {
	h := newHarness(t)
	admin := h.pairAndVerify(t, "admin")

	resp, err := admin.tlv("/pairings", t)(pairingsRequest(commissioning.MethodRemovePairing).
		AddString(commissioning.TypeIdentifier, "admin"))
	require.NoError(t, err)
	assert.False(t, resp.Has(commissioning.TypeError))

	assert.False(t, h.store.IsPaired())
	require.Eventually(t, func() bool { return admin.client.Err() != nil }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.server.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNonAdminCannotManagePairings(t *testing.T) {
	h := newHarness(t)
	h.pairAndVerify(t, "admin")

	guest := h.dial(t, "guest")
	_, guest.priv, _ = ed25519.GenerateKey(rand.Reader)
	require.NoError(t, h.store.AddController(pairing.Controller{
		ID:          "guest",
		PublicKey:   guest.priv.Public().(ed25519.PublicKey),
		Permissions: pairing.PermissionUser,
	}))
	id := h.store.Identity()
	h.verify(t, guest, id.DeviceID, id.PublicKey)

	resp, err := guest.tlv("/pairings", t)(pairingsRequest(commissioning.MethodListPairings))
	require.NoError(t, err)
	code, err := resp.Byte(commissioning.TypeError)
	require.NoError(t, err)
	assert.Equal(t, byte(commissioning.TLVErrorAuthentication), code)
}

func TestStopClosesSessions(t *testing.T) {
	h := newHarness(t)
	c := h.pairAndVerify(t, "ctrl-1")

	require.NoError(t, h.server.Stop())
	assert.Equal(t, StateStopped, h.server.State())
	require.Eventually(t, func() bool { return c.client.Err() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, h.server.Stop(), ErrNotStarted)
}

func (h *harness) disconnectErr(sessionID string) (error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev.Type == EventDisconnected && ev.SessionID == sessionID {
			return ev.Error, true
		}
	}
	return nil, false
}

func (h *harness) sessionIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, ev := range h.events {
		if ev.Type == EventConnected {
			ids = append(ids, ev.SessionID)
		}
	}
	return ids
}

func TestReplayedWriteIsRejectedAndLeavesPinsAlone(t *testing.T) {
	h := newHarness(t)

	setup := h.dial(t, "ctrl-1")
	sc := commissioning.NewSetupClient(testCode, "ctrl-1", setup.priv)
	require.NoError(t, sc.Pair(setup.tlv("/pair-setup", t)))

	// Verify on a raw socket so the sealed bytes can be captured.
	raw, err := net.Dial("tcp", h.server.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.SetDeadline(time.Now().Add(5*time.Second)))
	br := bufio.NewReader(raw)

	vc := commissioning.NewVerifyClient("ctrl-1", setup.priv, sc.AccessoryID, sc.AccessoryLTPK)
	keys, err := vc.Verify(func(req *tlv8.Container) (*tlv8.Container, error) {
		if _, err := raw.Write(transport.EncodeRequest(http.MethodPost, "/pair-verify", transport.ContentTypeTLV8, req.Encode())); err != nil {
			return nil, err
		}
		resp, err := transport.ReadResponse(br)
		if err != nil {
			return nil, err
		}
		return tlv8.Decode(resp.Body)
	})
	require.NoError(t, err)

	ids := h.sessionIDs()
	require.NotEmpty(t, ids)
	verifiedID := ids[len(ids)-1]

	fr, err := transport.NewFrameReader(br, keys.Read)
	require.NoError(t, err)
	encrypted := bufio.NewReader(fr)

	_, err = h.pins.Set(pin.WithSource(context.Background(), "test"), "fireplace", true)
	require.NoError(t, err)

	var captured bytes.Buffer
	fw, err := transport.NewFrameWriter(&captured, keys.Write)
	require.NoError(t, err)
	_, err = fw.Write(transport.EncodeRequest(http.MethodPut, "/characteristics", transport.ContentTypeJSON,
		[]byte(`{"characteristics":[{"aid":2,"iid":9,"value":false}]}`)))
	require.NoError(t, err)
	sealed := captured.Bytes()

	_, err = raw.Write(sealed)
	require.NoError(t, err)
	resp, err := transport.ReadResponse(encrypted)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, gpio.High, h.driver.Level(17), "fireplace off")

	// Turn it back on locally; an accepted replay would switch it off again.
	_, err = h.pins.Set(pin.WithSource(context.Background(), "test"), "fireplace", true)
	require.NoError(t, err)
	before, ok := h.pins.Pin("fireplace")
	require.True(t, ok)

	var changes []pin.Change
	var changesMu sync.Mutex
	cancel := h.pins.Subscribe(func(c pin.Change) {
		changesMu.Lock()
		changes = append(changes, c)
		changesMu.Unlock()
	})
	defer cancel()

	_, err = raw.Write(sealed)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.disconnectErr(verifiedID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	disconnect, _ := h.disconnectErr(verifiedID)
	assert.True(t, errors.Is(disconnect, transport.ErrReplayDetected), "disconnect error = %v", disconnect)

	after, ok := h.pins.Pin("fireplace")
	require.True(t, ok)
	assert.True(t, after.On)
	assert.Equal(t, before.LastChanged, after.LastChanged)
	assert.Equal(t, gpio.Low, h.driver.Level(17))
	changesMu.Lock()
	assert.Empty(t, changes)
	changesMu.Unlock()
}
