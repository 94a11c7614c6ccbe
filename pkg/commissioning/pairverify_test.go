package commissioning

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/tlv8"
)

func pairedStore(t *testing.T) (*pairing.Store, testController, *SetupClient) {
	t.Helper()
	store := pairing.NewMemoryStore()
	code := MustParseSetupCode("12345678")
	ctrl := newTestController(t, "controller-1")
	client := NewSetupClient(code, ctrl.id, ctrl.priv)
	require.NoError(t, client.Pair(wire(NewSetupServer(code, store, nil, "setup").Handle)))
	return store, ctrl, client
}

func TestPairVerifyAfterSetup(t *testing.T) {
	store, ctrl, setup := pairedStore(t)

	server := NewVerifyServer(store)
	client := NewVerifyClient(ctrl.id, ctrl.priv, setup.AccessoryID, setup.AccessoryLTPK)

	keys, err := client.Verify(wire(server.Handle))
	require.NoError(t, err)
	require.True(t, server.Done())
	assert.Equal(t, ctrl.id, server.Controller().ID)

	acc := server.Keys()
	assert.Len(t, acc.Read, KeySize)
	assert.True(t, bytes.Equal(acc.Read, keys.Write), "controller write key must be accessory read key")
	assert.True(t, bytes.Equal(acc.Write, keys.Read), "accessory write key must be controller read key")
	assert.False(t, bytes.Equal(acc.Read, acc.Write))
}

func TestPairVerifyKeysAreFreshPerSession(t *testing.T) {
	store, ctrl, setup := pairedStore(t)

	var seen [][]byte
	for i := 0; i < 3; i++ {
		server := NewVerifyServer(store)
		client := NewVerifyClient(ctrl.id, ctrl.priv, setup.AccessoryID, setup.AccessoryLTPK)
		_, err := client.Verify(wire(server.Handle))
		require.NoError(t, err)
		for _, k := range seen {
			assert.False(t, bytes.Equal(k, server.Keys().Read), "key reused across sessions")
		}
		seen = append(seen, server.Keys().Read)
	}
}

func TestPairVerifyUnknownController(t *testing.T) {
	store, _, setup := pairedStore(t)

	stranger := newTestController(t, "stranger")
	server := NewVerifyServer(store)
	client := NewVerifyClient(stranger.id, stranger.priv, setup.AccessoryID, setup.AccessoryLTPK)

	_, err := client.Verify(wire(server.Handle))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.False(t, server.Done())
}

func TestPairVerifyBadSignature(t *testing.T) {
	store, ctrl, setup := pairedStore(t)

	// Same controller id, different long-term key.
	_, impostor, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	server := NewVerifyServer(store)
	client := NewVerifyClient(ctrl.id, impostor, setup.AccessoryID, setup.AccessoryLTPK)

	m1, err := client.Start()
	require.NoError(t, err)
	resp, err := server.Handle(m1)
	require.NoError(t, err)
	m3, err := client.HandleM2(resp)
	require.NoError(t, err)

	_, err = server.Handle(m3)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, server.Done())

	// The failed machine does not accept another attempt.
	_, err = server.Handle(m1)
	assert.ErrorIs(t, err, ErrUnexpectedState)
}

func TestPairVerifyRejectsWrongAccessory(t *testing.T) {
	store, ctrl, setup := pairedStore(t)
	server := NewVerifyServer(store)

	other := pairing.NewMemoryStore()
	client := NewVerifyClient(ctrl.id, ctrl.priv, setup.AccessoryID, other.Identity().PublicKey)
	_, err := client.Verify(wire(server.Handle))
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestPairVerifyAfterUnpair(t *testing.T) {
	store, ctrl, setup := pairedStore(t)

	// Capture M3 of a successful verify, then unpair and replay it.
	first := NewVerifyServer(store)
	client := NewVerifyClient(ctrl.id, ctrl.priv, setup.AccessoryID, setup.AccessoryLTPK)
	m1, err := client.Start()
	require.NoError(t, err)
	resp, err := first.Handle(m1)
	require.NoError(t, err)
	m3, err := client.HandleM2(resp)
	require.NoError(t, err)

	_, err = store.RemoveController(ctrl.id)
	require.NoError(t, err)

	_, err = first.Handle(m3)
	assert.ErrorIs(t, err, ErrUnknownController)

	// Replaying the old messages to a new machine fails as well: the
	// accessory picks a new ephemeral key, so the captured M3 no longer decrypts.
	second := NewVerifyServer(store)
	_, err = second.Handle(m1)
	require.NoError(t, err)
	_, err = second.Handle(m3)
	assert.Error(t, err)
	assert.False(t, second.Done())
}

func TestPairVerifyMissingState(t *testing.T) {
	server := NewVerifyServer(pairing.NewMemoryStore())
	resp, err := server.Handle(tlv8.New())
	assert.ErrorIs(t, err, ErrInvalidMessage)
	code, _ := resp.Byte(TypeError)
	assert.Equal(t, byte(TLVErrorUnknown), code)
}
