package commissioning

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/tlv8"
)

type verifyStep uint8

const (
	verifyIdle verifyStep = iota
	verifyAwaitingM3
	verifyDone
	verifyFailed
)

// ephemeral is an X25519 key pair used for one Pair-Verify.
type ephemeral struct {
	private []byte
	public  []byte
}

func newEphemeral() (*ephemeral, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &ephemeral{private: priv, public: pub}, nil
}

func (e *ephemeral) shared(peer []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: ephemeral key length %d", ErrInvalidPublicKey, len(peer))
	}
	s, err := curve25519.X25519(e.private, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return s, nil
}

// VerifyServer is the accessory side of Pair-Verify for one session.
type VerifyServer struct {
	store *pairing.Store

	step       verifyStep
	eph        *ephemeral
	peerPublic []byte
	shared     []byte
	encKey     []byte

	controller pairing.Controller
	keys       SessionKeys
}

// NewVerifyServer creates a Pair-Verify machine.
func NewVerifyServer(store *pairing.Store) *VerifyServer {
	return &VerifyServer{store: store}
}

// InProgress reports whether M1 was accepted and M3 is pending.
func (v *VerifyServer) InProgress() bool { return v.step == verifyAwaitingM3 }

// Done reports whether the controller was verified.
func (v *VerifyServer) Done() bool { return v.step == verifyDone }

// Controller returns the verified controller record.
func (v *VerifyServer) Controller() pairing.Controller { return v.controller }

// Keys returns the accessory-side transport keys after Done.
func (v *VerifyServer) Keys() SessionKeys { return v.keys }

// Handle advances the exchange. The returned container is always the reply.
func (v *VerifyServer) Handle(req *tlv8.Container) (*tlv8.Container, error) {
	state, err := req.Byte(TypeState)
	if err != nil {
		return ErrorResponse(2, ErrInvalidMessage), fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch state {
	case 1:
		return v.handleM1(req)
	case 3:
		return v.handleM3(req)
	default:
		return ErrorResponse(state+1, ErrUnexpectedState), fmt.Errorf("%w: state %d", ErrUnexpectedState, state)
	}
}

func (v *VerifyServer) handleM1(req *tlv8.Container) (*tlv8.Container, error) {
	if v.step == verifyDone || v.step == verifyFailed {
		return ErrorResponse(2, ErrUnexpectedState), ErrUnexpectedState
	}

	peer, err := req.Bytes(TypePublicKey)
	if err != nil {
		return ErrorResponse(2, ErrInvalidMessage), fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	eph, err := newEphemeral()
	if err != nil {
		return ErrorResponse(2, err), err
	}
	shared, err := eph.shared(peer)
	if err != nil {
		return ErrorResponse(2, ErrAuthenticationFailed), err
	}
	encKey, err := deriveKey(shared, verifyEncryptSalt, verifyEncryptInfo)
	if err != nil {
		return ErrorResponse(2, err), err
	}

	identity := v.store.Identity()
	info := concat(eph.public, []byte(identity.DeviceID), peer)
	sub := tlv8.New().
		AddString(TypeIdentifier, identity.DeviceID).
		Add(TypeSignature, identity.Sign(info))
	sealed, err := seal(encKey, nonceVerifyM2, sub.Encode())
	if err != nil {
		return ErrorResponse(2, err), err
	}

	v.eph = eph
	v.peerPublic = append([]byte(nil), peer...)
	v.shared = shared
	v.encKey = encKey
	v.step = verifyAwaitingM3

	return tlv8.New().
		AddByte(TypeState, 2).
		Add(TypePublicKey, eph.public).
		Add(TypeEncryptedData, sealed), nil
}

func (v *VerifyServer) handleM3(req *tlv8.Container) (*tlv8.Container, error) {
	if v.step != verifyAwaitingM3 {
		return ErrorResponse(4, ErrUnexpectedState), ErrUnexpectedState
	}

	if err := v.verifyController(req); err != nil {
		v.step = verifyFailed
		v.shared, v.encKey, v.eph = nil, nil, nil
		return ErrorResponse(4, err), err
	}

	keys, err := deriveSessionKeys(v.shared)
	if err != nil {
		v.step = verifyFailed
		return ErrorResponse(4, err), err
	}
	v.keys = keys
	v.step = verifyDone
	v.shared, v.encKey, v.eph = nil, nil, nil

	return tlv8.New().AddByte(TypeState, 4), nil
}

func (v *VerifyServer) verifyController(req *tlv8.Container) error {
	encrypted, err := req.Bytes(TypeEncryptedData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	plain, err := open(v.encKey, nonceVerifyM3, encrypted)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	sub, err := tlv8.Decode(plain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ctrlID, err := sub.String(TypeIdentifier)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	sig, err := sub.Bytes(TypeSignature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ctrl, ok := v.store.Controller(ctrlID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownController, ctrlID)
	}

	info := concat(v.peerPublic, []byte(ctrlID), v.eph.public)
	if !ed25519.Verify(ctrl.PublicKey, info, sig) {
		return fmt.Errorf("%w: signature from %s", ErrVerificationFailed, ctrlID)
	}

	v.controller = ctrl
	return nil
}

// VerifyClient is the controller side of Pair-Verify.
type VerifyClient struct {
	id            string
	privateKey    ed25519.PrivateKey
	accessoryID   string
	accessoryLTPK ed25519.PublicKey

	eph    *ephemeral
	shared []byte
	keys   SessionKeys
}

// NewVerifyClient creates a controller that verifies against a known accessory.
func NewVerifyClient(id string, priv ed25519.PrivateKey, accessoryID string, accessoryLTPK ed25519.PublicKey) *VerifyClient {
	return &VerifyClient{
		id:            id,
		privateKey:    priv,
		accessoryID:   accessoryID,
		accessoryLTPK: accessoryLTPK,
	}
}

// Start returns M1 with a fresh ephemeral key.
func (c *VerifyClient) Start() (*tlv8.Container, error) {
	eph, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	c.eph = eph
	return tlv8.New().
		AddByte(TypeState, 1).
		Add(TypePublicKey, eph.public), nil
}

// HandleM2 authenticates the accessory and returns M3.
func (c *VerifyClient) HandleM2(resp *tlv8.Container) (*tlv8.Container, error) {
	if err := checkResponse(resp, 2); err != nil {
		return nil, err
	}
	accPublic, err := resp.Bytes(TypePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	shared, err := c.eph.shared(accPublic)
	if err != nil {
		return nil, err
	}
	encKey, err := deriveKey(shared, verifyEncryptSalt, verifyEncryptInfo)
	if err != nil {
		return nil, err
	}

	encrypted, err := resp.Bytes(TypeEncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	plain, err := open(encKey, nonceVerifyM2, encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	sub, err := tlv8.Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	accID, err := sub.String(TypeIdentifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	sig, err := sub.Bytes(TypeSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if accID != c.accessoryID {
		return nil, fmt.Errorf("%w: accessory id %s", ErrVerificationFailed, accID)
	}
	if !ed25519.Verify(c.accessoryLTPK, concat(accPublic, []byte(accID), c.eph.public), sig) {
		return nil, fmt.Errorf("%w: accessory signature", ErrVerificationFailed)
	}

	mySig := ed25519.Sign(c.privateKey, concat(c.eph.public, []byte(c.id), accPublic))
	out := tlv8.New().
		AddString(TypeIdentifier, c.id).
		Add(TypeSignature, mySig)
	sealed, err := seal(encKey, nonceVerifyM3, out.Encode())
	if err != nil {
		return nil, err
	}

	c.shared = shared
	return tlv8.New().
		AddByte(TypeState, 3).
		Add(TypeEncryptedData, sealed), nil
}

// HandleM4 completes the exchange and derives the controller-side keys.
func (c *VerifyClient) HandleM4(resp *tlv8.Container) error {
	if err := checkResponse(resp, 4); err != nil {
		return err
	}
	keys, err := deriveSessionKeys(c.shared)
	if err != nil {
		return err
	}
	c.keys = keys.Swap()
	c.shared = nil
	return nil
}

// Keys returns the controller-side transport keys: Read decrypts accessory
// traffic, Write encrypts requests.
func (c *VerifyClient) Keys() SessionKeys { return c.keys }

// Verify runs the whole exchange through send.
func (c *VerifyClient) Verify(send Exchanger) (SessionKeys, error) {
	m1, err := c.Start()
	if err != nil {
		return SessionKeys{}, err
	}
	resp, err := send(m1)
	if err != nil {
		return SessionKeys{}, err
	}
	m3, err := c.HandleM2(resp)
	if err != nil {
		return SessionKeys{}, err
	}
	if resp, err = send(m3); err != nil {
		return SessionKeys{}, err
	}
	if err := c.HandleM4(resp); err != nil {
		return SessionKeys{}, err
	}
	return c.keys, nil
}
