package commissioning

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/tlv8"
)

// Guard admits Pair-Setup attempts and records their outcome. It carries the
// process-wide policy: one setup at a time, failure counting and backoff.
type Guard interface {
	// Begin reserves the setup slot for owner. It returns ErrBusy,
	// a *BackoffError or ErrMaxTries when the attempt must be refused.
	Begin(owner string) error

	// Fail records a wrong setup code and releases the slot.
	Fail(owner string)

	// Succeed resets the failure count and releases the slot.
	Succeed(owner string)

	// Release frees the slot without recording an outcome.
	Release(owner string)
}

type setupStep uint8

const (
	setupIdle setupStep = iota
	setupAwaitingM3
	setupAwaitingM5
	setupDone
)

// SetupServer is the accessory side of Pair-Setup for one session. Handle
// runs on the connection's read goroutine while Abort may come from anywhere,
// so both hold mu.
type SetupServer struct {
	code  SetupCode
	store *pairing.Store
	guard Guard
	owner string

	mu         sync.Mutex
	step       setupStep
	srp        *SRPServer
	controller string
}

// NewSetupServer creates a Pair-Setup machine for the session named owner.
// A nil guard admits every attempt.
func NewSetupServer(code SetupCode, store *pairing.Store, guard Guard, owner string) *SetupServer {
	return &SetupServer{code: code, store: store, guard: guard, owner: owner}
}

// InProgress reports whether M1 was accepted and the exchange is unfinished.
func (s *SetupServer) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress()
}

func (s *SetupServer) inProgress() bool {
	return s.step == setupAwaitingM3 || s.step == setupAwaitingM5
}

// Done reports whether the exchange completed and a controller was stored.
func (s *SetupServer) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step == setupDone
}

// ControllerID returns the paired controller id after Done.
func (s *SetupServer) ControllerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// Abort releases the setup slot, for example on disconnect. A Handle in
// flight finishes first.
func (s *SetupServer) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort()
}

func (s *SetupServer) abort() {
	if s.inProgress() && s.guard != nil {
		s.guard.Release(s.owner)
	}
	s.reset()
}

func (s *SetupServer) reset() {
	s.step = setupIdle
	s.srp = nil
}

// Handle advances the exchange. The returned container is always the reply to
// send; the error explains a failed step.
func (s *SetupServer) Handle(req *tlv8.Container) (*tlv8.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := req.Byte(TypeState)
	if err != nil {
		return ErrorResponse(2, ErrInvalidMessage), fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch state {
	case 1:
		return s.handleM1(req)
	case 3:
		return s.handleM3(req)
	case 5:
		return s.handleM5(req)
	default:
		return ErrorResponse(state+1, ErrUnexpectedState), fmt.Errorf("%w: state %d", ErrUnexpectedState, state)
	}
}

func (s *SetupServer) handleM1(req *tlv8.Container) (*tlv8.Container, error) {
	// A new M1 restarts the exchange.
	if s.inProgress() {
		s.abort()
	}

	method, err := req.Byte(TypeMethod)
	if err != nil || (method != MethodPairSetup && method != MethodPairSetupWithAuth) {
		return ErrorResponse(2, ErrInvalidMessage), fmt.Errorf("%w: method", ErrInvalidMessage)
	}

	if s.store.IsPaired() {
		return ErrorResponse(2, ErrAlreadyPaired), ErrAlreadyPaired
	}

	if s.guard != nil {
		if err := s.guard.Begin(s.owner); err != nil {
			return ErrorResponse(2, err), err
		}
	}

	srp, err := NewSRPServer([]byte(SRPUsername), s.code.Password())
	if err != nil {
		if s.guard != nil {
			s.guard.Release(s.owner)
		}
		return ErrorResponse(2, err), err
	}
	s.srp = srp
	s.step = setupAwaitingM3

	return tlv8.New().
		AddByte(TypeState, 2).
		Add(TypeSalt, srp.Salt()).
		Add(TypePublicKey, srp.PublicKey()), nil
}

func (s *SetupServer) handleM3(req *tlv8.Container) (*tlv8.Container, error) {
	if s.step != setupAwaitingM3 {
		return ErrorResponse(4, ErrUnexpectedState), ErrUnexpectedState
	}

	a, err := req.Bytes(TypePublicKey)
	if err != nil {
		return s.failM3(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}
	proof, err := req.Bytes(TypeProof)
	if err != nil {
		return s.failM3(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}

	if err := s.srp.ProcessClientKey(a); err != nil {
		return s.failM3(fmt.Errorf("%w: %v", ErrAuthenticationFailed, err))
	}
	if err := s.srp.VerifyClientProof(proof); err != nil {
		return s.failM3(fmt.Errorf("%w: %v", ErrAuthenticationFailed, err))
	}

	s.step = setupAwaitingM5
	return tlv8.New().
		AddByte(TypeState, 4).
		Add(TypeProof, s.srp.Proof()), nil
}

// failM3 counts a failed proof against the attempt tracker.
func (s *SetupServer) failM3(err error) (*tlv8.Container, error) {
	if s.guard != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			s.guard.Fail(s.owner)
		} else {
			s.guard.Release(s.owner)
		}
	}
	s.reset()
	return ErrorResponse(4, err), err
}

func (s *SetupServer) handleM5(req *tlv8.Container) (*tlv8.Container, error) {
	if s.step != setupAwaitingM5 {
		return ErrorResponse(6, ErrUnexpectedState), ErrUnexpectedState
	}

	resp, err := s.exchangeIdentities(req)
	if err != nil {
		if s.guard != nil {
			s.guard.Release(s.owner)
		}
		s.reset()
		return ErrorResponse(6, err), err
	}

	if s.guard != nil {
		s.guard.Succeed(s.owner)
	}
	s.step = setupDone
	s.srp = nil
	return resp, nil
}

func (s *SetupServer) exchangeIdentities(req *tlv8.Container) (*tlv8.Container, error) {
	sessionKey := s.srp.SessionKey()

	encKey, err := deriveKey(sessionKey, setupEncryptSalt, setupEncryptInfo)
	if err != nil {
		return nil, err
	}

	encrypted, err := req.Bytes(TypeEncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	plain, err := open(encKey, nonceSetupM5, encrypted)
	if err != nil {
		return nil, err
	}
	sub, err := tlv8.Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ctrlID, err := sub.String(TypeIdentifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	ctrlLTPK, err := sub.Bytes(TypePublicKey)
	if err != nil || len(ctrlLTPK) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: controller public key", ErrInvalidMessage)
	}
	sig, err := sub.Bytes(TypeSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	ctrlX, err := deriveKey(sessionKey, setupControllerSignSalt, setupControllerSignInfo)
	if err != nil {
		return nil, err
	}
	info := concat(ctrlX, []byte(ctrlID), ctrlLTPK)
	if !ed25519.Verify(ctrlLTPK, info, sig) {
		return nil, fmt.Errorf("%w: controller signature", ErrAuthenticationFailed)
	}

	err = s.store.AddController(pairing.Controller{
		ID:          ctrlID,
		PublicKey:   append(ed25519.PublicKey(nil), ctrlLTPK...),
		Permissions: pairing.PermissionAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	s.controller = ctrlID

	identity := s.store.Identity()
	accX, err := deriveKey(sessionKey, setupAccessorySignSalt, setupAccessorySignInfo)
	if err != nil {
		return nil, err
	}
	accInfo := concat(accX, []byte(identity.DeviceID), identity.PublicKey)

	out := tlv8.New().
		AddString(TypeIdentifier, identity.DeviceID).
		Add(TypePublicKey, identity.PublicKey).
		Add(TypeSignature, identity.Sign(accInfo))
	sealed, err := seal(encKey, nonceSetupM6, out.Encode())
	if err != nil {
		return nil, err
	}

	return tlv8.New().
		AddByte(TypeState, 6).
		Add(TypeEncryptedData, sealed), nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// SetupClient is the controller side of Pair-Setup.
type SetupClient struct {
	code       SetupCode
	id         string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey

	srp *SRPClient

	// AccessoryID and AccessoryLTPK are filled in after M6.
	AccessoryID   string
	AccessoryLTPK ed25519.PublicKey
}

// NewSetupClient creates a controller that pairs with code under the given
// pairing id and long-term key.
func NewSetupClient(code SetupCode, id string, priv ed25519.PrivateKey) *SetupClient {
	return &SetupClient{
		code:       code,
		id:         id,
		publicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
	}
}

// Start returns M1.
func (c *SetupClient) Start() *tlv8.Container {
	return tlv8.New().
		AddByte(TypeState, 1).
		AddByte(TypeMethod, MethodPairSetup)
}

// HandleM2 processes the salt and B and returns M3.
func (c *SetupClient) HandleM2(resp *tlv8.Container) (*tlv8.Container, error) {
	if err := checkResponse(resp, 2); err != nil {
		return nil, err
	}
	salt, err := resp.Bytes(TypeSalt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	b, err := resp.Bytes(TypePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	srp, err := NewSRPClient([]byte(SRPUsername), c.code.Password())
	if err != nil {
		return nil, err
	}
	if err := srp.ProcessChallenge(salt, b); err != nil {
		return nil, err
	}
	c.srp = srp

	return tlv8.New().
		AddByte(TypeState, 3).
		Add(TypePublicKey, srp.PublicKey()).
		Add(TypeProof, srp.Proof()), nil
}

// HandleM4 checks the accessory proof and returns M5.
func (c *SetupClient) HandleM4(resp *tlv8.Container) (*tlv8.Container, error) {
	if err := checkResponse(resp, 4); err != nil {
		return nil, err
	}
	proof, err := resp.Bytes(TypeProof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := c.srp.VerifyServerProof(proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	key := c.srp.SessionKey()
	encKey, err := deriveKey(key, setupEncryptSalt, setupEncryptInfo)
	if err != nil {
		return nil, err
	}
	x, err := deriveKey(key, setupControllerSignSalt, setupControllerSignInfo)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(c.privateKey, concat(x, []byte(c.id), c.publicKey))

	sub := tlv8.New().
		AddString(TypeIdentifier, c.id).
		Add(TypePublicKey, c.publicKey).
		Add(TypeSignature, sig)
	sealed, err := seal(encKey, nonceSetupM5, sub.Encode())
	if err != nil {
		return nil, err
	}

	return tlv8.New().
		AddByte(TypeState, 5).
		Add(TypeEncryptedData, sealed), nil
}

// HandleM6 verifies the accessory's long-term key.
func (c *SetupClient) HandleM6(resp *tlv8.Container) error {
	if err := checkResponse(resp, 6); err != nil {
		return err
	}
	key := c.srp.SessionKey()
	encKey, err := deriveKey(key, setupEncryptSalt, setupEncryptInfo)
	if err != nil {
		return err
	}
	encrypted, err := resp.Bytes(TypeEncryptedData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	plain, err := open(encKey, nonceSetupM6, encrypted)
	if err != nil {
		return err
	}
	sub, err := tlv8.Decode(plain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	accID, err := sub.String(TypeIdentifier)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	accLTPK, err := sub.Bytes(TypePublicKey)
	if err != nil || len(accLTPK) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: accessory public key", ErrInvalidMessage)
	}
	sig, err := sub.Bytes(TypeSignature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	x, err := deriveKey(key, setupAccessorySignSalt, setupAccessorySignInfo)
	if err != nil {
		return err
	}
	if !ed25519.Verify(accLTPK, concat(x, []byte(accID), accLTPK), sig) {
		return fmt.Errorf("%w: accessory signature", ErrVerificationFailed)
	}

	c.AccessoryID = accID
	c.AccessoryLTPK = append(ed25519.PublicKey(nil), accLTPK...)
	return nil
}

// Exchanger sends one pairing request and returns the reply.
type Exchanger func(req *tlv8.Container) (*tlv8.Container, error)

// Pair runs the whole exchange through send.
func (c *SetupClient) Pair(send Exchanger) error {
	resp, err := send(c.Start())
	if err != nil {
		return err
	}
	m3, err := c.HandleM2(resp)
	if err != nil {
		return err
	}
	if resp, err = send(m3); err != nil {
		return err
	}
	m5, err := c.HandleM4(resp)
	if err != nil {
		return err
	}
	if resp, err = send(m5); err != nil {
		return err
	}
	return c.HandleM6(resp)
}
