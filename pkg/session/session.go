package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/log"
	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/tlv8"
)

// Phase is a session's position in the pairing lifecycle.
type Phase uint8

const (
	PhaseUnpaired Phase = iota
	PhasePairSetupInProgress
	PhasePairSetupComplete
	PhasePairVerifyInProgress
	PhaseVerified
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnpaired:
		return "UNPAIRED"
	case PhasePairSetupInProgress:
		return "PAIR_SETUP_IN_PROGRESS"
	case PhasePairSetupComplete:
		return "PAIR_SETUP_COMPLETE"
	case PhasePairVerifyInProgress:
		return "PAIR_VERIFY_IN_PROGRESS"
	case PhaseVerified:
		return "VERIFIED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrNotVerified means the session has not completed Pair-Verify.
	ErrNotVerified = errors.New("session: not verified")

	// ErrRevoked means the session's controller is no longer paired.
	ErrRevoked = errors.New("session: controller removed")

	// ErrNotAdmin means the controller lacks admin permission.
	ErrNotAdmin = errors.New("session: admin permission required")
)

// Conn is the part of a transport connection a session drives.
type Conn interface {
	ID() string
	RemoteAddr() net.Addr
	Upgrade(readKey, writeKey []byte) error
	WriteMessage(msg []byte) error
	SetControllerID(id string)
	Close() error
}

// Session is one connection's pairing state. Handshake methods are called
// from the connection's read goroutine; accessors are safe from anywhere.
type Session struct {
	conn     Conn
	openedAt time.Time
	store    *pairing.Store
	logger   *slog.Logger
	proto    log.Logger

	setup  *commissioning.SetupServer
	verify *commissioning.VerifyServer

	mu           sync.RWMutex
	phase        Phase
	controllerID string
	closed       bool
	onClose      []func(*Session)
}

func newSession(conn Conn, m *Manager) *Session {
	return &Session{
		conn:     conn,
		openedAt: time.Now(),
		store:    m.store,
		logger:   m.logger,
		proto:    m.proto,
		setup:    commissioning.NewSetupServer(m.code, m.store, m.guard, conn.ID()),
		verify:   commissioning.NewVerifyServer(m.store),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.conn.ID() }

// Conn returns the underlying connection.
func (s *Session) Conn() Conn { return s.conn }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// ControllerID returns the verified controller, or "" before Verified.
func (s *Session) ControllerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controllerID
}

// Verified reports whether the session may use the accessory database.
func (s *Session) Verified() bool { return s.Phase() == PhaseVerified }

// Info is a snapshot for listings.
type Info struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	Phase        string    `json:"phase"`
	ControllerID string    `json:"controller_id,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr := ""
	if a := s.conn.RemoteAddr(); a != nil {
		addr = a.String()
	}
	return Info{
		ID:           s.conn.ID(),
		RemoteAddr:   addr,
		Phase:        s.phase.String(),
		ControllerID: s.controllerID,
		OpenedAt:     s.openedAt,
	}
}

// HandleSetup processes one Pair-Setup message. The returned container is
// always the reply.
func (s *Session) HandleSetup(req *tlv8.Container) (*tlv8.Container, error) {
	switch s.Phase() {
	case PhaseClosed:
		return commissioning.ErrorResponse(2, commissioning.ErrUnexpectedState), ErrClosed
	case PhasePairVerifyInProgress, PhaseVerified:
		return commissioning.ErrorResponse(2, commissioning.ErrUnexpectedState),
			fmt.Errorf("%w: pair-setup during %s", commissioning.ErrUnexpectedState, s.Phase())
	}

	resp, err := s.setup.Handle(req)

	// Close may have run while Handle held the setup lock; its Abort then
	// saw no exchange and a slot taken by this M1 would never be freed.
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		s.setup.Abort()
		return commissioning.ErrorResponse(2, commissioning.ErrUnexpectedState), ErrClosed
	}

	switch {
	case s.setup.Done():
		s.transition(PhasePairSetupComplete, "controller "+s.setup.ControllerID()+" paired")
	case s.setup.InProgress():
		s.transition(PhasePairSetupInProgress, "")
	default:
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		s.transition(PhaseUnpaired, reason)
	}
	return resp, err
}

// HandleVerify processes one Pair-Verify message. When keys is non-nil
// the exchange completed: the caller writes resp in plaintext and then
// upgrades the connection with Upgrade. A non-nil error from M3 is fatal
// and the caller must close the connection after replying.
func (s *Session) HandleVerify(req *tlv8.Container) (resp *tlv8.Container, keys *commissioning.SessionKeys, err error) {
	switch s.Phase() {
	case PhaseClosed:
		return commissioning.ErrorResponse(2, commissioning.ErrUnexpectedState), nil, ErrClosed
	case PhaseVerified:
		return commissioning.ErrorResponse(2, commissioning.ErrUnexpectedState), nil,
			fmt.Errorf("%w: already verified", commissioning.ErrUnexpectedState)
	case PhasePairSetupInProgress:
		// The controller abandoned setup on this connection.
		s.setup.Abort()
	}

	resp, err = s.verify.Handle(req)
	switch {
	case s.verify.Done():
		ctrl := s.verify.Controller()
		s.mu.Lock()
		s.controllerID = ctrl.ID
		s.mu.Unlock()
		s.conn.SetControllerID(ctrl.ID)
		k := s.verify.Keys()
		return resp, &k, nil
	case s.verify.InProgress():
		s.transition(PhasePairVerifyInProgress, "")
	case err != nil && s.Phase() == PhasePairVerifyInProgress:
		s.transition(PhaseClosed, err.Error())
	}
	return resp, nil, err
}

// Upgrade switches the connection to encrypted frames and marks the
// session Verified. Call it after writing the final Pair-Verify response.
func (s *Session) Upgrade(keys commissioning.SessionKeys) error {
	if err := s.conn.Upgrade(keys.Read, keys.Write); err != nil {
		return err
	}
	s.transition(PhaseVerified, "controller "+s.ControllerID())
	return nil
}

// Authorize checks that the session is Verified and its controller is
// still paired. It returns the controller record.
func (s *Session) Authorize() (pairing.Controller, error) {
	phase := s.Phase()
	if phase == PhaseClosed {
		return pairing.Controller{}, ErrClosed
	}
	if phase != PhaseVerified {
		return pairing.Controller{}, ErrNotVerified
	}
	ctrl, ok := s.store.Controller(s.ControllerID())
	if !ok {
		return pairing.Controller{}, ErrRevoked
	}
	return ctrl, nil
}

// AuthorizeAdmin is Authorize plus an admin permission check.
func (s *Session) AuthorizeAdmin() (pairing.Controller, error) {
	ctrl, err := s.Authorize()
	if err != nil {
		return ctrl, err
	}
	if !ctrl.Permissions.IsAdmin() {
		return ctrl, ErrNotAdmin
	}
	return ctrl, nil
}

// OnClose registers fn to run once when the session closes.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.onClose = append(s.onClose, fn)
	}
	s.mu.Unlock()
	if closed {
		fn(s)
	}
}

// Close releases the setup slot, discards handshake state, closes the
// connection and runs OnClose hooks. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	s.setup.Abort()
	s.transition(PhaseClosed, reason)
	s.conn.Close()
	for _, fn := range hooks {
		fn(s)
	}
}

func (s *Session) transition(next Phase, reason string) {
	s.mu.Lock()
	prev := s.phase
	if prev == next || prev == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.phase = next
	ctrl := s.controllerID
	s.mu.Unlock()

	s.logger.Debug("session phase", "session", s.ID(), "from", prev.String(), "to", next.String(), "controller", ctrl)
	s.proto.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.ID(),
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		ControllerID: ctrl,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: prev.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}
