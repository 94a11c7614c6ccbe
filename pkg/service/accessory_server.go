package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hearthkit/hearthd/pkg/accessory"
	"github.com/hearthkit/hearthd/pkg/commissioning"
	"github.com/hearthkit/hearthd/pkg/log"
	"github.com/hearthkit/hearthd/pkg/pairing"
	"github.com/hearthkit/hearthd/pkg/session"
	"github.com/hearthkit/hearthd/pkg/transport"
)

// AccessoryServer is the accessory-protocol endpoint: it owns the
// listener, the session registry and the Pair-Setup guard, and routes
// decrypted requests to the accessory model.
type AccessoryServer struct {
	config   AccessoryConfig
	logger   *slog.Logger
	proto    log.Logger
	pairings *pairing.Store
	model    *accessory.Model
	tracker  *SetupAttemptTracker
	sessions *session.Manager
	router   chi.Router
	server   *transport.Server

	mu            sync.RWMutex
	state         ServiceState
	ctx           context.Context
	cancel        context.CancelFunc
	eventHandlers []EventHandler

	pumps sync.WaitGroup
}

// NewAccessoryServer wires the components in config. It does not listen
// until Start.
func NewAccessoryServer(config AccessoryConfig) (*AccessoryServer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = accessory.DefaultSinkBuffer
	}

	s := &AccessoryServer{
		config:   config,
		logger:   logger,
		proto:    log.OrNoop(config.ProtocolLogger),
		pairings: config.Pairings,
		model:    config.Model,
		tracker:  NewSetupAttemptTracker(config.AttemptPolicy),
		state:    StateIdle,
	}
	s.sessions = session.NewManager(session.ManagerConfig{
		Store:          config.Pairings,
		Code:           config.SetupCode,
		Guard:          s.tracker,
		Logger:         logger,
		ProtocolLogger: s.proto,
	})
	s.router = s.routes()

	srv, err := transport.NewServer(transport.ServerConfig{
		Address:        config.ListenAddress,
		IdleTimeout:    config.IdleTimeout,
		Logger:         logger,
		ProtocolLogger: s.proto,
		OnConnect:      s.handleConnect,
		OnDisconnect:   s.handleDisconnect,
		OnRequest:      s.handleRequest,
	})
	if err != nil {
		return nil, err
	}
	s.server = srv

	config.Pairings.OnChange(s.handlePairedChange)
	return s, nil
}

// State returns the current service state.
func (s *AccessoryServer) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnEvent registers an event handler.
func (s *AccessoryServer) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Start listens on the configured address.
func (s *AccessoryServer) Start(ctx context.Context) error {
	return s.start(ctx, func(ctx context.Context) error { return s.server.Start(ctx) })
}

// Serve uses an existing listener.
func (s *AccessoryServer) Serve(ctx context.Context, l net.Listener) error {
	return s.start(ctx, func(ctx context.Context) error { return s.server.Serve(ctx, l) })
}

func (s *AccessoryServer) start(ctx context.Context, listen func(context.Context) error) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	cn, err := s.pairings.UpdateConfigHash(s.model.Database().Hash())
	if err != nil {
		s.logger.Warn("could not persist configuration number", "error", err)
		cn = s.pairings.ConfigNumber()
	}

	if err := listen(s.ctx); err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.cancel()
		s.mu.Unlock()
		return err
	}

	if d := s.config.Discovery; d != nil {
		_ = d.SetConfigNumber(cn)
		_ = d.SetPaired(s.pairings.IsPaired())
		if err := d.Start(s.ctx); err != nil {
			s.logger.Warn("mdns advertising unavailable", "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("accessory server started",
		"addr", s.Addr(), "deviceID", s.pairings.Identity().DeviceID,
		"paired", s.pairings.IsPaired(), "c#", cn)
	return nil
}

// Stop withdraws the advertisement, closes every connection and waits
// for the connection and event goroutines.
func (s *AccessoryServer) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	s.mu.Unlock()

	if d := s.config.Discovery; d != nil {
		d.Stop()
	}
	s.cancel()
	_ = s.server.Stop()
	s.sessions.CloseAll("server stopping")
	s.pumps.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("accessory server stopped")
	return nil
}

// Addr returns the listen address once started.
func (s *AccessoryServer) Addr() net.Addr { return s.server.Addr() }

// Sessions lists live sessions.
func (s *AccessoryServer) Sessions() []session.Info { return s.sessions.List() }

// Tracker exposes the Pair-Setup guard, for example to reset it.
func (s *AccessoryServer) Tracker() *SetupAttemptTracker { return s.tracker }

// RemoveAllPairings deletes every controller and closes their sessions.
func (s *AccessoryServer) RemoveAllPairings() error {
	if err := s.pairings.RemoveAllControllers(); err != nil {
		s.persistFailed(err)
		return err
	}
	s.sessions.CloseAll("all pairings removed")
	s.tracker.Reset()
	return nil
}

func (s *AccessoryServer) handleConnect(conn *transport.Conn) {
	sess := s.sessions.Open(conn)
	sess.OnClose(func(ss *session.Session) { s.model.Drop(ss.ID()) })
	s.emit(Event{Type: EventConnected, SessionID: conn.ID(), RemoteAddr: conn.RemoteAddr().String()})
}

func (s *AccessoryServer) handleDisconnect(conn *transport.Conn, err error) {
	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	ctrl := ""
	if sess, ok := s.sessions.Get(conn.ID()); ok {
		ctrl = sess.ControllerID()
		sess.Close(reason)
	}
	s.emit(Event{Type: EventDisconnected, SessionID: conn.ID(), ControllerID: ctrl,
		RemoteAddr: conn.RemoteAddr().String(), Error: err})
}

// exchange carries per-request state between a handler and handleRequest,
// which acts on it after the response is on the wire.
type exchange struct {
	session *session.Session

	// keys, when set, upgrades the connection after the response.
	keys *commissioning.SessionKeys

	// closeReason, when set, closes the session after the response.
	closeReason string

	after []func()
}

type exchangeKey struct{}

func exchangeFrom(ctx context.Context) *exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*exchange)
	return ex
}

func (s *AccessoryServer) handleRequest(conn *transport.Conn, req *http.Request, body []byte) {
	sess, ok := s.sessions.Get(conn.ID())
	if !ok {
		conn.Close()
		return
	}

	start := time.Now()
	ct := req.Header.Get("Content-Type")
	s.logMessage(conn, log.DirectionIn, &log.MessageEvent{
		Type:        log.MessageTypeRequest,
		Method:      req.Method,
		Path:        req.URL.RequestURI(),
		ContentType: ct,
		BodySize:    len(body),
		Body:        loggableBody(ct, body),
	})

	ex := &exchange{session: sess}
	rb := transport.NewResponseBuffer()
	s.router.ServeHTTP(rb, req.WithContext(context.WithValue(s.ctx, exchangeKey{}, ex)))

	if err := conn.WriteMessage(rb.Bytes()); err != nil {
		s.logger.Debug("write response failed", "session", sess.ID(), "error", err)
		sess.Close("write failed")
		return
	}
	elapsed := time.Since(start)
	rct := rb.Header().Get("Content-Type")
	s.logMessage(conn, log.DirectionOut, &log.MessageEvent{
		Type:           log.MessageTypeResponse,
		Method:         req.Method,
		Path:           req.URL.Path,
		Status:         rb.Status(),
		ContentType:    rct,
		BodySize:       len(rb.Body()),
		Body:           loggableBody(rct, rb.Body()),
		ProcessingTime: &elapsed,
	})

	if ex.keys != nil {
		if err := sess.Upgrade(*ex.keys); err != nil {
			s.logger.Warn("session upgrade failed", "session", sess.ID(), "error", err)
			sess.Close("upgrade failed: " + err.Error())
			return
		}
		s.startEvents(sess)
		s.emit(Event{Type: EventVerified, SessionID: sess.ID(), ControllerID: sess.ControllerID()})
	}
	if ex.closeReason != "" {
		sess.Close(ex.closeReason)
	}
	for _, fn := range ex.after {
		fn()
	}
}

// startEvents registers the session's sink and pushes EVENT messages
// until the sink is closed.
func (s *AccessoryServer) startEvents(sess *session.Session) {
	ch := s.model.RegisterSink(sess.ID(), s.config.EventBuffer)
	if sess.Phase() == session.PhaseClosed {
		s.model.Drop(sess.ID())
	}

	conn := sess.Conn()
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		for ev := range ch {
			body, err := accessory.EventJSON(ev)
			if err != nil {
				s.logger.Error("encode event", "session", sess.ID(), "error", err)
				continue
			}
			if err := conn.WriteMessage(transport.EventMessage(body)); err != nil {
				s.logger.Debug("event write failed", "session", sess.ID(), "error", err)
				continue
			}
			if tc, ok := conn.(*transport.Conn); ok {
				s.logMessage(tc, log.DirectionOut, &log.MessageEvent{
					Type:        log.MessageTypeEvent,
					ContentType: transport.ContentTypeJSON,
					BodySize:    len(body),
					Body:        body,
				})
			}
		}
	}()
}

func (s *AccessoryServer) handlePairedChange(paired bool) {
	s.logger.Info("pairing state changed", "paired", paired)
	if d := s.config.Discovery; d != nil {
		if err := d.SetPaired(paired); err != nil {
			s.logger.Warn("mdns update failed", "error", err)
		}
	}
}

func (s *AccessoryServer) persistFailed(err error) {
	s.logger.Error("pairing change not persisted", "error", err)
	if s.config.OnPersistFailure != nil {
		s.config.OnPersistFailure(err)
	}
}

func (s *AccessoryServer) emit(ev Event) {
	s.mu.RLock()
	handlers := append([]EventHandler(nil), s.eventHandlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *AccessoryServer) logMessage(conn *transport.Conn, dir log.Direction, msg *log.MessageEvent) {
	s.proto.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ID(),
		Direction:    dir,
		Layer:        log.LayerHTTP,
		Category:     log.CategoryMessage,
		LocalRole:    log.RoleAccessory,
		RemoteAddr:   conn.RemoteAddr().String(),
		ControllerID: conn.ControllerID(),
		Message:      msg,
	})
}

// loggableBody keeps JSON bodies and drops TLV8, which carries key material.
func loggableBody(contentType string, body []byte) []byte {
	if strings.HasPrefix(contentType, transport.ContentTypeJSON) && len(body) > 0 {
		return append([]byte(nil), body...)
	}
	return nil
}

var errNoExchange = errors.New("service: request without session")
