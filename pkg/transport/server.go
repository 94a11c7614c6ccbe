package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthkit/hearthd/pkg/log"
)

// DefaultPort is the accessory protocol port.
const DefaultPort = 51826

// RequestHandler handles one request on a connection. It owns the
// response: typically it serializes into a ResponseBuffer and calls
// conn.WriteMessage, then possibly conn.Upgrade.
type RequestHandler func(conn *Conn, req *http.Request, body []byte)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on, e.g. ":51826". Empty means DefaultPort.
	Address string

	// IdleTimeout closes connections with no request for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	Logger         *slog.Logger
	ProtocolLogger log.Logger

	OnConnect    func(conn *Conn)
	OnDisconnect func(conn *Conn, err error)
	OnRequest    RequestHandler
}

// Server accepts controller connections and runs one read loop per
// connection.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	proto    log.Logger
	listener net.Listener

	conns   map[*Conn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. OnRequest is required.
func NewServer(config ServerConfig) (*Server, error) {
	if config.OnRequest == nil {
		return nil, errors.New("transport: OnRequest is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: config,
		logger: logger,
		proto:  log.OrNoop(config.ProtocolLogger),
		conns:  make(map[*Conn]struct{}),
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("transport: server already running")
	}
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("transport: server already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		raw, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return
		}

		s.wg.Add(1)
		go s.handleConnection(raw)
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	defer s.wg.Done()

	conn := NewConn(raw, s.proto)
	conn.logState("", "CONNECTED", "")

	s.connsMu.Lock()
	if !s.running.Load() {
		s.connsMu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	if s.config.OnConnect != nil {
		s.config.OnConnect(conn)
	}

	err := s.readLoop(conn)
	conn.Close()

	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	conn.logState("CONNECTED", "DISCONNECTED", reason)

	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(conn, err)
	}
}

// readLoop returns nil on a clean close and the cause otherwise.
func (s *Server) readLoop(conn *Conn) error {
	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		req, body, err := ReadRequest(conn.Reader())
		if err != nil {
			if fatal := conn.ReadFailure(); fatal != nil {
				s.logger.Warn("closing connection", "conn", conn.ID(), "remote", conn.RemoteAddr(), "error", fatal)
				return fatal
			}
			select {
			case <-conn.Done():
				return nil
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Debug("read request failed", "conn", conn.ID(), "error", err)
			return err
		}
		s.config.OnRequest(conn, req, body)

		select {
		case <-conn.Done():
			return nil
		default:
		}
	}
}
