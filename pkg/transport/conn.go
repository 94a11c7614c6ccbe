package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hearthkit/hearthd/pkg/log"
)

var (
	// ErrAlreadyEncrypted is returned by a second Upgrade.
	ErrAlreadyEncrypted = errors.New("transport: connection already encrypted")

	// ErrPendingPlaintext means plaintext bytes arrived after the message
	// that completed Pair-Verify, so the upgrade point is ambiguous.
	ErrPendingPlaintext = errors.New("transport: unread plaintext at upgrade")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: connection closed")
)

// Conn is one accessory-protocol connection. Reads happen on a single
// goroutine; WriteMessage may be called from any goroutine and sends each
// message whole.
type Conn struct {
	raw    net.Conn
	id     string
	br     *bufio.Reader
	logger log.Logger

	readMu sync.Mutex
	reader io.Reader
	frames *FrameReader

	writeMu sync.Mutex
	writer  io.Writer

	encrypted atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}

	controllerID atomic.Pointer[string]
}

// NewConn wraps an established network connection.
func NewConn(raw net.Conn, logger log.Logger) *Conn {
	c := &Conn{
		raw:     raw,
		id:      uuid.New().String(),
		logger:  log.OrNoop(logger),
		reader:  raw,
		writer:  raw,
		closeCh: make(chan struct{}),
	}
	c.br = bufio.NewReader(streamReader{c})
	return c
}

// ID is a random identifier used in logs and the session registry.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// Encrypted reports whether Upgrade has happened.
func (c *Conn) Encrypted() bool { return c.encrypted.Load() }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.closeCh }

// SetControllerID tags later protocol events with the verified controller.
func (c *Conn) SetControllerID(id string) { c.controllerID.Store(&id) }

// ControllerID returns the id set by SetControllerID.
func (c *Conn) ControllerID() string {
	if p := c.controllerID.Load(); p != nil {
		return *p
	}
	return ""
}

// Reader returns the buffered plaintext stream.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// Upgrade switches both directions to encrypted frames. readKey opens
// inbound frames, writeKey seals outbound ones. The caller must have
// written the final plaintext response already.
func (c *Conn) Upgrade(readKey, writeKey []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.br.Buffered() > 0 {
		return ErrPendingPlaintext
	}

	fr, err := NewFrameReader(c.raw, readKey)
	if err != nil {
		return err
	}
	fw, err := NewFrameWriter(c.raw, writeKey)
	if err != nil {
		return err
	}
	fr.SetLogger(c.logger, c.id)
	fw.SetLogger(c.logger, c.id)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if !c.encrypted.CompareAndSwap(false, true) {
		return ErrAlreadyEncrypted
	}
	c.reader = fr
	c.frames = fr
	c.writer = fw

	c.logState("PLAINTEXT", "ENCRYPTED", "")
	return nil
}

// WriteMessage writes one serialized HTTP message atomically.
func (c *Conn) WriteMessage(msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.encrypted.Load() {
		c.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.id,
			Direction:    log.DirectionOut,
			Layer:        log.LayerTransport,
			Category:     log.CategoryMessage,
			ControllerID: c.ControllerID(),
			Frame:        log.NewFrameEvent(msg, false, 0),
		})
	}
	if _, err := c.writer.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadFailure returns the fatal framing error that stopped reads, if any.
func (c *Conn) ReadFailure() error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.frames == nil {
		return nil
	}
	if err := c.frames.Err(); IsFatal(err) {
		return err
	}
	return nil
}

// SetReadDeadline forwards to the network connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		err = c.raw.Close()
	})
	return err
}

func (c *Conn) logState(oldState, newState, reason string) {
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   c.raw.RemoteAddr().String(),
		ControllerID: c.ControllerID(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// streamReader reads through whichever reader is current, so the bufio
// layer survives the upgrade.
type streamReader struct{ c *Conn }

func (s streamReader) Read(p []byte) (int, error) {
	s.c.readMu.Lock()
	r := s.c.reader
	s.c.readMu.Unlock()
	return r.Read(p)
}
