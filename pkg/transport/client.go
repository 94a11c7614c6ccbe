package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hearthkit/hearthd/pkg/log"
)

// DefaultEventBuffer is the client's event channel capacity.
const DefaultEventBuffer = 32

// Client is the controller side of a connection. Before Upgrade it reads
// responses inline; afterwards a background reader splits responses from
// EVENT messages.
type Client struct {
	conn *Conn

	mu        sync.Mutex
	responses chan *Response
	events    chan *Response
	readErr   chan error
	async     bool
}

// Dial connects to an accessory.
func Dial(ctx context.Context, addr string, logger log.Logger) (*Client, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{
		conn:      NewConn(raw, logger),
		responses: make(chan *Response, 1),
		events:    make(chan *Response, DefaultEventBuffer),
		readErr:   make(chan error, 1),
	}, nil
}

// Conn exposes the underlying connection.
func (c *Client) Conn() *Conn { return c.conn }

// Events delivers EVENT messages after Upgrade. Events that arrive while
// the channel is full are dropped.
func (c *Client) Events() <-chan *Response { return c.events }

// Do sends one request and waits for its response. Requests are
// serialized.
func (c *Client) Do(ctx context.Context, method, target, contentType string, body []byte) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteMessage(EncodeRequest(method, target, contentType, body)); err != nil {
		return nil, err
	}

	if !c.async {
		type result struct {
			resp *Response
			err  error
		}
		done := make(chan result, 1)
		go func() {
			resp, err := ReadResponse(c.conn.Reader())
			done <- result{resp, err}
		}()
		select {
		case r := <-done:
			return r.resp, r.err
		case <-ctx.Done():
			c.conn.Close()
			return nil, ctx.Err()
		}
	}

	select {
	case resp := <-c.responses:
		return resp, nil
	case err := <-c.readErr:
		c.readErr <- err
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Upgrade switches to encrypted frames with controller-side keys and
// starts the background reader.
func (c *Client) Upgrade(readKey, writeKey []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.async {
		return ErrAlreadyEncrypted
	}
	if err := c.conn.Upgrade(readKey, writeKey); err != nil {
		return err
	}
	c.async = true
	go c.readLoop()
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		resp, err := ReadResponse(c.conn.Reader())
		if err != nil {
			if fatal := c.conn.ReadFailure(); fatal != nil {
				err = fatal
			}
			c.readErr <- err
			return
		}
		if resp.IsEvent() {
			select {
			case c.events <- resp:
			default:
			}
			continue
		}
		select {
		case c.responses <- resp:
		case <-c.conn.Done():
			c.readErr <- ErrClosed
			return
		}
	}
}

// Err returns the background reader's terminal error, if it has stopped.
func (c *Client) Err() error {
	select {
	case err := <-c.readErr:
		c.readErr <- err
		return err
	default:
		return nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
