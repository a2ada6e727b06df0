package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State is a Client's connection lifecycle stage.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

const (
	writeTimeout = 10 * time.Second
	maxOutbox    = 100
)

// ErrClosed is returned by Send/Run after Close has been called.
var ErrClosed = errors.New("client closed")

// Client is a small reconnecting WebSocket client used by integration tests
// to play the part of a host or a controller against a running relay.
// It is not part of the relay's production surface — hosts and controllers
// are external collaborators per the server's scope.
type Client struct {
	URL string

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	outbox  [][]byte
	closed  bool
	backoff *Backoff

	OnMessage func(typ string, raw []byte)
}

// NewClient builds a client targeting the given ws:// URL.
func NewClient(url string) *Client {
	return &Client{
		URL:     url,
		backoff: NewBackoff(200*time.Millisecond, 5*time.Second),
	}
}

// State reports the client's current lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send marshals v and writes it if connected, otherwise queues it
// (bounded, oldest dropped first) for delivery after the next connect.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		c.outbox = append(c.outbox, data)
		if len(c.outbox) > maxOutbox {
			c.outbox = c.outbox[len(c.outbox)-maxOutbox:]
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Connect dials once and flushes any queued messages.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	conn.SetReadLimit(10 << 20)

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, data := range pending {
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return err
		}
	}
	c.backoff.Reset()
	return nil
}

// Run connects (unless a prior Connect already did), reads frames until the
// connection drops or ctx is cancelled, then reconnects with backoff. It
// returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()
		if !connected {
			if err := c.Connect(ctx); err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.backoff.Next()):
					continue
				}
			}
		}
		c.readLoop(ctx)

		c.mu.Lock()
		c.state = StateDisconnected
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff.Next()):
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if c.OnMessage == nil {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.OnMessage(env.Type, data)
	}
}

// Close marks the client closed and drops the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}
