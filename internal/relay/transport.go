package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Transport wraps one accepted WebSocket connection. coder/websocket allows
// only one writer at a time, so every Send is serialized through mu; reads
// happen on the connection's single owning goroutine and need no lock.
type Transport struct {
	conn  *websocket.Conn
	mu    sync.Mutex
	alive atomic.Bool
}

// NewTransport wraps conn. isAlive starts true so the first heartbeat sweep
// doesn't immediately terminate a freshly accepted connection.
func NewTransport(conn *websocket.Conn) *Transport {
	t := &Transport{conn: conn}
	t.alive.Store(true)
	return t
}

// Send marshals v and writes it as a single text frame.
func (t *Transport) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.SendRaw(ctx, data)
}

// SendRaw writes a pre-encoded frame.
func (t *Transport) SendRaw(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(wctx, websocket.MessageText, data)
}

// Read blocks for the next frame.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

// Close terminates the underlying connection.
func (t *Transport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

// MarkAlive records that a pong was observed.
func (t *Transport) MarkAlive() { t.alive.Store(true) }

// SwapAliveFalse clears the alive flag and reports what it held before.
func (t *Transport) SwapAliveFalse() bool { return t.alive.Swap(false) }
