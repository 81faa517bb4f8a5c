package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

// Conn is a message oriented socket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a new Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            nil, // loopback only
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// handle is one connection attempt's socket. Events carrying a generation
// other than the manager's current one are stale and ignored.
type handle struct {
	gen       uint64
	conn      Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (h *handle) write(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *handle) close() {
	h.closeOnce.Do(func() {
		_ = h.conn.Close()
	})
}

// isFailure reports whether a read error is a transport failure rather than
// an orderly close by the peer.
func isFailure(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway
	}
	return true
}
