package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

// ErrClosed is returned by Send once the controller connection is gone.
var ErrClosed = errors.New("controller connection closed")

// ResultMargin is added to the agent's command timeout when waiting for a
// result, so the agent's own timeout response arrives before the controller
// gives up.
const ResultMargin = 5 * time.Second

// SendTimeout is how long a controller should wait for the result of a
// command the agent bounds by commandTimeout.
func SendTimeout(commandTimeout time.Duration) time.Duration {
	return commandTimeout + ResultMargin
}

// Controller is a client that sends commands through the relay and waits for
// the agent's responses.
type Controller struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope

	agentConnected atomic.Bool
	ready          chan struct{}
	readyOnce      sync.Once
	done           chan struct{}
	closeOnce      sync.Once
}

// DialController connects to the relay at url, identifies as a controller and
// waits for the relay's status reply.
func DialController(ctx context.Context, url string, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Controller{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan protocol.Envelope),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := c.write(protocol.Envelope{Type: protocol.TypeController}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("identify as controller: %w", err)
	}
	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("relay closed before status: %w", ErrClosed)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// AgentConnected reports whether the relay has a browser agent attached.
func (c *Controller) AgentConnected() bool {
	return c.agentConnected.Load()
}

// Send issues command with params and waits for the matching response.
// Unrelated messages are ignored.
func (c *Controller) Send(ctx context.Context, command string, params any) (*protocol.Result, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		raw = b
	}

	id := uuid.NewString()
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := protocol.Envelope{Type: protocol.TypeCommand, ID: id, Command: command, Params: raw}
	if err := c.write(env); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case resp := <-ch:
		return resp.Result, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", command, ctx.Err())
	}
}

// Close closes the connection.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Controller) write(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Controller) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("controller read ended", zap.Error(err))
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping malformed relay message", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypeServerStatus:
			c.agentConnected.Store(env.BrowserConnected != nil && *env.BrowserConnected)
			c.readyOnce.Do(func() { close(c.ready) })
		case protocol.TypeBrowserConnected:
			c.agentConnected.Store(true)
		case protocol.TypeBrowserDisconnected:
			c.agentConnected.Store(false)
		case protocol.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("response for unknown request", zap.String("id", env.ID), zap.String("command", env.Command))
				continue
			}
			select {
			case ch <- env:
			default:
			}
		default:
			c.logger.Debug("relay message", zap.String("type", string(env.Type)))
		}
	}
}
