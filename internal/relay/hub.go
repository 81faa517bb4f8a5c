// Package relay is the local control process: browser agents and controllers
// connect to it over websockets and it routes commands to agents and their
// responses back to controllers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

type role int

const (
	roleUnknown role = iota
	roleAgent
	roleController
)

func (r role) String() string {
	switch r {
	case roleAgent:
		return "agent"
	case roleController:
		return "controller"
	}
	return "unknown"
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub routes messages between agents and controllers.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu          sync.Mutex
	agents      map[*peer]struct{}
	controllers map[*peer]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // extensions and local tools connect from arbitrary origins
			},
		},
		logger:      logger,
		agents:      make(map[*peer]struct{}),
		controllers: make(map[*peer]struct{}),
	}
}

// Handler serves /ws and /health.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)
	// Agents dial the bare endpoint.
	mux.HandleFunc("/", h.handleWebSocket)
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return h.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.closeAll()
	return err
}

// AgentCount returns the number of connected agents.
func (h *Hub) AgentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

// ControllerCount returns the number of connected controllers.
func (h *Hub) ControllerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.controllers)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"agents":      h.AgentCount(),
		"controllers": h.ControllerCount(),
	})
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	p := &peer{conn: conn}
	defer conn.Close()

	var peerRole role
	defer func() { h.leave(p, peerRole) }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("role", peerRole.String()), zap.Error(err))
			}
			return
		}

		if peerRole == roleUnknown {
			peerRole = h.join(p, data)
			continue
		}

		switch peerRole {
		case roleAgent:
			h.fromAgent(p, data)
		case roleController:
			h.fromController(data)
		}
	}
}

// join decides the peer's role from its first message.
func (h *Hub) join(p *peer, data []byte) role {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		h.logger.Warn("dropping message from unidentified peer", zap.Error(err))
		return roleUnknown
	}

	switch env.Type {
	case protocol.TypeConnection:
		h.mu.Lock()
		h.agents[p] = struct{}{}
		h.mu.Unlock()
		h.logger.Info("agent connected", zap.String("message", env.Message))
		h.broadcastControllers(protocol.Envelope{Type: protocol.TypeBrowserConnected, Message: "browser agent connected"})
		return roleAgent

	case protocol.TypeController:
		h.mu.Lock()
		h.controllers[p] = struct{}{}
		connected := len(h.agents) > 0
		h.mu.Unlock()
		h.logger.Info("controller connected", zap.Bool("agent_connected", connected))
		data, _ := protocol.Envelope{Type: protocol.TypeServerStatus, BrowserConnected: &connected}.Marshal()
		if err := p.write(data); err != nil {
			h.logger.Warn("failed to send server status", zap.Error(err))
		}
		return roleController
	}

	h.logger.Debug("ignoring message from unidentified peer", zap.String("type", string(env.Type)))
	return roleUnknown
}

func (h *Hub) leave(p *peer, r role) {
	switch r {
	case roleAgent:
		h.mu.Lock()
		delete(h.agents, p)
		h.mu.Unlock()
		h.logger.Info("agent disconnected")
		h.broadcastControllers(protocol.Envelope{Type: protocol.TypeBrowserDisconnected, Message: "browser agent disconnected"})
	case roleController:
		h.mu.Lock()
		delete(h.controllers, p)
		h.mu.Unlock()
		h.logger.Info("controller disconnected")
	}
}

func (h *Hub) fromAgent(p *peer, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		h.logger.Warn("dropping malformed agent message", zap.Error(err))
		return
	}
	switch env.Type {
	case protocol.TypePing:
		pong, _ := protocol.NewPong().Marshal()
		if err := p.write(pong); err != nil {
			h.logger.Debug("failed to answer agent ping", zap.Error(err))
		}
	case protocol.TypePong:
	default:
		h.logger.Debug("agent message", zap.String("type", string(env.Type)), zap.String("command", env.Command))
		h.broadcast(h.snapshot(roleController), data)
	}
}

func (h *Hub) fromController(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("dropping malformed controller message", zap.Error(err))
		return
	}
	if env.Type == "" {
		env.Type = protocol.TypeCommand
	}
	if err := env.Validate(); err != nil {
		h.logger.Warn("dropping invalid controller message", zap.Error(err))
		return
	}
	out, err := env.Marshal()
	if err != nil {
		return
	}
	h.logger.Debug("controller command", zap.String("command", env.Command), zap.String("id", env.ID))
	h.broadcast(h.snapshot(roleAgent), out)
}

func (h *Hub) broadcastControllers(env protocol.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		return
	}
	h.broadcast(h.snapshot(roleController), data)
}

func (h *Hub) snapshot(r role) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.agents
	if r == roleController {
		set = h.controllers
	}
	peers := make([]*peer, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	return peers
}

func (h *Hub) broadcast(peers []*peer, data []byte) {
	for _, p := range peers {
		if err := p.write(data); err != nil {
			h.logger.Debug("broadcast write failed", zap.Error(err))
		}
	}
}

func (h *Hub) closeAll() {
	for _, p := range append(h.snapshot(roleAgent), h.snapshot(roleController)...) {
		_ = p.conn.Close()
	}
}
