// Package attach is the WebSocket surface for interactive clients: RPC
// pass-through to a bridge plus a broadcast feed of every agent event.
package attach

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markcallen/simplebot/internal/auth"
	"github.com/markcallen/simplebot/internal/bridge"
)

// RPCHandler executes one attach-client RPC. The id has already been stripped.
type RPCHandler func(ctx context.Context, rpcType string, params map[string]any) (any, error)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

// Server upgrades /attach requests, authenticates the first frame, and then
// tunnels RPC while mirroring every bridge event to all clients.
type Server struct {
	verifier *auth.Verifier
	handler  RPCHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewServer creates an attach server. The handler receives every post-auth
// RPC frame.
func NewServer(verifier *auth.Verifier, handler RPCHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier: verifier,
		handler:  handler,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ClientCount returns the number of authenticated sockets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the connection and runs the client until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !s.authenticate(conn) {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthorized")
		conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
		conn.Close()
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(r.Context(), c)
}

// authenticate enforces first-message auth: exactly {type:"auth", token}.
func (s *Server) authenticate(conn *websocket.Conn) bool {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var frame struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		return false
	}
	return s.verifier.Verify(frame.Token) == nil
}

func (s *Server) readPump(ctx context.Context, c *client) {
	defer s.dropClient(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(ctx, c, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *client, data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		s.respondError(c, nil, "invalid JSON")
		return
	}
	// The id is echoed back as-is; clients may use any JSON value.
	id := frame["id"]
	rpcType, _ := frame["type"].(string)
	if rpcType == "" {
		s.respondError(c, id, "missing type")
		return
	}
	delete(frame, "id")
	delete(frame, "type")

	result, err := s.handler(ctx, rpcType, frame)
	if err != nil {
		s.respondError(c, id, err.Error())
		return
	}
	s.enqueue(c, mustMarshal(map[string]any{
		"id":      id,
		"type":    "response",
		"success": true,
		"data":    result,
	}))
}

func (s *Server) respondError(c *client, id any, msg string) {
	s.enqueue(c, mustMarshal(map[string]any{
		"id":      id,
		"type":    "response",
		"success": false,
		"error":   msg,
	}))
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"response","success":false,"error":"marshal failure"}`)
	}
	return data
}

// Broadcast mirrors one bridge event to every authenticated socket. The raw
// bytes from the child are reused; the event is serialized exactly once.
func (s *Server) Broadcast(ev bridge.Event) {
	payload := []byte(ev.Raw)
	if payload == nil {
		payload = mustMarshal(ev)
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.enqueue(c, payload)
	}
}

// enqueue queues a frame for the client; a full queue means the client cannot
// keep up, and the socket is dropped rather than blocking the broadcaster.
// Membership is checked under the lock so nothing sends on a closed queue.
func (s *Server) enqueue(c *client, data []byte) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		s.mu.Unlock()
	default:
		delete(s.clients, c)
		s.mu.Unlock()
		s.logger.Warn("attach client too slow, dropping")
		c.once.Do(func() { close(c.send) })
		c.conn.Close()
	}
}

func (s *Server) writePump(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.dropClient(c)
			return
		}
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.once.Do(func() { close(c.send) })
	c.conn.Close()
}

// Close notifies every client the server is going away and drops the sockets.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")
	for _, c := range clients {
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
		c.once.Do(func() { close(c.send) })
		c.conn.Close()
	}
}
