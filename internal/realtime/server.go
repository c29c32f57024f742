// Package realtime serves the observation surface: a websocket feed of
// session lifecycle and raw output, plus a small REST API over the same
// session manager.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gangwaybot/gangway/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	// sendBuffer bounds a client's outbound queue. Full queues drop
	// frames rather than stall the broadcaster.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server fans session output and lifecycle updates out to websocket
// observers and exposes a REST surface for scripted control.
type Server struct {
	mgr *session.Manager
	log *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool

	// subs maps client -> sessionID -> detach func for output taps.
	subsMu sync.Mutex
	subs   map[*client]map[string]func()
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// closed guards send: output taps may fire briefly after detach, so
	// enqueue must never hit a closed channel.
	mu     sync.Mutex
	closed bool
}

func (c *client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// NewServer creates a Server over mgr.
func NewServer(mgr *session.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		mgr:     mgr,
		log:     log.With("component", "realtime"),
		clients: make(map[*client]bool),
		subs:    make(map[*client]map[string]func()),
	}
}

// Handler returns the fully routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/message", s.handleSendMessage)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleTerminateSession)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NotifyLifecycle is a session.Options.Notify adapter: it rebroadcasts
// the session table whenever the manager reports a lifecycle event.
func (s *Server) NotifyLifecycle(event, sessionID string) {
	s.broadcastSessionTable()
	if event == "created" {
		s.tapAllClients(sessionID)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subsMu.Lock()
	s.subs[c] = make(map[string]func())
	s.subsMu.Unlock()

	// New observers get the current table and taps on every live session.
	for _, sum := range s.mgr.ListSessions() {
		s.enqueueUpdate(c, sum)
		if sum.Status == session.StatusActive || sum.Status == session.StatusStarting {
			s.tapClient(c, sum.ID)
		}
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.server.handleClientMessage(c, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subsMu.Lock()
	taps := s.subs[c]
	delete(s.subs, c)
	s.subsMu.Unlock()

	for _, detach := range taps {
		detach()
	}
	c.shutdown()
}

func (s *Server) handleClientMessage(c *client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.enqueueError(c, "invalid_message", err.Error())
		return
	}

	switch env.Type {
	case TypeCreate:
		var p CreatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.enqueueError(c, "invalid_payload", err.Error())
			return
		}
		sess, err := s.mgr.CreateSession(context.Background(), p.ProjectPath, p.SessionID)
		if err != nil {
			s.enqueueError(c, errorCode(err), err.Error())
			return
		}
		s.broadcastSessionTable()
		s.tapAllClients(sess.ID)

	case TypeMessage:
		var p MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.enqueueError(c, "invalid_payload", err.Error())
			return
		}
		// Replies can take a while; keep the read loop free.
		go func() {
			reply, err := s.mgr.SendMessage(context.Background(), p.SessionID, p.Text)
			if err != nil {
				s.enqueueError(c, errorCode(err), err.Error())
				return
			}
			s.enqueue(c, TypeResponse, ResponsePayload{SessionID: p.SessionID, Text: reply})
		}()

	case TypeTerminate:
		var p TerminatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.enqueueError(c, "invalid_payload", err.Error())
			return
		}
		if err := s.mgr.TerminateSession(context.Background(), p.SessionID); err != nil {
			s.enqueueError(c, errorCode(err), err.Error())
			return
		}
		s.broadcastSessionTable()

	default:
		s.enqueueError(c, "unknown_type", env.Type)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return "session_not_found"
	case errors.Is(err, session.ErrSessionLimit):
		return "session_limit"
	case errors.Is(err, session.ErrNoActiveSession):
		return "no_active_session"
	default:
		return "internal"
	}
}

// tapAllClients attaches every connected client to a session's output.
func (s *Server) tapAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.tapClient(c, sessionID)
	}
}

func (s *Server) tapClient(c *client, sessionID string) {
	s.subsMu.Lock()
	if _, exists := s.subs[c][sessionID]; exists {
		s.subsMu.Unlock()
		return
	}
	s.subsMu.Unlock()

	detach, err := s.mgr.SubscribeOutput(sessionID, func(chunk string) {
		s.enqueue(c, TypeSessionOutput, SessionOutputPayload{SessionID: sessionID, Data: chunk})
	})
	if err != nil {
		return
	}

	s.subsMu.Lock()
	if s.subs[c] == nil {
		detach()
		s.subsMu.Unlock()
		return
	}
	s.subs[c][sessionID] = detach
	s.subsMu.Unlock()
}

func (s *Server) broadcastSessionTable() {
	sums := s.mgr.ListSessions()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		for _, sum := range sums {
			s.enqueueUpdate(c, sum)
		}
	}
}

func (s *Server) enqueueUpdate(c *client, sum session.Summary) {
	s.enqueue(c, TypeSessionUpdate, summaryPayload(sum))
}

func (s *Server) enqueueError(c *client, code, message string) {
	s.enqueue(c, TypeError, ErrorPayload{Code: code, Message: message})
}

func (s *Server) enqueue(c *client, typ string, payload any) {
	frame, err := envelope(typ, payload)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func summaryPayload(sum session.Summary) SessionUpdatePayload {
	return SessionUpdatePayload{
		SessionID:    sum.ID,
		ProjectPath:  sum.ProjectPath,
		ProjectName:  sum.ProjectName,
		Status:       string(sum.Status),
		Active:       sum.Active,
		CreatedAt:    sum.CreatedAt.Format(time.RFC3339Nano),
		LastActivity: sum.LastActivity.Format(time.RFC3339Nano),
	}
}
