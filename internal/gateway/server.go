// Package gateway is the WebSocket control plane: a JSON-RPC-ish frame
// protocol for driving agents, inspecting sessions, and watching run
// events. The first frame on every connection must be the connect
// handshake; anything else closes the socket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/channels"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/queue"
	"github.com/botgatehq/botgate/internal/sessions"
	"github.com/botgatehq/botgate/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Server is the control-plane listener.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	sched    *queue.Scheduler
	events   *bus.EventBus
	sessions *sessions.Manager
	chans    *channels.Manager

	serverID  string
	startedAt time.Time

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	idem    map[string]idemEntry

	closed bool
}

type idemEntry struct {
	resp protocol.ResponseFrame
	at   time.Time
}

type client struct {
	id   string
	name string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// New creates a gateway server.
func New(cfg *config.Config, sched *queue.Scheduler, events *bus.EventBus, sm *sessions.Manager, cm *channels.Manager, log *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log.With("component", "gateway"),
		sched:     sched,
		events:    events,
		sessions:  sm,
		chans:     cm,
		serverID:  uuid.NewString(),
		startedAt: time.Now(),
		clients:   make(map[string]*client),
		idem:      make(map[string]idemEntry),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealthHTTP)

	addr := net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprintf("%d", s.cfg.Gateway.Port))
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	s.log.Info("gateway listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		return nil
	case err := <-errCh:
		return fmt.Errorf("gateway serve: %w", err)
	}
}

// Shutdown announces shutdown to connected clients and closes the listener.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.send(protocol.NewEvent(protocol.EventShutdown, "", nil))
		c.conn.Close()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
}

func (s *Server) handleHealthHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"uptime_seconds":%d}`, int(time.Since(s.startedAt).Seconds()))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	if !s.handshake(c) {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("client connected", "client_id", c.id, "client", c.name, "clients", n)
	s.broadcastPresence()

	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	conn.Close()
	s.log.Info("client disconnected", "client_id", c.id)
	s.broadcastPresence()
}

// handshake enforces the typed first frame: a connect request carrying the
// protocol version and, when the gateway has a token, valid credentials.
func (s *Server) handshake(c *client) bool {
	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var req protocol.RequestFrame
	if err := c.conn.ReadJSON(&req); err != nil {
		return false
	}
	if req.Method != protocol.MethodConnect {
		_ = c.send(protocol.ResponseFrame{ID: req.ID, OK: false, Error: &protocol.ErrorInfo{
			Code: protocol.ErrBadRequest, Message: "first frame must be connect",
		}})
		return false
	}

	var params protocol.ConnectParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		_ = c.send(errorResponse(req.ID, protocol.ErrBadRequest, "malformed connect params"))
		return false
	}
	if params.Protocol != protocol.ProtocolVersion {
		_ = c.send(errorResponse(req.ID, protocol.ErrBadRequest,
			fmt.Sprintf("protocol %d not supported (server speaks %d)", params.Protocol, protocol.ProtocolVersion)))
		return false
	}
	if s.cfg.Gateway.Token != "" && params.Token != s.cfg.Gateway.Token {
		_ = c.send(errorResponse(req.ID, protocol.ErrAuth, "invalid token"))
		return false
	}

	c.name = params.Client
	return c.send(protocol.ResponseFrame{ID: req.ID, OK: true, Result: protocol.ConnectResult{
		Protocol: protocol.ProtocolVersion,
		ServerID: s.serverID,
	}}) == nil
}

func (s *Server) readLoop(c *client) {
	for {
		var req protocol.RequestFrame
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.dispatch(c, req)
		if err := c.send(resp); err != nil {
			return
		}
	}
}

// dispatch runs one request, consulting the idempotency cache first.
func (s *Server) dispatch(c *client, req protocol.RequestFrame) protocol.ResponseFrame {
	if req.IdempotencyKey != "" {
		if resp, ok := s.idemLookup(req.IdempotencyKey); ok {
			resp.ID = req.ID
			return resp
		}
	}

	resp := s.handle(c, req)

	if req.IdempotencyKey != "" && resp.OK {
		s.idemStore(req.IdempotencyKey, resp)
	}
	return resp
}

func (s *Server) idemTTL() time.Duration {
	ttl := time.Duration(s.cfg.Gateway.IdempotencyTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

func (s *Server) idemLookup(key string) (protocol.ResponseFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.idem[key]
	if !ok || time.Since(ent.at) > s.idemTTL() {
		delete(s.idem, key)
		return protocol.ResponseFrame{}, false
	}
	return ent.resp, true
}

func (s *Server) idemStore(key string, resp protocol.ResponseFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, ent := range s.idem {
		if now.Sub(ent.at) > s.idemTTL() {
			delete(s.idem, k)
		}
	}
	s.idem[key] = idemEntry{resp: resp, at: now}
}

// broadcastPresence pushes the current presence snapshot to every client.
func (s *Server) broadcastPresence() {
	snapshot := s.presence()
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.send(protocol.NewEvent(protocol.EventPresence, "", snapshot))
	}
}

// streamRun forwards a run's events to the client that started it.
func (s *Server) streamRun(c *client, runID string) {
	for ev := range s.events.Subscribe(runID) {
		name := protocol.EventAssistant
		switch ev.Kind {
		case bus.EventLifecycle:
			name = protocol.EventLifecycle
		case bus.EventTool:
			name = protocol.EventTool
		case bus.EventReasoning:
			name = protocol.EventReasoning
		}
		payload := map[string]interface{}{
			"kind":  string(ev.Kind),
			"phase": string(ev.Phase),
		}
		if ev.Status != "" {
			payload["status"] = ev.Status
		}
		if ev.ErrorKind != "" {
			payload["error"] = "error:" + ev.ErrorKind
		}
		if ev.Delta != "" {
			payload["delta"] = ev.Delta
		}
		if ev.ToolName != "" {
			payload["tool"] = ev.ToolName
		}
		if err := c.send(protocol.NewEvent(name, runID, payload)); err != nil {
			return
		}
	}
}

func errorResponse(id, code, msg string) protocol.ResponseFrame {
	return protocol.ResponseFrame{ID: id, OK: false, Error: &protocol.ErrorInfo{Code: code, Message: msg}}
}
