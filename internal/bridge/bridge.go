// Package bridge exposes a loopback-only WebSocket endpoint that lets an
// editor plugin preview pending file changes, approve or reject them,
// and inject prompts into the conversation. The bridge is optional:
// every caller-facing operation degrades to a no-op when no editor is
// connected, and the engine never blocks on it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxPayloadBytes = 8 << 20
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	sweepInterval   = 30 * time.Second
)

// Config holds bridge settings.
type Config struct {
	Port            int
	MaxFallbacks    int
	PendingCapacity int
	PendingTTL      time.Duration
}

// DefaultConfig returns the standard bridge settings.
func DefaultConfig() Config {
	return Config{
		Port:            51820,
		MaxFallbacks:    10,
		PendingCapacity: 64,
		PendingTTL:      5 * time.Minute,
	}
}

// StatusFunc supplies the current session status for status broadcasts.
type StatusFunc func() Status

// Server is the editor bridge. It owns its listener, its connection set,
// and the pending-change map; the engine learns of editor decisions only
// through the channels returned by AdvertiseFileChange and Prompts.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	statusFn StatusFunc
	upgrader websocket.Upgrader

	pending *pendingMap
	prompts chan Prompt

	mu       sync.Mutex
	clients  map[*client]struct{}
	listener net.Listener
	httpSrv  *http.Server
	port     int
	closed   bool
}

// New creates a bridge server. statusFn may be nil.
func New(cfg Config, logger *slog.Logger, statusFn StatusFunc) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig().Port
	}
	if cfg.MaxFallbacks == 0 {
		cfg.MaxFallbacks = DefaultConfig().MaxFallbacks
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		statusFn: statusFn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// The listener binds to loopback only; remote peers cannot
			// reach the endpoint in the first place.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: newPendingMap(cfg.PendingCapacity, cfg.PendingTTL),
		prompts: make(chan Prompt, 16),
		clients: make(map[*client]struct{}),
	}
}

// Start binds the listener and begins serving. It tries the configured
// port and then up to MaxFallbacks sequential ports. Failure to bind is
// returned but callers treat it as non-fatal: the engine operates
// without the bridge.
func (s *Server) Start(ctx context.Context) error {
	var listener net.Listener
	var err error
	for i := 0; i <= s.cfg.MaxFallbacks; i++ {
		port := s.cfg.Port + i
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			s.port = port
			break
		}
	}
	if listener == nil {
		return fmt.Errorf("no port available in %d..%d: %w",
			s.cfg.Port, s.cfg.Port+s.cfg.MaxFallbacks, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = listener
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Debug("bridge server stopped", "error", serveErr)
		}
	}()
	go s.sweepLoop(ctx)

	s.logger.Debug("editor bridge listening", "port", s.port)
	return nil
}

// Port returns the bound port, or 0 before Start succeeds.
func (s *Server) Port() int { return s.port }

// Connected reports whether at least one editor client is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

// Prompts delivers user prompts injected from the editor.
func (s *Server) Prompts() <-chan Prompt { return s.prompts }

// AdvertiseFileChange registers a pending change and broadcasts it to
// all connected editors. The returned channel yields the editor's
// decision, or closes without a value on eviction or CloseDiff. ok is
// false when no editor is connected; no entry is registered then.
func (s *Server) AdvertiseFileChange(fc FileChange) (<-chan Decision, bool) {
	if !s.Connected() {
		return nil, false
	}
	ch := s.pending.add(fc)
	s.broadcast(fileChangeMsg{
		Type:            TypeFileChange,
		ID:              fc.ID,
		Path:            fc.Path,
		OriginalContent: fc.OriginalContent,
		NewContent:      fc.NewContent,
		ToolName:        fc.ToolName,
		ToolArgs:        fc.ToolArgs,
	})
	return ch, true
}

// CloseDiff drops a pending change and tells editors to close the diff
// view. Used for engine-originated cancellation.
func (s *Server) CloseDiff(id string) {
	if s.pending.close(id) {
		s.broadcast(closeDiffMsg{Type: TypeCloseDiff, ID: id})
	}
}

// PendingIDs returns the ids of changes still awaiting a decision.
func (s *Server) PendingIDs() []string { return s.pending.ids() }

// NotifyToolCall broadcasts tool-call progress to editors.
func (s *Server) NotifyToolCall(id, name string, args map[string]any, status string) {
	s.broadcast(toolCallMsg{Type: TypeToolCall, ID: id, Name: name, Args: args, Status: status})
}

// NotifyAssistant broadcasts streamed assistant content to editors.
func (s *Server) NotifyAssistant(content string, generating bool) {
	s.broadcast(assistantMessageMsg{Type: TypeAssistantMessage, Content: content, IsGenerating: generating})
}

// RequestDiagnostics asks editors for diagnostics, optionally scoped to
// one path.
func (s *Server) RequestDiagnostics(path string) {
	s.broadcast(diagnosticsRequestMsg{Type: TypeDiagnosticsRequest, Path: path})
}

// BroadcastStatus pushes the current session status to all editors.
func (s *Server) BroadcastStatus() {
	if s.statusFn == nil {
		return
	}
	s.broadcast(statusMsg{Type: TypeStatus, Status: s.statusFn()})
}

// Shutdown stops the listener and disconnects all clients. Pending
// changes are dropped without applying.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	srv := s.httpSrv
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	// Empty the set before any send channel closes so a concurrent
	// broadcast cannot reach a closing client.
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, id := range s.pending.ids() {
		s.pending.close(id)
	}
	for _, c := range clients {
		c.shutdown()
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.pending.sweep(now); n > 0 {
				s.logger.Debug("expired pending changes", "count", n)
			}
		}
	}
}

// broadcast fans a message out to every connected client. Delivery is
// best effort: a slow or disconnected client simply misses it.
func (s *Server) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Debug("bridge marshal failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{server: s, conn: conn, send: make(chan []byte, 64)}

	// Version negotiation happens by sending the ack immediately on
	// connect; the editor decides compatibility from it. The ack is
	// enqueued before registration so only registered clients can ever
	// have their send channel closed from under a sender.
	ack, _ := json.Marshal(connectionAckMsg{
		Type:            TypeConnectionAck,
		ProtocolVersion: ProtocolVersion,
		CLIVersion:      CLIVersion,
	})
	c.send <- ack

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	c.run()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// client is one connected editor.
type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
}

func (c *client) run() {
	go c.writeLoop()
	c.readLoop()
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *client) readLoop() {
	defer func() {
		c.server.removeClient(c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeInbound(data)
		if err != nil {
			c.server.logger.Debug("bridge dropped invalid frame", "error", err)
			continue
		}
		c.server.handleInbound(frame)
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pongWait * 2 / 3)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleInbound(frame *inboundFrame) {
	switch frame.Type {
	case TypeSendPrompt:
		if frame.Prompt == "" {
			return
		}
		select {
		case s.prompts <- Prompt{Prompt: frame.Prompt, Context: frame.Context}:
		default:
			s.logger.Debug("prompt queue full, dropping editor prompt")
		}
	case TypeApplyChange:
		if !s.pending.resolve(frame.ID, DecisionApplied) {
			s.logger.Debug("apply_change for unknown id", "id", frame.ID)
		}
	case TypeRejectChange:
		if !s.pending.resolve(frame.ID, DecisionRejected) {
			s.logger.Debug("reject_change for unknown id", "id", frame.ID)
		}
	case TypeGetStatus:
		s.BroadcastStatus()
	case TypeContext:
		// Editor workspace context is informational; log at debug and
		// keep the most recent snapshot available to interested callers.
		s.logger.Debug("editor context received",
			"workspace", frame.WorkspaceFolder, "openFiles", len(frame.OpenFiles))
	case TypeDiagnosticsResponse:
		s.logger.Debug("diagnostics received", "count", len(frame.Diagnostics))
	default:
		s.logger.Debug("bridge ignoring unknown message type", "type", frame.Type)
	}
}
