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

	"runstream/internal/hub"
	"runstream/internal/logger"
	"runstream/internal/orchestrator"
	"runstream/internal/process"
	"runstream/internal/protocol"
	"runstream/internal/session"
)

const (
	defaultPingInterval = 30 * time.Second
	readDeadline        = 90 * time.Second
	writeDeadline       = 10 * time.Second
	sendQueueLen        = 256
)

var (
	errClientGone = errors.New("client disconnected")
	errSlowClient = errors.New("client send buffer full")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Options wire a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *hub.Hub
	Registry     *session.Registry[orchestrator.Process]
	// BaseContext parents every run. Runs outlive the WebSocket that
	// started them, so it must not be a request context.
	BaseContext  context.Context
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Server routes WebSocket clients and REST calls to the orchestrator and
// the hub.
type Server struct {
	orch     *orchestrator.Orchestrator
	hub      *hub.Hub
	registry *session.Registry[orchestrator.Process]
	base     context.Context
	ping     time.Duration
	log      *slog.Logger

	clients   map[*client]struct{}
	clientsMu sync.RWMutex
}

// client is one WebSocket connection bound to a stream. It implements
// hub.Channel.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	activity chan struct{}
	streamID string
	category hub.Category
	server   *Server

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New creates a new realtime server.
func New(opts Options) *Server {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("realtime")
	}
	return &Server{
		orch:     opts.Orchestrator,
		hub:      opts.Hub,
		registry: opts.Registry,
		base:     opts.BaseContext,
		ping:     opts.PingInterval,
		log:      opts.Logger,
		clients:  make(map[*client]struct{}),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint, one stream per connection.
	mux.HandleFunc("GET /ws/{streamID}", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{owner}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{owner}/output", s.handleSessionOutput)
	mux.HandleFunc("GET /streams/{id}/history", s.handleStreamHistory)
	mux.HandleFunc("POST /streams/{id}/cancel", s.handleCancelStream)

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

// handleWebSocket upgrades the connection for the stream in the path. The
// socket receives stream envelopes only after start, resume or message, so
// a reconnecting client sees the history before anything live.
// ?category=conversion terminates the run when the client leaves.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamID")
	category := hub.ParseCategory(r.URL.Query().Get("category"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, sendQueueLen),
		activity: make(chan struct{}, 1),
		streamID: streamID,
		category: category,
		server:   s,
		done:     make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	s.hub.SetCategory(streamID, category)
	s.log.Info("client connected", "streamID", streamID, "category", category)

	go c.writePump()
	go c.readPump()
}

// Send implements hub.Channel. It never blocks; a full buffer drops the
// envelope and the client can catch up with a resume.
func (c *client) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowClient
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// readPump reads messages from the WebSocket connection.
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", "streamID", c.streamID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		select {
		case c.activity <- struct{}{}:
		default:
		}
		c.server.handleMessage(c, message)
	}
}

// writePump writes queued envelopes and pings the client after a quiet
// period with no client messages.
func (c *client) writePump() {
	idle := time.NewTimer(c.server.ping)
	defer func() {
		idle.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.server.ping)

		case <-idle.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			data, _ := json.Marshal(protocol.Ping())
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			idle.Reset(c.server.ping)
		}
	}
}

// removeClient detaches a disconnected client. Conversion streams lose
// their run; terminal streams keep it for a later resume.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.close()
	// Only the live client owns the run; a replaced or never-attached
	// socket leaving must not cancel it.
	if c.category == hub.CategoryConversion && s.hub.Live(c.streamID, c) {
		s.orch.Cancel(c.streamID)
	}
	s.hub.Disconnect(c.streamID, c)
	s.log.Info("client disconnected", "streamID", c.streamID, "category", c.category)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	switch msg.Action {
	case protocol.ActionStart:
		s.startRun(c, msg, false, msg.Prompt)
	case protocol.ActionResume:
		s.handleResume(c, msg)
	case protocol.ActionMessage:
		s.handleUserMessage(c, msg)
	case protocol.ActionCancel:
		s.handleCancel(c)
	case protocol.ActionResize:
		if err := s.orch.Resize(c.streamID, uint16(msg.Rows), uint16(msg.Cols)); err != nil {
			s.sendError(c, err.Error())
		}
	case protocol.ActionSignal:
		sig, err := process.ParseSignal(msg.Signal)
		if err != nil {
			s.sendError(c, err.Error())
			return
		}
		if err := s.orch.Signal(c.streamID, sig); err != nil {
			s.sendError(c, err.Error())
		}
	}
}

func (s *Server) startRun(c *client, msg *protocol.ClientMessage, resume bool, prompt string) {
	if s.orch.Active(c.streamID) {
		s.sendError(c, orchestrator.ErrRunActive.Error())
		return
	}
	ownerKey := msg.OwnerKey
	if ownerKey == "" {
		ownerKey = c.streamID
	}
	s.orch.Go(s.base, orchestrator.Request{
		StreamID:    c.streamID,
		OwnerKey:    ownerKey,
		Prompt:      prompt,
		ProjectRoot: msg.ProjectRoot,
		Resume:      resume,
		Channel:     c,
		Category:    c.category,
	})
}

// handleResume reattaches to a live run with a history replay, or starts a
// resumed run when nothing is running.
func (s *Server) handleResume(c *client, msg *protocol.ClientMessage) {
	if s.orch.Active(c.streamID) {
		n := s.hub.ConnectAndReplay(c.streamID, c)
		s.log.Debug("reattached to live run", "streamID", c.streamID, "replayed", n)
		return
	}
	s.startRun(c, msg, true, msg.Prompt)
}

// handleUserMessage feeds text to the live process, or resumes the task
// with the text as its prompt. A client not yet attached to the running
// stream is attached with a replay first.
func (s *Server) handleUserMessage(c *client, msg *protocol.ClientMessage) {
	if s.orch.Active(c.streamID) && !s.hub.Live(c.streamID, c) {
		s.hub.ConnectAndReplay(c.streamID, c)
	}
	err := s.orch.Write(c.streamID, msg.Text)
	if err == nil {
		return
	}
	if !errors.Is(err, orchestrator.ErrNoRun) {
		s.sendError(c, err.Error())
		return
	}
	s.startRun(c, msg, true, msg.Text)
}

func (s *Server) handleCancel(c *client) {
	if s.cancelStream(c.streamID) {
		return
	}
	s.sendError(c, "no active run to cancel")
}

// cancelStream stops the stream's run, or terminates a process still
// attached to the stream without a run.
func (s *Server) cancelStream(streamID string) bool {
	if s.orch.Cancel(streamID) {
		return true
	}
	if s.hub.Terminate(streamID) {
		s.hub.AppendAndBroadcast(streamID, protocol.Log(protocol.LevelWarning, "cancelled"))
		return true
	}
	return false
}

func (s *Server) sendError(c *client, message string) {
	if err := c.Send(protocol.Error(message)); err != nil {
		s.log.Debug("error envelope dropped", "streamID", c.streamID, "error", err)
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
