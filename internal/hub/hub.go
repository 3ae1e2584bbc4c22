// Package hub keeps one live client channel and a bounded envelope history
// per stream.
//
// Appends on a stream are serialized by that stream's mutex, so history
// order, timestamps and live delivery order all agree. Delivery to the live
// channel is best effort; a client that reconnects catches up with Replay.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"runstream/internal/logger"
	"runstream/internal/protocol"
	"runstream/internal/ringbuf"
)

// DefaultHistorySize is the per-stream history capacity used when none is
// configured.
const DefaultHistorySize = 1000

// Channel is a client endpoint that accepts envelopes. Send is called with
// the stream locked and must not block for long.
type Channel interface {
	Send(env protocol.Envelope) error
}

// Terminator stops the process attached to a stream.
type Terminator interface {
	Terminate(force bool) error
}

// Category selects what happens to a stream's process when its client
// disconnects.
type Category string

const (
	// CategoryTerminal keeps the process running across disconnects so
	// the client can reattach.
	CategoryTerminal Category = "terminal"
	// CategoryConversion terminates the process when the client leaves.
	CategoryConversion Category = "conversion"
)

// ParseCategory maps a name to a Category, defaulting to terminal.
func ParseCategory(s string) Category {
	if Category(s) == CategoryConversion {
		return CategoryConversion
	}
	return CategoryTerminal
}

type stream struct {
	mu       sync.Mutex
	live     Channel
	history  *ringbuf.Buffer[protocol.Envelope]
	proc     Terminator
	category Category
	lastTS   time.Time
}

// Options configure a Hub.
type Options struct {
	HistorySize int
	Logger      *slog.Logger
	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Hub maps stream IDs to stream records.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream

	historySize int
	now         func() time.Time
	log         *slog.Logger
}

// New creates an empty hub.
func New(opts Options) *Hub {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("hub")
	}
	return &Hub{
		streams:     make(map[string]*stream),
		historySize: opts.HistorySize,
		now:         opts.Now,
		log:         opts.Logger,
	}
}

// stream returns the record for id, creating it on first use.
func (h *Hub) stream(id string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	if !ok {
		s = &stream{
			history:  ringbuf.New[protocol.Envelope](h.historySize),
			category: CategoryTerminal,
		}
		h.streams[id] = s
	}
	return s
}

func (h *Hub) lookup(id string) (*stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[id]
	return s, ok
}

// Connect makes ch the only live channel of the stream, replacing any
// previous one.
func (h *Hub) Connect(streamID string, ch Channel) {
	s := h.stream(streamID)
	s.mu.Lock()
	replaced := s.live != nil && s.live != ch
	s.live = ch
	s.mu.Unlock()

	h.log.Debug("client connected", "streamID", streamID, "replaced", replaced)
}

// ConnectAndReplay sends the stream's history to ch and then makes it the
// live channel. No append can interleave, so ch sees every envelope
// exactly once and in order.
func (h *Hub) ConnectAndReplay(streamID string, ch Channel) int {
	s := h.stream(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := h.sendAll(streamID, s.history.ReadAll(), ch)
	s.live = ch
	h.log.Debug("client connected with replay", "streamID", streamID, "replayed", n)
	return n
}

// Replay sends the stream's current history to ch in original order. It
// returns the number of envelopes sent successfully.
func (h *Hub) Replay(streamID string, ch Channel) int {
	s, ok := h.lookup(streamID)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.sendAll(streamID, s.history.ReadAll(), ch)
}

func (h *Hub) sendAll(streamID string, envs []protocol.Envelope, ch Channel) int {
	sent := 0
	for _, env := range envs {
		if err := ch.Send(env); err != nil {
			h.log.Warn("replay send failed", "streamID", streamID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Disconnect clears the live channel if it is still ch (nil clears any
// channel). For conversion streams the attached process is terminated;
// termination errors are logged and swallowed.
func (h *Hub) Disconnect(streamID string, ch Channel) {
	s, ok := h.lookup(streamID)
	if !ok {
		return
	}

	s.mu.Lock()
	if ch != nil && s.live != ch {
		s.mu.Unlock()
		return
	}
	s.live = nil
	proc := s.proc
	category := s.category
	s.mu.Unlock()

	h.log.Debug("client disconnected", "streamID", streamID, "category", category)

	if category == CategoryConversion && proc != nil {
		if err := proc.Terminate(false); err != nil {
			h.log.Warn("terminate on disconnect failed", "streamID", streamID, "error", err)
		}
	}
}

// AppendAndBroadcast stamps env, appends it to the stream's history and
// sends it to the live channel if there is one. Send errors are logged and
// swallowed. It returns the stamped envelope.
func (h *Hub) AppendAndBroadcast(streamID string, env protocol.Envelope) protocol.Envelope {
	s := h.stream(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Type != protocol.TypeError && env.Type != protocol.TypePing {
		ts := h.now()
		if ts.Before(s.lastTS) {
			ts = s.lastTS
		}
		s.lastTS = ts
		env.Timestamp = ts
	}

	s.history.Push(env)

	if s.live != nil {
		if err := s.live.Send(env); err != nil {
			h.log.Warn("broadcast send failed", "streamID", streamID, "type", env.Type, "error", err)
		}
	}
	return env
}

// Send delivers env to the live channel without recording it. Used for
// pings and per-client errors.
func (h *Hub) Send(streamID string, env protocol.Envelope) bool {
	s, ok := h.lookup(streamID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		return false
	}
	if err := s.live.Send(env); err != nil {
		h.log.Debug("direct send failed", "streamID", streamID, "error", err)
		return false
	}
	return true
}

// History returns a copy of the stream's history.
func (h *Hub) History(streamID string) []protocol.Envelope {
	s, ok := h.lookup(streamID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.ReadAll()
}

// Connected reports whether the stream has a live channel.
func (h *Hub) Connected(streamID string) bool {
	s, ok := h.lookup(streamID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live != nil
}

// Live reports whether ch is the stream's live channel.
func (h *Hub) Live(streamID string, ch Channel) bool {
	s, ok := h.lookup(streamID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live != nil && s.live == ch
}

// SetCategory sets the stream's disconnect policy.
func (h *Hub) SetCategory(streamID string, c Category) {
	s := h.stream(streamID)
	s.mu.Lock()
	s.category = c
	s.mu.Unlock()
}

// AttachProcess associates a process with the stream for cancellation.
func (h *Hub) AttachProcess(streamID string, t Terminator) {
	s := h.stream(streamID)
	s.mu.Lock()
	s.proc = t
	s.mu.Unlock()
}

// DetachProcess removes the association if it is still t.
func (h *Hub) DetachProcess(streamID string, t Terminator) {
	s, ok := h.lookup(streamID)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.proc == t {
		s.proc = nil
	}
	s.mu.Unlock()
}

// Terminate asks the stream's attached process to stop. It reports whether
// a process was attached; errors are logged and swallowed.
func (h *Hub) Terminate(streamID string) bool {
	s, ok := h.lookup(streamID)
	if !ok {
		return false
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return false
	}
	if err := proc.Terminate(false); err != nil {
		h.log.Warn("terminate failed", "streamID", streamID, "error", err)
	}
	return true
}

// Streams returns the IDs of all known streams.
func (h *Hub) Streams() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.streams))
	for id := range h.streams {
		ids = append(ids, id)
	}
	return ids
}
