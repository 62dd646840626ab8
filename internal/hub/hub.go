// Package hub fans every accepted message out to all live sessions.
//
// The Hub is a single goroutine that owns the session set. Sessions talk to
// it through channels, so registration, ingestion and fan-out never
// interleave.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/chatrelay/internal/domain"
	"github.com/nfrund/chatrelay/internal/wire"
)

// DefaultMailboxSize is how many inbound frames may wait for the hub.
const DefaultMailboxSize = 1024

// Presence records sender activity.
type Presence interface {
	Touch(identity, displayName string)
	// TouchAt records activity stamped elsewhere, capped at now.
	TouchAt(identity, displayName string, at time.Time)
}

// Journal receives every ingested message for durable storage. Publish must
// not block.
type Journal interface {
	Publish(msg domain.Message)
}

type inboundFrame struct {
	raw  []byte
	from *Session
}

// Hub maintains the set of active sessions and broadcasts messages to them.
type Hub struct {
	sessions map[*Session]struct{}

	register   chan *Session
	deregister chan *Session
	inbound    chan inboundFrame
	relay      chan domain.Message
	done       chan struct{}

	// gate is held for reading by Ingest and Deliver while they hand a
	// message over. Once stopping is set under the write lock, the mailboxes
	// receive nothing more and can be drained completely.
	gate     sync.RWMutex
	stopping bool

	presence Presence
	journal  Journal
	clock    func() time.Time
	count    atomic.Int64

	logger *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithJournal sets where ingested messages are persisted.
func WithJournal(j Journal) Option {
	return func(h *Hub) {
		h.journal = j
	}
}

// WithClock sets the clock used to stamp messages. It should be the clock
// the presence registry uses.
func WithClock(clock func() time.Time) Option {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithMailboxSize sets the inbound frame buffer.
func WithMailboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inbound = make(chan inboundFrame, n)
			h.relay = make(chan domain.Message, n)
		}
	}
}

// NewHub creates a Hub. Run must be started before sessions are registered.
func NewHub(presence Presence, opts ...Option) *Hub {
	h := &Hub{
		sessions:   make(map[*Session]struct{}),
		register:   make(chan *Session),
		deregister: make(chan *Session),
		inbound:    make(chan inboundFrame, DefaultMailboxSize),
		relay:      make(chan domain.Message, DefaultMailboxSize),
		done:       make(chan struct{}),
		presence:   presence,
		clock:      time.Now,
		logger:     slog.Default().With("component", "hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds s to the broadcast set.
func (h *Hub) Register(s *Session) error {
	if h.stopped() {
		return domain.ErrClosed
	}
	select {
	case h.register <- s:
		return nil
	case <-h.done:
		return domain.ErrClosed
	}
}

// Deregister removes s and closes its outbound queue.
func (h *Hub) Deregister(s *Session) error {
	if h.stopped() {
		return domain.ErrClosed
	}
	select {
	case h.deregister <- s:
		return nil
	case <-h.done:
		return domain.ErrClosed
	}
}

// Ingest hands a raw inbound frame from a session to the hub. Frames that do
// not decode are discarded by the hub. A frame accepted here is processed
// even if the hub stops right after.
func (h *Hub) Ingest(raw []byte, from *Session) error {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.stopping {
		return domain.ErrClosed
	}
	h.inbound <- inboundFrame{raw: raw, from: from}
	return nil
}

// Deliver broadcasts a message that was already stamped elsewhere, such as
// one replayed from the durable log. It is not published again.
func (h *Hub) Deliver(msg domain.Message) error {
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.stopping {
		return domain.ErrClosed
	}
	h.relay <- msg
	return nil
}

// Sessions returns the number of registered sessions.
func (h *Hub) Sessions() int {
	return int(h.count.Load())
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run processes the hub's channels until ctx is canceled. Frames and relayed
// messages accepted before that are still broadcast, then every session
// queue is closed. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Hub started")
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.drain()
			return

		case s := <-h.register:
			h.sessions[s] = struct{}{}
			h.count.Store(int64(len(h.sessions)))
			h.logger.Info("Session registered", "session_id", s.ID(), "remote_addr", s.RemoteAddr(), "total_sessions", len(h.sessions))

		case s := <-h.deregister:
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				s.close()
				h.count.Store(int64(len(h.sessions)))
				h.logger.Info("Session deregistered", "session_id", s.ID(), "dropped", s.Dropped(), "total_sessions", len(h.sessions))
			}

		case f := <-h.inbound:
			h.ingest(f)

		case msg := <-h.relay:
			h.deliver(msg)
		}
	}
}

// drain stops Ingest and Deliver from accepting more work and processes
// everything they already accepted. Mailboxes keep being served while the
// gate closes, since a sender may be blocked on a full one.
func (h *Hub) drain() {
	closed := make(chan struct{})
	go func() {
		h.gate.Lock()
		h.stopping = true
		h.gate.Unlock()
		close(closed)
	}()

	for {
		select {
		case f := <-h.inbound:
			h.ingest(f)
		case msg := <-h.relay:
			h.deliver(msg)
		case <-closed:
			for {
				select {
				case f := <-h.inbound:
					h.ingest(f)
				case msg := <-h.relay:
					h.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) ingest(f inboundFrame) {
	msg, err := wire.Decode(f.raw)
	if err != nil {
		h.logger.Debug("Discarding inbound frame", "session_id", sessionID(f.from), "error", err)
		return
	}

	h.presence.Touch(msg.Identity, msg.DisplayName)
	// Stamped after the touch so a message is never older than the
	// presence entry it refreshed.
	msg.CreatedAt = h.clock()

	if h.journal != nil {
		h.journal.Publish(msg)
	}
	h.broadcast(msg)
}

// deliver broadcasts a message replayed from another relay. Presence uses
// the message's own timestamp so a lagging replay does not revive idle
// identities.
func (h *Hub) deliver(msg domain.Message) {
	h.presence.TouchAt(msg.Identity, msg.DisplayName, msg.CreatedAt)
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg domain.Message) {
	h.logger.Debug("Broadcasting message", "sender_id", msg.Identity, "recipient_count", len(h.sessions))
	for s := range h.sessions {
		if s.enqueue(msg) {
			h.logger.Warn("Session queue full, dropped oldest message", "session_id", s.ID(), "dropped_total", s.Dropped())
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for s := range h.sessions {
		delete(h.sessions, s)
		s.close()
	}
	h.count.Store(0)
	h.logger.Info("Hub stopped")
}

func sessionID(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ID()
}
