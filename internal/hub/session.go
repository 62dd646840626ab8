package hub

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nfrund/chatrelay/internal/domain"
)

// DefaultQueueSize is the outbound queue capacity of a session.
const DefaultQueueSize = 256

// Session is the hub's view of one live connection. The hub is the only
// writer of its outbound queue and the only one that closes it.
type Session struct {
	id         string
	remoteAddr string
	queue      chan domain.Message
	dropped    atomic.Int64
}

// NewSession creates a session with a bounded outbound queue.
func NewSession(remoteAddr string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Session{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		queue:      make(chan domain.Message, queueSize),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Outbound is drained by the connection's write pump. It is closed when the
// session is deregistered or the hub stops.
func (s *Session) Outbound() <-chan domain.Message { return s.queue }

// Dropped reports how many messages were evicted from a full queue.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// enqueue adds msg without blocking. A full queue loses its oldest message.
// It reports whether anything was evicted.
func (s *Session) enqueue(msg domain.Message) bool {
	evicted := false
	for {
		select {
		case s.queue <- msg:
			return evicted
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

func (s *Session) close() {
	close(s.queue)
}
