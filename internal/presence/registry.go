// Package presence tracks which identities have been active recently.
//
// Presence is driven purely by activity: every accepted message refreshes the
// sender's entry and a periodic sweep evicts entries that have been idle for
// longer than the presence window. Closing a connection does not remove an
// entry.
package presence

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nfrund/chatrelay/internal/domain"
)

const (
	// DefaultWindow is how long an identity stays active without sending.
	DefaultWindow = 5 * time.Minute

	// DefaultSweepInterval is how often stale entries are evicted.
	DefaultSweepInterval = 30 * time.Second

	mirrorQueueSize = 256
	mirrorTimeout   = 2 * time.Second
)

// Registry maps identity to last activity. All methods are safe for
// concurrent use; the underlying map is never exposed.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]domain.PresenceEntry

	window        time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *slog.Logger

	mirror    Mirror
	mirrorOps chan func(context.Context) error
}

// Option is a function that configures a Registry.
type Option func(*Registry)

// WithWindow sets the inactivity window after which an entry is evicted.
func WithWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithSweepInterval sets the period of the sweep started by Run.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMirror copies presence changes to an external store. Mirror calls are
// made from the Run goroutine, never while holding the registry lock.
func WithMirror(m Mirror) Option {
	return func(r *Registry) {
		r.mirror = m
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]domain.PresenceEntry),
		window:        DefaultWindow,
		sweepInterval: DefaultSweepInterval,
		clock:         time.Now,
		logger:        slog.Default().With("component", "presence"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mirror != nil {
		r.mirrorOps = make(chan func(context.Context) error, mirrorQueueSize)
	}
	return r
}

// Now returns the registry's notion of the current time.
func (r *Registry) Now() time.Time {
	return r.clock()
}

// Window returns the configured inactivity window.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Touch records activity for identity at the current time, creating the
// entry if needed and refreshing its display name.
func (r *Registry) Touch(identity, displayName string) {
	now := r.clock()
	r.touch(identity, displayName, now, now)
}

// TouchAt records activity that happened at the given time, such as a
// message replayed from another relay. Times in the future are capped at
// now and an entry never moves back in time. Activity already older than
// the window does not create an entry.
func (r *Registry) TouchAt(identity, displayName string, at time.Time) {
	r.touch(identity, displayName, at, r.clock())
}

func (r *Registry) touch(identity, displayName string, at, now time.Time) {
	if at.IsZero() || at.After(now) {
		at = now
	}
	entry := domain.PresenceEntry{
		Identity:    identity,
		DisplayName: displayName,
		LastSeen:    at,
	}

	r.mu.Lock()
	prev, existed := r.entries[identity]
	if !existed && now.Sub(at) > r.window {
		r.mu.Unlock()
		return
	}
	if existed && prev.LastSeen.After(at) {
		entry.LastSeen = prev.LastSeen
	}
	r.entries[identity] = entry
	active := len(r.entries)
	r.mu.Unlock()

	if !existed {
		r.logger.Info("Identity became active",
			"identity", identity,
			"display_name", displayName,
			"active", active)
	}

	ttl := r.window - now.Sub(entry.LastSeen)
	if ttl <= 0 {
		return
	}
	r.enqueueMirror(func(ctx context.Context) error {
		return r.mirror.Online(ctx, entry, ttl)
	})
}

// Snapshot returns a copy of all entries ordered by display name, with the
// identity breaking ties.
func (r *Registry) Snapshot() []domain.PresenceEntry {
	r.mu.RLock()
	out := make([]domain.PresenceEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.PresenceEntry) int {
		if c := cmp.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return cmp.Compare(a.Identity, b.Identity)
	})
	return out
}

// Lookup returns the entry for identity, if active.
func (r *Registry) Lookup(identity string) (domain.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	return entry, ok
}

// Len returns the number of active identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Sweep evicts every entry idle for longer than the window as of now and
// returns the evicted identities in sorted order.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var evicted []string
	for identity, entry := range r.entries {
		if now.Sub(entry.LastSeen) > r.window {
			delete(r.entries, identity)
			evicted = append(evicted, identity)
		}
	}
	remaining := len(r.entries)
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	slices.Sort(evicted)

	r.logger.Info("Evicted idle identities",
		"evicted", len(evicted),
		"remaining", remaining,
		"identities", evicted)

	r.enqueueMirror(func(ctx context.Context) error {
		return r.mirror.Offline(ctx, evicted)
	})
	return evicted
}

// Run sweeps on every tick of the sweep interval and applies queued mirror
// updates. It blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info("Presence sweeper started",
		"window", r.window,
		"interval", r.sweepInterval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Presence sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep(r.clock())
		case op := <-r.mirrorOps:
			r.applyMirror(ctx, op)
		}
	}
}

func (r *Registry) enqueueMirror(op func(context.Context) error) {
	if r.mirror == nil {
		return
	}
	select {
	case r.mirrorOps <- op:
	default:
		r.logger.Warn("Presence mirror queue full, dropping update")
	}
}

func (r *Registry) applyMirror(ctx context.Context, op func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	if err := op(ctx); err != nil {
		r.logger.Warn("Presence mirror update failed", "error", err)
	}
}
