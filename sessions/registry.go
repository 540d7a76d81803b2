package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// ErrSessionClosed is returned by Acquire for an id whose session was closed
// within the tombstone window.
var ErrSessionClosed = errors.New("sessions: session closed")

// ErrNotOwner is returned when a live session belongs to a different user.
var ErrNotOwner = errors.New("sessions: session owned by another user")

// DefaultTombstoneTTL is how long a closed id is remembered.
const DefaultTombstoneTTL = 10 * time.Minute

// Observer receives lifecycle callbacks. Implementations must not block.
type Observer interface {
	SessionOpened()
	SessionClosed(lifetime time.Duration)
	MessageEnqueued()
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithTombstoneTTL sets how long closed ids are rejected by Acquire. Zero
// disables tombstones.
func WithTombstoneTTL(d time.Duration) Option {
	return func(r *Registry) { r.tombstoneTTL = d }
}

// WithObserver registers lifecycle callbacks, typically metrics.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry maps session ids to sessions. It is safe for concurrent use and is
// owned by the serving process; there is no package-level instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	closed       *ttlcache.Cache[string, time.Time]
	tombstoneTTL time.Duration

	now      func() time.Time
	log      *slog.Logger
	observer Observer
	stopOnce sync.Once
}

// NewRegistry constructs an empty registry. Call Stop to release the
// tombstone janitor.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:     make(map[string]*Session),
		tombstoneTTL: DefaultTombstoneTTL,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tombstoneTTL > 0 {
		r.closed = ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](r.tombstoneTTL),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		)
		go r.closed.Start()
	}
	return r
}

// Create registers a new session with no owner. An empty id is replaced with
// a random UUID. Creating an id that is already live returns the live session.
func (r *Registry) Create(id string) *Session {
	r.mu.Lock()
	s, created := r.createLocked(id, "")
	r.mu.Unlock()
	if created {
		r.opened(s)
	}
	return s
}

// CreateFor is Create for an authenticated user. A live session under the
// same id that belongs to someone else yields ErrNotOwner.
func (r *Registry) CreateFor(id, owner string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok && s.owner != owner {
		r.mu.Unlock()
		return nil, ErrNotOwner
	}
	s, created := r.createLocked(id, owner)
	r.mu.Unlock()
	if created {
		r.opened(s)
	}
	return s, nil
}

func (r *Registry) createLocked(id, owner string) (*Session, bool) {
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	if s, ok := r.sessions[id]; ok {
		s.touch(now)
		return s, false
	}
	s := newSession(id, owner, now, r.enqueued)
	r.sessions[id] = s
	if r.closed != nil {
		r.closed.Delete(id)
	}
	return s, true
}

func (r *Registry) opened(s *Session) {
	if r.observer != nil {
		r.observer.SessionOpened()
	}
	r.log.Debug("session.create", slog.String("session_id", s.ID()))
}

// Get looks up a session and refreshes its activity timestamp. Absence is
// not an error.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

// GetFor is Get restricted to sessions owned by owner. A session owned by
// someone else is reported absent and is not touched.
func (r *Registry) GetFor(id, owner string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.owner != owner {
		return nil, false
	}
	s.touch(r.now())
	return s, true
}

// Acquire returns the live session for id, creating it when the id has never
// been seen. created reports whether a new session was registered. An id that
// was closed within the tombstone window yields ErrSessionClosed.
func (r *Registry) Acquire(id string) (s *Session, created bool, err error) {
	return r.AcquireFor(id, "")
}

// AcquireFor is Acquire on behalf of owner. A lazily created session belongs
// to owner; a live session owned by someone else yields ErrNotOwner.
func (r *Registry) AcquireFor(id, owner string) (s *Session, created bool, err error) {
	r.mu.Lock()
	if live, ok := r.sessions[id]; ok && live.owner != owner {
		r.mu.Unlock()
		return nil, false, ErrNotOwner
	}
	if id != "" && r.sessions[id] == nil && r.isTombstoned(id) {
		r.mu.Unlock()
		return nil, false, ErrSessionClosed
	}
	s, created = r.createLocked(id, owner)
	r.mu.Unlock()

	if created {
		r.opened(s)
	}
	return s, created, nil
}

func (r *Registry) isTombstoned(id string) bool {
	if r.closed == nil {
		return false
	}
	return r.closed.Get(id) != nil
}

// Close marks the session disconnected, wakes its stream and removes it. It
// reports whether a live session was removed; closing an unknown id is a
// no-op.
func (r *Registry) Close(id string) bool {
	return r.closeIf(id, func(*Session) bool { return true })
}

// CloseFor closes id only when it belongs to owner.
func (r *Registry) CloseFor(id, owner string) bool {
	return r.closeIf(id, func(s *Session) bool { return s.owner == owner })
}

func (r *Registry) closeIf(id string, allow func(*Session) bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	ok = ok && allow(s)
	if ok {
		delete(r.sessions, id)
		if r.closed != nil {
			r.closed.Set(id, r.now(), ttlcache.DefaultTTL)
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.close()
	lifetime := r.now().Sub(s.CreatedAt())
	if r.observer != nil {
		r.observer.SessionClosed(lifetime)
	}
	r.log.Debug("session.close", slog.String("session_id", id), slog.Duration("lifetime", lifetime))
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of all live sessions ordered by creation time.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ReapIdle closes sessions with no attached stream whose last activity is
// older than maxIdle. It returns the number of sessions closed.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if !s.Streaming() && s.LastActivityAt().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range stale {
		if r.Close(id) {
			n++
		}
	}
	return n
}

// RunReaper calls ReapIdle every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, maxIdle, interval time.Duration) {
	if maxIdle <= 0 {
		return
	}
	if interval <= 0 {
		interval = maxIdle / 4
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.ReapIdle(maxIdle); n > 0 {
				r.log.InfoContext(ctx, "session.reap", slog.Int("closed", n))
			}
		}
	}
}

// Stop closes every live session and stops background work.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		ids := make([]string, 0, len(r.sessions))
		for id := range r.sessions {
			ids = append(ids, id)
		}
		r.mu.Unlock()
		for _, id := range ids {
			r.Close(id)
		}
		if r.closed != nil {
			r.closed.Stop()
		}
	})
}

func (r *Registry) enqueued() {
	if r.observer != nil {
		r.observer.MessageEnqueued()
	}
}
