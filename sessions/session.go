package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session is the server-side record for one logical client conversation.
type Session struct {
	id        string
	owner     string
	createdAt time.Time
	queue     *Queue

	mu           sync.Mutex
	lastActivity time.Time

	connected atomic.Bool
	streaming atomic.Bool

	onEnqueue func()
}

// SessionInfo is a point-in-time view of a session for introspection.
type SessionInfo struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Connected      bool      `json:"connected"`
	Streaming      bool      `json:"streaming"`
	Pending        int       `json:"pending"`
	Owner          string    `json:"-"`
}

func newSession(id, owner string, now time.Time, onEnqueue func()) *Session {
	s := &Session{
		id:           id,
		owner:        owner,
		createdAt:    now,
		lastActivity: now,
		queue:        newQueue(),
		onEnqueue:    onEnqueue,
	}
	s.connected.Store(true)
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Owner is the user id the session was created for, empty when
// authentication is off.
func (s *Session) Owner() string { return s.owner }

// LastActivityAt returns the time of the most recent lookup.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// Connected reports whether an event stream is still expected to drain the
// queue. It turns false exactly once, when the session is closed.
func (s *Session) Connected() bool { return s.connected.Load() }

// Streaming reports whether an event stream is currently attached.
func (s *Session) Streaming() bool { return s.streaming.Load() }

// AttachStream claims the single consumer slot. The returned release func
// must be called when the stream ends. ok is false when another stream
// already holds the slot.
func (s *Session) AttachStream() (release func(), ok bool) {
	if !s.streaming.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { s.streaming.Store(false) }) }, true
}

// Enqueue appends msg to the session's outbound queue.
func (s *Session) Enqueue(msg any) error {
	if err := s.queue.Push(msg); err != nil {
		return err
	}
	if s.onEnqueue != nil {
		s.onEnqueue()
	}
	return nil
}

// Next waits up to wait for the next outbound message. See Queue.Pop.
func (s *Session) Next(ctx context.Context, wait time.Duration) (any, error) {
	return s.queue.Pop(ctx, wait)
}

// Pending reports the number of queued messages.
func (s *Session) Pending() int { return s.queue.Len() }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.queue.Done() }

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:             s.id,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.LastActivityAt(),
		Connected:      s.Connected(),
		Streaming:      s.Streaming(),
		Pending:        s.Pending(),
		Owner:          s.owner,
	}
}

func (s *Session) close() {
	s.connected.Store(false)
	s.queue.close()
}
