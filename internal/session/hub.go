package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrNoSession is returned when pushing to a user with no live connection.
// Dispatch treats that as "the barber never saw it": there is no queued
// delivery.
var ErrNoSession = errors.New("no live session")

// Hub holds the live session per connected user. One session per user id: a
// reconnect replaces (and closes) the previous session.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// OnClose, when set, is invoked after a session is removed by explicit
	// close or heartbeat timeout. A reconnect replacing the old session does
	// not fire it: the user is still connected, so presence must survive.
	OnClose func(userID, role string)

	Now func() time.Time
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session), Now: time.Now}
}

func (h *Hub) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Connect registers a session for the user, replacing any previous one.
func (h *Hub) Connect(userID, role string, conn Conn) *Session {
	s := newSession(userID, role, conn, h.now())
	h.mu.Lock()
	old := h.sessions[userID]
	h.sessions[userID] = s
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return s
}

// Remove drops the session if it is still the current one for its user and
// closes it. Stale sessions (already replaced by a reconnect) are closed
// without touching the registry.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	current := h.sessions[s.UserID] == s
	if current {
		delete(h.sessions, s.UserID)
	}
	h.mu.Unlock()
	_ = s.Close()
	if current && h.OnClose != nil {
		h.OnClose(s.UserID, s.Role)
	}
}

// Get returns the live session for a user.
func (h *Hub) Get(userID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[userID]
	return s, ok
}

// NotifyUser pushes one envelope to a user's live session. Users without a
// live session get ErrNoSession.
func (h *Hub) NotifyUser(userID string, env Envelope) error {
	s, ok := h.Get(userID)
	if !ok {
		return ErrNoSession
	}
	return s.Send(env)
}

// Run closes sessions whose heartbeat has gone silent for longer than the
// window (heartbeat interval times allowed misses). It blocks until ctx is
// done; callers run it in its own goroutine.
func (h *Hub) Run(ctx context.Context, interval time.Duration, misses int) {
	window := interval * time.Duration(misses)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapStale(window)
		}
	}
}

func (h *Hub) reapStale(window time.Duration) {
	cutoff := h.now().Add(-window)
	h.mu.Lock()
	var stale []*Session
	for _, s := range h.sessions {
		if s.LastHeartbeat().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()
	for _, s := range stale {
		log.Printf("session: heartbeat timeout for %s (%s)", s.UserID, s.Role)
		h.Remove(s)
	}
}
