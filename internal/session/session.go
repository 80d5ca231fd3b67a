package session

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when sending on a session that has been closed.
var ErrClosed = errors.New("session closed")

// seenWindow bounds the per-session duplicate-detection memory.
const seenWindow = 256

// Conn is the transport a session writes to. *websocket.Conn satisfies it;
// tests substitute an in-memory fake.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one authenticated, long-lived channel for a connected user.
// Created on connect, destroyed on close or heartbeat timeout, never
// persisted.
type Session struct {
	UserID string
	Role   string

	conn Conn

	mu            sync.Mutex
	closed        bool
	lastHeartbeat time.Time
	seen          map[string]struct{}
	seenOrder     []string
}

func newSession(userID, role string, conn Conn, now time.Time) *Session {
	return &Session{
		UserID:        userID,
		Role:          role,
		conn:          conn,
		lastHeartbeat: now,
		seen:          make(map[string]struct{}, seenWindow),
	}
}

// Send writes one envelope to the client, stamping the timestamp. Writes are
// serialized: gorilla connections do not allow concurrent writers.
func (s *Session) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return s.conn.WriteJSON(env)
}

// Touch records a heartbeat (or any inbound activity).
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// LastHeartbeat returns when the client was last heard from.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// MarkSeen records an inbound message id and reports whether it is new.
// Replayed ids return false and must be dropped silently before reaching the
// coordinator. Messages without an id are always treated as new.
func (s *Session) MarkSeen(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenWindow {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	return true
}

// Close shuts the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
