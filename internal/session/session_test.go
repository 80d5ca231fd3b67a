package session

import (
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Envelope
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v.(Envelope))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestMarkSeenDropsDuplicates(t *testing.T) {
	s := newSession("cust-1", "customer", &fakeConn{}, time.Now())
	if !s.MarkSeen("msg-1") {
		t.Fatalf("first delivery should be new")
	}
	if s.MarkSeen("msg-1") {
		t.Fatalf("replayed id should be dropped")
	}
	if !s.MarkSeen("msg-2") {
		t.Fatalf("fresh id should be new")
	}
	// Messages without ids are never deduplicated.
	if !s.MarkSeen("") || !s.MarkSeen("") {
		t.Fatalf("empty ids should always pass")
	}
}

func TestMarkSeenWindowEviction(t *testing.T) {
	s := newSession("cust-1", "customer", &fakeConn{}, time.Now())
	for i := 0; i < seenWindow+1; i++ {
		s.MarkSeen(string(rune('a'+i%26)) + string(rune('0'+i/26)))
	}
	if len(s.seen) > seenWindow {
		t.Fatalf("seen set grew past window: %d", len(s.seen))
	}
}

func TestConnectReplacesPreviousSession(t *testing.T) {
	h := NewHub()
	var closed []string
	h.OnClose = func(userID, role string) { closed = append(closed, userID) }
	c1 := &fakeConn{}
	s1 := h.Connect("barber-1", "barber", c1)
	c2 := &fakeConn{}
	s2 := h.Connect("barber-1", "barber", c2)

	if !s1.Closed() {
		t.Fatalf("old session should be closed on reconnect")
	}
	cur, ok := h.Get("barber-1")
	if !ok || cur != s2 {
		t.Fatalf("hub should hold the new session")
	}
	// Removing the stale session must not evict the new one, and neither the
	// replacement nor the stale remove counts as the user going away.
	h.Remove(s1)
	if _, ok := h.Get("barber-1"); !ok {
		t.Fatalf("stale remove evicted the live session")
	}
	if len(closed) != 0 {
		t.Fatalf("reconnect must not fire OnClose: %v", closed)
	}
}

func TestNotifyUser(t *testing.T) {
	h := NewHub()
	c := &fakeConn{}
	h.Connect("barber-1", "barber", c)
	if err := h.NotifyUser("barber-1", Envelope{Type: TypeNewBookingRequest, BookingID: "bk-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if c.frameCount() != 1 {
		t.Fatalf("expected one frame, got %d", c.frameCount())
	}
	if err := h.NotifyUser("nobody", Envelope{Type: TypeRemoveBooking}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestReapStaleClosesSilentSessions(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub()
	h.Now = func() time.Time { return now }

	var closedMu sync.Mutex
	var closed []string
	h.OnClose = func(userID, role string) {
		closedMu.Lock()
		closed = append(closed, userID)
		closedMu.Unlock()
	}

	quiet := h.Connect("barber-quiet", "barber", &fakeConn{})
	chatty := h.Connect("barber-chatty", "barber", &fakeConn{})

	now = now.Add(2 * time.Minute)
	chatty.Touch(now)
	h.reapStale(90 * time.Second)

	if !quiet.Closed() {
		t.Fatalf("silent session should be reaped")
	}
	if chatty.Closed() {
		t.Fatalf("heartbeating session should survive")
	}
	closedMu.Lock()
	defer closedMu.Unlock()
	if len(closed) != 1 || closed[0] != "barber-quiet" {
		t.Fatalf("unexpected OnClose calls: %v", closed)
	}
}

func TestSendOnClosedSession(t *testing.T) {
	h := NewHub()
	s := h.Connect("cust-1", "customer", &fakeConn{})
	h.Remove(s)
	if err := s.Send(Envelope{Type: TypeHeartbeatResponse}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
