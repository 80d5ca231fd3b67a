package groomnetsdk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is the flat websocket envelope shared by both directions.
type Message struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	BookingID    string   `json:"booking_id,omitempty"`
	CustomerID   string   `json:"customer_id,omitempty"`
	CustomerName string   `json:"customer_name,omitempty"`
	BarberID     string   `json:"barber_id,omitempty"`
	BarberName   string   `json:"barber_name,omitempty"`
	ServiceID    string   `json:"service_id,omitempty"`
	Service      string   `json:"service,omitempty"`
	Address      string   `json:"address,omitempty"`
	TotalAmount  string   `json:"total_amount,omitempty"`
	NextState    string   `json:"next_state,omitempty"`
	TravelStage  string   `json:"travel_stage,omitempty"`
	Action       string   `json:"action,omitempty"`
	IsOnline     *bool    `json:"is_online,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lng          *float64 `json:"lng,omitempty"`
	RadiusKm     *float64 `json:"radius_km,omitempty"`
	WaitSeconds  int      `json:"wait_seconds,omitempty"`
	Message      string   `json:"message,omitempty"`
}

const (
	defaultReconnectDelay = 4 * time.Second
	defaultMaxAttempts    = 5
	dedupWindow           = 64
)

// ErrAuthRejected is returned when the server closes the socket with its
// auth-failure code. Reconnecting with the same token will not help.
var ErrAuthRejected = errors.New("websocket auth rejected")

const closeAuthFailure = 4001

// SocketConfig configures a realtime connection.
type SocketConfig struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ws. The token is
	// appended as a query parameter on every dial.
	URL string
	// Token returns the JWT for the next dial attempt. Called before every
	// attempt so a caller can refresh an expiring token.
	Token func() (string, error)
	// OnMessage receives every deduplicated inbound envelope.
	OnMessage func(Message)
	// ReconnectDelay is the fixed pause between redial attempts.
	ReconnectDelay time.Duration
	// MaxAttempts caps consecutive failed dials before Run gives up.
	MaxAttempts int
}

// Socket maintains a websocket session and redials when it drops. Outbound
// sends go through Send; inbound envelopes arrive on OnMessage.
type Socket struct {
	cfg SocketConfig

	mu   sync.Mutex
	conn *websocket.Conn
	seen []string
}

// NewSocket validates the config and returns an unconnected socket.
func NewSocket(cfg SocketConfig) (*Socket, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Socket{cfg: cfg}, nil
}

// Run connects and reads until ctx is cancelled, the server closes the
// session normally, or the redial budget is spent. Each dropped connection is
// redialed with a fresh token after a fixed delay; a normal close or an auth
// rejection stops the loop immediately.
func (s *Socket) Run(ctx context.Context) error {
	attempts := 0
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) || ctx.Err() != nil {
				return err
			}
			attempts++
			if attempts >= s.cfg.MaxAttempts {
				return fmt.Errorf("connect after %d attempts: %w", attempts, err)
			}
			if !sleep(ctx, s.cfg.ReconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		attempts = 0
		err = s.readLoop(ctx, conn)
		s.setConn(nil)
		conn.Close()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrAuthRejected):
			return err
		case isNormalClose(err):
			return nil
		}
		log.Printf("groomnetsdk: connection dropped, redialing: %v", err)
		if !sleep(ctx, s.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// Send writes one envelope on the current connection.
func (s *Socket) Send(msg Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.WriteJSON(msg)
}

// Heartbeat sends a keepalive ping.
func (s *Socket) Heartbeat() error {
	return s.Send(Message{Type: "heartbeat"})
}

// ToggleOnline flips the barber's availability and updates the stored
// location and dispatch radius.
func (s *Socket) ToggleOnline(online bool, lat, lng, radiusKm float64) error {
	return s.Send(Message{
		Type:     "toggle_online",
		IsOnline: &online,
		Lat:      &lat,
		Lng:      &lng,
		RadiusKm: &radiusKm,
	})
}

// Accept races to claim a dispatched booking.
func (s *Socket) Accept(msgID, bookingID string) error {
	return s.Send(Message{ID: msgID, Type: "accept_booking", BookingID: bookingID})
}

// Reject declines a dispatched booking.
func (s *Socket) Reject(msgID, bookingID string) error {
	return s.Send(Message{ID: msgID, Type: "reject_booking", BookingID: bookingID})
}

// TravelUpdate advances the travel stage by one step.
func (s *Socket) TravelUpdate(bookingID, stage string) error {
	return s.Send(Message{Type: "travel_update", BookingID: bookingID, TravelStage: stage})
}

// RequestService announces arrival and opens the handshake.
func (s *Socket) RequestService(bookingID string) error {
	return s.Send(Message{Type: "service_request", BookingID: bookingID})
}

// RespondService answers the arrival handshake with "ready" or "wait".
func (s *Socket) RespondService(bookingID, action string) error {
	return s.Send(Message{Type: "service_response", BookingID: bookingID, Action: action})
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.cfg.Token()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	s.setConn(conn)
	return conn, nil
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, closeAuthFailure) {
				return ErrAuthRejected
			}
			return err
		}
		if msg.ID != "" && s.markSeen(msg.ID) {
			continue
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(msg)
		}
	}
}

// markSeen reports whether id was already delivered, remembering the last
// dedupWindow ids.
func (s *Socket) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.seen {
		if v == id {
			return true
		}
	}
	s.seen = append(s.seen, id)
	if len(s.seen) > dedupWindow {
		s.seen = s.seen[len(s.seen)-dedupWindow:]
	}
	return false
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

// sleep waits for d or until ctx is done, reporting whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
