package server

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"groomnet/internal/domain"
	"groomnet/internal/engine/auth"
	"groomnet/internal/session"
)

// closeAuthFailure mirrors the mobile clients' expectation: a connection with
// a bad token is accepted and then closed with 4001 so the client knows to
// re-authenticate instead of retrying.
const closeAuthFailure = 4001

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are native apps, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades GET /ws?token=<jwt> into a connection session and pumps
// inbound frames into the coordinator.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	principal, err := authenticateJWT(r.URL.Query().Get("token"), s.auth.JWTSecret)
	if err != nil {
		msg := websocket.FormatCloseMessage(closeAuthFailure, "authentication failed")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	sess := s.hub.Connect(principal.UserID, principal.Role, conn)
	log.Printf("ws: %s connected (%s)", principal.UserID, principal.Role)

	for {
		var env session.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.hub.Remove(sess)
			return
		}
		sess.Touch(s.hub.Now())
		if !sess.MarkSeen(env.ID) {
			continue
		}
		s.handleFrame(r.Context(), sess, principal, env)
	}
}

func (s *Server) handleFrame(ctx context.Context, sess *session.Session, p Principal, env session.Envelope) {
	fail := func(err error) {
		_ = sess.Send(session.Envelope{Type: session.TypeError, BookingID: env.BookingID, Message: err.Error()})
	}
	switch env.Type {
	case session.TypeHeartbeat:
		_ = sess.Send(session.Envelope{Type: session.TypeHeartbeatResponse})

	case session.TypeToggleOnline:
		if err := auth.RequireRole(p.Role, "barber.status", domain.RoleBarber); err != nil {
			fail(err)
			return
		}
		online := env.IsOnline != nil && *env.IsOnline
		var lat, lng, radius float64
		if env.Lat != nil {
			lat = *env.Lat
		}
		if env.Lng != nil {
			lng = *env.Lng
		}
		if env.RadiusKm != nil {
			radius = *env.RadiusKm
		}
		if err := s.engine.SetBarberStatus(p.UserID, online, lat, lng, radius); err != nil {
			fail(err)
		}

	case session.TypeAcceptBooking:
		if err := auth.RequireRole(p.Role, "booking.accept", domain.RoleBarber); err != nil {
			fail(err)
			return
		}
		if _, err := s.engine.Accept(ctx, env.BookingID, p.UserID); err != nil {
			fail(err)
		}

	case session.TypeRejectBooking:
		if err := auth.RequireRole(p.Role, "booking.reject", domain.RoleBarber); err != nil {
			fail(err)
			return
		}
		if err := s.engine.Reject(ctx, env.BookingID, p.UserID); err != nil {
			fail(err)
		}

	case session.TypeTravelUpdate:
		if err := auth.RequireRole(p.Role, "travel.advance", domain.RoleBarber); err != nil {
			fail(err)
			return
		}
		if err := s.engine.AdvanceTravel(ctx, env.BookingID, p.UserID, env.TravelStage); err != nil {
			fail(err)
		}

	case session.TypeServiceRequest:
		if err := auth.RequireRole(p.Role, "handshake.arrived", domain.RoleBarber); err != nil {
			fail(err)
			return
		}
		if err := s.engine.NotifyArrived(ctx, env.BookingID, p.UserID); err != nil {
			fail(err)
		}

	case session.TypeServiceResponse:
		if err := auth.RequireRole(p.Role, "handshake.respond", domain.RoleCustomer); err != nil {
			fail(err)
			return
		}
		if err := s.engine.Respond(ctx, env.BookingID, p.UserID, env.Action); err != nil {
			fail(err)
		}

	default:
		_ = sess.Send(session.Envelope{Type: session.TypeError, Message: "unsupported message type " + env.Type})
	}
}
