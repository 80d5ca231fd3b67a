package server

import (
	"groomnet/internal/domain"
	"groomnet/internal/engine"
)

type CreateBookingRequest struct {
	// CustomerID and CustomerName are only honored for API-key callers, which
	// create bookings on a customer's behalf. JWT callers book as themselves.
	CustomerID    string  `json:"customer_id,omitempty"`
	CustomerName  string  `json:"customer_name,omitempty"`
	ServiceID     string  `json:"service_id" example:"svc-classic-cut"`
	ServiceName   string  `json:"service_name" example:"Classic Cut"`
	Price         int64   `json:"price" example:"2500" doc:"Price in minor currency units"`
	PaymentMethod string  `json:"payment_method" enum:"COD,PREPAID"`
	AddressLine   string  `json:"address_line"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
}

type BookingResponse struct {
	domain.Booking
	Handshake string `json:"handshake,omitempty" enum:"AWAITING_BARBER_ARRIVAL,AWAITING_CUSTOMER_RESPONSE,READY,WAIT_REQUESTED"`
}

type CreateBookingResponse struct {
	Booking  BookingResponse       `json:"booking"`
	Dispatch engine.DispatchResult `json:"dispatch"`
}

type TravelRequest struct {
	Stage string `json:"stage" enum:"STARTED,ON_THE_WAY,ALMOST_NEAR,ARRIVED"`
}

type RespondRequest struct {
	Action string `json:"action" enum:"ready,wait"`
}

type BarberStatusRequest struct {
	Online   bool    `json:"online"`
	Lat      float64 `json:"lat,omitempty"`
	Lng      float64 `json:"lng,omitempty"`
	RadiusKm float64 `json:"radius_km,omitempty"`
}

type BarberStatusResponse struct {
	BarberID      string  `json:"barber_id"`
	Online        bool    `json:"online"`
	Lat           float64 `json:"lat,omitempty"`
	Lng           float64 `json:"lng,omitempty"`
	RadiusKm      float64 `json:"radius_km,omitempty"`
	ActiveBooking string  `json:"active_booking,omitempty"`
}

func (s *Server) bookingResponse(b domain.Booking) BookingResponse {
	resp := BookingResponse{Booking: b}
	if state, ok := s.engine.HandshakeState(b.ID); ok {
		resp.Handshake = state
	}
	return resp
}

func (s *Server) mapBookings(items []domain.Booking) []BookingResponse {
	res := make([]BookingResponse, 0, len(items))
	for _, b := range items {
		res = append(res, s.bookingResponse(b))
	}
	return res
}
