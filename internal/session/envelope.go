package session

// Message types pushed to or received from clients. One frame is one flat JSON
// object with a `type` discriminator, matching the production wire format.
const (
	TypeNewBookingRequest   = "new_booking_request"
	TypeRemoveBooking       = "remove_booking"
	TypeAcceptBooking       = "accept_booking"
	TypeRejectBooking       = "reject_booking"
	TypeBookingConfirmed    = "booking_confirmed"
	TypeBookingCancelled    = "booking_cancelled"
	TypeNoBarbersAvailable  = "no_barbers_available"
	TypeToggleOnline        = "toggle_online"
	TypeOnlineStatusUpdated = "online_status_updated"
	TypeTravelUpdate        = "travel_update"
	TypeTravelStatusUpdated = "travel_status_updated"
	TypeServiceRequest      = "service_request"
	TypeServiceResponse     = "service_response"
	TypeServiceReady        = "service_ready"
	TypeServiceWait         = "service_wait_requested"
	TypeServiceCompleted    = "service_completed"
	TypeHeartbeat           = "heartbeat"
	TypeHeartbeatResponse   = "heartbeat_response"
	TypeError               = "error"
)

// Envelope is one websocket frame. Fields not relevant to a given type are
// omitted from the JSON. ID is set by the sender and used for de-duplication:
// the network layer does not guarantee exactly-once delivery across
// reconnects, so receivers drop ids they have already applied.
type Envelope struct {
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
