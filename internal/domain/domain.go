package domain

// Booking statuses. Transitions are monotonic: PENDING -> ASSIGNED -> COMPLETED,
// or PENDING -> EXPIRED / CANCELLED.
const (
	BookingPending   = "PENDING"
	BookingAssigned  = "ASSIGNED"
	BookingExpired   = "EXPIRED"
	BookingCancelled = "CANCELLED"
	BookingCompleted = "COMPLETED"
)

// Payment methods.
const (
	PaymentCOD     = "COD"
	PaymentPrepaid = "PREPAID"
)

// Travel stages, strictly ordered.
const (
	TravelNotStarted = "NOT_STARTED"
	TravelStarted    = "STARTED"
	TravelOnTheWay   = "ON_THE_WAY"
	TravelAlmostNear = "ALMOST_NEAR"
	TravelArrived    = "ARRIVED"
)

// TravelStages lists the stages in advance order.
var TravelStages = []string{TravelNotStarted, TravelStarted, TravelOnTheWay, TravelAlmostNear, TravelArrived}

// Handshake states for the arrival/service confirmation negotiation.
const (
	HandshakeAwaitingArrival  = "AWAITING_BARBER_ARRIVAL"
	HandshakeAwaitingResponse = "AWAITING_CUSTOMER_RESPONSE"
	HandshakeReady            = "READY"
	HandshakeWaitRequested    = "WAIT_REQUESTED"
)

// User roles carried in JWT claims.
const (
	RoleCustomer = "customer"
	RoleBarber   = "barber"
	RoleService  = "service"
)

type Address struct {
	Line string  `json:"line"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type Booking struct {
	ID               string  `json:"id"`
	CustomerID       string  `json:"customer_id"`
	CustomerName     string  `json:"customer_name,omitempty"`
	ServiceID        string  `json:"service_id"`
	ServiceName      string  `json:"service_name"`
	Price            int64   `json:"price"`
	PaymentMethod    string  `json:"payment_method" enum:"COD,PREPAID"`
	PaymentCollected bool    `json:"payment_collected"`
	Address          Address `json:"address"`
	Status           string  `json:"status" enum:"PENDING,ASSIGNED,EXPIRED,CANCELLED,COMPLETED"`
	BarberID         *string `json:"barber_id,omitempty"`
	TravelStage      *string `json:"travel_stage,omitempty" enum:"NOT_STARTED,STARTED,ON_THE_WAY,ALMOST_NEAR,ARRIVED"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	AssignedAt       *string `json:"assigned_at,omitempty" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt      *string `json:"cancelled_at,omitempty" format:"date-time"`
}

// Settlement is the single money-movement record emitted when a booking
// completes. The wallet ledger itself lives outside this service.
type Settlement struct {
	ID          string `json:"id"`
	BookingID   string `json:"booking_id"`
	BarberID    string `json:"barber_id"`
	GrossAmount int64  `json:"gross_amount"`
	PlatformFee int64  `json:"platform_fee"`
	NetAmount   int64  `json:"net_amount"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	BookingID string `json:"booking_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// NextTravelStage returns the stage that must follow cur, or "" when cur is
// terminal or unknown.
func NextTravelStage(cur string) string {
	for i, s := range TravelStages {
		if s == cur && i+1 < len(TravelStages) {
			return TravelStages[i+1]
		}
	}
	return ""
}
