package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"groomnet/internal/config"
	"groomnet/internal/domain"
	"groomnet/internal/events"
	"groomnet/internal/presence"
	"groomnet/internal/repo"
	"groomnet/internal/session"
)

// Sentinel errors surfaced to API clients. The server maps each to a status
// code and envelope message.
var (
	ErrNotDispatched          = errors.New("booking is not being dispatched")
	ErrAlreadyDispatched      = errors.New("booking already dispatched")
	ErrAlreadyAssigned        = errors.New("booking already assigned to another barber")
	ErrBookingExpired         = errors.New("booking expired before acceptance")
	ErrNoBarbersAvailable     = errors.New("no barbers available")
	ErrNotAssignedBarber      = errors.New("barber is not assigned to this booking")
	ErrNotBookingCustomer     = errors.New("customer does not own this booking")
	ErrBookingNotActive       = errors.New("booking is not active")
	ErrNotSequential          = errors.New("travel stage must advance one step at a time")
	ErrNotArrived             = errors.New("barber has not arrived yet")
	ErrArrivalAlreadyReported = errors.New("arrival already reported")
	ErrNotAwaitingResponse    = errors.New("no arrival awaiting a response")
	ErrServiceNotReady        = errors.New("service has not been confirmed ready")
	ErrNotCashBooking         = errors.New("booking is not cash on delivery")
	ErrPaymentNotCollected    = errors.New("cash payment not collected")
)

// Notifier pushes one envelope to a user's live session. The session hub
// implements it; engine tests substitute a recorder.
type Notifier interface {
	NotifyUser(userID string, env session.Envelope) error
}

// attempt is the in-memory record of one dispatch broadcast: who was notified,
// who has bowed out, and whether the race has been decided. All access happens
// under the booking's lock, so the struct itself carries no mutex.
type attempt struct {
	id         string
	bookingID  string
	candidates []string
	rejected   map[string]struct{}
	deadline   time.Time
	timer      *time.Timer
	resolved   bool
	winner     string
}

// handshake tracks the arrival confirmation for one assigned booking. Like
// attempts, it lives only in memory and only under the booking's lock.
type handshake struct {
	state         string
	deadlineTimer *time.Timer
	graceTimer    *time.Timer
}

func (h *handshake) stopTimers() {
	if h.deadlineTimer != nil {
		h.deadlineTimer.Stop()
	}
	if h.graceTimer != nil {
		h.graceTimer.Stop()
	}
}

// Engine is the coordinator: every booking mutation goes through it, one
// booking at a time. Concurrent accepts, timer expiries, and cancellations for
// the same booking all serialize on the booking's lock, so each operation sees
// a settled state and runs as plain sequential code.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Presence *presence.Registry
	Notify   Notifier
	Config   *config.Config
	Now      func() time.Time

	// Timing knobs, pre-resolved from config so tests can shrink them.
	DispatchWindow   time.Duration
	ResponseDeadline time.Duration
	WaitGrace        time.Duration

	mu         *keyedMutex
	attempts   *stateMap[*attempt]
	handshakes *stateMap[*handshake]
}

func New(db *sql.DB, reg *presence.Registry, notify Notifier, cfg *config.Config) *Engine {
	return &Engine{
		DB:               db,
		Repo:             repo.Repo{DB: db},
		Events:           events.Writer{DB: db},
		Presence:         reg,
		Notify:           notify,
		Config:           cfg,
		Now:              time.Now,
		DispatchWindow:   time.Duration(cfg.Dispatch.WindowSeconds) * time.Second,
		ResponseDeadline: time.Duration(cfg.Handshake.ResponseSeconds) * time.Second,
		WaitGrace:        time.Duration(cfg.Handshake.WaitGraceSeconds) * time.Second,
		mu:               newKeyedMutex(),
		attempts:         newStateMap[*attempt](),
		handshakes:       newStateMap[*handshake](),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// push delivers an envelope best-effort. A user with no live session simply
// misses the push; the polling endpoints remain the fallback.
func (e *Engine) push(userID string, env session.Envelope) {
	if e.Notify == nil {
		return
	}
	_ = e.Notify.NotifyUser(userID, env)
}

// CreateBooking persists a new PENDING booking. Dispatch is a separate step so
// callers decide when the broadcast happens.
func (e *Engine) CreateBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	if b.CustomerID == "" {
		return domain.Booking{}, errors.New("customer is required")
	}
	if b.ServiceID == "" || b.ServiceName == "" {
		return domain.Booking{}, errors.New("service is required")
	}
	if b.Price <= 0 {
		return domain.Booking{}, errors.New("price must be positive")
	}
	if b.PaymentMethod != domain.PaymentCOD && b.PaymentMethod != domain.PaymentPrepaid {
		return domain.Booking{}, fmt.Errorf("unknown payment method %q", b.PaymentMethod)
	}
	if b.Address.Line == "" {
		return domain.Booking{}, errors.New("address is required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Status = domain.BookingPending
	b.PaymentCollected = false
	b.BarberID = nil
	b.TravelStage = nil
	b.CreatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Booking{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBooking(ctx, tx, b); err != nil {
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "booking.created", b.ID, b.CustomerID, events.EventPayload{
		"service": b.ServiceName, "price": b.Price, "payment_method": b.PaymentMethod,
	}); err != nil {
		return domain.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

// DispatchResult reports who a broadcast reached and when the race closes.
type DispatchResult struct {
	AttemptID string   `json:"attempt_id"`
	Barbers   []string `json:"barbers"`
	Deadline  string   `json:"deadline" format:"date-time"`
}

// Dispatch broadcasts a PENDING booking to every eligible barber with a live
// session and opens the acceptance window. With nobody reachable the booking
// expires immediately and the customer is told.
func (e *Engine) Dispatch(ctx context.Context, bookingID, actorID string) (DispatchResult, error) {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return DispatchResult{}, err
	}
	if b.Status != domain.BookingPending {
		return DispatchResult{}, ErrBookingNotActive
	}
	if _, exists := e.attempts.get(bookingID); exists {
		return DispatchResult{}, ErrAlreadyDispatched
	}

	a := &attempt{
		id:        uuid.NewString(),
		bookingID: bookingID,
		rejected:  make(map[string]struct{}),
		deadline:  e.now().Add(e.DispatchWindow),
	}
	env := session.Envelope{
		Type:         session.TypeNewBookingRequest,
		BookingID:    b.ID,
		CustomerID:   b.CustomerID,
		CustomerName: b.CustomerName,
		ServiceID:    b.ServiceID,
		Service:      b.ServiceName,
		Address:      b.Address.Line,
		TotalAmount:  fmt.Sprintf("%d", b.Price),
		Lat:          &b.Address.Lat,
		Lng:          &b.Address.Lng,
	}
	// Only barbers whose session accepts the frame count as notified. A barber
	// without a live session never saw the request and is not in the race.
	for _, id := range e.Presence.EligibleFor(b) {
		if e.Notify == nil {
			break
		}
		if err := e.Notify.NotifyUser(id, env); err != nil {
			continue
		}
		a.candidates = append(a.candidates, id)
	}

	if len(a.candidates) == 0 {
		if err := e.expireLocked(ctx, b, nil, "no_barbers_available"); err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{}, ErrNoBarbersAvailable
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DispatchResult{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "dispatch.broadcast", b.ID, actorID, events.EventPayload{
		"attempt_id": a.id, "barbers": a.candidates, "window_seconds": int(e.DispatchWindow / time.Second),
	}); err != nil {
		return DispatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DispatchResult{}, err
	}

	a.timer = time.AfterFunc(e.DispatchWindow, func() { e.expireAttempt(b.ID, a.id) })
	e.attempts.put(bookingID, a)
	return DispatchResult{AttemptID: a.id, Barbers: a.candidates, Deadline: a.deadline.UTC().Format(time.RFC3339)}, nil
}

// Accept resolves the race for one barber. Exactly one caller wins: everyone
// runs through the booking lock, and the first to find the attempt unresolved
// takes it. The row update keeps a status guard as a second line of defense.
func (e *Engine) Accept(ctx context.Context, bookingID, barberID string) (domain.Booking, error) {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	a, ok := e.attempts.get(bookingID)
	if !ok {
		b, err := e.Repo.GetBooking(ctx, bookingID)
		if err != nil {
			return domain.Booking{}, err
		}
		switch b.Status {
		case domain.BookingAssigned:
			return domain.Booking{}, ErrAlreadyAssigned
		case domain.BookingExpired:
			return domain.Booking{}, ErrBookingExpired
		default:
			return domain.Booking{}, ErrNotDispatched
		}
	}
	if a.winner != "" {
		return domain.Booking{}, ErrAlreadyAssigned
	}
	if _, out := a.rejected[barberID]; out {
		return domain.Booking{}, ErrNotDispatched
	}

	// Claim the barber first. The registry atomically refuses a barber who is
	// offline or already holds a booking from a concurrent accept elsewhere.
	if err := e.Presence.Assign(barberID, bookingID); err != nil {
		return domain.Booking{}, err
	}

	assignedAt := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Presence.Release(barberID)
		return domain.Booking{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AssignBooking(ctx, tx, bookingID, barberID, assignedAt); err != nil {
		e.Presence.Release(barberID)
		return domain.Booking{}, err
	}
	if err := e.Events.Append(ctx, tx, "booking.assigned", bookingID, barberID, events.EventPayload{
		"attempt_id": a.id, "barber_id": barberID,
	}); err != nil {
		e.Presence.Release(barberID)
		return domain.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		e.Presence.Release(barberID)
		return domain.Booking{}, err
	}

	a.winner = barberID
	a.resolved = true
	if a.timer != nil {
		a.timer.Stop()
	}
	e.attempts.delete(bookingID)

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	confirmed := session.Envelope{
		Type:       session.TypeBookingConfirmed,
		BookingID:  b.ID,
		BarberID:   barberID,
		CustomerID: b.CustomerID,
		NextState:  domain.BookingAssigned,
	}
	e.push(b.CustomerID, confirmed)
	e.push(barberID, confirmed)
	for _, id := range a.candidates {
		if id == barberID {
			continue
		}
		if _, out := a.rejected[id]; out {
			continue
		}
		e.push(id, session.Envelope{Type: session.TypeRemoveBooking, BookingID: b.ID})
	}
	return b, nil
}

// Reject withdraws one barber from the race. When the last candidate rejects,
// the booking expires early instead of waiting out the window.
func (e *Engine) Reject(ctx context.Context, bookingID, barberID string) error {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	a, ok := e.attempts.get(bookingID)
	if !ok || a.resolved {
		return ErrNotDispatched
	}
	candidate := false
	for _, id := range a.candidates {
		if id == barberID {
			candidate = true
			break
		}
	}
	if !candidate {
		return ErrNotDispatched
	}
	if _, dup := a.rejected[barberID]; dup {
		return nil
	}
	a.rejected[barberID] = struct{}{}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "booking.rejected", bookingID, barberID, events.EventPayload{
		"attempt_id": a.id,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if len(a.rejected) == len(a.candidates) {
		b, err := e.Repo.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		return e.expireLocked(ctx, b, a, "all_barbers_rejected")
	}
	return nil
}

// expireAttempt fires when the acceptance window elapses. A race already
// decided by then is left alone.
func (e *Engine) expireAttempt(bookingID, attemptID string) {
	ctx := context.Background()
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	a, ok := e.attempts.get(bookingID)
	if !ok || a.id != attemptID || a.resolved {
		return
	}
	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return
	}
	_ = e.expireLocked(ctx, b, a, "window_elapsed")
}

// expireLocked moves a PENDING booking to EXPIRED exactly once, records the
// refund signal for prepaid bookings, and tells everyone still watching.
// Callers hold the booking lock.
func (e *Engine) expireLocked(ctx context.Context, b domain.Booking, a *attempt, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetBookingStatus(ctx, tx, b.ID, domain.BookingPending, domain.BookingExpired); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "booking.expired", b.ID, "system", events.EventPayload{
		"reason": reason, "refund": b.PaymentMethod == domain.PaymentPrepaid,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if a != nil {
		a.resolved = true
		if a.timer != nil {
			a.timer.Stop()
		}
		e.attempts.delete(b.ID)
		for _, id := range a.candidates {
			if _, out := a.rejected[id]; out {
				continue
			}
			e.push(id, session.Envelope{Type: session.TypeRemoveBooking, BookingID: b.ID})
		}
	}
	e.push(b.CustomerID, session.Envelope{
		Type:      session.TypeNoBarbersAvailable,
		BookingID: b.ID,
		Message:   "no barber accepted the booking",
	})
	return nil
}

// Cancel tears a booking down on the customer's request. Allowed any time
// before the barber arrives; after arrival the service is considered underway.
func (e *Engine) Cancel(ctx context.Context, bookingID, customerID string) error {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.CustomerID != customerID {
		return ErrNotBookingCustomer
	}
	switch b.Status {
	case domain.BookingPending, domain.BookingAssigned:
	default:
		return ErrBookingNotActive
	}
	if b.TravelStage != nil && *b.TravelStage == domain.TravelArrived {
		return ErrCancelAfterArrival
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkCancelled(ctx, tx, b.ID, e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "booking.cancelled", b.ID, customerID, events.EventPayload{
		"refund": b.PaymentMethod == domain.PaymentPrepaid,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if a, ok := e.attempts.get(bookingID); ok {
		a.resolved = true
		if a.timer != nil {
			a.timer.Stop()
		}
		e.attempts.delete(bookingID)
		for _, id := range a.candidates {
			if _, out := a.rejected[id]; out {
				continue
			}
			e.push(id, session.Envelope{Type: session.TypeRemoveBooking, BookingID: b.ID})
		}
	}
	if h, ok := e.handshakes.get(bookingID); ok {
		h.stopTimers()
		e.handshakes.delete(bookingID)
	}
	if b.BarberID != nil {
		e.Presence.Release(*b.BarberID)
		e.push(*b.BarberID, session.Envelope{Type: session.TypeBookingCancelled, BookingID: b.ID})
	}
	return nil
}

// ErrCancelAfterArrival blocks cancellation once the barber is at the door.
var ErrCancelAfterArrival = errors.New("booking cannot be cancelled after the barber arrived")

// AdvanceTravel moves the assigned barber's travel stage exactly one step
// forward and pushes the update to the customer. Arrival opens the handshake.
func (e *Engine) AdvanceTravel(ctx context.Context, bookingID, barberID, next string) error {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != domain.BookingAssigned {
		return ErrBookingNotActive
	}
	if b.BarberID == nil || *b.BarberID != barberID {
		return ErrNotAssignedBarber
	}
	cur := domain.TravelNotStarted
	if b.TravelStage != nil {
		cur = *b.TravelStage
	}
	if domain.NextTravelStage(cur) != next {
		return ErrNotSequential
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTravelStage(ctx, tx, b.ID, next); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "travel.advanced", b.ID, barberID, events.EventPayload{
		"from": cur, "to": next,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.push(b.CustomerID, session.Envelope{
		Type:        session.TypeTravelStatusUpdated,
		BookingID:   b.ID,
		BarberID:    barberID,
		TravelStage: next,
	})
	if next == domain.TravelArrived {
		e.handshakes.put(bookingID, &handshake{state: domain.HandshakeAwaitingArrival})
	}
	return nil
}

// NotifyArrived is the barber's explicit "I am here" after reaching ARRIVED.
// It asks the customer whether the service can start and arms the response
// deadline; a silent customer is treated as ready when it fires.
func (e *Engine) NotifyArrived(ctx context.Context, bookingID, barberID string) error {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != domain.BookingAssigned {
		return ErrBookingNotActive
	}
	if b.BarberID == nil || *b.BarberID != barberID {
		return ErrNotAssignedBarber
	}
	if b.TravelStage == nil || *b.TravelStage != domain.TravelArrived {
		return ErrNotArrived
	}
	h, ok := e.handshakes.get(bookingID)
	if !ok {
		// Handshake state is in-memory; a restart between ARRIVED and the
		// arrival report recreates it from the persisted travel stage.
		h = &handshake{state: domain.HandshakeAwaitingArrival}
		e.handshakes.put(bookingID, h)
	}
	if h.state != domain.HandshakeAwaitingArrival {
		return ErrArrivalAlreadyReported
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "handshake.requested", b.ID, barberID, events.EventPayload{
		"response_seconds": int(e.ResponseDeadline / time.Second),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	h.state = domain.HandshakeAwaitingResponse
	h.deadlineTimer = time.AfterFunc(e.ResponseDeadline, func() {
		e.autoReady(bookingID, "response_deadline_elapsed")
	})
	e.push(b.CustomerID, session.Envelope{
		Type:      session.TypeServiceRequest,
		BookingID: b.ID,
		BarberID:  barberID,
		Message:   "your barber has arrived",
	})
	return nil
}

// Respond records the customer's answer to the arrival request. "ready" starts
// the service; "wait" buys a bounded grace period, after which the handshake
// proceeds to READY on its own.
func (e *Engine) Respond(ctx context.Context, bookingID, customerID, action string) error {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.CustomerID != customerID {
		return ErrNotBookingCustomer
	}
	h, ok := e.handshakes.get(bookingID)
	if !ok || h.state != domain.HandshakeAwaitingResponse {
		return ErrNotAwaitingResponse
	}

	switch action {
	case "ready":
		if err := e.recordHandshake(ctx, b.ID, customerID, "handshake.ready", nil); err != nil {
			return err
		}
		h.stopTimers()
		h.state = domain.HandshakeReady
		e.pushReady(b)
	case "wait":
		graceSeconds := int(e.WaitGrace / time.Second)
		if err := e.recordHandshake(ctx, b.ID, customerID, "handshake.wait_requested", events.EventPayload{
			"grace_seconds": graceSeconds,
		}); err != nil {
			return err
		}
		h.stopTimers()
		h.state = domain.HandshakeWaitRequested
		h.graceTimer = time.AfterFunc(e.WaitGrace, func() {
			e.autoReady(bookingID, "wait_grace_elapsed")
		})
		if b.BarberID != nil {
			e.push(*b.BarberID, session.Envelope{
				Type:        session.TypeServiceWait,
				BookingID:   b.ID,
				WaitSeconds: graceSeconds,
			})
		}
	default:
		return fmt.Errorf("unknown service response %q", action)
	}
	return nil
}

func (e *Engine) recordHandshake(ctx context.Context, bookingID, actorID, evtType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, bookingID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// autoReady advances a stalled handshake to READY when either the customer's
// response deadline or the requested wait grace runs out.
func (e *Engine) autoReady(bookingID, reason string) {
	ctx := context.Background()
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	h, ok := e.handshakes.get(bookingID)
	if !ok {
		return
	}
	if h.state != domain.HandshakeAwaitingResponse && h.state != domain.HandshakeWaitRequested {
		return
	}
	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil || b.Status != domain.BookingAssigned {
		return
	}
	if err := e.recordHandshake(ctx, bookingID, "system", "handshake.auto_ready", events.EventPayload{
		"reason": reason,
	}); err != nil {
		return
	}
	h.stopTimers()
	h.state = domain.HandshakeReady
	e.pushReady(b)
}

func (e *Engine) pushReady(b domain.Booking) {
	env := session.Envelope{Type: session.TypeServiceReady, BookingID: b.ID, NextState: domain.HandshakeReady}
	if b.BarberID != nil {
		e.push(*b.BarberID, env)
	}
	e.push(b.CustomerID, env)
}

// HandshakeState reports the in-memory handshake state for a booking, for the
// polling fallback. False when no handshake is open.
func (e *Engine) HandshakeState(bookingID string) (string, bool) {
	unlock := e.mu.Lock(bookingID)
	defer unlock()
	h, ok := e.handshakes.get(bookingID)
	if !ok {
		return "", false
	}
	return h.state, true
}

// CollectPayment marks the cash handover on a COD booking. Idempotent.
func (e *Engine) CollectPayment(ctx context.Context, bookingID, barberID string) error {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != domain.BookingAssigned {
		return ErrBookingNotActive
	}
	if b.BarberID == nil || *b.BarberID != barberID {
		return ErrNotAssignedBarber
	}
	if b.PaymentMethod != domain.PaymentCOD {
		return ErrNotCashBooking
	}
	if b.PaymentCollected {
		return nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkPaymentCollected(ctx, tx, b.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "payment.collected", b.ID, barberID, events.EventPayload{
		"amount": b.Price,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Complete finishes the service: the booking moves to COMPLETED and exactly one
// settlement row is written in the same transaction. COD bookings must have
// the cash collected first.
func (e *Engine) Complete(ctx context.Context, bookingID, barberID string) (domain.Settlement, error) {
	unlock := e.mu.Lock(bookingID)
	defer unlock()

	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if b.Status != domain.BookingAssigned {
		return domain.Settlement{}, ErrBookingNotActive
	}
	if b.BarberID == nil || *b.BarberID != barberID {
		return domain.Settlement{}, ErrNotAssignedBarber
	}
	h, ok := e.handshakes.get(bookingID)
	if !ok || h.state != domain.HandshakeReady {
		return domain.Settlement{}, ErrServiceNotReady
	}
	if b.PaymentMethod == domain.PaymentCOD && !b.PaymentCollected {
		return domain.Settlement{}, ErrPaymentNotCollected
	}

	fee := b.Price * int64(e.Config.Payment.PlatformFeePercent) / 100
	s := domain.Settlement{
		ID:          uuid.NewString(),
		BookingID:   b.ID,
		BarberID:    barberID,
		GrossAmount: b.Price,
		PlatformFee: fee,
		NetAmount:   b.Price - fee,
		CreatedAt:   e.timestamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkCompleted(ctx, tx, b.ID, s.CreatedAt); err != nil {
		return domain.Settlement{}, err
	}
	if err := e.Repo.InsertSettlement(ctx, tx, s); err != nil {
		return domain.Settlement{}, fmt.Errorf("insert settlement: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "booking.completed", b.ID, barberID, nil); err != nil {
		return domain.Settlement{}, err
	}
	if err := e.Events.Append(ctx, tx, "settlement.created", b.ID, barberID, events.EventPayload{
		"settlement_id": s.ID, "gross_amount": s.GrossAmount, "platform_fee": s.PlatformFee, "net_amount": s.NetAmount,
	}); err != nil {
		return domain.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settlement{}, err
	}

	h.stopTimers()
	e.handshakes.delete(bookingID)
	e.Presence.Release(barberID)
	done := session.Envelope{Type: session.TypeServiceCompleted, BookingID: b.ID, NextState: domain.BookingCompleted}
	e.push(b.CustomerID, done)
	e.push(barberID, done)
	return s, nil
}

// SetBarberStatus toggles a barber's availability and confirms it back over
// the session. A barber holding an active booking cannot toggle either way.
func (e *Engine) SetBarberStatus(barberID string, online bool, lat, lng, radiusKm float64) error {
	var err error
	if online {
		err = e.Presence.SetOnline(barberID, lat, lng, radiusKm)
	} else {
		err = e.Presence.SetOffline(barberID)
	}
	if err != nil {
		return err
	}
	e.push(barberID, session.Envelope{Type: session.TypeOnlineStatusUpdated, IsOnline: &online})
	return nil
}

// DropBarber handles a barber's session closing without a clean offline
// toggle.
func (e *Engine) DropBarber(barberID string) {
	e.Presence.DropOnDisconnect(barberID)
}
