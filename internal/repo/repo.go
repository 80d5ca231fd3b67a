package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"groomnet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const bookingColumns = `id,customer_id,COALESCE(customer_name,''),service_id,service_name,price,payment_method,payment_collected,
address_line,address_lat,address_lng,status,barber_id,travel_stage,created_at,assigned_at,completed_at,cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var b domain.Booking
	var collected int
	var barberID, travelStage, assignedAt, completedAt, cancelledAt sql.NullString
	err := row.Scan(&b.ID, &b.CustomerID, &b.CustomerName, &b.ServiceID, &b.ServiceName, &b.Price,
		&b.PaymentMethod, &collected,
		&b.Address.Line, &b.Address.Lat, &b.Address.Lng,
		&b.Status, &barberID, &travelStage, &b.CreatedAt, &assignedAt, &completedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.PaymentCollected = collected != 0
	if barberID.Valid {
		b.BarberID = &barberID.String
	}
	if travelStage.Valid {
		b.TravelStage = &travelStage.String
	}
	if assignedAt.Valid {
		b.AssignedAt = &assignedAt.String
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.String
	}
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.String
	}
	return b, nil
}

func (r Repo) InsertBooking(ctx context.Context, tx *sql.Tx, b domain.Booking) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bookings(id,customer_id,customer_name,service_id,service_name,price,payment_method,payment_collected,
address_line,address_lat,address_lng,status,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.CustomerID, nullable(b.CustomerName), b.ServiceID, b.ServiceName, b.Price,
		b.PaymentMethod, boolInt(b.PaymentCollected),
		b.Address.Line, b.Address.Lat, b.Address.Lng, b.Status, b.CreatedAt)
	return err
}

func (r Repo) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	return scanBooking(r.DB.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=?`, id))
}

func (r Repo) GetBookingTx(ctx context.Context, tx *sql.Tx, id string) (domain.Booking, error) {
	return scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=?`, id))
}

// ListBookings returns bookings newest first, optionally filtered by status.
func (r Repo) ListBookings(ctx context.Context, status string, limit int) ([]domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// AssignBooking moves a PENDING booking to ASSIGNED for the given barber. The
// status guard in the WHERE clause makes the row transition safe even if two
// accept paths somehow both get past the in-memory claim.
func (r Repo) AssignBooking(ctx context.Context, tx *sql.Tx, id, barberID, assignedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET status=?, barber_id=?, travel_stage=?, assigned_at=? WHERE id=? AND status=?`,
		domain.BookingAssigned, barberID, domain.TravelNotStarted, assignedAt, id, domain.BookingPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("booking %s is no longer pending", id)
	}
	return nil
}

// SetBookingStatus moves a booking from one status to another, guarding the
// prior status.
func (r Repo) SetBookingStatus(ctx context.Context, tx *sql.Tx, id, from, to string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("booking %s not in status %s", id, from)
	}
	return nil
}

func (r Repo) SetTravelStage(ctx context.Context, tx *sql.Tx, id, stage string) error {
	_, err := tx.ExecContext(ctx, `UPDATE bookings SET travel_stage=? WHERE id=?`, stage, id)
	return err
}

func (r Repo) MarkPaymentCollected(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE bookings SET payment_collected=1 WHERE id=?`, id)
	return err
}

func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET status=?, completed_at=? WHERE id=? AND status=?`,
		domain.BookingCompleted, completedAt, id, domain.BookingAssigned)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("booking %s not assigned", id)
	}
	return nil
}

func (r Repo) MarkCancelled(ctx context.Context, tx *sql.Tx, id, cancelledAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE bookings SET status=?, cancelled_at=? WHERE id=?`,
		domain.BookingCancelled, cancelledAt, id)
	return err
}

func (r Repo) InsertSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO settlements(id,booking_id,barber_id,gross_amount,platform_fee,net_amount,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.BookingID, s.BarberID, s.GrossAmount, s.PlatformFee, s.NetAmount, s.CreatedAt)
	return err
}

func (r Repo) GetSettlementByBooking(ctx context.Context, bookingID string) (domain.Settlement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,booking_id,barber_id,gross_amount,platform_fee,net_amount,created_at FROM settlements WHERE booking_id=?`, bookingID)
	var s domain.Settlement
	err := row.Scan(&s.ID, &s.BookingID, &s.BarberID, &s.GrossAmount, &s.PlatformFee, &s.NetAmount, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var bookingID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &bookingID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if bookingID.Valid {
			e.BookingID = bookingID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListEvents returns the newest events, optionally scoped to one booking.
func (r Repo) ListEvents(ctx context.Context, bookingID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,booking_id,actor_id,payload_json FROM events`
	var args []any
	if bookingID != "" {
		query += ` WHERE booking_id=?`
		args = append(args, bookingID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. The settlement dispatcher tails the log with this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,booking_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the current tail of the event log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	err := row.Scan(&id)
	return id, err
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
