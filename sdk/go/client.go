package groomnetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Groomnet HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Booking represents the API booking model (partial).
type Booking struct {
	ID               string  `json:"id"`
	CustomerID       string  `json:"customer_id"`
	ServiceID        string  `json:"service_id"`
	ServiceName      string  `json:"service_name"`
	Price            int64   `json:"price"`
	PaymentMethod    string  `json:"payment_method"`
	PaymentCollected bool    `json:"payment_collected"`
	Status           string  `json:"status"`
	BarberID         *string `json:"barber_id,omitempty"`
	TravelStage      *string `json:"travel_stage,omitempty"`
	Handshake        string  `json:"handshake,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// Dispatch describes the broadcast round opened for a new booking.
type Dispatch struct {
	AttemptID string   `json:"attempt_id"`
	Barbers   []string `json:"barbers"`
	Deadline  string   `json:"deadline"`
}

// CreatedBooking pairs the stored booking with its dispatch round.
type CreatedBooking struct {
	Booking  Booking  `json:"booking"`
	Dispatch Dispatch `json:"dispatch"`
}

// Settlement is the money-movement record written when a booking completes.
type Settlement struct {
	ID          string `json:"id"`
	BookingID   string `json:"booking_id"`
	BarberID    string `json:"barber_id"`
	GrossAmount int64  `json:"gross_amount"`
	PlatformFee int64  `json:"platform_fee"`
	NetAmount   int64  `json:"net_amount"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a timeline entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	BookingID string `json:"booking_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

// BarberStatus is the presence snapshot returned after a status change.
type BarberStatus struct {
	BarberID      string  `json:"barber_id"`
	Online        bool    `json:"online"`
	Lat           float64 `json:"lat,omitempty"`
	Lng           float64 `json:"lng,omitempty"`
	RadiusKm      float64 `json:"radius_km,omitempty"`
	ActiveBooking string  `json:"active_booking,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the server's
// error envelope when it parses; Body always carries the raw response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateBookingInput is the request body for CreateBooking.
type CreateBookingInput struct {
	ServiceID     string  `json:"service_id"`
	ServiceName   string  `json:"service_name"`
	Price         int64   `json:"price"`
	PaymentMethod string  `json:"payment_method"`
	AddressLine   string  `json:"address_line"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
}

// CreateBooking creates a booking and opens its dispatch round.
func (c *Client) CreateBooking(ctx context.Context, in CreateBookingInput) (CreatedBooking, error) {
	var resp CreatedBooking
	err := c.do(ctx, http.MethodPost, "v1/bookings", in, &resp)
	return resp, err
}

// DispatchBooking broadcasts a pending booking to eligible barbers. Used by
// API-key integrations, whose bookings are not auto-dispatched at creation.
func (c *Client) DispatchBooking(ctx context.Context, id string) (Dispatch, error) {
	var resp Dispatch
	err := c.do(ctx, http.MethodPost, c.bookingPath(id, "dispatch"), nil, &resp)
	return resp, err
}

// Booking fetches one booking.
func (c *Client) Booking(ctx context.Context, id string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodGet, c.bookingPath(id, ""), nil, &resp)
	return resp, err
}

// AcceptBooking claims a dispatched booking for the authenticated barber.
func (c *Client) AcceptBooking(ctx context.Context, id string) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodPost, c.bookingPath(id, "accept"), nil, &resp)
	return resp, err
}

// RejectBooking declines a dispatched booking.
func (c *Client) RejectBooking(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.bookingPath(id, "reject"), nil, nil)
}

// CancelBooking cancels the caller's own booking before the barber arrives.
func (c *Client) CancelBooking(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.bookingPath(id, "cancel"), nil, nil)
}

// AdvanceTravel moves the assigned barber's travel state one stage forward.
func (c *Client) AdvanceTravel(ctx context.Context, id, stage string) error {
	body := map[string]any{"stage": stage}
	return c.do(ctx, http.MethodPost, c.bookingPath(id, "travel"), body, nil)
}

// NotifyArrived opens the arrival handshake with the customer.
func (c *Client) NotifyArrived(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.bookingPath(id, "arrived"), nil, nil)
}

// RespondArrival answers the arrival handshake with "ready" or "wait".
func (c *Client) RespondArrival(ctx context.Context, id, action string) error {
	body := map[string]any{"action": action}
	return c.do(ctx, http.MethodPost, c.bookingPath(id, "respond"), body, nil)
}

// CollectPayment marks a cash-on-delivery booking as paid.
func (c *Client) CollectPayment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.bookingPath(id, "payment"), nil, nil)
}

// CompleteBooking finishes the service and returns the settlement.
func (c *Client) CompleteBooking(ctx context.Context, id string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodPost, c.bookingPath(id, "complete"), nil, &resp)
	return resp, err
}

// BookingSettlement fetches the settlement for a completed booking.
func (c *Client) BookingSettlement(ctx context.Context, id string) (Settlement, error) {
	var resp Settlement
	err := c.do(ctx, http.MethodGet, c.bookingPath(id, "settlement"), nil, &resp)
	return resp, err
}

// SetBarberStatus toggles the authenticated barber online or offline.
func (c *Client) SetBarberStatus(ctx context.Context, online bool, lat, lng, radiusKm float64) (BarberStatus, error) {
	body := map[string]any{
		"online":    online,
		"lat":       lat,
		"lng":       lng,
		"radius_km": radiusKm,
	}
	var resp BarberStatus
	err := c.do(ctx, http.MethodPut, "v1/barbers/status", body, &resp)
	return resp, err
}

// GetBarberStatus returns the authenticated barber's presence snapshot.
func (c *Client) GetBarberStatus(ctx context.Context) (BarberStatus, error) {
	var resp BarberStatus
	err := c.do(ctx, http.MethodGet, "v1/barbers/status", nil, &resp)
	return resp, err
}

// BookingEvents returns a booking's timeline, newest first.
func (c *Client) BookingEvents(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := c.bookingPath(id, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events across all bookings. Requires a service
// credential.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) bookingPath(id, suffix string) string {
	p := fmt.Sprintf("v1/bookings/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
