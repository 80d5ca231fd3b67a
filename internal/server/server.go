package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"groomnet/internal/domain"
	"groomnet/internal/engine"
	"groomnet/internal/engine/auth"
	"groomnet/internal/presence"
	"groomnet/internal/repo"
	"groomnet/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Hub      *session.Hub
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"booking_taken"`
	Message string         `json:"message" example:"booking already assigned to another barber"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure is serialized as.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type Server struct {
	engine *engine.Engine
	hub    *session.Hub
	auth   AuthConfig
}

// New returns an HTTP handler exposing the Groomnet API and the websocket
// endpoint.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	s := &Server{engine: cfg.Engine, hub: cfg.Hub, auth: cfg.Auth}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Groomnet API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	s.registerBookings(group)
	s.registerBarbers(group)
	s.registerEvents(group)
	if cfg.Hub != nil {
		router.Get("/ws", s.handleWS)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine sentinels onto the error envelope. Race losses and
// state-machine violations are conflicts; ownership failures are forbidden.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyAssigned):
		return newAPIError(http.StatusConflict, "booking_taken", err.Error(), nil)
	case errors.Is(err, engine.ErrBookingExpired):
		return newAPIError(http.StatusConflict, "booking_expired", err.Error(), nil)
	case errors.Is(err, engine.ErrNoBarbersAvailable):
		return newAPIError(http.StatusConflict, "no_barbers_available", err.Error(), nil)
	case errors.Is(err, engine.ErrNotAssignedBarber), errors.Is(err, engine.ErrNotBookingCustomer):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, engine.ErrNotDispatched),
		errors.Is(err, engine.ErrAlreadyDispatched),
		errors.Is(err, engine.ErrBookingNotActive),
		errors.Is(err, engine.ErrNotSequential),
		errors.Is(err, engine.ErrNotArrived),
		errors.Is(err, engine.ErrArrivalAlreadyReported),
		errors.Is(err, engine.ErrNotAwaitingResponse),
		errors.Is(err, engine.ErrServiceNotReady),
		errors.Is(err, engine.ErrNotCashBooking),
		errors.Is(err, engine.ErrPaymentNotCollected),
		errors.Is(err, engine.ErrCancelAfterArrival),
		errors.Is(err, presence.ErrHasActiveBooking),
		errors.Is(err, presence.ErrNotOnline):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown") || strings.Contains(lowered, "must be") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type BookingPath struct {
	BookingID string `path:"booking_id"`
}

func (s *Server) registerBookings(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-booking",
		Method:        http.MethodPost,
		Path:          "/bookings",
		Summary:       "Create a booking and broadcast it",
		Description:   "Customers get an immediate broadcast. API-key callers create the booking on behalf of a customer and dispatch it separately.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateBookingRequest `json:"body"`
	}) (*struct {
		Body CreateBookingResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "booking.create", domain.RoleCustomer, domain.RoleService); err != nil {
			return nil, handleError(err)
		}
		customerID, customerName := p.UserID, p.Name
		if p.Role == domain.RoleService {
			if strings.TrimSpace(input.Body.CustomerID) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "customer_id is required for API-key callers", nil)
			}
			customerID, customerName = input.Body.CustomerID, input.Body.CustomerName
		}
		b, err := s.engine.CreateBooking(ctx, domain.Booking{
			CustomerID:    customerID,
			CustomerName:  customerName,
			ServiceID:     input.Body.ServiceID,
			ServiceName:   input.Body.ServiceName,
			Price:         input.Body.Price,
			PaymentMethod: input.Body.PaymentMethod,
			Address: domain.Address{
				Line: input.Body.AddressLine,
				Lat:  input.Body.Lat,
				Lng:  input.Body.Lng,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		var res engine.DispatchResult
		if p.Role == domain.RoleCustomer {
			res, err = s.engine.Dispatch(ctx, b.ID, p.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			b, err = s.engine.Repo.GetBooking(ctx, b.ID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body CreateBookingResponse `json:"body"`
		}{Body: CreateBookingResponse{Booking: s.bookingResponse(b), Dispatch: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-booking",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/dispatch",
		Summary:     "Broadcast a pending booking to eligible barbers",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *BookingPath) (*struct {
		Body engine.DispatchResult `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "booking.dispatch", domain.RoleCustomer, domain.RoleService); err != nil {
			return nil, handleError(err)
		}
		b, err := s.engine.Repo.GetBooking(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Role == domain.RoleCustomer && b.CustomerID != p.UserID {
			return nil, handleError(engine.ErrNotBookingCustomer)
		}
		res, err := s.engine.Dispatch(ctx, b.ID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DispatchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-booking",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}",
		Summary:     "Get a booking with its travel and handshake state",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *BookingPath) (*struct {
		Body BookingResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := s.engine.Repo.GetBooking(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Role == domain.RoleCustomer && b.CustomerID != p.UserID {
			return nil, handleError(engine.ErrNotBookingCustomer)
		}
		return &struct {
			Body BookingResponse `json:"body"`
		}{Body: s.bookingResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bookings",
		Method:      http.MethodGet,
		Path:        "/bookings",
		Summary:     "List bookings",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []BookingResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "booking.list", domain.RoleService); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.Repo.ListBookings(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BookingResponse `json:"body"`
		}{Body: s.mapBookings(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-booking",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/accept",
		Summary:     "Accept a broadcast booking (first barber wins)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *BookingPath) (*struct {
		Body BookingResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "booking.accept", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		b, err := s.engine.Accept(ctx, input.BookingID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BookingResponse `json:"body"`
		}{Body: s.bookingResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reject-booking",
		Method:        http.MethodPost,
		Path:          "/bookings/{booking_id}/reject",
		Summary:       "Withdraw from a broadcast booking",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *BookingPath) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "booking.reject", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		if err := s.engine.Reject(ctx, input.BookingID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-booking",
		Method:        http.MethodPost,
		Path:          "/bookings/{booking_id}/cancel",
		Summary:       "Cancel a booking before the barber arrives",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *BookingPath) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "booking.cancel", domain.RoleCustomer); err != nil {
			return nil, handleError(err)
		}
		if err := s.engine.Cancel(ctx, input.BookingID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "advance-travel",
		Method:        http.MethodPost,
		Path:          "/bookings/{booking_id}/travel",
		Summary:       "Advance the travel stage one step",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BookingPath
		Body TravelRequest `json:"body"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "travel.advance", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		if err := s.engine.AdvanceTravel(ctx, input.BookingID, p.UserID, input.Body.Stage); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "notify-arrived",
		Method:        http.MethodPost,
		Path:          "/bookings/{booking_id}/arrived",
		Summary:       "Report arrival and ask the customer to confirm",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *BookingPath) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "handshake.arrived", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		if err := s.engine.NotifyArrived(ctx, input.BookingID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "respond-arrival",
		Method:        http.MethodPost,
		Path:          "/bookings/{booking_id}/respond",
		Summary:       "Answer the arrival request with ready or wait",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BookingPath
		Body RespondRequest `json:"body"`
	}) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "handshake.respond", domain.RoleCustomer); err != nil {
			return nil, handleError(err)
		}
		if err := s.engine.Respond(ctx, input.BookingID, p.UserID, input.Body.Action); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "collect-payment",
		Method:        http.MethodPost,
		Path:          "/bookings/{booking_id}/payment",
		Summary:       "Record the cash handover on a COD booking",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *BookingPath) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "payment.collect", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		if err := s.engine.CollectPayment(ctx, input.BookingID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-booking",
		Method:      http.MethodPost,
		Path:        "/bookings/{booking_id}/complete",
		Summary:     "Complete the service and settle",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *BookingPath) (*struct {
		Body domain.Settlement `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "booking.complete", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		st, err := s.engine.Complete(ctx, input.BookingID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settlement `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settlement",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}/settlement",
		Summary:     "Get the settlement for a completed booking",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *BookingPath) (*struct {
		Body domain.Settlement `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		st, err := s.engine.Repo.GetSettlementByBooking(ctx, input.BookingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settlement `json:"body"`
		}{Body: st}, nil
	})
}

func (s *Server) registerBarbers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "set-barber-status",
		Method:      http.MethodPut,
		Path:        "/barbers/status",
		Summary:     "Toggle availability for dispatch",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body BarberStatusRequest `json:"body"`
	}) (*struct {
		Body BarberStatusResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "barber.status", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		if err := s.engine.SetBarberStatus(p.UserID, input.Body.Online, input.Body.Lat, input.Body.Lng, input.Body.RadiusKm); err != nil {
			return nil, handleError(err)
		}
		snap, _ := s.engine.Presence.Get(p.UserID)
		return &struct {
			Body BarberStatusResponse `json:"body"`
		}{Body: barberStatusResponse(p.UserID, snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-barber-status",
		Method:      http.MethodGet,
		Path:        "/barbers/status",
		Summary:     "Current presence and active booking",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BarberStatusResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "barber.status", domain.RoleBarber); err != nil {
			return nil, handleError(err)
		}
		snap, _ := s.engine.Presence.Get(p.UserID)
		return &struct {
			Body BarberStatusResponse `json:"body"`
		}{Body: barberStatusResponse(p.UserID, snap)}, nil
	})
}

func barberStatusResponse(barberID string, snap presence.Barber) BarberStatusResponse {
	return BarberStatusResponse{
		BarberID:      barberID,
		Online:        snap.Online,
		Lat:           snap.Lat,
		Lng:           snap.Lng,
		RadiusKm:      snap.RadiusKm,
		ActiveBooking: snap.ActiveBooking,
	}
}

func (s *Server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-booking-events",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}/events",
		Summary:     "Booking timeline, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BookingPath
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := s.engine.Repo.GetBooking(ctx, input.BookingID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.Repo.ListEvents(ctx, input.BookingID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent events across all bookings",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(p.Role, "events.list", domain.RoleService); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.Repo.ListEvents(ctx, "", input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
