package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"groomnet/internal/config"
	"groomnet/internal/db"
	"groomnet/internal/domain"
	"groomnet/internal/engine"
	"groomnet/internal/migrate"
	"groomnet/internal/presence"
	"groomnet/internal/repo"
	"groomnet/internal/session"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	WSURL  string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := presence.NewRegistry()
	hub := session.NewHub()
	eng := engine.New(conn, reg, hub, config.Default())
	hub.OnClose = func(userID, role string) {
		if role == domain.RoleBarber {
			eng.DropBarber(userID)
		}
	}
	handler, err := New(Config{Engine: eng, Hub: hub, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		WSURL:  "ws://" + ln.Addr().String() + "/ws",
		Engine: eng,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func token(t *testing.T, userID, name, role string) string {
	t.Helper()
	tok, err := MintToken(testSecret, userID, name, role, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, client *http.Client, method, url, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func dialWS(t *testing.T, wsURL, tok string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) session.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var env session.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if env.Type == msgType {
			return env
		}
	}
}

func TestBookingLifecycleOverREST(t *testing.T) {
	srv := newTestServer(t)
	custTok := token(t, "cust-1", "Ada", domain.RoleCustomer)
	barbTok := token(t, "barb-1", "Kim", domain.RoleBarber)

	// The barber needs a live session to be counted in the broadcast.
	barbWS := dialWS(t, srv.WSURL, barbTok)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/barbers/status", barbTok, map[string]any{
		"online": true, "lat": 48.86, "lng": 2.35, "radius_km": 10,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status toggle: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", custTok, map[string]any{
		"service_id":     "svc-cut",
		"service_name":   "Haircut",
		"price":          2500,
		"payment_method": "COD",
		"address_line":   "12 Rue des Arts",
		"lat":            48.861,
		"lng":            2.351,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create booking: %d %s", res.StatusCode, string(data))
	}
	var created CreateBookingResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal booking: %v", err)
	}
	if len(created.Dispatch.Barbers) != 1 || created.Dispatch.Barbers[0] != "barb-1" {
		t.Fatalf("unexpected candidates: %v", created.Dispatch.Barbers)
	}
	bookingID := created.Booking.ID
	readUntil(t, barbWS, session.TypeNewBookingRequest)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+bookingID+"/accept", barbTok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}

	for _, stage := range []string{"STARTED", "ON_THE_WAY", "ALMOST_NEAR", "ARRIVED"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+bookingID+"/travel", barbTok, map[string]any{"stage": stage})
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("travel %s: %d %s", stage, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+bookingID+"/arrived", barbTok, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("arrived: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+bookingID+"/respond", custTok, map[string]any{"action": "ready"})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("respond: %d %s", res.StatusCode, string(data))
	}

	// Completion is blocked until the cash changes hands.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+bookingID+"/complete", barbTok, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected payment conflict, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+bookingID+"/payment", barbTok, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("collect payment: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+bookingID+"/complete", barbTok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var st domain.Settlement
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal settlement: %v", err)
	}
	if st.GrossAmount != 2500 || st.PlatformFee != 250 || st.NetAmount != 2250 {
		t.Fatalf("unexpected settlement: %+v", st)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/bookings/"+bookingID, custTok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get booking: %d %s", res.StatusCode, string(data))
	}
	var got BookingResponse
	_ = json.Unmarshal(data, &got)
	if got.Status != domain.BookingCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestAcceptConflictOverREST(t *testing.T) {
	srv := newTestServer(t)
	custTok := token(t, "cust-1", "Ada", domain.RoleCustomer)
	tok1 := token(t, "barb-1", "Kim", domain.RoleBarber)
	tok2 := token(t, "barb-2", "Lou", domain.RoleBarber)

	dialWS(t, srv.WSURL, tok1)
	dialWS(t, srv.WSURL, tok2)
	for _, tok := range []string{tok1, tok2} {
		res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/barbers/status", tok, map[string]any{
			"online": true, "lat": 48.86, "lng": 2.35, "radius_km": 10,
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("toggle: %d %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", custTok, map[string]any{
		"service_id": "svc-cut", "service_name": "Haircut", "price": 1000,
		"payment_method": "PREPAID", "address_line": "12 Rue des Arts", "lat": 48.86, "lng": 2.35,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created CreateBookingResponse
	_ = json.Unmarshal(data, &created)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+created.Booking.ID+"/accept", tok1, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first accept: %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+created.Booking.ID+"/accept", tok2, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "booking_taken") {
		t.Fatalf("expected booking_taken code: %s", string(data))
	}
}

func TestRoleEnforcement(t *testing.T) {
	srv := newTestServer(t)
	custTok := token(t, "cust-1", "Ada", domain.RoleCustomer)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/bookings", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	// A customer cannot accept bookings.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/whatever/accept", custTok, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	// Nor list all bookings; that is the backoffice role.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/bookings", custTok, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestWebSocketAuthFailureCloses4001(t *testing.T) {
	srv := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(srv.WSURL+"?token=garbage", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != closeAuthFailure {
		t.Fatalf("expected close %d, got %v", closeAuthFailure, err)
	}
}

func TestWebSocketDispatchFlow(t *testing.T) {
	srv := newTestServer(t)
	custTok := token(t, "cust-1", "Ada", domain.RoleCustomer)
	barbTok := token(t, "barb-1", "Kim", domain.RoleBarber)

	custWS := dialWS(t, srv.WSURL, custTok)
	barbWS := dialWS(t, srv.WSURL, barbTok)

	// Heartbeat round trip.
	if err := barbWS.WriteJSON(session.Envelope{ID: "hb-1", Type: session.TypeHeartbeat}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	readUntil(t, barbWS, session.TypeHeartbeatResponse)

	online := true
	lat, lng, radius := 48.86, 2.35, 10.0
	if err := barbWS.WriteJSON(session.Envelope{
		ID: "tg-1", Type: session.TypeToggleOnline,
		IsOnline: &online, Lat: &lat, Lng: &lng, RadiusKm: &radius,
	}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	readUntil(t, barbWS, session.TypeOnlineStatusUpdated)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", custTok, map[string]any{
		"service_id": "svc-cut", "service_name": "Haircut", "price": 1000,
		"payment_method": "COD", "address_line": "12 Rue des Arts", "lat": 48.86, "lng": 2.35,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created CreateBookingResponse
	_ = json.Unmarshal(data, &created)

	req := readUntil(t, barbWS, session.TypeNewBookingRequest)
	if req.BookingID != created.Booking.ID {
		t.Fatalf("broadcast for wrong booking: %s", req.BookingID)
	}
	if err := barbWS.WriteJSON(session.Envelope{ID: "ac-1", Type: session.TypeAcceptBooking, BookingID: req.BookingID}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	confirmed := readUntil(t, barbWS, session.TypeBookingConfirmed)
	if confirmed.BarberID != "barb-1" {
		t.Fatalf("unexpected winner: %s", confirmed.BarberID)
	}
	custConfirmed := readUntil(t, custWS, session.TypeBookingConfirmed)
	if custConfirmed.BookingID != created.Booking.ID {
		t.Fatalf("customer confirmation for wrong booking")
	}

	// A replayed accept frame is dropped by the dedup window, no error frame.
	if err := barbWS.WriteJSON(session.Envelope{ID: "ac-1", Type: session.TypeAcceptBooking, BookingID: req.BookingID}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := barbWS.WriteJSON(session.Envelope{ID: "tr-1", Type: session.TypeTravelUpdate, BookingID: req.BookingID, TravelStage: domain.TravelStarted}); err != nil {
		t.Fatalf("travel: %v", err)
	}
	update := readUntil(t, custWS, session.TypeTravelStatusUpdated)
	if update.TravelStage != domain.TravelStarted {
		t.Fatalf("expected STARTED, got %s", update.TravelStage)
	}
}

func TestAPIKeyAuthenticatesServiceRole(t *testing.T) {
	srv := newTestServer(t)
	key := "gk_service_test_key"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "wallet-svc",
		Name:    "wallet",
		KeyHash: repo.HashAPIKey(key),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/bookings", nil)
	req.Header.Set("X-Api-Key", key)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("list with api key: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid api key, got %d", res.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/bookings", nil)
	req.Header.Set("X-Api-Key", "gk_wrong")
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("list with bad key: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown api key, got %d", res.StatusCode)
	}
}

func doJSONKey(t *testing.T, client *http.Client, method, url, apiKey string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", apiKey)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestCollaboratorCreatesThenDispatches(t *testing.T) {
	srv := newTestServer(t)
	key := "gk_booking_portal"
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      "key-portal",
		ActorID: "portal-svc",
		Name:    "booking portal",
		KeyHash: repo.HashAPIKey(key),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	barbTok := token(t, "barb-1", "Marco", domain.RoleBarber)
	barbWS := dialWS(t, srv.WSURL, barbTok)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/barbers/status", barbTok, map[string]any{
		"online": true, "lat": 48.86, "lng": 2.35, "radius_km": 10,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("go online: %d %s", res.StatusCode, string(data))
	}
	readUntil(t, barbWS, session.TypeOnlineStatusUpdated)

	// Creation on behalf of a customer stays PENDING and unbroadcast.
	res, data = doJSONKey(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", key, map[string]any{
		"customer_id": "cust-7", "customer_name": "Nadia",
		"service_id": "svc-cut", "service_name": "Haircut", "price": 1500,
		"payment_method": "PREPAID", "address_line": "3 Quai Voltaire", "lat": 48.86, "lng": 2.35,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create via api key: %d %s", res.StatusCode, string(data))
	}
	var created CreateBookingResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.Booking.Status != domain.BookingPending {
		t.Fatalf("expected PENDING, got %s", created.Booking.Status)
	}
	if created.Dispatch.AttemptID != "" {
		t.Fatalf("collaborator create must not auto-dispatch, got attempt %s", created.Dispatch.AttemptID)
	}
	if created.Booking.CustomerID != "cust-7" {
		t.Fatalf("expected booking for cust-7, got %s", created.Booking.CustomerID)
	}

	res, data = doJSONKey(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+created.Booking.ID+"/dispatch", key, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch: %d %s", res.StatusCode, string(data))
	}
	var dispatched engine.DispatchResult
	if err := json.Unmarshal(data, &dispatched); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if len(dispatched.Barbers) != 1 || dispatched.Barbers[0] != "barb-1" {
		t.Fatalf("unexpected candidates: %v", dispatched.Barbers)
	}
	req := readUntil(t, barbWS, session.TypeNewBookingRequest)
	if req.BookingID != created.Booking.ID {
		t.Fatalf("broadcast for wrong booking: %s", req.BookingID)
	}

	// A second dispatch of the same attempt is a conflict.
	res, data = doJSONKey(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/"+created.Booking.ID+"/dispatch", key, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("redispatch: expected 409, got %d %s", res.StatusCode, string(data))
	}

	// Missing customer_id is rejected up front for API-key callers.
	res, data = doJSONKey(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", key, map[string]any{
		"service_id": "svc-cut", "service_name": "Haircut", "price": 1500,
		"payment_method": "PREPAID", "address_line": "3 Quai Voltaire", "lat": 48.86, "lng": 2.35,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("create without customer_id: expected 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestBarberStatusSnapshotOverREST(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "barb-2", "Lena", domain.RoleBarber)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/barbers/status", tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status: %d %s", res.StatusCode, string(data))
	}
	var snap BarberStatusResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.Online {
		t.Fatalf("fresh barber must start offline")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/barbers/status", tok, map[string]any{
		"online": true, "lat": 45.76, "lng": 4.83, "radius_km": 8,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("go online: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/barbers/status", tok, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status after toggle: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !snap.Online || snap.RadiusKm != 8 {
		t.Fatalf("snapshot did not reflect toggle: %+v", snap)
	}

	// Customers have no presence to read.
	custTok := token(t, "cust-1", "Ana", domain.RoleCustomer)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/barbers/status", custTok, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for customer, got %d", res.StatusCode)
	}
}
