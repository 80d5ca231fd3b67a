package presence_test

import (
	"errors"
	"testing"

	"groomnet/internal/domain"
	"groomnet/internal/presence"
)

func bookingAt(lat, lng float64) domain.Booking {
	return domain.Booking{
		ID:      "b-1",
		Address: domain.Address{Line: "12 MG Road", Lat: lat, Lng: lng},
	}
}

func TestEligibleForOrderingAndRadius(t *testing.T) {
	r := presence.NewRegistry()
	// Two barbers next to the booking, one far away.
	if err := r.SetOnline("barber-b", 12.97, 77.59, 10); err != nil {
		t.Fatalf("online b: %v", err)
	}
	if err := r.SetOnline("barber-a", 12.98, 77.60, 10); err != nil {
		t.Fatalf("online a: %v", err)
	}
	if err := r.SetOnline("barber-c", 28.61, 77.21, 10); err != nil { // Delhi, out of radius
		t.Fatalf("online c: %v", err)
	}
	got := r.EligibleFor(bookingAt(12.975, 77.595))
	if len(got) != 2 || got[0] != "barber-a" || got[1] != "barber-b" {
		t.Fatalf("unexpected eligible set: %v", got)
	}
}

func TestOfflineRejectedWithActiveBooking(t *testing.T) {
	r := presence.NewRegistry()
	if err := r.SetOnline("barber-1", 12.97, 77.59, 5); err != nil {
		t.Fatal(err)
	}
	if err := r.Assign("barber-1", "bk-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := r.SetOffline("barber-1"); !errors.Is(err, presence.ErrHasActiveBooking) {
		t.Fatalf("expected active booking rejection, got %v", err)
	}
	// Going online again mid-booking is rejected too.
	if err := r.SetOnline("barber-1", 12.97, 77.59, 5); !errors.Is(err, presence.ErrHasActiveBooking) {
		t.Fatalf("expected online rejection, got %v", err)
	}
	r.Release("barber-1")
	if err := r.SetOffline("barber-1"); err != nil {
		t.Fatalf("offline after release: %v", err)
	}
}

func TestBusyBarberNeverEligible(t *testing.T) {
	r := presence.NewRegistry()
	if err := r.SetOnline("barber-1", 12.97, 77.59, 5); err != nil {
		t.Fatal(err)
	}
	if err := r.Assign("barber-1", "bk-1"); err != nil {
		t.Fatal(err)
	}
	if got := r.EligibleFor(bookingAt(12.97, 77.59)); len(got) != 0 {
		t.Fatalf("busy barber should not be eligible, got %v", got)
	}
}

func TestDropOnDisconnectKeepsActiveBooking(t *testing.T) {
	r := presence.NewRegistry()
	if err := r.SetOnline("barber-1", 12.97, 77.59, 5); err != nil {
		t.Fatal(err)
	}
	if err := r.Assign("barber-1", "bk-1"); err != nil {
		t.Fatal(err)
	}
	r.DropOnDisconnect("barber-1")
	b, ok := r.Get("barber-1")
	if !ok || !b.Online || b.ActiveBooking != "bk-1" {
		t.Fatalf("presence should survive disconnect mid-booking: %+v", b)
	}

	r.Release("barber-1")
	r.DropOnDisconnect("barber-1")
	b, _ = r.Get("barber-1")
	if b.Online {
		t.Fatalf("free barber should go offline on disconnect")
	}
}

func TestAssignRequiresOnline(t *testing.T) {
	r := presence.NewRegistry()
	if err := r.Assign("ghost", "bk-1"); !errors.Is(err, presence.ErrNotOnline) {
		t.Fatalf("expected not online, got %v", err)
	}
}
