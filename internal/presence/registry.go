package presence

import (
	"errors"
	"math"
	"sort"
	"sync"

	"groomnet/internal/domain"
)

var (
	ErrHasActiveBooking = errors.New("barber has an active booking")
	ErrNotOnline        = errors.New("barber is not online")
)

// Barber is a snapshot of one barber's presence.
type Barber struct {
	ID            string
	Online        bool
	Lat           float64
	Lng           float64
	RadiusKm      float64
	ActiveBooking string
}

// Registry tracks which barbers are online, where they are, and whether they
// hold an active booking. The active-booking reference is the single source of
// truth for "is this barber available" — every other component consults it
// here instead of keeping its own copy.
//
// Presence is deliberately in-memory: it describes live connections, and a
// process restart legitimately starts everyone offline.
type Registry struct {
	mu      sync.Mutex
	barbers map[string]*Barber
}

func NewRegistry() *Registry {
	return &Registry{barbers: make(map[string]*Barber)}
}

// SetOnline marks a barber available for dispatch at the given location.
// Rejected while the barber holds an active booking: the booking must finish
// first, same as the production toggle.
func (r *Registry) SetOnline(barberID string, lat, lng, radiusKm float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.barbers[barberID]
	if b == nil {
		b = &Barber{ID: barberID}
		r.barbers[barberID] = b
	}
	if b.ActiveBooking != "" {
		return ErrHasActiveBooking
	}
	b.Online = true
	b.Lat = lat
	b.Lng = lng
	b.RadiusKm = radiusKm
	return nil
}

// SetOffline is rejected while the barber holds an active booking; callers
// surface that as a user-facing block.
func (r *Registry) SetOffline(barberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.barbers[barberID]
	if b == nil {
		return nil
	}
	if b.ActiveBooking != "" {
		return ErrHasActiveBooking
	}
	b.Online = false
	return nil
}

// DropOnDisconnect handles a closed session: the barber goes offline unless an
// active booking is held, in which case presence is kept so the booking
// survives a reconnect.
func (r *Registry) DropOnDisconnect(barberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.barbers[barberID]
	if b == nil || b.ActiveBooking != "" {
		return
	}
	b.Online = false
}

// EligibleFor returns the ids of barbers that are online, free, and within
// their own travel radius of the booking's address, sorted ascending so
// dispatch order is deterministic.
func (r *Registry) EligibleFor(booking domain.Booking) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, b := range r.barbers {
		if !b.Online || b.ActiveBooking != "" {
			continue
		}
		if haversineKm(b.Lat, b.Lng, booking.Address.Lat, booking.Address.Lng) > b.RadiusKm {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Assign sets the barber's active-booking reference. Only the dispatch
// coordinator calls this, after winning the accept race.
func (r *Registry) Assign(barberID, bookingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.barbers[barberID]
	if b == nil || !b.Online {
		return ErrNotOnline
	}
	if b.ActiveBooking != "" && b.ActiveBooking != bookingID {
		return ErrHasActiveBooking
	}
	b.ActiveBooking = bookingID
	return nil
}

// Release clears the barber's active-booking reference, freeing them for new
// dispatches.
func (r *Registry) Release(barberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.barbers[barberID]; b != nil {
		b.ActiveBooking = ""
	}
}

// Get returns a snapshot of one barber's presence.
func (r *Registry) Get(barberID string) (Barber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.barbers[barberID]
	if b == nil {
		return Barber{}, false
	}
	return *b, true
}

// ActiveBooking returns the booking the barber currently holds, if any.
func (r *Registry) ActiveBooking(barberID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.barbers[barberID]; b != nil {
		return b.ActiveBooking
	}
	return ""
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
