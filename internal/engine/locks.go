package engine

import "sync"

// keyedMutex hands out one mutex per booking id. Entries are never removed;
// the set of bookings a single process coordinates stays small enough that
// reclaiming them is not worth the bookkeeping.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for a key and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// stateMap is a mutex-guarded map for the engine's in-memory per-booking
// records. Values are only mutated while holding the booking's keyed mutex;
// the map's own lock just protects the map structure.
type stateMap[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

func newStateMap[V any]() *stateMap[V] {
	return &stateMap[V]{m: make(map[string]V)}
}

func (s *stateMap[V]) get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *stateMap[V]) put(key string, v V) {
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

func (s *stateMap[V]) delete(key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}
