package state

import (
	"sync"

	"github.com/lecztomek/boilerctl/internal/eventbus"
)

// Store owns the single SystemState behind a mutex and the event ring
// buffer published alongside it. The control loop and HTTP command handlers
// use Locked for mutation; every other reader uses Snapshot.
type Store struct {
	mu    sync.Mutex
	state *SystemState
	bus   *eventbus.Bus
}

// NewStore returns a Store with a fresh SystemState and the given event bus.
func NewStore(bus *eventbus.Bus) *Store {
	return &Store{state: New(), bus: bus}
}

// Snapshot returns a deep copy of the current state, safe for concurrent
// readers (HTTP handlers, the auxiliary loop).
func (s *Store) Snapshot() SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// Locked runs fn with exclusive access to the mutable state, guaranteeing
// the lock is released on every exit path including a panic in fn.
func (s *Store) Locked(fn func(*SystemState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// PublishEvents assigns sequence numbers to events and appends them to the
// ring buffer. It also appends them to the state's recent-events tail under
// the same lock so HTTP readers observe them without waiting for the next
// tick's snapshot to be taken by a different subsystem.
func (s *Store) PublishEvents(events []Event) []Event {
	if len(events) == 0 {
		return nil
	}
	published := s.bus.Publish(events)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RecentEvents = append(s.state.RecentEvents, published...)
	const recentCap = 200
	if len(s.state.RecentEvents) > recentCap {
		s.state.RecentEvents = s.state.RecentEvents[len(s.state.RecentEvents)-recentCap:]
	}
	return published
}

// EventsSince proxies to the underlying event bus.
func (s *Store) EventsSince(lastSeq uint64) (events []Event, newestSeq uint64, overflow bool) {
	return s.bus.EventsSince(lastSeq)
}
