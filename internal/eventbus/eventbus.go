// Package eventbus implements the bounded ring buffer of published events
// shared between the control loop and the auxiliary loop. It assigns
// strictly monotone sequence numbers and reports overflow to slow consumers,
// following the backpressure-aware ring-buffer discipline used by the
// control kernel's hardware event processor.
package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lecztomek/boilerctl/internal/state"
)

// Bus is a bounded ring buffer of (seq, Event) pairs. It is safe for
// concurrent use; callers that also need to coordinate with SystemState
// mutation should hold the same lock the owning store uses for both.
type Bus struct {
	mu       sync.Mutex
	cap      int
	buf      []state.Event // ring, logical order oldest-first within [0,len)
	nextSeq  uint64
	oldest   uint64 // seq of the oldest entry still held, 0 if empty
	dropped  prometheus.Counter
	overflow prometheus.Counter
}

// New returns a Bus with the given ring capacity (must be > 0).
func New(capacity int, dropped, overflow prometheus.Counter) *Bus {
	if capacity <= 0 {
		panic("eventbus: capacity must be > 0")
	}
	return &Bus{cap: capacity, dropped: dropped, overflow: overflow}
}

// Publish assigns each event the next sequence number, in order, and appends
// it to the ring, evicting the oldest entry once capacity is exceeded.
func (b *Bus) Publish(events []state.Event) []state.Event {
	if len(events) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	published := make([]state.Event, len(events))
	for i, e := range events {
		b.nextSeq++
		e.Seq = b.nextSeq
		published[i] = e
		b.buf = append(b.buf, e)
	}
	if b.oldest == 0 && len(b.buf) > 0 {
		b.oldest = b.buf[0].Seq
	}
	if overflowCount := len(b.buf) - b.cap; overflowCount > 0 {
		b.buf = b.buf[overflowCount:]
		if b.dropped != nil {
			b.dropped.Add(float64(overflowCount))
		}
		if len(b.buf) > 0 {
			b.oldest = b.buf[0].Seq
		}
	}
	return published
}

// EventsSince returns every event with Seq > lastSeq, the current newest
// sequence, and an overflow flag set when the consumer's view has a gap -
// i.e. lastSeq fell further behind than the ring's retained history.
func (b *Bus) EventsSince(lastSeq uint64) (events []state.Event, newestSeq uint64, overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	newestSeq = b.nextSeq
	if len(b.buf) == 0 {
		return nil, newestSeq, false
	}
	if lastSeq < b.oldest-1 {
		overflow = true
		if b.overflow != nil {
			b.overflow.Inc()
		}
	}
	for _, e := range b.buf {
		if e.Seq > lastSeq {
			events = append(events, e)
		}
	}
	return events, newestSeq, overflow
}

// NewestSeq returns the most recently assigned sequence number without
// copying the ring contents.
func (b *Bus) NewestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}
