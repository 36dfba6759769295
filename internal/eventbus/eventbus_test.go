package eventbus

import (
	"testing"

	"github.com/lecztomek/boilerctl/internal/state"
)

func TestPublish_AssignsStrictlyIncreasingSeq(t *testing.T) {
	b := New(10, nil, nil)
	got := b.Publish([]state.Event{{Type: "A"}, {Type: "B"}})
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("expected seqs 1,2 got %d,%d", got[0].Seq, got[1].Seq)
	}
}

func TestPublish_EvictsOldestBeyondCapacity(t *testing.T) {
	b := New(2, nil, nil)
	b.Publish([]state.Event{{Type: "A"}})
	b.Publish([]state.Event{{Type: "B"}})
	b.Publish([]state.Event{{Type: "C"}})

	events, _, _ := b.EventsSince(0)
	if len(events) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(events))
	}
	if events[0].Type != "B" || events[1].Type != "C" {
		t.Fatalf("expected oldest (A) evicted, got %+v", events)
	}
}

func TestEventsSince_ReturnsOnlyNewerSeqs(t *testing.T) {
	b := New(10, nil, nil)
	b.Publish([]state.Event{{Type: "A"}, {Type: "B"}, {Type: "C"}})

	events, newest, overflow := b.EventsSince(1)
	if overflow {
		t.Fatalf("did not expect overflow")
	}
	if newest != 3 {
		t.Fatalf("expected newest seq 3, got %d", newest)
	}
	if len(events) != 2 || events[0].Type != "B" || events[1].Type != "C" {
		t.Fatalf("expected [B,C], got %+v", events)
	}
}

func TestEventsSince_FlagsOverflowWhenCursorFellBehindRing(t *testing.T) {
	b := New(2, nil, nil)
	b.Publish([]state.Event{{Type: "A"}})
	b.Publish([]state.Event{{Type: "B"}})
	b.Publish([]state.Event{{Type: "C"}}) // evicts A, oldest retained seq is now 2

	_, _, overflow := b.EventsSince(0)
	if !overflow {
		t.Fatalf("expected overflow: cursor 0 is behind the retained history (oldest=2)")
	}
}

func TestEventsSince_EmptyBusReturnsNoEvents(t *testing.T) {
	b := New(10, nil, nil)
	events, newest, overflow := b.EventsSince(0)
	if events != nil || newest != 0 || overflow {
		t.Fatalf("expected empty result on empty bus, got %+v %d %v", events, newest, overflow)
	}
}

func TestPublish_EmptyInputIsNoOp(t *testing.T) {
	b := New(10, nil, nil)
	got := b.Publish(nil)
	if got != nil {
		t.Fatalf("expected nil result for empty publish")
	}
	if b.NewestSeq() != 0 {
		t.Fatalf("expected NewestSeq unchanged, got %d", b.NewestSeq())
	}
}

func TestNew_PanicsOnNonPositiveCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for capacity <= 0")
		}
	}()
	New(0, nil, nil)
}
