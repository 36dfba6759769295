package ledger

import (
	"path/filepath"
	"testing"

	"github.com/lecztomek/boilerctl/internal/state"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_ReopeningExistingDBPassesSchemaCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db2.Close()
}

func TestAppendEvents_RecentEventsRoundTripsInOrder(t *testing.T) {
	db := openTestDB(t)
	events := []state.Event{
		{Seq: 1, Type: "A"},
		{Seq: 2, Type: "B"},
		{Seq: 3, Type: "C"},
	}
	if err := db.AppendEvents(events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	got, err := db.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 3 || got[0].Type != "A" || got[2].Type != "C" {
		t.Fatalf("expected events in seq order, got %+v", got)
	}
}

func TestRecentEvents_RespectsLimitKeepingNewest(t *testing.T) {
	db := openTestDB(t)
	var events []state.Event
	for i := uint64(1); i <= 5; i++ {
		events = append(events, state.Event{Seq: i, Type: "E"})
	}
	if err := db.AppendEvents(events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	got, err := db.RecentEvents(2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("expected the 2 newest events [4,5], got %+v", got)
	}
}

func TestAppendEvents_PrunesOldestBeyondMaxEvents(t *testing.T) {
	db := openTestDB(t)
	var events []state.Event
	for i := uint64(1); i <= maxEvents+10; i++ {
		events = append(events, state.Event{Seq: i, Type: "E"})
	}
	if err := db.AppendEvents(events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	got, err := db.RecentEvents(maxEvents + 100)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != maxEvents {
		t.Fatalf("expected events bucket pruned to maxEvents=%d, got %d", maxEvents, len(got))
	}
	if got[0].Seq != 11 {
		t.Fatalf("expected the oldest 10 events pruned, first remaining seq=%d, want 11", got[0].Seq)
	}
}

func TestAppendEvents_EmptyInputIsNoOp(t *testing.T) {
	db := openTestDB(t)
	if err := db.AppendEvents(nil); err != nil {
		t.Fatalf("AppendEvents(nil): %v", err)
	}
	got, err := db.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %+v", got)
	}
}
