package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/state"
)

func newTestModule(t *testing.T) *Module {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, modcfg.Values{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func readRows(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one event log file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	return lines
}

func TestModule_WritesNewEventsOnce(t *testing.T) {
	m := newTestModule(t)
	now := time.Now()

	snap := state.SystemState{RecentEvents: []state.Event{
		{Seq: 1, TsWall: now, Source: "overheat", Level: state.LevelWarning, Type: "BOILER_OVERHEAT_ON", Message: "trip"},
		{Seq: 2, TsWall: now, Source: "safety", Level: state.LevelError, Type: "SENSOR_BOILER_MISSING", Message: "gone"},
	}}

	if _, err := m.Tick(now, state.Sensors{}, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	lines := readRows(t, m.logDir())
	if len(lines) != 3 { // header + 2 rows
		t.Fatalf("expected header + 2 rows, got %d: %v", len(lines), lines)
	}
}

func TestModule_DoesNotRewriteAlreadySeenEvents(t *testing.T) {
	m := newTestModule(t)
	now := time.Now()

	firstSnap := state.SystemState{RecentEvents: []state.Event{
		{Seq: 1, TsWall: now, Source: "overheat", Level: state.LevelWarning, Type: "A", Message: "m1"},
	}}
	if _, err := m.Tick(now, state.Sensors{}, firstSnap); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}

	// The aux loop's snapshot carries the store's whole recent-events ring,
	// so the same event (Seq 1) can legitimately reappear alongside a new
	// one (Seq 2) on a later tick.
	secondSnap := state.SystemState{RecentEvents: []state.Event{
		{Seq: 1, TsWall: now, Source: "overheat", Level: state.LevelWarning, Type: "A", Message: "m1"},
		{Seq: 2, TsWall: now, Source: "overheat", Level: state.LevelWarning, Type: "B", Message: "m2"},
	}}
	if _, err := m.Tick(now.Add(time.Second), state.Sensors{}, secondSnap); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}

	lines := readRows(t, m.logDir())
	if len(lines) != 3 { // header + 2 distinct rows, Seq 1 not duplicated
		t.Fatalf("expected header + 2 rows (no duplicate), got %d: %v", len(lines), lines)
	}
}

func TestModule_NoEventsIsNoOp(t *testing.T) {
	m := newTestModule(t)
	res, err := m.Tick(time.Now(), state.Sensors{}, state.SystemState{})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected no events, got %+v", res.Events)
	}
	entries, _ := os.ReadDir(m.logDir())
	if len(entries) != 0 {
		t.Fatalf("expected no file to be created, got %d entries", len(entries))
	}
}

func TestModule_DailyRotationUsesDateOnlySuffix(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, modcfg.Values{"rotate": "day"}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	snap := state.SystemState{RecentEvents: []state.Event{
		{Seq: 1, TsWall: now, Source: "x", Level: state.LevelInfo, Type: "T", Message: "m"},
	}}
	if _, err := m.Tick(now, state.Sensors{}, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	entries, _ := os.ReadDir(m.logDir())
	if len(entries) != 1 {
		t.Fatalf("expected one file, got %d", len(entries))
	}
	if want := "events_" + now.In(m.loc).Format("20060102") + ".csv"; entries[0].Name() != want {
		t.Fatalf("daily rotation file should carry only a date suffix: want %s, got %s", want, entries[0].Name())
	}
}
