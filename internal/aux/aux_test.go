package aux

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/clock"
	"github.com/lecztomek/boilerctl/internal/eventbus"
	"github.com/lecztomek/boilerctl/internal/ledger"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

type stubAuxModule struct {
	id      string
	runtime map[string]interface{}
	events  []state.Event
	err     error
}

func (s *stubAuxModule) ID() string { return s.id }
func (s *stubAuxModule) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	if s.err != nil {
		return module.TickResult{}, s.err
	}
	return module.TickResult{Events: s.events, Runtime: s.runtime}, nil
}
func (s *stubAuxModule) Schema() modcfg.Schema      { return modcfg.Schema{} }
func (s *stubAuxModule) Values() modcfg.Values      { return modcfg.Values{} }
func (s *stubAuxModule) SetValues(modcfg.Values) error { return nil }
func (s *stubAuxModule) ReloadConfig() error           { return nil }

func newTestRunner(modules []module.Module) (*Runner, *state.Store) {
	store := state.NewStore(eventbus.New(100, nil, nil))
	clk := clock.NewFake(time.Unix(0, 0))
	return New(store, modules, clk, time.Second, zap.NewNop(), nil, nil), store
}

func TestRunTick_MergesModuleRuntimeIntoSharedState(t *testing.T) {
	modules := []module.Module{
		&stubAuxModule{id: "stats", runtime: map[string]interface{}{"avg_power": 42.0}},
	}
	r, store := newTestRunner(modules)
	r.runTick()
	snap := store.Snapshot()
	if snap.Runtime["avg_power"] != 42.0 {
		t.Fatalf("expected runtime key avg_power=42.0, got %+v", snap.Runtime)
	}
}

func TestRunTick_ModuleErrorEmitsWarningNotAlarm(t *testing.T) {
	modules := []module.Module{&stubAuxModule{id: "history", err: errors.New("disk full")}}
	r, store := newTestRunner(modules)
	r.runTick()
	snap := store.Snapshot()
	found := false
	for _, e := range snap.RecentEvents {
		if e.Type == "AUX_MODULE_ERROR" {
			found = true
			if e.Level != state.LevelWarning {
				t.Fatalf("expected AUX_MODULE_ERROR at WARNING level, got %v", e.Level)
			}
		}
	}
	if !found {
		t.Fatalf("expected an AUX_MODULE_ERROR event, got %+v", snap.RecentEvents)
	}
	if snap.Modules["history"].Health != state.HealthError {
		t.Fatalf("expected module status health=ERROR, got %v", snap.Modules["history"].Health)
	}
}

func TestRunTick_AdvancesCursorPastPublishedEvents(t *testing.T) {
	modules := []module.Module{}
	r, store := newTestRunner(modules)

	store.PublishEvents([]state.Event{{Source: "kernel", Type: "SOMETHING"}})
	r.runTick()
	if r.cursor == 0 {
		t.Fatalf("expected cursor to advance past the published event's seq")
	}

	before := r.cursor
	r.runTick()
	if r.cursor != before {
		t.Fatalf("expected cursor to stay put with no new events, before=%v after=%v", before, r.cursor)
	}
}

func TestRunTick_PublishedEventsAreMirroredIntoLedger(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()

	modules := []module.Module{&stubAuxModule{id: "history", events: []state.Event{{Type: "HISTORY_ROTATED"}}}}
	store := state.NewStore(eventbus.New(100, nil, nil))
	clk := clock.NewFake(time.Unix(0, 0))
	r := New(store, modules, clk, time.Second, zap.NewNop(), nil, led)
	r.runTick()

	got, err := led.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	found := false
	for _, e := range got {
		if e.Type == "HISTORY_ROTATED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the published event mirrored into the ledger, got %+v", got)
	}
}

func TestRunTick_RecordsModuleStatusEvenOnSuccess(t *testing.T) {
	modules := []module.Module{&stubAuxModule{id: "eventlog"}}
	r, store := newTestRunner(modules)
	r.runTick()
	st, ok := store.Snapshot().Modules["eventlog"]
	if !ok {
		t.Fatalf("expected a module status entry for eventlog")
	}
	if st.Health != state.HealthOK {
		t.Fatalf("expected HealthOK, got %v", st.Health)
	}
}
