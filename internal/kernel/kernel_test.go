package kernel

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/clock"
	"github.com/lecztomek/boilerctl/internal/eventbus"
	"github.com/lecztomek/boilerctl/internal/invariant"
	"github.com/lecztomek/boilerctl/internal/ledger"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

type fakeHW struct {
	sensors    state.Sensors
	readErr    error
	applied    []state.Outputs
	applyErr   error
}

func (f *fakeHW) ReadSensors() (state.Sensors, error) { return f.sensors, f.readErr }
func (f *fakeHW) ApplyOutputs(o state.Outputs) error {
	f.applied = append(f.applied, o)
	return f.applyErr
}
func (f *fakeHW) Close() error { return nil }

type stubModule struct {
	id      string
	outputs state.PartialOutputs
	events  []state.Event
	err     error
}

func (s *stubModule) ID() string { return s.id }
func (s *stubModule) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	if s.err != nil {
		return module.TickResult{}, s.err
	}
	return module.TickResult{Outputs: s.outputs, Events: s.events}, nil
}
func (s *stubModule) Schema() modcfg.Schema      { return modcfg.Schema{} }
func (s *stubModule) Values() modcfg.Values      { return modcfg.Values{} }
func (s *stubModule) SetValues(modcfg.Values) error { return nil }
func (s *stubModule) ReloadConfig() error           { return nil }

func f64(v float64) *float64 { return &v }
func b(v bool) *bool         { return &v }

func newTestKernel(hardware *fakeHW, modules []module.Module, limits PowerLimits) (*Kernel, *state.Store) {
	store := state.NewStore(eventbus.New(100, nil, nil))
	clk := clock.NewFake(time.Unix(0, 0))
	return New(store, hardware, modules, clk, 100*time.Millisecond, limits, zap.NewNop(), nil, nil), store
}

func TestRunTick_MergesModuleOutputsInManifestOrder(t *testing.T) {
	hardware := &fakeHW{}
	modules := []module.Module{
		&stubModule{id: "power", outputs: state.PartialOutputs{PowerPercent: f64(40)}},
		&stubModule{id: "fan", outputs: state.PartialOutputs{FanPower: func() *int { v := 70; return &v }()}},
	}
	k, store := newTestKernel(hardware, modules, nil)
	k.runTick()

	snap := store.Snapshot()
	if snap.Outputs.PowerPercent != 40 {
		t.Fatalf("expected merged PowerPercent 40, got %v", snap.Outputs.PowerPercent)
	}
	if snap.Outputs.FanPower != 70 {
		t.Fatalf("expected merged FanPower 70, got %v", snap.Outputs.FanPower)
	}
	if len(hardware.applied) != 1 {
		t.Fatalf("expected ApplyOutputs called once, got %d", len(hardware.applied))
	}
}

func TestRunTick_LaterModuleWinsOnConflict(t *testing.T) {
	hardware := &fakeHW{}
	modules := []module.Module{
		&stubModule{id: "a", outputs: state.PartialOutputs{MixerOpen: b(true)}},
		&stubModule{id: "b", outputs: state.PartialOutputs{MixerOpen: b(false)}},
	}
	k, store := newTestKernel(hardware, modules, nil)
	k.runTick()
	if store.Snapshot().Outputs.MixerOpen {
		t.Fatalf("expected the later module's MixerOpen=false to win")
	}
}

func TestRunTick_ModuleErrorEmitsEventAndSkipsItsOutput(t *testing.T) {
	hardware := &fakeHW{}
	modules := []module.Module{
		&stubModule{id: "bad", err: errors.New("boom"), outputs: state.PartialOutputs{PowerPercent: f64(99)}},
	}
	k, store := newTestKernel(hardware, modules, nil)
	k.runTick()

	snap := store.Snapshot()
	if snap.Outputs.PowerPercent != 0 {
		t.Fatalf("expected failed module's output to be skipped, got %v", snap.Outputs.PowerPercent)
	}
	foundErrEvent := false
	for _, e := range snap.RecentEvents {
		if e.Type == "MODULE_ERROR" {
			foundErrEvent = true
		}
	}
	if !foundErrEvent {
		t.Fatalf("expected a MODULE_ERROR event, got %+v", snap.RecentEvents)
	}
	if snap.Modules["bad"].Health != state.HealthError {
		t.Fatalf("expected module status health=ERROR, got %v", snap.Modules["bad"].Health)
	}
}

func TestRunTick_EnforcerClampsPowerToRegulatorLimits(t *testing.T) {
	hardware := &fakeHW{}
	modules := []module.Module{
		&stubModule{id: "power", outputs: state.PartialOutputs{PowerPercent: f64(150)}},
	}
	limits := func(snap state.SystemState) invariant.Limits {
		return invariant.Limits{MinPower: 10, MaxPower: 100}
	}
	k, store := newTestKernel(hardware, modules, limits)
	k.runTick()
	if store.Snapshot().Outputs.PowerPercent != 100 {
		t.Fatalf("expected power clamped to max_power=100, got %v", store.Snapshot().Outputs.PowerPercent)
	}
}

func TestRunTick_AlarmLevelEventSetsAlarmActive(t *testing.T) {
	hardware := &fakeHW{}
	modules := []module.Module{
		&stubModule{id: "overheat", events: []state.Event{{Level: state.LevelAlarm, Type: "BOILER_OVERHEAT_ON", Message: "too hot"}}},
	}
	k, store := newTestKernel(hardware, modules, nil)
	k.runTick()
	snap := store.Snapshot()
	if !snap.AlarmActive {
		t.Fatalf("expected AlarmActive true after an ALARM level event")
	}
	if snap.AlarmMessage != "too hot" {
		t.Fatalf("expected alarm message propagated, got %q", snap.AlarmMessage)
	}
}

func TestRunTick_HardwareReadFailureStillTicksModulesAndApplies(t *testing.T) {
	hardware := &fakeHW{readErr: errors.New("device gone")}
	modules := []module.Module{&stubModule{id: "power", outputs: state.PartialOutputs{PowerPercent: f64(30)}}}
	k, store := newTestKernel(hardware, modules, nil)
	k.runTick()
	if len(hardware.applied) != 1 {
		t.Fatalf("expected ApplyOutputs still called despite a sensor read failure")
	}
	if store.Snapshot().Outputs.PowerPercent != 30 {
		t.Fatalf("expected module output applied despite sensor read failure, got %v", store.Snapshot().Outputs.PowerPercent)
	}
}

func TestRunTick_PublishedEventsAreMirroredIntoLedger(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()

	hardware := &fakeHW{}
	modules := []module.Module{
		&stubModule{id: "overheat", events: []state.Event{{Level: state.LevelAlarm, Type: "BOILER_OVERHEAT_ON", Message: "too hot"}}},
	}
	store := state.NewStore(eventbus.New(100, nil, nil))
	clk := clock.NewFake(time.Unix(0, 0))
	k := New(store, hardware, modules, clk, 100*time.Millisecond, nil, zap.NewNop(), nil, led)
	k.runTick()

	got, err := led.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	found := false
	for _, e := range got {
		if e.Type == "BOILER_OVERHEAT_ON" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the published event mirrored into the ledger, got %+v", got)
	}
}

func TestRunTick_HardwareApplyFailureEmitsEvent(t *testing.T) {
	hardware := &fakeHW{applyErr: errors.New("relay stuck")}
	modules := []module.Module{&stubModule{id: "power"}}
	k, store := newTestKernel(hardware, modules, nil)
	k.runTick()
	found := false
	for _, e := range store.Snapshot().RecentEvents {
		if e.Type == "HARDWARE_APPLY_FAILED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a HARDWARE_APPLY_FAILED event")
	}
}
