package ignition

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/state"
)

func f64(v float64) *float64 { return &v }

func newTestModule(t *testing.T) *Module {
	t.Helper()
	m, err := New(t.TempDir(), modcfg.Values{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestTick_InactiveModeProducesNoOpinion(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeOff}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(20)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent != nil {
		t.Fatalf("expected no opinion while inactive")
	}
}

func TestTick_FarBelowSetpointDrivesMaxPower(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeIgnition, TsMono: 0}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(10)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil || *res.Outputs.PowerPercent != 100 {
		t.Fatalf("expected max power (100) far below setpoint, got %+v", res.Outputs.PowerPercent)
	}
}

func TestTick_NearSetpointDropsToIgnitionMinimum(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeIgnition, TsMono: 0}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(64)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil || *res.Outputs.PowerPercent != 30 {
		t.Fatalf("expected ignition minimum (30) within min_delta of setpoint, got %+v", res.Outputs.PowerPercent)
	}
}

func TestTick_BumplessEntrySkipsSlewOnFirstTick(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeIgnition, TsMono: 0}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(10)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil || *res.Outputs.PowerPercent != 100 {
		t.Fatalf("expected unlimited jump to 100 on first tick in mode, got %+v", res.Outputs.PowerPercent)
	}
}

func TestTick_NoSensorFallsBackToMaxPowerDeltaLaw(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeIgnition, TsMono: 0}
	res, err := m.Tick(time.Now(), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil || *res.Outputs.PowerPercent != 100 {
		t.Fatalf("expected max power fallback with no sensor, got %+v", res.Outputs.PowerPercent)
	}
}

func TestInterpolateDeltaLaw_LinearBetweenBounds(t *testing.T) {
	got := interpolateDeltaLaw(11, 2, 20, 30, 100)
	want := 30 + (11.0-2)/(20-2)*(100-30)
	if got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
