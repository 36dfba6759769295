package stats

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/state"
)

func newTestModule(t *testing.T, values modcfg.Values) *Module {
	t.Helper()
	dir := t.TempDir()
	m, err := New(dir, values, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func approxEqual(t *testing.T, got, want, tol float64, what string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Fatalf("%s = %v, want ~%v (tol %v)", what, got, want, tol)
	}
}

// One continuous 5-minute bucket with the feeder running the whole time
// at feeder_kg_per_hour=10, calorific_mj_per_kg=29 must yield
// coal_kg ~= 0.8333 and energy_kwh ~= 6.713.
func TestModule_S5_ContinuousFeederOneBucket(t *testing.T) {
	m := newTestModule(t, modcfg.Values{"feeder_kg_per_hour": 10.0, "calorific_mj_per_kg": 29.0})

	base := time.Now()
	if _, err := m.Tick(base, state.Sensors{}, state.SystemState{TsMono: 0}); err != nil {
		t.Fatalf("init tick: %v", err)
	}

	snap := state.SystemState{TsMono: 300 * time.Second, Outputs: state.Outputs{Feeder: true}}
	res, err := m.Tick(base.Add(300*time.Second), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("integration tick: %v", err)
	}

	if len(m.b5m) != 1 {
		t.Fatalf("expected exactly one closed 5-minute bucket, got %d", len(m.b5m))
	}
	closed := m.b5m[0].agg
	approxEqual(t, closed.coalKg, 0.8333333, 1e-4, "coal_kg")
	approxEqual(t, closed.energyKwh, 6.7129629, 1e-3, "energy_kwh")

	payload, ok := res.Runtime["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected stats payload in Runtime, got %+v", res.Runtime)
	}
	coalKg5m, ok := payload["coal_kg_5m"].(float64)
	if !ok {
		t.Fatalf("expected coal_kg_5m to be published, got %+v", payload["coal_kg_5m"])
	}
	approxEqual(t, coalKg5m, 0.8333333, 1e-4, "published coal_kg_5m")
}

func TestModule_FeederOff_NoFuelAccumulates(t *testing.T) {
	m := newTestModule(t, modcfg.Values{"feeder_kg_per_hour": 10.0, "calorific_mj_per_kg": 29.0})

	base := time.Now()
	if _, err := m.Tick(base, state.Sensors{}, state.SystemState{TsMono: 0}); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	if _, err := m.Tick(base.Add(300*time.Second), state.Sensors{}, state.SystemState{TsMono: 300 * time.Second}); err != nil {
		t.Fatalf("integration tick: %v", err)
	}

	if len(m.b5m) != 1 {
		t.Fatalf("expected one closed bucket, got %d", len(m.b5m))
	}
	if m.b5m[0].agg.coalKg != 0 {
		t.Fatalf("expected zero coal_kg with feeder off, got %v", m.b5m[0].agg.coalKg)
	}
}

func TestModule_ZeroCalorificDisablesEnergy(t *testing.T) {
	m := newTestModule(t, modcfg.Values{"feeder_kg_per_hour": 10.0, "calorific_mj_per_kg": 0.0})

	base := time.Now()
	if _, err := m.Tick(base, state.Sensors{}, state.SystemState{TsMono: 0}); err != nil {
		t.Fatalf("init tick: %v", err)
	}
	snap := state.SystemState{TsMono: 300 * time.Second, Outputs: state.Outputs{Feeder: true}}
	if _, err := m.Tick(base.Add(300*time.Second), state.Sensors{}, snap); err != nil {
		t.Fatalf("integration tick: %v", err)
	}

	if m.b5m[0].agg.energyKwh != 0 {
		t.Fatalf("expected zero energy_kwh when calorific value is 0, got %v", m.b5m[0].agg.energyKwh)
	}
	if m.b5m[0].agg.coalKg == 0 {
		t.Fatalf("expected nonzero coal_kg even with energy disabled")
	}
}

func TestModule_DisabledStillPublishes(t *testing.T) {
	m := newTestModule(t, modcfg.Values{"enabled": false})
	res, err := m.Tick(time.Now(), state.Sensors{}, state.SystemState{TsMono: 0})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	payload, ok := res.Runtime["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected stats payload even when disabled, got %+v", res.Runtime)
	}
	if payload["enabled"] != false {
		t.Fatalf("expected enabled=false in payload, got %+v", payload["enabled"])
	}
}

func TestRateHelpers(t *testing.T) {
	if got := rateKgph(3600, 5); got != 5 {
		t.Fatalf("rateKgph(3600,5) = %v, want 5", got)
	}
	if got := rateKgph(0, 5); got != 0 {
		t.Fatalf("rateKgph(0,5) = %v, want 0 (guard against divide by zero)", got)
	}
	if got := rateKw(3600, 2); got != 2 {
		t.Fatalf("rateKw(3600,2) = %v, want 2", got)
	}
}

func TestFloorTo5m(t *testing.T) {
	got := floorTo5m(301)
	if got != 300 {
		t.Fatalf("floorTo5m(301) = %v, want 300", got)
	}
	got = floorTo5m(299)
	if got != 0 {
		t.Fatalf("floorTo5m(299) = %v, want 0", got)
	}
}
