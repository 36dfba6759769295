package safety

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

func TestTick_AllSensorsPresentProducesNoForcingOrEvents(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{TsMono: 0}
	sensors := state.Sensors{BoilerTempC: f64(50), RadiatorTempC: f64(40), HopperTempC: f64(30), FlueTempC: f64(150)}
	res, err := m.Tick(time.Now(), sensors, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected no events with all sensors present, got %+v", res.Events)
	}
	if res.Outputs.FanPower != nil {
		t.Fatalf("expected no forced outputs, got %+v", res.Outputs)
	}
}

func TestTick_MissingBoilerForcesFanOffAndPumpsOn(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{TsMono: 0}
	sensors := state.Sensors{RadiatorTempC: f64(40), HopperTempC: f64(30), FlueTempC: f64(150)}
	res, err := m.Tick(time.Now(), sensors, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.FanPower == nil || *res.Outputs.FanPower != 0 {
		t.Fatalf("expected fan forced off when boiler_temp missing, got %+v", res.Outputs.FanPower)
	}
	if res.Outputs.PumpCO == nil || !*res.Outputs.PumpCO {
		t.Fatalf("expected CO pump forced on when boiler_temp missing, got %+v", res.Outputs.PumpCO)
	}
	if res.Outputs.Feeder == nil || *res.Outputs.Feeder {
		t.Fatalf("expected feeder forced off when boiler_temp missing, got %+v", res.Outputs.Feeder)
	}

	foundEdge := false
	for _, e := range res.Events {
		if e.Type == "SENSOR_BOILER_TEMP_MISSING_ON" {
			foundEdge = true
		}
	}
	if !foundEdge {
		t.Fatalf("expected a SENSOR_BOILER_TEMP_MISSING_ON edge event, got %+v", res.Events)
	}
}

func TestTick_MissingRadiatorForcesMixerClosedBothDirections(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{TsMono: 0}
	sensors := state.Sensors{BoilerTempC: f64(50), HopperTempC: f64(30), FlueTempC: f64(150)}
	res, err := m.Tick(time.Now(), sensors, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.MixerOpen == nil || *res.Outputs.MixerOpen {
		t.Fatalf("expected mixer open forced false when radiator temp missing, got %+v", res.Outputs.MixerOpen)
	}
	if res.Outputs.MixerClose == nil || *res.Outputs.MixerClose {
		t.Fatalf("expected mixer close forced false when radiator temp missing, got %+v", res.Outputs.MixerClose)
	}
}

func TestTick_RepeatsMissingWarningAfterInterval(t *testing.T) {
	m := newTestModule(t)
	sensors := state.Sensors{RadiatorTempC: f64(40), HopperTempC: f64(30), FlueTempC: f64(150)}
	snap := state.SystemState{TsMono: 0}
	if _, err := m.Tick(time.Now(), sensors, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	snap.TsMono = time.Duration(defaultConfig().RepeatWarningS+1) * time.Second
	res, err := m.Tick(time.Now(), sensors, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	found := false
	for _, e := range res.Events {
		if e.Type == "SENSOR_BOILER_TEMP_MISSING" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected repeated SENSOR_BOILER_TEMP_MISSING warning after repeat_warning_s, got %+v", res.Events)
	}
}

func TestTick_DisabledProducesNoOpinion(t *testing.T) {
	m, err := New(t.TempDir(), modcfg.Values{"enabled": false}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := m.Tick(time.Now(), state.Sensors{}, state.SystemState{})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(res.Events) != 0 || res.Outputs.FanPower != nil {
		t.Fatalf("expected no-op when disabled, got %+v", res)
	}
}
