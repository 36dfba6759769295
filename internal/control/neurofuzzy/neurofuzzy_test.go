package neurofuzzy

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/control/fuzzy"
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

func TestTick_InactiveModeProducesNoOpinionAndResetsState(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeOff}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(50)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent != nil {
		t.Fatalf("expected no opinion outside WORK, got %+v", res.Outputs)
	}
	if m.wasActive {
		t.Fatalf("expected wasActive reset to false")
	}
}

func TestTick_FirstActiveTickStartsFromOutgoingPower(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeWork, TsMono: 0, Outputs: state.Outputs{PowerPercent: 55}}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(60)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil {
		t.Fatalf("expected a power opinion on first active tick")
	}
	if m.lastPower != *res.Outputs.PowerPercent {
		t.Fatalf("expected lastPower to track the produced output")
	}
}

func TestTick_NoSensorHoldsLastPower(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeWork, TsMono: 0, Outputs: state.Outputs{PowerPercent: 55}}
	if _, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(60)}, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	held := m.lastPower
	snap.TsMono = time.Second
	res, err := m.Tick(time.Now(), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil || *res.Outputs.PowerPercent != held {
		t.Fatalf("expected power held at %v when sensor missing, got %+v", held, res.Outputs.PowerPercent)
	}
}

func TestWeightedRules_AllWeightsOneMatchesUnweightedFuzzyStrengths(t *testing.T) {
	m := newTestModule(t)
	ev := fuzzy.Evaluate(m.cfg.Config, 0, 0, m.cfg.FlueMidC)
	rules, phi := m.weightedRules(ev)
	if len(rules) == 0 {
		t.Fatalf("expected at least one rule to fire at err=0")
	}
	var sumPhi float64
	for _, p := range phi {
		sumPhi += p
	}
	if sumPhi < 0.99 || sumPhi > 1.01 {
		t.Fatalf("expected phi credit-assignment vector to sum to ~1, got %v", sumPhi)
	}
	var sumWeighted, sumFuzzy float64
	for _, r := range rules {
		sumWeighted += r.Strength
	}
	for _, r := range fuzzy.Rules(ev) {
		sumFuzzy += r.Strength
	}
	if d := sumWeighted - sumFuzzy; d < -1e-9 || d > 1e-9 {
		t.Fatalf("expected weighted strengths to equal fuzzy strengths with all weights 1: %v vs %v", sumWeighted, sumFuzzy)
	}
}

func TestMaybeLearn_PushesWeightTowardWMinOnPersistentNegativeReward(t *testing.T) {
	m := newTestModule(t)
	m.cfg.LearningDelayS = 0
	m.pending = []firingSample{{
		mono:   0,
		absErr: 1,
		phi:    map[string]float64{"err_ZE": 1.0},
		power:  50,
	}}
	m.lastAbsErr = 5 // error grew a lot since the firing: strongly negative reward
	before := m.weights["err_ZE"]
	m.maybeLearn(time.Second, 0, 0, 1)
	after := m.weights["err_ZE"]
	if after >= before {
		t.Fatalf("expected weight to decrease on negative reward: before=%v after=%v", before, after)
	}
	if after < m.cfg.WMin {
		t.Fatalf("expected weight clamped at w_min=%v, got %v", m.cfg.WMin, after)
	}
}

func TestMaybeAutoTuneFlue_DoesNothingBeforeWindowFills(t *testing.T) {
	m := newTestModule(t)
	before := m.cfg.FlueMinC
	m.maybeAutoTuneFlue(0, 0, 0, 150)
	if m.cfg.FlueMinC != before {
		t.Fatalf("expected no flue auto-tune on the very first call, got %v -> %v", before, m.cfg.FlueMinC)
	}
}

func TestMaybeAdaptStability_StepsDeltaScaleDownWhenHeldWellButJittery(t *testing.T) {
	m := newTestModule(t)
	m.lastAbsErr = 0
	m.haveStability = true
	m.lastStabilityMono = 0
	for i := 0; i < 20; i++ {
		v := 50.0
		if i%2 == 0 {
			v = 50 + m.cfg.JitterPowerStdHigh*3
		}
		m.powerHistory = append(m.powerHistory, v)
		m.flueHistory = append(m.flueHistory, 150)
	}
	before := m.cfg.DeltaScale
	m.maybeAdaptStability(time.Duration(m.cfg.StabilityUpdateS+1)*time.Second, 50, 150)
	if m.cfg.DeltaScale >= before {
		t.Fatalf("expected delta_scale to step down under jitter, before=%v after=%v", before, m.cfg.DeltaScale)
	}
}

func TestLimits_ReturnsConfiguredMinMax(t *testing.T) {
	m, err := New(t.TempDir(), modcfg.Values{"min_power": 12.0, "max_power": 95.0}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	min, max := m.Limits()
	if min != 12 || max != 95 {
		t.Fatalf("expected limits (12,95), got (%v,%v)", min, max)
	}
}
