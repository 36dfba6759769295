package predictive

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
	snap := state.SystemState{Mode: state.ModeIgnition}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(50)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent != nil {
		t.Fatalf("expected no opinion while inactive")
	}
}

// TestTick_BumplessTransferOnEntryMatchesOutgoingPower mirrors the PI
// regulator's bumpless-transfer property: on the first active tick (alpha
// reset to 0, dt=0) the blended output must equal the PI fallback term,
// which itself reconstructs to the outgoing authoritative power.
func TestTick_BumplessTransferOnEntryMatchesOutgoingPower(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{
		Mode:    state.ModeWork,
		TsMono:  0,
		Outputs: state.Outputs{PowerPercent: 55},
	}
	res, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(55)}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil {
		t.Fatalf("expected a power opinion on first active tick")
	}
	got := *res.Outputs.PowerPercent
	if got < 54.999 || got > 55.001 {
		t.Fatalf("expected bumpless output ~55, got %v", got)
	}
}

func TestTick_NoSensorHoldsLastAppliedPower(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeWork, TsMono: 0, Outputs: state.Outputs{PowerPercent: 40}}
	if _, err := m.Tick(time.Now(), state.Sensors{BoilerTempC: f64(55)}, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	lastPower := m.lastPower

	snap.TsMono = time.Second
	res, err := m.Tick(time.Now(), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.PowerPercent == nil || *res.Outputs.PowerPercent != lastPower {
		t.Fatalf("expected held last power %v, got %+v", lastPower, res.Outputs.PowerPercent)
	}
}

func TestSetValues_ResizesUHistoryOnDelayStepsChange(t *testing.T) {
	m := newTestModule(t)
	if err := m.SetValues(modcfg.Values{"delay_steps": 5.0}); err != nil {
		t.Fatalf("SetValues: %v", err)
	}
	if len(m.uHistory) != 5 {
		t.Fatalf("expected uHistory resized to 5, got %d", len(m.uHistory))
	}
}

func TestTryRestore_ColdStartWhenNoStateFile(t *testing.T) {
	m := newTestModule(t)
	restored, _, err := m.TryRestore(time.Now(), f64(50), 900, 5)
	if err != nil {
		t.Fatalf("TryRestore: %v", err)
	}
	if restored {
		t.Fatalf("expected cold start with no prior state file")
	}
}

func TestRLSUpdate_KeepsCovarianceMatrixFiniteUnderRepeatedUpdates(t *testing.T) {
	m := newTestModule(t)
	for i := 0; i < 50; i++ {
		m.rlsUpdate([3]float64{60, 50, 1}, 2.5)
	}
	if !matrixHealthy(m.p) {
		t.Fatalf("expected covariance matrix to remain numerically healthy, got %+v", m.p)
	}
}
