package feeder

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/state"
)

func newTestModule(t *testing.T) *Module {
	t.Helper()
	m, err := New(t.TempDir(), modcfg.Values{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestTick_OutOfRegimeKeepsFeederOff(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeOff, Outputs: state.Outputs{PowerPercent: 50}}
	res, err := m.Tick(time.Now(), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.Feeder == nil || *res.Outputs.Feeder {
		t.Fatalf("expected feeder off outside WORK/IGNITION, got %+v", res.Outputs.Feeder)
	}
}

func TestTick_FirstActiveTickTurnsFeederOnAndEmitsEvent(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeWork, TsMono: 0, Outputs: state.Outputs{PowerPercent: 50}}
	res, err := m.Tick(time.Now(), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.Feeder == nil || !*res.Outputs.Feeder {
		t.Fatalf("expected feeder on at start of feed cycle, got %+v", res.Outputs.Feeder)
	}
	if len(res.Events) != 1 || res.Events[0].Type != "FEEDER_ON" {
		t.Fatalf("expected one FEEDER_ON event, got %+v", res.Events)
	}
}

func TestTick_FeederSwitchesOffAfterOnDurationElapses(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeWork, TsMono: 0, Outputs: state.Outputs{PowerPercent: 50}}
	if _, err := m.Tick(time.Now(), state.Sensors{}, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	snap.TsMono = time.Duration(defaultConfig().FeedOnBaseS+1) * time.Second
	res, err := m.Tick(time.Now(), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.Feeder == nil || *res.Outputs.Feeder {
		t.Fatalf("expected feeder off after feed_on_base_s elapsed, got %+v", res.Outputs.Feeder)
	}
	if len(res.Events) != 1 || res.Events[0].Type != "FEEDER_OFF" {
		t.Fatalf("expected one FEEDER_OFF event, got %+v", res.Events)
	}
}

func TestTick_HigherPowerShortensOffTime(t *testing.T) {
	m := newTestModule(t)
	snap := state.SystemState{Mode: state.ModeWork, TsMono: 0, Outputs: state.Outputs{PowerPercent: 100}}
	if _, err := m.Tick(time.Now(), state.Sensors{}, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	onEnd := time.Duration(defaultConfig().FeedOnBaseS+1) * time.Second
	snap.TsMono = onEnd
	if _, err := m.Tick(time.Now(), state.Sensors{}, snap); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	cfg := defaultConfig()
	offTime := clamp(cfg.FeedOffBaseS*(100.0/100.0), cfg.MinPauseS, cfg.MaxPauseS)
	snap.TsMono = onEnd + time.Duration(offTime+1)*time.Second
	res, err := m.Tick(time.Now(), state.Sensors{}, snap)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Outputs.Feeder == nil || !*res.Outputs.Feeder {
		t.Fatalf("expected feeder back on after off phase at full power elapsed, got %+v", res.Outputs.Feeder)
	}
}
