// Package manual asserts the operator-controlled manual override fields
// when the boiler is in MANUAL mode.
package manual

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "manual"

// Module implements module.Module. It has no configuration of its own; the
// values it asserts come from SystemState.Manual, set through the HTTP API.
type Module struct {
	mu sync.Mutex
	sc modcfg.Schema

	log *zap.Logger
}

// New constructs the manual module.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	return &Module{sc: modcfg.Schema{}, log: log}, nil
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values { return modcfg.Values{} }

func (m *Module) SetValues(v modcfg.Values) error { return nil }

func (m *Module) ReloadConfig() error { return nil }

func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Mode != state.ModeManual {
		return module.TickResult{}, nil
	}

	man := snap.Manual
	out := state.PartialOutputs{
		FanPower:   intPtr(man.FanPower),
		Feeder:     boolPtr(man.Feeder),
		PumpCO:     boolPtr(man.PumpCO),
		PumpDHW:    boolPtr(man.PumpDHW),
		MixerOpen:  boolPtr(man.MixerOpen),
		MixerClose: boolPtr(man.MixerClose),
	}

	var events []state.Event
	if man.MixerOpen && man.MixerClose {
		f := false
		out.MixerOpen = &f
		out.MixerClose = &f
		events = append(events, state.Event{
			TsWall:  nowWall,
			Source:  id,
			Level:   state.LevelWarning,
			Type:    "MANUAL_MIXER_CONFLICT",
			Message: "manual: both mixer directions requested, clearing both",
		})
	}

	return module.TickResult{Outputs: out, Events: events}, nil
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
