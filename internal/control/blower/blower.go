// Package blower implements the fan duty-cycle regulator: a power-driven
// duty split over a fixed cycle, corrected by flue temperature.
package blower

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "blower"

// Config holds the tunable parameters.
type Config struct {
	BaseFanPercent     float64
	CycleTimeS         float64
	MinPowerToBlow     float64
	FlueCorrectionMax  float64
	FlueCorrectionGain float64
	FlueIgnitionMaxC   float64
	FlueOptC           float64
}

func defaultConfig() Config {
	return Config{
		BaseFanPercent:     100,
		CycleTimeS:         10,
		MinPowerToBlow:     0,
		FlueCorrectionMax:  20,
		FlueCorrectionGain: 1,
		FlueIgnitionMaxC:   220,
		FlueOptC:           170,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("base_fan_percent", 100, 0, 100, "fan output while running within a cycle"),
		f("cycle_time_s", 10, 0.1, 600, "duty-cycle period"),
		f("min_power_to_blow", 0, 0, 100, "authoritative power below which the fan stays off"),
		f("flue_correction_max", 20, 0, 100, "max absolute percentage-point correction from flue temp"),
		f("flue_correction_gain", 1, 0, 10, "proportional gain of the flue correction"),
		f("flue_ignition_max_c", 220, 0, 500, "in IGNITION, flue temp above which duty is reduced"),
		f("flue_opt_c", 170, 0, 500, "in WORK, flue temp the bidirectional correction targets"),
	}}
}

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema

	cycleStart time.Duration
	haveCycle  bool

	dir string
	log *zap.Logger
}

// New constructs the blower module.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	return &Module{cfg: cfg, sc: sc, dir: dir, log: log}, nil
}

func applyValues(cfg *Config, v modcfg.Values) {
	getf := func(key string, dst *float64) {
		if f, ok := v[key].(float64); ok {
			*dst = f
		} else if i, ok := v[key].(int); ok {
			*dst = float64(i)
		}
	}
	getf("base_fan_percent", &cfg.BaseFanPercent)
	getf("cycle_time_s", &cfg.CycleTimeS)
	getf("min_power_to_blow", &cfg.MinPowerToBlow)
	getf("flue_correction_max", &cfg.FlueCorrectionMax)
	getf("flue_correction_gain", &cfg.FlueCorrectionGain)
	getf("flue_ignition_max_c", &cfg.FlueIgnitionMaxC)
	getf("flue_opt_c", &cfg.FlueOptC)
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"base_fan_percent": m.cfg.BaseFanPercent, "cycle_time_s": m.cfg.CycleTimeS,
		"min_power_to_blow": m.cfg.MinPowerToBlow, "flue_correction_max": m.cfg.FlueCorrectionMax,
		"flue_correction_gain": m.cfg.FlueCorrectionGain, "flue_ignition_max_c": m.cfg.FlueIgnitionMaxC,
		"flue_opt_c": m.cfg.FlueOptC,
	}
}

func (m *Module) SetValues(v modcfg.Values) error {
	if err := m.sc.Validate(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	applyValues(&m.cfg, m.sc.WithDefaults(v))
	return nil
}

func (m *Module) ReloadConfig() error {
	v, err := modcfg.LoadValues(m.dir)
	if err != nil {
		return fmt.Errorf("blower: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	power := snap.Outputs.PowerPercent
	if power < m.cfg.MinPowerToBlow {
		m.haveCycle = false
		p := 0
		return module.TickResult{Outputs: state.PartialOutputs{FanPower: &p}}, nil
	}

	duty := power / 100
	if sensors.FlueTempC != nil {
		flue := *sensors.FlueTempC
		var correction float64
		switch snap.Mode {
		case state.ModeIgnition:
			if flue > m.cfg.FlueIgnitionMaxC {
				correction = -m.cfg.FlueCorrectionGain * (flue - m.cfg.FlueIgnitionMaxC)
			}
		default:
			correction = m.cfg.FlueCorrectionGain * (m.cfg.FlueOptC - flue) / 100
		}
		correction = clamp(correction, -m.cfg.FlueCorrectionMax, m.cfg.FlueCorrectionMax)
		duty = clamp(duty+correction/100, 0, 1)
	}

	if !m.haveCycle {
		m.cycleStart = snap.TsMono
		m.haveCycle = true
	}
	elapsed := (snap.TsMono - m.cycleStart).Seconds()
	if elapsed >= m.cfg.CycleTimeS {
		m.cycleStart = snap.TsMono
		elapsed = 0
	}

	onDuration := duty * m.cfg.CycleTimeS
	fan := 0
	if elapsed < onDuration {
		fan = int(m.cfg.BaseFanPercent)
	}

	return module.TickResult{Outputs: state.PartialOutputs{FanPower: &fan}}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
