// Package pumps implements boiler-temperature hysteresis for the CO
// (central heating) and DHW (domestic hot water) circulation pumps.
package pumps

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "pumps"

// Config holds the tunable parameters.
type Config struct {
	CoOnTempC    float64
	CoHysteresis float64
	DhwOnTempC   float64
	DhwHysteresis float64
}

func defaultConfig() Config {
	return Config{
		CoOnTempC:     40,
		CoHysteresis:  3,
		DhwOnTempC:    45,
		DhwHysteresis: 3,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("co_on_temp_c", 40, 0, 120, "boiler temp at or above which the CO pump turns on"),
		f("co_hysteresis", 3, 0, 50, "CO pump release band below co_on_temp_c"),
		f("dhw_on_temp_c", 45, 0, 120, "boiler temp at or above which the DHW pump turns on"),
		f("dhw_hysteresis", 3, 0, 50, "DHW pump release band below dhw_on_temp_c"),
	}}
}

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema

	coOn, dhwOn bool

	dir string
	log *zap.Logger
}

// New constructs the pumps module.
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
	getf("co_on_temp_c", &cfg.CoOnTempC)
	getf("co_hysteresis", &cfg.CoHysteresis)
	getf("dhw_on_temp_c", &cfg.DhwOnTempC)
	getf("dhw_hysteresis", &cfg.DhwHysteresis)
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"co_on_temp_c": m.cfg.CoOnTempC, "co_hysteresis": m.cfg.CoHysteresis,
		"dhw_on_temp_c": m.cfg.DhwOnTempC, "dhw_hysteresis": m.cfg.DhwHysteresis,
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
		return fmt.Errorf("pumps: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sensors.BoilerTempC == nil {
		co, dhw := m.coOn, m.dhwOn
		return module.TickResult{Outputs: state.PartialOutputs{PumpCO: &co, PumpDHW: &dhw}}, nil
	}
	boiler := *sensors.BoilerTempC

	if !m.coOn && boiler >= m.cfg.CoOnTempC {
		m.coOn = true
	} else if m.coOn && boiler <= m.cfg.CoOnTempC-m.cfg.CoHysteresis {
		m.coOn = false
	}

	if !m.dhwOn && boiler >= m.cfg.DhwOnTempC {
		m.dhwOn = true
	} else if m.dhwOn && boiler <= m.cfg.DhwOnTempC-m.cfg.DhwHysteresis {
		m.dhwOn = false
	}

	co, dhw := m.coOn, m.dhwOn
	return module.TickResult{Outputs: state.PartialOutputs{PumpCO: &co, PumpDHW: &dhw}}, nil
}
