// Package overheat implements the highest-priority safety module: boiler
// and hopper overtemperature trips with hysteresis, and a one-shot hopper
// purge that runs the feeder to burn out glowing fuel.
package overheat

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "overheat"

// Config holds the tunable parameters.
type Config struct {
	BoilerTripTempC     float64
	BoilerHysteresisC   float64
	HopperTripTempC     float64
	HopperHysteresisC   float64
	HopperPurgeMinutes  float64
}

func defaultConfig() Config {
	return Config{
		BoilerTripTempC:    90,
		BoilerHysteresisC:  5,
		HopperTripTempC:    70,
		HopperHysteresisC:  5,
		HopperPurgeMinutes: 2,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("boiler_trip_temp", 90, 0, 150, "boiler temp at or above which overheat protection trips"),
		f("boiler_hysteresis", 5, 0, 50, "boiler overheat release band"),
		f("hopper_trip_temp", 70, 0, 150, "hopper temp at or above which the purge trips"),
		f("hopper_hysteresis", 5, 0, 50, "hopper overheat release band"),
		f("hopper_purge_minutes", 2, 0, 60, "one-shot feeder purge duration on hopper trip"),
	}}
}

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema

	boilerActive bool
	hopperActive bool
	purgeUntil   *time.Duration

	missingSensorLastMono time.Duration
	haveMissingSensor     bool

	dir string
	log *zap.Logger
}

// New constructs the overheat module.
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
	getf("boiler_trip_temp", &cfg.BoilerTripTempC)
	getf("boiler_hysteresis", &cfg.BoilerHysteresisC)
	getf("hopper_trip_temp", &cfg.HopperTripTempC)
	getf("hopper_hysteresis", &cfg.HopperHysteresisC)
	getf("hopper_purge_minutes", &cfg.HopperPurgeMinutes)
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"boiler_trip_temp": m.cfg.BoilerTripTempC, "boiler_hysteresis": m.cfg.BoilerHysteresisC,
		"hopper_trip_temp": m.cfg.HopperTripTempC, "hopper_hysteresis": m.cfg.HopperHysteresisC,
		"hopper_purge_minutes": m.cfg.HopperPurgeMinutes,
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
		return fmt.Errorf("overheat: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowCtrl := snap.TsMono
	var events []state.Event

	if sensors.BoilerTempC == nil || sensors.HopperTempC == nil {
		if !m.haveMissingSensor || (nowCtrl-m.missingSensorLastMono).Seconds() >= 60 {
			m.missingSensorLastMono = nowCtrl
			m.haveMissingSensor = true
			events = append(events, state.Event{
				TsWall: nowWall, Source: id, Level: state.LevelWarning, Type: "OVERHEAT_MISSING_SENSOR",
				Message: "boiler_temp and/or hopper_temp missing, overheat module is not forcing outputs",
				Data:    map[string]interface{}{"boiler_temp": sensors.BoilerTempC, "hopper_temp": sensors.HopperTempC},
			})
		}
		return module.TickResult{Events: events}, nil
	}
	boiler := *sensors.BoilerTempC
	hopper := *sensors.HopperTempC

	prevBoiler := m.boilerActive
	if !m.boilerActive {
		if boiler >= m.cfg.BoilerTripTempC {
			m.boilerActive = true
		}
	} else if boiler <= m.cfg.BoilerTripTempC-m.cfg.BoilerHysteresisC {
		m.boilerActive = false
	}
	if prevBoiler != m.boilerActive {
		events = append(events, m.boilerTransitionEvent(nowWall, boiler))
	}

	prevHopper := m.hopperActive
	if !m.hopperActive {
		if hopper >= m.cfg.HopperTripTempC {
			m.hopperActive = true
			purgeSeconds := m.cfg.HopperPurgeMinutes * 60
			if purgeSeconds > 0 {
				until := nowCtrl + time.Duration(purgeSeconds*float64(time.Second))
				m.purgeUntil = &until
				events = append(events, state.Event{
					TsWall: nowWall, Source: id, Level: state.LevelAlarm, Type: "HOPPER_PURGE_START",
					Message: fmt.Sprintf("hopper overheat: running feeder for %.1f min", m.cfg.HopperPurgeMinutes),
					Data:    map[string]interface{}{"purge_minutes": m.cfg.HopperPurgeMinutes, "purge_seconds": purgeSeconds},
				})
			}
		}
	} else if hopper <= m.cfg.HopperTripTempC-m.cfg.HopperHysteresisC {
		m.hopperActive = false
		m.purgeUntil = nil
	}
	if prevHopper != m.hopperActive {
		events = append(events, m.hopperTransitionEvent(nowWall, hopper))
	}

	if !m.boilerActive && !m.hopperActive {
		return module.TickResult{Events: events}, nil
	}

	if snap.Mode == state.ModeManual {
		events = append(events, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelWarning, Type: "OVERHEAT_OVERRIDE_MANUAL",
			Message: "overheat protection active, overriding manual control",
		})
	}

	purgeOn := false
	if m.hopperActive && m.purgeUntil != nil {
		purgeOn = nowCtrl < *m.purgeUntil
		if !purgeOn {
			m.purgeUntil = nil
			events = append(events, state.Event{
				TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "HOPPER_PURGE_END",
				Message: "hopper purge finished",
			})
		}
	}

	pumpCO, pumpDHW, fan, feeder := true, true, 0, purgeOn
	out := state.PartialOutputs{PumpCO: &pumpCO, PumpDHW: &pumpDHW, FanPower: &fan, Feeder: &feeder}
	mixerOpen := m.boilerActive
	mixerClose := false
	out.MixerOpen = &mixerOpen
	out.MixerClose = &mixerClose

	return module.TickResult{Outputs: out, Events: events}, nil
}

func (m *Module) boilerTransitionEvent(nowWall time.Time, boiler float64) state.Event {
	if m.boilerActive {
		return state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelAlarm, Type: "BOILER_OVERHEAT_ON",
			Message: fmt.Sprintf("boiler overheat active, T=%.1f trip=%.1f", boiler, m.cfg.BoilerTripTempC),
			Data:    map[string]interface{}{"boiler_temp": boiler, "trip": m.cfg.BoilerTripTempC, "hysteresis": m.cfg.BoilerHysteresisC},
		}
	}
	return state.Event{
		TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "BOILER_OVERHEAT_OFF",
		Message: fmt.Sprintf("boiler overheat cleared, T=%.1f", boiler),
		Data:    map[string]interface{}{"boiler_temp": boiler, "trip": m.cfg.BoilerTripTempC, "hysteresis": m.cfg.BoilerHysteresisC},
	}
}

func (m *Module) hopperTransitionEvent(nowWall time.Time, hopper float64) state.Event {
	if m.hopperActive {
		return state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelAlarm, Type: "HOPPER_OVERHEAT_ON",
			Message: fmt.Sprintf("hopper overheat active, T=%.1f trip=%.1f", hopper, m.cfg.HopperTripTempC),
			Data:    map[string]interface{}{"hopper_temp": hopper, "trip": m.cfg.HopperTripTempC, "hysteresis": m.cfg.HopperHysteresisC},
		}
	}
	return state.Event{
		TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "HOPPER_OVERHEAT_OFF",
		Message: fmt.Sprintf("hopper overheat cleared, T=%.1f", hopper),
		Data:    map[string]interface{}{"hopper_temp": hopper, "trip": m.cfg.HopperTripTempC, "hysteresis": m.cfg.HopperHysteresisC},
	}
}
