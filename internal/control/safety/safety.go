// Package safety implements last-resort fail-safe reactions to missing
// sensor readings. It runs last, after every other controller module, and
// may override their decisions.
package safety

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "safety"

// Config holds the tunable parameters.
type Config struct {
	Enabled                   bool
	RepeatWarningS            float64
	BoilerMissingForceFanOff  bool
	BoilerMissingForcePumpsOn bool
}

func defaultConfig() Config {
	return Config{
		Enabled:                   true,
		RepeatWarningS:            60,
		BoilerMissingForceFanOff:  true,
		BoilerMissingForcePumpsOn: true,
	}
}

func schema() modcfg.Schema {
	lo, hi := 5.0, 3600.0
	return modcfg.Schema{Fields: []modcfg.Field{
		{Key: "enabled", Type: modcfg.TypeBool, Default: true, Description: "enable the safety module"},
		{Key: "repeat_warning_s", Type: modcfg.TypeNumber, Default: 60.0, Min: &lo, Max: &hi, Description: "repeat interval for a still-missing sensor warning"},
		{Key: "boiler_missing_force_fan_off", Type: modcfg.TypeBool, Default: true, Description: "force fan off when boiler_temp is missing"},
		{Key: "boiler_missing_force_pumps_on", Type: modcfg.TypeBool, Default: true, Description: "force CO/DHW pumps on when boiler_temp is missing"},
	}}
}

const (
	keyBoiler = "boiler_temp"
	keyRad    = "radiators_temp"
	keyHopper = "hopper_temp"
	keyFlue   = "flue_gas_temp"
)

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema

	missingPrev   map[string]bool
	lastRepeatMono map[string]time.Duration
	haveRepeat     map[string]bool

	dir string
	log *zap.Logger
}

// New constructs the safety module.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	return &Module{
		cfg:            cfg,
		sc:             sc,
		missingPrev:    map[string]bool{keyBoiler: false, keyRad: false, keyHopper: false, keyFlue: false},
		lastRepeatMono: map[string]time.Duration{},
		haveRepeat:     map[string]bool{},
		dir:            dir,
		log:            log,
	}, nil
}

func applyValues(cfg *Config, v modcfg.Values) {
	if f, ok := v["repeat_warning_s"].(float64); ok {
		cfg.RepeatWarningS = f
	} else if i, ok := v["repeat_warning_s"].(int); ok {
		cfg.RepeatWarningS = float64(i)
	}
	if b, ok := v["enabled"].(bool); ok {
		cfg.Enabled = b
	}
	if b, ok := v["boiler_missing_force_fan_off"].(bool); ok {
		cfg.BoilerMissingForceFanOff = b
	}
	if b, ok := v["boiler_missing_force_pumps_on"].(bool); ok {
		cfg.BoilerMissingForcePumpsOn = b
	}
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"enabled":                       m.cfg.Enabled,
		"repeat_warning_s":              m.cfg.RepeatWarningS,
		"boiler_missing_force_fan_off":  m.cfg.BoilerMissingForceFanOff,
		"boiler_missing_force_pumps_on": m.cfg.BoilerMissingForcePumpsOn,
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
		return fmt.Errorf("safety: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled {
		return module.TickResult{}, nil
	}

	missing := map[string]bool{
		keyBoiler: sensors.BoilerTempC == nil,
		keyRad:    sensors.RadiatorTempC == nil,
		keyHopper: sensors.HopperTempC == nil,
		keyFlue:   sensors.FlueTempC == nil,
	}

	var events []state.Event
	nowCtrl := snap.TsMono

	for _, key := range []string{keyBoiler, keyRad, keyHopper, keyFlue} {
		isMissing := missing[key]
		if isMissing != m.missingPrev[key] {
			level := state.LevelInfo
			edge := "OFF"
			msg := fmt.Sprintf("%s reading restored, safety restriction lifted", key)
			if isMissing {
				level = state.LevelWarning
				edge = "ON"
				msg = fmt.Sprintf("%s reading missing, safety restriction active", key)
			}
			events = append(events, state.Event{
				TsWall: nowWall, Source: id, Level: level,
				Type:    fmt.Sprintf("SENSOR_%s_MISSING_%s", strings.ToUpper(key), edge),
				Message: msg,
				Data:    map[string]interface{}{"sensor": key, "missing": isMissing},
			})
			m.lastRepeatMono[key] = nowCtrl
			m.haveRepeat[key] = true
		}
	}

	repeatS := m.cfg.RepeatWarningS
	if repeatS < 5 {
		repeatS = 5
	}
	for _, key := range []string{keyBoiler, keyRad, keyHopper, keyFlue} {
		if !missing[key] {
			continue
		}
		if !m.haveRepeat[key] || (nowCtrl-m.lastRepeatMono[key]).Seconds() >= repeatS {
			m.lastRepeatMono[key] = nowCtrl
			m.haveRepeat[key] = true
			events = append(events, state.Event{
				TsWall: nowWall, Source: id, Level: state.LevelWarning,
				Type:    fmt.Sprintf("SENSOR_%s_MISSING", strings.ToUpper(key)),
				Message: fmt.Sprintf("%s still missing", key),
				Data:    map[string]interface{}{"sensor": key},
			})
		}
	}

	out := state.PartialOutputs{}

	if missing[keyBoiler] {
		if snap.Mode == state.ModeManual {
			events = append(events, state.Event{
				TsWall: nowWall, Source: id, Level: state.LevelWarning, Type: "SAFETY_OVERRIDE_MANUAL",
				Message: "boiler_temp missing, safety overriding manual control",
			})
		}
		f := false
		out.Feeder = &f
		if m.cfg.BoilerMissingForceFanOff {
			fp := 0
			out.FanPower = &fp
		}
		if m.cfg.BoilerMissingForcePumpsOn {
			co, dhw := true, true
			out.PumpCO = &co
			out.PumpDHW = &dhw
		}
	}

	if missing[keyRad] {
		o, c := false, false
		out.MixerOpen = &o
		out.MixerClose = &c
	}

	m.missingPrev = missing

	return module.TickResult{Outputs: out, Events: events}, nil
}
