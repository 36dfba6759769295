// Package mixer implements the three-state (ramp/stabilize/ignition_preclose)
// radiator-loop mixing valve pulse regulator, with boiler-drop protection in
// ramp mode and a one-shot preclose pulse on entering IGNITION.
package mixer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "mixer"

// Config holds every tunable parameter.
type Config struct {
	TargetTempC    float64
	OkBandC        float64
	MinPulseS      float64
	MaxPulseS      float64
	AdjustIntervalS float64
	RampErrorFactor float64

	BoilerMinTempForOpenC float64
	BoilerMaxDropC        float64
	BoilerRecoverFactor   float64

	PrecloseOnIgnitionEnabled bool
	PrecloseFullCloseTimeS    float64
}

func defaultConfig() Config {
	return Config{
		TargetTempC:               40,
		OkBandC:                   2,
		MinPulseS:                 0.5,
		MaxPulseS:                 3,
		AdjustIntervalS:           10,
		RampErrorFactor:           2,
		BoilerMinTempForOpenC:     55,
		BoilerMaxDropC:            5,
		BoilerRecoverFactor:       0.5,
		PrecloseOnIgnitionEnabled: true,
		PrecloseFullCloseTimeS:    120,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	b := func(key string, def bool, desc string) modcfg.Field {
		return modcfg.Field{Key: key, Type: modcfg.TypeBool, Default: def, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("target_temp", 40, 0, 100, "radiator-loop setpoint"),
		f("ok_band_degc", 2, 0, 50, "tolerance band around target_temp"),
		f("min_pulse_s", 0.5, 0, 60, "minimum valve pulse duration"),
		f("max_pulse_s", 3, 0, 120, "maximum valve pulse duration"),
		f("adjust_interval_s", 10, 0, 3600, "minimum time between pulses"),
		f("ramp_error_factor", 2, 0, 20, "|err| multiple of ok_band_degc that enters ramp mode"),
		f("boiler_min_temp_for_open", 55, 0, 120, "boiler temp below which OPEN is blocked in ramp mode"),
		f("boiler_max_drop_degc", 5, 0, 100, "boiler drop across an OPEN pulse considered too large"),
		f("boiler_recover_factor", 0.5, 0, 1, "fraction of the max drop the boiler must recover before OPEN resumes"),
		b("preclose_on_ignition_enabled", true, "issue a one-shot full CLOSE pulse on entering IGNITION"),
		f("preclose_full_close_time_s", 120, 0, 600, "duration of the preclose pulse"),
	}}
}

type movement struct {
	untilMono time.Duration
	direction string // "open" or "close"
}

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema

	mv            *movement
	lastActionMono *time.Duration

	lastOpenStartBoilerC *float64
	lastOpenDropTooBig   bool

	lastMode        string
	prevBoilerMode  state.BoilerMode
	haveBoilerMode  bool

	ignitionPrecloseDone bool
	forceFullClose       bool

	lastOutOpen, lastOutClose bool
	moveStartMono             *time.Duration
	movePlannedS              *float64

	dir string
	log *zap.Logger
}

// New constructs the mixer module.
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
	getb := func(key string, dst *bool) {
		if b, ok := v[key].(bool); ok {
			*dst = b
		}
	}
	getf("target_temp", &cfg.TargetTempC)
	getf("ok_band_degc", &cfg.OkBandC)
	getf("min_pulse_s", &cfg.MinPulseS)
	getf("max_pulse_s", &cfg.MaxPulseS)
	getf("adjust_interval_s", &cfg.AdjustIntervalS)
	getf("ramp_error_factor", &cfg.RampErrorFactor)
	getf("boiler_min_temp_for_open", &cfg.BoilerMinTempForOpenC)
	getf("boiler_max_drop_degc", &cfg.BoilerMaxDropC)
	getf("boiler_recover_factor", &cfg.BoilerRecoverFactor)
	getb("preclose_on_ignition_enabled", &cfg.PrecloseOnIgnitionEnabled)
	getf("preclose_full_close_time_s", &cfg.PrecloseFullCloseTimeS)
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"target_temp": m.cfg.TargetTempC, "ok_band_degc": m.cfg.OkBandC,
		"min_pulse_s": m.cfg.MinPulseS, "max_pulse_s": m.cfg.MaxPulseS,
		"adjust_interval_s": m.cfg.AdjustIntervalS, "ramp_error_factor": m.cfg.RampErrorFactor,
		"boiler_min_temp_for_open": m.cfg.BoilerMinTempForOpenC, "boiler_max_drop_degc": m.cfg.BoilerMaxDropC,
		"boiler_recover_factor": m.cfg.BoilerRecoverFactor,
		"preclose_on_ignition_enabled": m.cfg.PrecloseOnIgnitionEnabled,
		"preclose_full_close_time_s":   m.cfg.PrecloseFullCloseTimeS,
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
		return fmt.Errorf("mixer: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowCtrl := snap.TsMono
	radTemp := sensors.RadiatorTempC
	boilerTemp := sensors.BoilerTempC

	prevMode := m.lastMode

	enteringIgnition := snap.Mode == state.ModeIgnition && (!m.haveBoilerMode || m.prevBoilerMode != state.ModeIgnition)
	leavingIgnition := snap.Mode != state.ModeIgnition && m.haveBoilerMode && m.prevBoilerMode == state.ModeIgnition

	if leavingIgnition {
		m.ignitionPrecloseDone = false
		m.forceFullClose = false
	}

	var events []state.Event
	openOn, closeOn := false, false

	if snap.Mode == state.ModeOff || snap.Mode == state.ModeManual {
		m.forceFullClose = false
		m.stopMovement()
		effectiveMode := "off"

		if prevMode != effectiveMode {
			events = append(events, modeChangedEvent(nowWall, prevMode, effectiveMode))
		}
		m.lastMode = effectiveMode
		m.prevBoilerMode = snap.Mode
		m.haveBoilerMode = true

		events = append(events, m.logOutputTransition(nowWall, nowCtrl, openOn, closeOn, effectiveMode, radTemp, boilerTemp)...)
		o, c := openOn, closeOn
		return module.TickResult{Outputs: state.PartialOutputs{MixerOpen: &o, MixerClose: &c}, Events: events}, nil
	}

	if enteringIgnition && m.cfg.PrecloseOnIgnitionEnabled && !m.ignitionPrecloseDone && m.isFarFromSetpoint(radTemp) {
		m.ignitionPrecloseDone = true
		m.forceFullClose = true
		m.stopMovement()
		closeS := m.cfg.PrecloseFullCloseTimeS
		m.startMovement(nowCtrl, "close", closeS)
		closeOn = true

		events = append(events, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "MIXER_PRECLOSE_ON_IGNITION",
			Message: "mixer: full close before ramping on entering ignition",
			Data: map[string]interface{}{
				"pulse_s": closeS, "target_temp": m.cfg.TargetTempC, "mode": "ignition_preclose",
			},
		})

		effectiveMode := "ignition_preclose"
		if prevMode != effectiveMode {
			events = append(events, modeChangedEvent(nowWall, prevMode, effectiveMode))
		}
		m.lastMode = effectiveMode
		m.prevBoilerMode = snap.Mode
		m.haveBoilerMode = true

		events = append(events, m.logOutputTransition(nowWall, nowCtrl, openOn, closeOn, effectiveMode, radTemp, boilerTemp)...)
		o, c := openOn, closeOn
		return module.TickResult{Outputs: state.PartialOutputs{MixerOpen: &o, MixerClose: &c}, Events: events}, nil
	}

	var effectiveMode string
	if m.forceFullClose {
		effectiveMode = "ignition_preclose"
	} else if radTemp == nil {
		effectiveMode = "stabilize"
	} else {
		errC := absf(m.cfg.TargetTempC - *radTemp)
		farErr := m.cfg.RampErrorFactor * m.cfg.OkBandC
		if errC > farErr {
			effectiveMode = "ramp"
		} else {
			effectiveMode = "stabilize"
		}
	}

	if effectiveMode == "ignition_preclose" {
		if m.mv != nil && nowCtrl < m.mv.untilMono {
			closeOn = true
		} else {
			m.stopMovement()
			m.forceFullClose = false
		}
	} else {
		if m.mv != nil && nowCtrl < m.mv.untilMono {
			if m.mv.direction == "open" {
				openOn = true
			} else if m.mv.direction == "close" {
				closeOn = true
			}
		} else {
			finishedDir := ""
			if m.mv != nil {
				finishedDir = m.mv.direction
			}
			if finishedDir == "open" {
				m.updateBoilerDrop(boilerTemp)
			}
			m.stopMovement()

			if m.canAdjust(nowCtrl) && radTemp != nil {
				var direction string
				if effectiveMode == "ramp" {
					direction = m.decideDirectionRamp(*radTemp, boilerTemp)
				} else {
					direction = m.decideDirectionWork(*radTemp)
				}
				if direction != "" {
					pulseS := m.computePulseDuration(*radTemp)
					if effectiveMode == "ramp" && direction == "open" {
						m.lastOpenStartBoilerC = boilerTemp
					}
					m.startMovement(nowCtrl, direction, pulseS)
					if direction == "open" {
						openOn = true
					} else {
						closeOn = true
					}
					events = append(events, state.Event{
						TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "MIXER_MOVE",
						Message: fmt.Sprintf("mixer: %s %.1fs mode=%s", direction, pulseS, effectiveMode),
						Data: map[string]interface{}{
							"direction": direction, "pulse_s": pulseS, "radiators_temp": radTemp,
							"target_temp": m.cfg.TargetTempC, "mode": effectiveMode, "boiler_temp": boilerTemp,
						},
					})
				}
			}
		}
	}

	if prevMode != effectiveMode {
		events = append(events, modeChangedEvent(nowWall, prevMode, effectiveMode))
	}
	m.lastMode = effectiveMode
	m.prevBoilerMode = snap.Mode
	m.haveBoilerMode = true

	events = append(events, m.logOutputTransition(nowWall, nowCtrl, openOn, closeOn, effectiveMode, radTemp, boilerTemp)...)

	o, c := openOn, closeOn
	return module.TickResult{Outputs: state.PartialOutputs{MixerOpen: &o, MixerClose: &c}, Events: events}, nil
}

func modeChangedEvent(nowWall time.Time, prev, next string) state.Event {
	return state.Event{
		TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "MIXER_MODE_CHANGED",
		Message: fmt.Sprintf("mixer: mode '%s' -> '%s'", prev, next),
		Data:    map[string]interface{}{"prev_mode": prev, "mode": next},
	}
}

func (m *Module) logOutputTransition(nowWall time.Time, nowCtrl time.Duration, outOpen, outClose bool, effectiveMode string, radTemp, boilerTemp *float64) []state.Event {
	var evs []state.Event

	if outOpen && !m.lastOutOpen {
		var planned *float64
		if m.mv != nil {
			p := (m.mv.untilMono - nowCtrl).Seconds()
			planned = &p
		}
		mono := nowCtrl
		m.moveStartMono = &mono
		m.movePlannedS = planned
		evs = append(evs, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "MIXER_MOVE_START",
			Message: fmt.Sprintf("mixer: start open mode=%s", effectiveMode),
			Data: map[string]interface{}{
				"direction": "open", "planned_pulse_s": planned, "mode": effectiveMode,
				"radiators_temp": radTemp, "boiler_temp": boilerTemp, "target_temp": m.cfg.TargetTempC,
			},
		})
	}
	if !outOpen && m.lastOutOpen {
		var actual *float64
		if m.moveStartMono != nil {
			a := (nowCtrl - *m.moveStartMono).Seconds()
			actual = &a
		}
		evs = append(evs, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "MIXER_MOVE_STOP",
			Message: fmt.Sprintf("mixer: stop open mode=%s", effectiveMode),
			Data: map[string]interface{}{
				"direction": "open", "actual_run_s": actual, "planned_pulse_s": m.movePlannedS,
				"mode": effectiveMode, "radiators_temp": radTemp, "boiler_temp": boilerTemp, "target_temp": m.cfg.TargetTempC,
			},
		})
		m.moveStartMono = nil
		m.movePlannedS = nil
	}

	if outClose && !m.lastOutClose {
		var planned *float64
		if m.mv != nil {
			p := (m.mv.untilMono - nowCtrl).Seconds()
			planned = &p
		}
		mono := nowCtrl
		m.moveStartMono = &mono
		m.movePlannedS = planned
		evs = append(evs, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "MIXER_MOVE_START",
			Message: fmt.Sprintf("mixer: start close mode=%s", effectiveMode),
			Data: map[string]interface{}{
				"direction": "close", "planned_pulse_s": planned, "mode": effectiveMode,
				"radiators_temp": radTemp, "boiler_temp": boilerTemp, "target_temp": m.cfg.TargetTempC,
			},
		})
	}
	if !outClose && m.lastOutClose {
		var actual *float64
		if m.moveStartMono != nil {
			a := (nowCtrl - *m.moveStartMono).Seconds()
			actual = &a
		}
		evs = append(evs, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelInfo, Type: "MIXER_MOVE_STOP",
			Message: fmt.Sprintf("mixer: stop close mode=%s", effectiveMode),
			Data: map[string]interface{}{
				"direction": "close", "actual_run_s": actual, "planned_pulse_s": m.movePlannedS,
				"mode": effectiveMode, "radiators_temp": radTemp, "boiler_temp": boilerTemp, "target_temp": m.cfg.TargetTempC,
			},
		})
		m.moveStartMono = nil
		m.movePlannedS = nil
	}

	m.lastOutOpen = outOpen
	m.lastOutClose = outClose
	return evs
}

func (m *Module) isFarFromSetpoint(radTemp *float64) bool {
	if radTemp == nil {
		return false
	}
	farErr := m.cfg.RampErrorFactor * m.cfg.OkBandC
	return absf(m.cfg.TargetTempC-*radTemp) > farErr
}

func (m *Module) stopMovement() { m.mv = nil }

func (m *Module) canAdjust(nowCtrl time.Duration) bool {
	if m.lastActionMono == nil {
		return true
	}
	return (nowCtrl - *m.lastActionMono).Seconds() >= m.cfg.AdjustIntervalS
}

func (m *Module) decideDirectionWork(mixTemp float64) string {
	if mixTemp < m.cfg.TargetTempC-m.cfg.OkBandC {
		return "open"
	}
	if mixTemp > m.cfg.TargetTempC+m.cfg.OkBandC {
		return "close"
	}
	return ""
}

func (m *Module) decideDirectionRamp(mixTemp float64, boilerTemp *float64) string {
	if mixTemp > m.cfg.TargetTempC+m.cfg.OkBandC {
		return "close"
	}
	if mixTemp < m.cfg.TargetTempC-m.cfg.OkBandC {
		if boilerTemp == nil {
			return ""
		}
		if *boilerTemp < m.cfg.BoilerMinTempForOpenC {
			return ""
		}
		if m.lastOpenDropTooBig && m.lastOpenStartBoilerC != nil {
			allowedDrop := m.cfg.BoilerMaxDropC * (1 - m.cfg.BoilerRecoverFactor)
			dropNow := *m.lastOpenStartBoilerC - *boilerTemp
			if dropNow > allowedDrop {
				return ""
			}
			m.lastOpenDropTooBig = false
		}
		return "open"
	}
	return ""
}

func (m *Module) updateBoilerDrop(boilerTemp *float64) {
	if boilerTemp == nil || m.lastOpenStartBoilerC == nil {
		return
	}
	drop := *m.lastOpenStartBoilerC - *boilerTemp
	if drop > m.cfg.BoilerMaxDropC {
		m.lastOpenDropTooBig = true
	}
}

func (m *Module) computePulseDuration(mixTemp float64) float64 {
	errC := absf(m.cfg.TargetTempC - mixTemp)
	const maxErr = 10.0
	effErr := clamp(errC-m.cfg.OkBandC, 0, maxErr)
	k := effErr / maxErr
	pulse := m.cfg.MinPulseS + k*(m.cfg.MaxPulseS-m.cfg.MinPulseS)
	return clamp(pulse, m.cfg.MinPulseS, m.cfg.MaxPulseS)
}

func (m *Module) startMovement(nowCtrl time.Duration, direction string, pulseS float64) {
	m.mv = &movement{untilMono: nowCtrl + time.Duration(pulseS*float64(time.Second)), direction: direction}
	mono := nowCtrl
	m.lastActionMono = &mono
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
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
