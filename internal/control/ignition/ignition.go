// Package ignition implements the IGNITION power regulator: a hybrid of a
// setpoint-distance law and a heating-rate booster, slew-limited with
// bumpless entry on the first tick after the boiler enters IGNITION mode.
package ignition

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/control"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "power_ignition"

// Config holds the tunable parameters, all loaded from values.yaml.
type Config struct {
	SetpointC     float64
	FullDeltaC    float64 // deltaT (setpoint - boiler) at or above which the DeltaT law outputs MaxPower
	MinDeltaC     float64 // deltaT (setpoint - boiler) at or below which the DeltaT law outputs ignition minimum
	IgnitionMinP  float64
	MinPower      float64
	MaxPower      float64
	RateTargetCpm float64 // target dT/dt in degC/min
	RateBandCpm   float64
	RateEMATauS   float64
	MaxSlewPerMin float64
}

func defaultConfig() Config {
	return Config{
		SetpointC:     65,
		FullDeltaC:    20,
		MinDeltaC:     2,
		IgnitionMinP:  30,
		MinPower:      10,
		MaxPower:      100,
		RateTargetCpm: 2.0,
		RateBandCpm:   0.5,
		RateEMATauS:   30,
		MaxSlewPerMin: 5,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def float64, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("setpoint_c", 65, 0, 120, "target boiler temperature during ignition"),
		f("full_delta_c", 20, 0, 100, "deltaT at or above which power is maximal"),
		f("min_delta_c", 2, 0, 50, "deltaT at or below which power is the ignition minimum"),
		f("ignition_min_power", 30, 0, 100, "minimum power during ignition"),
		f("min_power", 10, 0, 100, "absolute minimum power"),
		f("max_power", 100, 0, 100, "absolute maximum power"),
		f("rate_target_cpm", 2.0, -50, 50, "target heating rate in degC/min"),
		f("rate_band_cpm", 0.5, 0, 20, "band around target heating rate"),
		f("rate_ema_tau_s", 30, 1, 600, "time constant of the heating-rate EMA"),
		f("max_slew_per_min", 5, 0, 1000, "maximum power change per minute"),
	}}
}

// Module implements module.Module and control.Regulator.
type Module struct {
	mu sync.Mutex

	cfg    Config
	sc     modcfg.Schema
	slew   *control.SlewLimiter
	rateEMA *control.EMA

	lastBoilerC  *float64
	lastMono     time.Duration
	haveLastMono bool
	wasActive    bool

	dir string
	log *zap.Logger
}

// New constructs the IGNITION regulator from schema/values. dir is the
// module's configuration directory, used by ReloadConfig.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	return &Module{
		cfg:     cfg,
		sc:      sc,
		slew:    control.NewSlewLimiter(cfg.MaxSlewPerMin),
		rateEMA: control.NewEMA(cfg.RateEMATauS),
		dir:     dir,
		log:     log,
	}, nil
}

func applyValues(cfg *Config, v modcfg.Values) {
	getf := func(key string, dst *float64) {
		if f, ok := v[key].(float64); ok {
			*dst = f
		} else if i, ok := v[key].(int); ok {
			*dst = float64(i)
		}
	}
	getf("setpoint_c", &cfg.SetpointC)
	getf("full_delta_c", &cfg.FullDeltaC)
	getf("min_delta_c", &cfg.MinDeltaC)
	getf("ignition_min_power", &cfg.IgnitionMinP)
	getf("min_power", &cfg.MinPower)
	getf("max_power", &cfg.MaxPower)
	getf("rate_target_cpm", &cfg.RateTargetCpm)
	getf("rate_band_cpm", &cfg.RateBandCpm)
	getf("rate_ema_tau_s", &cfg.RateEMATauS)
	getf("max_slew_per_min", &cfg.MaxSlewPerMin)
}

func (m *Module) ID() string { return id }

func (m *Module) Limits() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MinPower, m.cfg.MaxPower
}

func (m *Module) Schema() modcfg.Schema  { return m.sc }
func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"setpoint_c":          m.cfg.SetpointC,
		"full_delta_c":        m.cfg.FullDeltaC,
		"min_delta_c":         m.cfg.MinDeltaC,
		"ignition_min_power":  m.cfg.IgnitionMinP,
		"min_power":           m.cfg.MinPower,
		"max_power":           m.cfg.MaxPower,
		"rate_target_cpm":     m.cfg.RateTargetCpm,
		"rate_band_cpm":       m.cfg.RateBandCpm,
		"rate_ema_tau_s":      m.cfg.RateEMATauS,
		"max_slew_per_min":    m.cfg.MaxSlewPerMin,
	}
}

func (m *Module) SetValues(v modcfg.Values) error {
	if err := m.sc.Validate(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	applyValues(&m.cfg, m.sc.WithDefaults(v))
	m.slew = control.NewSlewLimiter(m.cfg.MaxSlewPerMin)
	return nil
}

func (m *Module) ReloadConfig() error {
	v, err := modcfg.LoadValues(m.dir)
	if err != nil {
		return fmt.Errorf("ignition: reload: %w", err)
	}
	return m.SetValues(v)
}

// Tick implements module.Module.
func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := snap.Mode == state.ModeIgnition
	if !active {
		m.wasActive = false
		m.haveLastMono = false
		m.rateEMA.Reset()
		m.slew.Reset()
		return module.TickResult{}, nil
	}

	var dtSeconds float64
	if m.haveLastMono {
		dtSeconds = (snap.TsMono - m.lastMono).Seconds()
	}
	m.lastMono = snap.TsMono
	m.haveLastMono = true

	deltaLaw := m.cfg.MaxPower
	rateLaw := m.cfg.IgnitionMinP

	if sensors.BoilerTempC == nil {
		deltaLaw = m.cfg.MaxPower
	} else {
		boiler := *sensors.BoilerTempC
		deltaT := m.cfg.SetpointC - boiler
		deltaLaw = interpolateDeltaLaw(deltaT, m.cfg.MinDeltaC, m.cfg.FullDeltaC, m.cfg.IgnitionMinP, m.cfg.MaxPower)

		if dtSeconds > 0 && m.lastBoilerC != nil {
			ratePerSec := (boiler - *m.lastBoilerC) / dtSeconds
			rateCpm := ratePerSec * 60
			filtered := m.rateEMA.Update(rateCpm, dtSeconds)
			rateLaw = interpolateRateLaw(filtered, m.cfg.RateTargetCpm, m.cfg.RateBandCpm, m.cfg.IgnitionMinP, m.cfg.MaxPower)
		}
		v := boiler
		m.lastBoilerC = &v
	}

	power := math.Max(deltaLaw, rateLaw)
	power = clamp(power, m.cfg.MinPower, m.cfg.MaxPower)

	if !m.wasActive {
		// Bumpless entry: skip the slew limiter on the first tick in mode.
		m.slew.Reset()
		m.wasActive = true
	}
	power = m.slew.Apply(power, dtSeconds)

	p := power
	return module.TickResult{Outputs: state.PartialOutputs{PowerPercent: &p}}, nil
}

// interpolateDeltaLaw: deltaT >= fullDelta -> maxPower; deltaT <= minDelta ->
// ignitionMin; linear between.
func interpolateDeltaLaw(deltaT, minDelta, fullDelta, ignitionMin, maxPower float64) float64 {
	if deltaT >= fullDelta {
		return maxPower
	}
	if deltaT <= minDelta {
		return ignitionMin
	}
	frac := (deltaT - minDelta) / (fullDelta - minDelta)
	return ignitionMin + frac*(maxPower-ignitionMin)
}

// interpolateRateLaw: rate below (target-band) -> maxPower (boiler heating
// too slowly, push harder); rate above (target+band) -> ignitionMin;
// interpolate between.
func interpolateRateLaw(rate, target, band, ignitionMin, maxPower float64) float64 {
	lo := target - band
	hi := target + band
	if rate <= lo {
		return maxPower
	}
	if rate >= hi {
		return ignitionMin
	}
	frac := (rate - lo) / (hi - lo)
	return maxPower - frac*(maxPower-ignitionMin)
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
