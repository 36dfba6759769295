// Package fuzzy implements the WORK Mamdani fuzzy power regulator: error,
// rate-of-change and flue-gas temperature inputs drive an 18-rule bank whose
// flue-driven rules are weighted down near the setpoint and up when far from
// it, defuzzified by centroid to a power delta.
package fuzzy

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/control"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "power_work_fuzzy"

// Config holds every tunable parameter.
type Config struct {
	SetpointC          float64
	ErrZeroBandC       float64
	ErrSmallC          float64
	ErrBigC            float64
	RateStableCpm      float64
	RateBigCpm         float64
	RateEMATauS        float64
	FlueMinC           float64
	FlueMidC           float64
	FlueMaxC           float64
	FlueOverlapC       float64
	FlueWeightNear     float64
	FlueWeightFar      float64
	FlueWeightBandC    float64
	DeltaScale         float64
	MinPower, MaxPower float64
	MaxSlewPerMin      float64
}

func defaultConfig() Config {
	return Config{
		SetpointC:       60,
		ErrZeroBandC:    1,
		ErrSmallC:       4,
		ErrBigC:         10,
		RateStableCpm:   0.5,
		RateBigCpm:      3,
		RateEMATauS:     30,
		FlueMinC:        120,
		FlueMidC:        160,
		FlueMaxC:        220,
		FlueOverlapC:    15,
		FlueWeightNear:  0.2,
		FlueWeightFar:   1.0,
		FlueWeightBandC: 8,
		DeltaScale:      1.0,
		MinPower:        10,
		MaxPower:        100,
		MaxSlewPerMin:   5,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("setpoint_c", 60, 0, 120, "target boiler temperature"),
		f("err_zero_band_c", 1, 0, 20, "half-width of the error ZE term"),
		f("err_small_c", 4, 0, 50, "error magnitude at the PS/NS term peak"),
		f("err_big_c", 10, 0, 100, "error magnitude where PB/NB saturate"),
		f("rate_stable_cpm", 0.5, 0, 20, "deg/min considered STABLE"),
		f("rate_big_cpm", 3, 0, 50, "deg/min saturating FALL/RISE"),
		f("rate_ema_tau_s", 30, 1, 600, "time constant of the rate EMA"),
		f("flue_min_c", 120, 0, 400, "flue temperature LOW/MID breakpoint"),
		f("flue_mid_c", 160, 0, 400, "flue temperature MID centre"),
		f("flue_max_c", 220, 0, 500, "flue temperature HIGH/VHIGH breakpoint"),
		f("flue_overlap_c", 15, 0, 100, "overlap width between flue terms"),
		f("flue_weight_near", 0.2, 0, 1, "flue rule weight when |err| is near 0"),
		f("flue_weight_far", 1.0, 0, 1, "flue rule weight when |err| is far from 0"),
		f("flue_weight_band_c", 8, 0.1, 100, "|err| at which flue weight reaches flue_weight_far"),
		f("delta_scale", 1.0, 0, 10, "scale applied to the defuzzified power delta"),
		f("min_power", 10, 0, 100, "minimum power"),
		f("max_power", 100, 0, 100, "maximum power"),
		f("max_slew_per_min", 5, 0, 1000, "maximum power change per minute"),
	}}
}

// Module implements control.Regulator.
type Module struct {
	mu sync.Mutex

	cfg  Config
	sc   modcfg.Schema
	slew *control.SlewLimiter

	rateEMA     *control.EMA
	flueFast    *control.EMA
	flueBase    *control.EMA
	lastBoilerC *float64
	lastMono    time.Duration
	havePrior   bool
	wasActive   bool
	lastPower   float64

	dir string
	log *zap.Logger
}

func init() {
	control.Register(id, func(dir string, values modcfg.Values, log *zap.Logger) (control.Regulator, error) {
		return New(dir, values, log)
	})
}

// New constructs the fuzzy regulator.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	return &Module{
		cfg:      cfg,
		sc:       sc,
		slew:     control.NewSlewLimiter(cfg.MaxSlewPerMin),
		rateEMA:  control.NewEMA(cfg.RateEMATauS),
		flueFast: control.NewEMA(cfg.RateEMATauS / 4),
		flueBase: control.NewEMA(60),
		dir:      dir,
		log:      log,
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
	getf("err_zero_band_c", &cfg.ErrZeroBandC)
	getf("err_small_c", &cfg.ErrSmallC)
	getf("err_big_c", &cfg.ErrBigC)
	getf("rate_stable_cpm", &cfg.RateStableCpm)
	getf("rate_big_cpm", &cfg.RateBigCpm)
	getf("rate_ema_tau_s", &cfg.RateEMATauS)
	getf("flue_min_c", &cfg.FlueMinC)
	getf("flue_mid_c", &cfg.FlueMidC)
	getf("flue_max_c", &cfg.FlueMaxC)
	getf("flue_overlap_c", &cfg.FlueOverlapC)
	getf("flue_weight_near", &cfg.FlueWeightNear)
	getf("flue_weight_far", &cfg.FlueWeightFar)
	getf("flue_weight_band_c", &cfg.FlueWeightBandC)
	getf("delta_scale", &cfg.DeltaScale)
	getf("min_power", &cfg.MinPower)
	getf("max_power", &cfg.MaxPower)
	getf("max_slew_per_min", &cfg.MaxSlewPerMin)
}

func (m *Module) ID() string { return id }

func (m *Module) Limits() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MinPower, m.cfg.MaxPower
}

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return valuesFromConfig(m.cfg)
}

func valuesFromConfig(cfg Config) modcfg.Values {
	return modcfg.Values{
		"setpoint_c": cfg.SetpointC, "err_zero_band_c": cfg.ErrZeroBandC, "err_small_c": cfg.ErrSmallC,
		"err_big_c": cfg.ErrBigC, "rate_stable_cpm": cfg.RateStableCpm, "rate_big_cpm": cfg.RateBigCpm,
		"rate_ema_tau_s": cfg.RateEMATauS, "flue_min_c": cfg.FlueMinC, "flue_mid_c": cfg.FlueMidC,
		"flue_max_c": cfg.FlueMaxC, "flue_overlap_c": cfg.FlueOverlapC, "flue_weight_near": cfg.FlueWeightNear,
		"flue_weight_far": cfg.FlueWeightFar, "flue_weight_band_c": cfg.FlueWeightBandC, "delta_scale": cfg.DeltaScale,
		"min_power": cfg.MinPower, "max_power": cfg.MaxPower, "max_slew_per_min": cfg.MaxSlewPerMin,
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
		return fmt.Errorf("fuzzy: reload: %w", err)
	}
	return m.SetValues(v)
}

// Eval computes the rule firing strengths and flue terms for the current
// err/rate/flue inputs, shared with the neuro-fuzzy regulator which embeds
// this evaluation and adds learned rule weights on top.
type Eval struct {
	ErrTerms  map[string]float64 // NB NS ZE PS PB
	RateTerms map[string]float64 // FALL STABLE RISE
	FlueTerms map[string]float64 // LOW MID HIGH VHIGH
	FlueWeight float64
}

// Evaluate computes fuzzy membership degrees for the three inputs.
func Evaluate(cfg Config, errC, rateCpm, flueC float64) Eval {
	e := Eval{
		ErrTerms:  map[string]float64{},
		RateTerms: map[string]float64{},
		FlueTerms: map[string]float64{},
	}
	eb, es, ez := cfg.ErrBigC, cfg.ErrSmallC, cfg.ErrZeroBandC
	e.ErrTerms["NB"] = control.Trapezoid(errC, -1e9, -1e9, -eb, -es)
	e.ErrTerms["NS"] = control.Trapezoid(errC, -eb, -es, -ez, 0)
	e.ErrTerms["ZE"] = control.Trapezoid(errC, -es, -ez, ez, es)
	e.ErrTerms["PS"] = control.Trapezoid(errC, 0, ez, es, eb)
	e.ErrTerms["PB"] = control.Trapezoid(errC, es, eb, 1e9, 1e9)

	rs, rb := cfg.RateStableCpm, cfg.RateBigCpm
	e.RateTerms["FALL"] = control.Trapezoid(rateCpm, -1e9, -1e9, -rb, -rs)
	e.RateTerms["STABLE"] = control.Trapezoid(rateCpm, -rb, -rs, rs, rb)
	e.RateTerms["RISE"] = control.Trapezoid(rateCpm, rs, rb, 1e9, 1e9)

	ov := cfg.FlueOverlapC
	e.FlueTerms["LOW"] = control.Trapezoid(flueC, -1e9, -1e9, cfg.FlueMinC-ov, cfg.FlueMinC+ov)
	e.FlueTerms["MID"] = control.Trapezoid(flueC, cfg.FlueMinC-ov, cfg.FlueMidC-ov/2, cfg.FlueMidC+ov/2, cfg.FlueMaxC+ov)
	e.FlueTerms["HIGH"] = control.Trapezoid(flueC, cfg.FlueMidC, cfg.FlueMaxC-ov, cfg.FlueMaxC+ov, cfg.FlueMaxC+3*ov)
	e.FlueTerms["VHIGH"] = control.Trapezoid(flueC, cfg.FlueMaxC+ov, cfg.FlueMaxC+3*ov, 1e9, 1e9)

	e.FlueWeight = cfg.FlueWeightNear + control.Smoothstep(absf(errC), 0, cfg.FlueWeightBandC)*(cfg.FlueWeightFar-cfg.FlueWeightNear)
	return e
}

// Rules builds the fixed 18-rule bank's firing strengths (before
// defuzzification) from an Eval. center gives each named output term its
// position on the [-6,6] universe.
func Rules(e Eval) []control.Rule {
	center := map[string]float64{"DB": -6, "DM": -4, "DS": -2, "Z": 0, "US": 2, "UM": 4, "UB": 6}
	min := func(a, b float64) float64 {
		if a < b {
			return a
		}
		return b
	}
	var rules []control.Rule
	add := func(term string, strength float64) {
		if strength > 0 {
			rules = append(rules, control.Rule{Strength: strength, Center: center[term]})
		}
	}

	// Error-driven rules (5).
	add("UB", e.ErrTerms["NB"])
	add("UM", e.ErrTerms["NS"])
	add("Z", e.ErrTerms["ZE"])
	add("DM", e.ErrTerms["PS"])
	add("DB", e.ErrTerms["PB"])

	// Rate-damping rules (6): combine error and rate to avoid overshoot.
	add("DS", min(e.ErrTerms["ZE"], e.RateTerms["RISE"]))
	add("US", min(e.ErrTerms["ZE"], e.RateTerms["FALL"]))
	add("DM", min(e.ErrTerms["NS"], e.RateTerms["RISE"]))
	add("UM", min(e.ErrTerms["PS"], e.RateTerms["FALL"]))
	add("DS", min(e.ErrTerms["NB"], e.RateTerms["RISE"]))
	add("US", min(e.ErrTerms["PB"], e.RateTerms["FALL"]))

	// Flue-driven rules (7), each scaled by the flue weight, which moves from
	// flue_weight_near at zero error to flue_weight_far at |err| >=
	// flue_weight_band_c (with the defaults, 0.2 rising to 1.0).
	w := e.FlueWeight
	add("DS", w*min(e.ErrTerms["ZE"], e.FlueTerms["HIGH"]))
	add("DM", w*min(e.ErrTerms["ZE"], e.FlueTerms["VHIGH"]))
	add("US", w*min(e.ErrTerms["ZE"], e.FlueTerms["LOW"]))
	add("DS", w*min(e.ErrTerms["PS"], e.FlueTerms["HIGH"]))
	add("DM", w*min(e.ErrTerms["PS"], e.FlueTerms["VHIGH"]))
	add("Z", w*e.FlueTerms["MID"])
	add("US", w*min(e.ErrTerms["NS"], e.FlueTerms["LOW"]))

	return rules
}

// Tick implements module.Module.
func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := snap.Mode == state.ModeWork
	if !active {
		m.wasActive = false
		m.havePrior = false
		m.rateEMA.Reset()
		m.flueFast.Reset()
		m.flueBase.Reset()
		m.slew.Reset()
		return module.TickResult{}, nil
	}

	var dtSeconds float64
	if m.havePrior {
		dtSeconds = (snap.TsMono - m.lastMono).Seconds()
	}
	m.lastMono = snap.TsMono

	if sensors.BoilerTempC == nil {
		m.havePrior = true
		p := m.lastPower
		return module.TickResult{Outputs: state.PartialOutputs{PowerPercent: &p}}, nil
	}
	boiler := *sensors.BoilerTempC

	if !m.wasActive {
		m.lastPower = snap.Outputs.PowerPercent
		m.slew.Reset()
		m.wasActive = true
	}

	var rateCpm float64
	if dtSeconds > 0 && m.lastBoilerC != nil {
		ratePerSec := (boiler - *m.lastBoilerC) / dtSeconds
		rateCpm = m.rateEMA.Update(ratePerSec*60, dtSeconds)
	}
	v := boiler
	m.lastBoilerC = &v

	var flueC float64
	if sensors.FlueTempC != nil {
		m.flueFast.Update(*sensors.FlueTempC, dtSeconds)
		flueC = m.flueBase.Update(*sensors.FlueTempC, dtSeconds)
	}

	errC := m.cfg.SetpointC - boiler
	ev := Evaluate(m.cfg, errC, rateCpm, flueC)
	rules := Rules(ev)
	delta := control.CentroidDefuzzify(rules, -6, 6, 49, 1.0)

	power := clamp(m.lastPower+m.cfg.DeltaScale*delta, m.cfg.MinPower, m.cfg.MaxPower)
	power = m.slew.Apply(power, dtSeconds)
	m.lastPower = power
	m.havePrior = true

	p := power
	return module.TickResult{Outputs: state.PartialOutputs{PowerPercent: &p}}, nil
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

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
