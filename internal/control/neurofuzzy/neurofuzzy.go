// Package neurofuzzy implements the WORK neuro-fuzzy power regulator: the
// same rule bank as internal/control/fuzzy with three learned adaptations -
// online rule-weight gradient learning, flue-threshold auto-tuning from
// steady-state quantiles, and a stability adaptation that backs off
// delta_scale and flue weighting when the plant is jittery.
package neurofuzzy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/control"
	"github.com/lecztomek/boilerctl/internal/control/fuzzy"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "power_work_neurofuzzy"

// namedRule pairs one of the fuzzy rule bank's 18 entries with a stable name
// so a learned weight can be tracked per rule across ticks.
type namedRule struct {
	name   string
	center float64
	raw    func(fuzzy.Eval) float64
}

func ruleTable() []namedRule {
	min := func(a, b float64) float64 {
		if a < b {
			return a
		}
		return b
	}
	return []namedRule{
		{"err_NB", 6, func(e fuzzy.Eval) float64 { return e.ErrTerms["NB"] }},
		{"err_NS", 4, func(e fuzzy.Eval) float64 { return e.ErrTerms["NS"] }},
		{"err_ZE", 0, func(e fuzzy.Eval) float64 { return e.ErrTerms["ZE"] }},
		{"err_PS", -4, func(e fuzzy.Eval) float64 { return e.ErrTerms["PS"] }},
		{"err_PB", -6, func(e fuzzy.Eval) float64 { return e.ErrTerms["PB"] }},
		{"rate_ze_rise", -2, func(e fuzzy.Eval) float64 { return min(e.ErrTerms["ZE"], e.RateTerms["RISE"]) }},
		{"rate_ze_fall", 2, func(e fuzzy.Eval) float64 { return min(e.ErrTerms["ZE"], e.RateTerms["FALL"]) }},
		{"rate_ns_rise", -4, func(e fuzzy.Eval) float64 { return min(e.ErrTerms["NS"], e.RateTerms["RISE"]) }},
		{"rate_ps_fall", 4, func(e fuzzy.Eval) float64 { return min(e.ErrTerms["PS"], e.RateTerms["FALL"]) }},
		{"rate_nb_rise", -2, func(e fuzzy.Eval) float64 { return min(e.ErrTerms["NB"], e.RateTerms["RISE"]) }},
		{"rate_pb_fall", 2, func(e fuzzy.Eval) float64 { return min(e.ErrTerms["PB"], e.RateTerms["FALL"]) }},
		{"flue_ze_high", -2, func(e fuzzy.Eval) float64 { return e.FlueWeight * min(e.ErrTerms["ZE"], e.FlueTerms["HIGH"]) }},
		{"flue_ze_vhigh", -4, func(e fuzzy.Eval) float64 { return e.FlueWeight * min(e.ErrTerms["ZE"], e.FlueTerms["VHIGH"]) }},
		{"flue_ze_low", 2, func(e fuzzy.Eval) float64 { return e.FlueWeight * min(e.ErrTerms["ZE"], e.FlueTerms["LOW"]) }},
		{"flue_ps_high", -2, func(e fuzzy.Eval) float64 { return e.FlueWeight * min(e.ErrTerms["PS"], e.FlueTerms["HIGH"]) }},
		{"flue_ps_vhigh", -4, func(e fuzzy.Eval) float64 { return e.FlueWeight * min(e.ErrTerms["PS"], e.FlueTerms["VHIGH"]) }},
		{"flue_mid", 0, func(e fuzzy.Eval) float64 { return e.FlueWeight * e.FlueTerms["MID"] }},
		{"flue_ns_low", 2, func(e fuzzy.Eval) float64 { return e.FlueWeight * min(e.ErrTerms["NS"], e.FlueTerms["LOW"]) }},
	}
}

// Config embeds the fuzzy regulator's config plus the learning/auto-tune
// parameters.
type Config struct {
	fuzzy.Config

	LearningDelayS   float64
	LearningRateEta  float64
	WeightDecayLam   float64
	WMin, WMax       float64
	RewardWT         float64
	RewardKdp        float64
	RewardKddp       float64
	RewardKtf        float64
	RewardKdtf       float64
	RewardClip       float64

	SteadyTolC              float64
	AutoFlueWindow          int
	AutoFlueUpdateInterval  float64
	AutoFlueEMAAlpha        float64
	AutoFlueAbsMinC         float64
	AutoFlueAbsMaxC         float64
	AutoFlueMinSpanC        float64

	StabilityWindowS     float64
	StabilityUpdateS     float64
	JitterPowerStdHigh   float64
	JitterFlueStdHigh    float64
	JitterFlueRateHigh   float64
	DeltaScaleStepDown   float64
	DeltaScaleMin        float64
	FlueWeightNearStep   float64
	FlueWeightNearMin    float64
	FlueWeightBandStep   float64
	FlueWeightBandMax    float64
}

func defaultConfig() Config {
	return Config{
		Config: fuzzy.Config{
			SetpointC: 60, ErrZeroBandC: 1, ErrSmallC: 4, ErrBigC: 10,
			RateStableCpm: 0.5, RateBigCpm: 3, RateEMATauS: 30,
			FlueMinC: 120, FlueMidC: 160, FlueMaxC: 220, FlueOverlapC: 15,
			FlueWeightNear: 0.2, FlueWeightFar: 1.0, FlueWeightBandC: 8,
			DeltaScale: 1.0, MinPower: 10, MaxPower: 100, MaxSlewPerMin: 5,
		},
		LearningDelayS:  120,
		LearningRateEta: 0.05,
		WeightDecayLam:  0.01,
		WMin:            0.2,
		WMax:            2.0,
		RewardWT:        1.0,
		RewardKdp:       0.05,
		RewardKddp:      0.02,
		RewardKtf:       0.01,
		RewardKdtf:      0.01,
		RewardClip:      1.0,

		SteadyTolC:             1.0,
		AutoFlueWindow:         360, // ~30min at one sample per 5s
		AutoFlueUpdateInterval: 900,
		AutoFlueEMAAlpha:       0.1,
		AutoFlueAbsMinC:        80,
		AutoFlueAbsMaxC:        280,
		AutoFlueMinSpanC:       20,

		StabilityWindowS:   1800,
		StabilityUpdateS:   900,
		JitterPowerStdHigh: 8,
		JitterFlueStdHigh:  15,
		JitterFlueRateHigh: 2,
		DeltaScaleStepDown: 0.1,
		DeltaScaleMin:      0.2,
		FlueWeightNearStep: 0.05,
		FlueWeightNearMin:  0.05,
		FlueWeightBandStep: 0.5,
		FlueWeightBandMax:  20,
	}
}

func schema() modcfg.Schema {
	base := fuzzyBaseSchema()
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	base.Fields = append(base.Fields,
		f("learning_delay_s", 120, 0, 3600, "delay before a firing's reward is computed"),
		f("learning_rate_eta", 0.05, 0, 1, "rule weight learning rate"),
		f("weight_decay_lambda", 0.01, 0, 1, "pull of rule weights back toward 1"),
		f("w_min", 0.2, 0, 10, "minimum rule weight"),
		f("w_max", 2.0, 0, 10, "maximum rule weight"),
		f("reward_w_t", 1.0, 0, 10, "reward weight on error improvement"),
		f("reward_k_dp", 0.05, 0, 10, "reward penalty on |delta power|"),
		f("reward_k_ddp", 0.02, 0, 10, "reward penalty on |delta power jerk|"),
		f("reward_k_tf", 0.01, 0, 10, "reward penalty on excess flue temp"),
		f("reward_k_dtf", 0.01, 0, 10, "reward penalty on flue temp rate"),
		f("reward_clip", 1.0, 0, 100, "symmetric clip on the reward"),
		f("steady_tol_c", 1.0, 0, 20, "|err| and |rate| tolerance for steady state"),
		f("auto_flue_update_interval_s", 900, 10, 86400, "flue auto-tune period"),
		f("auto_flue_ema_alpha", 0.1, 0, 1, "EMA blend factor for auto-tuned flue thresholds"),
		f("auto_flue_abs_min_c", 80, 0, 500, "absolute floor for auto-tuned flue thresholds"),
		f("auto_flue_abs_max_c", 280, 0, 600, "absolute ceiling for auto-tuned flue thresholds"),
		f("auto_flue_min_span_c", 20, 0, 200, "minimum span between low/high auto-tuned thresholds"),
		f("stability_window_s", 1800, 60, 86400, "window analyzed for jitter"),
		f("stability_update_s", 900, 10, 86400, "stability adaptation period"),
		f("jitter_power_std_high", 8, 0, 100, "power stddev considered jittery"),
		f("jitter_flue_std_high", 15, 0, 200, "flue stddev considered jittery"),
		f("jitter_flue_rate_high", 2, 0, 100, "max positive flue rate considered jittery"),
		f("delta_scale_step_down", 0.1, 0, 5, "delta_scale decrement step"),
		f("delta_scale_min", 0.2, 0, 5, "delta_scale floor"),
		f("flue_weight_near_step", 0.05, 0, 1, "flue_weight_near decrement step"),
		f("flue_weight_near_min", 0.05, 0, 1, "flue_weight_near floor"),
		f("flue_weight_band_step", 0.5, 0, 10, "flue_weight_band_c increment step"),
		f("flue_weight_band_max", 20, 0, 200, "flue_weight_band_c ceiling"),
	)
	return base
}

func fuzzyBaseSchema() modcfg.Schema {
	// Re-derive the base fields locally rather than importing fuzzy's
	// unexported schema() - the neuro-fuzzy config is a superset.
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

type firingSample struct {
	mono  time.Duration
	absErr float64
	phi   map[string]float64
	power float64
}

type flueSample struct {
	mono time.Duration
	temp float64
}

// Module implements control.Regulator.
type Module struct {
	mu sync.Mutex

	cfg     Config
	sc      modcfg.Schema
	slew    *control.SlewLimiter
	rules   []namedRule
	weights map[string]float64

	rateEMA     *control.EMA
	flueFast    *control.EMA
	flueBase    *control.EMA
	lastBoilerC *float64
	lastMono    time.Duration
	havePrior   bool
	wasActive   bool
	lastPower   float64
	lastDeltaP  float64

	pending []firingSample
	lastAbsErr float64

	flueWindow      []flueSample
	lastAutoFlueMono time.Duration
	haveAutoFlue     bool

	powerHistory []float64
	flueHistory  []float64
	lastStabilityMono time.Duration
	haveStability     bool

	dir string
	log *zap.Logger
}

func init() {
	control.Register(id, func(dir string, values modcfg.Values, log *zap.Logger) (control.Regulator, error) {
		return New(dir, values, log)
	})
}

// New constructs the neuro-fuzzy regulator.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	weights := make(map[string]float64)
	table := ruleTable()
	for _, r := range table {
		weights[r.name] = 1.0
	}
	return &Module{
		cfg:      cfg,
		sc:       sc,
		slew:     control.NewSlewLimiter(cfg.MaxSlewPerMin),
		rules:    table,
		weights:  weights,
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
	getf("learning_delay_s", &cfg.LearningDelayS)
	getf("learning_rate_eta", &cfg.LearningRateEta)
	getf("weight_decay_lambda", &cfg.WeightDecayLam)
	getf("w_min", &cfg.WMin)
	getf("w_max", &cfg.WMax)
	getf("reward_w_t", &cfg.RewardWT)
	getf("reward_k_dp", &cfg.RewardKdp)
	getf("reward_k_ddp", &cfg.RewardKddp)
	getf("reward_k_tf", &cfg.RewardKtf)
	getf("reward_k_dtf", &cfg.RewardKdtf)
	getf("reward_clip", &cfg.RewardClip)
	getf("steady_tol_c", &cfg.SteadyTolC)
	getf("auto_flue_update_interval_s", &cfg.AutoFlueUpdateInterval)
	getf("auto_flue_ema_alpha", &cfg.AutoFlueEMAAlpha)
	getf("auto_flue_abs_min_c", &cfg.AutoFlueAbsMinC)
	getf("auto_flue_abs_max_c", &cfg.AutoFlueAbsMaxC)
	getf("auto_flue_min_span_c", &cfg.AutoFlueMinSpanC)
	getf("stability_window_s", &cfg.StabilityWindowS)
	getf("stability_update_s", &cfg.StabilityUpdateS)
	getf("jitter_power_std_high", &cfg.JitterPowerStdHigh)
	getf("jitter_flue_std_high", &cfg.JitterFlueStdHigh)
	getf("jitter_flue_rate_high", &cfg.JitterFlueRateHigh)
	getf("delta_scale_step_down", &cfg.DeltaScaleStepDown)
	getf("delta_scale_min", &cfg.DeltaScaleMin)
	getf("flue_weight_near_step", &cfg.FlueWeightNearStep)
	getf("flue_weight_near_min", &cfg.FlueWeightNearMin)
	getf("flue_weight_band_step", &cfg.FlueWeightBandStep)
	getf("flue_weight_band_max", &cfg.FlueWeightBandMax)
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
	v := make(modcfg.Values)
	for _, f := range m.sc.Fields {
		v[f.Key] = f.Default
	}
	// Overwrite the ones we track explicitly; simplest is to re-run
	// applyValues in reverse is not available, so list them directly.
	set := map[string]float64{
		"setpoint_c": m.cfg.SetpointC, "err_zero_band_c": m.cfg.ErrZeroBandC, "err_small_c": m.cfg.ErrSmallC,
		"err_big_c": m.cfg.ErrBigC, "rate_stable_cpm": m.cfg.RateStableCpm, "rate_big_cpm": m.cfg.RateBigCpm,
		"rate_ema_tau_s": m.cfg.RateEMATauS, "flue_min_c": m.cfg.FlueMinC, "flue_mid_c": m.cfg.FlueMidC,
		"flue_max_c": m.cfg.FlueMaxC, "flue_overlap_c": m.cfg.FlueOverlapC, "flue_weight_near": m.cfg.FlueWeightNear,
		"flue_weight_far": m.cfg.FlueWeightFar, "flue_weight_band_c": m.cfg.FlueWeightBandC, "delta_scale": m.cfg.DeltaScale,
		"min_power": m.cfg.MinPower, "max_power": m.cfg.MaxPower, "max_slew_per_min": m.cfg.MaxSlewPerMin,
		"learning_delay_s": m.cfg.LearningDelayS, "learning_rate_eta": m.cfg.LearningRateEta,
		"weight_decay_lambda": m.cfg.WeightDecayLam, "w_min": m.cfg.WMin, "w_max": m.cfg.WMax,
		"reward_w_t": m.cfg.RewardWT, "reward_k_dp": m.cfg.RewardKdp, "reward_k_ddp": m.cfg.RewardKddp,
		"reward_k_tf": m.cfg.RewardKtf, "reward_k_dtf": m.cfg.RewardKdtf, "reward_clip": m.cfg.RewardClip,
		"steady_tol_c": m.cfg.SteadyTolC, "auto_flue_update_interval_s": m.cfg.AutoFlueUpdateInterval,
		"auto_flue_ema_alpha": m.cfg.AutoFlueEMAAlpha, "auto_flue_abs_min_c": m.cfg.AutoFlueAbsMinC,
		"auto_flue_abs_max_c": m.cfg.AutoFlueAbsMaxC, "auto_flue_min_span_c": m.cfg.AutoFlueMinSpanC,
		"stability_window_s": m.cfg.StabilityWindowS, "stability_update_s": m.cfg.StabilityUpdateS,
		"jitter_power_std_high": m.cfg.JitterPowerStdHigh, "jitter_flue_std_high": m.cfg.JitterFlueStdHigh,
		"jitter_flue_rate_high": m.cfg.JitterFlueRateHigh, "delta_scale_step_down": m.cfg.DeltaScaleStepDown,
		"delta_scale_min": m.cfg.DeltaScaleMin, "flue_weight_near_step": m.cfg.FlueWeightNearStep,
		"flue_weight_near_min": m.cfg.FlueWeightNearMin, "flue_weight_band_step": m.cfg.FlueWeightBandStep,
		"flue_weight_band_max": m.cfg.FlueWeightBandMax,
	}
	for k, val := range set {
		v[k] = val
	}
	return v
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
		return fmt.Errorf("neurofuzzy: reload: %w", err)
	}
	return m.SetValues(v)
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
	ev := fuzzy.Evaluate(m.cfg.Config, errC, rateCpm, flueC)

	weighted, phi := m.weightedRules(ev)
	delta := control.CentroidDefuzzify(weighted, -6, 6, 49, 1.0)

	newPower := clamp(m.lastPower+m.cfg.DeltaScale*delta, m.cfg.MinPower, m.cfg.MaxPower)
	newPower = m.slew.Apply(newPower, dtSeconds)
	deltaP := newPower - m.lastPower
	m.lastPower = newPower

	saturated := newPower <= m.cfg.MinPower || newPower >= m.cfg.MaxPower
	if !saturated {
		m.pending = append(m.pending, firingSample{
			mono: snap.TsMono, absErr: math.Abs(errC), phi: phi, power: newPower,
		})
	}
	m.lastAbsErr = math.Abs(errC)
	m.maybeLearn(snap.TsMono, deltaP, flueC, dtSeconds)

	m.maybeAutoTuneFlue(snap.TsMono, errC, rateCpm, flueC)
	m.maybeAdaptStability(snap.TsMono, newPower, flueC)

	m.havePrior = true

	p := newPower
	return module.TickResult{Outputs: state.PartialOutputs{PowerPercent: &p}}, nil
}

// weightedRules applies the learned weight to each named rule's base
// (un-weighted) strength and returns both the weighted rules for
// defuzzification and the base strengths normalized to sum-to-one (phi),
// used later as the credit-assignment vector for reward updates.
func (m *Module) weightedRules(ev fuzzy.Eval) ([]control.Rule, map[string]float64) {
	var sum float64
	raw := make(map[string]float64, len(m.rules))
	for _, r := range m.rules {
		s := r.raw(ev)
		raw[r.name] = s
		sum += s
	}
	phi := make(map[string]float64, len(m.rules))
	for name, s := range raw {
		if sum > 0 {
			phi[name] = s / sum
		}
	}
	var rules []control.Rule
	for _, r := range m.rules {
		s := raw[r.name] * m.weights[r.name]
		if s > 0 {
			rules = append(rules, control.Rule{Strength: s, Center: r.center})
		}
	}
	return rules, phi
}

// maybeLearn matures pending firings once learning_delay_s has elapsed and
// applies the gradient update to each rule's weight.
func (m *Module) maybeLearn(nowMono time.Duration, deltaP, flueC, dtSeconds float64) {
	delay := time.Duration(m.cfg.LearningDelayS * float64(time.Second))
	var keep []firingSample
	for _, s := range m.pending {
		if nowMono-s.mono < delay {
			keep = append(keep, s)
			continue
		}
		improvement := (s.absErr - m.lastAbsErr) / math.Max(s.absErr, 0.5)
		var flueExcess, flueRate float64
		if m.cfg.FlueMidC > 0 {
			flueExcess = math.Max(0, flueC-m.cfg.FlueMidC)
		}
		if dtSeconds > 0 {
			flueRate = (flueC - m.flueBase.Value()) / dtSeconds
		}
		reward := m.cfg.RewardWT*improvement -
			m.cfg.RewardKdp*math.Abs(deltaP) -
			m.cfg.RewardKddp*math.Abs(deltaP-m.lastDeltaP) -
			m.cfg.RewardKtf*flueExcess -
			m.cfg.RewardKdtf*math.Abs(flueRate)
		reward = clamp(reward, -m.cfg.RewardClip, m.cfg.RewardClip)

		for name, phi := range s.phi {
			w := m.weights[name]
			w = clamp(w+m.cfg.LearningRateEta*(reward*phi-m.cfg.WeightDecayLam*(w-1)), m.cfg.WMin, m.cfg.WMax)
			m.weights[name] = w
		}
		m.lastDeltaP = deltaP
	}
	m.pending = keep
}

func (m *Module) maybeAutoTuneFlue(nowMono time.Duration, errC, rateCpm, flueC float64) {
	if math.Abs(errC) <= m.cfg.SteadyTolC && math.Abs(rateCpm) <= m.cfg.SteadyTolC {
		m.flueWindow = append(m.flueWindow, flueSample{mono: nowMono, temp: m.flueBase.Value()})
		if len(m.flueWindow) > m.cfg.AutoFlueWindow {
			m.flueWindow = m.flueWindow[len(m.flueWindow)-m.cfg.AutoFlueWindow:]
		}
	}

	if !m.haveAutoFlue {
		m.lastAutoFlueMono = nowMono
		m.haveAutoFlue = true
		return
	}
	if (nowMono - m.lastAutoFlueMono).Seconds() < m.cfg.AutoFlueUpdateInterval {
		return
	}
	m.lastAutoFlueMono = nowMono
	if len(m.flueWindow) < 10 {
		return
	}

	temps := make([]float64, len(m.flueWindow))
	for i, s := range m.flueWindow {
		temps[i] = s.temp
	}
	qLow := quantile(temps, 0.1)
	qMid := quantile(temps, 0.5)
	qHigh := quantile(temps, 0.9)

	qLow = clamp(qLow, m.cfg.AutoFlueAbsMinC, m.cfg.AutoFlueAbsMaxC)
	qMid = clamp(qMid, m.cfg.AutoFlueAbsMinC, m.cfg.AutoFlueAbsMaxC)
	qHigh = clamp(qHigh, m.cfg.AutoFlueAbsMinC, m.cfg.AutoFlueAbsMaxC)
	if qHigh-qLow < m.cfg.AutoFlueMinSpanC {
		mid := (qHigh + qLow) / 2
		qLow = mid - m.cfg.AutoFlueMinSpanC/2
		qHigh = mid + m.cfg.AutoFlueMinSpanC/2
	}

	a := m.cfg.AutoFlueEMAAlpha
	m.cfg.FlueMinC = (1-a)*m.cfg.FlueMinC + a*qLow
	m.cfg.FlueMidC = (1-a)*m.cfg.FlueMidC + a*qMid
	m.cfg.FlueMaxC = (1-a)*m.cfg.FlueMaxC + a*qHigh
}

func (m *Module) maybeAdaptStability(nowMono time.Duration, power, flueC float64) {
	m.powerHistory = append(m.powerHistory, power)
	m.flueHistory = append(m.flueHistory, flueC)
	maxSamples := int(m.cfg.StabilityWindowS) // ~1 sample/sec at critical cadence is an overestimate but bounds memory safely
	if maxSamples > 0 {
		if len(m.powerHistory) > maxSamples {
			m.powerHistory = m.powerHistory[len(m.powerHistory)-maxSamples:]
		}
		if len(m.flueHistory) > maxSamples {
			m.flueHistory = m.flueHistory[len(m.flueHistory)-maxSamples:]
		}
	}

	if !m.haveStability {
		m.lastStabilityMono = nowMono
		m.haveStability = true
		return
	}
	if (nowMono - m.lastStabilityMono).Seconds() < m.cfg.StabilityUpdateS {
		return
	}
	m.lastStabilityMono = nowMono
	if len(m.powerHistory) < 10 {
		return
	}

	powerStd := stddev(m.powerHistory)
	flueStd := stddev(m.flueHistory)
	maxFlueRate := maxPositiveDelta(m.flueHistory)

	heldWell := m.lastAbsErr <= m.cfg.SteadyTolC*2
	jittery := powerStd > m.cfg.JitterPowerStdHigh || flueStd > m.cfg.JitterFlueStdHigh || maxFlueRate > m.cfg.JitterFlueRateHigh

	if heldWell && jittery {
		m.cfg.DeltaScale = math.Max(m.cfg.DeltaScaleMin, m.cfg.DeltaScale-m.cfg.DeltaScaleStepDown)
		m.cfg.FlueWeightNear = math.Max(m.cfg.FlueWeightNearMin, m.cfg.FlueWeightNear-m.cfg.FlueWeightNearStep)
		m.cfg.FlueWeightBandC = math.Min(m.cfg.FlueWeightBandMax, m.cfg.FlueWeightBandC+m.cfg.FlueWeightBandStep)
	} else if !heldWell {
		// Recover conservatively: step back toward the defaults rather than
		// jumping, so a transient error spike does not undo tuning.
		def := defaultConfig()
		if m.cfg.DeltaScale < def.DeltaScale {
			m.cfg.DeltaScale = math.Min(def.DeltaScale, m.cfg.DeltaScale+m.cfg.DeltaScaleStepDown/2)
		}
	}
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

func quantile(sorted []float64, q float64) float64 {
	cp := append([]float64(nil), sorted...)
	insertionSort(cp)
	if len(cp) == 0 {
		return 0
	}
	idx := int(q * float64(len(cp)-1))
	return cp[idx]
}

func insertionSort(a []float64) {
	for i := 1; i < len(a); i++ {
		v := a[i]
		j := i - 1
		for j >= 0 && a[j] > v {
			a[j+1] = a[j]
			j--
		}
		a[j+1] = v
	}
}

func stddev(a []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	var mean float64
	for _, v := range a {
		mean += v
	}
	mean /= float64(len(a))
	var variance float64
	for _, v := range a {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(a))
	return math.Sqrt(variance)
}

func maxPositiveDelta(a []float64) float64 {
	var maxD float64
	for i := 1; i < len(a); i++ {
		d := a[i] - a[i-1]
		if d > maxD {
			maxD = d
		}
	}
	return maxD
}
