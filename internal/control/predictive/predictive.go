// Package predictive implements the WORK predictive power regulator: a PI
// fallback blended with an online-identified ARX model of the boiler,
// updated by recursive least squares with forgetting.
package predictive

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

const id = "power_work_predictive"

// Config holds every tunable parameter.
type Config struct {
	SetpointC          float64
	Kp, Ki, Kd         float64
	IntegralWindowS    float64
	OvertempStartC     float64
	OvertempKp         float64
	MinPower, MaxPower float64
	MaxSlewPerMin      float64

	DelaySteps  int
	Lambda      float64
	ModelGain   float64
	HorizonS    float64
	PeriodS     float64
	RMSETauS    float64

	ErrOnC              float64
	ErrOffC             float64
	RMSEOnC             float64
	RMSEOffC            float64
	StableRequiredS     float64
	AlphaRampUpPerS     float64
	AlphaRampDownPerS   float64
	AlphaDecayPerS      float64
}

func defaultConfig() Config {
	return Config{
		SetpointC:         60,
		Kp:                2,
		Ki:                0.01,
		Kd:                0,
		IntegralWindowS:   300,
		OvertempStartC:    5,
		OvertempKp:        1,
		MinPower:          10,
		MaxPower:          100,
		MaxSlewPerMin:     5,
		DelaySteps:        2,
		Lambda:            0.98,
		ModelGain:         1.0,
		HorizonS:          120,
		PeriodS:           5,
		RMSETauS:          600,
		ErrOnC:            2,
		ErrOffC:           5,
		RMSEOnC:           1,
		RMSEOffC:          3,
		StableRequiredS:   60,
		AlphaRampUpPerS:   0.02,
		AlphaRampDownPerS: 0.1,
		AlphaDecayPerS:    0.01,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("setpoint_c", 60, 0, 120, "target boiler temperature"),
		f("kp", 2, 0, 1000, "PI fallback proportional gain"),
		f("ki", 0.01, 0, 100, "PI fallback integral gain"),
		f("kd", 0, 0, 100, "PI fallback derivative gain"),
		f("integral_window_s", 300, 1, 36000, "leaky integrator decay window"),
		f("overtemp_start_c", 5, 0, 50, "excess above setpoint where the overtemp penalty begins"),
		f("overtemp_kp", 1, 0, 100, "overtemp penalty gain"),
		f("min_power", 10, 0, 100, "minimum power"),
		f("max_power", 100, 0, 100, "maximum power"),
		f("max_slew_per_min", 5, 0, 1000, "maximum power change per minute"),
		f("delay_steps", 2, 0, 60, "actuation delay, in ticks, of the ARX model"),
		f("lambda", 0.98, 0.90, 0.99999, "RLS forgetting factor"),
		f("model_gain", 1.0, 0, 100, "gain applied to the model-based correction"),
		f("horizon_s", 120, 1, 3600, "closed-loop prediction horizon"),
		f("period_s", 5, 0.1, 600, "nominal tick period used to convert horizon_s to steps"),
		f("rmse_tau_s", 600, 1, 36000, "EWMA time constant of the prediction RMSE"),
		f("err_on_c", 2, 0, 50, "|err| below which the model may start taking over"),
		f("err_off_c", 5, 0, 50, "|err| above which the model is forced back to PI"),
		f("rmse_on_c", 1, 0, 50, "RMSE below which the model may start taking over"),
		f("rmse_off_c", 3, 0, 50, "RMSE above which the model is forced back to PI"),
		f("stable_required_s", 60, 0, 3600, "how long err/RMSE must stay within bounds before alpha ramps up"),
		f("alpha_ramp_up_per_s", 0.02, 0, 10, "alpha increase rate per second while stable"),
		f("alpha_ramp_down_per_s", 0.1, 0, 10, "alpha decrease rate per second on err_off/rmse_off"),
		f("alpha_decay_per_s", 0.01, 0, 10, "slow alpha decay otherwise"),
	}}
}

// persisted is the ARX model's on-disk state payload.
type persisted struct {
	Theta      [3]float64    `yaml:"theta"`
	P          [3][3]float64 `yaml:"p"`
	UHistory   []float64     `yaml:"u_history"`
	LastY      float64       `yaml:"last_y"`
	HaveLastY  bool          `yaml:"have_last_y"`
	RMSE       float64       `yaml:"rmse"`
	Alpha      float64       `yaml:"alpha"`
	Integral   float64       `yaml:"integral"`
	LastError  float64       `yaml:"last_error"`
}

// Module implements control.Regulator.
type Module struct {
	mu sync.Mutex

	cfg  Config
	sc   modcfg.Schema
	slew *control.SlewLimiter

	theta    [3]float64 // a, b, c
	p        [3][3]float64
	uHistory []float64 // last delay_steps applied control outputs, oldest first
	lastY    float64
	haveLastY bool
	rmse     float64

	integral  float64
	lastError float64

	alpha            float64
	stableSinceMono  time.Duration
	haveStableSince  bool

	havePrior bool
	wasActive bool
	lastMono  time.Duration
	lastPower float64

	lastSaveMono time.Duration
	haveSave     bool

	dir string
	log *zap.Logger
}

func init() {
	control.Register(id, func(dir string, values modcfg.Values, log *zap.Logger) (control.Regulator, error) {
		return New(dir, values, log)
	})
}

// New constructs the predictive regulator.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	m := &Module{
		cfg:  cfg,
		sc:   sc,
		slew: control.NewSlewLimiter(cfg.MaxSlewPerMin),
		dir:  dir,
		log:  log,
	}
	m.resetModel()
	return m, nil
}

func (m *Module) resetModel() {
	m.theta = [3]float64{0.999, 0.05, 0}
	m.p = identity3(1000)
	m.uHistory = make([]float64, m.cfg.DelaySteps)
	m.haveLastY = false
	m.rmse = 0
}

func applyValues(cfg *Config, v modcfg.Values) {
	getf := func(key string, dst *float64) {
		if f, ok := v[key].(float64); ok {
			*dst = f
		} else if i, ok := v[key].(int); ok {
			*dst = float64(i)
		}
	}
	geti := func(key string, dst *int) {
		if f, ok := v[key].(float64); ok {
			*dst = int(f)
		} else if i, ok := v[key].(int); ok {
			*dst = i
		}
	}
	getf("setpoint_c", &cfg.SetpointC)
	getf("kp", &cfg.Kp)
	getf("ki", &cfg.Ki)
	getf("kd", &cfg.Kd)
	getf("integral_window_s", &cfg.IntegralWindowS)
	getf("overtemp_start_c", &cfg.OvertempStartC)
	getf("overtemp_kp", &cfg.OvertempKp)
	getf("min_power", &cfg.MinPower)
	getf("max_power", &cfg.MaxPower)
	getf("max_slew_per_min", &cfg.MaxSlewPerMin)
	geti("delay_steps", &cfg.DelaySteps)
	getf("lambda", &cfg.Lambda)
	getf("model_gain", &cfg.ModelGain)
	getf("horizon_s", &cfg.HorizonS)
	getf("period_s", &cfg.PeriodS)
	getf("rmse_tau_s", &cfg.RMSETauS)
	getf("err_on_c", &cfg.ErrOnC)
	getf("err_off_c", &cfg.ErrOffC)
	getf("rmse_on_c", &cfg.RMSEOnC)
	getf("rmse_off_c", &cfg.RMSEOffC)
	getf("stable_required_s", &cfg.StableRequiredS)
	getf("alpha_ramp_up_per_s", &cfg.AlphaRampUpPerS)
	getf("alpha_ramp_down_per_s", &cfg.AlphaRampDownPerS)
	getf("alpha_decay_per_s", &cfg.AlphaDecayPerS)
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
	return modcfg.Values{
		"setpoint_c": m.cfg.SetpointC, "kp": m.cfg.Kp, "ki": m.cfg.Ki, "kd": m.cfg.Kd,
		"integral_window_s": m.cfg.IntegralWindowS, "overtemp_start_c": m.cfg.OvertempStartC,
		"overtemp_kp": m.cfg.OvertempKp, "min_power": m.cfg.MinPower, "max_power": m.cfg.MaxPower,
		"max_slew_per_min": m.cfg.MaxSlewPerMin, "delay_steps": m.cfg.DelaySteps, "lambda": m.cfg.Lambda,
		"model_gain": m.cfg.ModelGain, "horizon_s": m.cfg.HorizonS, "period_s": m.cfg.PeriodS,
		"rmse_tau_s": m.cfg.RMSETauS, "err_on_c": m.cfg.ErrOnC, "err_off_c": m.cfg.ErrOffC,
		"rmse_on_c": m.cfg.RMSEOnC, "rmse_off_c": m.cfg.RMSEOffC, "stable_required_s": m.cfg.StableRequiredS,
		"alpha_ramp_up_per_s": m.cfg.AlphaRampUpPerS, "alpha_ramp_down_per_s": m.cfg.AlphaRampDownPerS,
		"alpha_decay_per_s": m.cfg.AlphaDecayPerS,
	}
}

func (m *Module) SetValues(v modcfg.Values) error {
	if err := m.sc.Validate(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	oldKi := m.cfg.Ki
	oldDelay := m.cfg.DelaySteps
	applyValues(&m.cfg, m.sc.WithDefaults(v))
	if oldKi != 0 && m.cfg.Ki != 0 && oldKi != m.cfg.Ki {
		m.integral = m.integral * oldKi / m.cfg.Ki
	}
	if oldDelay != m.cfg.DelaySteps {
		m.uHistory = make([]float64, m.cfg.DelaySteps)
	}
	m.slew = control.NewSlewLimiter(m.cfg.MaxSlewPerMin)
	return nil
}

func (m *Module) ReloadConfig() error {
	v, err := modcfg.LoadValues(m.dir)
	if err != nil {
		return fmt.Errorf("predictive: reload: %w", err)
	}
	return m.SetValues(v)
}

// TryRestore loads the persisted ARX model and PI integrator, rejecting it on
// staleness the same way the PI regulator does.
func (m *Module) TryRestore(nowWall time.Time, currentBoilerC *float64, maxAgeS, maxTempDeltaC float64) (restored bool, skipReason string, err error) {
	var p persisted
	ok, reason, rerr := modcfg.RestoreState(m.dir, id, nowWall, currentBoilerC,
		time.Duration(maxAgeS*float64(time.Second)), maxTempDeltaC, &p)
	if rerr != nil {
		return false, "", rerr
	}
	if !ok {
		return false, reason, nil
	}
	m.mu.Lock()
	m.theta = p.Theta
	m.p = p.P
	if len(p.UHistory) == m.cfg.DelaySteps {
		m.uHistory = append([]float64(nil), p.UHistory...)
	}
	m.lastY = p.LastY
	m.haveLastY = p.HaveLastY
	m.rmse = p.RMSE
	m.alpha = p.Alpha
	m.integral = p.Integral
	m.lastError = p.LastError
	// Keep the restored integral and alpha on the first WORK tick instead
	// of re-deriving them from the outgoing power.
	m.wasActive = true
	m.mu.Unlock()
	return true, "", nil
}

func (m *Module) maybeSave(nowWall time.Time, boilerC *float64) {
	if !m.haveSave || (m.lastMono-m.lastSaveMono).Seconds() >= 30 {
		m.lastSaveMono = m.lastMono
		m.haveSave = true
		_ = modcfg.SaveState(m.dir, id, nowWall, boilerC, persisted{
			Theta: m.theta, P: m.p, UHistory: m.uHistory, LastY: m.lastY, HaveLastY: m.haveLastY,
			RMSE: m.rmse, Alpha: m.alpha, Integral: m.integral, LastError: m.lastError,
		})
	}
}

// Tick implements module.Module.
func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := snap.Mode == state.ModeWork
	if !active {
		m.wasActive = false
		m.havePrior = false
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
		errNow := m.cfg.SetpointC - boiler
		if m.cfg.Ki != 0 {
			m.integral = (snap.Outputs.PowerPercent - m.cfg.Kp*errNow) / m.cfg.Ki
		}
		m.lastError = errNow
		m.wasActive = true
		m.slew.Reset()
		m.alpha = 0
		m.haveStableSince = false
	}

	// Model update using the boiler reading just obtained as y[k] and the
	// control output applied delay_steps ago as u[k-delay].
	if m.haveLastY && dtSeconds > 0 {
		uDelayed := 0.0
		if len(m.uHistory) > 0 {
			uDelayed = m.uHistory[0]
		}
		phi := [3]float64{m.lastY, uDelayed, 1}
		predicted := dot3(phi, m.theta)
		errModel := boiler - predicted
		m.rlsUpdate(phi, errModel)
		m.rmse = ewmaUpdate(m.rmse, errModel*errModel, dtSeconds, m.cfg.RMSETauS)
	}
	m.lastY = boiler
	m.haveLastY = true

	// PI fallback.
	errNow := m.cfg.SetpointC - boiler
	decay := clamp(1-dtSeconds/m.cfg.IntegralWindowS, 0, 1)
	m.integral = decay*m.integral + errNow*dtSeconds
	var derivative float64
	if dtSeconds > 0 && m.havePrior {
		derivative = (errNow - m.lastError) / dtSeconds
	}
	m.lastError = errNow
	m.havePrior = true
	pPI := m.cfg.Kp*errNow + m.cfg.Ki*m.integral + m.cfg.Kd*derivative

	// Model-based power: horizon-step closed-loop prediction holding u=P_PI.
	steps := int(math.Round(m.cfg.HorizonS / m.cfg.PeriodS))
	if steps < 1 {
		steps = 1
	}
	yHorizon, ok := m.predictHorizon(boiler, pPI, steps)
	pModel := pPI
	if ok {
		correction := m.cfg.ModelGain * (m.cfg.SetpointC - yHorizon)
		if isFiniteF(correction) {
			pModel = pPI + correction
		}
	}

	rmseVal := math.Sqrt(math.Max(0, m.rmse))
	stable := math.Abs(errNow) <= m.cfg.ErrOnC && rmseVal <= m.cfg.RMSEOnC
	unstable := math.Abs(errNow) >= m.cfg.ErrOffC || rmseVal >= m.cfg.RMSEOffC

	switch {
	case unstable:
		m.haveStableSince = false
		m.alpha = math.Max(0, m.alpha-m.cfg.AlphaRampDownPerS*dtSeconds)
	case stable:
		if !m.haveStableSince {
			m.stableSinceMono = snap.TsMono
			m.haveStableSince = true
		}
		if (snap.TsMono - m.stableSinceMono).Seconds() >= m.cfg.StableRequiredS {
			m.alpha = math.Min(1, m.alpha+m.cfg.AlphaRampUpPerS*dtSeconds)
		}
	default:
		m.haveStableSince = false
		m.alpha = math.Max(0, m.alpha-m.cfg.AlphaDecayPerS*dtSeconds)
	}

	u := (1-m.alpha)*pPI + m.alpha*pModel

	if boiler > m.cfg.SetpointC+m.cfg.OvertempStartC {
		excess := boiler - (m.cfg.SetpointC + m.cfg.OvertempStartC)
		u -= m.cfg.OvertempKp * excess
	}

	u = clamp(u, m.cfg.MinPower, m.cfg.MaxPower)
	u = m.slew.Apply(u, dtSeconds)
	m.lastPower = u

	m.pushUHistory(u)
	m.maybeSave(nowWall, sensors.BoilerTempC)

	p := u
	return module.TickResult{Outputs: state.PartialOutputs{PowerPercent: &p}}, nil
}

func (m *Module) pushUHistory(u float64) {
	if len(m.uHistory) == 0 {
		return
	}
	copy(m.uHistory, m.uHistory[1:])
	m.uHistory[len(m.uHistory)-1] = u
}

// predictHorizon simulates the ARX model forward `steps` ticks holding the
// control input at uConst, seeded from the known control history for the
// first delay_steps inputs and uConst thereafter.
func (m *Module) predictHorizon(currentY, uConst float64, steps int) (float64, bool) {
	y := currentY
	queue := append([]float64(nil), m.uHistory...)
	for i := 0; i < steps; i++ {
		var uDelayed float64
		if i < len(queue) {
			uDelayed = queue[i]
		} else {
			uDelayed = uConst
		}
		y = m.theta[0]*y + m.theta[1]*uDelayed + m.theta[2]
		if !isFiniteF(y) {
			return 0, false
		}
	}
	return y, true
}

// rlsUpdate applies one step of recursive least squares with forgetting
// factor lambda, then clamps parameters and resets the model if the
// covariance has diverged.
func (m *Module) rlsUpdate(phi [3]float64, errModel float64) {
	lambda := m.cfg.Lambda
	if lambda <= 0 {
		lambda = 0.98
	}
	pPhi := mulMatVec3(m.p, phi)
	denom := lambda + dot3(phi, pPhi)
	if denom == 0 || !isFiniteF(denom) {
		m.resetModel()
		return
	}
	var k [3]float64
	for i := range k {
		k[i] = pPhi[i] / denom
	}
	for i := range m.theta {
		m.theta[i] += k[i] * errModel
	}
	// P = (P - K*phi^T*P) / lambda
	phiTP := mulVecMat3(phi, m.p)
	var newP [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			newP[i][j] = (m.p[i][j] - k[i]*phiTP[j]) / lambda
		}
	}
	m.p = newP

	m.theta[0] = clamp(m.theta[0], 0.90, 0.9999)
	m.theta[1] = clamp(m.theta[1], -1, 1)
	m.theta[2] = clamp(m.theta[2], -100, 100)

	if !matrixHealthy(m.p) {
		m.resetModel()
	}
}

func matrixHealthy(p [3][3]float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !isFiniteF(p[i][j]) || math.Abs(p[i][j]) > 1e12 {
				return false
			}
		}
	}
	return true
}

func identity3(scale float64) [3][3]float64 {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		m[i][i] = scale
	}
	return m
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func mulMatVec3(m [3][3]float64, v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
	return out
}

func mulVecMat3(v [3]float64, m [3][3]float64) [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = v[0]*m[0][j] + v[1]*m[1][j] + v[2]*m[2][j]
	}
	return out
}

func ewmaUpdate(current, sample, dtSeconds, tauS float64) float64 {
	if tauS <= 0 {
		return sample
	}
	if dtSeconds <= 0 {
		return current
	}
	alpha := dtSeconds / (tauS + dtSeconds)
	return (1-alpha)*current + alpha*sample
}

func isFiniteF(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
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
