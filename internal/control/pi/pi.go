// Package pi implements the classical WORK PI power regulator: a
// leaky-integrator PI law with an overtemperature penalty, slew limiting,
// bumpless transfer on entry from IGNITION, and periodic state persistence
// with ki-rescaling of the restored integral on configuration change.
package pi

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

const id = "power_work_pi"

// Config holds the tunable PI parameters.
type Config struct {
	SetpointC          float64
	Kp, Ki, Kd         float64
	IntegralWindowS    float64
	MinPower, MaxPower float64
	OvertempStartC     float64
	OvertempKp         float64
	MaxSlewPerMin      float64
	StateSaveIntervalS float64
	StateMaxAgeS       float64
	StateMaxTempDeltaC float64
}

func defaultConfig() Config {
	return Config{
		SetpointC:          60,
		Kp:                 2,
		Ki:                 0.01,
		Kd:                 0,
		IntegralWindowS:     300,
		MinPower:           10,
		MaxPower:           100,
		OvertempStartC:     5,
		OvertempKp:         1,
		MaxSlewPerMin:      0,
		StateSaveIntervalS: 30,
		StateMaxAgeS:       900,
		StateMaxTempDeltaC: 5,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("setpoint_c", 60, 0, 120, "target boiler temperature"),
		f("kp", 2, 0, 1000, "proportional gain"),
		f("ki", 0.01, 0, 100, "integral gain"),
		f("kd", 0, 0, 100, "derivative gain"),
		f("integral_window_s", 300, 1, 36000, "leaky integrator decay window"),
		f("min_power", 10, 0, 100, "minimum power"),
		f("max_power", 100, 0, 100, "maximum power"),
		f("overtemp_start_c", 5, 0, 50, "excess above setpoint where the overtemp penalty begins"),
		f("overtemp_kp", 1, 0, 100, "overtemp penalty gain"),
		f("max_slew_per_min", 0, 0, 1000, "maximum power change per minute, 0 disables"),
		f("state_save_interval_s", 30, 1, 3600, "persisted-state save period"),
		f("state_max_age_s", 900, 0, 86400, "max age of a persisted state file to trust on restore"),
		f("state_max_temp_delta_c", 5, 0, 50, "max boiler temp delta to trust a persisted state file"),
	}}
}

// persisted is the on-disk state payload.
type persisted struct {
	Integral  float64 `yaml:"integral"`
	LastError float64 `yaml:"last_error"`
	Power     float64 `yaml:"power"`
}

// Module implements control.Regulator.
type Module struct {
	mu sync.Mutex

	cfg  Config
	sc   modcfg.Schema
	slew *control.SlewLimiter

	integral     float64
	lastError    float64
	havePrior    bool
	lastMono     time.Duration
	wasActive    bool
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

// New constructs the PI regulator. dir holds schema.yaml/values.yaml and
// power_work_pi_state.yaml.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	return &Module{
		cfg:  cfg,
		sc:   sc,
		slew: control.NewSlewLimiter(cfg.MaxSlewPerMin),
		dir:  dir,
		log:  log,
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
	getf("kp", &cfg.Kp)
	getf("ki", &cfg.Ki)
	getf("kd", &cfg.Kd)
	getf("integral_window_s", &cfg.IntegralWindowS)
	getf("min_power", &cfg.MinPower)
	getf("max_power", &cfg.MaxPower)
	getf("overtemp_start_c", &cfg.OvertempStartC)
	getf("overtemp_kp", &cfg.OvertempKp)
	getf("max_slew_per_min", &cfg.MaxSlewPerMin)
	getf("state_save_interval_s", &cfg.StateSaveIntervalS)
	getf("state_max_age_s", &cfg.StateMaxAgeS)
	getf("state_max_temp_delta_c", &cfg.StateMaxTempDeltaC)
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
		"integral_window_s": m.cfg.IntegralWindowS, "min_power": m.cfg.MinPower, "max_power": m.cfg.MaxPower,
		"overtemp_start_c": m.cfg.OvertempStartC, "overtemp_kp": m.cfg.OvertempKp,
		"max_slew_per_min": m.cfg.MaxSlewPerMin, "state_save_interval_s": m.cfg.StateSaveIntervalS,
		"state_max_age_s": m.cfg.StateMaxAgeS, "state_max_temp_delta_c": m.cfg.StateMaxTempDeltaC,
	}
}

func (m *Module) SetValues(v modcfg.Values) error {
	if err := m.sc.Validate(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	oldKi := m.cfg.Ki
	applyValues(&m.cfg, m.sc.WithDefaults(v))
	if oldKi != 0 && m.cfg.Ki != 0 && oldKi != m.cfg.Ki {
		// Rescale the integral so kp*e + ki*I is continuous across a gain
		// change, the same bumpless-transfer principle applied to
		// reconfiguration rather than mode entry.
		m.integral = m.integral * oldKi / m.cfg.Ki
	}
	m.slew = control.NewSlewLimiter(m.cfg.MaxSlewPerMin)
	return nil
}

func (m *Module) ReloadConfig() error {
	v, err := modcfg.LoadValues(m.dir)
	if err != nil {
		return fmt.Errorf("pi: reload: %w", err)
	}
	return m.SetValues(v)
}

// TryRestore attempts to load persisted integrator state from disk. Call
// once after New, before the first Tick.
func (m *Module) TryRestore(nowWall time.Time, currentBoilerC *float64) (restored bool, skipReason string, err error) {
	var p persisted
	ok, reason, rerr := modcfg.RestoreState(m.dir, id, nowWall, currentBoilerC,
		time.Duration(m.cfg.StateMaxAgeS*float64(time.Second)), m.cfg.StateMaxTempDeltaC, &p)
	if rerr != nil {
		return false, "", rerr
	}
	if !ok {
		return false, reason, nil
	}
	m.mu.Lock()
	m.integral = p.Integral
	m.lastError = p.LastError
	m.havePrior = true
	// Keep the restored integral on the first WORK tick instead of
	// re-deriving it from the outgoing power.
	m.wasActive = true
	m.mu.Unlock()
	return true, "", nil
}

func (m *Module) maybeSave(nowWall time.Time, boilerC *float64) {
	if !m.haveSave || (m.lastMono-m.lastSaveMono).Seconds() >= m.cfg.StateSaveIntervalS {
		m.lastSaveMono = m.lastMono
		m.haveSave = true
		_ = modcfg.SaveState(m.dir, id, nowWall, boilerC, persisted{
			Integral: m.integral, LastError: m.lastError, Power: m.slew.Last(),
		})
	}
}

// Tick implements module.Module with these formulas:
// error = setpoint - boiler temp; decay = clamp(1-dt/W,0,1);
// I := decay*I + error*dt; u = kp*error + ki*I + kd*derivative.
// The boiler temperature is used as read this tick; it is not filtered.
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
		// No sensor: hold last output, never assume a value per §3.
		if m.havePrior {
			p := m.slew.Last()
			return module.TickResult{Outputs: state.PartialOutputs{PowerPercent: &p}}, nil
		}
		m.havePrior = true
		return module.TickResult{}, nil
	}
	boiler := *sensors.BoilerTempC

	if !m.wasActive {
		// Bumpless transfer from IGNITION: reinitialize I so kp*e+ki*I
		// equals the outgoing authoritative power_percent.
		errNow := m.cfg.SetpointC - boiler
		if m.cfg.Ki != 0 {
			m.integral = (snap.Outputs.PowerPercent - m.cfg.Kp*errNow) / m.cfg.Ki
		}
		m.lastError = errNow
		m.wasActive = true
		m.slew.Reset()
	}

	errNow := m.cfg.SetpointC - boiler
	decay := clamp(1-dtSeconds/m.cfg.IntegralWindowS, 0, 1)
	m.integral = decay*m.integral + errNow*dtSeconds

	var derivative float64
	if dtSeconds > 0 && m.havePrior {
		derivative = (errNow - m.lastError) / dtSeconds
	}
	m.lastError = errNow
	m.havePrior = true

	u := m.cfg.Kp*errNow + m.cfg.Ki*m.integral + m.cfg.Kd*derivative

	if boiler > m.cfg.SetpointC+m.cfg.OvertempStartC {
		excess := boiler - (m.cfg.SetpointC + m.cfg.OvertempStartC)
		u -= m.cfg.OvertempKp * excess
	}

	u = clamp(u, m.cfg.MinPower, m.cfg.MaxPower)
	u = m.slew.Apply(u, dtSeconds)

	m.maybeSave(nowWall, sensors.BoilerTempC)

	p := u
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
