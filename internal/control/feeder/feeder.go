// Package feeder implements the auger duty-cycle state machine: an ON/OFF
// relay driven off the authoritative power_percent, with the off time
// shortened as power rises.
package feeder

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "feeder"

// Config holds the tunable parameters.
type Config struct {
	FeedOnBaseS     float64
	FeedOffBaseS    float64
	MinPauseS       float64
	MaxPauseS       float64
	MinPowerToFeedP float64
}

func defaultConfig() Config {
	return Config{
		FeedOnBaseS:     8,
		FeedOffBaseS:    40,
		MinPauseS:       10,
		MaxPauseS:       300,
		MinPowerToFeedP: 0,
	}
}

func schema() modcfg.Schema {
	f := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		f("feed_on_base_s", 8, 0, 600, "auger ON duration per cycle"),
		f("feed_off_base_s", 40, 0, 3600, "auger OFF duration at 100% power"),
		f("min_pause_s", 10, 0, 3600, "minimum OFF duration regardless of power"),
		f("max_pause_s", 300, 0, 36000, "maximum OFF duration regardless of power"),
		f("min_power_to_feed", 0, 0, 100, "authoritative power below which feeding stops"),
	}}
}

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema

	active     bool
	feederOn   bool
	phaseStart time.Duration
	havePhase  bool

	dir string
	log *zap.Logger
}

// New constructs the feeder module.
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
	getf("feed_on_base_s", &cfg.FeedOnBaseS)
	getf("feed_off_base_s", &cfg.FeedOffBaseS)
	getf("min_pause_s", &cfg.MinPauseS)
	getf("max_pause_s", &cfg.MaxPauseS)
	getf("min_power_to_feed", &cfg.MinPowerToFeedP)
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"feed_on_base_s": m.cfg.FeedOnBaseS, "feed_off_base_s": m.cfg.FeedOffBaseS,
		"min_pause_s": m.cfg.MinPauseS, "max_pause_s": m.cfg.MaxPauseS,
		"min_power_to_feed": m.cfg.MinPowerToFeedP,
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
		return fmt.Errorf("feeder: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	power := snap.Outputs.PowerPercent
	inRegime := (snap.Mode == state.ModeIgnition || snap.Mode == state.ModeWork) && power > m.cfg.MinPowerToFeedP

	if !inRegime {
		wasActive := m.active
		m.active = false
		m.havePhase = false
		if wasActive && m.feederOn {
			m.feederOn = false
			f := false
			return module.TickResult{
				Outputs: state.PartialOutputs{Feeder: &f},
				Events:  []state.Event{feederEvent(nowWall, false, m.cfg, power)},
			}, nil
		}
		f := false
		return module.TickResult{Outputs: state.PartialOutputs{Feeder: &f}}, nil
	}

	onTime := m.cfg.FeedOnBaseS
	offTime := m.cfg.FeedOffBaseS
	if power > 0 {
		offTime = m.cfg.FeedOffBaseS * (100 / power)
	}
	offTime = clamp(offTime, m.cfg.MinPauseS, m.cfg.MaxPauseS)

	var events []state.Event
	if !m.active {
		m.active = true
		m.feederOn = true
		m.phaseStart = snap.TsMono
		m.havePhase = true
		events = append(events, feederEvent(nowWall, true, m.cfg, power))
	} else if m.havePhase {
		elapsed := (snap.TsMono - m.phaseStart).Seconds()
		if m.feederOn && elapsed >= onTime {
			m.feederOn = false
			m.phaseStart = snap.TsMono
			events = append(events, feederEvent(nowWall, false, m.cfg, power))
		} else if !m.feederOn && elapsed >= offTime {
			m.feederOn = true
			m.phaseStart = snap.TsMono
			events = append(events, feederEvent(nowWall, true, m.cfg, power))
		}
	}

	f := m.feederOn
	return module.TickResult{Outputs: state.PartialOutputs{Feeder: &f}, Events: events}, nil
}

func feederEvent(nowWall time.Time, on bool, cfg Config, power float64) state.Event {
	typ := "FEEDER_OFF"
	if on {
		typ = "FEEDER_ON"
	}
	return state.Event{
		TsWall:  nowWall,
		Source:  id,
		Level:   state.LevelInfo,
		Type:    typ,
		Message: typ,
		Data: map[string]interface{}{
			"power_percent":   power,
			"feed_on_base_s":  cfg.FeedOnBaseS,
			"feed_off_base_s": cfg.FeedOffBaseS,
		},
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
