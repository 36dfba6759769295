// Package history writes a periodic, hourly-rotated CSV snapshot of the
// boiler's key process values: boiler temperature, power, radiator
// temperature, flue temperature and operating mode.
package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "history"

var csvHeader = []string{"data_czas", "temp_pieca", "power", "temp_grzejnikow", "temp_spalin", "tryb_pracy"}

// Config holds the tunable parameters.
type Config struct {
	LogDir     string
	IntervalS  float64
	FilePrefix string
	Timezone   string
}

func defaultConfig() Config {
	return Config{LogDir: "data", IntervalS: 30, FilePrefix: "boiler", Timezone: "Europe/Warsaw"}
}

func schema() modcfg.Schema {
	lo, hi := 1.0, 3600.0
	return modcfg.Schema{Fields: []modcfg.Field{
		{Key: "log_dir", Type: modcfg.TypeText, Default: "data", Description: "directory (relative to module dir) for history CSVs"},
		{Key: "interval_sec", Type: modcfg.TypeNumber, Default: 30.0, Min: &lo, Max: &hi, Description: "seconds between history rows"},
		{Key: "file_prefix", Type: modcfg.TypeText, Default: "boiler", Description: "filename prefix for hourly history CSVs"},
		{Key: "timezone", Type: modcfg.TypeText, Default: "Europe/Warsaw", Description: "IANA timezone for the recorded timestamp and file rotation"},
	}}
}

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema
	loc *time.Location

	dir string
	log *zap.Logger

	haveLastWrite bool
	lastWriteMono time.Duration
}

// New constructs the history module.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	m := &Module{cfg: cfg, sc: sc, loc: loc, dir: dir, log: log}
	if err := os.MkdirAll(m.logDir(), 0o755); err != nil {
		return nil, fmt.Errorf("history: create log dir: %w", err)
	}
	return m, nil
}

func applyValues(cfg *Config, v modcfg.Values) {
	if f, ok := v["interval_sec"].(float64); ok {
		cfg.IntervalS = f
	} else if i, ok := v["interval_sec"].(int); ok {
		cfg.IntervalS = float64(i)
	}
	if s, ok := v["log_dir"].(string); ok {
		cfg.LogDir = s
	}
	if s, ok := v["file_prefix"].(string); ok {
		cfg.FilePrefix = s
	}
	if s, ok := v["timezone"].(string); ok {
		cfg.Timezone = s
	}
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"log_dir": m.cfg.LogDir, "interval_sec": m.cfg.IntervalS,
		"file_prefix": m.cfg.FilePrefix, "timezone": m.cfg.Timezone,
	}
}

func (m *Module) SetValues(v modcfg.Values) error {
	if err := m.sc.Validate(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	applyValues(&m.cfg, m.sc.WithDefaults(v))
	if loc, err := time.LoadLocation(m.cfg.Timezone); err == nil {
		m.loc = loc
	}
	return nil
}

func (m *Module) ReloadConfig() error {
	v, err := modcfg.LoadValues(m.dir)
	if err != nil {
		return fmt.Errorf("history: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) logDir() string { return filepath.Join(m.dir, m.cfg.LogDir) }

// Tick writes one CSV row every IntervalS seconds of monotonic elapsed time.
// It never blocks on hardware and never contributes to Outputs.
func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMono := snap.TsMono
	shouldWrite := !m.haveLastWrite || (nowMono-m.lastWriteMono).Seconds() >= m.cfg.IntervalS
	if !shouldWrite {
		return module.TickResult{}, nil
	}

	var events []state.Event
	if err := m.writeRow(nowWall, sensors, snap); err != nil {
		events = append(events, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelError, Type: "HISTORY_WRITE_ERROR",
			Message: "history write failed: " + err.Error(),
			Data:    map[string]interface{}{"error": err.Error()},
		})
	} else {
		m.haveLastWrite = true
		m.lastWriteMono = nowMono
	}

	return module.TickResult{Events: events}, nil
}

func (m *Module) writeRow(nowWall time.Time, sensors state.Sensors, snap state.SystemState) error {
	ts := nowWall.In(m.loc)
	path := filepath.Join(m.logDir(), fmt.Sprintf("%s_%s.csv", m.cfg.FilePrefix, ts.Format("20060102_15")))

	needsHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write history header: %w", err)
		}
	}

	row := []string{
		ts.Format("2006-01-02T15:04:05"),
		optFloatStr(sensors.BoilerTempC),
		strconv.FormatFloat(snap.Outputs.PowerPercent, 'f', 2, 64),
		optFloatStr(sensors.RadiatorTempC),
		optFloatStr(sensors.FlueTempC),
		string(snap.Mode),
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write history row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func optFloatStr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
