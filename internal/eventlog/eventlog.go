// Package eventlog persists published events to rotated CSV files. Unlike
// the Python original, which had no sequence numbers and deduplicated
// events with a (timestamp, JSON-fingerprint) cursor, this module tracks
// the highest state.Event.Seq it has written and only ever emits events
// with a strictly greater Seq. Seq is assigned once, in publish order, by
// the event bus, so it is a sufficient and much simpler cursor.
package eventlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "eventlog"

var csvHeader = []string{"data_czas", "ts_epoch", "level", "source", "type", "message", "data_json"}

// Config holds the tunable parameters.
type Config struct {
	LogDir     string
	FilePrefix string
	Rotate     string // "hour" or "day"
	Timezone   string
}

func defaultConfig() Config {
	return Config{LogDir: "data", FilePrefix: "events", Rotate: "hour", Timezone: "Europe/Warsaw"}
}

func schema() modcfg.Schema {
	return modcfg.Schema{Fields: []modcfg.Field{
		{Key: "log_dir", Type: modcfg.TypeText, Default: "data", Description: "directory (relative to module dir) for event log CSVs"},
		{Key: "file_prefix", Type: modcfg.TypeText, Default: "events", Description: "filename prefix for rotated event log CSVs"},
		{Key: "rotate", Type: modcfg.TypeText, Default: "hour", Options: []string{"hour", "day"}, Description: "rotation granularity for event log files"},
		{Key: "timezone", Type: modcfg.TypeText, Default: "Europe/Warsaw", Description: "IANA timezone for the recorded timestamp and file rotation"},
	}}
}

// Module implements module.Module. It writes every event it has not
// already written, grouped by rotation bucket, and advances its own
// cursor (lastSeq) so repeated deliveries of the same event (the aux
// loop's snapshot carries the store's whole recent-events ring, not just
// this tick's new arrivals) are not written twice.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema
	loc *time.Location

	dir string
	log *zap.Logger

	haveLastSeq bool
	lastSeq     uint64
}

// New constructs the event log module.
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
		return nil, fmt.Errorf("eventlog: create log dir: %w", err)
	}
	return m, nil
}

func applyValues(cfg *Config, v modcfg.Values) {
	if s, ok := v["log_dir"].(string); ok {
		cfg.LogDir = s
	}
	if s, ok := v["file_prefix"].(string); ok {
		cfg.FilePrefix = s
	}
	if s, ok := v["rotate"].(string); ok && (s == "hour" || s == "day") {
		cfg.Rotate = s
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
		"log_dir": m.cfg.LogDir, "file_prefix": m.cfg.FilePrefix,
		"rotate": m.cfg.Rotate, "timezone": m.cfg.Timezone,
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
		return fmt.Errorf("eventlog: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) logDir() string { return filepath.Join(m.dir, m.cfg.LogDir) }

// Tick writes any events in snap.RecentEvents with Seq greater than the
// highest Seq this module has already written.
func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []state.Event
	for _, e := range snap.RecentEvents {
		if !m.haveLastSeq || e.Seq > m.lastSeq {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return module.TickResult{}, nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	var events []state.Event
	if err := m.writeEvents(pending); err != nil {
		events = append(events, state.Event{
			TsWall: nowWall, Source: id, Level: state.LevelError, Type: "EVENTLOG_WRITE_ERROR",
			Message: "event log write failed: " + err.Error(),
			Data:    map[string]interface{}{"error": err.Error()},
		})
		return module.TickResult{Events: events}, nil
	}

	m.haveLastSeq = true
	m.lastSeq = pending[len(pending)-1].Seq
	return module.TickResult{}, nil
}

func (m *Module) filePathForTs(ts time.Time) string {
	ts = ts.In(m.loc)
	var suffix string
	if m.cfg.Rotate == "day" {
		suffix = ts.Format("20060102")
	} else {
		suffix = ts.Format("20060102_15")
	}
	return filepath.Join(m.logDir(), fmt.Sprintf("%s_%s.csv", m.cfg.FilePrefix, suffix))
}

func (m *Module) writeEvents(pending []state.Event) error {
	groups := make(map[string][]state.Event)
	var order []string
	for _, e := range pending {
		path := m.filePathForTs(e.TsWall)
		if _, ok := groups[path]; !ok {
			order = append(order, path)
		}
		groups[path] = append(groups[path], e)
	}

	for _, path := range order {
		if err := m.appendRows(path, groups[path]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) appendRows(path string, rows []state.Event) error {
	needsHeader := true
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		needsHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'

	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write event log header: %w", err)
		}
	}

	for _, e := range rows {
		data := e.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		dataJSON, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		row := []string{
			e.TsWall.In(m.loc).Format("2006-01-02T15:04:05"),
			strconv.FormatInt(e.TsWall.Unix(), 10),
			string(e.Level),
			e.Source,
			e.Type,
			e.Message,
			string(dataJSON),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write event log row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
