// Package stats implements the fuel/energy statistics engine: closed 5-minute
// buckets integrated over monotonic time, a 7-day ring of those buckets, a
// daily accumulator upserted to a cache CSV at day rollover, live
// compare-bar windows, and calendar/season aggregates. It never touches
// hardware and never sets actuator outputs; it publishes its payload into
// SystemState.Runtime for the HTTP API to serve.
package stats

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/state"
)

const id = "stats"

const (
	seconds5m = 300.0
	mjToKwh   = 1.0 / 3.6

	buckets1h  = 12
	buckets4h  = 48
	buckets24h = 288
	buckets7d  = 2016
)

// Config holds the tunable parameters.
type Config struct {
	Enabled            bool
	FeederKgPerHour    float64
	CalorificMJPerKg   float64
	LogDir             string
	FilePrefix5m       string
	DailyFile          string
	StateFile          string
	Timezone           string
	SeasonStartMonth   int
	SeasonStartDay     int
	BarsDays           int
	PublishCompareBars bool
}

func defaultConfig() Config {
	return Config{
		Enabled:            true,
		FeederKgPerHour:    10,
		CalorificMJPerKg:   0,
		LogDir:             "data",
		FilePrefix5m:       "stats5m",
		DailyFile:          "stats_daily.csv",
		StateFile:          "stats_state.yaml",
		Timezone:           "Europe/Warsaw",
		SeasonStartMonth:   9,
		SeasonStartDay:     1,
		BarsDays:           30,
		PublishCompareBars: true,
	}
}

func schema() modcfg.Schema {
	numF := func(key string, def, min, max float64, desc string) modcfg.Field {
		lo, hi := min, max
		return modcfg.Field{Key: key, Type: modcfg.TypeNumber, Default: def, Min: &lo, Max: &hi, Description: desc}
	}
	return modcfg.Schema{Fields: []modcfg.Field{
		{Key: "enabled", Type: modcfg.TypeBool, Default: true, Description: "enable the stats engine"},
		numF("feeder_kg_per_hour", 10, 0, 200, "fuel feed rate while the auger runs"),
		numF("calorific_mj_per_kg", 0, 0, 40, "fuel calorific value, 0 disables energy_kwh"),
		{Key: "log_dir", Type: modcfg.TypeText, Default: "data", Description: "directory (relative to module dir) for stats CSV/state files"},
		{Key: "file_prefix_5m", Type: modcfg.TypeText, Default: "stats5m", Description: "filename prefix for hourly 5-min bucket CSVs"},
		{Key: "daily_file", Type: modcfg.TypeText, Default: "stats_daily.csv", Description: "filename for the daily cache CSV"},
		{Key: "state_file", Type: modcfg.TypeText, Default: "stats_state.yaml", Description: "filename for the in-progress day accumulator"},
		{Key: "timezone", Type: modcfg.TypeText, Default: "Europe/Warsaw", Description: "IANA timezone for day/month/season boundaries"},
		numF("season_start_month", 9, 1, 12, "season start month"),
		numF("season_start_day", 1, 1, 31, "season start day of month"),
		numF("bars_days", 30, 1, 366, "number of daily bars to publish to the UI"),
		{Key: "publish_compare_bars", Type: modcfg.TypeBool, Default: true, Description: "publish sprzed-X compare bars"},
	}}
}

// bucket accumulates the in-progress (not yet closed) 5-minute window.
type bucket struct {
	seconds   float64
	coalKg    float64
	energyKwh float64
}

// agg is a closed or aggregated window's rate/min/max/avg summary.
type agg struct {
	seconds   float64
	coalKg    float64
	energyKwh float64

	burnKgphAvg, burnKgphMin, burnKgphMax float64
	powerKwAvg, powerKwMin, powerKwMax    float64
}

type agg5mTimed struct {
	tsEndUnix float64
	tsEndISO  string
	agg       agg
}

// dayAcc accumulates one calendar day's 5-minute buckets in memory.
type dayAcc struct {
	secondsSum   float64
	coalKgSum    float64
	energyKwhSum float64
	activeSeconds float64

	burnKgphMax5m float64
	powerKwMax5m  float64
	coalKgMax5m   float64

	burnKgphMinActive5m *float64
	powerKwMinActive5m  *float64

	hasActive bool
}

// dayRecord is a finalized, flushed day — what stats_daily.csv stores.
type dayRecord struct {
	dateStr string

	secondsSum   float64
	coalKgSum    float64
	energyKwhSum float64

	burnKgphAvg float64
	powerKwAvg  float64

	activeSeconds float64
	activeRatio   float64

	burnKgphMax5m        float64
	burnKgphMinActive5m  *float64
	powerKwMax5m         float64
	powerKwMinActive5m   *float64
	coalKgMax5m          float64
}

// persistedState is what stats_state.yaml stores: the in-progress day.
type persistedState struct {
	DayKey string `yaml:"day_key"`
	DayAcc struct {
		SecondsSum           float64  `yaml:"seconds_sum"`
		CoalKgSum            float64  `yaml:"coal_kg_sum"`
		EnergyKwhSum         float64  `yaml:"energy_kwh_sum"`
		ActiveSeconds        float64  `yaml:"active_seconds"`
		BurnKgphMax5m        float64  `yaml:"burn_kgph_max_5m"`
		PowerKwMax5m         float64  `yaml:"power_kw_max_5m"`
		CoalKgMax5m          float64  `yaml:"coal_kg_max_5m"`
		BurnKgphMinActive5m  *float64 `yaml:"burn_kgph_min_active_5m"`
		PowerKwMinActive5m   *float64 `yaml:"power_kw_min_active_5m"`
		HasActive            bool     `yaml:"has_active"`
	} `yaml:"day_acc"`
}

// Module implements module.Module.
type Module struct {
	mu sync.Mutex

	cfg Config
	sc  modcfg.Schema

	dir string
	log *zap.Logger

	loc *time.Location

	haveLast bool
	lastMono time.Duration

	haveBucketStart bool
	bucketStartMono time.Duration
	cur             bucket

	b5m []agg5mTimed // oldest first, capped at buckets7d

	daily map[string]dayRecord

	haveDayKey bool
	dayKey     string
	dayAcc     dayAcc
}

// New constructs the stats module, bootstrapping its in-memory caches from
// whatever daily CSV, state file and hourly bucket CSVs already exist under
// dir/log_dir.
func New(dir string, values modcfg.Values, log *zap.Logger) (*Module, error) {
	sc := schema()
	cfg := defaultConfig()
	applyValues(&cfg, sc.WithDefaults(values))

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}

	m := &Module{
		cfg:   cfg,
		sc:    sc,
		dir:   dir,
		log:   log,
		loc:   loc,
		daily: make(map[string]dayRecord),
	}
	if err := os.MkdirAll(m.logDir(), 0o755); err != nil {
		return nil, fmt.Errorf("stats: create log dir: %w", err)
	}
	m.bootstrapFromDisk()
	return m, nil
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
	gets := func(key string, dst *string) {
		if s, ok := v[key].(string); ok {
			*dst = s
		}
	}
	if b, ok := v["enabled"].(bool); ok {
		cfg.Enabled = b
	}
	getf("feeder_kg_per_hour", &cfg.FeederKgPerHour)
	getf("calorific_mj_per_kg", &cfg.CalorificMJPerKg)
	gets("log_dir", &cfg.LogDir)
	gets("file_prefix_5m", &cfg.FilePrefix5m)
	gets("daily_file", &cfg.DailyFile)
	gets("state_file", &cfg.StateFile)
	gets("timezone", &cfg.Timezone)
	geti("season_start_month", &cfg.SeasonStartMonth)
	geti("season_start_day", &cfg.SeasonStartDay)
	geti("bars_days", &cfg.BarsDays)
	if b, ok := v["publish_compare_bars"].(bool); ok {
		cfg.PublishCompareBars = b
	}
}

func (m *Module) ID() string { return id }

func (m *Module) Schema() modcfg.Schema { return m.sc }

func (m *Module) Values() modcfg.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modcfg.Values{
		"enabled":              m.cfg.Enabled,
		"feeder_kg_per_hour":   m.cfg.FeederKgPerHour,
		"calorific_mj_per_kg":  m.cfg.CalorificMJPerKg,
		"log_dir":              m.cfg.LogDir,
		"file_prefix_5m":       m.cfg.FilePrefix5m,
		"daily_file":           m.cfg.DailyFile,
		"state_file":           m.cfg.StateFile,
		"timezone":             m.cfg.Timezone,
		"season_start_month":   m.cfg.SeasonStartMonth,
		"season_start_day":     m.cfg.SeasonStartDay,
		"bars_days":            m.cfg.BarsDays,
		"publish_compare_bars": m.cfg.PublishCompareBars,
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
		return fmt.Errorf("stats: reload: %w", err)
	}
	return m.SetValues(v)
}

func (m *Module) logDir() string {
	return filepath.Join(m.dir, m.cfg.LogDir)
}

func (m *Module) dailyPath() string { return filepath.Join(m.logDir(), m.cfg.DailyFile) }
func (m *Module) statePath() string { return filepath.Join(m.logDir(), m.cfg.StateFile) }

// Tick integrates feeder_on over the elapsed monotonic delta, closing and
// publishing any 5-minute buckets the delta crosses, then republishes the
// rolling/compare/calendar payload into Runtime.
func (m *Module) Tick(nowWall time.Time, sensors state.Sensors, snap state.SystemState) (module.TickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMono := snap.TsMono

	if !m.cfg.Enabled {
		return module.TickResult{Runtime: m.publish(nowWall, false)}, nil
	}

	if !m.haveLast {
		m.haveLast = true
		m.lastMono = nowMono
		m.haveBucketStart = true
		m.bucketStartMono = nowMono
		m.cur = bucket{}
		return module.TickResult{Runtime: m.publish(nowWall, true)}, nil
	}

	dtTotal := nowMono - m.lastMono
	if dtTotal <= 0 {
		m.lastMono = nowMono
		return module.TickResult{Runtime: m.publish(nowWall, true)}, nil
	}

	feederOn := snap.Outputs.Feeder

	anchorWall := nowWall
	anchorMono := nowMono

	var events []state.Event

	t := m.lastMono
	for t < nowMono {
		if !m.haveBucketStart {
			m.haveBucketStart = true
			m.bucketStartMono = t
		}

		bucketEndMono := m.bucketStartMono + time.Duration(seconds5m*float64(time.Second))
		remaining := nowMono - t
		toBoundary := bucketEndMono - t
		step := remaining
		if toBoundary < step {
			step = toBoundary
		}
		stepSeconds := step.Seconds()

		m.cur.seconds += stepSeconds
		if feederOn && m.cfg.FeederKgPerHour > 0 {
			kg := m.cfg.FeederKgPerHour * (stepSeconds / 3600.0)
			m.cur.coalKg += kg
			if m.cfg.CalorificMJPerKg > 0 {
				kwhPerKg := m.cfg.CalorificMJPerKg * mjToKwh
				m.cur.energyKwh += kg * kwhPerKg
			}
		}

		t += step

		if t >= bucketEndMono-time.Nanosecond {
			if err := m.finalize5mBucket(bucketEndMono, anchorWall, anchorMono); err != nil {
				events = append(events, state.Event{
					TsWall: nowWall, Source: id, Level: state.LevelError, Type: "STATS_PERSIST_ERROR",
					Message: "stats persist failed: " + err.Error(),
					Data:    map[string]interface{}{"error": err.Error()},
				})
			}
			m.bucketStartMono = bucketEndMono
			m.cur = bucket{}
		}
	}

	m.lastMono = nowMono

	return module.TickResult{Events: events, Runtime: m.publish(nowWall, true)}, nil
}

func rateKgph(seconds, coalKg float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return (coalKg * 3600.0) / seconds
}

func rateKw(seconds, energyKwh float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return (energyKwh * 3600.0) / seconds
}

func floorTo5m(tsUnix float64) float64 {
	return tsUnix - math.Mod(tsUnix, seconds5m)
}

func monoToWall(tsMono time.Duration, anchorWall time.Time, anchorMono time.Duration) time.Time {
	return anchorWall.Add(tsMono - anchorMono)
}

func (m *Module) finalize5mBucket(bucketEndMono time.Duration, anchorWall time.Time, anchorMono time.Duration) error {
	s := m.cur.seconds
	kg := m.cur.coalKg
	en := m.cur.energyKwh

	burn := rateKgph(s, kg)
	power := rateKw(s, en)

	a := agg{
		seconds: s, coalKg: kg, energyKwh: en,
		burnKgphAvg: burn, burnKgphMin: burn, burnKgphMax: burn,
		powerKwAvg: power, powerKwMin: power, powerKwMax: power,
	}

	bucketEndWall := monoToWall(bucketEndMono, anchorWall, anchorMono).In(m.loc)
	tsEndISO := bucketEndWall.Format("2006-01-02T15:04:05Z07:00")
	tsEndUnix := float64(bucketEndWall.UnixNano()) / 1e9

	timed := agg5mTimed{tsEndUnix: tsEndUnix, tsEndISO: tsEndISO, agg: a}
	m.b5m = append(m.b5m, timed)
	if len(m.b5m) > buckets7d {
		m.b5m = m.b5m[len(m.b5m)-buckets7d:]
	}

	dayKey := bucketEndWall.Format("2006-01-02")

	if err := m.append5mRow(bucketEndWall, timed); err != nil {
		return err
	}
	if err := m.dayAdd5m(dayKey, timed); err != nil {
		return err
	}
	return m.saveState()
}

func aggregateFromChildren(children []agg) agg {
	var sec, kg, en float64
	burnMin, burnMax := math.Inf(1), math.Inf(-1)
	powerMin, powerMax := math.Inf(1), math.Inf(-1)
	for _, c := range children {
		sec += c.seconds
		kg += c.coalKg
		en += c.energyKwh
		if c.burnKgphMin < burnMin {
			burnMin = c.burnKgphMin
		}
		if c.burnKgphMax > burnMax {
			burnMax = c.burnKgphMax
		}
		if c.powerKwMin < powerMin {
			powerMin = c.powerKwMin
		}
		if c.powerKwMax > powerMax {
			powerMax = c.powerKwMax
		}
	}
	if len(children) == 0 {
		burnMin, burnMax, powerMin, powerMax = 0, 0, 0, 0
	}
	return agg{
		seconds: sec, coalKg: kg, energyKwh: en,
		burnKgphAvg: rateKgph(sec, kg), burnKgphMin: burnMin, burnKgphMax: burnMax,
		powerKwAvg: rateKw(sec, en), powerKwMin: powerMin, powerKwMax: powerMax,
	}
}

func (m *Module) windowFrom5m(n int) (agg, bool) {
	if len(m.b5m) < n {
		return agg{}, false
	}
	last := m.b5m[len(m.b5m)-n:]
	children := make([]agg, len(last))
	for i, x := range last {
		children[i] = x.agg
	}
	return aggregateFromChildren(children), true
}

// ---------- persistence: 5m CSV (one file per hour) ----------

func (m *Module) append5mRow(bucketEndWall time.Time, timed agg5mTimed) error {
	if err := os.MkdirAll(m.logDir(), 0o755); err != nil {
		return err
	}
	filename := fmt.Sprintf("%s_%s.csv", m.cfg.FilePrefix5m, bucketEndWall.Format("20060102_15"))
	path := filepath.Join(m.logDir(), filename)
	newFile := true
	if _, err := os.Stat(path); err == nil {
		newFile = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("stats: open 5m file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'
	if newFile {
		w.Write([]string{"ts_end_iso", "ts_end_unix", "seconds", "coal_kg", "energy_kwh", "burn_kgph", "power_kw"})
	}
	a := timed.agg
	w.Write([]string{
		timed.tsEndISO,
		strconv.FormatFloat(timed.tsEndUnix, 'f', 3, 64),
		strconv.FormatFloat(a.seconds, 'f', 6, 64),
		strconv.FormatFloat(a.coalKg, 'f', 6, 64),
		strconv.FormatFloat(a.energyKwh, 'f', 6, 64),
		strconv.FormatFloat(a.burnKgphAvg, 'f', 6, 64),
		strconv.FormatFloat(a.powerKwAvg, 'f', 6, 64),
	})
	w.Flush()
	return w.Error()
}

// ---------- daily cache ----------

func (m *Module) dayAdd5m(dayKey string, timed agg5mTimed) error {
	a := timed.agg

	if !m.haveDayKey {
		m.haveDayKey = true
		m.dayKey = dayKey
		m.dayAcc = dayAcc{}
	}

	if dayKey != m.dayKey {
		if err := m.flushDayToDailyCSV(m.dayKey, m.dayAcc); err != nil {
			return err
		}
		m.dayKey = dayKey
		m.dayAcc = dayAcc{}
	}

	acc := &m.dayAcc
	acc.secondsSum += a.seconds
	acc.coalKgSum += a.coalKg
	acc.energyKwhSum += a.energyKwh

	burn5m := a.burnKgphAvg
	power5m := a.powerKwAvg
	coal5m := a.coalKg

	if burn5m > acc.burnKgphMax5m {
		acc.burnKgphMax5m = burn5m
	}
	if power5m > acc.powerKwMax5m {
		acc.powerKwMax5m = power5m
	}
	if coal5m > acc.coalKgMax5m {
		acc.coalKgMax5m = coal5m
	}

	if coal5m > 0 {
		acc.activeSeconds += a.seconds
		if !acc.hasActive {
			acc.hasActive = true
			acc.burnKgphMinActive5m = &burn5m
			acc.powerKwMinActive5m = &power5m
		} else {
			if burn5m < *acc.burnKgphMinActive5m {
				acc.burnKgphMinActive5m = &burn5m
			}
			if power5m < *acc.powerKwMinActive5m {
				acc.powerKwMinActive5m = &power5m
			}
		}
	}
	return nil
}

func (m *Module) flushDayToDailyCSV(dayKey string, acc dayAcc) error {
	burnAvg := rateKgph(acc.secondsSum, acc.coalKgSum)
	powerAvg := rateKw(acc.secondsSum, acc.energyKwhSum)
	activeRatio := 0.0
	if acc.secondsSum > 0 {
		activeRatio = acc.activeSeconds / acc.secondsSum
	}

	rec := dayRecord{
		dateStr:             dayKey,
		secondsSum:          acc.secondsSum,
		coalKgSum:           acc.coalKgSum,
		energyKwhSum:        acc.energyKwhSum,
		burnKgphAvg:         burnAvg,
		powerKwAvg:          powerAvg,
		activeSeconds:       acc.activeSeconds,
		activeRatio:         activeRatio,
		burnKgphMax5m:       acc.burnKgphMax5m,
		burnKgphMinActive5m: acc.burnKgphMinActive5m,
		powerKwMax5m:        acc.powerKwMax5m,
		powerKwMinActive5m:  acc.powerKwMinActive5m,
		coalKgMax5m:         acc.coalKgMax5m,
	}

	m.daily[dayKey] = rec

	has, err := m.dailyHasDate(dayKey)
	if err != nil {
		return err
	}
	if has {
		return m.dailyRewriteFile()
	}
	return m.dailyAppendRow(rec)
}

func (m *Module) dailyHasDate(dayKey string) (bool, error) {
	f, err := os.Open(m.dailyPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, nil
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return false, nil
	}
	header := rows[0]
	dateCol := -1
	for i, h := range header {
		if h == "date" {
			dateCol = i
			break
		}
	}
	if dateCol < 0 {
		return false, nil
	}
	for _, row := range rows[1:] {
		if dateCol < len(row) && row[dateCol] == dayKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *Module) dailyAppendRow(rec dayRecord) error {
	if err := os.MkdirAll(m.logDir(), 0o755); err != nil {
		return err
	}
	newFile := true
	if _, err := os.Stat(m.dailyPath()); err == nil {
		newFile = false
	}

	f, err := os.OpenFile(m.dailyPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("stats: open daily file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = ';'
	if newFile {
		w.Write(dailyHeader())
	}
	w.Write(dailyRow(rec))
	w.Flush()
	return w.Error()
}

func (m *Module) dailyRewriteFile() error {
	keys := make([]string, 0, len(m.daily))
	for k := range m.daily {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tmpPath := m.dailyPath() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("stats: create daily tmp file: %w", err)
	}
	w := csv.NewWriter(f)
	w.Comma = ';'
	w.Write(dailyHeader())
	for _, k := range keys {
		w.Write(dailyRow(m.daily[k]))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, m.dailyPath())
}

func dailyHeader() []string {
	return []string{
		"date", "seconds_sum", "coal_kg_sum", "energy_kwh_sum",
		"burn_kgph_avg", "power_kw_avg", "active_seconds", "active_ratio",
		"burn_kgph_max_5m", "burn_kgph_min_active_5m",
		"power_kw_max_5m", "power_kw_min_active_5m", "coal_kg_max_5m",
	}
}

func dailyRow(rec dayRecord) []string {
	return []string{
		rec.dateStr,
		strconv.FormatFloat(rec.secondsSum, 'f', 6, 64),
		strconv.FormatFloat(rec.coalKgSum, 'f', 6, 64),
		strconv.FormatFloat(rec.energyKwhSum, 'f', 6, 64),
		strconv.FormatFloat(rec.burnKgphAvg, 'f', 6, 64),
		strconv.FormatFloat(rec.powerKwAvg, 'f', 6, 64),
		strconv.FormatFloat(rec.activeSeconds, 'f', 6, 64),
		strconv.FormatFloat(rec.activeRatio, 'f', 6, 64),
		strconv.FormatFloat(rec.burnKgphMax5m, 'f', 6, 64),
		optFloatStr(rec.burnKgphMinActive5m),
		strconv.FormatFloat(rec.powerKwMax5m, 'f', 6, 64),
		optFloatStr(rec.powerKwMinActive5m),
		strconv.FormatFloat(rec.coalKgMax5m, 'f', 6, 64),
	}
}

func optFloatStr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}

func parseOptFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseFloatOr(s string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return f
}

// ---------- state (in-progress day) ----------

func (m *Module) saveState() error {
	var st persistedState
	st.DayKey = m.dayKey
	st.DayAcc.SecondsSum = m.dayAcc.secondsSum
	st.DayAcc.CoalKgSum = m.dayAcc.coalKgSum
	st.DayAcc.EnergyKwhSum = m.dayAcc.energyKwhSum
	st.DayAcc.ActiveSeconds = m.dayAcc.activeSeconds
	st.DayAcc.BurnKgphMax5m = m.dayAcc.burnKgphMax5m
	st.DayAcc.PowerKwMax5m = m.dayAcc.powerKwMax5m
	st.DayAcc.CoalKgMax5m = m.dayAcc.coalKgMax5m
	st.DayAcc.BurnKgphMinActive5m = m.dayAcc.burnKgphMinActive5m
	st.DayAcc.PowerKwMinActive5m = m.dayAcc.powerKwMinActive5m
	st.DayAcc.HasActive = m.dayAcc.hasActive

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("stats: marshal state: %w", err)
	}
	if err := os.MkdirAll(m.logDir(), 0o755); err != nil {
		return err
	}
	return modcfg.AtomicWriteFile(m.statePath(), data)
}

func (m *Module) loadState() {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		return
	}
	var st persistedState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return
	}
	if st.DayKey == "" {
		return
	}
	m.haveDayKey = true
	m.dayKey = st.DayKey
	m.dayAcc = dayAcc{
		secondsSum:          st.DayAcc.SecondsSum,
		coalKgSum:           st.DayAcc.CoalKgSum,
		energyKwhSum:        st.DayAcc.EnergyKwhSum,
		activeSeconds:       st.DayAcc.ActiveSeconds,
		burnKgphMax5m:       st.DayAcc.BurnKgphMax5m,
		powerKwMax5m:        st.DayAcc.PowerKwMax5m,
		coalKgMax5m:         st.DayAcc.CoalKgMax5m,
		burnKgphMinActive5m: st.DayAcc.BurnKgphMinActive5m,
		powerKwMinActive5m:  st.DayAcc.PowerKwMinActive5m,
		hasActive:           st.DayAcc.HasActive,
	}
}

// ---------- bootstrap from disk ----------

func (m *Module) bootstrapFromDisk() {
	m.loadDailyFile()
	m.loadState()
	m.load5mBuckets(buckets7d)
}

func (m *Module) loadDailyFile() {
	f, err := os.Open(m.dailyPath())
	if err != nil {
		return
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return
	}
	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[h] = i
	}
	get := func(row []string, key string) string {
		if i, ok := idx[key]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}
	for _, row := range rows[1:] {
		d := strings.TrimSpace(get(row, "date"))
		if d == "" {
			continue
		}
		rec := dayRecord{
			dateStr:             d,
			secondsSum:          parseFloatOr(get(row, "seconds_sum"), 0),
			coalKgSum:           parseFloatOr(get(row, "coal_kg_sum"), 0),
			energyKwhSum:        parseFloatOr(get(row, "energy_kwh_sum"), 0),
			burnKgphAvg:         parseFloatOr(get(row, "burn_kgph_avg"), 0),
			powerKwAvg:          parseFloatOr(get(row, "power_kw_avg"), 0),
			activeSeconds:       parseFloatOr(get(row, "active_seconds"), 0),
			activeRatio:         parseFloatOr(get(row, "active_ratio"), 0),
			burnKgphMax5m:       parseFloatOr(get(row, "burn_kgph_max_5m"), 0),
			burnKgphMinActive5m: parseOptFloat(get(row, "burn_kgph_min_active_5m")),
			powerKwMax5m:        parseFloatOr(get(row, "power_kw_max_5m"), 0),
			powerKwMinActive5m:  parseOptFloat(get(row, "power_kw_min_active_5m")),
			coalKgMax5m:         parseFloatOr(get(row, "coal_kg_max_5m"), 0),
		}
		m.daily[d] = rec
	}
}

func (m *Module) load5mBuckets(maxBuckets int) {
	entries, err := os.ReadDir(m.logDir())
	if err != nil {
		return
	}
	prefix := m.cfg.FilePrefix5m + "_"
	var items []agg5mTimed

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		f, err := os.Open(filepath.Join(m.logDir(), name))
		if err != nil {
			continue
		}
		r := csv.NewReader(f)
		r.Comma = ';'
		rows, err := r.ReadAll()
		f.Close()
		if err != nil || len(rows) == 0 {
			continue
		}
		idx := map[string]int{}
		for i, h := range rows[0] {
			idx[h] = i
		}
		get := func(row []string, key string) string {
			if i, ok := idx[key]; ok && i < len(row) {
				return row[i]
			}
			return ""
		}
		for _, row := range rows[1:] {
			s := parseFloatOr(get(row, "seconds"), 0)
			kg := parseFloatOr(get(row, "coal_kg"), 0)
			en := parseFloatOr(get(row, "energy_kwh"), 0)
			burn := parseFloatOr(get(row, "burn_kgph"), rateKgph(s, kg))
			power := parseFloatOr(get(row, "power_kw"), rateKw(s, en))
			a := agg{
				seconds: s, coalKg: kg, energyKwh: en,
				burnKgphAvg: burn, burnKgphMin: burn, burnKgphMax: burn,
				powerKwAvg: power, powerKwMin: power, powerKwMax: power,
			}
			items = append(items, agg5mTimed{
				tsEndUnix: parseFloatOr(get(row, "ts_end_unix"), 0),
				tsEndISO:  get(row, "ts_end_iso"),
				agg:       a,
			})
		}
	}

	if len(items) == 0 {
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].tsEndUnix < items[j].tsEndUnix })
	if len(items) > maxBuckets {
		items = items[len(items)-maxBuckets:]
	}
	m.b5m = items
}

// ---------- compare-bar windows ----------

type windowAgg struct {
	tsStartUnix, tsEndUnix     float64
	tsStartISO, tsEndISO       string
	secondsSum, coalKgSum      float64
	energyKwhSum               float64
	burnKgphAvg, powerKwAvg    float64
	activeRatio                float64
	burnKgphMax5m              float64
	burnKgphMinActive5m        *float64
	powerKwMax5m               float64
	powerKwMinActive5m         *float64
	coalKgMax5m                float64
}

func (m *Module) aggregateWindowOffset(nowUnix, durationSec, endOffsetSec float64) *windowAgg {
	if len(m.b5m) == 0 {
		return nil
	}
	endUnix := floorTo5m(nowUnix - endOffsetSec)
	startUnix := endUnix - durationSec

	var buckets []agg5mTimed
	for _, b := range m.b5m {
		if b.tsEndUnix > startUnix && b.tsEndUnix <= endUnix {
			buckets = append(buckets, b)
		}
	}

	startISO := m.unixToISO(startUnix)
	endISO := m.unixToISO(endUnix)

	if len(buckets) == 0 {
		return &windowAgg{tsStartUnix: startUnix, tsEndUnix: endUnix, tsStartISO: startISO, tsEndISO: endISO}
	}

	var secondsSum, coalSum, energySum float64
	burnMax5m, powerMax5m, coalMax5m := 0.0, 0.0, 0.0
	var activeSeconds float64
	var burnMinActive, powerMinActive *float64

	for _, b := range buckets {
		secondsSum += b.agg.seconds
		coalSum += b.agg.coalKg
		energySum += b.agg.energyKwh
		if b.agg.burnKgphAvg > burnMax5m {
			burnMax5m = b.agg.burnKgphAvg
		}
		if b.agg.powerKwAvg > powerMax5m {
			powerMax5m = b.agg.powerKwAvg
		}
		if b.agg.coalKg > coalMax5m {
			coalMax5m = b.agg.coalKg
		}
		if b.agg.coalKg > 0 {
			activeSeconds += b.agg.seconds
			burn := b.agg.burnKgphAvg
			power := b.agg.powerKwAvg
			if burnMinActive == nil || burn < *burnMinActive {
				burnMinActive = &burn
			}
			if powerMinActive == nil || power < *powerMinActive {
				powerMinActive = &power
			}
		}
	}

	activeRatio := 0.0
	if secondsSum > 0 {
		activeRatio = activeSeconds / secondsSum
	}

	return &windowAgg{
		tsStartUnix: startUnix, tsEndUnix: endUnix, tsStartISO: startISO, tsEndISO: endISO,
		secondsSum: secondsSum, coalKgSum: coalSum, energyKwhSum: energySum,
		burnKgphAvg: rateKgph(secondsSum, coalSum), powerKwAvg: rateKw(secondsSum, energySum),
		activeRatio: activeRatio, burnKgphMax5m: burnMax5m, burnKgphMinActive5m: burnMinActive,
		powerKwMax5m: powerMax5m, powerKwMinActive5m: powerMinActive, coalKgMax5m: coalMax5m,
	}
}

func (m *Module) unixToISO(tsUnix float64) string {
	sec := int64(tsUnix)
	nsec := int64((tsUnix - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(m.loc).Format("2006-01-02T15:04:05Z07:00")
}

func windowAggMap(label string, w *windowAgg) map[string]interface{} {
	out := map[string]interface{}{"label": label}
	if w == nil {
		return out
	}
	out["ts_start_unix"] = w.tsStartUnix
	out["ts_end_unix"] = w.tsEndUnix
	out["ts_start_iso"] = w.tsStartISO
	out["ts_end_iso"] = w.tsEndISO
	out["seconds_sum"] = w.secondsSum
	out["coal_kg_sum"] = w.coalKgSum
	out["energy_kwh_sum"] = w.energyKwhSum
	out["burn_kgph_avg"] = w.burnKgphAvg
	out["power_kw_avg"] = w.powerKwAvg
	out["active_ratio"] = w.activeRatio
	out["burn_kgph_max_5m"] = w.burnKgphMax5m
	out["burn_kgph_min_active_5m"] = optFloatIface(w.burnKgphMinActive5m)
	out["power_kw_max_5m"] = w.powerKwMax5m
	out["power_kw_min_active_5m"] = optFloatIface(w.powerKwMinActive5m)
	out["coal_kg_max_5m"] = w.coalKgMax5m
	return out
}

func optFloatIface(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func (m *Module) buildCompareBars(nowUnix float64) map[string]interface{} {
	hours1h := []map[string]interface{}{}
	for _, o := range []struct {
		h     float64
		label string
	}{{3, "-3h"}, {2, "-2h"}, {1, "-1h"}} {
		hours1h = append(hours1h, windowAggMap(o.label, m.aggregateWindowOffset(nowUnix, 3600, o.h*3600)))
	}

	hours12h := []map[string]interface{}{}
	for _, o := range []struct {
		h     float64
		label string
	}{{36, "-36h"}, {24, "-24h"}, {12, "-12h"}} {
		hours12h = append(hours12h, windowAggMap(o.label, m.aggregateWindowOffset(nowUnix, 43200, o.h*3600)))
	}

	minutes5m := []map[string]interface{}{}
	for _, o := range []struct {
		min   float64
		label string
	}{{15, "-15m"}, {10, "-10m"}, {5, "-5m"}} {
		minutes5m = append(minutes5m, windowAggMap(o.label, m.aggregateWindowOffset(nowUnix, 300, o.min*60)))
	}

	nowDt := time.Unix(int64(nowUnix), 0).In(m.loc)
	today := truncDay(nowDt)

	days := []map[string]interface{}{}
	for _, o := range []struct {
		off   int
		label string
	}{{3, "-3d"}, {2, "-2d"}, {1, "-1d"}} {
		d := today.AddDate(0, 0, -o.off)
		dKey := d.Format("2006-01-02")
		rec, ok := m.daily[dKey]
		entry := map[string]interface{}{"label": o.label, "date": dKey, "record": nil}
		if ok {
			entry["record"] = dayRecordMap(rec)
		}
		days = append(days, entry)
	}

	weekStart := today.AddDate(0, 0, -(int(today.Weekday()+6) % 7)) // Monday
	weeks := []map[string]interface{}{}
	for _, o := range []struct {
		off   int
		label string
	}{{3, "-3tyg"}, {2, "-2tyg"}, {1, "-1tyg"}} {
		end := weekStart.AddDate(0, 0, -7*(o.off-1))
		start := end.AddDate(0, 0, -7)
		agg := m.sumDailyRange(start, end)
		agg["label"] = o.label
		agg["week_start"] = start.Format("2006-01-02")
		agg["week_end"] = end.AddDate(0, 0, -1).Format("2006-01-02")
		weeks = append(weeks, agg)
	}

	firstThisMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, m.loc)
	months := []map[string]interface{}{}
	for _, o := range []struct {
		off   int
		label string
	}{{3, "-3msc"}, {2, "-2msc"}, {1, "-1msc"}} {
		mEnd := addMonths(firstThisMonth, -(o.off - 1))
		mStart := addMonths(firstThisMonth, -o.off)
		agg := m.sumDailyRange(mStart, mEnd)
		agg["label"] = o.label
		agg["month"] = mStart.Format("2006-01")
		months = append(months, agg)
	}

	return map[string]interface{}{
		"hours_1h": hours1h, "hours_12h": hours12h, "minutes_5m": minutes5m,
		"days": days, "weeks": weeks, "months": months,
	}
}

func truncDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func (m *Module) sumDailyRange(startInclusive, endExclusive time.Time) map[string]interface{} {
	var secondsSum, coalSum, energySum, activeSeconds float64
	burnMax5m, powerMax5m, coalMax5m := 0.0, 0.0, 0.0
	var burnMinActive, powerMinActive *float64

	for d := startInclusive; d.Before(endExclusive); d = d.AddDate(0, 0, 1) {
		rec, ok := m.daily[d.Format("2006-01-02")]
		if !ok {
			continue
		}
		secondsSum += rec.secondsSum
		coalSum += rec.coalKgSum
		energySum += rec.energyKwhSum
		activeSeconds += rec.activeSeconds
		if rec.burnKgphMax5m > burnMax5m {
			burnMax5m = rec.burnKgphMax5m
		}
		if rec.powerKwMax5m > powerMax5m {
			powerMax5m = rec.powerKwMax5m
		}
		if rec.coalKgMax5m > coalMax5m {
			coalMax5m = rec.coalKgMax5m
		}
		if rec.burnKgphMinActive5m != nil && (burnMinActive == nil || *rec.burnKgphMinActive5m < *burnMinActive) {
			v := *rec.burnKgphMinActive5m
			burnMinActive = &v
		}
		if rec.powerKwMinActive5m != nil && (powerMinActive == nil || *rec.powerKwMinActive5m < *powerMinActive) {
			v := *rec.powerKwMinActive5m
			powerMinActive = &v
		}
	}

	activeRatio := 0.0
	if secondsSum > 0 {
		activeRatio = activeSeconds / secondsSum
	}

	return map[string]interface{}{
		"ts_start_iso":            startInclusive.Format("2006-01-02T15:04:05Z07:00"),
		"ts_end_iso":              endExclusive.Format("2006-01-02T15:04:05Z07:00"),
		"seconds_sum":             secondsSum,
		"coal_kg_sum":             coalSum,
		"energy_kwh_sum":          energySum,
		"burn_kgph_avg":           rateKgph(secondsSum, coalSum),
		"power_kw_avg":            rateKw(secondsSum, energySum),
		"active_ratio":            activeRatio,
		"burn_kgph_max_5m":        burnMax5m,
		"burn_kgph_min_active_5m": optFloatIface(burnMinActive),
		"power_kw_max_5m":         powerMax5m,
		"power_kw_min_active_5m":  optFloatIface(powerMinActive),
		"coal_kg_max_5m":          coalMax5m,
	}
}

func addMonths(d time.Time, months int) time.Time {
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, d.Location()).AddDate(0, months, 0)
}

func dayRecordMap(r dayRecord) map[string]interface{} {
	return map[string]interface{}{
		"date":                    r.dateStr,
		"seconds_sum":             r.secondsSum,
		"coal_kg_sum":             r.coalKgSum,
		"energy_kwh_sum":          r.energyKwhSum,
		"burn_kgph_avg":           r.burnKgphAvg,
		"power_kw_avg":            r.powerKwAvg,
		"active_seconds":          r.activeSeconds,
		"active_ratio":            r.activeRatio,
		"burn_kgph_max_5m":        r.burnKgphMax5m,
		"burn_kgph_min_active_5m": optFloatIface(r.burnKgphMinActive5m),
		"power_kw_max_5m":         r.powerKwMax5m,
		"power_kw_min_active_5m":  optFloatIface(r.powerKwMinActive5m),
		"coal_kg_max_5m":          r.coalKgMax5m,
	}
}

// ---------- publish ----------

func (m *Module) publish(nowWall time.Time, enabled bool) map[string]interface{} {
	var a5 *agg
	if len(m.b5m) >= 1 {
		last := m.b5m[len(m.b5m)-1].agg
		a5 = &last
	} else if m.cur.seconds > 0 {
		burn := rateKgph(m.cur.seconds, m.cur.coalKg)
		power := rateKw(m.cur.seconds, m.cur.energyKwh)
		a5 = &agg{
			seconds: m.cur.seconds, coalKg: m.cur.coalKg, energyKwh: m.cur.energyKwh,
			burnKgphAvg: burn, burnKgphMin: burn, burnKgphMax: burn,
			powerKwAvg: power, powerKwMin: power, powerKwMax: power,
		}
	}

	a1, ok1 := m.windowFrom5m(buckets1h)
	a4, ok4 := m.windowFrom5m(buckets4h)
	a24, ok24 := m.windowFrom5m(buckets24h)
	a7, ok7 := m.windowFrom5m(buckets7d)

	payload := map[string]interface{}{
		"enabled":             enabled,
		"ts_unix":             float64(nowWall.UnixNano()) / 1e9,
		"ts_iso":              nowWall.Format("2006-01-02T15:04:05Z07:00"),
		"feeder_kg_per_hour":  m.cfg.FeederKgPerHour,
		"calorific_mj_per_kg": m.cfg.CalorificMJPerKg,
	}

	pack := func(prefix string, a *agg, ok bool) {
		if !ok {
			payload["burn_kgph_"+prefix] = nil
			payload["burn_kgph_min_"+prefix] = nil
			payload["burn_kgph_max_"+prefix] = nil
			payload["coal_kg_"+prefix] = nil
			payload["power_kw_"+prefix] = nil
			payload["power_kw_min_"+prefix] = nil
			payload["power_kw_max_"+prefix] = nil
			payload["energy_kwh_"+prefix] = nil
			payload["seconds_"+prefix] = nil
			return
		}
		payload["burn_kgph_"+prefix] = a.burnKgphAvg
		payload["burn_kgph_min_"+prefix] = a.burnKgphMin
		payload["burn_kgph_max_"+prefix] = a.burnKgphMax
		payload["coal_kg_"+prefix] = a.coalKg
		payload["power_kw_"+prefix] = a.powerKwAvg
		payload["power_kw_min_"+prefix] = a.powerKwMin
		payload["power_kw_max_"+prefix] = a.powerKwMax
		payload["energy_kwh_"+prefix] = a.energyKwh
		payload["seconds_"+prefix] = a.seconds
	}

	if a5 != nil {
		pack("5m", a5, true)
	} else {
		pack("5m", nil, false)
	}
	pack("1h", &a1, ok1)
	pack("4h", &a4, ok4)
	pack("24h", &a24, ok24)
	pack("7d", &a7, ok7)

	payload["calendar"] = m.buildCalendarPayload(nowWall)
	if m.cfg.PublishCompareBars {
		payload["compare_bars"] = m.buildCompareBars(float64(nowWall.UnixNano()) / 1e9)
	}

	return map[string]interface{}{"stats": payload}
}

func (m *Module) buildCalendarPayload(nowWall time.Time) map[string]interface{} {
	nowDt := nowWall.In(m.loc)
	today := truncDay(nowDt)
	todayKey := today.Format("2006-01-02")
	yesterdayKey := today.AddDate(0, 0, -1).Format("2006-01-02")

	y, haveYesterday := m.daily[yesterdayKey]

	accToday := dayAcc{}
	if m.haveDayKey && m.dayKey == todayKey {
		accToday = m.dayAcc
	}

	todaySeconds := accToday.secondsSum
	todayCoal := accToday.coalKgSum
	todayEnergy := accToday.energyKwhSum
	todayBurnAvg := rateKgph(todaySeconds, todayCoal)
	todayPowerAvg := rateKw(todaySeconds, todayEnergy)
	todayActiveRatio := 0.0
	if todaySeconds > 0 {
		todayActiveRatio = accToday.activeSeconds / todaySeconds
	}

	monthPrefix := todayKey[:7]
	var monthSeconds, monthCoal, monthEnergy float64
	monthBurnMax5m, monthPowerMax5m, monthCoalMax5m := accToday.burnKgphMax5m, accToday.powerKwMax5m, accToday.coalKgMax5m
	var monthBurnMinActive, monthPowerMinActive *float64
	if accToday.hasActive {
		if accToday.burnKgphMinActive5m != nil {
			v := *accToday.burnKgphMinActive5m
			monthBurnMinActive = &v
		}
		if accToday.powerKwMinActive5m != nil {
			v := *accToday.powerKwMinActive5m
			monthPowerMinActive = &v
		}
	}
	for k, r := range m.daily {
		if !strings.HasPrefix(k, monthPrefix) {
			continue
		}
		monthSeconds += r.secondsSum
		monthCoal += r.coalKgSum
		monthEnergy += r.energyKwhSum
		if r.burnKgphMax5m > monthBurnMax5m {
			monthBurnMax5m = r.burnKgphMax5m
		}
		if r.powerKwMax5m > monthPowerMax5m {
			monthPowerMax5m = r.powerKwMax5m
		}
		if r.coalKgMax5m > monthCoalMax5m {
			monthCoalMax5m = r.coalKgMax5m
		}
		if r.burnKgphMinActive5m != nil && (monthBurnMinActive == nil || *r.burnKgphMinActive5m < *monthBurnMinActive) {
			v := *r.burnKgphMinActive5m
			monthBurnMinActive = &v
		}
		if r.powerKwMinActive5m != nil && (monthPowerMinActive == nil || *r.powerKwMinActive5m < *monthPowerMinActive) {
			v := *r.powerKwMinActive5m
			monthPowerMinActive = &v
		}
	}
	monthSeconds += todaySeconds
	monthCoal += todayCoal
	monthEnergy += todayEnergy
	monthBurnAvg := rateKgph(monthSeconds, monthCoal)
	monthPowerAvg := rateKw(monthSeconds, monthEnergy)

	seasonStart := m.seasonStartDate(today)
	seasonStartKey := seasonStart.Format("2006-01-02")
	var seasonSeconds, seasonCoal, seasonEnergy float64
	seasonBurnMax5m, seasonPowerMax5m, seasonCoalMax5m := accToday.burnKgphMax5m, accToday.powerKwMax5m, accToday.coalKgMax5m
	var seasonBurnMinActive, seasonPowerMinActive *float64
	if accToday.hasActive {
		if accToday.burnKgphMinActive5m != nil {
			v := *accToday.burnKgphMinActive5m
			seasonBurnMinActive = &v
		}
		if accToday.powerKwMinActive5m != nil {
			v := *accToday.powerKwMinActive5m
			seasonPowerMinActive = &v
		}
	}
	for k, r := range m.daily {
		if k < seasonStartKey || k > yesterdayKey {
			continue
		}
		seasonSeconds += r.secondsSum
		seasonCoal += r.coalKgSum
		seasonEnergy += r.energyKwhSum
		if r.burnKgphMax5m > seasonBurnMax5m {
			seasonBurnMax5m = r.burnKgphMax5m
		}
		if r.powerKwMax5m > seasonPowerMax5m {
			seasonPowerMax5m = r.powerKwMax5m
		}
		if r.coalKgMax5m > seasonCoalMax5m {
			seasonCoalMax5m = r.coalKgMax5m
		}
		if r.burnKgphMinActive5m != nil && (seasonBurnMinActive == nil || *r.burnKgphMinActive5m < *seasonBurnMinActive) {
			v := *r.burnKgphMinActive5m
			seasonBurnMinActive = &v
		}
		if r.powerKwMinActive5m != nil && (seasonPowerMinActive == nil || *r.powerKwMinActive5m < *seasonPowerMinActive) {
			v := *r.powerKwMinActive5m
			seasonPowerMinActive = &v
		}
	}
	seasonSeconds += todaySeconds
	seasonCoal += todayCoal
	seasonEnergy += todayEnergy
	seasonBurnAvg := rateKgph(seasonSeconds, seasonCoal)
	seasonPowerAvg := rateKw(seasonSeconds, seasonEnergy)

	barsDays := m.cfg.BarsDays
	if barsDays < 1 {
		barsDays = 1
	}
	bars := m.buildDailyBars(todayKey, accToday, barsDays)

	out := map[string]interface{}{
		"timezone":     m.cfg.Timezone,
		"season_start": seasonStart.Format("2006-01-02"),
		"today": map[string]interface{}{
			"date": todayKey, "seconds_sum": todaySeconds, "coal_kg_sum": todayCoal, "energy_kwh_sum": todayEnergy,
			"burn_kgph_avg": todayBurnAvg, "power_kw_avg": todayPowerAvg,
			"active_seconds": accToday.activeSeconds, "active_ratio": todayActiveRatio,
			"burn_kgph_max_5m": accToday.burnKgphMax5m, "burn_kgph_min_active_5m": optFloatIface(activeOrNil(accToday.hasActive, accToday.burnKgphMinActive5m)),
			"power_kw_max_5m": accToday.powerKwMax5m, "power_kw_min_active_5m": optFloatIface(activeOrNil(accToday.hasActive, accToday.powerKwMinActive5m)),
			"coal_kg_max_5m": accToday.coalKgMax5m,
		},
		"month": map[string]interface{}{
			"month": monthPrefix, "seconds_sum": monthSeconds, "coal_kg_sum": monthCoal, "energy_kwh_sum": monthEnergy,
			"burn_kgph_avg": monthBurnAvg, "power_kw_avg": monthPowerAvg,
			"burn_kgph_max_5m": monthBurnMax5m, "burn_kgph_min_active_5m": optFloatIface(monthBurnMinActive),
			"power_kw_max_5m": monthPowerMax5m, "power_kw_min_active_5m": optFloatIface(monthPowerMinActive),
			"coal_kg_max_5m": monthCoalMax5m,
		},
		"season": map[string]interface{}{
			"start": seasonStart.Format("2006-01-02"), "seconds_sum": seasonSeconds, "coal_kg_sum": seasonCoal, "energy_kwh_sum": seasonEnergy,
			"burn_kgph_avg": seasonBurnAvg, "power_kw_avg": seasonPowerAvg,
			"burn_kgph_max_5m": seasonBurnMax5m, "burn_kgph_min_active_5m": optFloatIface(seasonBurnMinActive),
			"power_kw_max_5m": seasonPowerMax5m, "power_kw_min_active_5m": optFloatIface(seasonPowerMinActive),
			"coal_kg_max_5m": seasonCoalMax5m,
		},
		"bars_daily": bars,
	}
	if haveYesterday {
		out["yesterday"] = dayRecordMap(y)
	} else {
		out["yesterday"] = nil
	}
	return out
}

func activeOrNil(hasActive bool, v *float64) *float64 {
	if !hasActive {
		return nil
	}
	return v
}

func (m *Module) buildDailyBars(todayKey string, accToday dayAcc, count int) []map[string]interface{} {
	keys := make([]string, 0, len(m.daily))
	for k := range m.daily {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tailFrom := len(keys) - (count - 1)
	if tailFrom < 0 {
		tailFrom = 0
	}
	var tail []string
	if count > 1 {
		tail = keys[tailFrom:]
	}

	bars := make([]map[string]interface{}, 0, len(tail)+1)
	for _, k := range tail {
		r := m.daily[k]
		bars = append(bars, map[string]interface{}{
			"date": r.dateStr, "coal_kg_sum": r.coalKgSum, "burn_kgph_avg": r.burnKgphAvg, "power_kw_avg": r.powerKwAvg,
			"burn_kgph_max_5m": r.burnKgphMax5m, "burn_kgph_min_active_5m": optFloatIface(r.burnKgphMinActive5m),
			"power_kw_max_5m": r.powerKwMax5m, "power_kw_min_active_5m": optFloatIface(r.powerKwMinActive5m),
			"coal_kg_max_5m": r.coalKgMax5m, "active_ratio": r.activeRatio,
		})
	}

	if m.haveDayKey && m.dayKey == todayKey {
		seconds := accToday.secondsSum
		coal := accToday.coalKgSum
		energy := accToday.energyKwhSum
		activeRatio := 0.0
		if seconds > 0 {
			activeRatio = accToday.activeSeconds / seconds
		}
		bars = append(bars, map[string]interface{}{
			"date": todayKey, "coal_kg_sum": coal, "burn_kgph_avg": rateKgph(seconds, coal), "power_kw_avg": rateKw(seconds, energy),
			"burn_kgph_max_5m": accToday.burnKgphMax5m, "burn_kgph_min_active_5m": optFloatIface(activeOrNil(accToday.hasActive, accToday.burnKgphMinActive5m)),
			"power_kw_max_5m": accToday.powerKwMax5m, "power_kw_min_active_5m": optFloatIface(activeOrNil(accToday.hasActive, accToday.powerKwMinActive5m)),
			"coal_kg_max_5m": accToday.coalKgMax5m, "active_ratio": activeRatio,
		})
	}

	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars
}

func (m *Module) seasonStartDate(today time.Time) time.Time {
	mm := time.Month(m.cfg.SeasonStartMonth)
	dd := m.cfg.SeasonStartDay
	candidate := time.Date(today.Year(), mm, dd, 0, 0, 0, 0, m.loc)
	if !today.Before(candidate) {
		return candidate
	}
	return time.Date(today.Year()-1, mm, dd, 0, 0, 0, 0, m.loc)
}
