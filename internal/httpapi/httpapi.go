// Package httpapi exposes the operator/GUI JSON surface over net/http:
// current state, mode and manual-output commands, per-module configuration,
// and read access to the history/event-log/stats CSV archives. Mutating
// routes are gated by a internal/ratelimit token bucket.
package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/ledger"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/observability"
	"github.com/lecztomek/boilerctl/internal/ratelimit"
	"github.com/lecztomek/boilerctl/internal/state"
)

// Server holds everything the HTTP handlers need: the shared state store,
// every registered module keyed by manifest id (for config and reload
// routes), and the on-disk directories the CSV archive readers scan.
type Server struct {
	store   *state.Store
	modules map[string]module.Module
	dirs    map[string]string // module id -> its manifest directory
	ledger  *ledger.DB
	limiter *ratelimit.Bucket
	log     *zap.Logger
	metrics *observability.Metrics
}

// New constructs a Server. dirs maps each module id to the directory its
// New(dir, ...) constructor was given, so handlers can locate values.yaml
// and the module's configured log_dir for archive reads.
func New(store *state.Store, modules map[string]module.Module, dirs map[string]string, ledgerDB *ledger.DB, limiter *ratelimit.Bucket, log *zap.Logger, metrics *observability.Metrics) *Server {
	return &Server{store: store, modules: modules, dirs: dirs, ledger: ledgerDB, limiter: limiter, log: log, metrics: metrics}
}

// Handler builds the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state/current", s.handleStateCurrent)
	mux.HandleFunc("POST /api/state/mode/{name}", s.rateLimited(s.handleSetMode))

	mux.HandleFunc("GET /api/manual/current", s.handleManualCurrent)
	mux.HandleFunc("POST /api/manual/outputs", s.rateLimited(s.handleManualOutputs))

	mux.HandleFunc("GET /api/config/modules", s.handleConfigModules)
	mux.HandleFunc("GET /api/config/schema/{id}", s.handleConfigSchema)
	mux.HandleFunc("GET /api/config/values/{id}", s.handleConfigValuesGet)
	mux.HandleFunc("PUT /api/config/values/{id}", s.rateLimited(s.handleConfigValuesPut))

	mux.HandleFunc("GET /api/history/data", s.handleHistoryData)
	mux.HandleFunc("GET /api/history/fields", s.handleHistoryFields)

	mux.HandleFunc("GET /api/logs/data", s.handleLogsData)
	mux.HandleFunc("GET /api/logs/recent", s.handleLogsRecent)
	mux.HandleFunc("GET /api/logs/fields", s.handleLogsFields)

	mux.HandleFunc("GET /api/stats/data", s.handleStatsData)
	mux.HandleFunc("GET /api/stats/series", s.handleStatsSeries)
	mux.HandleFunc("GET /api/stats/daily", s.handleStatsDaily)

	return s.withMetrics(mux)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(r.URL.Path, statusClass(rw.status)).Inc()
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------- state / mode ----------

type stateDTO struct {
	TsWall       time.Time                      `json:"ts_wall"`
	TsMonoS      float64                        `json:"ts_mono_seconds"`
	Sensors      state.Sensors                  `json:"sensors"`
	Outputs      state.Outputs                  `json:"outputs"`
	Mode         state.BoilerMode               `json:"mode"`
	AlarmActive  bool                           `json:"alarm_active"`
	AlarmMessage string                         `json:"alarm_message,omitempty"`
	Modules      map[string]state.ModuleStatus  `json:"modules"`
	RecentEvents []state.Event                  `json:"recent_events"`
	Runtime      map[string]interface{}         `json:"runtime,omitempty"`
	Manual       state.ManualOverrideState      `json:"manual"`
}

func toDTO(snap state.SystemState) stateDTO {
	return stateDTO{
		TsWall: snap.TsWall, TsMonoS: snap.TsMono.Seconds(),
		Sensors: snap.Sensors, Outputs: snap.Outputs, Mode: snap.Mode,
		AlarmActive: snap.AlarmActive, AlarmMessage: snap.AlarmMessage,
		Modules: snap.Modules, RecentEvents: snap.RecentEvents,
		Runtime: snap.Runtime, Manual: snap.Manual,
	}
}

func (s *Server) handleStateCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDTO(s.store.Snapshot()))
}

var validModes = map[state.BoilerMode]bool{
	state.ModeOff: true, state.ModeIgnition: true, state.ModeWork: true, state.ModeManual: true,
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	name := state.BoilerMode(strings.ToUpper(r.PathValue("name")))
	if !validModes[name] {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown mode %q", r.PathValue("name")))
		return
	}
	s.store.Locked(func(st *state.SystemState) {
		st.Mode = name
	})
	writeJSON(w, http.StatusOK, toDTO(s.store.Snapshot()))
}

// ---------- manual ----------

func (s *Server) handleManualCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().Manual)
}

type manualPatch struct {
	FanPower   *int  `json:"fan_power"`
	Feeder     *bool `json:"feeder"`
	PumpCO     *bool `json:"pump_co"`
	PumpDHW    *bool `json:"pump_dhw"`
	MixerOpen  *bool `json:"mixer_open"`
	MixerClose *bool `json:"mixer_close"`
}

func (s *Server) handleManualOutputs(w http.ResponseWriter, r *http.Request) {
	var patch manualPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	snap := s.store.Snapshot()
	if snap.Mode != state.ModeManual {
		writeError(w, http.StatusUnprocessableEntity, "manual outputs may only be set while mode == MANUAL")
		return
	}

	next := snap.Manual
	if patch.FanPower != nil {
		next.FanPower = *patch.FanPower
	}
	if patch.Feeder != nil {
		next.Feeder = *patch.Feeder
	}
	if patch.PumpCO != nil {
		next.PumpCO = *patch.PumpCO
	}
	if patch.PumpDHW != nil {
		next.PumpDHW = *patch.PumpDHW
	}
	if patch.MixerOpen != nil {
		next.MixerOpen = *patch.MixerOpen
	}
	if patch.MixerClose != nil {
		next.MixerClose = *patch.MixerClose
	}
	if next.MixerOpen && next.MixerClose {
		writeError(w, http.StatusUnprocessableEntity, "mixer_open and mixer_close cannot both be true")
		return
	}

	s.store.Locked(func(st *state.SystemState) {
		next.UpdatedAt = time.Now()
		st.Manual = next
	})
	writeJSON(w, http.StatusOK, s.store.Snapshot().Manual)
}

// ---------- config ----------

func (s *Server) handleConfigModules(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.modules))
	for id := range s.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]interface{}{"modules": ids})
}

func (s *Server) moduleByID(w http.ResponseWriter, r *http.Request) (module.Module, bool) {
	id := r.PathValue("id")
	m, ok := s.modules[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown module %q", id))
		return nil, false
	}
	return m, true
}

func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	m, ok := s.moduleByID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Schema())
}

func (s *Server) handleConfigValuesGet(w http.ResponseWriter, r *http.Request) {
	m, ok := s.moduleByID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Values())
}

func (s *Server) handleConfigValuesPut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := s.modules[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown module %q", id))
		return
	}
	dir, ok := s.dirs[id]
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("no directory registered for module %q", id))
		return
	}

	var values modcfg.Values
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := m.Schema().Validate(values); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	merged := m.Schema().WithDefaults(values)
	if err := modcfg.SaveValues(dir, merged); err != nil {
		writeError(w, http.StatusInternalServerError, "persist values: "+err.Error())
		return
	}
	if err := m.ReloadConfig(); err != nil {
		writeError(w, http.StatusInternalServerError, "reload config: "+err.Error())
		return
	}

	s.log.Info("module config updated", zap.String("module", id))
	writeJSON(w, http.StatusOK, m.Values())
}

// ---------- archive readers shared by history/logs/stats ----------

// readCSVDir reads every file in dir matching prefix_*.csv, sorted by
// filename (which sorts chronologically given the YYYYMMDD[_HH] suffix
// convention every archive writer in this repo uses), and returns a single
// header plus the concatenation of all data rows.
func readCSVDir(dir, prefix string) (header []string, rows [][]string, err error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix+"_") && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", name, err)
		}
		cr := csv.NewReader(f)
		cr.Comma = ';'
		records, err := cr.ReadAll()
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if len(records) == 0 {
			continue
		}
		if header == nil {
			header = records[0]
		}
		rows = append(rows, records[1:]...)
	}
	return header, rows, nil
}

// moduleLogDir resolves the on-disk directory a module is currently
// configured to write its archive into (its manifest dir plus its own
// log_dir config value), rather than assuming the default, since that value
// can be changed live via PUT /api/config/values/{id}.
func (s *Server) moduleLogDir(id string) (string, bool) {
	m, ok := s.modules[id]
	if !ok {
		return "", false
	}
	dir, ok := s.dirs[id]
	if !ok {
		return "", false
	}
	logDir := "data"
	if v, ok := m.Values()["log_dir"].(string); ok && v != "" {
		logDir = v
	}
	return filepath.Join(dir, logDir), true
}

func projectRow(header, row []string, fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		for i, h := range header {
			if h == f && i < len(row) {
				out[f] = row[i]
				break
			}
		}
	}
	return out
}

func rowsToMaps(rows [][]string, headerCols []string, fields []string) []map[string]string {
	if len(fields) == 0 {
		fields = headerCols
	}
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, projectRow(headerCols, row, fields))
	}
	return out
}

func parseFields(r *http.Request) []string {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// filterByTsColumn keeps only rows whose tsColumn value (as a unix-seconds
// float) falls within [fromTs, toTs]; a zero bound is treated as unbounded.
func filterByTsColumn(header, rows [][]string, tsColumn string, fromTs, toTs float64) [][]string {
	idx := -1
	for i, h := range header[0] {
		if h == tsColumn {
			idx = i
			break
		}
	}
	if idx < 0 {
		return rows
	}
	var out [][]string
	for _, row := range rows {
		if idx >= len(row) {
			continue
		}
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			continue
		}
		if fromTs > 0 && v < fromTs {
			continue
		}
		if toTs > 0 && v > toTs {
			continue
		}
		out = append(out, row)
	}
	return out
}

func parseTsParam(r *http.Request, key string) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

// ---------- history ----------

var historyFields = []string{"data_czas", "temp_pieca", "power", "temp_grzejnikow", "temp_spalin", "tryb_pracy"}

func (s *Server) handleHistoryFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"fields": historyFields})
}

func (s *Server) handleHistoryData(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.moduleLogDir("history")
	if !ok {
		writeError(w, http.StatusNotFound, "history module not registered")
		return
	}
	header, rows, err := readCSVDir(dir, "boiler")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if header == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"rows": []map[string]string{}})
		return
	}
	from, to := parseTsParam(r, "from_ts"), parseTsParam(r, "to_ts")
	// data_czas is an ISO string, not epoch seconds; history rows carry no
	// dedicated epoch column, so range filtering parses it directly here.
	rows = filterHistoryByTs(header, rows, from, to)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows": rowsToMaps(rows, header, parseFields(r)),
	})
}

func filterHistoryByTs(header []string, rows [][]string, fromTs, toTs float64) [][]string {
	if fromTs == 0 && toTs == 0 {
		return rows
	}
	idx := -1
	for i, h := range header {
		if h == "data_czas" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return rows
	}
	var out [][]string
	for _, row := range rows {
		if idx >= len(row) {
			continue
		}
		t, err := time.Parse("2006-01-02T15:04:05", row[idx])
		if err != nil {
			continue
		}
		ts := float64(t.Unix())
		if fromTs > 0 && ts < fromTs {
			continue
		}
		if toTs > 0 && ts > toTs {
			continue
		}
		out = append(out, row)
	}
	return out
}

// ---------- logs ----------

var logFields = []string{"data_czas", "ts_epoch", "level", "source", "type", "message", "data_json"}

func (s *Server) handleLogsFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"fields": logFields})
}

func (s *Server) handleLogsData(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.moduleLogDir("eventlog")
	if !ok {
		writeError(w, http.StatusNotFound, "eventlog module not registered")
		return
	}
	header, rows, err := readCSVDir(dir, "events")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if header == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"rows": []map[string]string{}})
		return
	}
	from, to := parseTsParam(r, "from_ts"), parseTsParam(r, "to_ts")
	rows = filterByTsColumn([][]string{header}, rows, "ts_epoch", from, to)

	level := r.URL.Query().Get("level")
	source := r.URL.Query().Get("source")
	typ := r.URL.Query().Get("type")
	rows = filterLogRows(header, rows, level, source, typ)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows": rowsToMaps(rows, header, parseFields(r)),
	})
}

func filterLogRows(header []string, rows [][]string, level, source, typ string) [][]string {
	if level == "" && source == "" && typ == "" {
		return rows
	}
	idxOf := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		return -1
	}
	li, si, ti := idxOf("level"), idxOf("source"), idxOf("type")
	var out [][]string
	for _, row := range rows {
		if level != "" && (li < 0 || row[li] != level) {
			continue
		}
		if source != "" && (si < 0 || row[si] != source) {
			continue
		}
		if typ != "" && (ti < 0 || row[ti] != typ) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var events []state.Event
	if s.ledger != nil {
		ev, err := s.ledger.RecentEvents(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		events = ev
	} else {
		events = s.store.Snapshot().RecentEvents
	}

	level := r.URL.Query().Get("level")
	source := r.URL.Query().Get("source")
	typ := r.URL.Query().Get("type")
	var out []state.Event
	for _, e := range events {
		if level != "" && string(e.Level) != level {
			continue
		}
		if source != "" && e.Source != source {
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// ---------- stats ----------

func (s *Server) handleStatsData(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	payload, _ := snap.Runtime["stats"].(map[string]interface{})
	if payload == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	fields := parseFields(r)
	if len(fields) == 0 {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		out[f] = payload[f]
	}
	writeJSON(w, http.StatusOK, out)
}

var stats5mFields = []string{"ts_end_iso", "ts_end_unix", "seconds", "coal_kg", "energy_kwh", "burn_kgph", "power_kw"}

func (s *Server) handleStatsSeries(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.moduleLogDir("stats")
	if !ok {
		writeError(w, http.StatusNotFound, "stats module not registered")
		return
	}
	header, rows, err := readCSVDir(dir, "stats5m")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if header == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"rows": []map[string]string{}})
		return
	}
	from, to := parseTsParam(r, "from_ts"), parseTsParam(r, "to_ts")
	rows = filterByTsColumn([][]string{header}, rows, "ts_end_unix", from, to)

	fields := parseFields(r)
	if len(fields) == 0 {
		fields = stats5mFields
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows": rowsToMaps(rows, header, fields),
	})
}

var statsDailyFields = []string{
	"date", "seconds_sum", "coal_kg_sum", "energy_kwh_sum",
	"burn_kgph_avg", "power_kw_avg", "active_seconds", "active_ratio",
	"burn_kgph_max_5m", "burn_kgph_min_active_5m",
	"power_kw_max_5m", "power_kw_min_active_5m", "coal_kg_max_5m",
}

func (s *Server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	m, ok := s.modules["stats"]
	dir, dirOK := s.dirs["stats"]
	if !ok || !dirOK {
		writeError(w, http.StatusNotFound, "stats module not registered")
		return
	}
	logDir := "data"
	dailyFile := "stats_daily.csv"
	if v, ok := m.Values()["log_dir"].(string); ok && v != "" {
		logDir = v
	}
	if v, ok := m.Values()["daily_file"].(string); ok && v != "" {
		dailyFile = v
	}

	path := filepath.Join(dir, logDir, dailyFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"rows": []map[string]string{}})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = ';'
	records, err := cr.ReadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(records) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"rows": []map[string]string{}})
		return
	}
	header, rows := records[0], records[1:]

	fromDate := r.URL.Query().Get("from_date")
	toDate := r.URL.Query().Get("to_date")
	rows = filterDailyByDate(header, rows, fromDate, toDate)

	fields := parseFields(r)
	if len(fields) == 0 {
		fields = statsDailyFields
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows": rowsToMaps(rows, header, fields),
	})
}

func filterDailyByDate(header []string, rows [][]string, fromDate, toDate string) [][]string {
	if fromDate == "" && toDate == "" {
		return rows
	}
	idx := -1
	for i, h := range header {
		if h == "date" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return rows
	}
	var out [][]string
	for _, row := range rows {
		if idx >= len(row) {
			continue
		}
		d := row[idx]
		if fromDate != "" && d < fromDate {
			continue
		}
		if toDate != "" && d > toDate {
			continue
		}
		out = append(out, row)
	}
	return out
}
