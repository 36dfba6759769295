// Package daemon wires every subsystem into a running controller process:
// module construction from the manifest, hardware backend selection,
// metrics and HTTP servers, the critical and auxiliary loops, and the
// signal-driven reload/shutdown lifecycle. cmd/boilerd and cmd/boilersim
// are both thin flag-parsing wrappers around Run, the sim variant simply
// forcing cfg.Hardware.Backend to "sim" before calling it - the same split
// the teacher draws between its full agent binary and its standalone
// simulator, generalized here since the controller logic itself is fully
// shared between the production and simulated variants.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/appconfig"
	"github.com/lecztomek/boilerctl/internal/aux"
	"github.com/lecztomek/boilerctl/internal/clock"
	"github.com/lecztomek/boilerctl/internal/control"
	"github.com/lecztomek/boilerctl/internal/eventbus"
	"github.com/lecztomek/boilerctl/internal/eventlog"
	"github.com/lecztomek/boilerctl/internal/history"
	"github.com/lecztomek/boilerctl/internal/httpapi"
	"github.com/lecztomek/boilerctl/internal/hw"
	"github.com/lecztomek/boilerctl/internal/hw/serial"
	"github.com/lecztomek/boilerctl/internal/hw/sim"
	"github.com/lecztomek/boilerctl/internal/invariant"
	"github.com/lecztomek/boilerctl/internal/kernel"
	"github.com/lecztomek/boilerctl/internal/ledger"
	"github.com/lecztomek/boilerctl/internal/manifest"
	"github.com/lecztomek/boilerctl/internal/modcfg"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/observability"
	"github.com/lecztomek/boilerctl/internal/ratelimit"
	"github.com/lecztomek/boilerctl/internal/state"
	"github.com/lecztomek/boilerctl/internal/stats"

	_ "github.com/lecztomek/boilerctl/internal/control/fuzzy"
	_ "github.com/lecztomek/boilerctl/internal/control/neurofuzzy"
	_ "github.com/lecztomek/boilerctl/internal/control/pi"
	_ "github.com/lecztomek/boilerctl/internal/control/predictive"

	"github.com/lecztomek/boilerctl/internal/control/blower"
	"github.com/lecztomek/boilerctl/internal/control/feeder"
	"github.com/lecztomek/boilerctl/internal/control/ignition"
	"github.com/lecztomek/boilerctl/internal/control/manual"
	"github.com/lecztomek/boilerctl/internal/control/mixer"
	"github.com/lecztomek/boilerctl/internal/control/overheat"
	"github.com/lecztomek/boilerctl/internal/control/pumps"
	"github.com/lecztomek/boilerctl/internal/control/safety"
)

// Run builds every subsystem from cfg, then blocks until SIGINT or SIGTERM
// arrives. A construction failure (bad manifest,
// unreachable hardware) is returned, not fatal-exited, so callers keep
// control of the process exit code.
func Run(cfg appconfig.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led, err := ledger.Open(cfg.Storage.LedgerDBPath)
	if err != nil {
		return fmt.Errorf("ledger open: %w", err)
	}
	defer led.Close() //nolint:errcheck
	log.Info("ledger opened", zap.String("path", cfg.Storage.LedgerDBPath))

	man, err := manifest.Load(cfg.Storage.ManifestPath)
	if err != nil {
		return fmt.Errorf("manifest load: %w", err)
	}

	criticalModules, auxModules, moduleByID, moduleDirs, err := buildModules(cfg, man, log)
	if err != nil {
		return fmt.Errorf("module construction: %w", err)
	}
	log.Info("modules built",
		zap.Int("critical", len(criticalModules)),
		zap.Int("auxiliary", len(auxModules)),
		zap.Int("total", len(moduleByID)),
	)

	activeRegulator := findActiveRegulator(criticalModules)
	powerLimits := makePowerLimits(activeRegulator)

	hardware, err := openHardware(cfg, log)
	if err != nil {
		return fmt.Errorf("hardware open: %w", err)
	}
	defer hardware.Close() //nolint:errcheck
	log.Info("hardware backend opened", zap.String("backend", cfg.Hardware.Backend))

	metrics := observability.NewMetrics()
	bus := eventbus.New(1000, metrics.EventsDropped, metrics.EventsOverflow)
	store := state.NewStore(bus)

	restoreRegulatorState(store, hardware, activeRegulator, log)

	go func() {
		if err := metrics.Serve(ctx, cfg.Observability.MetricsListenAddr, log); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsListenAddr))

	limiter := ratelimit.New(cfg.HTTP.RateLimitPerMin, cfg.HTTP.RateLimitPeriod)
	apiSrv := httpapi.New(store, moduleByID, moduleDirs, led, limiter, log, metrics)
	go func() {
		if err := serveHTTP(ctx, cfg.HTTP.ListenAddr, apiSrv.Handler(), log); err != nil {
			log.Error("http api server error", zap.Error(err))
		}
	}()
	log.Info("http api server started", zap.String("addr", cfg.HTTP.ListenAddr))

	sysClock := clock.NewSystem()
	krn := kernel.New(store, hardware, criticalModules, sysClock, cfg.Loops.CriticalTick, powerLimits, log, metrics, led)
	auxRunner := aux.New(store, auxModules, sysClock, cfg.Loops.AuxiliaryTick, log, metrics, led)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		krn.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		auxRunner.Run(ctx)
	}()
	log.Info("critical and auxiliary loops started",
		zap.Duration("critical_tick", cfg.Loops.CriticalTick),
		zap.Duration("auxiliary_tick", cfg.Loops.AuxiliaryTick),
	)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading module configuration...")
			for id, m := range moduleByID {
				if err := m.ReloadConfig(); err != nil {
					log.Error("module config reload failed", zap.String("module", id), zap.Error(err))
				}
			}
			log.Info("module configuration reload complete")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info("loops stopped")
	case <-time.After(5 * time.Second):
		log.Warn("shutdown drain timeout — forcing exit")
	}

	log.Info("boilerd shutdown complete")
	return nil
}

func makePowerLimits(reg control.Regulator) kernel.PowerLimits {
	if reg == nil {
		return func(state.SystemState) invariant.Limits {
			return invariant.Limits{MinPower: 0, MaxPower: 100}
		}
	}
	return func(state.SystemState) invariant.Limits {
		min, max := reg.Limits()
		return invariant.Limits{MinPower: min, MaxPower: max}
	}
}

// serveHTTP runs the JSON API server until ctx is cancelled, mirroring the
// graceful-shutdown shape of internal/observability.Metrics.Serve.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http api server shutdown error", zap.Error(err))
		}
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func openHardware(cfg appconfig.Config, log *zap.Logger) (hw.Interface, error) {
	switch cfg.Hardware.Backend {
	case "serial":
		return serial.Open(cfg.Hardware.DevicePath)
	case "sim":
		log.Warn("running against the in-process simulator, not real hardware")
		return sim.New(time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("unknown hardware backend %q", cfg.Hardware.Backend)
	}
}

// fixedFactory builds a non-regulator module given its manifest directory.
type fixedFactory func(dir string, values modcfg.Values, log *zap.Logger) (module.Module, error)

var fixedModules = map[string]fixedFactory{
	"feeder":         func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return feeder.New(d, v, l) },
	"blower":         func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return blower.New(d, v, l) },
	"pumps":          func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return pumps.New(d, v, l) },
	"mixer":          func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return mixer.New(d, v, l) },
	"manual":         func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return manual.New(d, v, l) },
	"overheat":       func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return overheat.New(d, v, l) },
	"safety":         func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return safety.New(d, v, l) },
	"power_ignition": func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return ignition.New(d, v, l) },
	"history":        func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return history.New(d, v, l) },
	"eventlog":       func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return eventlog.New(d, v, l) },
	"stats":          func(d string, v modcfg.Values, l *zap.Logger) (module.Module, error) { return stats.New(d, v, l) },
}

// buildModules constructs every enabled manifest entry in manifest order,
// trying the fixed-module table first and the pluggable WORK regulator
// registry second, so a manifest entry whose id matches a registered
// control.Factory (e.g. "power_work_pi") needs no change here to add a new
// regulator strategy.
func buildModules(cfg appconfig.Config, man manifest.Manifest, log *zap.Logger) (critical, auxiliary []module.Module, byID map[string]module.Module, dirs map[string]string, err error) {
	byID = make(map[string]module.Module)
	dirs = make(map[string]string)

	build := func(e manifest.Entry) (module.Module, error) {
		dir := filepath.Join(cfg.Storage.ModulesDir, e.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("module %q: create dir %s: %w", e.ID, dir, err)
		}
		values, err := modcfg.LoadValues(dir)
		if err != nil {
			return nil, fmt.Errorf("module %q: load values: %w", e.ID, err)
		}
		mlog := log.With(zap.String("module", e.ID))

		if f, ok := fixedModules[e.ID]; ok {
			m, err := f(dir, values, mlog)
			if err != nil {
				return nil, fmt.Errorf("module %q: construct: %w", e.ID, err)
			}
			dirs[e.ID] = dir
			return m, nil
		}

		reg, err := control.Build(e.ID, dir, values, mlog)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", e.ID, err)
		}
		dirs[e.ID] = dir
		return reg, nil
	}

	for _, e := range man.Critical() {
		m, err := build(e)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		critical = append(critical, m)
		byID[e.ID] = m
	}
	for _, e := range man.Auxiliary() {
		if existing, ok := byID[e.ID]; ok {
			// A module id already built for the critical loop is not built
			// again: the same instance is also run by the auxiliary loop.
			auxiliary = append(auxiliary, existing)
			continue
		}
		m, err := build(e)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		auxiliary = append(auxiliary, m)
		byID[e.ID] = m
	}

	if len(critical) == 0 {
		return nil, nil, nil, nil, fmt.Errorf("manifest has no enabled critical modules")
	}
	return critical, auxiliary, byID, dirs, nil
}

// defaultStateMaxAgeS and defaultStateMaxTempDeltaC bound how stale (and how
// far the boiler may have drifted) a persisted regulator state file may be
// before restoreRegulatorState discards it at startup. They are passed only to
// a TryRestore that takes the bounds as arguments (the predictive regulator);
// the PI regulator applies its own state_max_age_s/state_max_temp_delta_c.
const (
	defaultStateMaxAgeS       = 900
	defaultStateMaxTempDeltaC = 5
)

// restoreRegulatorState attempts a one-shot sensor read and offers it to the
// active regulator's TryRestore, if it implements one, so a PI or predictive
// regulator resumes its integrator/model state across a restart instead of
// bumping on the first WORK tick. Failure is logged, never fatal: starting
// cold is always safe, just less smooth. A skipped restore is also published
// as a STATE_RESTORE_SKIPPED event, not just logged, so it is visible via
// /api/logs/recent and the eventlog/ledger like any other system event.
func restoreRegulatorState(store *state.Store, hardware hw.Interface, reg control.Regulator, log *zap.Logger) {
	if reg == nil {
		return
	}
	sensors, err := hardware.ReadSensors()
	if err != nil {
		log.Warn("initial sensor read for regulator restore failed", zap.Error(err))
		return
	}

	now := time.Now()
	switch m := reg.(type) {
	case interface {
		TryRestore(time.Time, *float64) (bool, string, error)
	}:
		restored, reason, err := m.TryRestore(now, sensors.BoilerTempC)
		logRestoreOutcome(store, log, reg.ID(), now, restored, reason, err)
	case interface {
		TryRestore(time.Time, *float64, float64, float64) (bool, string, error)
	}:
		restored, reason, err := m.TryRestore(now, sensors.BoilerTempC, defaultStateMaxAgeS, defaultStateMaxTempDeltaC)
		logRestoreOutcome(store, log, reg.ID(), now, restored, reason, err)
	}
}

func logRestoreOutcome(store *state.Store, log *zap.Logger, id string, nowWall time.Time, restored bool, reason string, err error) {
	if err != nil {
		log.Warn("regulator state restore failed", zap.String("module", id), zap.Error(err))
		return
	}
	if restored {
		log.Info("regulator state restored", zap.String("module", id))
		return
	}
	log.Info("regulator state restore skipped", zap.String("module", id), zap.String("reason", reason))
	if reason == "" {
		return
	}
	store.PublishEvents([]state.Event{{
		Source:  id,
		Level:   state.LevelInfo,
		Type:    "STATE_RESTORE_SKIPPED",
		Message: reason,
		TsWall:  nowWall,
		Data:    map[string]interface{}{"module": id},
	}})
}

// findActiveRegulator returns the single control.Regulator among the
// critical-loop modules, if any - the manifest is expected to enable
// exactly one WORK power strategy at a time.
func findActiveRegulator(modules []module.Module) control.Regulator {
	for _, m := range modules {
		if reg, ok := m.(control.Regulator); ok {
			return reg
		}
	}
	return nil
}
