// Package kernel implements the critical control loop: fixed tick cadence,
// manifest-ordered module invocation, deterministic partial-output merge,
// invariant enforcement, hardware apply, and event publication. Grounded on
// the teacher's worker-goroutine-plus-ticker main loop and its
// graceful-cancellation shutdown discipline.
package kernel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/clock"
	"github.com/lecztomek/boilerctl/internal/hw"
	"github.com/lecztomek/boilerctl/internal/invariant"
	"github.com/lecztomek/boilerctl/internal/ledger"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/observability"
	"github.com/lecztomek/boilerctl/internal/state"
)

// PowerLimits is supplied by the kernel's owner (internal/daemon's
// makePowerLimits) reading the
// currently-configured active power regulator's bounds, so the invariant
// enforcer can validate power_percent without the kernel needing to know
// which concrete regulator is authoritative.
type PowerLimits func(snap state.SystemState) invariant.Limits

// Kernel drives the critical loop.
type Kernel struct {
	store    *state.Store
	hardware hw.Interface
	modules  []module.Module // manifest order; last wins on merge
	clk      clock.Clock
	tick     time.Duration
	enforcer *invariant.Enforcer
	limits   PowerLimits
	log      *zap.Logger
	metrics  *observability.Metrics
	ledger   *ledger.DB // optional; mirrors published events for GET /api/logs/recent
}

// New constructs a Kernel. modules must already be in manifest order:
// power computation, per-actuator modules, manual override, overheat,
// safety last. led may be nil, in which case events are published only to
// the in-memory store.
func New(store *state.Store, hardware hw.Interface, modules []module.Module, clk clock.Clock, tick time.Duration, limits PowerLimits, log *zap.Logger, metrics *observability.Metrics, led *ledger.DB) *Kernel {
	return &Kernel{
		store:    store,
		hardware: hardware,
		modules:  modules,
		clk:      clk,
		tick:     tick,
		enforcer: invariant.New("kernel"),
		limits:   limits,
		log:      log,
		metrics:  metrics,
		ledger:   led,
	}
}

// RunTick drives exactly one tick synchronously and returns the time it took.
// Intended for benchmarking the merge/tick path outside the normal ticker loop.
func (k *Kernel) RunTick() time.Duration {
	start := time.Now()
	k.runTick()
	return time.Since(start)
}

// Run blocks, driving one tick every k.tick until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) {
	ticker := time.NewTicker(k.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.log.Info("kernel loop stopping")
			return
		case <-ticker.C:
			k.runTick()
		}
	}
}

func (k *Kernel) runTick() {
	nowWall := k.clk.Wall()
	nowMono := k.clk.Mono()

	sensors, err := k.hardware.ReadSensors()
	if err != nil {
		k.log.Error("hardware read failed", zap.Error(err))
	}

	k.store.Locked(func(s *state.SystemState) {
		s.TsWall = nowWall
		s.TsMono = nowMono
		s.Sensors = sensors
	})

	snap := k.store.Snapshot()

	var merged state.Outputs
	var allEvents []state.Event

	for _, m := range k.modules {
		start := time.Now()
		result, err := m.Tick(nowWall, sensors, snap)
		dur := time.Since(start)

		status := state.ModuleStatus{
			ID:               m.ID(),
			LastTickDuration: dur,
			LastUpdatedWall:  nowWall,
		}
		if err != nil {
			status.Health = state.HealthError
			status.LastError = err.Error()
			allEvents = append(allEvents, state.Event{
				Source: "kernel", Level: state.LevelError, Type: "MODULE_ERROR",
				Message: "module tick failed: " + err.Error(),
				TsWall:  nowWall, Data: map[string]interface{}{"module": m.ID()},
			})
		} else {
			status.Health = state.HealthOK
			merged = state.Merge(merged, result.Outputs)
			allEvents = append(allEvents, result.Events...)
		}

		if k.metrics != nil {
			k.metrics.TickDuration.WithLabelValues("critical", m.ID()).Observe(dur.Seconds())
			k.metrics.ModuleHealth.WithLabelValues(m.ID()).Set(observability.HealthToGauge(string(status.Health)))
		}

		k.store.Locked(func(s *state.SystemState) {
			s.Modules[m.ID()] = status
		})
	}

	limits := invariant.Limits{MinPower: 0, MaxPower: 100}
	if k.limits != nil {
		limits = k.limits(snap)
	}
	merged, repairEvents := k.enforcer.Enforce(merged, limits)
	allEvents = append(allEvents, repairEvents...)

	for i := range allEvents {
		if allEvents[i].TsWall.IsZero() {
			allEvents[i].TsWall = nowWall
		}
	}

	if err := k.hardware.ApplyOutputs(merged); err != nil {
		k.log.Error("hardware apply failed", zap.Error(err))
		allEvents = append(allEvents, state.Event{
			Source: "kernel", Level: state.LevelError, Type: "HARDWARE_APPLY_FAILED",
			Message: err.Error(), TsWall: nowWall,
		})
	}

	var alarmActive bool
	var alarmMessage string
	for _, e := range allEvents {
		if e.Level == state.LevelAlarm {
			alarmActive = true
			alarmMessage = e.Message
		}
	}

	k.store.Locked(func(s *state.SystemState) {
		s.Outputs = merged
		s.AlarmActive = alarmActive
		if alarmActive {
			s.AlarmMessage = alarmMessage
		} else {
			s.AlarmMessage = ""
		}
	})

	published := k.store.PublishEvents(allEvents)
	if k.ledger != nil {
		if err := k.ledger.AppendEvents(published); err != nil {
			k.log.Warn("ledger append events failed", zap.Error(err))
		}
	}
}
