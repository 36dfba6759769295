// Package aux implements the auxiliary loop: non-critical modules (history
// writer, event log writer, statistics) driven from read-only snapshots,
// never touching hardware. Errors here never affect control.
package aux

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lecztomek/boilerctl/internal/clock"
	"github.com/lecztomek/boilerctl/internal/ledger"
	"github.com/lecztomek/boilerctl/internal/module"
	"github.com/lecztomek/boilerctl/internal/observability"
	"github.com/lecztomek/boilerctl/internal/state"
)

// Runner drives the auxiliary loop.
type Runner struct {
	store   *state.Store
	modules []module.Module
	clk     clock.Clock
	tick    time.Duration
	cursor  uint64
	log     *zap.Logger
	metrics *observability.Metrics
	ledger  *ledger.DB // optional; mirrors published events for GET /api/logs/recent
}

// New constructs a Runner. led may be nil, in which case events are
// published only to the in-memory store.
func New(store *state.Store, modules []module.Module, clk clock.Clock, tick time.Duration, log *zap.Logger, metrics *observability.Metrics, led *ledger.DB) *Runner {
	return &Runner{store: store, modules: modules, clk: clk, tick: tick, log: log, metrics: metrics, ledger: led}
}

// Run blocks, driving one tick every r.tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("aux loop stopping")
			return
		case <-ticker.C:
			r.runTick()
		}
	}
}

func (r *Runner) runTick() {
	nowWall := r.clk.Wall()

	snap := r.store.Snapshot()
	newEvents, newestSeq, overflow := r.store.EventsSince(r.cursor)
	if overflow {
		r.log.Warn("aux loop event cursor overflow; some events were missed", zap.Uint64("cursor", r.cursor))
	}
	r.cursor = newestSeq
	snap.RecentEvents = append(snap.RecentEvents, newEvents...)

	var allEvents []state.Event
	for _, m := range r.modules {
		start := time.Now()
		result, err := m.Tick(nowWall, snap.Sensors, snap)
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
				Source: "aux", Level: state.LevelWarning, Type: "AUX_MODULE_ERROR",
				Message: "aux module tick failed: " + err.Error(),
				TsWall:  nowWall, Data: map[string]interface{}{"module": m.ID()},
			})
		} else {
			status.Health = state.HealthOK
			allEvents = append(allEvents, result.Events...)
			if len(result.Runtime) > 0 {
				r.store.Locked(func(s *state.SystemState) {
					for k, v := range result.Runtime {
						s.Runtime[k] = v
					}
				})
			}
		}

		if r.metrics != nil {
			r.metrics.TickDuration.WithLabelValues("aux", m.ID()).Observe(dur.Seconds())
			r.metrics.ModuleHealth.WithLabelValues(m.ID()).Set(observability.HealthToGauge(string(status.Health)))
		}

		r.store.Locked(func(s *state.SystemState) {
			s.Modules[m.ID()] = status
		})
	}

	for i := range allEvents {
		if allEvents[i].TsWall.IsZero() {
			allEvents[i].TsWall = nowWall
		}
	}
	published := r.store.PublishEvents(allEvents)
	if r.ledger != nil {
		if err := r.ledger.AppendEvents(published); err != nil {
			r.log.Warn("ledger append events failed", zap.Error(err))
		}
	}
}
