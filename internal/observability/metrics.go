// Package observability exposes Prometheus metrics on a dedicated (non
// default) registry plus a health endpoint, mirroring the teacher's own
// metrics server construction.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every counter/gauge/histogram this daemon publishes.
type Metrics struct {
	registry *prometheus.Registry

	TickDuration      *prometheus.HistogramVec
	ModuleHealth      *prometheus.GaugeVec
	EventsDropped     prometheus.Counter
	EventsOverflow    prometheus.Counter
	MixerPulses       *prometheus.CounterVec
	StatsBucketsClosed prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	UptimeSeconds     prometheus.Gauge

	startedAt time.Time
}

// NewMetrics constructs and registers every metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boilerctl",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one module Tick call.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"loop", "module"}),
		ModuleHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "boilerctl",
			Name:      "module_health",
			Help:      "Module health: 0=OK 1=WARNING 2=ERROR 3=DISABLED.",
		}, []string{"module"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boilerctl",
			Name:      "eventbus_dropped_total",
			Help:      "Events evicted from the ring buffer before being consumed.",
		}),
		EventsOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boilerctl",
			Name:      "eventbus_overflow_total",
			Help:      "Times a consumer's cursor fell behind the ring buffer's retained history.",
		}),
		MixerPulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boilerctl",
			Name:      "mixer_pulses_total",
			Help:      "Mixer pulses issued, by direction.",
		}, []string{"direction"}),
		StatsBucketsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boilerctl",
			Name:      "stats_buckets_closed_total",
			Help:      "5-minute statistics buckets closed.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boilerctl",
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status class.",
		}, []string{"route", "status"}),
		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boilerctl",
			Name:      "uptime_seconds",
			Help:      "Seconds since the daemon started.",
		}),
		startedAt: time.Now(),
	}

	reg.MustRegister(
		m.TickDuration, m.ModuleHealth, m.EventsDropped, m.EventsOverflow,
		m.MixerPulses, m.StatsBucketsClosed, m.HTTPRequests, m.UptimeSeconds,
	)
	return m
}

// HealthToGauge maps a module.Health-like string to the gauge encoding used
// by ModuleHealth, kept local to avoid an import cycle with internal/state.
func HealthToGauge(health string) float64 {
	switch health {
	case "OK":
		return 0
	case "WARNING":
		return 1
	case "ERROR":
		return 2
	case "DISABLED":
		return 3
	default:
		return -1
	}
}

// Serve runs the metrics + health HTTP server until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UptimeSeconds.Set(time.Since(m.startedAt).Seconds())
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", zap.Error(err))
		}
	}()

	log.Info("metrics server listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
