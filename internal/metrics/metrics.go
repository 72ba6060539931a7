// Package metrics exposes Prometheus counters/gauges for the relay's core
// subsystems. Metrics are constructed and registered explicitly on a
// private registry rather than through promauto's package-level globals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry bundles every metric the relay records, so callers pass one
// value around instead of importing package-level globals.
type Registry struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsRejected prometheus.Counter

	TweetsConsumed  prometheus.Counter
	TweetsDelivered prometheus.Counter
	TweetsDropped   prometheus.Counter // defensive filter drop, spec.md §4.1

	BusLagEvents prometheus.Counter

	ConsumerRestarts  *prometheus.CounterVec // label: error_class
	BackoffExponent   prometheus.Gauge
	ConsumerRunning   prometheus.Gauge
	InterestMapSize   prometheus.Gauge

	registry *prometheus.Registry
}

// New builds and registers all metrics in a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tp_sessions_active",
			Help: "Current number of open client sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tp_sessions_total",
			Help: "Total client sessions accepted.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tp_sessions_rejected_total",
			Help: "Connections rejected by the resource guard.",
		}),
		TweetsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tp_tweets_consumed_total",
			Help: "Tweets received from the upstream Consumer.",
		}),
		TweetsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tp_tweets_delivered_total",
			Help: "Tweets forwarded to at least one client session.",
		}),
		TweetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tp_tweets_dropped_total",
			Help: "Tweets whose author FID was outside the current filter and were defensively dropped.",
		}),
		BusLagEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tp_bus_lag_events_total",
			Help: "Times a session's bus receiver fell behind and skipped ahead.",
		}),
		ConsumerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tp_consumer_restarts_total",
			Help: "Consumer restarts by terminating error class.",
		}, []string{"error_class"}),
		BackoffExponent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tp_backoff_exponent",
			Help: "Current backoff exponent b.",
		}),
		ConsumerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tp_consumer_running",
			Help: "1 if an upstream Consumer is currently running, else 0.",
		}),
		InterestMapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tp_interest_map_size",
			Help: "Number of distinct FIDs currently followed.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		r.SessionsActive, r.SessionsTotal, r.SessionsRejected,
		r.TweetsConsumed, r.TweetsDelivered, r.TweetsDropped,
		r.BusLagEvents, r.ConsumerRestarts, r.BackoffExponent,
		r.ConsumerRunning, r.InterestMapSize,
	)

	return r
}

// Serve starts a blocking HTTP server exposing /metrics on addr. Intended
// to be run in its own goroutine; returns when the listener fails or is
// closed.
func (r *Registry) Serve(addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	return srv.ListenAndServe()
}
