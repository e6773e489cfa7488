// Package metrics exposes prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RefreshRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skylark_refresh_runs_total",
		Help: "Total category refresh runs",
	})
	RefreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skylark_refresh_errors_total",
		Help: "Total category refresh errors",
	})
	RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "skylark_refresh_duration_seconds",
		Help:    "Category refresh duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skylark_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	StreamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skylark_stream_events_total",
		Help: "Total decoded stream events",
	}, []string{"kind"})
	StreamFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skylark_stream_faults_total",
		Help: "Total stream connection faults",
	})
	StreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skylark_stream_reconnects_total",
		Help: "Total stream reconnect attempts",
	})
	RateRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skylark_rate_remaining",
		Help: "Most recently observed remaining API calls per account",
	}, []string{"account"})
)

func init() {
	prometheus.MustRegister(RefreshRuns, RefreshErrors, RefreshDuration,
		APIRetries, StreamEvents, StreamFaults, StreamReconnects, RateRemaining)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveRefreshDuration records one refresh run duration.
func ObserveRefreshDuration(start time.Time) {
	RefreshDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

// IncStreamEvent increments the decoded-event counter for a kind.
func IncStreamEvent(kind string) { StreamEvents.WithLabelValues(kind).Inc() }

// SetRateRemaining records the latest remaining quota for an account.
func SetRateRemaining(account string, remaining int) {
	RateRemaining.WithLabelValues(account).Set(float64(remaining))
}
