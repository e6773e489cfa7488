package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsExposure(t *testing.T) {
	RefreshRuns.Inc()
	RefreshErrors.Inc()
	IncAPIRetry("/test")
	IncStreamEvent("post")
	SetRateRemaining("alice", 140)
	ObserveRefreshDuration(time.Now().Add(-1500 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"skylark_refresh_runs_total",
		"skylark_refresh_errors_total",
		"skylark_refresh_duration_seconds",
		"skylark_api_retries_total",
		"skylark_stream_events_total",
		"skylark_rate_remaining",
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
