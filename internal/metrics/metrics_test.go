package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRouterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRouter(reg)

	m.Dispatched.WithLabelValues("2").Inc()
	m.Dispatched.WithLabelValues("2").Inc()

	if got := testutil.ToFloat64(m.Dispatched.WithLabelValues("2")); got != 2 {
		t.Errorf("dispatched{shard=2} = %v, want 2", got)
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	m := NewDispatcher(reg)
	m.Evictions.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "energyflow_dispatcher_heartbeat_evictions_total 1") {
		t.Errorf("metrics output missing eviction counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing go collector")
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewAggregator(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic registering aggregator metrics twice")
		}
	}()
	NewAggregator(reg)
}
