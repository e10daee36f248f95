package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc("foo")
	m.Add("bar", 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE peerlink_relay_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `peerlink_relay_events_total{event="bar"} 2`) {
		t.Fatalf("missing bar counter: %s", body)
	}
	if !strings.Contains(body, `peerlink_relay_events_total{event="foo"} 1`) {
		t.Fatalf("missing foo counter: %s", body)
	}
	// Ensure label escaping matches Prometheus text format rules.
	if !strings.Contains(body, `peerlink_relay_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestPrometheusHandler_Gauges(t *testing.T) {
	m := New()
	live := int64(3)
	h := PrometheusHandler(m, Gauge{
		Name:  "peerlink_relay_sessions",
		Help:  "Sessions currently registered.",
		Value: func() int64 { return live },
	})

	scrape := func() string {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rr.Body.String()
	}

	body := scrape()
	if !strings.Contains(body, "# TYPE peerlink_relay_sessions gauge\npeerlink_relay_sessions 3\n") {
		t.Fatalf("missing gauge: %s", body)
	}
	live = 1
	if body := scrape(); !strings.Contains(body, "peerlink_relay_sessions 1\n") {
		t.Fatalf("gauge not re-read on scrape: %s", body)
	}
}

func TestMetrics_NilRegistryIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(Joins)
	if got := m.Get(Joins); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}

	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
