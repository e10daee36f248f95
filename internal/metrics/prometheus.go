package metrics

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

const eventsMetric = "peerlink_relay_events_total"

// Gauge is a point-in-time value read on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int64
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler serves the counters as one labelled counter family
// followed by each gauge under its own name, in Prometheus text format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Session relay event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		for _, k := range slices.Sorted(maps.Keys(snap)) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, labelEscaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}
