package metrics

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

const metricName = "vakeel_signal_events_total"

// PrometheusHandler exposes every counter as one Prometheus counter with an
// `event` label, in the text exposition format.
func PrometheusHandler(m *Metrics) http.Handler {
	escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := slices.Sorted(maps.Keys(snap))

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signaling hub event counters.\n", metricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", metricName)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", metricName, escaper.Replace(k), snap[k])
		}
	})
}
