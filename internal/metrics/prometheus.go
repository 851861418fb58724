package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters are exposed as one metric with an `event` label and gauges as one
// metric with a `name` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP aero_webrtc_room_relay_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE aero_webrtc_room_relay_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "aero_webrtc_room_relay_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}

		gauges := m.sampleGauges()
		if len(gauges) == 0 {
			return
		}
		_, _ = fmt.Fprintln(w, "# HELP aero_webrtc_room_relay_gauge Point-in-time resource counts.")
		_, _ = fmt.Fprintln(w, "# TYPE aero_webrtc_room_relay_gauge gauge")
		for _, g := range gauges {
			_, _ = fmt.Fprintf(w, "aero_webrtc_room_relay_gauge{name=\"%s\"} %d\n", labelEscaper.Replace(g.name), g.value)
		}
	})
}
