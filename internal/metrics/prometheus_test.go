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
	if !strings.Contains(body, "# TYPE aero_webrtc_room_relay_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_room_relay_events_total{event="bar"} 2`) {
		t.Fatalf("missing bar counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_room_relay_events_total{event="foo"} 1`) {
		t.Fatalf("missing foo counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_room_relay_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
	if strings.Contains(body, "aero_webrtc_room_relay_gauge") {
		t.Fatalf("unexpected gauge section without gauges: %s", body)
	}
}

func TestPrometheusHandler_ExposesGauges(t *testing.T) {
	m := New()
	rooms := int64(3)
	m.SetGauge("rooms", func() int64 { return rooms })
	m.SetGauge("mux_streams", func() int64 { return 7 })

	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	if !strings.Contains(body, `aero_webrtc_room_relay_gauge{name="rooms"} 3`) {
		t.Fatalf("missing rooms gauge: %s", body)
	}
	if strings.Index(body, `name="mux_streams"`) > strings.Index(body, `name="rooms"`) {
		t.Fatalf("gauges not sorted: %s", body)
	}

	rooms = 1
	m.SetGauge("mux_streams", nil)
	rr = httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body = rr.Body.String()
	if !strings.Contains(body, `aero_webrtc_room_relay_gauge{name="rooms"} 1`) {
		t.Fatalf("gauge not re-sampled: %s", body)
	}
	if strings.Contains(body, "mux_streams") {
		t.Fatalf("removed gauge still exposed: %s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc("x")
	m.SetGauge("g", func() int64 { return 1 })
	if got := m.Get("x"); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
}
