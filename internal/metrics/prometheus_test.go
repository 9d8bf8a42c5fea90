package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCountersSorted(t *testing.T) {
	m := New()
	m.Inc(RoomsCreated)
	m.Inc(ClientsConnected)
	m.Inc(ClientsConnected)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	connected := `parley_events_total{event="clients_connected"} 2`
	created := `parley_events_total{event="rooms_created"} 1`
	if !strings.Contains(text, connected) {
		t.Fatalf("missing %q in:\n%s", connected, text)
	}
	if !strings.Contains(text, created) {
		t.Fatalf("missing %q in:\n%s", created, text)
	}
	if strings.Index(text, connected) > strings.Index(text, created) {
		t.Fatalf("expected counters sorted by name:\n%s", text)
	}
}

func TestMetrics_GetAndSnapshot(t *testing.T) {
	m := New()
	if got := m.Get(DropQueueFull); got != 0 {
		t.Fatalf("untouched counter = %d, want 0", got)
	}
	m.Inc(DropQueueFull)
	m.Inc(DropQueueFull)
	m.Inc(RoomJoins)

	if got := m.Get(DropQueueFull); got != 2 {
		t.Fatalf("Get = %d, want 2", got)
	}
	snap := m.Snapshot()
	if snap[DropQueueFull] != 2 || snap[RoomJoins] != 1 {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestPrometheusHandler_IncludesRuntimeMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(New()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("runtime collector missing:\n%s", body)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(DropQueueFull)
	if got := m.Get(DropQueueFull); got != 0 {
		t.Fatalf("Get on nil = %d, want 0", got)
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("Snapshot on nil = %v, want empty", snap)
	}
}
