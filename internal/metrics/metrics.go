package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Event names.
const (
	ClientsConnected    = "clients_connected"
	ClientsDisconnected = "clients_disconnected"
	RoomsCreated        = "rooms_created"
	RoomsDestroyed      = "rooms_destroyed"
	RoomJoins           = "room_joins"
	RoomLeaves          = "room_leaves"
	EnvelopesRouted     = "envelopes_routed"
	EnvelopesBroadcast  = "envelopes_broadcast"

	DropTargetMissing = "drop_target_missing"
	DropQueueFull     = "drop_queue_full"
	DropRateLimited   = "drop_rate_limited"
	ProtocolErrors    = "protocol_errors"
	PresenceErrors    = "presence_errors"
)

// Metrics counts relay events as parley_events_total{event="..."} on its
// own registry.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func New() *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "events_total",
		Help:      "Signaling relay event counters.",
	}, []string{"event"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{registry: reg, events: events}
}

// Inc is a no-op on a nil receiver so callers can run without metrics.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// Snapshot returns every event counter seen so far.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, f := range families {
		if f.GetName() != "parley_events_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "event" {
					out[l.GetValue()] = uint64(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return out
}
