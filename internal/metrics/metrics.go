package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Frame results used as the "result" label of FramesTotal.
const (
	FrameDecoded     = "decoded"
	FrameUnknown     = "unknown"
	FrameMalformed   = "malformed"
	FrameUnsupported = "unsupported"
)

// AppMetrics holds the application counters. A nil *AppMetrics is valid
// and records nothing, so components can be built without a registry.
type AppMetrics struct {
	ProtocolMessages prometheus.Counter
	FramesTotal      *prometheus.CounterVec // labels: result
	AckTimeouts      prometheus.Counter
	RuleErrors       *prometheus.CounterVec // labels: quantity
	HistoryLength    prometheus.Gauge
	SnapshotsSent    *prometheus.CounterVec // labels: sink
	ReplayRecords    prometheus.Counter
	SimSessions      prometheus.Gauge
	WSClients        prometheus.Gauge
}

// NewAppMetrics registers and returns the application metrics.
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		ProtocolMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candash_protocol_messages_total",
			Help: "Complete <...> protocol messages received from the gateway.",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candash_frames_total",
			Help: "Frame messages by decode result.",
		}, []string{"result"}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candash_ack_timeouts_total",
			Help: "Requests that timed out waiting for their acknowledgment.",
		}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candash_rule_errors_total",
			Help: "Derived-quantity rule failures by quantity.",
		}, []string{"quantity"}),
		HistoryLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candash_history_length",
			Help: "Snapshots currently retained in the history log.",
		}),
		SnapshotsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candash_snapshot_batches_total",
			Help: "Snapshot batches delivered by sink.",
		}, []string{"sink"}),
		ReplayRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cansim_replay_records_total",
			Help: "Replay records written to sessions.",
		}),
		SimSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cansim_sessions",
			Help: "Currently connected simulator sessions.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candash_ws_clients",
			Help: "Connected websocket clients.",
		}),
	}
	reg.MustRegister(m.ProtocolMessages, m.FramesTotal, m.AckTimeouts, m.RuleErrors,
		m.HistoryLength, m.SnapshotsSent, m.ReplayRecords, m.SimSessions, m.WSClients)
	return m
}

func (m *AppMetrics) Frame(result string) {
	if m != nil {
		m.FramesTotal.WithLabelValues(result).Inc()
	}
}

func (m *AppMetrics) Message() {
	if m != nil {
		m.ProtocolMessages.Inc()
	}
}

func (m *AppMetrics) AckTimeout() {
	if m != nil {
		m.AckTimeouts.Inc()
	}
}

func (m *AppMetrics) RuleError(quantity string) {
	if m != nil {
		m.RuleErrors.WithLabelValues(quantity).Inc()
	}
}

func (m *AppMetrics) History(n int) {
	if m != nil {
		m.HistoryLength.Set(float64(n))
	}
}

func (m *AppMetrics) Sent(sink string) {
	if m != nil {
		m.SnapshotsSent.WithLabelValues(sink).Inc()
	}
}

func (m *AppMetrics) Replayed() {
	if m != nil {
		m.ReplayRecords.Inc()
	}
}

func (m *AppMetrics) SessionDelta(d float64) {
	if m != nil {
		m.SimSessions.Add(d)
	}
}

func (m *AppMetrics) Clients(n int) {
	if m != nil {
		m.WSClients.Set(float64(n))
	}
}
