package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exported on the internal
// /metrics endpoint. Each Metrics carries its own registry so multiple
// servers (as in tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter
	disconnects    prometheus.Counter

	commandsReceived *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	rejections       *prometheus.CounterVec

	bansIssued    prometheus.Counter
	reapedTotal   prometheus.Counter
	windowsReset  prometheus.Counter
	snapshotSaves prometheus.Counter
}

// NewMetrics registers and returns the server metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "linechat_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_sessions_created_total",
			Help: "Total sessions accepted since start",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_sessions_closed_total",
			Help: "Total sessions closed since start",
		}),
		commandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_commands_received_total",
			Help: "Commands received, by command name",
		}, []string{"command"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_messages_delivered_total",
			Help: "Message lines delivered to sessions, by kind",
		}, []string{"kind"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_command_rejections_total",
			Help: "Commands rejected by policy, by reason",
		}, []string{"reason"}),
		bansIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_bans_issued_total",
			Help: "Bans triggered by reaching the strike threshold",
		}),
		reapedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_messages_reaped_total",
			Help: "Read private messages removed by the TTL reaper",
		}),
		windowsReset: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_rate_windows_reset_total",
			Help: "Rate windows reset by the rate-limit reaper",
		}),
		snapshotSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "linechat_snapshot_saves_total",
			Help: "State snapshots written",
		}),
	}
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	m.disconnects.Inc()
}

func (m *Metrics) RecordCommand(name string) {
	m.commandsReceived.WithLabelValues(name).Inc()
}

func (m *Metrics) RecordDelivery(kind string) {
	m.deliveries.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBan() {
	m.bansIssued.Inc()
}

func (m *Metrics) RecordReaped(n int) {
	m.reapedTotal.Add(float64(n))
}

func (m *Metrics) RecordWindowsReset(n int) {
	m.windowsReset.Add(float64(n))
}

func (m *Metrics) RecordSnapshotSave() {
	m.snapshotSaves.Inc()
}
