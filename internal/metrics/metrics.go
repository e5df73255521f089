// Package metrics holds the Prometheus collectors of the scheduler engine.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alarmsched"

// Trigger sources.
const (
	SourceFast     = "fast"
	SourceAlarm    = "alarm"
	SourceRecovery = "recovery"
)

type Metrics struct {
	armed     prometheus.Counter
	cleared   prometheus.Counter
	triggered *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	recovery  *prometheus.CounterVec
	platform  *prometheus.CounterVec
	relay     *prometheus.CounterVec
	ports     prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		armed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alarms_armed_total",
			Help: "Host alarms created by the scheduler.",
		}),
		cleared: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alarms_cleared_total",
			Help: "Host alarms confirmed cleared.",
		}),
		triggered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_triggered_total",
			Help: "Task handler invocations by trigger source.",
		}, []string{"source"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_skipped_total",
			Help: "Triggers that did not invoke a handler.",
		}, []string{"reason"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_failed_total",
			Help: "Handler invocations that returned an error or panicked.",
		}, []string{"task"}),
		recovery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_actions_total",
			Help: "Outcomes of the boot-time verification pass per ledger record.",
		}, []string{"action"}),
		platform: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "platform_errors_total",
			Help: "Failed host alarm operations.",
		}, []string{"op"}),
		relay: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_messages_total",
			Help: "Relay messages handled by the coordinator.",
		}, []string{"action", "result"}),
		ports: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_ports",
			Help: "Connected transient contexts.",
		}),
	}
}

func (m *Metrics) Armed() {
	if m != nil {
		m.armed.Inc()
	}
}

func (m *Metrics) Cleared() {
	if m != nil {
		m.cleared.Inc()
	}
}

func (m *Metrics) Triggered(source string) {
	if m != nil {
		m.triggered.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Skipped(reason string) {
	if m != nil {
		m.skipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Failed(task string) {
	if m != nil {
		m.failed.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) Recovery(action string) {
	if m != nil {
		m.recovery.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) PlatformError(op string) {
	if m != nil {
		m.platform.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Relay(action, result string) {
	if m != nil {
		m.relay.WithLabelValues(action, result).Inc()
	}
}

func (m *Metrics) PortOpened() {
	if m != nil {
		m.ports.Inc()
	}
}

func (m *Metrics) PortClosed() {
	if m != nil {
		m.ports.Dec()
	}
}
