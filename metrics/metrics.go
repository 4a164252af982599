// Package metrics defines the prometheus collectors shared by the four
// reliable-delivery modules, grounded in the teacher's go.mod dependency on
// github.com/prometheus/client_golang and in the pack's
// runZeroInc-sockstats exporter. None of this is wire-visible; it exists so
// an operator running cmd/pingpipe (or any application embedding these
// modules) can observe retransmission behavior.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ModuleMetrics is the counter/gauge bundle a reliable-delivery module
// registers against, if given one. A nil *ModuleMetrics is always safe to
// use via the methods below; they no-op.
type ModuleMetrics struct {
	FramesSent         *prometheus.CounterVec
	FramesReceived     *prometheus.CounterVec
	Retransmissions    prometheus.Counter
	DroppedMalformed   prometheus.Counter
	DroppedOutOfWindow prometheus.Counter
	Pending            prometheus.Gauge
}

// NewModuleMetrics builds and registers a ModuleMetrics bundle under the
// given namespace/subsystem (e.g. "pktpipe", "stream"). Registration
// errors (e.g. duplicate registration against the default registerer in
// tests) are ignored, matching the common "best effort" posture of
// optional observability.
func NewModuleMetrics(reg prometheus.Registerer, namespace, subsystem string) *ModuleMetrics {
	m := &ModuleMetrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Frames emitted downward, by frame type.",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Frames handled from below, by frame type.",
		}, []string{"type"}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmissions_total",
			Help:      "Frames re-emitted by the background timer or in answer to a Resend request.",
		}),
		DroppedMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_malformed_total",
			Help:      "Frames dropped for being too short or carrying an unknown tag.",
		}),
		DroppedOutOfWindow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_out_of_window_total",
			Help:      "Sequence indices dropped for exceeding the receive window.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending",
			Help:      "Outstanding unacknowledged entries.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.FramesSent, m.FramesReceived, m.Retransmissions, m.DroppedMalformed, m.DroppedOutOfWindow, m.Pending} {
			_ = reg.Register(c)
		}
	}
	return m
}

func (m *ModuleMetrics) sent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

func (m *ModuleMetrics) received(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// Sent records an emitted frame of the given kind ("data", "ack", "resend",
// "message").
func (m *ModuleMetrics) Sent(kind string) { m.sent(kind) }

// Received records a handled frame of the given kind.
func (m *ModuleMetrics) Received(kind string) { m.received(kind) }

// Retransmission records one re-emission, whether timer-driven or answering
// a Resend request.
func (m *ModuleMetrics) Retransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// DropMalformed records one short-or-unknown-tag frame drop.
func (m *ModuleMetrics) DropMalformed() {
	if m == nil {
		return
	}
	m.DroppedMalformed.Inc()
}

// DropOutOfWindow records one out-of-window sequence drop.
func (m *ModuleMetrics) DropOutOfWindow() {
	if m == nil {
		return
	}
	m.DroppedOutOfWindow.Inc()
}

// SetPending sets the outstanding-entry gauge.
func (m *ModuleMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}
