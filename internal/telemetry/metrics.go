// Package telemetry holds the Prometheus instrumentation for the fleet core.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// FleetMetrics manages Prometheus instrumentation for the fleet core.
type FleetMetrics struct {
	linkTransitions  *prometheus.CounterVec
	messagesRouted   *prometheus.CounterVec
	messagesShed     prometheus.Counter
	busEventsDropped *prometheus.CounterVec
	patrolsStarted   prometheus.Counter
	patrolsEnded     *prometheus.CounterVec
	violations       *prometheus.CounterVec
	inspectionTime   prometheus.Histogram
}

var (
	fleetMetricsInstance *FleetMetrics
	fleetMetricsOnce     sync.Once
)

// Get returns the singleton fleet metrics instance.
func Get() *FleetMetrics {
	fleetMetricsOnce.Do(func() {
		fleetMetricsInstance = newFleetMetrics()
	})
	return fleetMetricsInstance
}

func newFleetMetrics() *FleetMetrics {
	m := &FleetMetrics{
		linkTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "link",
				Name:      "transitions_total",
				Help:      "Total broker session transitions by robot and direction",
			},
			[]string{"robot", "direction"},
		),
		messagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "router",
				Name:      "messages_total",
				Help:      "Total inbound messages routed by class",
			},
			[]string{"class"},
		),
		messagesShed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "router",
				Name:      "messages_shed_total",
				Help:      "Total inbound messages dropped because a robot worker queue was full",
			},
		),
		busEventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "bus",
				Name:      "events_dropped_total",
				Help:      "Total bus events shed for slow subscribers by topic",
			},
			[]string{"topic"},
		),
		patrolsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "patrol",
				Name:      "started_total",
				Help:      "Total patrol sessions started",
			},
		),
		patrolsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "patrol",
				Name:      "ended_total",
				Help:      "Total patrol sessions ended by final status",
			},
			[]string{"status"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetd",
				Subsystem: "detection",
				Name:      "violations_total",
				Help:      "Total violations persisted by severity",
			},
			[]string{"severity"},
		),
		inspectionTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fleetd",
				Subsystem: "patrol",
				Name:      "inspection_seconds",
				Help:      "Detection window durations",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
			},
		),
	}

	prometheus.MustRegister(
		m.linkTransitions,
		m.messagesRouted,
		m.messagesShed,
		m.busEventsDropped,
		m.patrolsStarted,
		m.patrolsEnded,
		m.violations,
		m.inspectionTime,
	)
	return m
}

// LinkUp records a broker session coming up for a robot.
func (m *FleetMetrics) LinkUp(robot string) {
	m.linkTransitions.WithLabelValues(robot, "up").Inc()
}

// LinkDown records a broker session dropping for a robot.
func (m *FleetMetrics) LinkDown(robot string) {
	m.linkTransitions.WithLabelValues(robot, "down").Inc()
}

// MessageRouted records one routed inbound message.
func (m *FleetMetrics) MessageRouted(class string) {
	m.messagesRouted.WithLabelValues(class).Inc()
}

// MessageShed records an inbound message dropped on a full worker queue.
func (m *FleetMetrics) MessageShed() {
	m.messagesShed.Inc()
}

// BusEventDropped records a bus event shed for a slow subscriber.
func (m *FleetMetrics) BusEventDropped(topic string) {
	m.busEventsDropped.WithLabelValues(topic).Inc()
}

// PatrolStarted records a session spawn.
func (m *FleetMetrics) PatrolStarted() {
	m.patrolsStarted.Inc()
}

// PatrolEnded records a session reaching a terminal status.
func (m *FleetMetrics) PatrolEnded(status string) {
	m.patrolsEnded.WithLabelValues(status).Inc()
}

// ViolationRecorded records a persisted violation.
func (m *FleetMetrics) ViolationRecorded(severity string) {
	m.violations.WithLabelValues(severity).Inc()
}

// InspectionObserved records how long a detection window ran.
func (m *FleetMetrics) InspectionObserved(seconds float64) {
	m.inspectionTime.Observe(seconds)
}
