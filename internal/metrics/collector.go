// Package metrics collects kernel metrics. Internal use only.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/quorumkit/quorum/types"
)

// Collector exposes kernel counters to prometheus. It implements the
// bus and floor observer hooks, making best-effort failures (dropped
// events, sink errors, floor timeouts) observable instead of silent.
type Collector struct {
	messagesTotal *prometheus.CounterVec
	sinkErrors    prometheus.Counter
	eventsDropped *prometheus.CounterVec

	floorGrants   prometheus.Counter
	floorDenials  *prometheus.CounterVec
	floorTimeouts prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the kernel metrics on reg. A nil reg uses the
// default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	return &Collector{
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages published to the bus, by kind",
			},
			[]string{"kind"},
		),
		sinkErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Failures handing messages to the memory sink",
			},
		),
		eventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the dispatch queue was full",
			},
			[]string{"event"},
		),
		floorGrants: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "floor_grants_total",
				Help:      "Floor grants issued",
			},
		),
		floorDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "floor_denials_total",
				Help:      "Floor denials, by reason",
			},
			[]string{"reason"},
		),
		floorTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "floor_timeouts_total",
				Help:      "Floor holds force-released on timeout",
			},
		),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// MessageAdded implements the bus observer.
func (c *Collector) MessageAdded(kind types.MessageKind) {
	c.messagesTotal.WithLabelValues(string(kind)).Inc()
}

// SinkError implements the bus observer.
func (c *Collector) SinkError(err error) {
	c.sinkErrors.Inc()
	c.logger.Warn("memory sink error", zap.Error(err))
}

// EventDropped implements the bus observer.
func (c *Collector) EventDropped(event string) {
	c.eventsDropped.WithLabelValues(event).Inc()
}

// FloorGranted implements the floor observer.
func (c *Collector) FloorGranted() {
	c.floorGrants.Inc()
}

// FloorDenied implements the floor observer.
func (c *Collector) FloorDenied(reason types.DenyReason) {
	c.floorDenials.WithLabelValues(string(reason)).Inc()
}

// FloorTimeout implements the floor observer.
func (c *Collector) FloorTimeout() {
	c.floorTimeouts.Inc()
}
