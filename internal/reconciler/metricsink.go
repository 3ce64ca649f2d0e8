package reconciler

import (
	"Drift/internal/events"
	"Drift/internal/metrics"
)

// metricsSink wraps another Sink and derives Prometheus counters from
// the emitted events, so bid/kill metrics stay grounded in the same
// facts the telemetry stream carries rather than threading Prometheus
// through the bidder and diff engine directly.
type metricsSink struct {
	underlying events.Sink
	metrics    *metrics.Metrics
}

func (m *metricsSink) Emit(kind events.Kind, fields events.Fields) {
	m.underlying.Emit(kind, fields)

	workerType, _ := fields["worker_type"].(string)

	switch kind {
	case events.KindRequestSubmitted:
		region, _ := fields["region"].(string)
		instanceType, _ := fields["instance_type"].(string)
		m.metrics.BidsSubmitted.WithLabelValues(workerType, region, instanceType).Inc()
		if bidPrice, ok := fields["bid_price"].(float64); ok {
			m.metrics.BidPrice.WithLabelValues(workerType, region, instanceType).Observe(bidPrice)
		}

	case events.KindInstanceTerminated:
		m.metrics.KillsTotal.WithLabelValues(workerType, "instance", "terminated").Inc()

	case events.KindRequestDied:
		m.metrics.KillsTotal.WithLabelValues(workerType, "request", "died").Inc()
	}
}
