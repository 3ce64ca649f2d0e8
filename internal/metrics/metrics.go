package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "drift"
)

// Metrics holds all Prometheus metrics for the reconciliation core.
type Metrics struct {
	// Reconciliation loop metrics
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	ReconcileErrors   *prometheus.CounterVec

	// Capacity metrics
	CapacityCurrent *prometheus.GaugeVec
	CapacityTarget  *prometheus.GaugeVec

	// Bidding metrics
	BidsSubmitted *prometheus.CounterVec
	BidPrice      *prometheus.HistogramVec

	// Kill metrics
	KillsTotal *prometheus.CounterVec

	// In-flight and pending-resolution tracker metrics
	InFlightEntries          *prometheus.GaugeVec
	InFlightTimeouts         *prometheus.CounterVec
	PendingResolutionEntries *prometheus.GaugeVec
	PendingResolutionDropped *prometheus.CounterVec
	StalledRequests          *prometheus.CounterVec

	// Key pair metrics
	KeyPairImports *prometheus.CounterVec

	// Safety killer metrics
	RogueKilled *prometheus.CounterVec
	AgeKilled   *prometheus.CounterVec

	// System metrics
	ControllerInfo       *prometheus.GaugeVec
	LeaderElectionStatus prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		ReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Total number of reconciliation iterations",
			},
			[]string{"status"},
		),
		ReconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliation iterations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		ReconcileErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_errors_total",
				Help:      "Total number of reconciliation errors by kind",
			},
			[]string{"kind"},
		),

		CapacityCurrent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capacity_current",
				Help:      "Current provisioned capacity per worker-type",
			},
			[]string{"worker_type"},
		),
		CapacityTarget: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capacity_target",
				Help:      "Target capacity per worker-type derived from the pending backlog",
			},
			[]string{"worker_type"},
		),

		BidsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bids_submitted_total",
				Help:      "Total number of spot bids submitted",
			},
			[]string{"worker_type", "region", "instance_type"},
		),
		BidPrice: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bid_price",
				Help:      "Submitted bid prices",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"worker_type", "region", "instance_type"},
		),

		KillsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kills_total",
				Help:      "Total number of resources killed",
			},
			[]string{"worker_type", "resource", "reason"},
		),

		InFlightEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_entries",
				Help:      "Current number of in-flight tracker entries",
			},
			[]string{"worker_type"},
		),
		InFlightTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inflight_timeouts_total",
				Help:      "Total number of in-flight entries that timed out before becoming visible",
			},
			[]string{"worker_type"},
		),
		PendingResolutionEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_resolution_entries",
				Help:      "Current number of pending-resolution tracker entries",
			},
			[]string{"kind"},
		),
		PendingResolutionDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_resolution_dropped_total",
				Help:      "Total number of pending-resolution entries dropped past their retry budget",
			},
			[]string{"kind"},
		),
		StalledRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stalled_requests_total",
				Help:      "Total number of spot requests cancelled for being stalled",
			},
			[]string{"worker_type", "status_code"},
		),

		KeyPairImports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keypair_imports_total",
				Help:      "Total number of key pair imports",
			},
			[]string{"worker_type", "region"},
		),

		RogueKilled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rogue_killed_total",
				Help:      "Total number of resources killed by the rogue killer",
			},
			[]string{"worker_type"},
		),
		AgeKilled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "age_killed_total",
				Help:      "Total number of instances killed by the age killer",
			},
			[]string{"worker_type"},
		),

		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the running reconciler",
			},
			[]string{"version", "mode"},
		),
		LeaderElectionStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}

	return m
}
