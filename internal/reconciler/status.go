package reconciler

import "time"

// WorkerTypeStatus summarizes one worker-type's capacity accounting
// for the read-only status endpoint.
type WorkerTypeStatus struct {
	Name            string `json:"name"`
	CapacityCurrent int    `json:"capacity_current"`
	CapacityTarget  int    `json:"capacity_target"`
	InFlightCount   int    `json:"in_flight_count"`
}

// IterationSummary is one completed iteration's headline numbers.
// Adapted from the teacher's internal/analytics.Tracker scaling-
// decision record, generalized from one runner-count delta to the
// full per-worker-type capacity picture.
type IterationSummary struct {
	Timestamp            time.Time          `json:"timestamp"`
	Duration             int64              `json:"duration_ms"`
	Status               string             `json:"status"` // ok, skipped, error
	Err                  string             `json:"error,omitempty"`
	WorkerTypes          []WorkerTypeStatus `json:"worker_types,omitempty"`
	PendingInstanceCount int                `json:"pending_instance_count"`
	PendingRequestCount  int                `json:"pending_request_count"`
}

// Status is the thread-safe snapshot published for api.StatusProvider.
// It is the only thing a concurrent HTTP handler goroutine ever reads
// from the reconciler — never the live trackers themselves, which
// stay process-private to the reconciliation goroutine (spec.md §5).
type Status struct {
	LastIteration IterationSummary   `json:"last_iteration"`
	History       []IterationSummary `json:"history"`
}

// publish replaces the published status under the status mutex,
// mirroring the teacher's analytics.Tracker bounded-history pattern:
// append then trim to maxHistory, never splice in place.
func (r *Reconciler) publish(summary IterationSummary) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	r.ready = true
	r.history = append(r.history, summary)
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
	}

	history := make([]IterationSummary, len(r.history))
	copy(history, r.history)

	r.status = Status{
		LastIteration: summary,
		History:       history,
	}
}

// Status implements api.StatusProvider.
func (r *Reconciler) Status() any {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

// Ready implements api.StatusProvider: true once at least one
// iteration has completed.
func (r *Reconciler) Ready() bool {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.ready
}
