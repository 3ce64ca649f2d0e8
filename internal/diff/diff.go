// Package diff implements the Diff Engine: it compares successive
// fleet snapshots to detect departures the cloud API only reveals
// asynchronously, resolves each against the richer "dead" view, and
// emits the resulting lifecycle events (spec.md §4.2).
//
// Grounded on the teacher's internal/controller reconcile-step
// decomposition: a handful of discrete, named steps called in
// sequence from one Run, rather than one long function.
package diff

import (
	"time"

	"Drift/internal/events"
	"Drift/internal/fleet"
	"Drift/internal/pending"
)

// Engine computes fleet transitions and publishes events for them. It
// holds no fleet state of its own; the previous/current/dead
// snapshots and the two pending trackers are owned by the reconciler
// and passed in on every call (spec.md §5).
type Engine struct {
	sink events.Sink
}

// New creates a diff engine publishing through sink.
func New(sink events.Sink) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{sink: sink}
}

// Stats reports how many pending-resolution entries were resolved or
// dropped in one Run call, for the reconciler's metrics (spec.md §4).
type Stats struct {
	InstancesResolved int
	InstancesDropped  int
	RequestsResolved  int
	RequestsDropped   int
}

// Run compares previous against current, resolving departures against
// dead, and revisits both pending-resolution trackers against dead.
// now and maxIterations drive the pending trackers' retry budget.
func (e *Engine) Run(now time.Time, previous, current, dead fleet.Snapshot, pendingInstances, pendingRequests *pending.Tracker, maxIterations int) Stats {
	e.diffInstances(now, previous, current, dead, pendingInstances)
	e.diffRequests(now, previous, current, dead, pendingRequests)
	instResolved, instDropped := e.resolvePendingInstances(now, dead, pendingInstances, maxIterations)
	reqResolved, reqDropped := e.resolvePendingRequests(now, dead, pendingRequests, maxIterations)
	return Stats{
		InstancesResolved: instResolved,
		InstancesDropped:  instDropped,
		RequestsResolved:  reqResolved,
		RequestsDropped:   reqDropped,
	}
}

// diffInstances finds instances present in previous but absent from
// current, resolves each against dead, and either emits a terminal
// event or enqueues it for later resolution.
func (e *Engine) diffInstances(now time.Time, previous, current, dead fleet.Snapshot, pendingInstances *pending.Tracker) {
	currByID := current.InstancesByID()
	deadByID := dead.InstancesByID()
	deadReqByID := dead.RequestsByID()

	for _, inst := range previous.Instances() {
		if _, stillLive := currByID[inst.InstanceID]; stillLive {
			continue
		}

		richer := inst
		if d, ok := deadByID[inst.InstanceID]; ok {
			richer = d
		}

		if richer.StateReason == nil {
			pendingInstances.Enqueue(inst.InstanceID, now)
			continue
		}

		e.emitInstanceTerminated(now, richer, deadReqByID, nil)
	}
}

// diffRequests finds spot requests present in previous but absent
// from current, and classifies each against dead: fulfilled, still
// open (re-queued for later resolution), or died.
func (e *Engine) diffRequests(now time.Time, previous, current, dead fleet.Snapshot, pendingRequests *pending.Tracker) {
	currByID := current.RequestsByID()
	deadByID := dead.RequestsByID()

	for _, req := range previous.Requests() {
		if _, stillLive := currByID[req.RequestID]; stillLive {
			continue
		}

		richer := req
		if d, ok := deadByID[req.RequestID]; ok {
			richer = d
		}

		e.classifyDepartedRequest(now, richer, pendingRequests, nil)
	}
}

// classifyDepartedRequest applies the fulfilled/open/died decision of
// spec.md §4.2 to one resolved request record. firstSeenAt, when
// non-nil, overrides the event's timestamp field with the original
// sighting time for a request resolved out of the pending tracker.
func (e *Engine) classifyDepartedRequest(now time.Time, richer fleet.Request, pendingRequests *pending.Tracker, firstSeenAt *time.Time) {
	switch {
	case richer.State == fleet.RequestStateActive && richer.StatusCode == fleet.StatusCodeFulfilled:
		fields := events.Fields{
			"request_id":  richer.RequestID,
			"region":      richer.Region,
			"worker_type": richer.WorkerType,
			"instance_id": richer.InstanceID,
			"bid_price":   richer.BidPrice,
		}
		if firstSeenAt != nil {
			fields["first_seen_at"] = firstSeenAt.UnixMilli()
		}
		e.sink.Emit(events.KindRequestFulfilled, fields)

	case richer.State == fleet.RequestStateOpen:
		if pendingRequests != nil {
			pendingRequests.Enqueue(richer.RequestID, now)
		}

	default:
		fields := events.Fields{
			"request_id":     richer.RequestID,
			"region":         richer.Region,
			"worker_type":    richer.WorkerType,
			"status_code":    string(richer.StatusCode),
			"status_message": richer.StatusMessage,
			"bid_price":      richer.BidPrice,
		}
		if firstSeenAt != nil {
			fields["first_seen_at"] = firstSeenAt.UnixMilli()
		}
		e.sink.Emit(events.KindRequestDied, fields)
	}
}

// emitInstanceTerminated emits instance_terminated and, for a spot
// price floor termination, also emits spot_price_floor carrying the
// bid price recovered from the matching dead spot request.
func (e *Engine) emitInstanceTerminated(now time.Time, inst fleet.Instance, deadReqByID map[string]fleet.Request, firstSeenAt *time.Time) {
	fields := events.Fields{
		"instance_id": inst.InstanceID,
		"region":      inst.Region,
		"worker_type": inst.WorkerType,
		"reason_code": inst.StateReason.Code,
		"reason_msg":  inst.StateReason.Message,
	}
	if firstSeenAt != nil {
		fields["first_seen_at"] = firstSeenAt.UnixMilli()
	}
	e.sink.Emit(events.KindInstanceTerminated, fields)

	if inst.StateReason.Code != fleet.SpotInstanceTerminationCode {
		return
	}

	bid := 0.0
	if req, ok := deadReqByID[inst.SpotRequestID]; ok {
		bid = req.BidPrice
	}
	e.sink.Emit(events.KindSpotPriceFloor, events.Fields{
		"instance_id": inst.InstanceID,
		"region":      inst.Region,
		"worker_type": inst.WorkerType,
		"price":       bid,
		"observed_at": now.UnixMilli(),
	})
}

// resolvePendingInstances revisits every tracked instance ID against
// the dead view: one now carrying a state reason is resolved and
// emitted with its original first_seen_at; one that has outlived the
// retry budget is dropped silently (spec.md §4.2).
func (e *Engine) resolvePendingInstances(now time.Time, dead fleet.Snapshot, pendingInstances *pending.Tracker, maxIterations int) (resolved, dropped int) {
	deadByID := dead.InstancesByID()
	deadReqByID := dead.RequestsByID()

	resolvedIDs := make(map[string]bool)
	for id, inst := range deadByID {
		if inst.StateReason != nil {
			resolvedIDs[id] = true
		}
	}

	resolvedRecords, droppedRecords := pendingInstances.ReconcileAndTick(resolvedIDs, maxIterations)
	for _, rec := range resolvedRecords {
		inst := deadByID[rec.ID]
		firstSeenAt := rec.FirstSeenAt
		e.emitInstanceTerminated(now, inst, deadReqByID, &firstSeenAt)
	}
	return len(resolvedRecords), len(droppedRecords)
}

// resolvePendingRequests mirrors resolvePendingInstances for spot
// requests awaiting a fulfilled/died classification.
func (e *Engine) resolvePendingRequests(now time.Time, dead fleet.Snapshot, pendingRequests *pending.Tracker, maxIterations int) (resolved, dropped int) {
	deadByID := dead.RequestsByID()

	resolvedIDs := make(map[string]bool)
	for id, req := range deadByID {
		if req.State != fleet.RequestStateOpen {
			resolvedIDs[id] = true
		}
	}

	resolvedRecords, droppedRecords := pendingRequests.ReconcileAndTick(resolvedIDs, maxIterations)
	for _, rec := range resolvedRecords {
		req := deadByID[rec.ID]
		firstSeenAt := rec.FirstSeenAt
		e.classifyDepartedRequest(now, req, nil, &firstSeenAt)
	}
	return len(resolvedRecords), len(droppedRecords)
}
