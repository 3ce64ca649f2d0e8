// Package reconciler implements the iteration driver of spec.md §4.7:
// the single goroutine that, every iteration_interval, observes fleet
// state, diffs it, reconciles the in-flight tracker, bids or
// terminates per worker-type, and runs the two safety killers.
//
// Grounded on the teacher's internal/controller.Controller: the same
// ticker/select/ctx.Done() loop shape, generalized from one
// queued-jobs/runner-count reconcile into the eight-step pipeline
// this core requires. The history ring buffer is adapted from
// internal/analytics.Tracker.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Drift/internal/bidder"
	"Drift/internal/capacity"
	"Drift/internal/cloud"
	"Drift/internal/diff"
	"Drift/internal/events"
	"Drift/internal/fleet"
	"Drift/internal/inflight"
	"Drift/internal/keypair"
	"Drift/internal/metrics"
	"Drift/internal/pending"
	"Drift/internal/pricing"
	"Drift/internal/queue"
	"Drift/internal/safety"
	"Drift/internal/workertype"

	"github.com/sourcegraph/conc/pool"
)

const maxHistory = 100

// Config is the subset of the root configuration the reconciler
// drives its iteration on.
type Config struct {
	ProvisionerID                   string
	KeyPrefix                       string
	PublicKeyBody                   string
	AllowedRegions                  []string
	IterationInterval               time.Duration
	CloudCallTimeout                time.Duration
	MaxInstanceLife                 time.Duration
	StallTimeout                    time.Duration
	InFlightTimeout                 time.Duration
	MaxIterationsForStateResolution int
	DryRun                          bool
}

// Reconciler is the single owner of the two most recent fleet
// snapshots, the In-Flight Tracker, and the two Pending-Resolution
// Trackers (spec.md §5) — all mutated only from Run's goroutine. The
// mutex here guards only the published status copy a concurrent HTTP
// handler reads.
type Reconciler struct {
	cfg     Config
	adapter cloud.Adapter
	store   workertype.Store
	queue   queue.Queue
	logger  *slog.Logger
	metrics *metrics.Metrics

	diffEngine  *diff.Engine
	bidder      *bidder.Bidder
	keys        *keypair.Manager
	rogueKiller *safety.RogueKiller
	ageKiller   *safety.AgeKiller

	sink events.Sink

	previous         fleet.Snapshot
	inFlight         *inflight.Tracker
	pendingInstances *pending.Tracker
	pendingRequests  *pending.Tracker

	statusMu sync.Mutex
	ready    bool
	status   Status
	history  []IterationSummary
}

// New wires every collaborator. oracle and sink may be nil, in which
// case the bidder falls back to a uniform price (spec.md §6) and
// events are discarded.
func New(cfg Config, adapter cloud.Adapter, store workertype.Store, q queue.Queue, oracle pricing.Oracle, sink events.Sink, met *metrics.Metrics, logger *slog.Logger) *Reconciler {
	logger = logger.With("component", "reconciler")
	if sink == nil {
		sink = events.NopSink{}
	}

	instrumented := sink
	if met != nil {
		instrumented = &metricsSink{underlying: sink, metrics: met}
	}

	km := keypair.New(adapter, cfg.KeyPrefix, cfg.PublicKeyBody, logger)
	b := bidder.New(adapter, oracle, nil, instrumented, cfg.ProvisionerID, logger)

	r := &Reconciler{
		cfg:              cfg,
		adapter:          adapter,
		store:            store,
		queue:            q,
		logger:           logger,
		metrics:          met,
		sink:             instrumented,
		diffEngine:       diff.New(instrumented),
		bidder:           b,
		keys:             km,
		rogueKiller:      safety.NewRogueKiller(b, km, logger),
		ageKiller:        safety.NewAgeKiller(adapter, cfg.MaxInstanceLife, logger),
		inFlight:         inflight.New(),
		pendingInstances: pending.New(),
		pendingRequests:  pending.New(),
	}
	if met != nil {
		km.SetImportMetric(met.KeyPairImports)
	}
	return r
}

// Run drives the iteration loop until ctx is cancelled. A single
// blocking select loop guarantees no overlapping iterations (spec.md
// §4.7): the next tick is simply not read until the current iteration
// returns.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler starting", "interval", r.cfg.IterationInterval)

	ticker := time.NewTicker(r.cfg.IterationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

// runIteration executes one full pass and publishes its summary.
// Errors are logged and swallowed: spec.md §7's guiding rule is that
// the reconciler is self-healing by repetition, never aborting the
// process over one bad iteration.
func (r *Reconciler) runIteration(ctx context.Context) {
	start := time.Now()
	iterCtx, cancel := context.WithTimeout(ctx, r.cfg.IterationInterval)
	defer cancel()

	summary, err := r.reconcileOnce(iterCtx, start)
	duration := time.Since(start)
	summary.Timestamp = start
	summary.Duration = duration.Milliseconds()

	status := "ok"
	if err != nil {
		status = "error"
		summary.Status = status
		summary.Err = err.Error()
		r.logger.Error("reconcile iteration failed", "error", err)
		if r.metrics != nil {
			r.metrics.ReconcileErrors.WithLabelValues(errorKind(err)).Inc()
		}
	} else if summary.Status == "" {
		summary.Status = status
	}

	if r.metrics != nil {
		r.metrics.ReconcileTotal.WithLabelValues(summary.Status).Inc()
		r.metrics.ReconcileDuration.WithLabelValues(summary.Status).Observe(duration.Seconds())
	}

	r.publish(summary)
}

func errorKind(err error) string {
	if cloud.IsRetryable(err) {
		return "transient"
	}
	return "permanent"
}

// reconcileOnce runs the eight steps of spec.md §4.7 in order.
func (r *Reconciler) reconcileOnce(ctx context.Context, now time.Time) (IterationSummary, error) {
	var summary IterationSummary

	// Step 1: refresh the fleet snapshot.
	obs, err := cloud.Observe(ctx, r.adapter, r.cfg.AllowedRegions)
	if err != nil {
		if cloud.IsRetryable(err) {
			r.logger.Warn("transient observation failure, skipping iteration", "error", err)
			summary.Status = "skipped"
			return summary, nil
		}
		return summary, fmt.Errorf("observe fleet: %w", err)
	}

	liveInstances := flattenInstances(obs.Live)
	openRequests := flattenRequests(obs.Open)
	deadInstances := flattenInstances(obs.Dead)
	deadRequests := flattenRequests(obs.Resolved)

	liveInstances = fleet.ClassifyInstances(r.cfg.KeyPrefix, r.cfg.AllowedRegions, liveInstances)
	openRequests = fleet.ClassifyRequests(r.cfg.KeyPrefix, r.cfg.AllowedRegions, openRequests)
	deadInstances = fleet.ClassifyInstances(r.cfg.KeyPrefix, r.cfg.AllowedRegions, deadInstances)
	deadRequests = fleet.ClassifyRequests(r.cfg.KeyPrefix, r.cfg.AllowedRegions, deadRequests)

	// Step 3 (handled ahead of the diff engine since stalled requests
	// must never enter the snapshot the diff engine sees, spec.md §4.1).
	goodRequests, stalledRequests := fleet.SplitStalled(openRequests, now, r.cfg.StallTimeout)
	r.cancelStalled(ctx, stalledRequests)

	current := fleet.NewSnapshot(liveInstances, goodRequests)
	dead := fleet.NewSnapshot(deadInstances, deadRequests)

	// Step 2: diff engine.
	stats := r.diffEngine.Run(now, r.previous, current, dead, r.pendingInstances, r.pendingRequests, r.cfg.MaxIterationsForStateResolution)
	summary.PendingInstanceCount = r.pendingInstances.Len()
	summary.PendingRequestCount = r.pendingRequests.Len()
	if r.metrics != nil {
		r.metrics.PendingResolutionEntries.WithLabelValues("instance").Set(float64(r.pendingInstances.Len()))
		r.metrics.PendingResolutionEntries.WithLabelValues("request").Set(float64(r.pendingRequests.Len()))
		r.metrics.PendingResolutionDropped.WithLabelValues("instance").Add(float64(stats.InstancesDropped))
		r.metrics.PendingResolutionDropped.WithLabelValues("request").Add(float64(stats.RequestsDropped))
	}

	// Step 4: reconcile the in-flight tracker.
	r.reconcileInFlight(now, current)

	// Step 5: per-worker-type bidding/termination, fanned out in
	// parallel (spec.md §5).
	workerStatuses, names, err := r.reconcileWorkerTypes(ctx, now, current)
	if err != nil {
		return summary, fmt.Errorf("enumerate worker types: %w", err)
	}
	summary.WorkerTypes = workerStatuses

	configured := make(map[string]bool, len(names))
	for _, name := range names {
		configured[name] = true
	}

	if r.cfg.DryRun {
		r.logger.Info("dry run: skipping rogue and age killers")
	} else {
		// Step 6: rogue killer.
		r.runRogueKiller(ctx, configured, current)

		// Step 7: age killer.
		if err := r.ageKiller.Run(ctx, now, current); err != nil {
			r.logger.Warn("age killer failed, will retry next iteration", "error", err)
		}
	}

	// Step 8: best-effort tagging pass + ami_usage events.
	r.tagUntagged(ctx, current, configured)
	r.emitAMIUsage(now, current, configured)

	r.previous = current
	return summary, nil
}

func flattenInstances(byRegion map[string][]fleet.Instance) []fleet.Instance {
	var out []fleet.Instance
	for _, items := range byRegion {
		out = append(out, items...)
	}
	return out
}

func flattenRequests(byRegion map[string][]fleet.Request) []fleet.Request {
	var out []fleet.Request
	for _, items := range byRegion {
		out = append(out, items...)
	}
	return out
}

// cancelStalled cancels every stalled request synchronously, batched
// per region (spec.md §4.1).
func (r *Reconciler) cancelStalled(ctx context.Context, stalled []fleet.Request) {
	byRegion := make(map[string][]string)
	for _, req := range stalled {
		byRegion[req.Region] = append(byRegion[req.Region], req.RequestID)
		if r.metrics != nil {
			r.metrics.StalledRequests.WithLabelValues(req.WorkerType, string(req.StatusCode)).Inc()
		}
	}
	for region, ids := range byRegion {
		if err := r.adapter.CancelSpotRequests(ctx, region, ids); err != nil {
			r.logger.Warn("cancel stalled requests failed, will retry next iteration", "region", region, "error", err)
		}
	}
}

// reconcileInFlight sweeps the tracker against the current snapshot's
// visible request IDs and emits a bid_visibility_lag event per entry
// (spec.md §4.3).
func (r *Reconciler) reconcileInFlight(now time.Time, current fleet.Snapshot) {
	visible := make(map[string]bool)
	for _, req := range current.Requests() {
		visible[req.RequestID] = true
	}

	results := r.inFlight.Sweep(now, r.cfg.InFlightTimeout, visible)
	for _, res := range results {
		didShow := 0
		if res.DidShow {
			didShow = 1
		} else if r.metrics != nil {
			r.metrics.InFlightTimeouts.WithLabelValues(res.Record.WorkerType).Inc()
		}
		r.sink.Emit(events.KindBidVisibilityLag, events.Fields{
			"request_id":  res.Record.RequestID,
			"worker_type": res.Record.WorkerType,
			"region":      res.Record.Region,
			"lag_ms":      now.Sub(res.Record.SubmittedAt).Milliseconds(),
			"did_show":    didShow,
		})
	}

	if r.metrics != nil {
		for wt, count := range r.inFlight.WorkerTypeCounts() {
			r.metrics.InFlightEntries.WithLabelValues(wt).Set(float64(count))
		}
	}
}

// reconcileWorkerTypes runs step 5 for every configured worker-type
// in parallel, each failure logged and skipped rather than aborting
// its siblings (spec.md §7, self-healing by repetition). It returns
// the statuses of the worker-types that reconciled and the full list
// of configured worker-type names.
func (r *Reconciler) reconcileWorkerTypes(ctx context.Context, now time.Time, current fleet.Snapshot) ([]WorkerTypeStatus, []string, error) {
	names, err := r.store.ListWorkerTypes(ctx)
	if err != nil {
		return nil, nil, err
	}

	var mu sync.Mutex
	var statuses []WorkerTypeStatus

	p := pool.New().WithContext(ctx).WithMaxGoroutines(8)
	for _, name := range names {
		name := name
		p.Go(func(ctx context.Context) error {
			ws, ok := r.reconcileOneWorkerType(ctx, now, current, name)
			if !ok {
				return nil
			}
			mu.Lock()
			statuses = append(statuses, ws)
			mu.Unlock()
			return nil
		})
	}
	_ = p.Wait()

	return statuses, names, nil
}

func (r *Reconciler) reconcileOneWorkerType(ctx context.Context, now time.Time, current fleet.Snapshot, name string) (WorkerTypeStatus, bool) {
	def, err := r.store.LoadWorkerType(ctx, name)
	if err != nil {
		r.logger.Warn("failed to load worker-type, skipping", "worker_type", name, "error", err)
		return WorkerTypeStatus{}, false
	}

	if err := r.keys.Ensure(ctx, name, def.RegionNames()); err != nil {
		r.logger.Warn("key pair ensure failed, skipping bids this iteration", "worker_type", name, "error", err)
		return WorkerTypeStatus{}, false
	}

	instances := current.InstancesForWorkerType(name)
	requests := current.RequestsForWorkerType(name)
	inFlightRecs := r.inFlight.EntriesForWorkerType(name)

	cur := capacity.Current(def, instances, requests, inFlightRecs)

	pendingTasks := 0
	if r.queue != nil {
		pendingTasks, err = r.queue.PendingTasks(ctx, name)
		if err != nil {
			r.logger.Warn("pending task query failed, assuming zero", "worker_type", name, "error", err)
		}
	}
	target := capacity.Target(def, pendingTasks)
	delta := capacity.Delta(target, cur)
	excess := capacity.Excess(def, cur)

	if r.metrics != nil {
		r.metrics.CapacityCurrent.WithLabelValues(name).Set(float64(cur))
		r.metrics.CapacityTarget.WithLabelValues(name).Set(float64(target))
	}

	if !r.cfg.DryRun {
		wb := r.bidder.WithKeyName(r.keys.KeyName(name))
		if delta > 0 {
			if err := wb.FillDelta(ctx, def, delta, r.inFlight, now); err != nil {
				r.logger.Warn("fill delta failed, will retry next iteration", "worker_type", name, "error", err)
			}
		}
		if excess > 0 {
			if err := wb.Terminate(ctx, def, excess, instances, requests, inFlightRecs, r.inFlight); err != nil {
				r.logger.Warn("terminate excess failed, will retry next iteration", "worker_type", name, "error", err)
			}
		}
	}

	return WorkerTypeStatus{
		Name:            name,
		CapacityCurrent: cur,
		CapacityTarget:  target,
		InFlightCount:   len(inFlightRecs),
	}, true
}

func (r *Reconciler) runRogueKiller(ctx context.Context, configured map[string]bool, current fleet.Snapshot) {
	inFlightByWorkerType := make(map[string][]inflight.Record)
	for wt := range r.inFlight.WorkerTypeCounts() {
		inFlightByWorkerType[wt] = r.inFlight.EntriesForWorkerType(wt)
	}

	if r.metrics != nil {
		for wt := range current.WorkerTypes() {
			if configured[wt] {
				continue
			}
			count := len(current.InstancesForWorkerType(wt)) + len(current.RequestsForWorkerType(wt))
			r.metrics.RogueKilled.WithLabelValues(wt).Add(float64(count))
		}
	}

	if err := r.rogueKiller.Run(ctx, configured, current, inFlightByWorkerType, r.inFlight, r.cfg.AllowedRegions); err != nil {
		r.logger.Warn("rogue killer failed, will retry next iteration", "error", err)
	}
}

// tagUntagged best-effort re-applies the Name/Owner/WorkerType tags to
// every instance and request of a configured worker-type in the
// current snapshot, grouped per region. The
// normalized fleet model carries no "is tagged" bit, so rather than
// diff tag state this simply reapplies idempotently; cloud tagging
// calls are defined to be no-ops when the value is unchanged
// (spec.md §6, §4.7 step 8).
func (r *Reconciler) tagUntagged(ctx context.Context, current fleet.Snapshot, configured map[string]bool) {
	type batch struct {
		ids  []string
		tags map[string]string
	}
	byRegion := make(map[string][]batch)

	for _, inst := range current.Instances() {
		if !configured[inst.WorkerType] {
			continue
		}
		byRegion[inst.Region] = append(byRegion[inst.Region], batch{
			ids:  []string{inst.InstanceID},
			tags: r.tagsFor(inst.WorkerType),
		})
	}
	for _, req := range current.Requests() {
		if !configured[req.WorkerType] {
			continue
		}
		byRegion[req.Region] = append(byRegion[req.Region], batch{
			ids:  []string{req.RequestID},
			tags: r.tagsFor(req.WorkerType),
		})
	}

	for region, batches := range byRegion {
		for _, b := range batches {
			if err := r.adapter.CreateTags(ctx, region, b.ids, b.tags); err != nil {
				r.logger.Debug("tagging failed, ignored", "region", region, "error", err)
			}
		}
	}
}

func (r *Reconciler) tagsFor(workerType string) map[string]string {
	return map[string]string{
		"Name":       workerType,
		"Owner":      r.cfg.ProvisionerID,
		"WorkerType": fmt.Sprintf("%s/%s", r.cfg.ProvisionerID, workerType),
	}
}

// emitAMIUsage emits one ami_usage event per worker-type carrying the
// distinct image IDs observed among its current instances.
func (r *Reconciler) emitAMIUsage(now time.Time, current fleet.Snapshot, configured map[string]bool) {
	byWorkerType := make(map[string]map[string]bool)
	for _, inst := range current.Instances() {
		if !configured[inst.WorkerType] || inst.ImageID == "" {
			continue
		}
		if byWorkerType[inst.WorkerType] == nil {
			byWorkerType[inst.WorkerType] = make(map[string]bool)
		}
		byWorkerType[inst.WorkerType][inst.ImageID] = true
	}

	for wt, images := range byWorkerType {
		ids := make([]string, 0, len(images))
		for id := range images {
			ids = append(ids, id)
		}
		r.sink.Emit(events.KindAMIUsage, events.Fields{
			"worker_type": wt,
			"image_ids":   ids,
			"observed_at": now.UnixMilli(),
		})
	}
}
