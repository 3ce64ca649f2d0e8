// Package safety implements the two Safety Killers of spec.md §4.6:
// the rogue killer, which removes every resource for a worker-type no
// longer in the configured set, and the age killer, which terminates
// instances that have outlived the configured max instance life.
//
// Grounded on the reconciler's per-worker-type iteration shape: both
// killers are plain functions over a snapshot and injected
// collaborators, called once per reconciliation step rather than
// carrying any state of their own.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"Drift/internal/bidder"
	"Drift/internal/fleet"
	"Drift/internal/inflight"
	"Drift/internal/keypair"
	"Drift/internal/workertype"
)

// RogueKiller removes all cloud resources for worker-types observed
// in fleet state but absent from the configured set. Called with an
// empty configured set it acts as a global stop (spec.md §4.6).
type RogueKiller struct {
	bidder  *bidder.Bidder
	keypair *keypair.Manager
	logger  *slog.Logger
}

// NewRogueKiller creates a RogueKiller.
func NewRogueKiller(b *bidder.Bidder, k *keypair.Manager, logger *slog.Logger) *RogueKiller {
	return &RogueKiller{bidder: b, keypair: k, logger: logger.With("component", "rogue-killer")}
}

// Run terminates every instance, cancels every request, and deletes
// the key pair in every allowed region for any worker-type present in
// snapshot state but not in configured.
func (k *RogueKiller) Run(ctx context.Context, configured map[string]bool, snapshot fleet.Snapshot, inFlightByWorkerType map[string][]inflight.Record, inFlightTracker *inflight.Tracker, allowedRegions []string) error {
	observed := snapshot.WorkerTypes()
	for wt := range inFlightByWorkerType {
		observed[wt] = true
	}

	for workerType := range observed {
		if configured[workerType] {
			continue
		}

		instances := snapshot.InstancesForWorkerType(workerType)
		requests := snapshot.RequestsForWorkerType(workerType)
		inFlight := inFlightByWorkerType[workerType]

		def := workertype.Definition{Name: workerType}
		if err := k.bidder.Shutdown(ctx, def, instances, requests, inFlight, inFlightTracker); err != nil {
			return fmt.Errorf("rogue shutdown for %s: %w", workerType, err)
		}

		if err := k.keypair.Delete(ctx, workerType, allowedRegions); err != nil {
			k.logger.Warn("rogue key pair delete failed", "worker_type", workerType, "error", err)
		}

		k.logger.Info("rogue worker-type cleaned up", "worker_type", workerType,
			"instances", len(instances), "requests", len(requests), "in_flight", len(inFlight))
	}
	return nil
}

// AgeKiller terminates instances older than a configured max life.
// Instances with no launch_time are ignored (spec.md §4.6).
type AgeKiller struct {
	adapter interface {
		TerminateInstances(ctx context.Context, region string, instanceIDs []string) error
	}
	maxInstanceLife time.Duration
	logger          *slog.Logger
}

// NewAgeKiller creates an AgeKiller.
func NewAgeKiller(adapter interface {
	TerminateInstances(ctx context.Context, region string, instanceIDs []string) error
}, maxInstanceLife time.Duration, logger *slog.Logger) *AgeKiller {
	return &AgeKiller{adapter: adapter, maxInstanceLife: maxInstanceLife, logger: logger.With("component", "age-killer")}
}

// Run terminates every instance in snapshot whose launch_time precedes
// now - maxInstanceLife, batched per region.
func (k *AgeKiller) Run(ctx context.Context, now time.Time, snapshot fleet.Snapshot) error {
	cutoff := now.Add(-k.maxInstanceLife)
	byRegion := make(map[string][]string)

	for _, inst := range snapshot.Instances() {
		if inst.LaunchTime.IsZero() {
			continue
		}
		if inst.LaunchTime.Before(cutoff) {
			byRegion[inst.Region] = append(byRegion[inst.Region], inst.InstanceID)
		}
	}

	for region, ids := range byRegion {
		if err := k.adapter.TerminateInstances(ctx, region, ids); err != nil {
			k.logger.Warn("age-kill terminate failed, will retry next iteration", "region", region, "error", err)
			continue
		}
		k.logger.Info("age-killed instances", "region", region, "count", len(ids))
	}
	return nil
}
