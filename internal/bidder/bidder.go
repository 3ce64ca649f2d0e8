// Package bidder implements price/capacity candidate selection and
// bid submission (spec.md §4.4), plus termination for excess capacity.
//
// Grounded on the teacher's internal/provider/ec2.createSpotInstance
// (spot request shape, best-effort tag specs), generalized from one
// fixed instance-type to multi-candidate selection across region,
// zone, and instance-type.
package bidder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"Drift/internal/capacity"
	"Drift/internal/cloud"
	"Drift/internal/events"
	"Drift/internal/fleet"
	"Drift/internal/inflight"
	"Drift/internal/pricing"
	"Drift/internal/workertype"
)

// Bidder selects the cheapest viable (region, zone, instance-type)
// candidate for a worker-type and submits bids until a capacity delta
// is satisfied, or tears down excess when over target.
type Bidder struct {
	adapter       cloud.Adapter
	oracle        pricing.Oracle
	launchSpecs   LaunchSpecBuilder
	sink          events.Sink
	provisionerID string
	keyName       string
	logger        *slog.Logger
}

// New creates a Bidder. oracle and launchSpecs fall back to
// pricing.Uniform{} / MergingBuilder{} when nil.
func New(adapter cloud.Adapter, oracle pricing.Oracle, launchSpecs LaunchSpecBuilder, sink events.Sink, provisionerID string, logger *slog.Logger) *Bidder {
	if oracle == nil {
		oracle = pricing.Uniform{}
	}
	if launchSpecs == nil {
		launchSpecs = MergingBuilder{}
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Bidder{
		adapter:       adapter,
		oracle:        oracle,
		launchSpecs:   launchSpecs,
		sink:          sink,
		provisionerID: provisionerID,
		logger:        logger.With("component", "bidder"),
	}
}

// WithKeyName returns a shallow copy of the Bidder that attaches
// keyName to every bid it submits. The reconciler calls this after
// ensuring the worker-type's key pair exists in every allowed region
// (spec.md §4.7: key-pair check happens-before bid submission).
func (b *Bidder) WithKeyName(keyName string) *Bidder {
	clone := *b
	clone.keyName = keyName
	return &clone
}

// candidate is one priceable (region, zone, instance-type) choice.
type candidate struct {
	region         string
	zone           string
	instanceType   string
	capacity       int
	utility        float64
	effectivePrice float64
	bidPrice       float64
}

// buildCandidates queries the pricing oracle for every (region,
// instance-type) combination the worker-type allows and keeps only
// the ones whose market price × utility falls inside the configured
// price envelope; the survivors are ranked by effective price (market
// price / utility). min_price/max_price are expressed in utility-normalized
// units: the bid ceiling submitted to the cloud is max_price scaled
// back into actual-price units by the instance type's utility, which
// protects the bid against short-term price spikes rather than
// chasing the momentary market price.
func (b *Bidder) buildCandidates(ctx context.Context, def workertype.Definition) []candidate {
	var out []candidate
	for _, r := range def.Regions {
		zone := r.Overrides["zone"]
		for _, it := range def.InstanceTypes {
			price, err := b.oracle.RecentSpot(ctx, r.Region, it.Type, zone)
			if err != nil {
				b.logger.Warn("pricing oracle failed, skipping candidate", "region", r.Region, "instance_type", it.Type, "error", err)
				continue
			}
			utility := def.UtilityOf(it.Type)
			effective := price / utility
			normalized := price * utility
			if def.MinPrice > 0 && normalized < def.MinPrice {
				continue
			}
			if def.MaxPrice > 0 && normalized > def.MaxPrice {
				continue
			}
			bidPrice := def.MaxPrice * utility
			if bidPrice <= 0 {
				bidPrice = price
			}
			out = append(out, candidate{
				region:         r.Region,
				zone:           zone,
				instanceType:   it.Type,
				capacity:       def.CapacityOf(it.Type),
				utility:        utility,
				effectivePrice: effective,
				bidPrice:       bidPrice,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].effectivePrice != out[j].effectivePrice {
			return out[i].effectivePrice < out[j].effectivePrice
		}
		if out[i].capacity != out[j].capacity {
			return out[i].capacity < out[j].capacity
		}
		return out[i].region < out[j].region
	})
	return out
}

// FillDelta submits bids for def one at a time on the cheapest
// candidate, reducing delta by that candidate's capacity, until
// delta <= 0. It bids nothing when there is no viable candidate or the
// cheapest one has no capacity. Every accepted bid is recorded in
// tracker before the next bid is submitted (spec.md §4.4).
func (b *Bidder) FillDelta(ctx context.Context, def workertype.Definition, delta int, tracker *inflight.Tracker, now time.Time) error {
	if delta <= 0 {
		return nil
	}

	candidates := b.buildCandidates(ctx, def)
	if len(candidates) == 0 {
		b.logger.Warn("no viable bid candidates", "worker_type", def.Name)
		return nil
	}

	c := candidates[0]
	if c.capacity <= 0 {
		b.logger.Warn("cheapest candidate has no capacity, not bidding", "worker_type", def.Name, "instance_type", c.instanceType)
		return nil
	}
	for delta > 0 {
		spec := b.launchSpecs.Build(def, c.instanceType, c.region)

		in := cloud.SpotBidInput{
			Region:           c.region,
			Zone:             c.zone,
			InstanceType:     c.instanceType,
			ImageID:          spec.ImageID,
			KeyName:          b.keyName,
			SubnetID:         spec.SubnetID,
			SecurityGroupIDs: spec.SecurityGroupIDs,
			UserData:         spec.UserData,
			BidPrice:         c.bidPrice,
			Tags: map[string]string{
				"Name":       def.Name,
				"Owner":      b.provisionerID,
				"WorkerType": fmt.Sprintf("%s/%s", b.provisionerID, def.Name),
			},
		}

		requestID, err := b.adapter.RequestSpot(ctx, in)
		if err != nil {
			if cloud.IsRetryable(err) {
				b.logger.Warn("transient bid failure, will retry next iteration", "worker_type", def.Name, "region", c.region, "error", err)
				return nil
			}
			return fmt.Errorf("submit bid for %s in %s: %w", def.Name, c.region, err)
		}

		tracker.Add(inflight.Record{
			RequestID:    requestID,
			WorkerType:   def.Name,
			Region:       c.region,
			Zone:         c.zone,
			InstanceType: c.instanceType,
			BidPrice:     c.bidPrice,
			SubmittedAt:  now,
		})
		b.sink.Emit(events.KindRequestSubmitted, events.Fields{
			"request_id":    requestID,
			"worker_type":   def.Name,
			"region":        c.region,
			"instance_type": c.instanceType,
			"bid_price":     c.bidPrice,
		})

		delta -= c.capacity
	}
	return nil
}

// killPlan accumulates resource IDs to cancel/terminate, batched per
// region, as candidates are picked off the in-flight/requests/
// instances kill order.
type killPlan struct {
	cancelSpotRequests map[string][]string
	terminateInstances map[string][]string
	inFlightIDs        map[string]bool
}

func newKillPlan() *killPlan {
	return &killPlan{
		cancelSpotRequests: make(map[string][]string),
		terminateInstances: make(map[string][]string),
		inFlightIDs:        make(map[string]bool),
	}
}

// Terminate kills resources to bring a worker-type's capacity back to
// bounds: in-flight requests first, then open spot requests (shuffled
// to avoid zone/region bias), then instances (shuffled), batched per
// region into one cancelSpotRequests and one terminateInstances call
// (spec.md §4.4). Killing stops at the first candidate whose removal
// would take capacity below MinCapacity; Shutdown is the variant
// without that floor.
func (b *Bidder) Terminate(ctx context.Context, def workertype.Definition, excess int, instances []fleet.Instance, requests []fleet.Request, inFlight []inflight.Record, tracker *inflight.Tracker) error {
	if excess <= 0 {
		return nil
	}
	return b.terminate(ctx, def, excess, instances, requests, inFlight, tracker, false)
}

// Shutdown kills every given resource for def regardless of
// min_capacity, used by the rogue killer and worker-type removal.
func (b *Bidder) Shutdown(ctx context.Context, def workertype.Definition, instances []fleet.Instance, requests []fleet.Request, inFlight []inflight.Record, tracker *inflight.Tracker) error {
	return b.terminate(ctx, def, 1<<30, instances, requests, inFlight, tracker, true)
}

func (b *Bidder) terminate(ctx context.Context, def workertype.Definition, excess int, instances []fleet.Instance, requests []fleet.Request, inFlight []inflight.Record, tracker *inflight.Tracker, fullShutdown bool) error {
	remaining := excess
	current := capacity.Current(def, instances, requests, inFlight)
	plan := newKillPlan()

	wouldStop := func(cap int) bool {
		if fullShutdown {
			return false
		}
		if remaining <= 0 {
			return true
		}
		return current-cap < def.MinCapacity
	}

	for _, rec := range inFlight {
		if wouldStop(def.CapacityOf(rec.InstanceType)) {
			break
		}
		cap := def.CapacityOf(rec.InstanceType)
		plan.cancelSpotRequests[rec.Region] = append(plan.cancelSpotRequests[rec.Region], rec.RequestID)
		plan.inFlightIDs[rec.RequestID] = true
		remaining -= cap
		current -= cap
	}

	shuffledRequests := append([]fleet.Request(nil), requests...)
	rand.Shuffle(len(shuffledRequests), func(i, j int) { shuffledRequests[i], shuffledRequests[j] = shuffledRequests[j], shuffledRequests[i] })
	for _, req := range shuffledRequests {
		cap := def.CapacityOf(req.InstanceType)
		if wouldStop(cap) {
			break
		}
		plan.cancelSpotRequests[req.Region] = append(plan.cancelSpotRequests[req.Region], req.RequestID)
		remaining -= cap
		current -= cap
	}

	shuffledInstances := append([]fleet.Instance(nil), instances...)
	rand.Shuffle(len(shuffledInstances), func(i, j int) { shuffledInstances[i], shuffledInstances[j] = shuffledInstances[j], shuffledInstances[i] })
	for _, inst := range shuffledInstances {
		cap := def.CapacityOf(inst.InstanceType)
		if wouldStop(cap) {
			break
		}
		plan.terminateInstances[inst.Region] = append(plan.terminateInstances[inst.Region], inst.InstanceID)
		remaining -= cap
		current -= cap
	}

	for region, ids := range plan.cancelSpotRequests {
		if err := b.adapter.CancelSpotRequests(ctx, region, ids); err != nil {
			b.logger.Warn("cancel spot requests failed, will retry next iteration", "region", region, "error", err)
			continue
		}
	}
	for region, ids := range plan.terminateInstances {
		if err := b.adapter.TerminateInstances(ctx, region, ids); err != nil {
			b.logger.Warn("terminate instances failed, will retry next iteration", "region", region, "error", err)
		}
	}

	for id := range plan.inFlightIDs {
		tracker.Remove(id)
	}

	return nil
}
