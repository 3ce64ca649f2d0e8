// Package capacity implements the capacity accounting math of
// spec.md §4.4: summing provisioned capacity across instances, open
// requests, and in-flight bids, and sizing a target against a
// pending-task backlog.
//
// Grounded on the teacher's minInt/maxInt clamp helpers in
// internal/controller/controller.go, generalized from a runner count
// to a capacity-unit count.
package capacity

import (
	"math"

	"Drift/internal/fleet"
	"Drift/internal/inflight"
	"Drift/internal/workertype"
)

// Current sums capacity_of across instances, open requests, and
// in-flight bids for one worker-type. In-flight entries are counted
// as spot requests of their own instance-type so that a bid already
// submitted this iteration is never double-provisioned before the
// cloud API catches up (spec.md §4.3).
func Current(def workertype.Definition, instances []fleet.Instance, requests []fleet.Request, inFlight []inflight.Record) int {
	total := 0
	for _, inst := range instances {
		total += def.CapacityOf(inst.InstanceType)
	}
	for _, req := range requests {
		total += def.CapacityOf(req.InstanceType)
	}
	for _, rec := range inFlight {
		total += def.CapacityOf(rec.InstanceType)
	}
	return total
}

// Target computes the clamped target capacity T for pendingTasks
// tasks given the worker-type's scaling ratio: T = ceil(pendingTasks /
// scalingRatio) when scalingRatio > 0, or T = pendingTasks when
// scalingRatio == 0, then clamped to [MinCapacity, MaxCapacity]
// (spec.md §4.4).
func Target(def workertype.Definition, pendingTasks int) int {
	var t int
	if def.ScalingRatio > 0 {
		t = int(math.Ceil(float64(pendingTasks) / def.ScalingRatio))
	} else {
		t = pendingTasks
	}
	return clamp(t, def.MinCapacity, def.MaxCapacity)
}

// Delta is the non-negative capacity to provision this iteration:
// max(0, target - current).
func Delta(target, current int) int {
	d := target - current
	if d < 0 {
		return 0
	}
	return d
}

// Excess is the positive overage beyond MaxCapacity that the
// termination path must remove, or 0 if current is within bounds.
func Excess(def workertype.Definition, current int) int {
	if current <= def.MaxCapacity {
		return 0
	}
	return current - def.MaxCapacity
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
