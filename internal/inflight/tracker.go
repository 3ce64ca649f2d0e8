// Package inflight implements the process-local tracker that bridges
// the eventual-consistency gap between "bid submitted" and "bid
// visible in a snapshot" (spec.md §4.3).
package inflight

import "time"

// Record is one submitted-but-not-yet-visible spot bid
// (spec.md §3).
type Record struct {
	RequestID    string
	WorkerType   string
	Region       string
	Zone         string
	InstanceType string
	BidPrice     float64
	SubmittedAt  time.Time
}

// Tracker is process-private and mutated only on the reconciliation
// goroutine (spec.md §5) — no internal locking. A status endpoint
// that needs a thread-safe view reads a published snapshot from the
// reconciler instead of this tracker directly.
type Tracker struct {
	entries map[string]Record // keyed by RequestID
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]Record)}
}

// Add records a newly-submitted bid. Safe to call repeatedly with the
// same RequestID (last write wins), matching the "removal is
// idempotent" requirement for insertion's dual.
func (t *Tracker) Add(r Record) {
	t.entries[r.RequestID] = r
}

// Remove drops an entry directly, used when a kill cancels a bid
// before it has a chance to either show up in a snapshot or time out.
func (t *Tracker) Remove(requestID string) {
	delete(t.entries, requestID)
}

// SweepResult reports what a Sweep did to one entry.
type SweepResult struct {
	Record  Record
	DidShow bool // true: became visible in the snapshot; false: timed out
}

// Sweep removes every entry that either became visible in
// visibleRequestIDs (the current snapshot's request IDs) or has aged
// past timeout, and returns what happened to each. Built as a
// next-state map first, then swapped in, per the "build-next-state,
// then swap" discipline of spec.md §9 rather than splicing the map
// while iterating it.
func (t *Tracker) Sweep(now time.Time, timeout time.Duration, visibleRequestIDs map[string]bool) []SweepResult {
	next := make(map[string]Record, len(t.entries))
	var results []SweepResult

	for id, rec := range t.entries {
		if visibleRequestIDs[id] {
			results = append(results, SweepResult{Record: rec, DidShow: true})
			continue
		}
		if now.Sub(rec.SubmittedAt) > timeout {
			results = append(results, SweepResult{Record: rec, DidShow: false})
			continue
		}
		next[id] = rec
	}

	t.entries = next
	return results
}

// EntriesForWorkerType returns a copy of the currently tracked
// entries for one worker-type, used by capacity accounting
// (spec.md §4.4) to count in-flight bids as spot requests of their
// own instance-type.
func (t *Tracker) EntriesForWorkerType(workerType string) []Record {
	var out []Record
	for _, rec := range t.entries {
		if rec.WorkerType == workerType {
			out = append(out, rec)
		}
	}
	return out
}

// WorkerTypeCounts returns the number of tracked entries per
// worker-type, for metrics and for enumerating which worker-types
// currently have in-flight bids.
func (t *Tracker) WorkerTypeCounts() map[string]int {
	out := make(map[string]int)
	for _, rec := range t.entries {
		out[rec.WorkerType]++
	}
	return out
}

// Len returns the total number of tracked entries, for metrics.
func (t *Tracker) Len() int {
	return len(t.entries)
}
