package fleet

import (
	"strings"
	"time"
)

// WorkerTypeFromKeyName recovers a worker-type name by stripping the
// configured key prefix from a key-pair name. The second return value
// is false when keyName does not carry the prefix, meaning the item
// does not belong to this fleet at all (spec.md §3, invariant a).
func WorkerTypeFromKeyName(keyPrefix, keyName string) (string, bool) {
	if keyPrefix == "" || !strings.HasPrefix(keyName, keyPrefix) {
		return "", false
	}
	workerType := strings.TrimPrefix(keyName, keyPrefix)
	if workerType == "" {
		return "", false
	}
	return workerType, true
}

func isAllowedRegion(allowedRegions []string, region string) bool {
	for _, r := range allowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// ClassifyInstances strips the key prefix from every instance's
// KeyName to derive WorkerType, dropping instances that don't match
// the prefix or whose region isn't configured.
func ClassifyInstances(keyPrefix string, allowedRegions []string, raw []Instance) []Instance {
	out := make([]Instance, 0, len(raw))
	for _, inst := range raw {
		wt, ok := WorkerTypeFromKeyName(keyPrefix, inst.KeyName)
		if !ok || !isAllowedRegion(allowedRegions, inst.Region) {
			continue
		}
		inst.WorkerType = wt
		out = append(out, inst)
	}
	return out
}

// ClassifyRequests is the request-side twin of ClassifyInstances.
func ClassifyRequests(keyPrefix string, allowedRegions []string, raw []Request) []Request {
	out := make([]Request, 0, len(raw))
	for _, req := range raw {
		wt, ok := WorkerTypeFromKeyName(keyPrefix, req.KeyName)
		if !ok || !isAllowedRegion(allowedRegions, req.Region) {
			continue
		}
		req.WorkerType = wt
		out = append(out, req)
	}
	return out
}

// SplitStalled bisects a classified, open-state request set into good
// and stalled (spec.md §4.1). Only open requests are considered;
// requests in any other state pass through as good unconditionally
// since staleness is only a concept for outstanding bids.
func SplitStalled(requests []Request, now time.Time, stallTimeout time.Duration) (good, stalled []Request) {
	good = make([]Request, 0, len(requests))
	stalled = make([]Request, 0)
	for _, r := range requests {
		if r.IsStalled(now, stallTimeout) {
			stalled = append(stalled, r)
			continue
		}
		good = append(good, r)
	}
	return good, stalled
}
