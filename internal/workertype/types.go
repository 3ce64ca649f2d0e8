// Package workertype defines the read-only worker-type definition
// model and the Store interface the reconciler borrows it through.
// The store itself — persistence, the CRUD HTTP surface over it — is
// an external collaborator out of scope for this module; only the
// read interface and a minimal file-backed implementation (useful for
// local runs and tests) live here.
package workertype

// InstanceTypeOption is one instance-type choice available to a
// worker-type, with its tasks-per-instance capacity and its
// utility multiplier for price normalization (spec.md §3).
type InstanceTypeOption struct {
	Type      string
	Capacity  int
	Utility   float64
	Overrides map[string]string
}

// RegionOption is one region a worker-type is allowed to bid in.
type RegionOption struct {
	Region    string
	Overrides map[string]string
}

// Definition is the read-only worker-type definition the core
// consumes from the external store.
type Definition struct {
	Name             string
	MinCapacity      int
	MaxCapacity      int
	ScalingRatio     float64
	MinPrice         float64
	MaxPrice         float64
	InstanceTypes    []InstanceTypeOption
	Regions          []RegionOption
	SharedLaunchSpec map[string]interface{}
}

// InstanceTypeByName returns the InstanceTypeOption named typ, if any.
func (d Definition) InstanceTypeByName(typ string) (InstanceTypeOption, bool) {
	for _, it := range d.InstanceTypes {
		if it.Type == typ {
			return it, true
		}
	}
	return InstanceTypeOption{}, false
}

// CapacityOf returns the capacity of an instance-type, defaulting to
// 1 when the type is unknown to this definition (spec.md §4.4).
func (d Definition) CapacityOf(typ string) int {
	if it, ok := d.InstanceTypeByName(typ); ok {
		return it.Capacity
	}
	return 1
}

// UtilityOf returns the utility of an instance-type, defaulting to 1
// (no normalization) when unknown.
func (d Definition) UtilityOf(typ string) float64 {
	if it, ok := d.InstanceTypeByName(typ); ok && it.Utility > 0 {
		return it.Utility
	}
	return 1
}

// RegionNames is a convenience accessor over Regions.
func (d Definition) RegionNames() []string {
	out := make([]string, len(d.Regions))
	for i, r := range d.Regions {
		out[i] = r.Region
	}
	return out
}
