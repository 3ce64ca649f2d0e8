// Package pricing defines the spot-price oracle interface the bidder
// consumes. The real pricing source (a price-history API or cache) is
// an external collaborator; this package also provides the uniform-
// price fallback the spec calls for when no oracle is configured.
package pricing

import "context"

// Oracle supplies a recent observed spot price for one
// (region, instance type, zone) candidate.
type Oracle interface {
	RecentSpot(ctx context.Context, region, instanceType, zone string) (float64, error)
}

// Uniform is a fallback Oracle returning the same price for every
// candidate, used when the bidder has no real pricing source
// (spec.md §6, "bidder falls back to uniform price if absent").
type Uniform struct {
	Price float64
}

func (u Uniform) RecentSpot(ctx context.Context, region, instanceType, zone string) (float64, error) {
	return u.Price, nil
}
