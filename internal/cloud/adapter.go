// Package cloud is the thin, uniform wrapper over per-region cloud
// APIs (spec.md §2.1): describeInstances, describeSpotRequests,
// requestSpot, terminateInstances, cancelSpotRequests, importKeyPair,
// describeKeyPairs, deleteKeyPair, createTags, each region-
// parameterized. The duck-typed shape differences between describe
// calls are normalized into fleet.Instance / fleet.Request at this
// boundary (spec.md §9), never downstream.
package cloud

import (
	"context"

	"Drift/internal/fleet"
)

// SpotBidInput is everything the adapter needs to place one one-time,
// InstanceCount=1 spot bid (spec.md §6).
type SpotBidInput struct {
	Region           string
	Zone             string
	InstanceType     string
	ImageID          string
	KeyName          string
	SubnetID         string
	SecurityGroupIDs []string
	UserData         string
	BidPrice         float64
	ClientToken      string
	Tags             map[string]string
}

// Adapter is the uniform per-region cloud API surface the rest of the
// core depends on. Implementations must classify errors into
// transient (wrap with Transient) vs permanent so the reconciler can
// decide whether to skip or abort (spec.md §7).
type Adapter interface {
	// DescribeInstances returns live instances when dead is false
	// (state in {pending, running, stopping}), or the richer "dead"
	// view (state in {shutting-down, terminated}, with StateReason
	// populated) when dead is true.
	DescribeInstances(ctx context.Context, region string, dead bool) ([]fleet.Instance, error)

	// DescribeSpotRequests returns open requests when resolved is
	// false, or the richer "resolved" view (state in
	// {active, cancelled, failed, closed}) when resolved is true.
	DescribeSpotRequests(ctx context.Context, region string, resolved bool) ([]fleet.Request, error)

	RequestSpot(ctx context.Context, in SpotBidInput) (requestID string, err error)
	TerminateInstances(ctx context.Context, region string, instanceIDs []string) error
	CancelSpotRequests(ctx context.Context, region string, requestIDs []string) error

	ImportKeyPair(ctx context.Context, region, keyName, publicKeyBody string) error
	DescribeKeyPairs(ctx context.Context, region string) (map[string]bool, error)
	DeleteKeyPair(ctx context.Context, region, keyName string) error

	CreateTags(ctx context.Context, region string, resourceIDs []string, tags map[string]string) error
}
