package cloud

import (
	"context"

	"Drift/internal/fleet"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"
)

// Observation is the per-region-flattened result of one fleet
// observation cycle: live instances, open spot requests, dead
// instances, and resolved spot requests, keyed by region
// (spec.md §4.1).
type Observation struct {
	Live     map[string][]fleet.Instance
	Open     map[string][]fleet.Request
	Dead     map[string][]fleet.Instance
	Resolved map[string][]fleet.Request
}

// Observe runs the four describe queries in parallel across the given
// regions, with per-region fan-out parallel within each query
// (spec.md §4.1, §5). The first failure of any query, retryable or
// not, cancels the context of the sibling queries and is returned
// as-is for the caller to classify.
func Observe(ctx context.Context, adapter Adapter, regions []string) (Observation, error) {
	var obs Observation

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		m, err := describePerRegion(ctx, regions, func(ctx context.Context, region string) ([]fleet.Instance, error) {
			return adapter.DescribeInstances(ctx, region, false)
		})
		obs.Live = m
		return err
	})
	g.Go(func() error {
		m, err := describePerRegion(ctx, regions, func(ctx context.Context, region string) ([]fleet.Request, error) {
			return adapter.DescribeSpotRequests(ctx, region, false)
		})
		obs.Open = m
		return err
	})
	g.Go(func() error {
		m, err := describePerRegion(ctx, regions, func(ctx context.Context, region string) ([]fleet.Instance, error) {
			return adapter.DescribeInstances(ctx, region, true)
		})
		obs.Dead = m
		return err
	})
	g.Go(func() error {
		m, err := describePerRegion(ctx, regions, func(ctx context.Context, region string) ([]fleet.Request, error) {
			return adapter.DescribeSpotRequests(ctx, region, true)
		})
		obs.Resolved = m
		return err
	})

	if err := g.Wait(); err != nil {
		return Observation{}, err
	}
	return obs, nil
}

// describePerRegion fans out one describe call across regions with
// bounded parallelism, joining all sub-tasks before returning
// (spec.md §5, "every iteration step that does fan-out joins all
// sub-tasks before proceeding").
func describePerRegion[T any](ctx context.Context, regions []string, call func(context.Context, string) ([]T, error)) (map[string][]T, error) {
	type result struct {
		region string
		items  []T
	}

	resultsCh := make(chan result, len(regions))
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	for _, region := range regions {
		region := region
		p.Go(func(ctx context.Context) error {
			items, err := call(ctx, region)
			if err != nil {
				return err
			}
			resultsCh <- result{region: region, items: items}
			return nil
		})
	}

	err := p.Wait()
	close(resultsCh)

	out := make(map[string][]T, len(regions))
	for r := range resultsCh {
		out[r.region] = r.items
	}

	if err != nil {
		return nil, err
	}
	return out, nil
}
