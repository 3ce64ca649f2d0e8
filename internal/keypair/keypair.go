// Package keypair implements the Key-Pair Manager (spec.md §4.5): for
// each worker-type, ensures its SSH key pair exists in every allowed
// region before any bid is placed for it.
//
// Grounded on the teacher's internal/provider/ec2.go describe-then-act
// pattern (describe first, act only on what's missing), generalized
// to a process-local known-good cache per worker-type.
package keypair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"Drift/internal/cloud"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
)

// Manager ensures worker-type key pairs exist across regions and
// deletes them on rogue-kill. The known-good cache is process-local
// and intentionally never persisted: after a restart, every
// worker-type is re-checked, so a newly added region is picked up on
// the first post-restart iteration rather than silently skipped
// (spec.md §4.5).
type Manager struct {
	adapter       cloud.Adapter
	keyPrefix     string
	publicKeyBody string
	logger        *slog.Logger

	mu        sync.Mutex
	knownGood map[string]bool // keyed by worker-type name

	importsMetric *prometheus.CounterVec
}

// New creates a Manager. keyPrefix is prepended to every worker-type
// name to form the cloud key-pair name.
func New(adapter cloud.Adapter, keyPrefix, publicKeyBody string, logger *slog.Logger) *Manager {
	return &Manager{
		adapter:       adapter,
		keyPrefix:     keyPrefix,
		publicKeyBody: publicKeyBody,
		logger:        logger.With("component", "keypair-manager"),
		knownGood:     make(map[string]bool),
	}
}

// KeyName returns the cloud key-pair name for a worker-type.
func (m *Manager) KeyName(workerType string) string {
	return m.keyPrefix + workerType
}

// SetImportMetric attaches a counter incremented once per successful
// import, labeled worker_type/region. Optional; nil (the default)
// disables the instrumentation.
func (m *Manager) SetImportMetric(c *prometheus.CounterVec) {
	m.importsMetric = c
}

// Ensure guarantees the worker-type's key pair exists in every region
// in regions, importing it wherever it's missing. Skips the describe
// round-trip entirely once a worker-type is known-good for the
// current process lifetime.
func (m *Manager) Ensure(ctx context.Context, workerType string, regions []string) error {
	m.mu.Lock()
	good := m.knownGood[workerType]
	m.mu.Unlock()
	if good {
		return nil
	}

	keyName := m.KeyName(workerType)

	present, err := m.describeAcrossRegions(ctx, regions, keyName)
	if err != nil {
		return fmt.Errorf("describe key pairs for %s: %w", workerType, err)
	}

	var missing []string
	for _, region := range regions {
		if !present[region] {
			missing = append(missing, region)
		}
	}

	if len(missing) > 0 {
		if err := m.importAcrossRegions(ctx, missing, keyName); err != nil {
			return fmt.Errorf("import key pair for %s: %w", workerType, err)
		}
		if m.importsMetric != nil {
			for _, region := range missing {
				m.importsMetric.WithLabelValues(workerType, region).Inc()
			}
		}
	}

	m.mu.Lock()
	m.knownGood[workerType] = true
	m.mu.Unlock()
	return nil
}

// Forget clears the known-good flag for a worker-type, forcing the
// next Ensure call to re-check. Used after a rogue-kill deletes the
// key pair.
func (m *Manager) Forget(workerType string) {
	m.mu.Lock()
	delete(m.knownGood, workerType)
	m.mu.Unlock()
}

// Delete removes the worker-type's key pair from every region in
// regions, best-effort (spec.md §4.6, rogue killer).
func (m *Manager) Delete(ctx context.Context, workerType string, regions []string) error {
	keyName := m.KeyName(workerType)
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, region := range regions {
		region := region
		p.Go(func(ctx context.Context) error {
			if err := m.adapter.DeleteKeyPair(ctx, region, keyName); err != nil {
				m.logger.Warn("delete key pair failed", "worker_type", workerType, "region", region, "error", err)
			}
			return nil
		})
	}
	err := p.Wait()
	m.Forget(workerType)
	return err
}

func (m *Manager) describeAcrossRegions(ctx context.Context, regions []string, keyName string) (map[string]bool, error) {
	type result struct {
		region  string
		present bool
	}
	resultsCh := make(chan result, len(regions))

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, region := range regions {
		region := region
		p.Go(func(ctx context.Context) error {
			keys, err := m.adapter.DescribeKeyPairs(ctx, region)
			if err != nil {
				return err
			}
			resultsCh <- result{region: region, present: keys[keyName]}
			return nil
		})
	}

	err := p.Wait()
	close(resultsCh)

	out := make(map[string]bool, len(regions))
	for r := range resultsCh {
		out[r.region] = r.present
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) importAcrossRegions(ctx context.Context, regions []string, keyName string) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, region := range regions {
		region := region
		p.Go(func(ctx context.Context) error {
			return m.adapter.ImportKeyPair(ctx, region, keyName, m.publicKeyBody)
		})
	}
	return p.Wait()
}
