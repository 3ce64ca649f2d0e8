package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"Drift/internal/cloud"
	"Drift/internal/events"
	"Drift/internal/fleet"
	"Drift/internal/workertype"
)

type mockAdapter struct {
	cloud.Adapter

	instances map[string][]fleet.Instance
	requests  map[string][]fleet.Request

	requestSpotCalls int
	terminated       map[string][]string
	cancelled        map[string][]string
	imported         map[string]bool
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		instances:  make(map[string][]fleet.Instance),
		requests:   make(map[string][]fleet.Request),
		terminated: make(map[string][]string),
		cancelled:  make(map[string][]string),
		imported:   make(map[string]bool),
	}
}

func (m *mockAdapter) DescribeInstances(ctx context.Context, region string, dead bool) ([]fleet.Instance, error) {
	if dead {
		return nil, nil
	}
	return m.instances[region], nil
}

func (m *mockAdapter) DescribeSpotRequests(ctx context.Context, region string, resolved bool) ([]fleet.Request, error) {
	if resolved {
		return nil, nil
	}
	return m.requests[region], nil
}

func (m *mockAdapter) RequestSpot(ctx context.Context, in cloud.SpotBidInput) (string, error) {
	m.requestSpotCalls++
	return "sir-new", nil
}

func (m *mockAdapter) TerminateInstances(ctx context.Context, region string, ids []string) error {
	m.terminated[region] = append(m.terminated[region], ids...)
	return nil
}

func (m *mockAdapter) CancelSpotRequests(ctx context.Context, region string, ids []string) error {
	m.cancelled[region] = append(m.cancelled[region], ids...)
	return nil
}

func (m *mockAdapter) ImportKeyPair(ctx context.Context, region, keyName, publicKeyBody string) error {
	m.imported[region+"/"+keyName] = true
	return nil
}

func (m *mockAdapter) DescribeKeyPairs(ctx context.Context, region string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (m *mockAdapter) DeleteKeyPair(ctx context.Context, region, keyName string) error {
	return nil
}

func (m *mockAdapter) CreateTags(ctx context.Context, region string, ids []string, tags map[string]string) error {
	return nil
}

type mockStore struct {
	defs map[string]workertype.Definition
}

func (s *mockStore) ListWorkerTypes(ctx context.Context) ([]string, error) {
	var names []string
	for name := range s.defs {
		names = append(names, name)
	}
	return names, nil
}

func (s *mockStore) LoadWorkerType(ctx context.Context, name string) (workertype.Definition, error) {
	return s.defs[name], nil
}

type mockQueue struct {
	pending map[string]int
}

func (q *mockQueue) PendingTasks(ctx context.Context, workerType string) (int, error) {
	return q.pending[workerType], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDef(name string) workertype.Definition {
	return workertype.Definition{
		Name:         name,
		MinCapacity:  0,
		MaxCapacity:  10,
		ScalingRatio: 1,
		MinPrice:     0,
		MaxPrice:     10,
		InstanceTypes: []workertype.InstanceTypeOption{
			{Type: "m5.large", Capacity: 1, Utility: 1},
		},
		Regions: []workertype.RegionOption{
			{Region: "us-east-1"},
		},
	}
}

func newTestReconciler(adapter *mockAdapter, store *mockStore, q *mockQueue) *Reconciler {
	cfg := Config{
		ProvisionerID:                   "drift",
		KeyPrefix:                       "drift-",
		PublicKeyBody:                   "ssh-rsa AAAA",
		AllowedRegions:                  []string{"us-east-1"},
		IterationInterval:               time.Minute,
		CloudCallTimeout:                time.Second,
		MaxInstanceLife:                 24 * time.Hour,
		StallTimeout:                    5 * time.Minute,
		InFlightTimeout:                 2 * time.Minute,
		MaxIterationsForStateResolution: 3,
	}
	return New(cfg, adapter, store, q, nil, events.NopSink{}, nil, testLogger())
}

func TestReconcileOnceColdStartBidsUpToMinCapacity(t *testing.T) {
	adapter := newMockAdapter()
	def := testDef("web")
	def.MinCapacity = 2
	store := &mockStore{defs: map[string]workertype.Definition{"web": def}}
	q := &mockQueue{pending: map[string]int{}}

	r := newTestReconciler(adapter, store, q)

	summary, err := r.reconcileOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("reconcileOnce() error = %v", err)
	}
	if adapter.requestSpotCalls != 2 {
		t.Errorf("requestSpotCalls = %d, want 2 (MinCapacity)", adapter.requestSpotCalls)
	}
	if len(summary.WorkerTypes) != 1 {
		t.Fatalf("WorkerTypes = %v, want 1 entry", summary.WorkerTypes)
	}
	ws := summary.WorkerTypes[0]
	if ws.Name != "web" || ws.CapacityTarget != 2 {
		t.Errorf("WorkerTypeStatus = %+v, want {web, target 2}", ws)
	}
	if !adapter.imported["us-east-1/drift-web"] {
		t.Errorf("key pair not imported for web in us-east-1")
	}
}

func TestReconcileOnceSkipsOnTransientObserveFailure(t *testing.T) {
	adapter := newMockAdapter()
	store := &mockStore{defs: map[string]workertype.Definition{}}
	q := &mockQueue{pending: map[string]int{}}
	r := newTestReconciler(adapter, store, q)

	// Wrap the adapter so DescribeInstances fails transiently.
	failing := &transientFailAdapter{mockAdapter: adapter}
	r.adapter = failing

	summary, err := r.reconcileOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("reconcileOnce() error = %v, want nil (transient failures are swallowed)", err)
	}
	if summary.Status != "skipped" {
		t.Errorf("Status = %q, want %q", summary.Status, "skipped")
	}
}

type transientFailAdapter struct {
	*mockAdapter
}

func (a *transientFailAdapter) DescribeInstances(ctx context.Context, region string, dead bool) ([]fleet.Instance, error) {
	return nil, cloud.Transient(context.DeadlineExceeded)
}

func TestReconcileOnceTerminatesExcessCapacity(t *testing.T) {
	adapter := newMockAdapter()
	def := testDef("web")
	def.MaxCapacity = 1
	store := &mockStore{defs: map[string]workertype.Definition{"web": def}}
	q := &mockQueue{pending: map[string]int{}}

	adapter.instances["us-east-1"] = []fleet.Instance{
		{InstanceID: "i-1", Region: "us-east-1", KeyName: "drift-web", InstanceType: "m5.large", State: fleet.InstanceStateRunning},
		{InstanceID: "i-2", Region: "us-east-1", KeyName: "drift-web", InstanceType: "m5.large", State: fleet.InstanceStateRunning},
	}

	r := newTestReconciler(adapter, store, q)
	_, err := r.reconcileOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("reconcileOnce() error = %v", err)
	}
	if len(adapter.terminated["us-east-1"]) != 1 {
		t.Errorf("terminated = %v, want exactly 1 instance killed", adapter.terminated["us-east-1"])
	}
}

func TestStatusReadyOnlyAfterFirstIteration(t *testing.T) {
	adapter := newMockAdapter()
	store := &mockStore{defs: map[string]workertype.Definition{}}
	q := &mockQueue{pending: map[string]int{}}
	r := newTestReconciler(adapter, store, q)

	if r.Ready() {
		t.Fatal("Ready() = true before any iteration ran")
	}
	r.runIteration(context.Background())
	if !r.Ready() {
		t.Fatal("Ready() = false after an iteration ran")
	}
	status, ok := r.Status().(Status)
	if !ok {
		t.Fatalf("Status() returned %T, want Status", r.Status())
	}
	if status.LastIteration.Status != "ok" {
		t.Errorf("LastIteration.Status = %q, want %q", status.LastIteration.Status, "ok")
	}
}
