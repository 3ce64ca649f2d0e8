package bidder

import (
	"context"
	"fmt"
	"log/slog"
	"io"
	"testing"
	"time"

	"Drift/internal/cloud"
	"Drift/internal/events"
	"Drift/internal/fleet"
	"Drift/internal/inflight"
	"Drift/internal/pricing"
	"Drift/internal/workertype"
)

type mockAdapter struct {
	cloud.Adapter // embed so unused methods need not be implemented

	requestSpotCalls  []cloud.SpotBidInput
	nextRequestID     int
	cancelled         map[string][]string
	terminated        map[string][]string
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		cancelled:  make(map[string][]string),
		terminated: make(map[string][]string),
	}
}

func (m *mockAdapter) RequestSpot(ctx context.Context, in cloud.SpotBidInput) (string, error) {
	m.requestSpotCalls = append(m.requestSpotCalls, in)
	m.nextRequestID++
	return fmt.Sprintf("sir-test-%d", m.nextRequestID), nil
}

func (m *mockAdapter) CancelSpotRequests(ctx context.Context, region string, ids []string) error {
	m.cancelled[region] = append(m.cancelled[region], ids...)
	return nil
}

func (m *mockAdapter) TerminateInstances(ctx context.Context, region string, ids []string) error {
	m.terminated[region] = append(m.terminated[region], ids...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFillDeltaPicksCheapestCandidateFirst(t *testing.T) {
	def := workertype.Definition{
		Name:        "w",
		MinCapacity: 0,
		MaxCapacity: 100,
		MinPrice:    0,
		MaxPrice:    10,
		InstanceTypes: []workertype.InstanceTypeOption{
			{Type: "t3.small", Capacity: 1, Utility: 1},
		},
		Regions: []workertype.RegionOption{
			{Region: "us-west-2"},
			{Region: "us-east-1"},
		},
	}

	// us-east-1 is cheaper; expect it picked first.
	oracle := pricePerRegion{"us-east-1": 0.05, "us-west-2": 0.20}

	adapter := newMockAdapter()
	tracker := inflight.New()
	b := New(adapter, oracle, nil, events.NopSink{}, "drift", testLogger())

	err := b.FillDelta(context.Background(), def, 2, tracker, time.Now())
	if err != nil {
		t.Fatalf("FillDelta() error = %v", err)
	}

	if len(adapter.requestSpotCalls) != 2 {
		t.Fatalf("requestSpotCalls = %d, want 2", len(adapter.requestSpotCalls))
	}
	if adapter.requestSpotCalls[0].Region != "us-east-1" {
		t.Errorf("first bid region = %s, want us-east-1 (cheaper)", adapter.requestSpotCalls[0].Region)
	}
	if tracker.Len() != 2 {
		t.Errorf("tracker.Len() = %d, want 2", tracker.Len())
	}
}

func TestFillDeltaSkipsCandidatesOutsidePriceEnvelope(t *testing.T) {
	def := workertype.Definition{
		Name:        "w",
		MaxCapacity: 100,
		MinPrice:    0.10,
		MaxPrice:    0.30,
		InstanceTypes: []workertype.InstanceTypeOption{
			{Type: "t3.small", Capacity: 1, Utility: 1},
		},
		Regions: []workertype.RegionOption{
			{Region: "us-west-2"}, // too expensive
			{Region: "us-east-1"}, // in range
		},
	}
	oracle := pricePerRegion{"us-east-1": 0.20, "us-west-2": 5.00}

	adapter := newMockAdapter()
	tracker := inflight.New()
	b := New(adapter, oracle, nil, events.NopSink{}, "drift", testLogger())

	if err := b.FillDelta(context.Background(), def, 1, tracker, time.Now()); err != nil {
		t.Fatalf("FillDelta() error = %v", err)
	}

	if len(adapter.requestSpotCalls) != 1 {
		t.Fatalf("requestSpotCalls = %d, want 1", len(adapter.requestSpotCalls))
	}
	if adapter.requestSpotCalls[0].Region != "us-east-1" {
		t.Errorf("bid region = %s, want us-east-1", adapter.requestSpotCalls[0].Region)
	}
}

func TestFillDeltaTagsAndKeyName(t *testing.T) {
	def := workertype.Definition{
		Name:        "w",
		MaxCapacity: 10,
		MaxPrice:    1,
		InstanceTypes: []workertype.InstanceTypeOption{{Type: "t3.small", Capacity: 1, Utility: 1}},
		Regions:       []workertype.RegionOption{{Region: "us-east-1"}},
	}
	adapter := newMockAdapter()
	tracker := inflight.New()
	b := New(adapter, pricePerRegion{"us-east-1": 0.1}, nil, events.NopSink{}, "drift-prov", testLogger()).WithKeyName("drift-w")

	if err := b.FillDelta(context.Background(), def, 1, tracker, time.Now()); err != nil {
		t.Fatalf("FillDelta() error = %v", err)
	}

	in := adapter.requestSpotCalls[0]
	if in.KeyName != "drift-w" {
		t.Errorf("KeyName = %s, want drift-w", in.KeyName)
	}
	if in.Tags["Owner"] != "drift-prov" {
		t.Errorf("Owner tag = %s, want drift-prov", in.Tags["Owner"])
	}
	if in.Tags["WorkerType"] != "drift-prov/w" {
		t.Errorf("WorkerType tag = %s, want drift-prov/w", in.Tags["WorkerType"])
	}
}

func TestTerminateRespectsMinCapacity(t *testing.T) {
	def := workertype.Definition{
		Name:        "w",
		MinCapacity: 2,
		MaxCapacity: 5,
		InstanceTypes: []workertype.InstanceTypeOption{{Type: "t3.small", Capacity: 1, Utility: 1}},
	}
	instances := []fleet.Instance{
		{InstanceID: "i-1", Region: "us-east-1", InstanceType: "t3.small"},
		{InstanceID: "i-2", Region: "us-east-1", InstanceType: "t3.small"},
		{InstanceID: "i-3", Region: "us-east-1", InstanceType: "t3.small"},
	}
	adapter := newMockAdapter()
	tracker := inflight.New()
	b := New(adapter, pricing.Uniform{Price: 0.1}, nil, events.NopSink{}, "drift", testLogger())

	// current=3, min=2: excess of 1 should kill exactly one instance.
	if err := b.Terminate(context.Background(), def, 1, instances, nil, nil, tracker); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	killed := adapter.terminated["us-east-1"]
	if len(killed) != 1 {
		t.Fatalf("terminated = %v, want exactly 1 instance", killed)
	}
}

func TestShutdownIgnoresMinCapacity(t *testing.T) {
	def := workertype.Definition{Name: "legacy", MinCapacity: 2, MaxCapacity: 5}
	instances := []fleet.Instance{
		{InstanceID: "i-1", Region: "us-east-1"},
		{InstanceID: "i-2", Region: "us-east-1"},
	}
	requests := []fleet.Request{{RequestID: "sir-1", Region: "us-east-1"}}

	adapter := newMockAdapter()
	tracker := inflight.New()
	b := New(adapter, pricing.Uniform{Price: 0.1}, nil, events.NopSink{}, "drift", testLogger())

	if err := b.Shutdown(context.Background(), def, instances, requests, nil, tracker); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if len(adapter.terminated["us-east-1"]) != 2 {
		t.Errorf("terminated = %v, want 2 instances killed despite min_capacity", adapter.terminated["us-east-1"])
	}
	if len(adapter.cancelled["us-east-1"]) != 1 {
		t.Errorf("cancelled = %v, want 1 request killed despite min_capacity", adapter.cancelled["us-east-1"])
	}
}

// pricePerRegion is a test Oracle returning a fixed price per region.
type pricePerRegion map[string]float64

func (p pricePerRegion) RecentSpot(ctx context.Context, region, instanceType, zone string) (float64, error) {
	return p[region], nil
}
