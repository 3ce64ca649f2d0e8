package diff

import (
	"testing"
	"time"

	"Drift/internal/events"
	"Drift/internal/fleet"
	"Drift/internal/pending"
)

func TestRunInstanceTerminatedWithSpotPriceFloor(t *testing.T) {
	now := time.Now()

	previous := fleet.NewSnapshot([]fleet.Instance{
		{InstanceID: "i-1", Region: "us-east-1", WorkerType: "w", SpotRequestID: "sir-1"},
	}, nil)
	current := fleet.NewSnapshot(nil, nil)
	dead := fleet.NewSnapshot([]fleet.Instance{
		{
			InstanceID:    "i-1",
			Region:        "us-east-1",
			WorkerType:    "w",
			SpotRequestID: "sir-1",
			StateReason:   &fleet.StateReason{Code: fleet.SpotInstanceTerminationCode, Message: "price too low"},
		},
	}, []fleet.Request{
		{RequestID: "sir-1", Region: "us-east-1", WorkerType: "w", BidPrice: 0.41, State: fleet.RequestStateClosed},
	})

	rec := events.NewRecording(nil, 0)
	e := New(rec)
	e.Run(now, previous, current, dead, pending.New(), pending.New(), 20)

	events := rec.Recent(0)
	var sawTerminated, sawPriceFloor bool
	for _, ev := range events {
		switch ev.Kind {
		case "instance_terminated":
			sawTerminated = true
		case "spot_price_floor":
			sawPriceFloor = true
			if ev.Fields["price"] != 0.41 {
				t.Errorf("spot_price_floor price = %v, want 0.41", ev.Fields["price"])
			}
		}
	}
	if !sawTerminated {
		t.Error("expected an instance_terminated event")
	}
	if !sawPriceFloor {
		t.Error("expected a spot_price_floor event")
	}
}

func TestRunInstanceWithoutReasonIsQueuedPending(t *testing.T) {
	now := time.Now()
	previous := fleet.NewSnapshot([]fleet.Instance{
		{InstanceID: "i-1", Region: "us-east-1", WorkerType: "w"},
	}, nil)
	current := fleet.NewSnapshot(nil, nil)
	dead := fleet.NewSnapshot(nil, nil) // not yet visible in dead view

	rec := events.NewRecording(nil, 0)
	e := New(rec)
	pi := pending.New()
	e.Run(now, previous, current, dead, pi, pending.New(), 20)

	if !pi.Contains("i-1") {
		t.Error("expected i-1 to be enqueued on the pending-resolution tracker")
	}
	if len(rec.Recent(0)) != 0 {
		t.Errorf("expected no events yet, got %d", len(rec.Recent(0)))
	}
}

func TestRunRequestFulfilled(t *testing.T) {
	now := time.Now()
	previous := fleet.NewSnapshot(nil, []fleet.Request{
		{RequestID: "sir-1", Region: "us-east-1", WorkerType: "w"},
	})
	current := fleet.NewSnapshot(nil, nil)
	dead := fleet.NewSnapshot(nil, []fleet.Request{
		{RequestID: "sir-1", Region: "us-east-1", WorkerType: "w", State: fleet.RequestStateActive, StatusCode: fleet.StatusCodeFulfilled, InstanceID: "i-1"},
	})

	rec := events.NewRecording(nil, 0)
	e := New(rec)
	e.Run(now, previous, current, dead, pending.New(), pending.New(), 20)

	found := false
	for _, ev := range rec.Recent(0) {
		if ev.Kind == events.KindRequestFulfilled {
			found = true
			if ev.Fields["instance_id"] != "i-1" {
				t.Errorf("instance_id = %v, want i-1", ev.Fields["instance_id"])
			}
		}
	}
	if !found {
		t.Error("expected a request_fulfilled event")
	}
}

func TestRunRequestStillOpenIsQueuedPending(t *testing.T) {
	now := time.Now()
	previous := fleet.NewSnapshot(nil, []fleet.Request{
		{RequestID: "sir-1", Region: "us-east-1", WorkerType: "w"},
	})
	current := fleet.NewSnapshot(nil, nil)
	dead := fleet.NewSnapshot(nil, []fleet.Request{
		{RequestID: "sir-1", Region: "us-east-1", WorkerType: "w", State: fleet.RequestStateOpen},
	})

	rec := events.NewRecording(nil, 0)
	e := New(rec)
	pr := pending.New()
	e.Run(now, previous, current, dead, pending.New(), pr, 20)

	if !pr.Contains("sir-1") {
		t.Error("expected sir-1 to be enqueued on the pending-resolution tracker")
	}
}

func TestRunRequestDied(t *testing.T) {
	now := time.Now()
	previous := fleet.NewSnapshot(nil, []fleet.Request{
		{RequestID: "sir-1", Region: "us-east-1", WorkerType: "w"},
	})
	current := fleet.NewSnapshot(nil, nil)
	dead := fleet.NewSnapshot(nil, []fleet.Request{
		{RequestID: "sir-1", Region: "us-east-1", WorkerType: "w", State: fleet.RequestStateFailed, StatusCode: fleet.StatusCodePriceTooLow, BidPrice: 0.12},
	})

	rec := events.NewRecording(nil, 0)
	e := New(rec)
	e.Run(now, previous, current, dead, pending.New(), pending.New(), 20)

	found := false
	for _, ev := range rec.Recent(0) {
		if ev.Kind == events.KindRequestDied {
			found = true
			if ev.Fields["bid_price"] != 0.12 {
				t.Errorf("bid_price = %v, want 0.12", ev.Fields["bid_price"])
			}
		}
	}
	if !found {
		t.Error("expected a request_died event")
	}
}

func TestRunResolvesPendingInstanceOnceDeadReasonAppears(t *testing.T) {
	base := time.Now()

	pi := pending.New()
	pi.Enqueue("i-1", base)

	previous := fleet.NewSnapshot(nil, nil)
	current := fleet.NewSnapshot(nil, nil)
	dead := fleet.NewSnapshot([]fleet.Instance{
		{InstanceID: "i-1", Region: "us-east-1", WorkerType: "w", StateReason: &fleet.StateReason{Code: "Client.UserInitiatedShutdown"}},
	}, nil)

	rec := events.NewRecording(nil, 0)
	e := New(rec)
	e.Run(base.Add(time.Minute), previous, current, dead, pi, pending.New(), 20)

	if pi.Contains("i-1") {
		t.Error("expected i-1 to be resolved off the pending tracker")
	}
	found := false
	for _, ev := range rec.Recent(0) {
		if ev.Kind == events.KindInstanceTerminated {
			found = true
			if ev.Fields["first_seen_at"] != base.UnixMilli() {
				t.Errorf("first_seen_at = %v, want %v", ev.Fields["first_seen_at"], base.UnixMilli())
			}
		}
	}
	if !found {
		t.Error("expected a resolved instance_terminated event")
	}
}

func TestRunDropsPendingEntryPastRetryBudget(t *testing.T) {
	now := time.Now()
	pi := pending.New()
	pi.Enqueue("i-1", now)

	previous := fleet.NewSnapshot(nil, nil)
	current := fleet.NewSnapshot(nil, nil)
	dead := fleet.NewSnapshot(nil, nil) // never resolves

	rec := events.NewRecording(nil, 0)
	e := New(rec)
	e.Run(now, previous, current, dead, pi, pending.New(), 0)

	if pi.Contains("i-1") {
		t.Error("expected i-1 to be dropped after exceeding max iterations")
	}
	if len(rec.Recent(0)) != 0 {
		t.Error("expected a silently dropped entry to emit no event")
	}
}
