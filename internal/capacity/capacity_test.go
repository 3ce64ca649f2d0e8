package capacity

import (
	"testing"

	"Drift/internal/fleet"
	"Drift/internal/inflight"
	"Drift/internal/workertype"
)

func testDef() workertype.Definition {
	return workertype.Definition{
		Name:        "w",
		MinCapacity: 2,
		MaxCapacity: 10,
		ScalingRatio: 0.5,
		InstanceTypes: []workertype.InstanceTypeOption{
			{Type: "t3.small", Capacity: 1, Utility: 1},
			{Type: "t3.large", Capacity: 4, Utility: 2},
		},
	}
}

func TestCurrentSumsAllThreeSources(t *testing.T) {
	def := testDef()
	instances := []fleet.Instance{{InstanceType: "t3.small"}, {InstanceType: "t3.large"}}
	requests := []fleet.Request{{InstanceType: "t3.small"}}
	inFlight := []inflight.Record{{InstanceType: "t3.large"}}

	got := Current(def, instances, requests, inFlight)
	want := 1 + 4 + 1 + 4
	if got != want {
		t.Errorf("Current() = %d, want %d", got, want)
	}
}

func TestCurrentUnknownInstanceTypeDefaultsToOne(t *testing.T) {
	def := testDef()
	got := Current(def, []fleet.Instance{{InstanceType: "unknown.type"}}, nil, nil)
	if got != 1 {
		t.Errorf("Current() = %d, want 1 for unknown instance type", got)
	}
}

func TestTarget(t *testing.T) {
	tests := []struct {
		name         string
		def          workertype.Definition
		pendingTasks int
		want         int
	}{
		{
			name:         "cold start scales to ceil(pending/ratio)",
			def:          workertype.Definition{MinCapacity: 2, MaxCapacity: 10, ScalingRatio: 0.5},
			pendingTasks: 10,
			want:         5,
		},
		{
			name:         "clamped to min when pending is zero",
			def:          workertype.Definition{MinCapacity: 2, MaxCapacity: 10, ScalingRatio: 0.5},
			pendingTasks: 0,
			want:         2,
		},
		{
			name:         "clamped to max when pending is huge",
			def:          workertype.Definition{MinCapacity: 2, MaxCapacity: 10, ScalingRatio: 0.5},
			pendingTasks: 1000,
			want:         10,
		},
		{
			name:         "zero scaling ratio targets pending tasks directly",
			def:          workertype.Definition{MinCapacity: 0, MaxCapacity: 100, ScalingRatio: 0},
			pendingTasks: 37,
			want:         37,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Target(tt.def, tt.pendingTasks)
			if got != tt.want {
				t.Errorf("Target() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDelta(t *testing.T) {
	if got := Delta(5, 3); got != 2 {
		t.Errorf("Delta(5,3) = %d, want 2", got)
	}
	if got := Delta(3, 5); got != 0 {
		t.Errorf("Delta(3,5) = %d, want 0 (never negative)", got)
	}
}

func TestExcess(t *testing.T) {
	def := workertype.Definition{MaxCapacity: 10}
	if got := Excess(def, 15); got != 5 {
		t.Errorf("Excess() = %d, want 5", got)
	}
	if got := Excess(def, 5); got != 0 {
		t.Errorf("Excess() = %d, want 0 when within bounds", got)
	}
}
