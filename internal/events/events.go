// Package events defines the EventSink interface the core publishes
// fleet-lifecycle events through. The real transport (pulse/telemetry
// publisher) is an external collaborator; this package only defines
// the shape.
package events

// Kind enumerates the event kinds emitted by the diff engine, bidder,
// and reconciler (spec.md §6).
type Kind string

const (
	KindRequestSubmitted Kind = "request_submitted"
	KindRequestFulfilled Kind = "request_fulfilled"
	KindRequestDied      Kind = "request_died"
	KindInstanceTerminated Kind = "instance_terminated"
	KindSpotPriceFloor   Kind = "spot_price_floor"
	KindAMIUsage         Kind = "ami_usage"
	KindBidVisibilityLag Kind = "bid_visibility_lag"
)

// Fields is a flat bag of event attributes. Using map[string]any
// instead of per-kind structs matches the spec's "kind + fields"
// contract and keeps the sink interface stable as new fields are
// added to individual event kinds.
type Fields map[string]interface{}

// Sink is the consumed interface toward the telemetry/pulse system.
// Transport is pluggable; the core never depends on how an event is
// delivered.
type Sink interface {
	Emit(kind Kind, fields Fields)
}

// NopSink discards every event. Useful as a default when no sink is
// configured, and in tests that don't care about emitted events.
type NopSink struct{}

func (NopSink) Emit(Kind, Fields) {}

// Recording wraps another Sink and also keeps the last N events in
// memory, for tests and for the status endpoint.
type Recording struct {
	Underlying Sink
	max        int
	events     []Event
}

// Event is one recorded emission.
type Event struct {
	Kind   Kind
	Fields Fields
}

// NewRecording wraps sink (or NopSink{} if nil) recording up to max
// events.
func NewRecording(sink Sink, max int) *Recording {
	if sink == nil {
		sink = NopSink{}
	}
	return &Recording{Underlying: sink, max: max}
}

func (r *Recording) Emit(kind Kind, fields Fields) {
	r.Underlying.Emit(kind, fields)
	r.events = append(r.events, Event{Kind: kind, Fields: fields})
	if r.max > 0 && len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
}

// Recent returns a copy of the last n recorded events.
func (r *Recording) Recent(n int) []Event {
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	start := len(r.events) - n
	out := make([]Event, n)
	copy(out, r.events[start:])
	return out
}
