package chat

import (
	"github.com/suzent/suzent-client/internal/plan"
)

// EventKind enumerates the stream event union. The session's demux switch is
// exhaustive over these kinds; adding a kind without handling it there is a
// compile-visible omission, not a silent drop.
type EventKind string

const (
	EventDelta           EventKind = "delta"
	EventNewMessage      EventKind = "new_message"
	EventStepInfo        EventKind = "step_info"
	EventImagesProcessed EventKind = "images_processed"
	EventPlanSnapshot    EventKind = "plan_snapshot"
	EventComplete        EventKind = "complete"
	EventStopped         EventKind = "stopped"
)

// StreamEvent is one demultiplexed event from the agent's incremental
// transport. Exactly the fields for the event's Kind are populated.
type StreamEvent struct {
	Kind EventKind

	Delta    string        // EventDelta
	StepInfo string        // EventStepInfo
	Images   []ImageRef    // EventImagesProcessed
	Plan     plan.Snapshot // EventPlanSnapshot
	Reason   string        // EventStopped
}

// EventStream yields events in strict arrival order. Next returns io.EOF
// when the transport closes the stream normally and a StreamFailure-wrapped
// error when the remote side reports one mid-stream.
type EventStream interface {
	Next() (StreamEvent, error)
	Close() error
}
