// Package processor holds the business transforms of the pipeline stages. Transforms are pure
// apart from the clock and random source they are given; routing and publishing belong to the
// stage runtime.
package processor

import "github.com/giraone/jobpipe/events"

// Kind tags the result of a transform.
type Kind int

const (
	// Scheduled routes the event to the scheduled channel of its agent.
	Scheduled Kind = iota + 1
	// Paused diverts the event to the paused channel of its bucket.
	Paused
	// Completed goes to the stage's default output.
	Completed
	// Failed diverts the event to the failed channel of its agent.
	Failed
	// Notified goes to the stage's default output.
	Notified
	// StillPending leaves the input unconsumed for later redelivery.
	StillPending
)

func (k Kind) String() string {
	switch k {
	case Scheduled:
		return "scheduled"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Notified:
		return "notified"
	case StillPending:
		return "still-pending"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of a transform. Event is unset for StillPending.
type Outcome struct {
	Kind  Kind
	Event events.Event
}

// Suffix is the routing suffix of the outcome: the agent for scheduled and failed events,
// the bucket for paused events, empty otherwise.
func (o Outcome) Suffix() string {
	switch o.Kind {
	case Scheduled, Failed:
		return o.Event.AgentKey
	case Paused:
		return o.Event.PausedBucketKey
	default:
		return ""
	}
}

// Channel is the logical output the outcome is written to, e.g. "scheduled-A01" or "completed".
func (o Outcome) Channel() string {
	if s := o.Suffix(); s != "" {
		return o.Kind.String() + "-" + s
	}
	return o.Kind.String()
}

// IsDiversion reports whether the outcome leaves the main flow.
func (o Outcome) IsDiversion() bool {
	return o.Kind == Paused || o.Kind == Failed
}

// Transform is the business logic of one stage.
type Transform func(in events.Event) (Outcome, error)
