package processor

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/jonboulle/clockwork"

	"github.com/giraone/jobpipe/events"
)

// PauseLookup answers activation questions from the current process snapshot.
type PauseLookup interface {
	BucketIfPaused(processKey string) (string, bool)
	AgentFor(processKey string) (string, bool)
}

// ErrNoAgent is returned when no agent can be determined for a process.
var ErrNoAgent = errors.New("no agent configured for process")

// NewSchedule assigns accepted jobs to the agent of their process, or parks them in the
// bucket of their process when it is paused.
func NewSchedule(lookup PauseLookup, clock clockwork.Clock) Transform {
	return func(in events.Event) (Outcome, error) {
		if err := in.Validate(); err != nil {
			return Outcome{}, err
		}
		if bucket, paused := lookup.BucketIfPaused(in.ProcessKey); paused {
			return Outcome{Kind: Paused, Event: events.NewPaused(in, bucket, clock.Now())}, nil
		}
		agent, ok := lookup.AgentFor(in.ProcessKey)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s", ErrNoAgent, in.ProcessKey)
		}
		return Outcome{Kind: Scheduled, Event: events.NewScheduled(in, agent, clock.Now())}, nil
	}
}

// NewResume reschedules parked jobs once their process is active again. Jobs whose process is
// still paused stay where they are.
func NewResume(lookup PauseLookup, clock clockwork.Clock) Transform {
	return func(in events.Event) (Outcome, error) {
		if err := in.Validate(); err != nil {
			return Outcome{}, err
		}
		if _, paused := lookup.BucketIfPaused(in.ProcessKey); paused {
			return Outcome{Kind: StillPending}, nil
		}
		agent, ok := lookup.AgentFor(in.ProcessKey)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s", ErrNoAgent, in.ProcessKey)
		}
		return Outcome{Kind: Scheduled, Event: events.NewScheduled(in, agent, clock.Now())}, nil
	}
}

// NewAgent simulates running a job on its agent. A job fails with probability failureRate;
// otherwise it completes with a link to its result.
func NewAgent(failureRate float64, rng *rand.Rand, clock clockwork.Clock) Transform {
	return func(in events.Event) (Outcome, error) {
		if err := in.Validate(); err != nil {
			return Outcome{}, err
		}
		now := clock.Now()
		if rng.Float64() < failureRate {
			reason := fmt.Sprintf("Job %s of %s failed!", in.ID, in.ProcessKey)
			return Outcome{Kind: Failed, Event: events.NewFailed(in, reason, now)}, nil
		}
		link := fmt.Sprintf("https://link/%s-%d", in.MessageKey(), now.UnixMilli())
		return Outcome{Kind: Completed, Event: events.NewCompleted(in, link, now)}, nil
	}
}

// NewNotify marks completed jobs as notified.
func NewNotify(clock clockwork.Clock) Transform {
	return func(in events.Event) (Outcome, error) {
		if err := in.Validate(); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: Notified, Event: events.NewNotified(in, clock.Now())}, nil
	}
}
