// Package events holds the job lifecycle records exchanged between pipeline stages.
package events

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle position a job event reports.
type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusScheduled Status = "SCHEDULED"
	StatusPaused    Status = "PAUSED"
	StatusFailed    Status = "FAILED"
	StatusCompleted Status = "COMPLETED"
	StatusNotified  Status = "NOTIFIED"
	StatusDelivered Status = "DELIVERED"
)

// ErrMissingID is returned for events that carry no job id.
var ErrMissingID = errors.New("event id is missing")

// Event is a job lifecycle record. Every variant shares the base fields; AgentKey is set
// on scheduled, completed, failed and notified events, PausedBucketKey on paused events.
type Event struct {
	ID                   string    `json:"id"`
	ProcessKey           string    `json:"processKey"`
	JobAcceptedTimestamp Timestamp `json:"jobAcceptedTimestamp"`
	EventTimestamp       Timestamp `json:"eventTimestamp"`
	Payload              string    `json:"payload,omitempty"`
	Status               Status    `json:"status"`
	AgentKey             string    `json:"agentKey,omitempty"`
	PausedBucketKey      string    `json:"pausedBucketKey,omitempty"`
}

// NewAccepted creates the first event of a job.
func NewAccepted(id, processKey, payload string, now time.Time) Event {
	ts := NewTimestamp(now)
	return Event{
		ID:                   id,
		ProcessKey:           processKey,
		JobAcceptedTimestamp: ts,
		EventTimestamp:       ts,
		Payload:              payload,
		Status:               StatusAccepted,
	}
}

// derive copies the identity of from and stamps a fresh event timestamp.
func derive(from Event, status Status, payload string, now time.Time) Event {
	return Event{
		ID:                   from.ID,
		ProcessKey:           from.ProcessKey,
		JobAcceptedTimestamp: from.JobAcceptedTimestamp,
		EventTimestamp:       NewTimestamp(now),
		Payload:              payload,
		Status:               status,
	}
}

// NewScheduled assigns the job to an agent.
func NewScheduled(from Event, agentKey string, now time.Time) Event {
	e := derive(from, StatusScheduled, from.Payload, now)
	e.AgentKey = agentKey
	return e
}

// NewPaused parks the job in the bucket of its paused process.
func NewPaused(from Event, bucketKey string, now time.Time) Event {
	e := derive(from, StatusPaused, from.Payload, now)
	e.PausedBucketKey = bucketKey
	return e
}

// NewCompleted records a successful agent run; payload is the link to the result.
func NewCompleted(from Event, resultLink string, now time.Time) Event {
	e := derive(from, StatusCompleted, resultLink, now)
	e.AgentKey = from.AgentKey
	return e
}

// NewFailed records a failed agent run.
func NewFailed(from Event, reason string, now time.Time) Event {
	e := derive(from, StatusFailed, reason, now)
	e.AgentKey = from.AgentKey
	return e
}

// NewNotified records that the job owner has been told about the result.
func NewNotified(from Event, now time.Time) Event {
	e := derive(from, StatusNotified, from.Payload, now)
	e.AgentKey = from.AgentKey
	return e
}

// MessageKey is the partitioning key of the job. UUID ids are rendered as 32 hex digits,
// which for time-ordered (v7) ids sorts by creation time; other ids are used unchanged.
func (e Event) MessageKey() string {
	if u, err := uuid.Parse(e.ID); err == nil {
		return hex.EncodeToString(u[:])
	}
	return e.ID
}

// Validate reports whether the event can be processed at all.
func (e Event) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	return nil
}

// Decode parses a wire record.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, nil
}

// Encode renders the event for the wire.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}
