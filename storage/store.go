package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no job record exists for an id.
var ErrNotFound = errors.New("job record not found")

// JobRecord is the materialized current state of one job.
type JobRecord struct {
	ID                        string    `json:"id"`
	JobAcceptedTimestamp      time.Time `json:"jobAcceptedTimestamp"`
	LastEventTimestamp        time.Time `json:"lastEventTimestamp"`
	LastRecordUpdateTimestamp time.Time `json:"lastRecordUpdateTimestamp"`
	Status                    string    `json:"status"`
	PausedBucketKey           string    `json:"pausedBucketKey,omitempty"`
	ProcessID                 string    `json:"processId"`
}

// StatusUpdate carries the fields a status event may change.
type StatusUpdate struct {
	ID                        string
	Status                    string
	LastEventTimestamp        time.Time
	LastRecordUpdateTimestamp time.Time
	PausedBucketKey           string
}

// Store defines the interface for job record persistence. Write methods run inside the
// transaction carried by ctx, if any.
type Store interface {
	// InsertIgnore inserts the record unless one with the same id exists and reports
	// whether it inserted.
	InsertIgnore(ctx context.Context, record JobRecord) (bool, error)
	// UpdateIfNewer applies the update only when the stored last event timestamp is strictly
	// older and returns the number of rows changed.
	UpdateIfNewer(ctx context.Context, update StatusUpdate) (int64, error)
	FindByID(ctx context.Context, id string) (*JobRecord, error)
	FindAll(ctx context.Context, limit, offset int) ([]JobRecord, error)
	CountAll(ctx context.Context) (int64, error)
	EnsureTables(ctx context.Context) error
}
