package jobpipe

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe/events"
	"github.com/giraone/jobpipe/storage"
)

// Transactor runs fn in a transaction carried by the context handed to fn.
// The avito transaction manager satisfies it.
type Transactor interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTransaction struct{}

func (noTransaction) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// StateRecordService reconciles job events into one current-state row per job. Events may
// arrive out of order and more than once; the row converges to the event with the greatest
// event timestamp.
type StateRecordService struct {
	store   storage.Store
	tx      Transactor
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics MetricsCollector
}

// NewStateRecordService creates the service. tx may be nil to run without transactions.
func NewStateRecordService(store storage.Store, tx Transactor, logger *zap.Logger, metrics MetricsCollector, opts ...StateRecordServiceOption) *StateRecordService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	if tx == nil {
		tx = noTransaction{}
	}
	s := &StateRecordService{
		store:   store,
		tx:      tx,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert materializes an accepted job. A second insert of the same job is a no-op.
// It returns 1 when a row was written and 0 otherwise.
func (s *StateRecordService) Insert(ctx context.Context, accepted events.Event) (int64, error) {
	if err := accepted.Validate(); err != nil {
		return 0, err
	}
	now := s.clock.Now()
	record := storage.JobRecord{
		ID:                        accepted.ID,
		JobAcceptedTimestamp:      accepted.JobAcceptedTimestamp.Time,
		LastEventTimestamp:        accepted.EventTimestamp.Time,
		LastRecordUpdateTimestamp: now,
		Status:                    string(events.StatusAccepted),
		ProcessID:                 accepted.ProcessKey,
	}

	inserted, err := s.store.InsertIgnore(ctx, record)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job %s: %w", accepted.ID, err)
	}
	if !inserted {
		return 0, nil
	}
	s.recordLatency(now, accepted)
	return 1, nil
}

// Upsert materializes a status change. The row is created from the event when it does not
// exist yet; otherwise it is updated only when the event is strictly newer than the last one
// applied. It returns 1 when the row changed and 0 for stale events.
func (s *StateRecordService) Upsert(ctx context.Context, changed events.Event) (int64, error) {
	if err := changed.Validate(); err != nil {
		return 0, err
	}
	now := s.clock.Now()

	var applied int64
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		inserted, err := s.store.InsertIgnore(ctx, storage.JobRecord{
			ID:                        changed.ID,
			JobAcceptedTimestamp:      changed.JobAcceptedTimestamp.Time,
			LastEventTimestamp:        changed.EventTimestamp.Time,
			LastRecordUpdateTimestamp: now,
			Status:                    string(changed.Status),
			PausedBucketKey:           changed.PausedBucketKey,
			ProcessID:                 changed.ProcessKey,
		})
		if err != nil {
			return err
		}
		if inserted {
			applied = 1
			return nil
		}

		applied, err = s.store.UpdateIfNewer(ctx, storage.StatusUpdate{
			ID:                        changed.ID,
			Status:                    string(changed.Status),
			LastEventTimestamp:        changed.EventTimestamp.Time,
			LastRecordUpdateTimestamp: now,
			PausedBucketKey:           changed.PausedBucketKey,
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert job %s: %w", changed.ID, err)
	}

	if applied == 0 {
		s.logger.Debug("Stale event ignored",
			zap.String("job_id", changed.ID),
			zap.String("status", string(changed.Status)),
			zap.Stringer("event_timestamp", changed.EventTimestamp),
		)
		return 0, nil
	}
	s.recordLatency(now, changed)
	return applied, nil
}

// FindByID returns the materialized state of a job.
func (s *StateRecordService) FindByID(ctx context.Context, id string) (*storage.JobRecord, error) {
	return s.store.FindByID(ctx, id)
}

// FindAll pages through the materialized jobs ordered by id.
func (s *StateRecordService) FindAll(ctx context.Context, limit, offset int) ([]storage.JobRecord, error) {
	return s.store.FindAll(ctx, limit, offset)
}

// Count returns the number of materialized jobs.
func (s *StateRecordService) Count(ctx context.Context) (int64, error) {
	return s.store.CountAll(ctx)
}

// recordLatency samples how far the table lags behind the event. Clock skew between
// producers and this service can make the sample negative; it is recorded as is.
func (s *StateRecordService) recordLatency(now time.Time, e events.Event) {
	latency := now.Sub(e.EventTimestamp.Time)
	tags := map[string]string{"status": string(e.Status)}
	s.metrics.RecordDuration("materializer.jobs.latency", latency, tags)
	if latency < 0 {
		s.metrics.IncrementCounter("materializer.jobs.latency_negative", tags)
	}
}
