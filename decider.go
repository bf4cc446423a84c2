package jobpipe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDeciderInterval     = 30 * time.Second
	defaultDeciderInitialDelay = 5 * time.Second
)

// BucketController is the part of runtime control the decider drives.
type BucketController interface {
	PauseBucket(bucketKey string) error
	ResumeBucket(bucketKey string) error
}

// PausedDecider keeps the latest process activation snapshot and flips the resume bindings
// of buckets whenever the set of paused processes mapping to them changes.
type PausedDecider struct {
	client       AdminClient
	control      BucketController
	logger       *zap.Logger
	metrics      MetricsCollector
	buckets      []string
	defaultAgent string
	interval     time.Duration
	initialDelay time.Duration

	snapshot atomic.Pointer[Snapshot]
}

// NewPausedDecider creates a decider. control may be nil for read-only use.
func NewPausedDecider(client AdminClient, control BucketController, logger *zap.Logger, metrics MetricsCollector, opts ...PausedDeciderOption) *PausedDecider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	d := &PausedDecider{
		client:       client,
		control:      control,
		logger:       logger,
		metrics:      metrics,
		interval:     defaultDeciderInterval,
		initialDelay: defaultDeciderInitialDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.snapshot.Store(NewSnapshot(nil))
	return d
}

// Load performs the startup poll and aligns every configured bucket with it.
func (d *PausedDecider) Load(ctx context.Context) error {
	list, err := d.client.FetchProcesses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load initial process list: %w", err)
	}
	snap := NewSnapshot(list)
	d.snapshot.Store(snap)
	d.logger.Info("Process activation loaded", zap.Int("processes", snap.Len()))
	d.recordSnapshot(snap)
	d.apply(FullSync(d.buckets, snap))
	return nil
}

// Poll fetches the process list once, swaps the snapshot and applies the bucket diff.
// On failure the previous snapshot stays in effect.
func (d *PausedDecider) Poll(ctx context.Context) error {
	list, err := d.client.FetchProcesses(ctx)
	if err != nil {
		d.metrics.IncrementCounter("decider.poll.failure", nil)
		d.logger.Error("Cannot load process activation, keeping previous state", zap.Error(err))
		return nil
	}
	d.metrics.IncrementCounter("decider.poll.success", nil)

	next := NewSnapshot(list)
	prev := d.snapshot.Swap(next)
	d.recordSnapshot(next)
	d.apply(Diff(prev, next))
	return nil
}

func (d *PausedDecider) recordSnapshot(snap *Snapshot) {
	d.metrics.RecordGauge("decider.processes", float64(snap.Len()), nil)
	d.metrics.RecordGauge("decider.paused.buckets", float64(len(snap.PausedBuckets())), nil)
}

func (d *PausedDecider) apply(diff SnapshotDiff) {
	if diff.Empty() || d.control == nil {
		return
	}
	for _, b := range diff.ToPause {
		d.logger.Info("Pausing bucket", zap.String("bucket", b))
		if err := d.control.PauseBucket(b); err != nil {
			d.logger.Error("Cannot pause bucket", zap.String("bucket", b), zap.Error(err))
		}
	}
	for _, b := range diff.ToResume {
		d.logger.Info("Resuming bucket", zap.String("bucket", b))
		if err := d.control.ResumeBucket(b); err != nil {
			d.logger.Error("Cannot resume bucket", zap.String("bucket", b), zap.Error(err))
		}
	}
}

// BucketIfPaused returns the bucket of the process if it is currently paused.
func (d *PausedDecider) BucketIfPaused(processKey string) (string, bool) {
	p, ok := d.snapshot.Load().Process(processKey)
	if !ok || p.Activation != ActivationPaused {
		return "", false
	}
	return p.BucketKeyIfPaused, true
}

// IsProcessPaused reports whether the process is currently paused. Unknown processes are active.
func (d *PausedDecider) IsProcessPaused(processKey string) bool {
	_, paused := d.BucketIfPaused(processKey)
	return paused
}

// AgentFor returns the agent jobs of the process are scheduled on.
func (d *PausedDecider) AgentFor(processKey string) (string, bool) {
	p, ok := d.snapshot.Load().Process(processKey)
	if ok && p.AgentKey != "" {
		return p.AgentKey, true
	}
	return d.defaultAgent, d.defaultAgent != ""
}

// Snapshot returns the current snapshot.
func (d *PausedDecider) Snapshot() *Snapshot {
	return d.snapshot.Load()
}

// Worker returns a ticker worker running Poll.
func (d *PausedDecider) Worker() *BaseWorker {
	return NewBaseWorker("paused-decider", d.interval, d.logger, d.Poll, WithInitialDelay(d.initialDelay))
}
