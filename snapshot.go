package jobpipe

import "sort"

// Activation is the externally controlled state of a process.
type Activation string

const (
	ActivationActive Activation = "ACTIVE"
	ActivationPaused Activation = "PAUSED"
)

// ProcessActivation is one entry of the admin service's process list.
type ProcessActivation struct {
	Key               string     `json:"key"`
	Name              string     `json:"name"`
	Activation        Activation `json:"activation"`
	BucketKeyIfPaused string     `json:"bucketKeyIfPaused,omitempty"`
	AgentKey          string     `json:"agentKey"`
}

// Snapshot is an immutable view of the process list taken by one poll.
type Snapshot struct {
	processes map[string]ProcessActivation
}

// NewSnapshot indexes the given list by process key.
func NewSnapshot(list []ProcessActivation) *Snapshot {
	processes := make(map[string]ProcessActivation, len(list))
	for _, p := range list {
		processes[p.Key] = p
	}
	return &Snapshot{processes: processes}
}

// Process returns the activation of the given process.
func (s *Snapshot) Process(key string) (ProcessActivation, bool) {
	if s == nil {
		return ProcessActivation{}, false
	}
	p, ok := s.processes[key]
	return p, ok
}

// Len returns the number of known processes.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.processes)
}

// PausedBuckets returns every bucket referenced by at least one paused process.
func (s *Snapshot) PausedBuckets() map[string]struct{} {
	buckets := make(map[string]struct{})
	if s == nil {
		return buckets
	}
	for _, p := range s.processes {
		if p.Activation == ActivationPaused && p.BucketKeyIfPaused != "" {
			buckets[p.BucketKeyIfPaused] = struct{}{}
		}
	}
	return buckets
}

// SnapshotDiff lists the buckets whose resume bindings have to change state.
type SnapshotDiff struct {
	ToPause  []string
	ToResume []string
}

// Empty reports whether the diff requires no action.
func (d SnapshotDiff) Empty() bool {
	return len(d.ToPause) == 0 && len(d.ToResume) == 0
}

// Diff compares two snapshots at bucket granularity. A bucket starts being paused when the
// first paused process maps to it and is resumed once no paused process maps to it.
func Diff(prev, next *Snapshot) SnapshotDiff {
	before := prev.PausedBuckets()
	after := next.PausedBuckets()

	var diff SnapshotDiff
	for b := range after {
		if _, ok := before[b]; !ok {
			diff.ToPause = append(diff.ToPause, b)
		}
	}
	for b := range before {
		if _, ok := after[b]; !ok {
			diff.ToResume = append(diff.ToResume, b)
		}
	}
	sort.Strings(diff.ToPause)
	sort.Strings(diff.ToResume)
	return diff
}

// FullSync is the diff applied on startup, when the state of the bindings is not yet known:
// every referenced bucket is paused and every other known bucket resumed.
func FullSync(buckets []string, snap *Snapshot) SnapshotDiff {
	paused := snap.PausedBuckets()

	var diff SnapshotDiff
	for b := range paused {
		diff.ToPause = append(diff.ToPause, b)
	}
	for _, b := range buckets {
		if _, ok := paused[b]; !ok {
			diff.ToResume = append(diff.ToResume, b)
		}
	}
	sort.Strings(diff.ToPause)
	sort.Strings(diff.ToResume)
	return diff
}
