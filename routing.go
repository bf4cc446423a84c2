package jobpipe

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoRoute is returned when a stage has no destination for an output channel.
var ErrNoRoute = errors.New("no route")

const (
	ChannelScheduled = "scheduled"
	ChannelPaused    = "paused"
	ChannelCompleted = "completed"
	ChannelFailed    = "failed"
	ChannelNotified  = "notified"
	ChannelError     = "error"
)

// RoutingTable maps stage name and output channel to a destination topic. It is filled once at
// startup and only read afterwards.
type RoutingTable struct {
	routes map[string]map[string]string
}

// NewRoutingTable creates an empty table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{routes: make(map[string]map[string]string)}
}

// Register sets the destination of one channel of a stage.
func (t *RoutingTable) Register(stage, channel, topic string) {
	channels, ok := t.routes[stage]
	if !ok {
		channels = make(map[string]string)
		t.routes[stage] = channels
	}
	channels[channel] = topic
}

// Resolve returns the destination of a channel of a stage.
func (t *RoutingTable) Resolve(stage, channel string) (string, error) {
	if topic, ok := t.routes[stage][channel]; ok {
		return topic, nil
	}
	return "", fmt.Errorf("%w for %s-%s", ErrNoRoute, stage, channel)
}

// Require checks that every listed channel of the stage has a destination.
func (t *RoutingTable) Require(stage string, channels ...string) error {
	var missing []string
	for _, ch := range channels {
		if _, ok := t.routes[stage][ch]; !ok {
			missing = append(missing, stage+"-"+ch)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrNoRoute, strings.Join(missing, ", "))
	}
	return nil
}

// Stages returns the registered stage names, sorted.
func (t *RoutingTable) Stages() []string {
	names := make([]string, 0, len(t.routes))
	for name := range t.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Channel joins a channel kind and its suffix, e.g. "scheduled-A01".
func Channel(kind, suffix string) string {
	if suffix == "" {
		return kind
	}
	return kind + "-" + suffix
}
