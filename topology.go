package jobpipe

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StageSchedule = "processSchedule"
	StageNotify   = "processNotify"

	stageAgentPrefix = "processAgent"
)

// StageKind identifies the transform a stage runs.
type StageKind int

const (
	KindSchedule StageKind = iota + 1
	KindResume
	KindAgent
	KindNotify
)

// Topics holds the destination names. Templates containing %s take an agent, bucket or stage key.
type Topics struct {
	Accepted  string `yaml:"accepted"`
	Scheduled string `yaml:"scheduled"`
	Paused    string `yaml:"paused"`
	Completed string `yaml:"completed"`
	Failed    string `yaml:"failed"`
	Notified  string `yaml:"notified"`
	Error     string `yaml:"error"`
}

// DefaultTopics returns the standard channel names.
func DefaultTopics() Topics {
	return Topics{
		Accepted:  "job-accepted",
		Scheduled: "job-scheduled-%s",
		Paused:    "job-paused-%s",
		Completed: "job-completed",
		Failed:    "job-failed-%s",
		Notified:  "job-notified",
		Error:     "%s-out-error",
	}
}

// StageSpec describes one stage of the topology.
type StageSpec struct {
	Name          string
	Kind          StageKind
	Input         string
	DefaultOutput string
}

// Topology is the fixed set of stages derived from the configured agents and buckets.
type Topology struct {
	Topics  Topics
	Agents  []string
	Buckets []string
}

// Validate checks that the topology can be wired.
func (t Topology) Validate() error {
	if len(t.Agents) == 0 {
		return errors.New("at least one agent is required")
	}
	for name, tmpl := range map[string]string{
		"scheduled": t.Topics.Scheduled,
		"paused":    t.Topics.Paused,
		"failed":    t.Topics.Failed,
		"error":     t.Topics.Error,
	} {
		if !strings.Contains(tmpl, "%s") {
			return fmt.Errorf("topic template %s must contain %%s, got %q", name, tmpl)
		}
	}
	for name, topic := range map[string]string{
		"accepted":  t.Topics.Accepted,
		"completed": t.Topics.Completed,
		"notified":  t.Topics.Notified,
	} {
		if topic == "" {
			return fmt.Errorf("topic %s is required", name)
		}
	}
	return nil
}

// AgentStageName is the stage running jobs of an agent.
func AgentStageName(agentKey string) string {
	return stageAgentPrefix + agentKey
}

// Stages lists all stages in pipeline order.
func (t Topology) Stages() []StageSpec {
	stages := []StageSpec{{Name: StageSchedule, Kind: KindSchedule, Input: t.Topics.Accepted}}
	for _, b := range t.Buckets {
		stages = append(stages, StageSpec{
			Name:  ResumeBindingName(b),
			Kind:  KindResume,
			Input: fmt.Sprintf(t.Topics.Paused, b),
		})
	}
	for _, a := range t.Agents {
		stages = append(stages, StageSpec{
			Name:          AgentStageName(a),
			Kind:          KindAgent,
			Input:         fmt.Sprintf(t.Topics.Scheduled, a),
			DefaultOutput: ChannelCompleted,
		})
	}
	stages = append(stages, StageSpec{
		Name:          StageNotify,
		Kind:          KindNotify,
		Input:         t.Topics.Completed,
		DefaultOutput: ChannelNotified,
	})
	return stages
}

// StatusTopics lists every channel carrying status changes after acceptance.
func (t Topology) StatusTopics() []string {
	var topics []string
	for _, a := range t.Agents {
		topics = append(topics, fmt.Sprintf(t.Topics.Scheduled, a), fmt.Sprintf(t.Topics.Failed, a))
	}
	for _, b := range t.Buckets {
		topics = append(topics, fmt.Sprintf(t.Topics.Paused, b))
	}
	return append(topics, t.Topics.Completed, t.Topics.Notified)
}

// Routes builds the routing table of all stages and fails if any stage lacks a destination
// it can produce.
func (t Topology) Routes() (*RoutingTable, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	table := NewRoutingTable()

	for _, s := range t.Stages() {
		table.Register(s.Name, ChannelError, fmt.Sprintf(t.Topics.Error, s.Name))

		var required []string
		switch s.Kind {
		case KindSchedule, KindResume:
			for _, a := range t.Agents {
				ch := Channel(ChannelScheduled, a)
				table.Register(s.Name, ch, fmt.Sprintf(t.Topics.Scheduled, a))
				required = append(required, ch)
			}
			if s.Kind == KindSchedule {
				for _, b := range t.Buckets {
					ch := Channel(ChannelPaused, b)
					table.Register(s.Name, ch, fmt.Sprintf(t.Topics.Paused, b))
					required = append(required, ch)
				}
			}
		case KindAgent:
			agent := strings.TrimPrefix(s.Name, stageAgentPrefix)
			ch := Channel(ChannelFailed, agent)
			table.Register(s.Name, ChannelCompleted, t.Topics.Completed)
			table.Register(s.Name, ch, fmt.Sprintf(t.Topics.Failed, agent))
			required = append(required, ChannelCompleted, ch)
		case KindNotify:
			table.Register(s.Name, ChannelNotified, t.Topics.Notified)
			required = append(required, ChannelNotified)
		}

		if err := table.Require(s.Name, append(required, ChannelError)...); err != nil {
			return nil, err
		}
	}
	return table, nil
}
