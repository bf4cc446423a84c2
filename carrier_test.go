package jobpipe

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe/events"
)

// bus connects the stages in memory: every published message is appended to the source
// subscribed to its topic.
type bus struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
	groups  map[string][]string
	pub     recordingPublisher
}

func newBus() *bus {
	return &bus{sources: make(map[string]*fakeSource), groups: make(map[string][]string)}
}

func (b *bus) factory(groupID string, topics []string) (MessageSource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[groupID] = topics
	src := newFakeSource(topics[0])
	b.sources[topics[0]] = src
	return src, nil
}

func (b *bus) source(topic string) *fakeSource {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources[topic]
}

func (b *bus) Publish(ctx context.Context, msg Message) error {
	if err := b.pub.Publish(ctx, msg); err != nil {
		return err
	}
	if src := b.source(msg.Topic); src != nil {
		src.add(msg)
	}
	return nil
}

func (b *bus) Close() error {
	return nil
}

func (b *bus) jobsOn(t *testing.T, topic string) []string {
	var ids []string
	for _, m := range b.pub.onTopic(topic) {
		e, err := events.Decode(m.Value)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

func newTestCarrier(t *testing.T, b *bus, admin AdminClient, opts ...CarrierOption) *Carrier {
	t.Helper()
	opts = append([]CarrierOption{
		WithLogger(zap.NewNop()),
		WithPublisher(b),
		WithSourceFactory(b.factory),
		WithRandomSeed(7),
		WithBindingOptions(WithPollTimeout(tick), WithRetryDelay(tick)),
		WithSwitchOptions(WithSettleDelay(0)),
	}, opts...)
	c, err := NewCarrier(context.Background(), testTopology(), admin, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCarrier_WiresEveryStage(t *testing.T) {
	b := newBus()
	c := newTestCarrier(t, b, &fakeAdminClient{})

	assert.Equal(t, []string{"job-accepted"}, b.groups["jobpipe-processSchedule"])
	assert.Equal(t, []string{"job-paused-B02"}, b.groups["jobpipe-processResumeB02"])
	assert.Equal(t, []string{"job-scheduled-A01"}, b.groups["jobpipe-processAgentA01"])
	assert.Equal(t, []string{"job-completed"}, b.groups["jobpipe-processNotify"])

	assert.Len(t, c.Stoppers(), 6)
	_, ok := c.Stopper("processAgentA02")
	assert.True(t, ok)
	_, ok = c.Processor("processNotify")
	assert.True(t, ok)
	assert.Equal(t, []string{"processAgentA01", "processAgentA02", "processNotify", "processResumeB01", "processResumeB02", "processSchedule"}, c.Routes().Stages())
}

func TestCarrier_PipelineEndToEnd(t *testing.T) {
	b := newBus()
	admin := &fakeAdminClient{list: []ProcessActivation{active("V001", "A01"), paused("V002", "A02", "B01")}}
	c := newTestCarrier(t, b, admin)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Switch().IsPaused("processResumeB01"))
	assert.False(t, c.Switch().IsPaused("processResumeB02"))

	accepted := b.source("job-accepted")
	accepted.add(*acceptedMessage(t, "job-1", "V001"))
	accepted.add(*acceptedMessage(t, "job-2", "V002"))

	require.Eventually(t, func() bool { return len(b.jobsOn(t, "job-notified")) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"job-1"}, b.jobsOn(t, "job-notified"))
	assert.Equal(t, []string{"job-2"}, b.jobsOn(t, "job-paused-B01"))
	assert.Empty(t, b.jobsOn(t, "job-scheduled-A02"))

	admin.set([]ProcessActivation{active("V001", "A01"), active("V002", "A02")}, nil)
	require.NoError(t, c.Decider().Poll(context.Background()))
	assert.False(t, c.Switch().IsPaused("processResumeB01"))

	require.Eventually(t, func() bool { return len(b.jobsOn(t, "job-notified")) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"job-2"}, b.jobsOn(t, "job-scheduled-A02"))
	assert.Equal(t, []string{"job-1", "job-2"}, b.jobsOn(t, "job-completed"))
}

func TestCarrier_BreakerStopsOnlyTheFailingStage(t *testing.T) {
	b := newBus()
	c := newTestCarrier(t, b, &fakeAdminClient{})
	require.NoError(t, c.Start(context.Background()))

	poisoned := b.source("job-scheduled-A01")
	for i := 0; i < 4; i++ {
		poisoned.add(Message{Topic: "job-scheduled-A01", Value: []byte("not an event")})
	}

	require.Eventually(t, func() bool { return !c.Switch().IsRunning("processAgentA01") }, waitFor, tick)
	assert.True(t, c.Switch().IsRunning("processAgentA02"))
	assert.Len(t, b.pub.onTopic("processAgentA01-out-error"), 4)

	stopper, _ := c.Stopper("processAgentA01")
	assert.Equal(t, int64(4), stopper.Status().ErrorTotal)
}

func TestCarrier_StartFailsWithoutActivation(t *testing.T) {
	b := newBus()
	c := newTestCarrier(t, b, &fakeAdminClient{err: errors.New("admin down")})

	err := c.Start(context.Background())
	assert.ErrorContains(t, err, "admin down")
	assert.False(t, c.Switch().IsRunning("processSchedule"))
}

func TestNewCarrier_Errors(t *testing.T) {
	b := newBus()

	_, err := NewCarrier(context.Background(), testTopology(), &fakeAdminClient{})
	assert.ErrorContains(t, err, "source factory")

	_, err = NewCarrier(context.Background(), testTopology(), nil, WithSourceFactory(b.factory))
	assert.ErrorContains(t, err, "admin client")

	bad := testTopology()
	bad.Agents = nil
	_, err = NewCarrier(context.Background(), bad, &fakeAdminClient{}, WithSourceFactory(b.factory))
	assert.ErrorContains(t, err, "invalid topology")

	failing := func(string, []string) (MessageSource, error) { return nil, errors.New("no broker") }
	_, err = NewCarrier(context.Background(), testTopology(), &fakeAdminClient{}, WithSourceFactory(failing))
	assert.ErrorContains(t, err, "no broker")
}
