package jobpipe

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock implementation of the Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// recordingPublisher keeps every published message.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Close() error {
	return nil
}

func (p *recordingPublisher) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

func (p *recordingPublisher) onTopic(topic string) []Message {
	var out []Message
	for _, m := range p.messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// fakeSource is an in-memory MessageSource over one partition. Commit advances the committed
// offset, Rewind moves the read position back.
type fakeSource struct {
	mu        sync.Mutex
	msgs      []Message
	next      int
	committed int64
	rewinds   int
	paused    bool
	pauses    int
	resumes   int
	closed    bool
	pollErr   error
}

func newFakeSource(topic string, values ...[]byte) *fakeSource {
	s := &fakeSource{committed: -1}
	for i, v := range values {
		s.msgs = append(s.msgs, Message{Topic: topic, Offset: int64(i), Key: []byte("key"), Value: v})
	}
	return s
}

func (s *fakeSource) add(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Offset = int64(len(s.msgs))
	s.msgs = append(s.msgs, msg)
}

func (s *fakeSource) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	s.mu.Lock()
	if s.pollErr != nil {
		err := s.pollErr
		s.mu.Unlock()
		return nil, err
	}
	if !s.paused && s.next < len(s.msgs) {
		msg := s.msgs[s.next]
		s.next++
		s.mu.Unlock()
		return &msg, nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *fakeSource) Commit(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = msg.Offset
	return nil
}

func (s *fakeSource) Rewind(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = int(msg.Offset)
	s.rewinds++
	return nil
}

func (s *fakeSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.pauses++
	return nil
}

func (s *fakeSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.resumes++
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) committedOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *fakeSource) rewindCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewinds
}

func (s *fakeSource) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// fakeAdminClient serves a fixed process list and can be made to fail.
type fakeAdminClient struct {
	mu    sync.Mutex
	list  []ProcessActivation
	err   error
	calls int
}

func (c *fakeAdminClient) FetchProcesses(_ context.Context) ([]ProcessActivation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return append([]ProcessActivation(nil), c.list...), nil
}

func (c *fakeAdminClient) set(list []ProcessActivation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = list
	c.err = err
}
