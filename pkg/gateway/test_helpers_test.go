package gateway_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
	"github.com/illmade-knight/go-event-gateway/pkg/taskengine"
)

// ====================================================================================
// This file contains mocks and helpers shared by the gateway package tests.
// ====================================================================================

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// --- Acknowledgment recorder ---

// ackRecorder captures the ack/nack side effects of one message.
type ackRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks []messaging.NackOutcome
}

func (r *ackRecorder) message(id, topic string, payload []byte) *messaging.Message {
	return &messaging.Message{
		ID:      id,
		Topic:   topic,
		Payload: payload,
		Ack: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.acks++
		},
		Nack: func(outcome messaging.NackOutcome) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.nacks = append(r.nacks, outcome)
		},
	}
}

func (r *ackRecorder) ackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acks
}

func (r *ackRecorder) nackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nacks)
}

func (r *ackRecorder) lastNack() messaging.NackOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nacks) == 0 {
		return ""
	}
	return r.nacks[len(r.nacks)-1]
}

// --- MockMessageConsumer ---

type mockConsumer struct {
	msgChan  chan messaging.Message
	doneChan chan struct{}

	mu            sync.Mutex
	subscriptions []string
	startCount    int
	stopCount     int
	closeOnce     sync.Once
}

func newMockConsumer(buffer int) *mockConsumer {
	return &mockConsumer{
		msgChan:  make(chan messaging.Message, buffer),
		doneChan: make(chan struct{}),
	}
}

func (m *mockConsumer) Messages() <-chan messaging.Message { return m.msgChan }

func (m *mockConsumer) Subscribe(_ context.Context, topic string, _ byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	return nil
}

func (m *mockConsumer) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return nil
}

func (m *mockConsumer) Stop(_ context.Context) error {
	m.mu.Lock()
	m.stopCount++
	m.mu.Unlock()
	m.closeOnce.Do(func() {
		close(m.msgChan)
		close(m.doneChan)
	})
	return nil
}

func (m *mockConsumer) Done() <-chan struct{} { return m.doneChan }

func (m *mockConsumer) push(msg messaging.Message) { m.msgChan <- msg }

func (m *mockConsumer) subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subscriptions))
	copy(out, m.subscriptions)
	return out
}

// --- MockMessagePublisher ---

type publishedMessage struct {
	Topic      string
	Payload    []byte
	Properties map[string]string
}

type mockPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	stopCount int
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, topic string, payload []byte, properties map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, publishedMessage{Topic: topic, Payload: payload, Properties: properties})
	return nil
}

func (m *mockPublisher) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCount++
	return nil
}

func (m *mockPublisher) all() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// --- Mock execution engine ---

type mockEngine struct {
	mu          sync.Mutex
	submissions []taskengine.Submission
	submitErr   error
	nextID      int

	// completeFn, when set, is invoked synchronously inside Submit before it
	// returns, imitating a task that finishes faster than the submit path.
	completeFn func(taskengine.Completion)
}

func (m *mockEngine) Submit(_ context.Context, sub taskengine.Submission) (string, error) {
	m.mu.Lock()
	if m.submitErr != nil {
		err := m.submitErr
		m.mu.Unlock()
		return "", err
	}
	id := sub.TaskID
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("task-%d", m.nextID)
	}
	m.submissions = append(m.submissions, sub)
	complete := m.completeFn
	m.mu.Unlock()

	if complete != nil {
		complete(taskengine.Completion{
			TaskID:  id,
			Success: true,
			Result:  map[string]any{"ok": true},
			Context: sub.Context,
		})
	}
	return id, nil
}

func (m *mockEngine) submitted() []taskengine.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]taskengine.Submission, len(m.submissions))
	copy(out, m.submissions)
	return out
}
