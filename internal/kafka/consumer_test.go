package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"callwatch/internal/config"
	"callwatch/internal/models"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		m := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type recordingSubmitter struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (s *recordingSubmitter) Submit(env *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, env.Event)
	return nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestConsumerSubmitsAndCommits(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte(`{"id":"call_001","timestamp":"2025-11-14T14:00:00Z","tags":{"意图":"退款"}}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`[{"id":"call_002","timestamp":"2025-11-14T14:01:00Z","tags":{"k":"v"}},{"id":"bad","tags":{"k":"v"}}]`)},
	}}
	sub := &recordingSubmitter{}
	c := newConsumer(reader, sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(reader.commits()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("committed %v", reader.commits())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}

	if sub.count() != 2 {
		t.Errorf("submitted %d events, want 2", sub.count())
	}
	if s := c.Stats(); s.Accepted != 2 || s.Rejected != 1 || s.Malformed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestConsumerCommitsEventsTheEngineRejects(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 3, Value: []byte(`{"id":"call_001","timestamp":"2025-11-14T14:00:00Z","tags":{"k":"v"}}`)},
	}}
	refused := &models.InvalidEventError{EventID: "call_001", Reason: "timestamp is too far ahead"}
	c := newConsumer(reader, &recordingSubmitter{err: refused})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if commits := reader.commits(); len(commits) != 1 || commits[0] != 3 {
		t.Errorf("commits = %v, want [3]", commits)
	}
	if st := c.Stats(); st.Rejected != 1 || st.Accepted != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConsumerStopsWhenSubmitterRefuses(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 7, Value: []byte(`{"id":"call_001","timestamp":"2025-11-14T14:00:00Z","tags":{"k":"v"}}`)},
	}}
	c := newConsumer(reader, &recordingSubmitter{err: errors.New("engine is shut down")})

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(reader.commits()) != 0 {
		t.Errorf("refused message was committed: %v", reader.commits())
	}
}

func TestNewConsumerValidates(t *testing.T) {
	if _, err := NewConsumer(ConsumerConfig{Topic: "t", GroupID: "g"}, &recordingSubmitter{}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewConsumer(ConsumerConfig{Brokers: []string{"b:9092"}}, &recordingSubmitter{}); err == nil {
		t.Error("expected error without topic")
	}
}

func TestConsumerIntegration(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	topic := cfg.Kafka.EventsTopic

	w := &kafka.Writer{Addr: kafka.TCP(testBrokers()...), Topic: topic, AllowAutoTopicCreation: true}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	payload := `{"id":"it-1","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `","tags":{"k":"v"}}`
	if err := w.WriteMessages(ctx, kafka.Message{Value: []byte(payload)}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	sub := &recordingSubmitter{}
	c, err := NewConsumer(ConsumerConfig{Brokers: testBrokers(), Topic: topic, GroupID: "callwatch-it-" + time.Now().Format("150405")}, sub)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	runCtx, stop := context.WithCancel(ctx)
	go c.Run(runCtx)
	defer stop()

	for sub.count() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("no event consumed")
		case <-time.After(100 * time.Millisecond):
		}
	}
}
