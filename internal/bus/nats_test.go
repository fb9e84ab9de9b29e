package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"callwatch/internal/models"
	"callwatch/internal/notify"
)

func skipIfNoNATS(t *testing.T) string {
	if os.Getenv("NATS_TEST") != "1" {
		t.Skip("Skipping NATS integration test. Set NATS_TEST=1 to run.")
	}
	if u := os.Getenv("NATS_URL"); u != "" {
		return u
	}
	return nats.DefaultURL
}

type recordingSubmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSubmitter) Submit(env *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, env.Event)
	return nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSubscriberHandle(t *testing.T) {
	sub := &recordingSubmitter{}
	s := &Subscriber{submitter: sub}

	s.handle([]byte(`{"events":[
		{"id":"call_001","timestamp":"2025-11-14T14:00:00Z","tags":{"意图":"退款"}},
		{"id":"bad","timestamp":"2025-11-14T14:00:00Z","tags":{}}
	]}`))
	s.handle([]byte(`garbage`))

	if sub.count() != 1 || sub.events[0].ID != "call_001" {
		t.Errorf("submitted %+v", sub.events)
	}
	if a, r := s.Counts(); a != 1 || r != 2 {
		t.Errorf("counts = %d accepted, %d rejected", a, r)
	}
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestPublisherSubjectPerChannel(t *testing.T) {
	conn := &fakeConn{}
	p := &Publisher{conn: conn, prefix: "callwatch.notify"}

	for _, ct := range []models.ChannelType{models.ChannelEmail, models.ChannelTeams} {
		if err := p.Deliver(context.Background(), notify.Notification{AlertID: "a1", ChannelType: ct, Body: "b"}); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"callwatch.notify.email", "callwatch.notify.teams"}
	for i, s := range want {
		if conn.subjects[i] != s {
			t.Errorf("subject[%d] = %q, want %q", i, conn.subjects[i], s)
		}
	}

	var n notify.Notification
	if err := json.Unmarshal(conn.payloads[0], &n); err != nil || n.AlertID != "a1" {
		t.Errorf("payload = %s, %v", conn.payloads[0], err)
	}
}

func TestPublisherErrors(t *testing.T) {
	p := &Publisher{conn: &fakeConn{err: errors.New("no responders")}}
	if err := p.Deliver(context.Background(), notify.Notification{ChannelType: models.ChannelWebhook}); err == nil {
		t.Error("expected publish error")
	}

	p.Close()
	if err := p.Deliver(context.Background(), notify.Notification{}); err != ErrPublisherClosed {
		t.Errorf("Deliver after Close = %v", err)
	}
}

func TestRoundTripIntegration(t *testing.T) {
	url := skipIfNoNATS(t)

	sub := &recordingSubmitter{}
	s, err := NewSubscriber(url, sub)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Subscribe("callwatch.test.events"); err != nil {
		t.Fatal(err)
	}

	pub, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	pub.Publish("callwatch.test.events", []byte(`{"id":"it-1","timestamp":"2025-11-14T14:00:00Z","tags":{"k":"v"}}`))
	pub.Flush()

	deadline := time.After(5 * time.Second)
	for sub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("event not received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
