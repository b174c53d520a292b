package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/minerelay/pkg/circuit"
	"github.com/bardlex/minerelay/pkg/errors"
	"github.com/bardlex/minerelay/pkg/log"
)

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Discard())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}
	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.writers == nil {
		t.Error("Writers map should not be nil")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, nil)

	producer1 := client.GetProducer(TopicShares)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}
	if producer1.Topic != TopicShares {
		t.Errorf("Expected topic %s, got %s", TopicShares, producer1.Topic)
	}

	producer2 := client.GetProducer(TopicShares)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}

	client.GetProducer(TopicSessions)
	if len(client.writers) != 2 {
		t.Errorf("Expected 2 writers in map, got %d", len(client.writers))
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
	if len(client.writers) != 0 {
		t.Errorf("Expected writers to be cleared, got %d", len(client.writers))
	}
}

func TestKafkaClient_PublishJSON(t *testing.T) {
	client := NewKafkaClient(nil, nil)

	var got []kafka.Message
	var topics []string
	client.write = func(_ context.Context, topic string, msg kafka.Message) error {
		topics = append(topics, topic)
		got = append(got, msg)
		return nil
	}

	if err := client.PublishJSON(context.Background(), TopicShares, "s1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(got))
	}
	if topics[0] != TopicShares || string(got[0].Key) != "s1" || string(got[0].Value) != `{"a":1}` {
		t.Errorf("Unexpected message: topic=%s key=%s value=%s", topics[0], got[0].Key, got[0].Value)
	}
}

func TestKafkaClient_PublishJSONOpensCircuit(t *testing.T) {
	client := NewKafkaClient(nil, nil)
	client.retryConfig.MaxAttempts = 1

	calls := 0
	client.write = func(context.Context, string, kafka.Message) error {
		calls++
		return fmt.Errorf("broker down")
	}

	for i := 0; i < 5; i++ {
		err := client.PublishJSON(context.Background(), TopicSessions, "k", []byte(`{}`))
		if !errors.IsType(err, errors.ErrorTypeKafka) {
			t.Fatalf("attempt %d: expected kafka error, got %v", i, err)
		}
	}
	if client.circuitBreaker.GetState() != circuit.StateOpen {
		t.Fatalf("Expected open circuit, got %s", client.circuitBreaker.GetState())
	}

	err := client.PublishJSON(context.Background(), TopicSessions, "k", []byte(`{}`))
	if err == nil {
		t.Fatal("Expected error while circuit is open")
	}
	if calls != 5 {
		t.Errorf("Expected no writes while open, got %d calls", calls)
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	msgs  []envelope
	block chan struct{}
	err   error
}

func (r *recordingPublisher) PublishJSON(_ context.Context, topic, key string, data []byte) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, envelope{topic: topic, key: key, data: data})
	return r.err
}

func (r *recordingPublisher) snapshot() []envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope(nil), r.msgs...)
}

func TestPublisher_Routing(t *testing.T) {
	out := &recordingPublisher{}
	p := NewPublisher(out, 16, nil)
	p.Start()

	at := time.Unix(1700000000, 0).UTC()
	p.SessionChanged(SessionEvent{SessionID: "s1", Event: SessionStateChanged, State: "connected", At: at})
	p.ShareProcessed(ShareEvent{SessionID: "s1", JobID: "j1", Status: ShareAccepted, At: at})
	p.WalletSwitched(WalletSwitchEvent{SessionID: "s1", WalletType: "operator", At: at})
	p.Reconnecting(ReconnectEvent{SessionID: "s1", Attempt: 2, Outcome: ReconnectAttempt, At: at})
	p.Close()

	msgs := out.snapshot()
	want := []string{TopicSessions, TopicShares, TopicWalletSwitches, TopicReconnects}
	if len(msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
	}
	for i, topic := range want {
		if msgs[i].topic != topic {
			t.Errorf("message %d: expected topic %s, got %s", i, topic, msgs[i].topic)
		}
		if msgs[i].key != "s1" {
			t.Errorf("message %d: expected key s1, got %s", i, msgs[i].key)
		}
	}

	var share map[string]any
	if err := json.Unmarshal(msgs[1].data, &share); err != nil {
		t.Fatalf("share event is not JSON: %v", err)
	}
	if share["status"] != ShareAccepted || share["job_id"] != "j1" {
		t.Errorf("Unexpected share payload: %v", share)
	}
}

func TestPublisher_DropsOnOverflow(t *testing.T) {
	out := &recordingPublisher{}
	p := NewPublisher(out, 2, nil)

	for i := 0; i < 5; i++ {
		p.ShareProcessed(ShareEvent{SessionID: "s", RequestID: uint64(i)})
	}
	if got := p.Dropped(); got != 3 {
		t.Errorf("Expected 3 dropped events, got %d", got)
	}

	p.Start()
	p.Close()
	if got := len(out.snapshot()); got != 2 {
		t.Errorf("Expected 2 published events, got %d", got)
	}
}

func TestPublisher_EventsAfterCloseIgnored(t *testing.T) {
	out := &recordingPublisher{}
	p := NewPublisher(out, 4, nil)
	p.Start()
	p.Close()
	p.Close()

	p.SessionChanged(SessionEvent{SessionID: "late"})
	if got := len(out.snapshot()); got != 0 {
		t.Errorf("Expected no events after close, got %d", got)
	}
}

func TestPublisher_DoesNotBlockOnSlowBroker(t *testing.T) {
	out := &recordingPublisher{block: make(chan struct{})}
	p := NewPublisher(out, 1, nil)
	p.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Reconnecting(ReconnectEvent{SessionID: "s", Attempt: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a stalled broker")
	}

	close(out.block)
	p.Close()
	if p.Dropped() == 0 {
		t.Error("Expected some events to be dropped")
	}
}
