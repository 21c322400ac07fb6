package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-health/wardwatch/internal/domain"
)

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	sub, err := b.Subscribe(ctx, "session-001", domain.TopicWardsResolved, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, "session-001", domain.TopicWardsResolved, []byte(`{"coveragePct":98.5}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.SessionID != "session-001" {
			t.Errorf("expected session-001, got %s", msg.SessionID)
		}
		if msg.Topic != domain.TopicWardsResolved {
			t.Errorf("expected topic %s, got %s", domain.TopicWardsResolved, msg.Topic)
		}
		if string(msg.Payload) != `{"coveragePct":98.5}` {
			t.Errorf("payload lost: %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestChannelBusSessionIsolation(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	received := make(chan *domain.Message, 1)
	sub, err := b.Subscribe(ctx, "session-001", domain.TopicTPRComputed, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Publish under a different session: must not be delivered.
	if err := b.Publish(ctx, "session-002", domain.TopicTPRComputed, []byte("other")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		t.Fatalf("message leaked across sessions: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBusMultipleSubscribers(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		sub, err := b.Subscribe(ctx, "session-001", domain.TopicRiskRanked, func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()
	}

	if err := b.Publish(ctx, "session-001", domain.TopicRiskRanked, []byte("ranked")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the message")
	}
}

func TestChannelBusRequiresSessionID(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	if err := b.Publish(ctx, "", "topic", nil); err == nil {
		t.Error("expected error for empty sessionID on publish")
	}
	if _, err := b.Subscribe(ctx, "", "topic", func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("expected error for empty sessionID on subscribe")
	}
}

func TestChannelBusRequestTimeout(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.Request(ctx, "session-001", "wardwatch.nobody", nil); err == nil {
		t.Error("expected timeout error with no responder")
	}
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(10)

	ctx := context.Background()
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := b.Publish(ctx, "session-001", "topic", nil); err == nil {
		t.Error("expected error publishing on closed bus")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("expected ping failure on closed bus")
	}
	// Closing twice is fine.
	if err := b.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestNewUnsupportedType(t *testing.T) {
	_, err := New(domain.EventBusConfig{Type: "kafka"})
	if err == nil {
		t.Error("expected error for unsupported bus type")
	}
}

func TestNewChannel(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 16})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
