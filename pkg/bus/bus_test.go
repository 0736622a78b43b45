package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "skiff.session.abc.events", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, "skiff.session.abc.events", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != "skiff.session.abc.events" {
			t.Errorf("Expected subject 'skiff.session.abc.events', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, "skiff.session.*.events", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	for _, subject := range []string{
		"skiff.session.one.events",
		"skiff.session.two.events",
	} {
		if err := bus.Publish(ctx, subject, []byte("x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	// Different token count, should not match
	if err := bus.Publish(ctx, "skiff.session.events", []byte("x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for received.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := received.Load(); got != 2 {
		t.Errorf("Expected 2 messages, got %d", got)
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "skiff.session.abc.control", func(msg *Message) []byte {
		return []byte("ack:" + string(msg.Data))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := bus.Request(ctx, "skiff.session.abc.control", []byte("cancel"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(reply) != "ack:cancel" {
		t.Errorf("Expected 'ack:cancel', got %q", string(reply))
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, err := bus.Request(context.Background(), "skiff.nobody.home", []byte("x"), 100*time.Millisecond)
	if err != ErrNoResponders {
		t.Errorf("Expected ErrNoResponders, got %v", err)
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	if err := bus.Publish(context.Background(), "x", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "x", func(*Message) []byte { return nil }); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.>", "a.b.c.d", true},
		{"a.b", "a.b.c", false},
		{"*", "a", true},
	}

	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
