package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func recvOne(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
	return Message{}
}

// TestMemoryBasicPubSub tests basic publish/subscribe functionality
func TestMemoryBasicPubSub(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), HubRulesChannel("alpha"))
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(context.Background(), HubRulesChannel("alpha"), []byte("rule")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := recvOne(t, sub)
	if msg.Channel != "hub:alpha:rules" || string(msg.Payload) != "rule" || msg.Pattern != "" {
		t.Errorf("Unexpected message %+v", msg)
	}
}

// TestMemoryMultipleChannels tests one subscription over several channels
func TestMemoryMultipleChannels(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, EventsChannel("alpha"), HubGraphChannel("alpha"))
	defer sub.Close()

	b.Publish(ctx, EventsChannel("alpha"), []byte("e"))
	b.Publish(ctx, HubGraphChannel("alpha"), []byte("g"))
	b.Publish(ctx, HubGraphChannel("beta"), []byte("other"))

	first, second := recvOne(t, sub), recvOne(t, sub)
	if first.Channel != "iot:events:alpha" || second.Channel != "hub:alpha:graph" {
		t.Errorf("Messages out of order or misrouted: %q, %q", first.Channel, second.Channel)
	}
	select {
	case msg := <-sub.Channel():
		t.Errorf("Received message for another hub: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMemoryPatternSubscription tests glob subscriptions
func TestMemoryPatternSubscription(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, AllMidGraphs)
	defer sub.Close()

	b.Publish(ctx, MidGraphChannel("mid_floor_1"), []byte("region"))
	b.Publish(ctx, HubGraphChannel("alpha"), []byte("slice"))

	msg := recvOne(t, sub)
	if msg.Channel != "mid:mid_floor_1:graph" || msg.Pattern != AllMidGraphs {
		t.Errorf("Unexpected message %+v", msg)
	}
}

// TestMemoryDuplicateKeysDeliverOnce tests that overlapping entries deliver once
func TestMemoryDuplicateKeysDeliverOnce(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, MidGraphChannel("m1"), AllMidGraphs)
	defer sub.Close()

	b.Publish(ctx, MidGraphChannel("m1"), []byte("x"))
	recvOne(t, sub)
	select {
	case msg := <-sub.Channel():
		t.Errorf("Duplicate delivery: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMemoryClose tests that closed subscriptions stop receiving
func TestMemoryClose(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "test")
	if b.SubscriberCount("test") != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", b.SubscriberCount("test"))
	}
	sub.Close()
	sub.Close()

	if b.SubscriberCount("test") != 0 {
		t.Errorf("Expected 0 subscribers after close, got %d", b.SubscriberCount("test"))
	}
	if _, ok := <-sub.Channel(); ok {
		t.Error("Expected closed channel")
	}
	if err := b.Publish(ctx, "test", []byte("late")); err != nil {
		t.Errorf("Publish without subscribers failed: %v", err)
	}
}

// TestMemoryContextCancellation tests that subscriptions respect context cancellation
func TestMemoryContextCancellation(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := b.Subscribe(ctx, "test")

	done := make(chan bool, 1)
	go func() {
		for range sub.Channel() {
		}
		done <- true
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscription channel did not close on context cancellation")
	}
}

// TestMemoryConcurrentPublish tests concurrent publishing from multiple goroutines
func TestMemoryConcurrentPublish(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "concurrent")
	defer sub.Close()

	numMessages := 100
	var wg sync.WaitGroup
	for i := 0; i < numMessages; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish(ctx, "concurrent", []byte(fmt.Sprint(n)))
		}(i)
	}
	wg.Wait()

	received := make(map[string]bool)
	for i := 0; i < numMessages; i++ {
		received[string(recvOne(t, sub).Payload)] = true
	}
	if len(received) != numMessages {
		t.Errorf("Expected %d distinct messages, received %d", numMessages, len(received))
	}
}

// TestMemoryDropsWhenFull tests non-blocking delivery
func TestMemoryDropsWhenFull(t *testing.T) {
	b := NewMemoryBroker(2)
	defer b.Close()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "slow")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, "slow", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if b.Dropped() != 3 {
		t.Errorf("Expected 3 dropped messages, got %d", b.Dropped())
	}
	if msg := recvOne(t, sub); msg.Payload[0] != 0 {
		t.Errorf("Expected oldest message first, got %v", msg.Payload)
	}
}

// TestMemoryShutdown tests graceful shutdown
func TestMemoryShutdown(t *testing.T) {
	b := NewMemoryBroker(0)
	ctx := context.Background()
	sub, _ := b.Subscribe(ctx, "test")

	done := make(chan bool, 1)
	go func() {
		for range sub.Channel() {
		}
		done <- true
	}()

	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscription channel did not close on shutdown")
	}
	if err := b.Publish(ctx, "test", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed after shutdown, got %v", err)
	}
	if _, err := b.Subscribe(ctx, "test"); err != ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe after shutdown, got %v", err)
	}
	if err := b.Ping(ctx); err != ErrClosed {
		t.Errorf("Expected ErrClosed on ping after shutdown, got %v", err)
	}
}

func TestMemoryKeyValue(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()

	var kv KeyValue = b
	if err := kv.Set(context.Background(), "rule:dim", []byte{1, 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok := b.Get("rule:dim")
	if !ok || len(got) != 2 {
		t.Errorf("Get returned %v, %v", got, ok)
	}
}

func TestMemorySubscribeRequiresChannels(t *testing.T) {
	b := NewMemoryBroker(0)
	defer b.Close()
	if _, err := b.Subscribe(context.Background()); err != ErrNoChannels {
		t.Errorf("Expected ErrNoChannels, got %v", err)
	}
}
