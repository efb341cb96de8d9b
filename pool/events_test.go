package pool

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEventHubPublishSubscribe(t *testing.T) {
	hub := NewEventHub("default", zap.NewNop())

	workers := hub.Subscribe(TopicWorkers)
	all := hub.Subscribe(TopicAll)
	defer hub.Unsubscribe(TopicWorkers, workers)
	defer hub.Unsubscribe(TopicAll, all)

	hub.Publish(TopicWorkers, EventWorkerStarted, "w-1", nil)

	select {
	case ev := <-workers.Send:
		if ev.Type != EventWorkerStarted || ev.WorkerID != "w-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Pool != "default" {
			t.Fatalf("event should carry the pool name")
		}
	case <-time.After(time.Second):
		t.Fatalf("topic subscriber did not receive the event")
	}

	select {
	case ev := <-all.Send:
		if ev.Type != EventWorkerStarted {
			t.Fatalf("unexpected event on all topic: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("all-topic subscriber did not receive the event")
	}
}

func TestEventHubTopicIsolation(t *testing.T) {
	hub := NewEventHub("default", zap.NewNop())

	poolTopic := hub.Subscribe(TopicPool)
	defer hub.Unsubscribe(TopicPool, poolTopic)

	hub.Publish(TopicWorkers, EventWorkerExited, "w-1", nil)

	select {
	case ev := <-poolTopic.Send:
		t.Fatalf("pool-topic subscriber received a worker event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHubSlowClientDropsNotBlocks(t *testing.T) {
	hub := NewEventHub("default", zap.NewNop())

	slow := hub.Subscribe(TopicPool)
	defer hub.Unsubscribe(TopicPool, slow)

	// Overflow the client buffer; publishes must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(TopicPool, EventPoolDegraded, "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow client")
	}
}

func TestEventHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewEventHub("default", zap.NewNop())

	c := hub.Subscribe(TopicAll)
	hub.Unsubscribe(TopicAll, c)

	if _, open := <-c.Send; open {
		t.Fatalf("unsubscribed client channel should be closed")
	}

	// Double unsubscribe is harmless.
	hub.Unsubscribe(TopicAll, c)
}
