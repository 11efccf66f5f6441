package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWebhookQueueDropsOldestOnOverflow(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(
		WithTaskCapacity(3),
		WithHistoryCapacity(2),
		WithTTL(time.Minute),
		withClock(clock.Now),
	)

	for i := 0; i < 5; i++ {
		queue.Enqueue(WebhookEvent{Sequence: uint64(i), DealID: 7, CreatedAt: clock.Now()})
	}

	events := queue.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events in history, got %d", len(events))
	}
	if events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Fatalf("unexpected history sequences: %+v", events)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var sequences []uint64
	for len(sequences) < 3 {
		task, ok := queue.Dequeue(ctx)
		if !ok {
			t.Fatalf("queue closed early after %d items", len(sequences))
		}
		sequences = append(sequences, task.Event.Sequence)
	}

	expected := []uint64{2, 3, 4}
	for i, seq := range expected {
		if sequences[i] != seq {
			t.Fatalf("expected sequence %d at position %d, got %d", seq, i, sequences[i])
		}
	}
}

func TestWebhookQueueEvictsExpired(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(
		WithTaskCapacity(2),
		WithHistoryCapacity(2),
		WithTTL(10*time.Second),
		withClock(clock.Now),
	)

	queue.Enqueue(WebhookEvent{Sequence: 42, CreatedAt: clock.Now()})
	clock.Advance(11 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if task, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected expired event to be dropped, dequeued sequence %d", task.Event.Sequence)
	}

	if remaining := queue.Events(); len(remaining) != 0 {
		t.Fatalf("expected no history events after TTL eviction, got %d", len(remaining))
	}
}

func TestWebhookQueueHonoursNotBefore(t *testing.T) {
	queue := NewWebhookQueue(WithTaskCapacity(2))
	sub := &WebhookSubscription{ID: "sub-1", Active: true}
	queue.EnqueueTask(WebhookTask{
		Event:        WebhookEvent{Sequence: 1},
		Subscription: sub,
		NotBefore:    time.Now().Add(60 * time.Millisecond),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	task, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatal("expected task before context expiry")
	}
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Fatalf("task released after %v, before its NotBefore", waited)
	}
	if task.Subscription == nil || task.Subscription.ID != "sub-1" {
		t.Fatalf("unexpected task subscription: %+v", task.Subscription)
	}
}
