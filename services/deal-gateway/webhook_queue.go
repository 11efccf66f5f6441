package main

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// WebhookEvent is a journal event staged for webhook fan-out.
type WebhookEvent struct {
	Sequence   uint64
	Type       string
	DealID     uint64
	Attributes map[string]string
	CreatedAt  time.Time
}

// WebhookTask pairs an event with a delivery target. A nil Subscription
// means the dispatcher still has to expand the event into per-subscriber
// tasks.
type WebhookTask struct {
	Event        WebhookEvent
	Subscription *WebhookSubscription
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task     WebhookTask
	stagedAt time.Time
}

type historyEntry struct {
	event    WebhookEvent
	stagedAt time.Time
}

type webhookQueueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

// WebhookQueueOption adjusts queue behaviour.
type WebhookQueueOption func(*webhookQueueConfig)

const (
	defaultTaskCapacity    = 1024
	defaultHistoryCapacity = 256
	defaultQueueTTL        = 15 * time.Minute
)

// WithTaskCapacity bounds the number of pending delivery tasks.
func WithTaskCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithHistoryCapacity bounds the recent-event window kept for inspection.
func WithHistoryCapacity(capacity int) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithTTL limits how long staged tasks stay eligible for delivery.
func WithTTL(ttl time.Duration) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the queue clock. Test only.
func withClock(now func() time.Time) WebhookQueueOption {
	return func(cfg *webhookQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WebhookQueue is a bounded staging area between the event watcher and
// the delivery worker. Overflow drops the oldest entry rather than
// blocking ingestion.
type WebhookQueue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	history ring[historyEntry]
	ttl     time.Duration
	now     func() time.Time
	dropped metric.Int64Counter
}

func NewWebhookQueue(opts ...WebhookQueueOption) *WebhookQueue {
	cfg := webhookQueueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebhookQueue{
		tasks:   newRing[queuedTask](cfg.taskCapacity),
		history: newRing[historyEntry](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		dropped: droppedCounter(),
	}
}

// Enqueue stages a fresh event for fan-out.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	q.EnqueueTask(WebhookTask{Event: evt})
}

// EnqueueTask stages a task, including retries scheduled by the worker.
func (q *WebhookQueue) EnqueueTask(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(now)
	if task.Subscription == nil {
		if q.history.push(historyEntry{event: task.Event, stagedAt: now}) {
			q.countDropped("history_overflow", 1)
		}
	}
	if q.tasks.cap() == 0 {
		q.countDropped("overflow", 1)
		return
	}
	if q.tasks.push(queuedTask{task: task, stagedAt: now}) {
		q.countDropped("overflow", 1)
	}
}

// Events snapshots the recent-event history. Primarily used in tests.
func (q *WebhookQueue) Events() []WebhookEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(q.now())
	snapshot := make([]WebhookEvent, 0, q.history.len())
	q.history.each(func(entry historyEntry) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Dequeue blocks until a task is ready or the context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		q.expireLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := queued.task.NotBefore.Sub(q.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 && q.now().Sub(queued.stagedAt) > q.ttl {
			q.countDropped("ttl", 1)
			continue
		}
		return queued.task, true
	}
}

func (q *WebhookQueue) expireLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.stagedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	q.countDropped("ttl", expired)

	expired = 0
	for {
		entry, ok := q.history.peek()
		if !ok || now.Sub(entry.stagedAt) <= q.ttl {
			break
		}
		q.history.pop()
		expired++
	}
	q.countDropped("history_ttl", expired)
}

func (q *WebhookQueue) countDropped(reason string, count int) {
	if q.dropped == nil || count <= 0 {
		return
	}
	q.dropped.Add(context.Background(), int64(count),
		metric.WithAttributes(attribute.String("reason", reason)))
}

func droppedCounter() metric.Int64Counter {
	meter := otel.GetMeterProvider().Meter("escrowd/deal-gateway")
	counter, err := meter.Int64Counter("escrowd.deal.webhooks.dropped")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("escrowd/deal-gateway")
		counter, _ = fallback.Int64Counter("escrowd.deal.webhooks.dropped")
	}
	return counter
}

// ring is a fixed-capacity FIFO that evicts the oldest element when full.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

// push appends v and reports whether an older element was evicted.
func (r *ring[T]) push(v T) bool {
	if len(r.buf) == 0 {
		return true
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) cap() int { return len(r.buf) }

func (r *ring[T]) each(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
