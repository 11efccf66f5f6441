package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	gatewayauth "escrowd/gateway/auth"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
)

const maxWebhookAttempts = 5

// WebhookWorker drains the queue and delivers events to subscribers.
// Deliveries carry the timestamp, nonce and HMAC signature headers that
// gateway/auth.Verifier checks on the consumer side.
type WebhookWorker struct {
	store  *SQLiteStore
	queue  *WebhookQueue
	client *http.Client
	logger *log.Logger
	nowFn  func() time.Time

	rateMu sync.Mutex
	rate   map[string]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, logger *log.Logger) *WebhookWorker {
	if logger == nil {
		logger = log.Default()
	}
	return &WebhookWorker{
		store:  store,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		nowFn:  time.Now,
		rate:   make(map[string]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.deliver(ctx, task)
	}
}

// expandTask fans a bare event out into one delivery task per active
// subscriber of its event type.
func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Printf("webhook: list subscribers for %s: %v", task.Event.Type, err)
		return
	}
	for i := range subs {
		sub := subs[i]
		w.queue.EnqueueTask(WebhookTask{Event: task.Event, Subscription: &sub})
	}
}

func (w *WebhookWorker) deliver(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.EnqueueTask(task)
		return
	}

	body := map[string]interface{}{
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"dealId":     task.Event.DealID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	gatewayauth.StampRequest(req, sub.Secret, uuid.NewString(), now, payload)

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", now)
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	w.recordAttempt(ctx, task, "failed", errMsg, now)
	metrics.Gateway().RecordWebhookFailure(task.Subscription.ID)
	if attemptNum >= maxWebhookAttempts {
		w.logger.Printf("webhook: giving up on subscription %s (%s) after %d attempts: %s",
			task.Subscription.ID, logging.MaskValue(task.Subscription.URL), attemptNum, errMsg)
		return
	}
	task.Attempt = attemptNum
	task.NotBefore = now.Add(backoffDuration(attemptNum))
	w.queue.EnqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, status, errMsg string, now time.Time) {
	err := w.store.RecordWebhookAttempt(ctx, WebhookAttempt{
		WebhookID: task.Subscription.ID,
		Sequence:  task.Event.Sequence,
		Status:    status,
		Attempts:  task.Attempt + 1,
		LastError: errMsg,
		UpdatedAt: now,
	})
	if err != nil {
		w.logger.Printf("webhook: record attempt: %v", err)
	}
}

// allow applies the per-subscription deliveries-per-minute window.
func (w *WebhookWorker) allow(id string, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *WebhookWorker) rateReset(id string) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}
