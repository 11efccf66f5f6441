package main

import (
	"context"
	"log"
	"strconv"
	"time"

	"escrowd/native/escrow"
	"escrowd/observability/metrics"
)

// EventWatcher tails the node journal, mirrors events and deal state into
// the local store, and stages webhook notifications.
type EventWatcher struct {
	node         NodeClient
	store        *SQLiteStore
	queue        *WebhookQueue
	logger       *log.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

func NewEventWatcher(node NodeClient, store *SQLiteStore, queue *WebhookQueue, logger *log.Logger, pollInterval time.Duration, batchSize int) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = log.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		nowFn:        time.Now,
	}
}

// Run polls until the context is cancelled. The cursor survives restarts
// through the store, so events are never re-delivered after a crash.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		w.logger.Printf("watcher: load cursor: %v", err)
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			after = w.poll(ctx, after)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, after uint64) uint64 {
	events, err := w.node.FetchEvents(ctx, after, w.batchSize)
	if err != nil {
		w.logger.Printf("watcher: fetch events after %d: %v", after, err)
		return after
	}
	if len(events) == 0 {
		w.publishLag(ctx, after)
		return after
	}
	lastSeq := after
	for _, evt := range events {
		if evt.Sequence <= lastSeq {
			continue
		}
		w.handleEvent(ctx, evt)
		lastSeq = evt.Sequence
	}
	if err := w.store.UpdateEventSequence(ctx, lastSeq); err != nil {
		w.logger.Printf("watcher: persist cursor %d: %v", lastSeq, err)
	}
	w.publishLag(ctx, lastSeq)
	return lastSeq
}

func (w *EventWatcher) publishLag(ctx context.Context, cursor uint64) {
	head, err := w.node.LatestSequence(ctx)
	if err != nil {
		return
	}
	lag := float64(0)
	if head > cursor {
		lag = float64(head - cursor)
	}
	metrics.Gateway().SetWatcherLag(lag)
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	createdAt := time.Unix(evt.Timestamp, 0).UTC()
	if evt.Timestamp == 0 {
		createdAt = w.nowFn().UTC()
	}
	payload := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		payload[k] = v
	}
	if err := w.store.InsertEvent(ctx, StoredEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Attributes: payload,
		CreatedAt:  createdAt,
	}); err != nil {
		w.logger.Printf("watcher: store event %d: %v", evt.Sequence, err)
	}

	dealID, _ := strconv.ParseUint(payload["dealId"], 10, 64)
	switch evt.Type {
	case escrow.EventTypeDealRegistered:
		sellerSeq, _ := strconv.ParseUint(payload["sellerSequence"], 10, 64)
		if err := w.store.UpsertDeal(ctx, DealRow{
			DealID:         dealID,
			Buyer:          payload["buyer"],
			Seller:         payload["seller"],
			Arbitrator:     payload["arbitrator"],
			Amount:         payload["amount"],
			Status:         escrow.DealInProgress.String(),
			SellerSequence: sellerSeq,
			RegisteredSeq:  evt.Sequence,
			CreatedAt:      createdAt,
			UpdatedAt:      createdAt,
		}); err != nil {
			w.logger.Printf("watcher: mirror deal %d: %v", dealID, err)
		}
	case escrow.EventTypeDealAppealed:
		if err := w.store.UpdateDealStatus(ctx, dealID, escrow.DealPendingArbitrator.String(), "", createdAt); err != nil {
			w.logger.Printf("watcher: mirror appeal %d: %v", dealID, err)
		}
	case escrow.EventTypeDealStatusChanged:
		if err := w.store.UpdateDealStatus(ctx, dealID, payload["status"], payload["award"], createdAt); err != nil {
			w.logger.Printf("watcher: mirror status %d: %v", dealID, err)
		}
	}

	w.queue.Enqueue(WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		DealID:     dealID,
		Attributes: payload,
		CreatedAt:  createdAt,
	})
}
