package main

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// EventWatcher periodically pulls journal events from the node, persists them
// locally, stamps order status transitions and enqueues webhook notifications.
type EventWatcher struct {
	node         NodeClient
	store        *Store
	queue        *WebhookQueue
	log          *slog.Logger
	pollInterval time.Duration
	batchSize    int
	nowFn        func() time.Time
}

func NewEventWatcher(node NodeClient, store *Store, queue *WebhookQueue, log *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if log == nil {
		log = slog.Default()
	}
	return &EventWatcher{
		node:         node,
		store:        store,
		queue:        queue,
		log:          log,
		pollInterval: 5 * time.Second,
		batchSize:    100,
		nowFn:        time.Now,
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.store == nil || w.queue == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	after, err := w.store.LastEventSequence(ctx)
	if err != nil {
		w.log.Error("event cursor unavailable, starting from zero", "err", err)
	}
	ticker := time.NewTicker(interval)
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
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	events, err := w.node.EventsList(ctx, after, batch)
	if err != nil {
		w.log.Warn("event poll failed", "after", after, "err", err)
		return after
	}
	if len(events) == 0 {
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
	if err := w.store.SaveEventSequence(ctx, lastSeq); err != nil {
		w.log.Error("event cursor not saved", "sequence", lastSeq, "err", err)
	}
	return lastSeq
}

func (w *EventWatcher) handleEvent(ctx context.Context, evt NodeEvent) {
	now := w.nowFn().UTC()
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	stored := StoredEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Height:     evt.Height,
		Attributes: attrs,
		CreatedAt:  now,
	}
	if err := w.store.InsertEvent(ctx, stored); err != nil {
		w.log.Error("event not persisted", "sequence", evt.Sequence, "err", err)
	}

	webhook := WebhookEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Attributes: attrs,
		CreatedAt:  now,
	}
	if entryID := eventEntryID(evt.Type, attrs); entryID != 0 {
		webhook.EntryID = entryID
		if status := orderStatusFromEvent(evt.Type, attrs); status != "" {
			if err := w.store.UpdateOrderStatusByEntry(ctx, entryID, status, now); err != nil {
				w.log.Error("order status not updated", "entry", entryID, "status", status, "err", err)
			}
		}
		if order, err := w.store.OrderByEntry(ctx, entryID); err == nil {
			webhook.OrderID = order.ID
		}
	}
	w.queue.Enqueue(webhook)
}

// eventEntryID extracts the escrow entry behind an event. Escrow events carry
// it as "id", purchase and rating events as "entryId"; listing events have
// none.
func eventEntryID(eventType string, attrs map[string]string) uint64 {
	key := "id"
	if strings.HasPrefix(eventType, "market.") {
		key = "entryId"
	}
	raw := strings.TrimSpace(attrs[key])
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// orderStatusFromEvent derives the order status after an event. Escrow events
// carry the post-transition status directly; the event type is the fallback
// for payloads that omit it.
func orderStatusFromEvent(eventType string, attrs map[string]string) string {
	if !strings.HasPrefix(eventType, "escrow.") {
		return ""
	}
	if status := strings.TrimSpace(attrs["status"]); status != "" {
		return status
	}
	switch eventType {
	case "escrow.opened":
		return "pending"
	case "escrow.created", "escrow.funded":
		return "active"
	case "escrow.confirmed":
		return "completed"
	case "escrow.disputed":
		return "disputed"
	case "escrow.resolved":
		if attrs["outcome"] == "refund" {
			return "refunded"
		}
		return "completed"
	default:
		return ""
	}
}
