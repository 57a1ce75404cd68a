package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestWatcherUpdatesOrdersAndCursor(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	order := Order{ID: "order-7", APIKey: testAPIKey, EntryID: 7, Buyer: "ago1b", Seller: "ago1s", Amount: "200", Status: "active", CreatedAt: now, UpdatedAt: now}
	if err := store.InsertOrder(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	node := &mockNodeClient{events: []NodeEvent{
		{Sequence: 1, Height: 10, Type: "escrow.confirmed", Attributes: map[string]string{"id": "7", "status": "completed"}},
		{Sequence: 2, Height: 10, Type: "market.rating", Attributes: map[string]string{"entryId": "7", "score": "5"}},
	}}
	queue := NewWebhookQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	watcher := NewEventWatcher(node, store, queue, logger)

	next := watcher.poll(context.Background(), 0)
	if next != 2 {
		t.Fatalf("expected cursor to advance to 2, got %d", next)
	}

	updated, err := store.GetOrder(context.Background(), "order-7")
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if updated.Status != "completed" {
		t.Fatalf("expected order completed, got %q", updated.Status)
	}

	cursor, err := store.LastEventSequence(context.Background())
	if err != nil {
		t.Fatalf("load cursor: %v", err)
	}
	if cursor != 2 {
		t.Fatalf("expected persisted cursor 2, got %d", cursor)
	}

	events := queue.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 queued events, got %d", len(events))
	}
	if events[0].EntryID != 7 || events[0].OrderID != "order-7" {
		t.Fatalf("expected order attached to escrow event, got %+v", events[0])
	}
	if events[1].EntryID != 7 {
		t.Fatalf("expected entryId resolved from rating event, got %+v", events[1])
	}

	mirrored, err := store.RecentEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("load mirrored events: %v", err)
	}
	if len(mirrored) != 2 || mirrored[0].Sequence != 2 {
		t.Fatalf("unexpected mirrored events %+v", mirrored)
	}
}

func TestWatcherSkipsAlreadySeenSequences(t *testing.T) {
	store := newTestStore(t)
	node := &mockNodeClient{events: []NodeEvent{
		{Sequence: 3, Type: "escrow.created", Attributes: map[string]string{"id": "1", "status": "active"}},
		{Sequence: 4, Type: "escrow.confirmed", Attributes: map[string]string{"id": "1", "status": "completed"}},
	}}
	queue := NewWebhookQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	watcher := NewEventWatcher(node, store, queue, logger)

	next := watcher.poll(context.Background(), 3)
	if next != 4 {
		t.Fatalf("expected cursor 4, got %d", next)
	}
	if events := queue.Events(); len(events) != 1 || events[0].Sequence != 4 {
		t.Fatalf("expected only sequence 4 queued, got %+v", events)
	}
}

func TestOrderStatusFromEvent(t *testing.T) {
	cases := []struct {
		eventType string
		attrs     map[string]string
		want      string
	}{
		{"escrow.opened", map[string]string{}, "pending"},
		{"escrow.created", map[string]string{}, "active"},
		{"escrow.funded", map[string]string{}, "active"},
		{"escrow.confirmed", map[string]string{}, "completed"},
		{"escrow.disputed", map[string]string{}, "disputed"},
		{"escrow.resolved", map[string]string{"outcome": "release"}, "completed"},
		{"escrow.resolved", map[string]string{"outcome": "refund"}, "refunded"},
		{"escrow.funded", map[string]string{"status": "active"}, "active"},
		{"market.listing.created", map[string]string{}, ""},
	}
	for _, tc := range cases {
		if got := orderStatusFromEvent(tc.eventType, tc.attrs); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.eventType, tc.want, got)
		}
	}
}
