package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIdempotencyLookupRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, testAPIKey, "key-1", "hash-a")
	if err != nil || cached != nil {
		t.Fatalf("expected miss, got %+v err %v", cached, err)
	}
	if err := store.SaveIdempotency(ctx, testAPIKey, "key-1", "hash-a", 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	cached, err = store.LookupIdempotency(ctx, testAPIKey, "key-1", "hash-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if cached == nil || cached.Status != 201 || string(cached.Body) != `{"ok":true}` {
		t.Fatalf("unexpected cached response %+v", cached)
	}

	if _, err := store.LookupIdempotency(ctx, testAPIKey, "key-1", "hash-b"); !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	if cached, err := store.LookupIdempotency(ctx, "other-key", "key-1", "hash-a"); err != nil || cached != nil {
		t.Fatalf("keys must be scoped per api key, got %+v err %v", cached, err)
	}
}

func TestOrderLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	order := Order{
		ID: "order-1", APIKey: testAPIKey, EntryID: 42, ListingID: 3,
		Buyer: "ago1buyer", Seller: "ago1seller", Amount: "200", Quantity: 2,
		Status: "active", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.InsertOrder(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	byID, err := store.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if byID.EntryID != 42 || byID.Status != "active" {
		t.Fatalf("unexpected order %+v", byID)
	}

	byEntry, err := store.OrderByEntry(ctx, 42)
	if err != nil {
		t.Fatalf("by entry: %v", err)
	}
	if byEntry.ID != "order-1" {
		t.Fatalf("unexpected order %+v", byEntry)
	}

	if err := store.UpdateOrderStatusByEntry(ctx, 42, "completed", now.Add(time.Minute)); err != nil {
		t.Fatalf("update status: %v", err)
	}
	updated, err := store.GetOrder(ctx, "order-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if updated.Status != "completed" {
		t.Fatalf("expected completed, got %q", updated.Status)
	}

	if _, err := store.GetOrder(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	// Updates for entries without an order are a no-op, not an error.
	if err := store.UpdateOrderStatusByEntry(ctx, 999, "completed", now); err != nil {
		t.Fatalf("update unknown entry: %v", err)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		order := Order{
			ID: string(rune('a' + i)), APIKey: testAPIKey, EntryID: uint64(i + 1),
			Buyer: "ago1b", Seller: "ago1s", Amount: "10", Status: "active",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertOrder(ctx, order); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	orders, err := store.ListOrders(ctx, testAPIKey, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "c" || orders[1].ID != "b" {
		t.Fatalf("expected newest first with limit, got %+v", orders)
	}
}

func TestEventCursorPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cursor, err := store.LastEventSequence(ctx)
	if err != nil || cursor != 0 {
		t.Fatalf("expected zero cursor, got %d err %v", cursor, err)
	}
	if err := store.SaveEventSequence(ctx, 17); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveEventSequence(ctx, 23); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	cursor, err = store.LastEventSequence(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cursor != 23 {
		t.Fatalf("expected 23, got %d", cursor)
	}
}

func TestWebhooksForEventFiltersInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.InsertWebhook(ctx, WebhookSubscription{APIKey: testAPIKey, EventType: "escrow.confirmed", URL: "https://a.example", Secret: "s", Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("insert active: %v", err)
	}
	if _, err := store.InsertWebhook(ctx, WebhookSubscription{APIKey: testAPIKey, EventType: "escrow.confirmed", URL: "https://b.example", Secret: "s", Active: false, CreatedAt: now}); err != nil {
		t.Fatalf("insert inactive: %v", err)
	}
	if _, err := store.InsertWebhook(ctx, WebhookSubscription{APIKey: testAPIKey, EventType: "escrow.disputed", URL: "https://c.example", Secret: "s", Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("insert other type: %v", err)
	}

	subs, err := store.WebhooksForEvent(ctx, "escrow.confirmed")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(subs) != 1 || subs[0].URL != "https://a.example" {
		t.Fatalf("expected only the active matching subscription, got %+v", subs)
	}
	if subs[0].RateLimit != 60 {
		t.Fatalf("expected default rate limit 60, got %d", subs[0].RateLimit)
	}
}
