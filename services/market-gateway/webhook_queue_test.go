package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

func TestWebhookQueueDropOldest(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(3),
		WithWebhookHistoryCapacity(2),
		WithWebhookTTL(time.Minute),
		withWebhookClock(clock.Now),
	)

	for i := 0; i < 5; i++ {
		queue.Enqueue(WebhookEvent{Sequence: uint64(i), CreatedAt: clock.Now()})
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
			t.Fatalf("expected task, queue closed early after %d items", len(sequences))
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
		WithWebhookTaskCapacity(2),
		WithWebhookHistoryCapacity(2),
		WithWebhookTTL(10*time.Second),
		withWebhookClock(clock.Now),
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

func TestWebhookWorkerDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r.Clone(context.Background())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	store := newTestStore(t)
	if _, err := store.InsertWebhook(context.Background(), WebhookSubscription{
		APIKey:    testAPIKey,
		EventType: "escrow.confirmed",
		URL:       target.URL,
		Secret:    "hook-secret",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	queue := NewWebhookQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := NewWebhookWorker(store, queue, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue(WebhookEvent{
		Sequence:   11,
		Type:       "escrow.confirmed",
		EntryID:    7,
		OrderID:    "order-7",
		Attributes: map[string]string{"id": "7", "status": "completed"},
		CreatedAt:  time.Now().UTC(),
	})

	select {
	case req := <-received:
		body := <-bodies
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode delivery: %v", err)
		}
		if payload["type"] != "escrow.confirmed" || payload["orderId"] != "order-7" {
			t.Fatalf("unexpected payload %v", payload)
		}
		mac := hmac.New(sha256.New, []byte("hook-secret"))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if got := req.Header.Get("X-Webhook-Signature"); got != want {
			t.Fatalf("signature mismatch: got %s want %s", got, want)
		}
	case <-ctx.Done():
		t.Fatal("webhook delivery timed out")
	}
}

func TestWebhookWorkerRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		current := attempts
		mu.Unlock()
		if current == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer target.Close()

	store := newTestStore(t)
	if _, err := store.InsertWebhook(context.Background(), WebhookSubscription{
		APIKey:    testAPIKey,
		EventType: "escrow.disputed",
		URL:       target.URL,
		Secret:    "hook-secret",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	queue := NewWebhookQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	worker := NewWebhookWorker(store, queue, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go worker.Run(ctx)

	queue.Enqueue(WebhookEvent{Sequence: 12, Type: "escrow.disputed", EntryID: 8, CreatedAt: time.Now().UTC()})

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		if attempts < 2 {
			t.Fatalf("expected a retry after failure, attempts = %d", attempts)
		}
	case <-ctx.Done():
		t.Fatal("retry did not arrive before timeout")
	}
}
