package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch is returned when an Idempotency-Key is reused with a
// different request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrOrderNotFound is returned when an order lookup misses.
var ErrOrderNotFound = errors.New("order not found")

// Store persists gateway state: idempotent responses, the audit trail, order
// records and webhook bookkeeping.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS orders (
            id TEXT PRIMARY KEY,
            api_key TEXT NOT NULL,
            entry_id INTEGER NOT NULL,
            listing_id INTEGER,
            buyer TEXT NOT NULL,
            seller TEXT NOT NULL,
            amount TEXT NOT NULL,
            quantity INTEGER,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS orders_entry_idx ON orders(entry_id);`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            height INTEGER NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StoredResponse is the cached reply for a previously completed request.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one row of the request audit trail.
type AuditEntry struct {
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *Store) InsertAudit(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// Order ties a merchant-visible order id to its ledger escrow entry.
type Order struct {
	ID        string    `json:"orderId"`
	APIKey    string    `json:"-"`
	EntryID   uint64    `json:"entryId"`
	ListingID uint64    `json:"listingId,omitempty"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Amount    string    `json:"amount"`
	Quantity  uint64    `json:"quantity,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Store) InsertOrder(ctx context.Context, order Order) error {
	const stmt = `INSERT INTO orders(id, api_key, entry_id, listing_id, buyer, seller, amount, quantity, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, order.ID, order.APIKey, order.EntryID, order.ListingID, order.Buyer, order.Seller, order.Amount, order.Quantity, order.Status, order.CreatedAt, order.UpdatedAt)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (Order, error) {
	const query = `SELECT id, api_key, entry_id, listing_id, buyer, seller, amount, quantity, status, created_at, updated_at FROM orders WHERE id = ?`
	return s.scanOrder(s.db.QueryRowContext(ctx, query, id), id)
}

func (s *Store) OrderByEntry(ctx context.Context, entryID uint64) (Order, error) {
	const query = `SELECT id, api_key, entry_id, listing_id, buyer, seller, amount, quantity, status, created_at, updated_at FROM orders WHERE entry_id = ?`
	return s.scanOrder(s.db.QueryRowContext(ctx, query, entryID), fmt.Sprintf("entry %d", entryID))
}

func (s *Store) scanOrder(row *sql.Row, ref interface{}) (Order, error) {
	var order Order
	err := row.Scan(&order.ID, &order.APIKey, &order.EntryID, &order.ListingID, &order.Buyer, &order.Seller, &order.Amount, &order.Quantity, &order.Status, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderNotFound, ref)
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// UpdateOrderStatusByEntry stamps the new status onto the order backing the
// given escrow entry. Orders created outside the gateway produce no row; that
// is not an error.
func (s *Store) UpdateOrderStatusByEntry(ctx context.Context, entryID uint64, status string, at time.Time) error {
	const stmt = `UPDATE orders SET status = ?, updated_at = ? WHERE entry_id = ?`
	_, err := s.db.ExecContext(ctx, stmt, status, at, entryID)
	return err
}

// ListOrders returns the newest orders for one API key.
func (s *Store) ListOrders(ctx context.Context, apiKey string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, api_key, entry_id, listing_id, buyer, seller, amount, quantity, status, created_at, updated_at FROM orders WHERE api_key = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, apiKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		var order Order
		if err := rows.Scan(&order.ID, &order.APIKey, &order.EntryID, &order.ListingID, &order.Buyer, &order.Seller, &order.Amount, &order.Quantity, &order.Status, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// StoredEvent mirrors one journal entry pulled from the node.
type StoredEvent struct {
	Sequence   uint64
	Type       string
	Height     uint64
	Attributes map[string]string
	CreatedAt  time.Time
}

func (s *Store) InsertEvent(ctx context.Context, evt StoredEvent) error {
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, height, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, evt.Height, string(payload), evt.CreatedAt)
	return err
}

// RecentEvents returns the newest locally mirrored events.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT sequence, type, height, payload, created_at FROM events ORDER BY sequence DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var payload string
		if err := rows.Scan(&evt.Sequence, &evt.Type, &evt.Height, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *Store) LastEventSequence(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'events'`
	var value uint64
	err := s.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) SaveEventSequence(ctx context.Context, sequence uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, sequence)
	return err
}

// WebhookSubscription is a registered delivery target for one event type.
type WebhookSubscription struct {
	ID        int64     `json:"id"`
	APIKey    string    `json:"-"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	const stmt = `INSERT INTO webhooks(api_key, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	active := 0
	if sub.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx, stmt, sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, active, sub.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) WebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE event_type = ? AND active = 1`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = 60
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// WebhookAttempt records one delivery try for the operations log.
type WebhookAttempt struct {
	WebhookID     int64
	EventSequence uint64
	Attempt       int
	Status        string
	Error         string
	NextAttempt   time.Time
	CreatedAt     time.Time
}

func (s *Store) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	var next interface{}
	if !attempt.NextAttempt.IsZero() {
		next = attempt.NextAttempt
	}
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, attempt.EventSequence, attempt.Attempt, attempt.Status, attempt.Error, next, attempt.CreatedAt)
	return err
}
