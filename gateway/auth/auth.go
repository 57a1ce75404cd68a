package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling partner.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix-seconds timestamp the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce must be unique per key within the replay window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 over the request.
	HeaderSignature = "X-Signature"

	// MaxSignedBody bounds the body size included in signature verification.
	MaxSignedBody = 1 << 20

	maxSkew          = 2 * time.Minute
	maxReplayWindow  = 10 * time.Minute
	defaultCacheSize = 4096
	maxCacheSize     = 65536
	prunePeriod      = time.Minute
)

// Principal is the authenticated caller of a gateway request.
type Principal struct {
	APIKey string
}

// ReplayRecord is one observed (key, timestamp, nonce) triple.
type ReplayRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// ReplayStore persists nonce observations so replay protection survives
// restarts. Register reports whether the record was already present.
type ReplayStore interface {
	Register(ctx context.Context, rec ReplayRecord) (bool, error)
	Recent(ctx context.Context, cutoff time.Time) ([]ReplayRecord, error)
	Prune(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies signed partner requests. Secrets map API key
// identifiers to their shared HMAC secrets.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	window   time.Duration
	capacity int
	nowFn    func() time.Time

	mu     sync.Mutex
	caches map[string]*replayCache

	store      ReplayStore
	lastPruned time.Time
}

// New builds an Authenticator. Zero or oversized skew, window and capacity
// values are clamped to the supported range.
func New(secrets map[string]string, skew, window time.Duration, capacity int, store ReplayStore) *Authenticator {
	cleaned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cleaned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	if skew <= 0 || skew > maxSkew {
		skew = maxSkew
	}
	if window <= 0 || window > maxReplayWindow {
		window = maxReplayWindow
	}
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	if capacity > maxCacheSize {
		capacity = maxCacheSize
	}
	return &Authenticator{
		secrets:  cleaned,
		skew:     skew,
		window:   window,
		capacity: capacity,
		nowFn:    time.Now,
		caches:   make(map[string]*replayCache),
		store:    store,
	}
}

// Verify checks the signature headers against the request and body, returning
// the caller principal on success.
func (a *Authenticator) Verify(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxSignedBody)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing " + HeaderAPIKey + " header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, errors.New("missing " + HeaderTimestamp + " header")
	}
	secs, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(secs, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing " + HeaderNonce + " header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing " + HeaderSignature + " header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := Sign(secret, tsHeader, nonce, r.Method, SignedPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	seen, err := a.observe(r.Context(), apiKey, tsHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

// Hydrate reloads persisted nonce observations into the in-memory cache,
// typically once at startup.
func (a *Authenticator) Hydrate(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.store == nil {
		return nil
	}
	records, err := a.store.Recent(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load replay records: %w", err)
	}
	for _, rec := range records {
		if rec.APIKey == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cache(rec.APIKey).add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (a *Authenticator) observe(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.cache(apiKey)
	composite := timestamp + "|" + nonce
	if cache.contains(composite, now) {
		return true, nil
	}
	if a.store != nil {
		if err := a.maybePrune(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.store.Register(ctx, ReplayRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist replay record: %w", err)
		}
		if existed {
			cache.add(composite, now)
			return true, nil
		}
	}
	cache.add(composite, now)
	return false, nil
}

func (a *Authenticator) maybePrune(ctx context.Context, now time.Time) error {
	if a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= prunePeriod {
		if err := a.store.Prune(ctx, now.Add(-a.window)); err != nil {
			return fmt.Errorf("prune replay records: %w", err)
		}
		a.lastPruned = now
	}
	return nil
}

func (a *Authenticator) cache(apiKey string) *replayCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache, ok := a.caches[apiKey]
	if !ok {
		cache = newReplayCache(a.window, a.capacity)
		a.caches[apiKey] = cache
	}
	return cache
}

// SignedPath canonicalizes the request path and query for signing: the query
// parameters are sorted so both sides hash the same string.
func SignedPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery == "" {
		return path
	}
	parts := strings.Split(r.URL.RawQuery, "&")
	sort.Strings(parts)
	return path + "?" + strings.Join(parts, "&")
}

// Sign computes the HMAC-SHA256 over the canonical request representation:
// timestamp, nonce, upper-cased method, signed path and body, newline joined.
func Sign(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return mac.Sum(nil)
}

// replayCache is a bounded, TTL-evicting set of observed nonce composites.
type replayCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	at  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *replayCache) contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	_, ok := c.entries[key]
	return ok
}

func (c *replayCache) add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	if elem, ok := c.entries[key]; ok {
		elem.Value = replayEntry{key: key, at: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.dropOldest()
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, at: now})
}

func (c *replayCache) expire(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(replayEntry)
		if !entry.at.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *replayCache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(replayEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
