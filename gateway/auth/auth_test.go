package auth

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret, apiKey, nonce string, at time.Time, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", bytes.NewReader(body))
	ts := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	sig := Sign(secret, ts, nonce, req.Method, SignedPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := New(map[string]string{"merchant-1": "topsecret"}, time.Minute, 5*time.Minute, 16, nil)
	a.nowFn = func() time.Time { return now }

	body := []byte(`{"listingId":1,"quantity":2}`)
	req := signedRequest(t, "topsecret", "merchant-1", "nonce-1", now, body)
	principal, err := a.Verify(req, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.APIKey != "merchant-1" {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := New(map[string]string{"merchant-1": "topsecret"}, time.Minute, 5*time.Minute, 16, nil)
	a.nowFn = func() time.Time { return now }

	body := []byte(`{"listingId":1,"quantity":2}`)
	req := signedRequest(t, "topsecret", "merchant-1", "nonce-1", now, body)
	if _, err := a.Verify(req, []byte(`{"listingId":1,"quantity":9}`)); err == nil {
		t.Fatalf("expected signature mismatch for altered body")
	}
}

func TestVerifyRejectsUnknownKeyAndMissingHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := New(map[string]string{"merchant-1": "topsecret"}, time.Minute, 5*time.Minute, 16, nil)
	a.nowFn = func() time.Time { return now }

	req := signedRequest(t, "other", "merchant-9", "nonce-1", now, nil)
	if _, err := a.Verify(req, nil); err == nil {
		t.Fatalf("expected unknown key rejection")
	}

	bare := httptest.NewRequest(http.MethodPost, "/v1/checkout", nil)
	if _, err := a.Verify(bare, nil); err == nil {
		t.Fatalf("expected missing header rejection")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := New(map[string]string{"merchant-1": "topsecret"}, time.Minute, 5*time.Minute, 16, nil)
	a.nowFn = func() time.Time { return now }

	req := signedRequest(t, "topsecret", "merchant-1", "nonce-1", now.Add(-10*time.Minute), nil)
	if _, err := a.Verify(req, nil); err == nil {
		t.Fatalf("expected stale timestamp rejection")
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	a := New(map[string]string{"merchant-1": "topsecret"}, time.Minute, 5*time.Minute, 16, nil)
	a.nowFn = func() time.Time { return now }

	body := []byte(`{}`)
	req := signedRequest(t, "topsecret", "merchant-1", "nonce-1", now, body)
	if _, err := a.Verify(req, body); err != nil {
		t.Fatalf("first use: %v", err)
	}
	replay := signedRequest(t, "topsecret", "merchant-1", "nonce-1", now, body)
	if _, err := a.Verify(replay, body); err == nil {
		t.Fatalf("expected nonce replay rejection")
	}

	// A fresh nonce from the same caller still passes.
	next := signedRequest(t, "topsecret", "merchant-1", "nonce-2", now, body)
	if _, err := a.Verify(next, body); err != nil {
		t.Fatalf("fresh nonce: %v", err)
	}
}

func TestNewClampsLimits(t *testing.T) {
	a := New(map[string]string{"k": "s"}, time.Hour, time.Hour, 1_000_000, nil)
	if a.skew != maxSkew {
		t.Fatalf("expected skew clamp to %s, got %s", maxSkew, a.skew)
	}
	if a.window != maxReplayWindow {
		t.Fatalf("expected window clamp to %s, got %s", maxReplayWindow, a.window)
	}
	if a.capacity != maxCacheSize {
		t.Fatalf("expected capacity clamp to %d, got %d", maxCacheSize, a.capacity)
	}
}

func TestReplayCacheEvictsByCapacityAndAge(t *testing.T) {
	cache := newReplayCache(time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 4; i++ {
		cache.add(fmt.Sprintf("n-%d", i), base)
	}
	if cache.contains("n-0", base) {
		t.Fatalf("expected oldest entry evicted at capacity")
	}
	if !cache.contains("n-3", base) {
		t.Fatalf("expected newest entry retained")
	}

	later := base.Add(2 * time.Minute)
	if cache.contains("n-3", later) {
		t.Fatalf("expected entries to expire after the window")
	}
}

func TestSignedPathSortsQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/orders?b=2&a=1", nil)
	if got := SignedPath(req); got != "/v1/orders?a=1&b=2" {
		t.Fatalf("unexpected signed path %q", got)
	}
}
