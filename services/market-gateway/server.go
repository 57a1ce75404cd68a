package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agora/gateway/auth"
	"agora/gateway/middleware"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	nodeCallTimeout      = 15 * time.Second
)

// Server is the HTTP front-end mapping merchant requests onto ledger calls.
// Mutations require a signed request plus an Idempotency-Key; reads are open.
type Server struct {
	auth    *auth.Authenticator
	node    NodeClient
	store   *Store
	queue   *WebhookQueue
	intents *FundingIntentBuilder
	log     *slog.Logger
	nowFn   func() time.Time
	newID   func() string
}

func NewServer(authenticator *auth.Authenticator, node NodeClient, store *Store, queue *WebhookQueue, log *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("store required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth:    authenticator,
		node:    node,
		store:   store,
		queue:   queue,
		intents: NewFundingIntentBuilder(),
		log:     log,
		nowFn:   time.Now,
		newID:   uuid.NewString,
	}
}

// Routes builds the versioned route tree. A nil limiter disables per-class
// rate limits; a nil token auth leaves the dashboard group open.
func (s *Server) Routes(limiter *middleware.RateLimiter, tokens *middleware.TokenAuth) http.Handler {
	limit := func(class string) func(http.Handler) http.Handler {
		if limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return limiter.Middleware(class)
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(v chi.Router) {
		v.With(limit("checkout")).Post("/checkout", s.handleCheckout)
		v.With(limit("escrows")).Post("/escrows", s.handleEscrowCreate)
		v.With(limit("escrows")).Post("/escrows/{id}/confirm", s.handleEscrowConfirm)
		v.With(limit("escrows")).Post("/escrows/{id}/dispute", s.handleEscrowDispute)
		v.Get("/escrows/{id}", s.handleEscrowGet)
		v.With(limit("orders")).Get("/orders", s.handleOrdersList)
		v.Get("/orders/{id}", s.handleOrderGet)
		v.Get("/listings/{id}", s.handleListingGet)
		v.With(limit("webhooks")).Post("/webhooks", s.handleWebhookCreate)
		v.Group(func(d chi.Router) {
			if tokens != nil {
				d.Use(tokens.Middleware("events:read"))
			}
			d.Get("/events", s.handleEventsList)
		})
	})
	return r
}

// httpError carries an explicit status through a handler func.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// errorStatus maps handler failures onto HTTP statuses. Node errors translate
// by code band: invalid params, not found, forbidden and conflict line up with
// 400, 404, 403 and 409; anything else from the node is a bad gateway.
func errorStatus(err error) int {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.status
	}
	var nodeErr *NodeRPCError
	if errors.As(err, &nodeErr) {
		switch nodeErr.Code {
		case -32021, -32031, -32602:
			return http.StatusBadRequest
		case -32022, -32032:
			return http.StatusNotFound
		case -32023, -32033:
			return http.StatusForbidden
		case -32024, -32034:
			return http.StatusConflict
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, ErrIdempotencyMismatch) {
		return http.StatusConflict
	}
	if errors.Is(err, ErrOrderNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

type mutationFunc func(ctx context.Context, principal *auth.Principal, body []byte) (interface{}, error)

// handleMutation runs the shared mutation pipeline: bounded body read, HMAC
// verification, idempotency replay, the handler itself, response caching and
// the audit trail.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, successStatus int, fn mutationFunc) {
	body, err := s.readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, err := s.auth.Verify(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		s.audit(r.Context(), principal, r, body, http.StatusUnauthorized, errorBody(err))
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		err := errors.New("missing Idempotency-Key header")
		s.writeError(w, http.StatusBadRequest, err)
		s.audit(r.Context(), principal, r, body, http.StatusBadRequest, errorBody(err))
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if cacheErr != nil {
		status := errorStatus(cacheErr)
		if !errors.Is(cacheErr, ErrIdempotencyMismatch) {
			status = http.StatusInternalServerError
		}
		s.writeError(w, status, cacheErr)
		s.audit(r.Context(), principal, r, body, status, errorBody(cacheErr))
		return
	}
	if cached != nil {
		writeJSONBytes(w, cached.Status, cached.Body)
		s.audit(r.Context(), principal, r, body, cached.Status, cached.Body)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	result, err := fn(ctx, principal, body)
	if err != nil {
		status := errorStatus(err)
		s.writeError(w, status, err)
		s.audit(r.Context(), principal, r, body, status, errorBody(err))
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, successStatus, payload); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		s.audit(r.Context(), principal, r, body, http.StatusInternalServerError, errorBody(err))
		return
	}
	writeJSONBytes(w, successStatus, payload)
	s.audit(r.Context(), principal, r, body, successStatus, payload)
}

// CheckoutRequest buys listed stock: the ledger settles payment into escrow
// atomically.
type CheckoutRequest struct {
	Buyer     string `json:"buyer"`
	ListingID uint64 `json:"listingId"`
	Quantity  uint64 `json:"quantity"`
	Memo      string `json:"memo,omitempty"`
}

// CheckoutResponse pairs the merchant-visible order with the ledger entry
// backing it.
type CheckoutResponse struct {
	Order Order        `json:"order"`
	Entry *EscrowEntry `json:"entry"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, http.StatusCreated, func(ctx context.Context, principal *auth.Principal, body []byte) (interface{}, error) {
		var req CheckoutRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Buyer) == "" {
			return nil, badRequest("buyer is required")
		}
		if req.ListingID == 0 {
			return nil, badRequest("listingId is required")
		}
		if req.Quantity == 0 {
			return nil, badRequest("quantity is required")
		}
		entry, err := s.node.MarketPurchase(ctx, req.Buyer, req.ListingID, req.Quantity, req.Memo)
		if err != nil {
			return nil, err
		}
		order, err := s.insertOrderForEntry(ctx, principal.APIKey, entry)
		if err != nil {
			return nil, err
		}
		return CheckoutResponse{Order: order, Entry: entry}, nil
	})
}

// EscrowCreateRequest opens an escrow entry outside the marketplace flow.
// Deferred entries stay pending until the payer funds them; the response then
// carries the funding instructions.
type EscrowCreateRequest struct {
	Payer    string `json:"payer"`
	Payee    string `json:"payee"`
	Amount   string `json:"amount"`
	Memo     string `json:"memo,omitempty"`
	Deferred bool   `json:"deferred,omitempty"`
}

// EscrowCreateResponse is the order, the ledger entry and, for deferred
// entries, the wallet funding intent.
type EscrowCreateResponse struct {
	Order         Order          `json:"order"`
	Entry         *EscrowEntry   `json:"entry"`
	FundingIntent *FundingIntent `json:"fundingIntent,omitempty"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, http.StatusCreated, func(ctx context.Context, principal *auth.Principal, body []byte) (interface{}, error) {
		var req EscrowCreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Payer) == "" {
			return nil, badRequest("payer is required")
		}
		if strings.TrimSpace(req.Payee) == "" {
			return nil, badRequest("payee is required")
		}
		if strings.TrimSpace(req.Amount) == "" {
			return nil, badRequest("amount is required")
		}
		var entry *EscrowEntry
		var err error
		if req.Deferred {
			entry, err = s.node.EscrowOpen(ctx, req.Payer, req.Payee, req.Amount, req.Memo)
		} else {
			entry, err = s.node.EscrowCreate(ctx, req.Payer, req.Payee, req.Amount, req.Memo)
		}
		if err != nil {
			return nil, err
		}
		order, err := s.insertOrderForEntry(ctx, principal.APIKey, entry)
		if err != nil {
			return nil, err
		}
		resp := EscrowCreateResponse{Order: order, Entry: entry}
		if req.Deferred {
			intent := s.intents.Build(entry.ID, entry.Amount)
			resp.FundingIntent = &intent
		}
		return resp, nil
	})
}

// EscrowActionRequest identifies the acting party for confirm and dispute
// calls.
type EscrowActionRequest struct {
	Caller   string `json:"caller"`
	Reason   string `json:"reason,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.handleMutation(w, r, http.StatusOK, func(ctx context.Context, principal *auth.Principal, body []byte) (interface{}, error) {
		var req EscrowActionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return nil, badRequest("caller is required")
		}
		entry, err := s.node.EscrowConfirm(ctx, id, req.Caller)
		if err != nil {
			return nil, err
		}
		s.stampOrderStatus(ctx, entry)
		return map[string]interface{}{"entry": entry}, nil
	})
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.handleMutation(w, r, http.StatusOK, func(ctx context.Context, principal *auth.Principal, body []byte) (interface{}, error) {
		var req EscrowActionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.Caller) == "" {
			return nil, badRequest("caller is required")
		}
		entry, err := s.node.EscrowDispute(ctx, id, req.Caller, req.Reason, req.Evidence)
		if err != nil {
			return nil, err
		}
		s.stampOrderStatus(ctx, entry)
		return map[string]interface{}{"entry": entry}, nil
	})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	entry, err := s.node.EscrowGet(ctx, id)
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleOrdersList(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth.Verify(r, nil)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
	}
	orders, err := s.store.ListOrders(r.Context(), principal.APIKey, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *Server) handleOrderGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("order id required"))
		return
	}
	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	resp := map[string]interface{}{"order": order}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	if entry, err := s.node.EscrowGet(ctx, order.EntryID); err == nil {
		resp["entry"] = entry
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListingGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), nodeCallTimeout)
	defer cancel()
	listing, err := s.node.MarketGetListing(ctx, id)
	if err != nil {
		s.writeError(w, errorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

// WebhookCreateRequest registers a delivery target for one event type.
type WebhookCreateRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit,omitempty"`
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, http.StatusCreated, func(ctx context.Context, principal *auth.Principal, body []byte) (interface{}, error) {
		var req WebhookCreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, badRequest("invalid JSON payload: %v", err)
		}
		if strings.TrimSpace(req.EventType) == "" {
			return nil, badRequest("eventType is required")
		}
		parsed, err := url.Parse(strings.TrimSpace(req.URL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, badRequest("url must be an absolute http(s) URL")
		}
		if strings.TrimSpace(req.Secret) == "" {
			return nil, badRequest("secret is required")
		}
		sub := WebhookSubscription{
			APIKey:    principal.APIKey,
			EventType: strings.TrimSpace(req.EventType),
			URL:       parsed.String(),
			Secret:    req.Secret,
			RateLimit: req.RateLimit,
			Active:    true,
			CreatedAt: s.nowFn().UTC(),
		}
		id, err := s.store.InsertWebhook(ctx, sub)
		if err != nil {
			return nil, err
		}
		sub.ID = id
		return sub, nil
	})
}

// eventJSON is the dashboard view of one mirrored journal event.
type eventJSON struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Height     uint64            `json:"height"`
	Attributes map[string]string `json:"attributes"`
	ObservedAt time.Time         `json:"observedAt"`
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	events, err := s.store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, evt := range events {
		out = append(out, eventJSON{
			Sequence:   evt.Sequence,
			Type:       evt.Type,
			Height:     evt.Height,
			Attributes: evt.Attributes,
			ObservedAt: evt.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// insertOrderForEntry records the gateway-side order backing a fresh entry.
func (s *Server) insertOrderForEntry(ctx context.Context, apiKey string, entry *EscrowEntry) (Order, error) {
	now := s.nowFn().UTC()
	order := Order{
		ID:        s.newID(),
		APIKey:    apiKey,
		EntryID:   entry.ID,
		ListingID: entry.ListingID,
		Buyer:     entry.Payer,
		Seller:    entry.Payee,
		Amount:    entry.Amount,
		Quantity:  entry.Quantity,
		Status:    entry.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// stampOrderStatus reflects a mutation result onto the order immediately; the
// watcher reconciles the same transition from the journal later.
func (s *Server) stampOrderStatus(ctx context.Context, entry *EscrowEntry) {
	if entry == nil || entry.Status == "" {
		return
	}
	if err := s.store.UpdateOrderStatusByEntry(ctx, entry.ID, entry.Status, s.nowFn().UTC()); err != nil {
		s.log.Error("order status not updated", "entry", entry.ID, "err", err)
	}
}

func pathID(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	if raw == "" {
		return 0, errors.New("id required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSONBytes(w, status, payload)
}

func writeJSONBytes(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSONBytes(w, status, errorBody(err))
}

func errorBody(err error) []byte {
	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return payload
}

func (s *Server) audit(ctx context.Context, principal *auth.Principal, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAudit(ctx, entry); err != nil {
		s.log.Error("audit entry not recorded", "path", entry.Path, "err", err)
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
