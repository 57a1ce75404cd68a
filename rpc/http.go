package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agora/core"
	"agora/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	// Write methods are throttled per source address.
	writeRatePerMinute = 60
	writeBurst         = 10
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Server exposes the node's operations over JSON-RPC 2.0. Write methods
// require the bearer token from AGORA_RPC_TOKEN; reads are open.
type Server struct {
	node *core.Node
	log  *slog.Logger

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	authToken string
}

func NewServer(node *core.Node) *Server {
	token := strings.TrimSpace(os.Getenv("AGORA_RPC_TOKEN"))
	return &Server{
		node:      node,
		log:       slog.Default(),
		limiters:  make(map[string]*rate.Limiter),
		authToken: token,
	}
}

// SetLogger replaces the server logger. Passing nil restores the process
// default.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger == nil {
		s.log = slog.Default()
		return
	}
	s.log = logger
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint and the
// WebSocket event stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the HTTP status written by a handler so request
// metrics stay accurate.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.route(recorder, r, req)
	observability.ModuleMetrics().Observe(moduleOf(req.Method), req.Method, recorder.status, time.Since(start))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "escrow_create":
		s.handleWrite(w, r, req, s.handleEscrowCreate)
	case "escrow_open":
		s.handleWrite(w, r, req, s.handleEscrowOpen)
	case "escrow_fund":
		s.handleWrite(w, r, req, s.handleEscrowFund)
	case "escrow_confirm":
		s.handleWrite(w, r, req, s.handleEscrowConfirm)
	case "escrow_dispute":
		s.handleWrite(w, r, req, s.handleEscrowDispute)
	case "escrow_resolve":
		s.handleWrite(w, r, req, s.handleEscrowResolve)
	case "escrow_get":
		s.handleEscrowGet(w, r, req)
	case "escrow_disputeActive":
		s.handleEscrowDisputeActive(w, r, req)
	case "escrow_listByParty":
		s.handleEscrowListByParty(w, r, req)
	case "market_createListing":
		s.handleWrite(w, r, req, s.handleMarketCreateListing)
	case "market_updateListing":
		s.handleWrite(w, r, req, s.handleMarketUpdateListing)
	case "market_purchase":
		s.handleWrite(w, r, req, s.handleMarketPurchase)
	case "market_rateSeller":
		s.handleWrite(w, r, req, s.handleMarketRateSeller)
	case "market_rateBuyer":
		s.handleWrite(w, r, req, s.handleMarketRateBuyer)
	case "market_getListing":
		s.handleMarketGetListing(w, r, req)
	case "market_listingsBySeller":
		s.handleMarketListingsBySeller(w, r, req)
	case "market_reputation":
		s.handleMarketReputation(w, r, req)
	case "market_sellerRating":
		s.handleMarketSellerRating(w, r, req)
	case "market_buyerRating":
		s.handleMarketBuyerRating(w, r, req)
	case "market_entryRatings":
		s.handleMarketEntryRatings(w, r, req)
	case "ledger_balance":
		s.handleLedgerBalance(w, r, req)
	case "ledger_height":
		s.handleLedgerHeight(w, r, req)
	case "events_list":
		s.handleEventsList(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method '%s' not found", req.Method), nil)
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest)

// handleWrite gates state-mutating methods behind bearer auth and the
// per-source write limiter.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if !s.allowSource(clientSource(r)) {
		observability.ModuleMetrics().RecordThrottle(moduleOf(req.Method), "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "write rate limit exceeded", nil)
		return
	}
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(writeRatePerMinute)/60.0), writeBurst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func moduleOf(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return method
}
