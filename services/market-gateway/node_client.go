package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is the thin JSON-RPC surface the gateway needs from the node.
type NodeClient interface {
	EscrowCreate(ctx context.Context, payer, payee, amount, memo string) (*EscrowEntry, error)
	EscrowOpen(ctx context.Context, payer, payee, amount, memo string) (*EscrowEntry, error)
	EscrowGet(ctx context.Context, id uint64) (*EscrowEntry, error)
	EscrowConfirm(ctx context.Context, id uint64, caller string) (*EscrowEntry, error)
	EscrowDispute(ctx context.Context, id uint64, caller, reason, evidence string) (*EscrowEntry, error)
	MarketPurchase(ctx context.Context, buyer string, listingID, quantity uint64, memo string) (*EscrowEntry, error)
	MarketGetListing(ctx context.Context, id uint64) (*Listing, error)
	EventsList(ctx context.Context, after uint64, limit int) ([]NodeEvent, error)
}

// EscrowEntry mirrors the node's escrow result object.
type EscrowEntry struct {
	ID          uint64       `json:"id"`
	Payer       string       `json:"payer"`
	Payee       string       `json:"payee"`
	Amount      string       `json:"amount"`
	Memo        string       `json:"memo,omitempty"`
	Status      string       `json:"status"`
	CreatedAt   int64        `json:"createdAt"`
	ConfirmedAt int64        `json:"confirmedAt,omitempty"`
	ListingID   uint64       `json:"listingId,omitempty"`
	Quantity    uint64       `json:"quantity,omitempty"`
	Dispute     *DisputeInfo `json:"dispute,omitempty"`
}

// DisputeInfo mirrors the node's dispute sub-object.
type DisputeInfo struct {
	Reason             string `json:"reason,omitempty"`
	EvidenceHash       string `json:"evidenceHash,omitempty"`
	OpenedAt           uint64 `json:"openedAt"`
	ResolutionDeadline uint64 `json:"resolutionDeadline"`
}

// Listing mirrors the node's marketplace listing object.
type Listing struct {
	ID        uint64 `json:"id"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	Quantity  uint64 `json:"quantity"`
	Memo      string `json:"memo,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// NodeEvent is one journal record returned by events_list.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Height     uint64            `json:"height"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NodeRPCError carries the JSON-RPC error object back to callers so handlers
// can translate node failures into HTTP statuses.
type NodeRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *NodeRPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("node rpc error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// RPCNodeClient talks JSON-RPC to agorad with a bearer token.
type RPCNodeClient struct {
	url       string
	authToken string
	client    *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(url, authToken string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCNodeClient{
		url:       strings.TrimRight(url, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

type rpcRequestEnvelope struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponseEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *NodeRPCError   `json:"error"`
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	envelope := rpcRequestEnvelope{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
	}
	if params != nil {
		envelope.Params = []interface{}{params}
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var decoded rpcResponseEnvelope
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCNodeClient) EscrowCreate(ctx context.Context, payer, payee, amount, memo string) (*EscrowEntry, error) {
	params := map[string]interface{}{"payer": payer, "payee": payee, "amount": amount}
	if memo != "" {
		params["memo"] = memo
	}
	var entry EscrowEntry
	if err := c.call(ctx, "escrow_create", params, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RPCNodeClient) EscrowOpen(ctx context.Context, payer, payee, amount, memo string) (*EscrowEntry, error) {
	params := map[string]interface{}{"payer": payer, "payee": payee, "amount": amount}
	if memo != "" {
		params["memo"] = memo
	}
	var entry EscrowEntry
	if err := c.call(ctx, "escrow_open", params, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RPCNodeClient) EscrowGet(ctx context.Context, id uint64) (*EscrowEntry, error) {
	var entry EscrowEntry
	if err := c.call(ctx, "escrow_get", map[string]interface{}{"id": id}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RPCNodeClient) EscrowConfirm(ctx context.Context, id uint64, caller string) (*EscrowEntry, error) {
	params := map[string]interface{}{"id": id, "caller": caller}
	var entry EscrowEntry
	if err := c.call(ctx, "escrow_confirm", params, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RPCNodeClient) EscrowDispute(ctx context.Context, id uint64, caller, reason, evidence string) (*EscrowEntry, error) {
	params := map[string]interface{}{"id": id, "caller": caller}
	if reason != "" {
		params["reason"] = reason
	}
	if evidence != "" {
		params["evidence"] = evidence
	}
	var entry EscrowEntry
	if err := c.call(ctx, "escrow_dispute", params, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RPCNodeClient) MarketPurchase(ctx context.Context, buyer string, listingID, quantity uint64, memo string) (*EscrowEntry, error) {
	params := map[string]interface{}{"buyer": buyer, "listingId": listingID, "quantity": quantity}
	if memo != "" {
		params["memo"] = memo
	}
	var entry EscrowEntry
	if err := c.call(ctx, "market_purchase", params, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RPCNodeClient) MarketGetListing(ctx context.Context, id uint64) (*Listing, error) {
	var listing Listing
	if err := c.call(ctx, "market_getListing", map[string]interface{}{"id": id}, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

func (c *RPCNodeClient) EventsList(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	params := map[string]interface{}{"after": after}
	if limit > 0 {
		params["limit"] = limit
	}
	var events []NodeEvent
	if err := c.call(ctx, "events_list", params, &events); err != nil {
		return nil, err
	}
	return events, nil
}
