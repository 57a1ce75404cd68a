package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Event mirrors the journal entry JSON served by events_list.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Height     uint64            `json:"height"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DisputeInfo mirrors the dispute block attached to entry JSON.
type DisputeInfo struct {
	Reason             string `json:"reason,omitempty"`
	EvidenceHash       string `json:"evidenceHash,omitempty"`
	OpenedAt           uint64 `json:"openedAt"`
	ResolutionDeadline uint64 `json:"resolutionDeadline"`
}

// Entry mirrors the escrow entry JSON served by escrow_get.
type Entry struct {
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

type nodeRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *nodeRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is the read surface the exporter needs from the node.
type Client interface {
	Events(ctx context.Context, after uint64, limit int) ([]Event, error)
	Entry(ctx context.Context, id uint64) (*Entry, error)
}

// RPCClient fetches journal events and entries over JSON-RPC. The export only
// touches read methods, so no bearer token is required.
type RPCClient struct {
	url    string
	client *http.Client
}

func NewRPCClient(url string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		url:    strings.TrimRight(strings.TrimSpace(url), "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *RPCClient) Events(ctx context.Context, after uint64, limit int) ([]Event, error) {
	var events []Event
	params := map[string]interface{}{"after": after, "limit": limit}
	if err := c.call(ctx, "events_list", params, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *RPCClient) Entry(ctx context.Context, id uint64) (*Entry, error) {
	var entry Entry
	if err := c.call(ctx, "escrow_get", map[string]interface{}{"id": id}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *nodeRPCError   `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
