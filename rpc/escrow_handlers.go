package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"agora/core/genesis"
	"agora/crypto"
	"agora/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type escrowCreateParams struct {
	Payer  string `json:"payer"`
	Payee  string `json:"payee"`
	Amount string `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type escrowDisputeParams struct {
	ID       uint64 `json:"id"`
	Caller   string `json:"caller"`
	Reason   string `json:"reason,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

type escrowResolveParams struct {
	ID      uint64 `json:"id"`
	Caller  string `json:"caller"`
	Outcome string `json:"outcome"`
}

type escrowPartyParams struct {
	Address string `json:"address"`
}

type disputeJSON struct {
	Reason             string `json:"reason,omitempty"`
	EvidenceHash       string `json:"evidenceHash,omitempty"`
	OpenedAt           uint64 `json:"openedAt"`
	ResolutionDeadline uint64 `json:"resolutionDeadline"`
}

type entryJSON struct {
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
	Dispute     *disputeJSON `json:"dispute,omitempty"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowOpenStyle(w, req, s.node.EscrowCreate)
}

func (s *Server) handleEscrowOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowOpenStyle(w, req, s.node.EscrowOpen)
}

func (s *Server) handleEscrowOpenStyle(w http.ResponseWriter, req *RPCRequest, fn func([20]byte, [20]byte, *big.Int, string) (*escrow.Entry, error)) {
	var params escrowCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	payer, err := parseBech32Address(params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payee, err := parseBech32Address(params.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	entry, err := fn(payer, payee, amount, params.Memo)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEntryJSON(entry))
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, req, s.node.EscrowFund)
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleEscrowTransition(w, req, s.node.EscrowConfirm)
}

func (s *Server) handleEscrowTransition(w http.ResponseWriter, req *RPCRequest, fn func(uint64, [20]byte) (*escrow.Entry, error)) {
	var params escrowActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "id required")
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	entry, err := fn(params.ID, caller)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEntryJSON(entry))
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowDisputeParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "id required")
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	evidence, err := parseHexBytes(params.Evidence)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	entry, err := s.node.EscrowDispute(params.ID, caller, params.Reason, evidence)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEntryJSON(entry))
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowResolveParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "id required")
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	outcome := strings.ToLower(strings.TrimSpace(params.Outcome))
	if outcome != "release" && outcome != "refund" {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "outcome must be release or refund")
		return
	}
	entry, err := s.node.EscrowResolve(params.ID, caller, outcome)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEntryJSON(entry))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	entry, err := s.node.EscrowGet(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEntryJSON(entry))
}

func (s *Server) handleEscrowDisputeActive(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	active, err := s.node.EscrowDisputeActive(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, active)
}

func (s *Server) handleEscrowListByParty(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowPartyParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	ids, err := s.node.EscrowsByParty(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ids)
}

// decodeSingleParam enforces the single-object parameter convention shared by
// every method.
func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return genesis.ParseBech32Account(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseHexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), "0x") {
		return nil, fmt.Errorf("evidence must be 0x-prefixed hex")
	}
	cleaned := trimmed[2:]
	if len(cleaned)%2 != 0 {
		return nil, fmt.Errorf("evidence hex length must be even")
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.AGOPrefix, addr[:]).String()
}

func formatEntryJSON(entry *escrow.Entry) entryJSON {
	amount := "0"
	if entry.Amount != nil {
		amount = entry.Amount.String()
	}
	out := entryJSON{
		ID:          entry.ID,
		Payer:       formatAddress(entry.Payer),
		Payee:       formatAddress(entry.Payee),
		Amount:      amount,
		Memo:        entry.Memo,
		Status:      entry.Status.String(),
		CreatedAt:   entry.CreatedAt,
		ConfirmedAt: entry.ConfirmedAt,
		ListingID:   entry.ListingID,
		Quantity:    entry.Quantity,
	}
	if entry.Dispute != nil {
		dispute := &disputeJSON{
			Reason:             entry.Dispute.Reason,
			OpenedAt:           entry.Dispute.OpenedAt,
			ResolutionDeadline: entry.Dispute.OpenedAt + escrow.ResolutionWindow,
		}
		if entry.Dispute.EvidenceHash != ([32]byte{}) {
			dispute.EvidenceHash = "0x" + hex.EncodeToString(entry.Dispute.EvidenceHash[:])
		}
		out.Dispute = dispute
	}
	return out
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrDisputeWindowExpired),
		errors.Is(err, escrow.ErrInsufficientFunds):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrSelfDeal),
		errors.Is(err, escrow.ErrMemoTooLong):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
