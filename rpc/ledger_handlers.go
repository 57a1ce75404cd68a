package rpc

import (
	"net/http"

	"agora/core/state"
)

const (
	codeLedgerInvalidParams = -32041
	codeLedgerInternal      = -32045
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

type balanceParams struct {
	Address string `json:"address"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type heightJSON struct {
	Height uint64 `json:"height"`
}

type eventsListParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type eventJSON struct {
	Sequence   uint64            `json:"sequence"`
	Height     uint64            `json:"height"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params balanceParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeLedgerInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr[:])
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeLedgerInternal, "internal_error", err.Error())
		return
	}
	balance := "0"
	if account.BalanceAGO != nil {
		balance = account.BalanceAGO.String()
	}
	writeResult(w, req.ID, balanceJSON{
		Address: formatAddress(addr),
		Balance: balance,
		Nonce:   account.Nonce,
	})
}

func (s *Server) handleLedgerHeight(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeLedgerInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	height, err := s.node.Height()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeLedgerInternal, "internal_error", err.Error())
		return
	}
	writeResult(w, req.ID, heightJSON{Height: height})
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := eventsListParams{Limit: defaultEventsLimit}
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeLedgerInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	if len(req.Params) == 1 {
		if !decodeSingleParam(w, req, &params) {
			return
		}
	}
	if params.Limit <= 0 {
		params.Limit = defaultEventsLimit
	}
	if params.Limit > maxEventsLimit {
		params.Limit = maxEventsLimit
	}
	entries, err := s.node.Events(params.After, params.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeLedgerInternal, "internal_error", err.Error())
		return
	}
	out := make([]eventJSON, len(entries))
	for i, entry := range entries {
		out[i] = formatEventJSON(entry)
	}
	writeResult(w, req.ID, out)
}

func formatEventJSON(entry state.JournalEntry) eventJSON {
	attrs := make(map[string]string, len(entry.Event.Attributes))
	for key, value := range entry.Event.Attributes {
		attrs[key] = value
	}
	return eventJSON{
		Sequence:   entry.Sequence,
		Height:     entry.Height,
		Type:       entry.Event.Type,
		Attributes: attrs,
	}
}
