package types

// Event is a typed record appended to the ledger journal during state
// transitions. Attributes are flat string pairs so every transport
// (RPC, websocket, webhooks) can carry them without re-encoding.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
