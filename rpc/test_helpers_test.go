package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"agora/core"
	"agora/crypto"
	"agora/storage"
)

const testAuthToken = "rpc-test-token"

type testEnv struct {
	server *Server
	node   *core.Node

	payer   [20]byte
	payee   [20]byte
	arbiter [20]byte
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func bech(addr [20]byte) string {
	return crypto.NewAddress(crypto.AGOPrefix, addr[:]).String()
}

// newTestEnv boots a node from a genesis document funding the payer and
// granting the arbiter role, then wraps it in an RPC server expecting
// testAuthToken on write methods.
func newTestEnv(t testing.TB) *testEnv {
	t.Helper()
	env := &testEnv{
		payer:   testAddr(0x01),
		payee:   testAddr(0x02),
		arbiter: testAddr(0x03),
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	doc := fmt.Sprintf(`{
		"genesisTime": "2024-01-01T00:00:00Z",
		"alloc": {%q: "1000000"},
		"roles": {"ROLE_ARBITER": [%q]}
	}`, bech(env.payer), bech(env.arbiter))
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write genesis: %v", err)
	}

	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	node, err := core.NewNode(db, path, false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	env.node = node

	t.Setenv("AGORA_RPC_TOKEN", testAuthToken)
	env.server = NewServer(node)
	return env
}

func (env *testEnv) newRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.10:55000"
	return req
}

func marshalParam(t testing.TB, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

// rpcCall drives a request through the full handle path, including auth and
// rate limiting.
func (env *testEnv) rpcCall(t testing.TB, method string, params interface{}, withAuth bool) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	} else {
		body["params"] = []interface{}{}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.RemoteAddr = "192.0.2.10:55000"
	if withAuth {
		req.Header.Set("Authorization", "Bearer "+testAuthToken)
	}
	recorder := httptest.NewRecorder()
	env.server.handle(recorder, req)
	return recorder
}

func decodeRPCResponse(t testing.TB, recorder *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, recorder.Body.String())
	}
	return resp.Result, resp.Error
}

func decodeResultInto(t testing.TB, raw json.RawMessage, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v (raw %s)", err, raw)
	}
}
