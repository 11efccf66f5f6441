package rpc

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"escrowd/core"
	"escrowd/core/journal"
	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/storage"
)

const testAuthToken = "test-token"

type testEnv struct {
	server   *Server
	node     *core.Node
	token    string
	operator [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	operatorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	operator := operatorKey.PubKey().Address().Bytes20()
	params := &escrow.Params{Operator: operator, BaseFee: big.NewInt(10), CommissionBps: 123}
	node, err := core.NewNode(db, jrnl, params)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = node.Close() })
	server := NewServer(node, testAuthToken)
	return &testEnv{server: server, node: node, token: testAuthToken, operator: operator}
}

func (env *testEnv) newRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	return req
}

func newAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address().String()
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

type recordingSink struct {
	paid map[string]*big.Int
	err  error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{paid: make(map[string]*big.Int)}
}

func (s *recordingSink) Pay(_ context.Context, account [20]byte, amount *big.Int) error {
	if s.err != nil {
		return s.err
	}
	key := string(account[:])
	total, ok := s.paid[key]
	if !ok {
		total = big.NewInt(0)
	}
	s.paid[key] = new(big.Int).Add(total, amount)
	return nil
}

func registerDeal(t *testing.T, env *testEnv, buyer, seller, arbitrator string) dealRegisterResult {
	t.Helper()
	payload := map[string]interface{}{
		"buyer":                buyer,
		"seller":               seller,
		"arbitrator":           arbitrator,
		"amount":               "1000",
		"arbitratorCommission": "50",
		"termsHash":            "0x" + repeatHex("ab", 32),
		"communicationRef":     "order-42",
		"deposit":              "1080",
	}
	req := &RPCRequest{ID: 100, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleDealRegister(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("register error: %+v", rpcErr)
	}
	var res dealRegisterResult
	if err := json.Unmarshal(result, &res); err != nil {
		t.Fatalf("decode register result: %v", err)
	}
	return res
}

func repeatHex(pair string, count int) string {
	out := ""
	for i := 0; i < count; i++ {
		out += pair
	}
	return out
}
