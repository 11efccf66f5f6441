package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestDealRegisterInvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]interface{}{
		"buyer":                "invalid",
		"seller":               newAddress(t),
		"arbitrator":           newAddress(t),
		"amount":               "1000",
		"arbitratorCommission": "50",
		"deposit":              "1080",
	}
	req := &RPCRequest{ID: 1, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleDealRegister(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeDealInvalidParams {
		t.Fatalf("expected code %d got %d", codeDealInvalidParams, rpcErr.Code)
	}
	if rpcErr.Message != "invalid_params" {
		t.Fatalf("expected message invalid_params got %s", rpcErr.Message)
	}
}

func TestDealRegisterInsufficientDeposit(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]interface{}{
		"buyer":                newAddress(t),
		"seller":               newAddress(t),
		"arbitrator":           newAddress(t),
		"amount":               "1000",
		"arbitratorCommission": "50",
		"deposit":              "1071",
	}
	req := &RPCRequest{ID: 2, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleDealRegister(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeDealConflict {
		t.Fatalf("expected code %d got %d", codeDealConflict, rpcErr.Code)
	}
	if rpcErr.Message != "conflict" {
		t.Fatalf("expected message conflict got %s", rpcErr.Message)
	}
}

func TestDealRegisterSharedIdentityRejected(t *testing.T) {
	env := newTestEnv(t)
	buyer := newAddress(t)
	payload := map[string]interface{}{
		"buyer":                buyer,
		"seller":               buyer,
		"arbitrator":           newAddress(t),
		"amount":               "1000",
		"arbitratorCommission": "50",
		"deposit":              "1080",
	}
	req := &RPCRequest{ID: 3, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleDealRegister(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeDealConflict {
		t.Fatalf("expected code %d got %d", codeDealConflict, rpcErr.Code)
	}
}

func TestDealRegisterAndGet(t *testing.T) {
	env := newTestEnv(t)
	buyer := newAddress(t)
	seller := newAddress(t)
	arbitrator := newAddress(t)

	res := registerDeal(t, env, buyer, seller, arbitrator)
	if res.DealID != 1 {
		t.Fatalf("expected deal id 1 got %d", res.DealID)
	}
	if res.SellerSequence != 1 {
		t.Fatalf("expected seller sequence 1 got %d", res.SellerSequence)
	}
	if res.RequiredDeposit != "1072" {
		t.Fatalf("expected required 1072 got %s", res.RequiredDeposit)
	}
	if res.Excess != "8" {
		t.Fatalf("expected excess 8 got %s", res.Excess)
	}

	getReq := &RPCRequest{ID: 4, Params: []json.RawMessage{marshalParam(t, map[string]uint64{"dealId": res.DealID})}}
	getRec := httptest.NewRecorder()
	env.server.handleDealGet(getRec, env.newRequest(), getReq)
	result, rpcErr := decodeRPCResponse(t, getRec)
	if rpcErr != nil {
		t.Fatalf("get error: %+v", rpcErr)
	}
	var deal dealJSON
	if err := json.Unmarshal(result, &deal); err != nil {
		t.Fatalf("decode deal: %v", err)
	}
	if deal.DealID != res.DealID {
		t.Fatalf("unexpected deal id %d", deal.DealID)
	}
	if deal.Buyer != buyer || deal.Seller != seller || deal.Arbitrator != arbitrator {
		t.Fatalf("party mismatch: %+v", deal)
	}
	if deal.Amount != "1000" {
		t.Fatalf("expected amount 1000 got %s", deal.Amount)
	}
	if deal.ArbitratorCommission != "50" {
		t.Fatalf("expected commission 50 got %s", deal.ArbitratorCommission)
	}
	if deal.AddedProtocolFee != "12" {
		t.Fatalf("expected added fee 12 got %s", deal.AddedProtocolFee)
	}
	if deal.Status != "in_progress" {
		t.Fatalf("expected status in_progress got %s", deal.Status)
	}
	if deal.CommunicationRef != "order-42" {
		t.Fatalf("unexpected communication ref %s", deal.CommunicationRef)
	}
	if deal.TermsHash != "0x"+repeatHex("ab", 32) {
		t.Fatalf("unexpected terms hash %s", deal.TermsHash)
	}
	if deal.Award != nil || deal.CommentsHash != nil {
		t.Fatalf("decision fields should be absent before a ruling")
	}
}

func TestDealGetNotFound(t *testing.T) {
	env := newTestEnv(t)
	req := &RPCRequest{ID: 5, Params: []json.RawMessage{marshalParam(t, map[string]uint64{"dealId": 99})}}
	rec := httptest.NewRecorder()
	env.server.handleDealGet(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected error")
	}
	if rpcErr.Code != codeDealNotFound {
		t.Fatalf("expected code %d got %d", codeDealNotFound, rpcErr.Code)
	}
	if rpcErr.Message != "not_found" {
		t.Fatalf("expected message not_found got %s", rpcErr.Message)
	}
}

func TestDealAppealRequiresBuyer(t *testing.T) {
	env := newTestEnv(t)
	buyer := newAddress(t)
	seller := newAddress(t)
	arbitrator := newAddress(t)
	res := registerDeal(t, env, buyer, seller, arbitrator)

	payload := map[string]interface{}{"dealId": res.DealID, "caller": seller}
	req := &RPCRequest{ID: 6, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleDealAppeal(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected forbidden error")
	}
	if rpcErr.Code != codeDealForbidden {
		t.Fatalf("expected code %d got %d", codeDealForbidden, rpcErr.Code)
	}
	if rpcErr.Message != "forbidden" {
		t.Fatalf("expected message forbidden got %s", rpcErr.Message)
	}
}

func TestDealRulingRequiresAppeal(t *testing.T) {
	env := newTestEnv(t)
	buyer := newAddress(t)
	seller := newAddress(t)
	arbitrator := newAddress(t)
	res := registerDeal(t, env, buyer, seller, arbitrator)

	payload := map[string]interface{}{
		"dealId": res.DealID,
		"caller": arbitrator,
		"award":  "600",
	}
	req := &RPCRequest{ID: 7, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleDealCloseWithArbitrator(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected conflict error")
	}
	if rpcErr.Code != codeDealConflict {
		t.Fatalf("expected code %d got %d", codeDealConflict, rpcErr.Code)
	}
}

func TestDealAppealThenRuling(t *testing.T) {
	env := newTestEnv(t)
	buyer := newAddress(t)
	seller := newAddress(t)
	arbitrator := newAddress(t)
	res := registerDeal(t, env, buyer, seller, arbitrator)

	appealReq := &RPCRequest{ID: 8, Params: []json.RawMessage{marshalParam(t, map[string]interface{}{"dealId": res.DealID, "caller": buyer})}}
	appealRec := httptest.NewRecorder()
	env.server.handleDealAppeal(appealRec, env.newRequest(), appealReq)
	appealResult, appealErr := decodeRPCResponse(t, appealRec)
	if appealErr != nil {
		t.Fatalf("appeal error: %+v", appealErr)
	}
	var appealed dealJSON
	if err := json.Unmarshal(appealResult, &appealed); err != nil {
		t.Fatalf("decode appeal result: %v", err)
	}
	if appealed.Status != "pending_arbitrator" {
		t.Fatalf("expected status pending_arbitrator got %s", appealed.Status)
	}

	rulePayload := map[string]interface{}{
		"dealId":       res.DealID,
		"caller":       arbitrator,
		"award":        "600",
		"commentsHash": "0x" + repeatHex("cd", 32),
	}
	ruleReq := &RPCRequest{ID: 9, Params: []json.RawMessage{marshalParam(t, rulePayload)}}
	ruleRec := httptest.NewRecorder()
	env.server.handleDealCloseWithArbitrator(ruleRec, env.newRequest(), ruleReq)
	ruleResult, ruleErr := decodeRPCResponse(t, ruleRec)
	if ruleErr != nil {
		t.Fatalf("ruling error: %+v", ruleErr)
	}
	var ruled dealJSON
	if err := json.Unmarshal(ruleResult, &ruled); err != nil {
		t.Fatalf("decode ruling result: %v", err)
	}
	if ruled.Status != "closed_with_arbitrator" {
		t.Fatalf("expected status closed_with_arbitrator got %s", ruled.Status)
	}
	if ruled.Award == nil || *ruled.Award != "600" {
		t.Fatalf("expected award 600 got %+v", ruled.Award)
	}
	if ruled.CommentsHash == nil || *ruled.CommentsHash != "0x"+repeatHex("cd", 32) {
		t.Fatalf("unexpected comments hash %+v", ruled.CommentsHash)
	}

	openReq := &RPCRequest{ID: 10, Params: []json.RawMessage{marshalParam(t, map[string]uint64{"dealId": res.DealID})}}
	openRec := httptest.NewRecorder()
	env.server.handleDealIsOpen(openRec, env.newRequest(), openReq)
	openResult, openErr := decodeRPCResponse(t, openRec)
	if openErr != nil {
		t.Fatalf("isOpen error: %+v", openErr)
	}
	var open map[string]bool
	if err := json.Unmarshal(openResult, &open); err != nil {
		t.Fatalf("decode isOpen result: %v", err)
	}
	if open["open"] {
		t.Fatalf("ruled deal should be closed")
	}
}

func TestRequiredDepositQuote(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]string{"amount": "1000", "arbitratorCommission": "50"}
	req := &RPCRequest{ID: 11, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleRequiredDeposit(rec, env.newRequest(), req)
	result, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr != nil {
		t.Fatalf("quote error: %+v", rpcErr)
	}
	var quote map[string]string
	if err := json.Unmarshal(result, &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if quote["requiredDeposit"] != "1072" {
		t.Fatalf("expected 1072 got %s", quote["requiredDeposit"])
	}
}

func TestTransferOwnershipRequiresOperator(t *testing.T) {
	env := newTestEnv(t)
	outsider := newAddress(t)
	payload := map[string]string{"caller": outsider, "newOperator": newAddress(t)}
	req := &RPCRequest{ID: 12, Params: []json.RawMessage{marshalParam(t, payload)}}
	rec := httptest.NewRecorder()
	env.server.handleTransferOwnership(rec, env.newRequest(), req)
	_, rpcErr := decodeRPCResponse(t, rec)
	if rpcErr == nil {
		t.Fatalf("expected forbidden error")
	}
	if rpcErr.Code != codeDealForbidden {
		t.Fatalf("expected code %d got %d", codeDealForbidden, rpcErr.Code)
	}
}
