package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeDeal mirrors the escrow_get wire shape.
type NodeDeal struct {
	DealID               uint64  `json:"dealId"`
	Buyer                string  `json:"buyer"`
	Seller               string  `json:"seller"`
	Arbitrator           string  `json:"arbitrator"`
	Amount               string  `json:"amount"`
	ArbitratorCommission string  `json:"arbitratorCommission"`
	AddedProtocolFee     string  `json:"addedProtocolFee"`
	TermsHash            string  `json:"termsHash"`
	CommunicationRef     string  `json:"communicationRef,omitempty"`
	SellerSequence       uint64  `json:"sellerSequence"`
	CreatedAt            int64   `json:"createdAt"`
	Status               string  `json:"status"`
	Award                *string `json:"award,omitempty"`
	CommentsHash         *string `json:"commentsHash,omitempty"`
}

// RegisterDealRequest carries the escrow_register parameters.
type RegisterDealRequest struct {
	Buyer                string `json:"buyer"`
	Seller               string `json:"seller"`
	Arbitrator           string `json:"arbitrator"`
	Amount               string `json:"amount"`
	ArbitratorCommission string `json:"arbitratorCommission"`
	TermsHash            string `json:"termsHash"`
	CommunicationRef     string `json:"communicationRef,omitempty"`
	Deposit              string `json:"deposit"`
}

// RegisterDealResult is the node's answer to escrow_register.
type RegisterDealResult struct {
	DealID          uint64 `json:"dealId"`
	SellerSequence  uint64 `json:"sellerSequence"`
	RequiredDeposit string `json:"requiredDeposit"`
	Excess          string `json:"excess"`
}

// RulingRequest carries the escrow_closeWithArbitrator parameters.
type RulingRequest struct {
	DealID       uint64 `json:"dealId"`
	Caller       string `json:"caller"`
	Award        string `json:"award"`
	CommentsHash string `json:"commentsHash,omitempty"`
}

// NodeBalance mirrors the custody_balance wire shape.
type NodeBalance struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// NodeWithdrawal mirrors the custody_withdraw wire shape.
type NodeWithdrawal struct {
	Account string `json:"account"`
	Paid    string `json:"paid"`
}

// NodeSellerHistory mirrors the history_list wire shape.
type NodeSellerHistory struct {
	Seller  string   `json:"seller"`
	Offset  uint64   `json:"offset"`
	DealIDs []uint64 `json:"dealIds"`
}

// NodeEvent mirrors a journal entry returned by events_list.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	Digest     string            `json:"digest"`
}

// NodeClient is the escrowd JSON-RPC surface the gateway depends on.
type NodeClient interface {
	RegisterDeal(ctx context.Context, req RegisterDealRequest) (*RegisterDealResult, error)
	GetDeal(ctx context.Context, id uint64) (*NodeDeal, error)
	RequiredDeposit(ctx context.Context, amount, commission string) (string, error)
	AppealDeal(ctx context.Context, id uint64, caller string) (*NodeDeal, error)
	RefundDeal(ctx context.Context, id uint64, caller string) (*NodeDeal, error)
	CloseDeal(ctx context.Context, id uint64, caller string) (*NodeDeal, error)
	RuleDeal(ctx context.Context, req RulingRequest) (*NodeDeal, error)
	Balance(ctx context.Context, account string) (*NodeBalance, error)
	Withdraw(ctx context.Context, account string) (*NodeWithdrawal, error)
	SellerHistory(ctx context.Context, seller string, offset uint64, limit int) (*NodeSellerHistory, error)
	FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error)
	LatestSequence(ctx context.Context) (uint64, error)
}

// RPCNodeClient talks JSON-RPC to a single escrowd node.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCNodeClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: strings.TrimSpace(authToken),
		http:      &http.Client{Timeout: timeout},
	}
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error codes the node's deal surface returns.
const (
	nodeCodeInvalidParams = -32021
	nodeCodeNotFound      = -32022
	nodeCodeForbidden     = -32023
	nodeCodeConflict      = -32024
	nodeCodeInternal      = -32025
)

// NodeError is a structured JSON-RPC error returned by the node.
type NodeError struct {
	Method  string
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: node error %d: %s", e.Method, e.Code, e.Message)
}

// NotFound reports whether the node answered with its not-found code.
func (e *NodeError) NotFound() bool {
	return e != nil && e.Code == nodeCodeNotFound
}

func (c *RPCNodeClient) call(ctx context.Context, method string, param interface{}, out interface{}) error {
	params := []interface{}{}
	if param != nil {
		params = append(params, param)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	// The node reports failures as JSON-RPC error envelopes with non-200
	// statuses, so decode before judging the status code.
	var envelope rpcEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return &NodeError{Method: method, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *RPCNodeClient) RegisterDeal(ctx context.Context, req RegisterDealRequest) (*RegisterDealResult, error) {
	var out RegisterDealResult
	if err := c.call(ctx, "escrow_register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) GetDeal(ctx context.Context, id uint64) (*NodeDeal, error) {
	var out NodeDeal
	err := c.call(ctx, "escrow_get", map[string]uint64{"dealId": id}, &out)
	if err != nil {
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) && nodeErr.NotFound() {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) RequiredDeposit(ctx context.Context, amount, commission string) (string, error) {
	var out struct {
		RequiredDeposit string `json:"requiredDeposit"`
	}
	param := map[string]string{"amount": amount, "arbitratorCommission": commission}
	if err := c.call(ctx, "escrow_requiredDeposit", param, &out); err != nil {
		return "", err
	}
	return out.RequiredDeposit, nil
}

func (c *RPCNodeClient) AppealDeal(ctx context.Context, id uint64, caller string) (*NodeDeal, error) {
	return c.transition(ctx, "escrow_appeal", id, caller)
}

func (c *RPCNodeClient) RefundDeal(ctx context.Context, id uint64, caller string) (*NodeDeal, error) {
	return c.transition(ctx, "escrow_refund", id, caller)
}

func (c *RPCNodeClient) CloseDeal(ctx context.Context, id uint64, caller string) (*NodeDeal, error) {
	return c.transition(ctx, "escrow_closeWithoutIssue", id, caller)
}

func (c *RPCNodeClient) transition(ctx context.Context, method string, id uint64, caller string) (*NodeDeal, error) {
	var out NodeDeal
	param := map[string]interface{}{"dealId": id, "caller": caller}
	if err := c.call(ctx, method, param, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) RuleDeal(ctx context.Context, req RulingRequest) (*NodeDeal, error) {
	var out NodeDeal
	if err := c.call(ctx, "escrow_closeWithArbitrator", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) Balance(ctx context.Context, account string) (*NodeBalance, error) {
	var out NodeBalance
	if err := c.call(ctx, "custody_balance", map[string]string{"account": account}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) Withdraw(ctx context.Context, account string) (*NodeWithdrawal, error) {
	var out NodeWithdrawal
	if err := c.call(ctx, "custody_withdraw", map[string]string{"caller": account}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) SellerHistory(ctx context.Context, seller string, offset uint64, limit int) (*NodeSellerHistory, error) {
	var out NodeSellerHistory
	param := map[string]interface{}{"seller": seller, "offset": offset, "limit": limit}
	if err := c.call(ctx, "history_list", param, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	var out struct {
		Entries []NodeEvent `json:"entries"`
	}
	param := map[string]interface{}{"after": after, "limit": limit}
	if err := c.call(ctx, "events_list", param, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *RPCNodeClient) LatestSequence(ctx context.Context) (uint64, error) {
	var out struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.call(ctx, "events_latest", nil, &out); err != nil {
		return 0, err
	}
	return out.Sequence, nil
}
