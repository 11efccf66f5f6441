package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const codeNotFound = -32022

// ErrDealNotFound is returned by EscrowGet when the node has no deal with
// the requested id.
var ErrDealNotFound = errors.New("nodeclient: deal not found")

// Client is a thin JSON-RPC wrapper over the escrow node endpoints the
// indexer consumes: the journal feed and deal lookups.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:   strings.TrimSpace(cfg.URL),
		token: strings.TrimSpace(cfg.AuthToken),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deal mirrors the escrow_get wire shape.
type Deal struct {
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

// Event mirrors a journal entry returned by events_list.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	Digest     string            `json:"digest"`
}

// EscrowGet fetches the full deal record for the given id.
func (c *Client) EscrowGet(ctx context.Context, dealID uint64) (*Deal, error) {
	var out Deal
	err := c.call(ctx, "escrow_get", map[string]uint64{"dealId": dealID}, &out)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == codeNotFound {
			return nil, fmt.Errorf("%w: deal %d", ErrDealNotFound, dealID)
		}
		return nil, err
	}
	return &out, nil
}

// EventsList returns up to limit journal entries with sequence greater
// than after, oldest first.
func (c *Client) EventsList(ctx context.Context, after uint64, limit int) ([]Event, error) {
	var out struct {
		Entries []Event `json:"entries"`
	}
	params := map[string]interface{}{"after": after, "limit": limit}
	if err := c.call(ctx, "events_list", params, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("nodeclient: rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("nodeclient: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: []interface{}{params}}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("nodeclient: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("nodeclient: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("nodeclient: empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
