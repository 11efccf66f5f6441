package custody

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"
)

// payoutRecord is the wire form shared by both shipped sinks.
type payoutRecord struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
	PaidAt  int64  `json:"paidAt"`
}

// FileSink appends payout instructions to a local journal file. An external
// settlement process consumes the file; a failed append (or fsync) fails
// the withdrawal so the balance stays claimable.
type FileSink struct {
	mu    sync.Mutex
	file  *os.File
	nowFn func() int64
}

// NewFileSink opens (or creates) the payout journal at path.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("custody: open payout journal: %w", err)
	}
	return &FileSink{file: file, nowFn: func() int64 { return time.Now().Unix() }}, nil
}

// SetNowFunc overrides the timestamp source. Primarily for tests.
func (s *FileSink) SetNowFunc(now func() int64) {
	if s == nil {
		return
	}
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

// Pay appends one payout line and syncs it to disk.
func (s *FileSink) Pay(_ context.Context, account [20]byte, amount *big.Int) error {
	if s == nil || s.file == nil {
		return fmt.Errorf("custody: payout journal not open")
	}
	record := payoutRecord{Account: hex.EncodeToString(account[:]), PaidAt: s.nowFn()}
	if amount != nil {
		record.Amount = amount.String()
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("custody: encode payout: %w", err)
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("custody: append payout: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("custody: sync payout journal: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// HTTPSink posts payout instructions to an external treasury endpoint. Any
// transport failure or non-2xx response fails the withdrawal.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	nowFn    func() int64
}

// NewHTTPSink builds a sink targeting the given endpoint. A nil client
// falls back to a client with a 10 second timeout.
func NewHTTPSink(endpoint string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   client,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// Pay submits the payout instruction and interprets the response status.
func (s *HTTPSink) Pay(ctx context.Context, account [20]byte, amount *big.Int) error {
	if s == nil || s.endpoint == "" {
		return fmt.Errorf("custody: treasury endpoint not configured")
	}
	record := payoutRecord{Account: hex.EncodeToString(account[:]), PaidAt: s.nowFn()}
	if amount != nil {
		record.Amount = amount.String()
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("custody: encode payout: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("custody: build payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("custody: submit payout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("custody: treasury rejected payout: status %d", resp.StatusCode)
	}
	return nil
}
