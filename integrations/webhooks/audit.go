package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventAuditReady is emitted when a journal audit run has completed and
	// its report files are available.
	EventAuditReady EventType = "escrow.audit.ready"
	// EventAuditAnomalies is emitted when a replay diverged from the state
	// the node reports.
	EventAuditAnomalies EventType = "escrow.audit.anomalies"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	queueCapacity      = 32
)

// AuditReadyPayload describes the webhook body for completed audit runs.
type AuditReadyPayload struct {
	Type         EventType `json:"type"`
	FromSequence uint64    `json:"fromSequence"`
	LastSequence uint64    `json:"lastSequence"`
	Deals        int       `json:"deals"`
	OpenDeals    int       `json:"openDeals"`
	Files        []string  `json:"files,omitempty"`
	GeneratedAt  time.Time `json:"generatedAt"`
	DeliveryID   string    `json:"deliveryId"`
}

// AuditAnomaliesPayload describes the webhook body raised when an audit
// found divergences that need operator review.
type AuditAnomaliesPayload struct {
	Type         EventType `json:"type"`
	LastSequence uint64    `json:"lastSequence"`
	Count        int       `json:"count"`
	Kinds        []string  `json:"kinds,omitempty"`
	RaisedAt     time.Time `json:"raisedAt"`
	DeliveryID   string    `json:"deliveryId"`
}

// Dispatcher delivers audit webhooks from a background worker, retrying
// failed posts with exponential backoff. Close blocks until every accepted
// delivery has been attempted, so short-lived commands can enqueue and
// exit without losing events.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType EventType
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns its delivery worker.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		queue:       make(chan delivery, queueCapacity),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops accepting deliveries and blocks until the queue has drained.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// EnqueueReady queues a ready event for delivery.
func (d *Dispatcher) EnqueueReady(payload AuditReadyPayload) error {
	payload.Type = EventAuditReady
	if payload.GeneratedAt.IsZero() {
		payload.GeneratedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = fmt.Sprintf("ready-%d-%d", payload.LastSequence, time.Now().UnixNano())
	}
	return d.enqueue(payload.Type, payload)
}

// EnqueueAnomalies queues an anomalies event for delivery.
func (d *Dispatcher) EnqueueAnomalies(payload AuditAnomaliesPayload) error {
	payload.Type = EventAuditAnomalies
	if payload.RaisedAt.IsZero() {
		payload.RaisedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = fmt.Sprintf("anomalies-%d-%d", payload.LastSequence, time.Now().UnixNano())
	}
	return d.enqueue(payload.Type, payload)
}

func (d *Dispatcher) enqueue(eventType EventType, body interface{}) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("webhook: dispatcher closed")
	}
	select {
	case d.queue <- delivery{eventType: eventType, body: data}:
		return nil
	default:
		return errors.New("webhook: delivery queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job delivery) {
	backoff := d.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
		err := d.post(ctx, job)
		cancel()
		if err == nil || attempt >= d.maxAttempts {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", string(job.eventType))
	req.Header.Set("X-Escrow-Signature", d.sign(job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

func (d *Dispatcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
