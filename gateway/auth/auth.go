// Package auth implements the signature scheme protecting webhook
// deliveries sent by the deal gateway. The dispatcher stamps every
// delivery with a timestamp, a single-use nonce and an HMAC-SHA256
// signature over the payload; consumers verify deliveries with a
// Verifier that enforces timestamp skew and nonce replay protection,
// optionally backed by durable storage so replays are caught across
// restarts.
package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) stamped on a delivery.
	HeaderTimestamp = "X-Webhook-Timestamp"
	// HeaderNonce carries the single-use delivery nonce.
	HeaderNonce = "X-Webhook-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 delivery signature.
	HeaderSignature = "X-Webhook-Signature"
	// MaxBodyForSignature is the maximum payload size we will sign or verify.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedSkew           = 5 * time.Minute
	defaultSkew              = maxAllowedSkew
	maxNonceWindow           = 15 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

// SignDelivery computes the HMAC-SHA256 signature bytes for a delivery.
func SignDelivery(secret, timestamp, nonce string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// StampRequest sets the delivery headers on an outgoing webhook request.
func StampRequest(req *http.Request, secret, nonce string, now time.Time, body []byte) {
	timestamp := strconv.FormatInt(now.UTC().Unix(), 10)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(SignDelivery(secret, timestamp, nonce, body)))
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for delivery nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Verifier authenticates incoming webhook deliveries against a shared secret.
type Verifier struct {
	secret        string
	allowedSkew   time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	nowFn         func() time.Time

	nonces *nonceStore

	persistence NoncePersistence
	lastPruned  time.Time
	pruneMu     sync.Mutex
}

// NewVerifier builds a Verifier for the given subscription secret. Skew,
// TTL and capacity are clamped to safe bounds; persistence may be nil for
// purely in-memory replay protection.
func NewVerifier(secret string, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *Verifier {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultSkew
	}
	if skew > maxAllowedSkew {
		skew = maxAllowedSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &Verifier{
		secret:        strings.TrimSpace(secret),
		allowedSkew:   skew,
		nonceTTL:      nonceTTL,
		nonceCapacity: nonceCapacity,
		nowFn:         nowFn,
		nonces:        newNonceStore(nonceTTL, nonceCapacity),
		persistence:   persistence,
	}
}

// Verify validates the delivery headers and signature on an incoming request.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	if len(body) > MaxBodyForSignature {
		return fmt.Errorf("delivery body exceeds %d bytes", MaxBodyForSignature)
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return errors.New("missing X-Webhook-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.allowedSkew {
		return fmt.Errorf("timestamp outside allowed skew of %s", v.allowedSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return errors.New("missing X-Webhook-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return errors.New("missing X-Webhook-Signature header")
	}
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := SignDelivery(v.secret, timestampHeader, nonce, body)
	if !hmac.Equal(providedBytes, expected) {
		return errors.New("invalid signature")
	}
	duplicate, err := v.registerNonce(r.Context(), timestampHeader, nonce, now)
	if err != nil {
		return err
	}
	if duplicate {
		return errors.New("nonce already used")
	}
	return nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (v *Verifier) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if v == nil || v.persistence == nil {
		return nil
	}
	records, err := v.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		v.nonces.Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (v *Verifier) registerNonce(ctx context.Context, timestamp, nonce string, now time.Time) (bool, error) {
	composite := timestamp + "|" + nonce
	if v.nonces.Contains(composite, now) {
		return true, nil
	}
	if v.persistence != nil {
		if err := v.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := v.persistence.EnsureNonce(ctx, NonceRecord{
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			v.nonces.Add(composite, now)
			return true, nil
		}
	}
	v.nonces.Add(composite, now)
	return false, nil
}

func (v *Verifier) prunePersistent(ctx context.Context, now time.Time) error {
	if v.persistence == nil || v.nonceTTL <= 0 {
		return nil
	}
	v.pruneMu.Lock()
	defer v.pruneMu.Unlock()
	if !v.lastPruned.IsZero() && now.Sub(v.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := v.persistence.PruneNonces(ctx, now.Add(-v.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	v.lastPruned = now
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if ttl > maxNonceWindow {
		ttl = maxNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports whether the nonce has been observed, without inserting it.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceStore) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
