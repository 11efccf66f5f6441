package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch is returned when an Idempotency-Key is replayed
// with a different request payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with different payload")

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    subject         TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    request_hash    TEXT NOT NULL,
    response_status INTEGER NOT NULL,
    response_body   BLOB NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    PRIMARY KEY (subject, idempotency_key)
);
CREATE TABLE IF NOT EXISTS audit_log (
    id         TEXT PRIMARY KEY,
    actor      TEXT NOT NULL,
    method     TEXT NOT NULL,
    path       TEXT NOT NULL,
    status     INTEGER NOT NULL,
    detail     TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS deals (
    deal_id         INTEGER PRIMARY KEY,
    buyer           TEXT NOT NULL,
    seller          TEXT NOT NULL,
    arbitrator      TEXT NOT NULL,
    amount          TEXT NOT NULL,
    status          TEXT NOT NULL,
    award           TEXT,
    seller_sequence INTEGER NOT NULL,
    registered_seq  INTEGER NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    sequence   INTEGER PRIMARY KEY,
    type       TEXT NOT NULL,
    payload    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS event_cursors (
    name  TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS webhooks (
    id         TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    event_type TEXT NOT NULL,
    url        TEXT NOT NULL,
    secret     TEXT NOT NULL,
    rate_limit INTEGER NOT NULL DEFAULT 60,
    active     INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS webhook_attempts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    webhook_id TEXT NOT NULL,
    sequence   INTEGER NOT NULL,
    status     TEXT NOT NULL,
    attempts   INTEGER NOT NULL,
    last_error TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

const watcherCursor = "deal-gateway.watcher"

// SQLiteStore persists gateway bookkeeping: idempotency, audit, mirrored
// deals and events, and webhook subscriptions.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// IdempotencyRecord is a cached response for a previously seen key.
type IdempotencyRecord struct {
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, subject, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE subject = ? AND idempotency_key = ?`,
		subject, key)
	var rec IdempotencyRecord
	if err := row.Scan(&rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, subject, key, requestHash string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (subject, idempotency_key, request_hash, response_status, response_body, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(subject, idempotency_key) DO NOTHING`,
		subject, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry records one authenticated mutation attempt.
type AuditEntry struct {
	ID        string
	Actor     string
	Method    string
	Path      string
	Status    int
	Detail    string
	CreatedAt time.Time
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, method, path, status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Method, entry.Path, entry.Status, entry.Detail, entry.CreatedAt)
	return err
}

// DealRow is the gateway's local mirror of a registered deal.
type DealRow struct {
	DealID         uint64
	Buyer          string
	Seller         string
	Arbitrator     string
	Amount         string
	Status         string
	Award          string
	SellerSequence uint64
	RegisteredSeq  uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *SQLiteStore) UpsertDeal(ctx context.Context, row DealRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deals (deal_id, buyer, seller, arbitrator, amount, status, award, seller_sequence, registered_seq, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(deal_id) DO UPDATE SET
             status = excluded.status,
             award = excluded.award,
             updated_at = excluded.updated_at`,
		row.DealID, row.Buyer, row.Seller, row.Arbitrator, row.Amount, row.Status, row.Award,
		row.SellerSequence, row.RegisteredSeq, row.CreatedAt, row.UpdatedAt)
	return err
}

func (s *SQLiteStore) UpdateDealStatus(ctx context.Context, dealID uint64, status, award string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deals SET status = ?, award = ?, updated_at = ? WHERE deal_id = ?`,
		status, award, updatedAt, dealID)
	return err
}

func (s *SQLiteStore) GetDeal(ctx context.Context, dealID uint64) (*DealRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT deal_id, buyer, seller, arbitrator, amount, status, award, seller_sequence, registered_seq, created_at, updated_at
         FROM deals WHERE deal_id = ?`, dealID)
	var (
		out   DealRow
		award sql.NullString
	)
	err := row.Scan(&out.DealID, &out.Buyer, &out.Seller, &out.Arbitrator, &out.Amount, &out.Status,
		&award, &out.SellerSequence, &out.RegisteredSeq, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out.Award = award.String
	return &out, nil
}

func (s *SQLiteStore) ListDealIDs(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT deal_id FROM deals ORDER BY deal_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StoredEvent mirrors one journal entry pulled from the node.
type StoredEvent struct {
	Sequence   uint64
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, evt StoredEvent) error {
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (sequence, type, payload, created_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(sequence) DO NOTHING`,
		evt.Sequence, evt.Type, string(payload), evt.CreatedAt)
	return err
}

func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM event_cursors WHERE name = ?`, watcherCursor)
	var value uint64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, seq uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_cursors (name, value) VALUES (?, ?)
         ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		watcherCursor, seq)
	return err
}

// WebhookSubscription is a merchant-registered delivery target.
type WebhookSubscription struct {
	ID        string
	Owner     string
	EventType string
	URL       string
	Secret    string
	RateLimit int
	Active    bool
	CreatedAt time.Time
}

func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (string, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.RateLimit <= 0 {
		sub.RateLimit = 60
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, owner, event_type, url, secret, rate_limit, active, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Owner, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, boolToInt(sub.Active), sub.CreatedAt)
	if err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context, owner string) ([]WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, event_type, url, secret, rate_limit, active, created_at
         FROM webhooks WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, event_type, url, secret, rate_limit, active, created_at
         FROM webhooks WHERE event_type = ? AND active = 1`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// DeactivateWebhook disables a subscription owned by the caller. It
// reports whether a matching subscription existed.
func (s *SQLiteStore) DeactivateWebhook(ctx context.Context, owner, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET active = 0 WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanWebhooks(rows *sql.Rows) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	for rows.Next() {
		var (
			sub    WebhookSubscription
			active int
		)
		if err := rows.Scan(&sub.ID, &sub.Owner, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// WebhookAttempt records one delivery attempt outcome.
type WebhookAttempt struct {
	WebhookID string
	Sequence  uint64
	Status    string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

func (s *SQLiteStore) RecordWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	if attempt.UpdatedAt.IsZero() {
		attempt.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_attempts (webhook_id, sequence, status, attempts, last_error, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.WebhookID, attempt.Sequence, attempt.Status, attempt.Attempts, attempt.LastError, attempt.UpdatedAt)
	return err
}

func (s *SQLiteStore) WebhookAttempts(ctx context.Context, webhookID string) ([]WebhookAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT webhook_id, sequence, status, attempts, last_error, updated_at
         FROM webhook_attempts WHERE webhook_id = ? ORDER BY id`, webhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []WebhookAttempt
	for rows.Next() {
		var (
			attempt WebhookAttempt
			lastErr sql.NullString
		)
		if err := rows.Scan(&attempt.WebhookID, &attempt.Sequence, &attempt.Status, &attempt.Attempts, &lastErr, &attempt.UpdatedAt); err != nil {
			return nil, err
		}
		attempt.LastError = lastErr.String
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
