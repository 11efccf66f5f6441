package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNonces   = []byte("nonces")
	bucketObserved = []byte("observed")
)

// BoltNoncePersistence stores delivery nonces in a BoltDB file so replayed
// webhooks are rejected across consumer restarts. Index keys carry a
// big-endian nano prefix, so a forward cursor walks nonces in observation
// order.
type BoltNoncePersistence struct {
	db *bolt.DB
}

// NewBoltNoncePersistence opens (or creates) the nonce database at path.
func NewBoltNoncePersistence(path string) (*BoltNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce path: %w", err)
	}
	db, err := bolt.Open(abs, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNonces); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketObserved)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare nonce store: %w", err)
	}
	return &BoltNoncePersistence{db: db}, nil
}

// Close releases the underlying database.
func (p *BoltNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records a nonce usage if it has not been observed previously.
// The check and the write share one transaction, so concurrent consumers
// cannot both claim a fresh nonce.
func (p *BoltNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("nonce persistence not configured")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := []byte(ts + "|" + nonce)
	nanos := observed.UnixNano()

	existed := false
	err := p.db.Update(func(tx *bolt.Tx) error {
		nonces := tx.Bucket(bucketNonces)
		index := tx.Bucket(bucketObserved)
		if prev := nonces.Get(composite); prev != nil {
			existed = true
			previous := int64(binary.BigEndian.Uint64(prev))
			if nanos <= previous {
				return nil
			}
			if err := index.Delete(observedKey(previous, composite)); err != nil {
				return err
			}
		}
		if err := nonces.Put(composite, encodeNanos(nanos)); err != nil {
			return err
		}
		return index.Put(observedKey(nanos, composite), nil)
	})
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return existed, nil
}

// RecentNonces returns persisted nonces observed at or after cutoff.
func (p *BoltNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("nonce persistence not configured")
	}
	from := observedKey(cutoff.UTC().UnixNano(), nil)
	records := make([]NonceRecord, 0)
	err := p.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketObserved).Cursor()
		for key, _ := cursor.Seek(from); key != nil; key, _ = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			nanos, composite, ok := splitObservedKey(key)
			if !ok {
				continue
			}
			parts := strings.SplitN(string(composite), "|", 2)
			if len(parts) != 2 {
				continue
			}
			records = append(records, NonceRecord{
				Timestamp:  parts[0],
				Nonce:      parts[1],
				ObservedAt: time.Unix(0, nanos).UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	return records, nil
}

// PruneNonces deletes entries observed before cutoff.
func (p *BoltNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("nonce persistence not configured")
	}
	limit := observedKey(cutoff.UTC().UnixNano(), nil)
	err := p.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketObserved)
		nonces := tx.Bucket(bucketNonces)

		var doomed [][]byte
		cursor := index.Cursor()
		for key, _ := cursor.First(); key != nil && bytes.Compare(key, limit) < 0; key, _ = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			doomed = append(doomed, append([]byte(nil), key...))
		}
		for _, key := range doomed {
			if _, composite, ok := splitObservedKey(key); ok {
				if err := nonces.Delete(composite); err != nil {
					return err
				}
			}
			if err := index.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite []byte) []byte {
	key := make([]byte, 8+len(composite))
	binary.BigEndian.PutUint64(key, uint64(nanos))
	copy(key[8:], composite)
	return key
}

func splitObservedKey(key []byte) (int64, []byte, bool) {
	if len(key) < 8 {
		return 0, nil, false
	}
	return int64(binary.BigEndian.Uint64(key[:8])), key[8:], true
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
