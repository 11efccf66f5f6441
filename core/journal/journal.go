package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"escrowd/core/types"
)

var (
	bucketEvents = []byte("events")

	// ErrCorruptedEntry is returned when a stored entry fails digest verification.
	ErrCorruptedEntry = errors.New("journal: entry digest mismatch")
	// ErrClosed is returned when the journal has been closed.
	ErrClosed = errors.New("journal: closed")
)

// Entry is one journaled ledger event. Sequence numbers are assigned on
// append, start at 1, and never repeat for the lifetime of the journal file.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	Digest     string            `json:"digest"`
}

// Event converts the entry back into the ledger event payload.
func (e *Entry) Event() *types.Event {
	if e == nil {
		return nil
	}
	evt := &types.Event{Type: e.Type, Attributes: map[string]string{}}
	for k, v := range e.Attributes {
		evt.Attributes[k] = v
	}
	return evt
}

// CanonicalDigest hashes the entry's identifying fields. Attribute keys are
// folded in sorted order so the digest is stable across map iteration.
func CanonicalDigest(sequence uint64, timestamp int64, eventType string, attributes map[string]string) ([32]byte, error) {
	var zero [32]byte
	buf := bytes.NewBuffer(nil)
	if err := binary.Write(buf, binary.BigEndian, sequence); err != nil {
		return zero, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint64(timestamp)); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, []byte(eventType)); err != nil {
		return zero, err
	}
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(keys))); err != nil {
		return zero, err
	}
	for _, key := range keys {
		if err := writeDelimited(buf, []byte(key)); err != nil {
			return zero, err
		}
		if err := writeDelimited(buf, []byte(attributes[key])); err != nil {
			return zero, err
		}
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}
	return nil
}

// Journal is the append-only event log backing replay cursors and the live
// event stream. Entries persist in BoltDB keyed by big-endian sequence so a
// forward cursor scan replays them in append order.
type Journal struct {
	db    *bolt.DB
	nowFn func() time.Time

	mu     sync.Mutex
	seq    uint64
	subs   map[uint64]chan *Entry
	nextID uint64
	closed bool
}

// Open initialises (and migrates) the journal at the supplied path.
func Open(path string, options *bolt.Options) (*Journal, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db, nowFn: time.Now, subs: make(map[uint64]chan *Entry)}
	if err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketEvents)
		if err != nil {
			return err
		}
		if key, _ := bucket.Cursor().Last(); key != nil {
			j.seq = binary.BigEndian.Uint64(key)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// SetNowFunc overrides the timestamp source used for appended entries.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now != nil {
		j.nowFn = now
	}
}

// Append persists the events in one transaction, assigning consecutive
// sequence numbers, then fans the new entries out to live subscribers.
// Subscribers that cannot keep up are dropped and their channel closed.
func (j *Journal) Append(events []*types.Event) ([]*Entry, error) {
	if len(events) == 0 {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	timestamp := j.nowFn().Unix()
	entries := make([]*Entry, 0, len(events))
	next := j.seq
	for _, evt := range events {
		if evt == nil {
			continue
		}
		next++
		digest, err := CanonicalDigest(next, timestamp, evt.Type, evt.Attributes)
		if err != nil {
			return nil, err
		}
		entry := &Entry{
			Sequence:  next,
			Type:      evt.Type,
			Timestamp: timestamp,
			Digest:    hex.EncodeToString(digest[:]),
		}
		if len(evt.Attributes) > 0 {
			entry.Attributes = make(map[string]string, len(evt.Attributes))
			for k, v := range evt.Attributes {
				entry.Attributes[k] = v
			}
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put(sequenceKey(entry.Sequence), payload); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	j.seq = next
	for id, ch := range j.subs {
		for _, entry := range entries {
			select {
			case ch <- entry:
			default:
				delete(j.subs, id)
				close(ch)
			}
			if _, live := j.subs[id]; !live {
				break
			}
		}
	}
	return entries, nil
}

// After returns up to limit entries with sequence greater than cursor,
// verifying each stored digest. A non-positive limit falls back to 256.
func (j *Journal) After(cursor uint64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 256
	}
	var entries []*Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for key, value := c.Seek(sequenceKey(cursor + 1)); key != nil && len(entries) < limit; key, value = c.Next() {
			entry, err := decodeEntry(value)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns the entry at the exact sequence, if present.
func (j *Journal) Get(sequence uint64) (*Entry, bool, error) {
	var entry *Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketEvents).Get(sequenceKey(sequence))
		if value == nil {
			return nil
		}
		decoded, err := decodeEntry(value)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}
	return entry, true, nil
}

// LastSequence reports the sequence of the most recently appended entry.
func (j *Journal) LastSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Subscribe registers a live feed of appended entries. The returned cancel
// function detaches the subscriber and closes its channel; the journal also
// closes the channel itself if the subscriber falls behind the buffer.
func (j *Journal) Subscribe(buffer int) (<-chan *Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Entry, buffer)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		close(ch)
		return ch, func() {}
	}
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, live := j.subs[id]; live {
			delete(j.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Close detaches all subscribers and releases the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	for id, ch := range j.subs {
		delete(j.subs, id)
		close(ch)
	}
	j.mu.Unlock()
	return j.db.Close()
}

func sequenceKey(sequence uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, sequence)
	return key
}

func decodeEntry(value []byte) (*Entry, error) {
	entry := new(Entry)
	if err := json.Unmarshal(value, entry); err != nil {
		return nil, err
	}
	digest, err := CanonicalDigest(entry.Sequence, entry.Timestamp, entry.Type, entry.Attributes)
	if err != nil {
		return nil, err
	}
	if entry.Digest != hex.EncodeToString(digest[:]) {
		return nil, fmt.Errorf("%w: sequence %d", ErrCorruptedEntry, entry.Sequence)
	}
	return entry, nil
}
