package history

import (
	"errors"
	"testing"
)

type entryKey struct {
	seller [20]byte
	seq    uint64
}

type mockIndexState struct {
	entries map[entryKey]uint64
	counts  map[[20]byte]uint64
	puts    int
}

func newMockIndexState() *mockIndexState {
	return &mockIndexState{entries: make(map[entryKey]uint64), counts: make(map[[20]byte]uint64)}
}

func (m *mockIndexState) HistoryGet(seller [20]byte, sequence uint64) (uint64, bool, error) {
	id, ok := m.entries[entryKey{seller, sequence}]
	return id, ok, nil
}

func (m *mockIndexState) HistoryPut(seller [20]byte, sequence uint64, dealID uint64) error {
	m.puts++
	m.entries[entryKey{seller, sequence}] = dealID
	return nil
}

func (m *mockIndexState) HistoryCount(seller [20]byte) (uint64, error) {
	return m.counts[seller], nil
}

func (m *mockIndexState) SetHistoryCount(seller [20]byte, count uint64) error {
	m.counts[seller] = count
	return nil
}

func sellerAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestRecordAndQueries(t *testing.T) {
	state := newMockIndexState()
	index := NewIndex()
	index.SetState(state)
	seller := sellerAddr(0x02)

	if err := index.Record(seller, 1, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := index.Record(seller, 2, 12); err != nil {
		t.Fatalf("record: %v", err)
	}
	count, err := index.Count(seller)
	if err != nil || count != 2 {
		t.Fatalf("count = (%d, %v), want 2", count, err)
	}
	dealID, err := index.DealAt(seller, 1)
	if err != nil || dealID != 10 {
		t.Fatalf("dealAt(1) = (%d, %v), want 10", dealID, err)
	}
	if _, err := index.DealAt(seller, 3); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if _, err := index.DealAt(seller, 0); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected ErrInvalidSequence, got %v", err)
	}
}

func TestRecordIdempotent(t *testing.T) {
	state := newMockIndexState()
	index := NewIndex()
	index.SetState(state)
	seller := sellerAddr(0x02)

	if err := index.Record(seller, 1, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Transitions re-affirm the same entry; the rewrite must be invisible.
	for range [3]struct{}{} {
		if err := index.Record(seller, 1, 10); err != nil {
			t.Fatalf("re-affirm: %v", err)
		}
	}
	if state.puts != 1 {
		t.Fatalf("puts = %d, want 1", state.puts)
	}
	count, err := index.Count(seller)
	if err != nil || count != 1 {
		t.Fatalf("count = (%d, %v), want 1", count, err)
	}
}

func TestRecordConflictRefused(t *testing.T) {
	state := newMockIndexState()
	index := NewIndex()
	index.SetState(state)
	seller := sellerAddr(0x02)

	if err := index.Record(seller, 1, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := index.Record(seller, 1, 11); !errors.Is(err, ErrEntryConflict) {
		t.Fatalf("expected ErrEntryConflict, got %v", err)
	}
}

func TestCountsAreSellerScoped(t *testing.T) {
	state := newMockIndexState()
	index := NewIndex()
	index.SetState(state)
	alice := sellerAddr(0x02)
	bob := sellerAddr(0x03)

	if err := index.Record(alice, 1, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := index.Record(bob, 1, 11); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := index.Record(alice, 2, 12); err != nil {
		t.Fatalf("record: %v", err)
	}
	aliceCount, _ := index.Count(alice)
	bobCount, _ := index.Count(bob)
	if aliceCount != 2 || bobCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", aliceCount, bobCount)
	}
}

func TestList(t *testing.T) {
	state := newMockIndexState()
	index := NewIndex()
	index.SetState(state)
	seller := sellerAddr(0x02)

	for seq, dealID := range map[uint64]uint64{1: 10, 2: 12, 3: 15} {
		if err := index.Record(seller, seq, dealID); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	ids, err := index.List(seller, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 3 || ids[0] != 10 || ids[1] != 12 || ids[2] != 15 {
		t.Fatalf("list = %v", ids)
	}
	ids, err = index.List(seller, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != 12 {
		t.Fatalf("windowed list = %v", ids)
	}
	ids, err = index.List(sellerAddr(0x09), 0, 0)
	if err != nil || len(ids) != 0 {
		t.Fatalf("empty seller list = (%v, %v)", ids, err)
	}
}
