package history

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryNotFound marks lookups for sequence numbers a seller never
	// reached.
	ErrEntryNotFound = errors.New("history: entry not found")
	// ErrEntryConflict marks rewrites that disagree with the entry laid
	// down at registration. The index is append-once; transitions only
	// re-affirm.
	ErrEntryConflict = errors.New("history: conflicting entry")
	// ErrInvalidSequence marks sequence numbers outside the 1-based range.
	ErrInvalidSequence = errors.New("history: invalid sequence number")

	errNilState = errors.New("history index: state not configured")
)

// indexState abstracts the subset of state manager functionality the index
// needs.
type indexState interface {
	HistoryGet(seller [20]byte, sequence uint64) (uint64, bool, error)
	HistoryPut(seller [20]byte, sequence uint64, dealID uint64) error
	HistoryCount(seller [20]byte) (uint64, error)
	SetHistoryCount(seller [20]byte, count uint64) error
}

// Index is the per-seller, append-only sequence of deal identifiers backing
// reputation queries. Entries are written once at registration and
// re-affirmed idempotently on every later transition of the same deal.
type Index struct {
	state indexState
}

// NewIndex constructs an index without a backend; callers wire one with
// SetState.
func NewIndex() *Index {
	return &Index{}
}

// SetState configures the state backend used by the index.
func (i *Index) SetState(state indexState) { i.state = state }

// Record upserts the (seller, sequence) → dealID mapping. A matching
// existing entry is a no-op; a mismatching one is refused, since the
// mapping is immutable after first write. The seller's count rises to the
// sequence number when a fresh entry extends it.
func (i *Index) Record(seller [20]byte, sequence uint64, dealID uint64) error {
	if i == nil || i.state == nil {
		return errNilState
	}
	if sequence == 0 {
		return ErrInvalidSequence
	}
	if dealID == 0 {
		return fmt.Errorf("history: zero deal id")
	}
	existing, ok, err := i.state.HistoryGet(seller, sequence)
	if err != nil {
		return err
	}
	if ok {
		if existing != dealID {
			return fmt.Errorf("%w: sequence %d holds deal %d", ErrEntryConflict, sequence, existing)
		}
		return nil
	}
	if err := i.state.HistoryPut(seller, sequence, dealID); err != nil {
		return err
	}
	count, err := i.state.HistoryCount(seller)
	if err != nil {
		return err
	}
	if sequence > count {
		return i.state.SetHistoryCount(seller, sequence)
	}
	return nil
}

// Count returns how many deals the seller has accumulated.
func (i *Index) Count(seller [20]byte) (uint64, error) {
	if i == nil || i.state == nil {
		return 0, errNilState
	}
	return i.state.HistoryCount(seller)
}

// DealAt resolves the seller's sequence number to its deal id.
func (i *Index) DealAt(seller [20]byte, sequence uint64) (uint64, error) {
	if i == nil || i.state == nil {
		return 0, errNilState
	}
	if sequence == 0 {
		return 0, ErrInvalidSequence
	}
	dealID, ok, err := i.state.HistoryGet(seller, sequence)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrEntryNotFound
	}
	return dealID, nil
}

// List returns up to limit deal ids starting at the 1-based offset, in
// registration order. A zero limit means no cap.
func (i *Index) List(seller [20]byte, offset uint64, limit int) ([]uint64, error) {
	if i == nil || i.state == nil {
		return nil, errNilState
	}
	count, err := i.state.HistoryCount(seller)
	if err != nil {
		return nil, err
	}
	if offset == 0 {
		offset = 1
	}
	var ids []uint64
	for seq := offset; seq <= count; seq++ {
		if limit > 0 && len(ids) >= limit {
			break
		}
		dealID, ok, err := i.state.HistoryGet(seller, seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("history: gap at sequence %d", seq)
		}
		ids = append(ids, dealID)
	}
	return ids, nil
}
