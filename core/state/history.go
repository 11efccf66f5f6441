package state

import "fmt"

var (
	historyEntryPrefix = []byte("history/entry/")
	historyCountPrefix = []byte("history/count/")
)

func historyEntryKey(seller [20]byte, sequence uint64) []byte {
	return []byte(fmt.Sprintf("%s%x/%016x", historyEntryPrefix, seller, sequence))
}

func historyCountKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", historyCountPrefix, seller))
}

func getHistoryEntry(kv KV, seller [20]byte, sequence uint64) (uint64, bool, error) {
	var dealID uint64
	ok, err := kv.KVGet(historyEntryKey(seller, sequence), &dealID)
	if err != nil || !ok {
		return 0, false, err
	}
	return dealID, true, nil
}

func putHistoryEntry(kv KV, seller [20]byte, sequence uint64, dealID uint64) error {
	return kv.KVPut(historyEntryKey(seller, sequence), dealID)
}

func getHistoryCount(kv KV, seller [20]byte) (uint64, error) {
	var count uint64
	if _, err := kv.KVGet(historyCountKey(seller), &count); err != nil {
		return 0, err
	}
	return count, nil
}

func setHistoryCount(kv KV, seller [20]byte, count uint64) error {
	return kv.KVPut(historyCountKey(seller), count)
}

// HistoryGet returns the deal id recorded at the seller's sequence slot.
func (m *Manager) HistoryGet(seller [20]byte, sequence uint64) (uint64, bool, error) {
	return getHistoryEntry(m, seller, sequence)
}

// HistoryPut records a deal id at the seller's sequence slot.
func (m *Manager) HistoryPut(seller [20]byte, sequence uint64, dealID uint64) error {
	return putHistoryEntry(m, seller, sequence, dealID)
}

// HistoryCount returns the number of deals indexed for the seller.
func (m *Manager) HistoryCount(seller [20]byte) (uint64, error) {
	return getHistoryCount(m, seller)
}

// SetHistoryCount stores the number of deals indexed for the seller.
func (m *Manager) SetHistoryCount(seller [20]byte, count uint64) error {
	return setHistoryCount(m, seller, count)
}

func (t *Txn) HistoryGet(seller [20]byte, sequence uint64) (uint64, bool, error) {
	return getHistoryEntry(t, seller, sequence)
}

func (t *Txn) HistoryPut(seller [20]byte, sequence uint64, dealID uint64) error {
	return putHistoryEntry(t, seller, sequence, dealID)
}

func (t *Txn) HistoryCount(seller [20]byte) (uint64, error) {
	return getHistoryCount(t, seller)
}

func (t *Txn) SetHistoryCount(seller [20]byte, count uint64) error {
	return setHistoryCount(t, seller, count)
}
