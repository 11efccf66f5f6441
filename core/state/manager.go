package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/storage"
)

// KV is the typed read/write surface shared by the Manager and the
// transactions it opens. Values are RLP-encoded under keccak-hashed keys.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Manager exposes the ledger's persisted records over a key-value
// database. Reads through the Manager always observe committed state;
// mutations go through a Txn so each operation lands atomically.
type Manager struct {
	db storage.Database
}

// NewManager binds a manager to the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut encodes the value with RLP and stores it under the hashed key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it
// into the provided destination. The boolean return value indicates
// whether the key existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Begin opens a write-buffering transaction over the manager. Reads through
// the transaction see its own staged writes first, then committed state.
func (m *Manager) Begin() *Txn {
	return &Txn{manager: m, writes: make(map[string][]byte)}
}

// Txn stages writes until Commit flushes them through a single storage
// batch, making each ledger operation all-or-nothing. Abandoning a Txn
// without committing discards every staged write.
type Txn struct {
	manager   *Manager
	writes    map[string][]byte
	order     []string
	committed bool
}

// KVPut stages an encoded value under the hashed key.
func (t *Txn) KVPut(key []byte, value interface{}) error {
	if t == nil || t.manager == nil {
		return fmt.Errorf("kv: transaction not initialised")
	}
	if t.committed {
		return fmt.Errorf("kv: transaction already committed")
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	hashed := string(kvKey(key))
	if _, staged := t.writes[hashed]; !staged {
		t.order = append(t.order, hashed)
	}
	t.writes[hashed] = encoded
	return nil
}

// KVGet reads through the overlay: staged writes shadow committed state.
func (t *Txn) KVGet(key []byte, out interface{}) (bool, error) {
	if t == nil || t.manager == nil {
		return false, fmt.Errorf("kv: transaction not initialised")
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	if data, staged := t.writes[string(kvKey(key))]; staged {
		if len(data) == 0 {
			return false, nil
		}
		if out == nil {
			return true, nil
		}
		if err := rlp.DecodeBytes(data, out); err != nil {
			return false, err
		}
		return true, nil
	}
	return t.manager.KVGet(key, out)
}

// Commit flushes the staged writes in one batch. A transaction commits at
// most once.
func (t *Txn) Commit() error {
	if t == nil || t.manager == nil {
		return fmt.Errorf("kv: transaction not initialised")
	}
	if t.committed {
		return fmt.Errorf("kv: transaction already committed")
	}
	t.committed = true
	if len(t.order) == 0 {
		return nil
	}
	batch := t.manager.db.NewBatch()
	for _, hashed := range t.order {
		batch.Put([]byte(hashed), t.writes[hashed])
	}
	return batch.Write()
}

// Pending reports how many distinct keys the transaction would write.
func (t *Txn) Pending() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}
