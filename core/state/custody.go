package state

import (
	"fmt"
	"math/big"
)

var custodyBalancePrefix = []byte("custody/balance/")

func custodyBalanceKey(account [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", custodyBalancePrefix, account))
}

func getBalance(kv KV, account [20]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := kv.KVGet(custodyBalanceKey(account), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func putBalance(kv KV, account [20]byte, amount *big.Int) error {
	return kv.KVPut(custodyBalanceKey(account), nonNil(amount))
}

// BalanceGet returns the withdrawable balance for the account.
func (m *Manager) BalanceGet(account [20]byte) (*big.Int, error) { return getBalance(m, account) }

// BalancePut stores the withdrawable balance for the account.
func (m *Manager) BalancePut(account [20]byte, amount *big.Int) error {
	return putBalance(m, account, amount)
}

func (t *Txn) BalanceGet(account [20]byte) (*big.Int, error) { return getBalance(t, account) }

func (t *Txn) BalancePut(account [20]byte, amount *big.Int) error {
	return putBalance(t, account, amount)
}
