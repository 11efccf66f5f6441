package state

import (
	"fmt"
	"math/big"

	"escrowd/native/escrow"
)

var (
	dealPrefix        = []byte("escrow/deal/")
	dealCounterKey    = []byte("escrow/deal-counter")
	registryParamsKey = []byte("escrow/registry/params")
)

func dealKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", dealPrefix, id))
}

type storedDeal struct {
	ID                   uint64
	Buyer                [20]byte
	Seller               [20]byte
	Arbitrator           [20]byte
	Amount               *big.Int
	ArbitratorCommission *big.Int
	AddedProtocolFee     *big.Int
	TermsHash            [32]byte
	CommunicationRef     string
	SellerSequence       uint64
	CreatedAt            uint64
	Status               uint8
	Award                *big.Int
	CommentsHash         [32]byte
}

type storedParams struct {
	Operator      [20]byte
	BaseFee       *big.Int
	CommissionBps uint32
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func toStoredDeal(d *escrow.Deal) *storedDeal {
	return &storedDeal{
		ID:                   d.ID,
		Buyer:                d.Buyer,
		Seller:               d.Seller,
		Arbitrator:           d.Arbitrator,
		Amount:               nonNil(d.Amount),
		ArbitratorCommission: nonNil(d.ArbitratorCommission),
		AddedProtocolFee:     nonNil(d.AddedProtocolFee),
		TermsHash:            d.TermsHash,
		CommunicationRef:     d.CommunicationRef,
		SellerSequence:       d.SellerSequence,
		CreatedAt:            uint64(d.CreatedAt),
		Status:               uint8(d.Decision.Status),
		Award:                nonNil(d.Decision.Award),
		CommentsHash:         d.Decision.CommentsHash,
	}
}

func (s *storedDeal) toDeal() *escrow.Deal {
	return &escrow.Deal{
		ID:                   s.ID,
		Buyer:                s.Buyer,
		Seller:               s.Seller,
		Arbitrator:           s.Arbitrator,
		Amount:               nonNil(s.Amount),
		ArbitratorCommission: nonNil(s.ArbitratorCommission),
		AddedProtocolFee:     nonNil(s.AddedProtocolFee),
		TermsHash:            s.TermsHash,
		CommunicationRef:     s.CommunicationRef,
		SellerSequence:       s.SellerSequence,
		CreatedAt:            int64(s.CreatedAt),
		Decision: escrow.Decision{
			Status:       escrow.DealStatus(s.Status),
			Award:        nonNil(s.Award),
			CommentsHash: s.CommentsHash,
		},
	}
}

func putDeal(kv KV, d *escrow.Deal) error {
	if d == nil {
		return fmt.Errorf("state: nil deal")
	}
	if d.ID == 0 {
		return fmt.Errorf("state: deal id not allocated")
	}
	return kv.KVPut(dealKey(d.ID), toStoredDeal(d))
}

func getDeal(kv KV, id uint64) (*escrow.Deal, bool, error) {
	stored := new(storedDeal)
	ok, err := kv.KVGet(dealKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toDeal(), true, nil
}

func getDealCounter(kv KV) (uint64, error) {
	var counter uint64
	if _, err := kv.KVGet(dealCounterKey, &counter); err != nil {
		return 0, err
	}
	return counter, nil
}

func setDealCounter(kv KV, v uint64) error {
	return kv.KVPut(dealCounterKey, v)
}

func getRegistryParams(kv KV) (*escrow.Params, bool, error) {
	stored := new(storedParams)
	ok, err := kv.KVGet(registryParamsKey, stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &escrow.Params{
		Operator:      stored.Operator,
		BaseFee:       nonNil(stored.BaseFee),
		CommissionBps: stored.CommissionBps,
	}, true, nil
}

func setRegistryParams(kv KV, p *escrow.Params) error {
	if p == nil {
		return fmt.Errorf("state: nil registry params")
	}
	return kv.KVPut(registryParamsKey, &storedParams{
		Operator:      p.Operator,
		BaseFee:       nonNil(p.BaseFee),
		CommissionBps: p.CommissionBps,
	})
}

// DealPut persists the deal record.
func (m *Manager) DealPut(d *escrow.Deal) error { return putDeal(m, d) }

// DealGet loads the deal record by id.
func (m *Manager) DealGet(id uint64) (*escrow.Deal, bool, error) { return getDeal(m, id) }

// DealCounter returns the last allocated deal id.
func (m *Manager) DealCounter() (uint64, error) { return getDealCounter(m) }

// SetDealCounter records the last allocated deal id.
func (m *Manager) SetDealCounter(v uint64) error { return setDealCounter(m, v) }

// RegistryParams loads the operator and fee configuration.
func (m *Manager) RegistryParams() (*escrow.Params, bool, error) { return getRegistryParams(m) }

// SetRegistryParams stores the operator and fee configuration.
func (m *Manager) SetRegistryParams(p *escrow.Params) error { return setRegistryParams(m, p) }

func (t *Txn) DealPut(d *escrow.Deal) error { return putDeal(t, d) }

func (t *Txn) DealGet(id uint64) (*escrow.Deal, bool, error) { return getDeal(t, id) }

func (t *Txn) DealCounter() (uint64, error) { return getDealCounter(t) }

func (t *Txn) SetDealCounter(v uint64) error { return setDealCounter(t, v) }

func (t *Txn) RegistryParams() (*escrow.Params, bool, error) { return getRegistryParams(t) }

func (t *Txn) SetRegistryParams(p *escrow.Params) error { return setRegistryParams(t, p) }
