package fees

import "math/big"

// MaxCommissionBps bounds the protocol commission share. A schedule at or
// above this value would let the operator claim the full deal amount.
const MaxCommissionBps = 10_000

// Schedule captures the protocol operator's fee terms: a flat base fee
// collected on every deal plus a basis-point share of the deal amount.
type Schedule struct {
	BaseFee       *big.Int
	CommissionBps uint32
}

// Valid reports whether the schedule can be applied to deals.
func (s Schedule) Valid() bool {
	if s.CommissionBps >= MaxCommissionBps {
		return false
	}
	if s.BaseFee != nil && s.BaseFee.Sign() < 0 {
		return false
	}
	return true
}

// Clone returns a deep copy so callers cannot alias the base fee amount.
func (s Schedule) Clone() Schedule {
	return Schedule{BaseFee: cloneOrZero(s.BaseFee), CommissionBps: s.CommissionBps}
}

// AddedFee computes the commission share of a deal amount, rounded down:
// floor(CommissionBps * amount / 10000). Non-positive amounts yield zero.
func (s Schedule) AddedFee(dealAmount *big.Int) *big.Int {
	if dealAmount == nil || dealAmount.Sign() <= 0 || s.CommissionBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(dealAmount, big.NewInt(int64(s.CommissionBps)))
	return fee.Div(fee, big.NewInt(MaxCommissionBps))
}

// RequiredDeposit returns the exact amount a buyer must put up for a deal:
// the deal amount, the arbitrator's commission, the flat base fee, and the
// commission share of the deal amount.
func (s Schedule) RequiredDeposit(dealAmount, arbitratorCommission *big.Int) *big.Int {
	total := cloneOrZero(dealAmount)
	total.Add(total, cloneOrZero(arbitratorCommission))
	total.Add(total, cloneOrZero(s.BaseFee))
	total.Add(total, s.AddedFee(dealAmount))
	return total
}

// ProtocolCut returns the portion of a deposit the operator keeps:
// BaseFee + AddedFee(dealAmount).
func (s Schedule) ProtocolCut(dealAmount *big.Int) *big.Int {
	cut := cloneOrZero(s.BaseFee)
	return cut.Add(cut, s.AddedFee(dealAmount))
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
