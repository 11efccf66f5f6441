package escrow

import (
	"math/big"

	"escrowd/native/fees"
)

// DealStatus represents the lifecycle states of a deal. A deal opens in
// DealInProgress; the three closed states are terminal and immutable.
type DealStatus uint8

const (
	DealInProgress DealStatus = iota
	DealPendingArbitrator
	DealRefunded
	DealClosedWithoutIssue
	DealClosedWithArbitrator
)

// Valid reports whether the status value is within the supported range.
func (s DealStatus) Valid() bool {
	switch s {
	case DealInProgress, DealPendingArbitrator, DealRefunded, DealClosedWithoutIssue, DealClosedWithArbitrator:
		return true
	default:
		return false
	}
}

// Open reports whether a deal in this status still accepts transitions.
func (s DealStatus) Open() bool {
	return s == DealInProgress || s == DealPendingArbitrator
}

// Terminal reports whether the status is one of the closed, immutable states.
func (s DealStatus) Terminal() bool {
	return s.Valid() && !s.Open()
}

// String returns the canonical wire spelling of the status.
func (s DealStatus) String() string {
	switch s {
	case DealInProgress:
		return "in_progress"
	case DealPendingArbitrator:
		return "pending_arbitrator"
	case DealRefunded:
		return "refunded"
	case DealClosedWithoutIssue:
		return "closed_without_issue"
	case DealClosedWithArbitrator:
		return "closed_with_arbitrator"
	default:
		return "unknown"
	}
}

// StatusFromString parses the canonical wire spelling back into a status.
func StatusFromString(s string) (DealStatus, bool) {
	switch s {
	case "in_progress":
		return DealInProgress, true
	case "pending_arbitrator":
		return DealPendingArbitrator, true
	case "refunded":
		return DealRefunded, true
	case "closed_without_issue":
		return DealClosedWithoutIssue, true
	case "closed_with_arbitrator":
		return DealClosedWithArbitrator, true
	default:
		return 0, false
	}
}

// Decision carries the mutable outcome of a deal: its status, the amount an
// arbitrator ultimately awarded to the seller, and the commitment to the
// arbitrator's remarks. Award and CommentsHash stay zero unless an
// arbitrator ruled.
type Decision struct {
	Status       DealStatus
	Award        *big.Int
	CommentsHash [32]byte
}

// Deal captures a single escrow agreement between a buyer and a seller with
// a designated arbitrator. All fields except the Decision are fixed at
// registration.
type Deal struct {
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
	CreatedAt            int64
	Decision             Decision
}

// Open reports whether the deal still accepts transitions.
func (d *Deal) Open() bool {
	if d == nil {
		return false
	}
	return d.Decision.Status.Open()
}

// Clone returns a deep copy of the deal so callers can safely mutate the
// copy without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneBigInt(d.Amount)
	clone.ArbitratorCommission = cloneBigInt(d.ArbitratorCommission)
	clone.AddedProtocolFee = cloneBigInt(d.AddedProtocolFee)
	clone.Decision.Award = cloneBigInt(d.Decision.Award)
	return &clone
}

// Params is the registry's shared configuration: the operator identity that
// collects protocol fees (and may hand itself over) plus the fee schedule
// applied to every registration.
type Params struct {
	Operator      [20]byte
	BaseFee       *big.Int
	CommissionBps uint32
}

// Validate rejects schedules that could consume an entire deal amount or
// carry a negative base fee, and operators without an identity.
func (p *Params) Validate() error {
	if p == nil {
		return ErrConfigInvalid
	}
	if p.Operator == ([20]byte{}) {
		return ErrZeroIdentity
	}
	if !p.Schedule().Valid() {
		return ErrConfigInvalid
	}
	return nil
}

// Schedule materialises the fee schedule for this configuration.
func (p *Params) Schedule() fees.Schedule {
	if p == nil {
		return fees.Schedule{}
	}
	return fees.Schedule{BaseFee: cloneBigInt(p.BaseFee), CommissionBps: p.CommissionBps}
}

// Clone returns a deep copy of the params.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	return &Params{Operator: p.Operator, BaseFee: cloneBigInt(p.BaseFee), CommissionBps: p.CommissionBps}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
