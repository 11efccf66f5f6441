package models

import (
	"time"

	"gorm.io/gorm"
)

// Deal status values mirrored from the chain journal.
const (
	StatusInProgress         = "in_progress"
	StatusPendingArbitrator  = "pending_arbitrator"
	StatusRefunded           = "refunded"
	StatusClosedWithoutIssue = "closed_without_issue"
	StatusClosedWithArb      = "closed_with_arbitrator"
)

// Payout kinds recorded when a deal settles.
const (
	PayoutDealRefund       = "deal_refund"
	PayoutCommissionReturn = "commission_return"
	PayoutCommission       = "commission"
	PayoutSellerProceeds   = "seller_proceeds"
	PayoutAward            = "award"
	PayoutAwardRemainder   = "award_remainder"
)

// DealRow mirrors one registered deal. Addresses are stored in their
// bech32 form so the query API serves them exactly as the node does.
type DealRow struct {
	DealID               uint64    `gorm:"primaryKey" json:"dealId"`
	Buyer                string    `gorm:"size:63;index" json:"buyer"`
	Seller               string    `gorm:"size:63;index" json:"seller"`
	Arbitrator           string    `gorm:"size:63;index" json:"arbitrator"`
	Amount               string    `gorm:"size:80" json:"amount"`
	ArbitratorCommission string    `gorm:"size:80" json:"arbitratorCommission"`
	AddedProtocolFee     string    `gorm:"size:80" json:"addedProtocolFee"`
	TermsHash            string    `gorm:"size:66" json:"termsHash"`
	SellerSequence       uint64    `gorm:"index" json:"sellerSequence"`
	Status               string    `gorm:"size:32;index" json:"status"`
	Award                string    `gorm:"size:80" json:"award,omitempty"`
	RegisteredSeq        uint64    `gorm:"index" json:"registeredSeq"`
	RegisteredAt         time.Time `json:"registeredAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// TransitionRow records one status change, keyed by the journal sequence
// that produced it. Registration appears with an empty FromStatus.
type TransitionRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DealID     uint64    `gorm:"index" json:"dealId"`
	Sequence   uint64    `gorm:"uniqueIndex" json:"sequence"`
	FromStatus string    `gorm:"size:32" json:"fromStatus,omitempty"`
	ToStatus   string    `gorm:"size:32" json:"toStatus"`
	Award      string    `gorm:"size:80" json:"award,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PayoutRow records one settlement credit derived from a terminal
// transition. Zero-valued legs are not stored.
type PayoutRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DealID     uint64    `gorm:"index" json:"dealId"`
	Sequence   uint64    `gorm:"index" json:"sequence"`
	Account    string    `gorm:"size:63;index" json:"account"`
	Kind       string    `gorm:"size:32" json:"kind"`
	Amount     string    `gorm:"size:80" json:"amount"`
	OccurredAt time.Time `json:"occurredAt"`
}

// SellerStatsRow aggregates a seller's track record. Volume and proceeds
// are decimal wei strings because they exceed int64 range.
type SellerStatsRow struct {
	Seller         string    `gorm:"primaryKey;size:63" json:"seller"`
	DealCount      uint64    `json:"dealCount"`
	OpenCount      uint64    `json:"openCount"`
	CompletedCount uint64    `json:"completedCount"`
	RefundedCount  uint64    `json:"refundedCount"`
	RuledCount     uint64    `json:"ruledCount"`
	DisputedCount  uint64    `json:"disputedCount"`
	VolumeWei      string    `gorm:"size:80" json:"volumeWei"`
	ProceedsWei    string    `gorm:"size:80" json:"proceedsWei"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Checkpoint persists the ingest cursor so restarts resume from the last
// applied journal sequence.
type Checkpoint struct {
	Name      string `gorm:"primaryKey;size:64"`
	Sequence  uint64
	UpdatedAt time.Time
}

// AutoMigrate creates or updates the schema for all indexer models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&DealRow{},
		&TransitionRow{},
		&PayoutRow{},
		&SellerStatsRow{},
		&Checkpoint{},
	)
}
