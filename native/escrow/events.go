package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeDealRegistered       = "deal.registered"
	EventTypeDealStatusChanged    = "deal.status_changed"
	EventTypeDealAppealed         = "deal.appealed"
	EventTypeOwnershipTransferred = "registry.ownership_transferred"
)

// NewRegisteredEvent returns the canonical payload for a newly registered
// deal.
func NewRegisteredEvent(d *Deal) *types.Event {
	attrs := baseAttributes(d)
	if d != nil {
		attrs["sellerSequence"] = strconv.FormatUint(d.SellerSequence, 10)
		if d.Amount != nil {
			attrs["amount"] = d.Amount.String()
		}
		if d.AddedProtocolFee != nil {
			attrs["addedProtocolFee"] = d.AddedProtocolFee.String()
		}
	}
	return &types.Event{Type: EventTypeDealRegistered, Attributes: attrs}
}

// NewStatusChangedEvent returns the payload emitted on every deal
// transition, carrying the parties and the status the deal landed in.
func NewStatusChangedEvent(d *Deal) *types.Event {
	attrs := baseAttributes(d)
	if d != nil {
		attrs["status"] = d.Decision.Status.String()
		if d.Decision.Status == DealClosedWithArbitrator && d.Decision.Award != nil {
			attrs["award"] = d.Decision.Award.String()
		}
	}
	return &types.Event{Type: EventTypeDealStatusChanged, Attributes: attrs}
}

// NewAppealedEvent returns the payload announcing that the buyer escalated
// the deal to its arbitrator.
func NewAppealedEvent(d *Deal) *types.Event {
	attrs := make(map[string]string)
	if d != nil {
		attrs["dealId"] = strconv.FormatUint(d.ID, 10)
		attrs["arbitrator"] = hex.EncodeToString(d.Arbitrator[:])
	}
	return &types.Event{Type: EventTypeDealAppealed, Attributes: attrs}
}

// NewOwnershipTransferredEvent returns the payload recording an operator
// handover.
func NewOwnershipTransferredEvent(previous, next [20]byte) *types.Event {
	return &types.Event{Type: EventTypeOwnershipTransferred, Attributes: map[string]string{
		"previousOperator": hex.EncodeToString(previous[:]),
		"newOperator":      hex.EncodeToString(next[:]),
	}}
}

func baseAttributes(d *Deal) map[string]string {
	attrs := make(map[string]string)
	if d == nil {
		return attrs
	}
	attrs["dealId"] = strconv.FormatUint(d.ID, 10)
	attrs["buyer"] = hex.EncodeToString(d.Buyer[:])
	attrs["seller"] = hex.EncodeToString(d.Seller[:])
	attrs["arbitrator"] = hex.EncodeToString(d.Arbitrator[:])
	return attrs
}
