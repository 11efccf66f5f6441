package custody

import (
	"encoding/hex"
	"math/big"

	"escrowd/core/types"
)

const (
	// EventTypeWithdrawn announces a completed payout so external
	// settlement and indexing pipelines can track fund movement.
	EventTypeWithdrawn = "custody.withdrawn"
)

// NewWithdrawnEvent returns the canonical payload for a completed
// withdrawal.
func NewWithdrawnEvent(account [20]byte, amount *big.Int) *types.Event {
	attrs := map[string]string{
		"account": hex.EncodeToString(account[:]),
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: EventTypeWithdrawn, Attributes: attrs}
}
