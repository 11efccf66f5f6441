package escrow

import "errors"

// Sentinel failures surfaced by registry operations. The RPC layer maps
// these onto module error codes, so transports and tests can match with
// errors.Is.
var (
	// ErrUnauthorized marks a caller that is not the party the operation
	// reserves itself for.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidState marks an operation not permitted in the deal's
	// current status, including any action on a closed deal.
	ErrInvalidState = errors.New("escrow: invalid deal state")
	// ErrInvalidAmount covers non-positive deal amounts, negative
	// commissions, and awards exceeding the deal amount.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInsufficientFunds marks a registration deposit below the
	// required minimum.
	ErrInsufficientFunds = errors.New("escrow: insufficient deposit")
	// ErrIdentityConflict marks buyer/seller/arbitrator collisions.
	ErrIdentityConflict = errors.New("escrow: conflicting party identities")
	// ErrZeroIdentity marks the null identity where a real party is
	// required.
	ErrZeroIdentity = errors.New("escrow: zero identity")
	// ErrConfigInvalid marks an unusable registry configuration.
	ErrConfigInvalid = errors.New("escrow: invalid registry configuration")
	// ErrDealNotFound marks lookups for ids that were never allocated.
	ErrDealNotFound = errors.New("escrow: deal not found")
)
