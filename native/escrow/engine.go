package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowd/core/events"
	"escrowd/core/types"
)

var (
	errNilState   = errors.New("escrow engine: state not configured")
	errNilLedger  = errors.New("escrow engine: custody ledger not configured")
	errNilHistory = errors.New("escrow engine: history index not configured")
)

type engineState interface {
	DealPut(*Deal) error
	DealGet(id uint64) (*Deal, bool, error)
	DealCounter() (uint64, error)
	SetDealCounter(uint64) error
	RegistryParams() (*Params, bool, error)
	SetRegistryParams(*Params) error
}

// Crediter is the slice of the custody ledger the registry needs: it only
// ever accrues balances, never pays them out.
type Crediter interface {
	Credit(account [20]byte, amount *big.Int) error
}

// HistoryWriter is the slice of the seller history index the registry
// drives. Record is idempotent; every transition re-affirms the entry
// written at registration.
type HistoryWriter interface {
	Record(seller [20]byte, sequence uint64, dealID uint64) error
	Count(seller [20]byte) (uint64, error)
}

type dealEvent struct {
	evt *types.Event
}

func (e dealEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dealEvent) Event() *types.Event { return e.evt }

// Engine owns the deal state machine: which party may move a deal between
// states and who is owed what when it moves. It decides amounts and calls
// the custody ledger to accrue them; funds never leave through the engine.
type Engine struct {
	state   engineState
	ledger  Crediter
	history HistoryWriter
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a registry engine with a no-op emitter. Callers wire
// state, ledger, and history before invoking operations.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the custody ledger credited by transitions.
func (e *Engine) SetLedger(ledger Crediter) { e.ledger = ledger }

// SetHistory configures the seller history index.
func (e *Engine) SetHistory(history HistoryWriter) { e.history = history }

// SetNowFunc overrides the time source used for deal timestamps. Primarily
// intended for tests to provide deterministic values.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(dealEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) params() (*Params, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	params, ok, err := e.state.RegistryParams()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: params not initialised", ErrConfigInvalid)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func (e *Engine) loadDeal(id uint64) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	deal, ok, err := e.state.DealGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDealNotFound
	}
	return deal, nil
}

func (e *Engine) storeDeal(deal *Deal) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.DealPut(deal)
}

func (e *Engine) credit(account [20]byte, amount *big.Int) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	return e.ledger.Credit(account, amount)
}

// affirmHistory re-writes the deal's history entry with the values fixed at
// registration. The index treats matching rewrites as no-ops.
func (e *Engine) affirmHistory(deal *Deal) error {
	if e == nil || e.history == nil {
		return errNilHistory
	}
	return e.history.Record(deal.Seller, deal.SellerSequence, deal.ID)
}

// RegisterResult reports the outcome of a registration: the stored deal,
// the exact deposit the registry kept, and any excess that must be handed
// back to the caller before the call completes.
type RegisterResult struct {
	Deal     *Deal
	Required *big.Int
	Excess   *big.Int
}

// Register validates a new deal, allocates its id, collects the protocol
// fee, and opens it in DealInProgress. The buyer is the caller; the deposit
// must cover dealAmount + arbitratorCommission + baseFee + addedFee, and
// anything above that is returned through the result, never credited.
func (e *Engine) Register(buyer, seller, arbitrator [20]byte, dealAmount *big.Int, termsHash [32]byte, communicationRef string, arbitratorCommission, deposit *big.Int) (*RegisterResult, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.history == nil {
		return nil, errNilHistory
	}
	zero := [20]byte{}
	if buyer == zero || seller == zero || arbitrator == zero {
		return nil, ErrZeroIdentity
	}
	if buyer == seller || buyer == arbitrator || seller == arbitrator {
		return nil, ErrIdentityConflict
	}
	amount := cloneBigInt(dealAmount)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	commission := cloneBigInt(arbitratorCommission)
	if commission.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	deposited := cloneBigInt(deposit)
	if deposited.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	params, err := e.params()
	if err != nil {
		return nil, err
	}
	schedule := params.Schedule()
	required := schedule.RequiredDeposit(amount, commission)
	if deposited.Cmp(required) < 0 {
		return nil, ErrInsufficientFunds
	}
	excess := new(big.Int).Sub(deposited, required)

	counter, err := e.state.DealCounter()
	if err != nil {
		return nil, err
	}
	id := counter + 1
	count, err := e.history.Count(seller)
	if err != nil {
		return nil, err
	}
	sequence := count + 1

	deal := &Deal{
		ID:                   id,
		Buyer:                buyer,
		Seller:               seller,
		Arbitrator:           arbitrator,
		Amount:               amount,
		ArbitratorCommission: commission,
		AddedProtocolFee:     schedule.AddedFee(amount),
		TermsHash:            termsHash,
		CommunicationRef:     communicationRef,
		SellerSequence:       sequence,
		CreatedAt:            e.now(),
		Decision:             Decision{Status: DealInProgress, Award: big.NewInt(0)},
	}

	// The protocol cut accrues at registration and is never reversed by
	// any later transition.
	if err := e.credit(params.Operator, schedule.ProtocolCut(amount)); err != nil {
		return nil, err
	}
	if err := e.state.SetDealCounter(id); err != nil {
		return nil, err
	}
	if err := e.storeDeal(deal); err != nil {
		return nil, err
	}
	if err := e.history.Record(seller, sequence, id); err != nil {
		return nil, err
	}
	e.emit(NewRegisteredEvent(deal))
	return &RegisterResult{Deal: deal.Clone(), Required: required, Excess: excess}, nil
}

// Refund lets the seller hand a still-open deal back to the buyer. The
// arbitrator is compensated only when the deal had already been appealed;
// otherwise the reserved commission returns to the buyer along with the
// deal amount.
func (e *Engine) Refund(id uint64, caller [20]byte) (*Deal, error) {
	deal, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if caller != deal.Seller {
		return nil, ErrUnauthorized
	}
	if !deal.Open() {
		return nil, ErrInvalidState
	}
	if deal.Decision.Status == DealPendingArbitrator {
		if err := e.credit(deal.Arbitrator, deal.ArbitratorCommission); err != nil {
			return nil, err
		}
		if err := e.credit(deal.Buyer, deal.Amount); err != nil {
			return nil, err
		}
	} else {
		total := new(big.Int).Add(cloneBigInt(deal.Amount), cloneBigInt(deal.ArbitratorCommission))
		if err := e.credit(deal.Buyer, total); err != nil {
			return nil, err
		}
	}
	deal.Decision.Status = DealRefunded
	if err := e.storeDeal(deal); err != nil {
		return nil, err
	}
	if err := e.affirmHistory(deal); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(deal))
	return deal.Clone(), nil
}

// Appeal escalates an in-progress deal to the arbitrator. Only the buyer
// may appeal, and only once; no funds move.
func (e *Engine) Appeal(id uint64, caller [20]byte) (*Deal, error) {
	deal, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if caller != deal.Buyer {
		return nil, ErrUnauthorized
	}
	if deal.Decision.Status != DealInProgress {
		return nil, ErrInvalidState
	}
	deal.Decision.Status = DealPendingArbitrator
	if err := e.storeDeal(deal); err != nil {
		return nil, err
	}
	if err := e.affirmHistory(deal); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(deal))
	e.emit(NewAppealedEvent(deal))
	return deal.Clone(), nil
}

// CloseWithoutIssue lets the buyer settle an open deal in the seller's
// favour. The reserved commission goes to the arbitrator when the deal had
// been appealed and back to the buyer otherwise.
func (e *Engine) CloseWithoutIssue(id uint64, caller [20]byte) (*Deal, error) {
	deal, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if caller != deal.Buyer {
		return nil, ErrUnauthorized
	}
	if !deal.Open() {
		return nil, ErrInvalidState
	}
	if deal.Decision.Status == DealPendingArbitrator {
		if err := e.credit(deal.Arbitrator, deal.ArbitratorCommission); err != nil {
			return nil, err
		}
	} else {
		if err := e.credit(deal.Buyer, deal.ArbitratorCommission); err != nil {
			return nil, err
		}
	}
	if err := e.credit(deal.Seller, deal.Amount); err != nil {
		return nil, err
	}
	deal.Decision.Status = DealClosedWithoutIssue
	if err := e.storeDeal(deal); err != nil {
		return nil, err
	}
	if err := e.affirmHistory(deal); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(deal))
	return deal.Clone(), nil
}

// CloseWithArbitrator records the arbitrator's ruling on an appealed deal:
// the award goes to the seller, the remainder of the deal amount back to
// the buyer, and the commission to the arbitrator.
func (e *Engine) CloseWithArbitrator(id uint64, award *big.Int, commentsHash [32]byte, caller [20]byte) (*Deal, error) {
	deal, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	if caller != deal.Arbitrator {
		return nil, ErrUnauthorized
	}
	if deal.Decision.Status != DealPendingArbitrator {
		return nil, ErrInvalidState
	}
	granted := cloneBigInt(award)
	if granted.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if granted.Cmp(deal.Amount) > 0 {
		return nil, fmt.Errorf("%w: award exceeds deal amount", ErrInvalidAmount)
	}
	remainder := new(big.Int).Sub(cloneBigInt(deal.Amount), granted)
	if err := e.credit(deal.Seller, granted); err != nil {
		return nil, err
	}
	if err := e.credit(deal.Arbitrator, deal.ArbitratorCommission); err != nil {
		return nil, err
	}
	if err := e.credit(deal.Buyer, remainder); err != nil {
		return nil, err
	}
	deal.Decision.Award = granted
	deal.Decision.CommentsHash = commentsHash
	deal.Decision.Status = DealClosedWithArbitrator
	if err := e.storeDeal(deal); err != nil {
		return nil, err
	}
	if err := e.affirmHistory(deal); err != nil {
		return nil, err
	}
	e.emit(NewStatusChangedEvent(deal))
	return deal.Clone(), nil
}

// RequiredDeposit quotes the deposit for a prospective deal without
// touching any state beyond the fee configuration.
func (e *Engine) RequiredDeposit(dealAmount, arbitratorCommission *big.Int) (*big.Int, error) {
	amount := cloneBigInt(dealAmount)
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	commission := cloneBigInt(arbitratorCommission)
	if commission.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	params, err := e.params()
	if err != nil {
		return nil, err
	}
	return params.Schedule().RequiredDeposit(amount, commission), nil
}

// IsOpen reports whether the deal still accepts transitions.
func (e *Engine) IsOpen(id uint64) (bool, error) {
	deal, err := e.loadDeal(id)
	if err != nil {
		return false, err
	}
	return deal.Open(), nil
}

// Get returns a copy of the stored deal.
func (e *Engine) Get(id uint64) (*Deal, error) {
	deal, err := e.loadDeal(id)
	if err != nil {
		return nil, err
	}
	return deal.Clone(), nil
}

// Operator returns the identity currently collecting protocol fees.
func (e *Engine) Operator() ([20]byte, error) {
	params, err := e.params()
	if err != nil {
		return [20]byte{}, err
	}
	return params.Operator, nil
}

// TransferOwnership hands the protocol operator role to a new identity.
// Only the current operator may call it, and the null identity is refused.
func (e *Engine) TransferOwnership(newOwner, caller [20]byte) error {
	params, err := e.params()
	if err != nil {
		return err
	}
	if caller != params.Operator {
		return ErrUnauthorized
	}
	if newOwner == ([20]byte{}) {
		return ErrZeroIdentity
	}
	previous := params.Operator
	params.Operator = newOwner
	if err := e.state.SetRegistryParams(params); err != nil {
		return err
	}
	e.emit(NewOwnershipTransferredEvent(previous, newOwner))
	return nil
}
