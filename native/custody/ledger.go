package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"escrowd/core/events"
	"escrowd/core/types"
)

var (
	// ErrNothingToWithdraw marks withdrawal attempts against an empty
	// balance.
	ErrNothingToWithdraw = errors.New("custody: nothing to withdraw")
	// ErrNegativeAmount marks credits below zero; balances only grow
	// through credits and only shrink through withdrawal.
	ErrNegativeAmount = errors.New("custody: negative amount")
	// ErrBalanceOverflow is the fatal invariant violation for arithmetic
	// that would exceed the representable balance range. It must never be
	// reachable from valid input.
	ErrBalanceOverflow = errors.New("custody: balance overflow")

	errNilState = errors.New("custody ledger: state not configured")
	errNilSink  = errors.New("custody ledger: payment sink not configured")
)

type ledgerState interface {
	BalanceGet(account [20]byte) (*big.Int, error)
	BalancePut(account [20]byte, amount *big.Int) error
}

// PaymentSink performs the external payment that completes a withdrawal.
// Implementations must treat an error return as "nothing was paid": the
// ledger rolls the drained balance back through its transaction.
type PaymentSink interface {
	Pay(ctx context.Context, account [20]byte, amount *big.Int) error
}

type custodyEvent struct {
	evt *types.Event
}

func (e custodyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e custodyEvent) Event() *types.Event { return e.evt }

// Ledger maps party identities to accrued, withdrawable balances. Credits
// are issued only by registry transitions; funds leave only through
// Withdraw.
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

// NewLedger creates a custody ledger with a no-op emitter.
func NewLedger() *Ledger {
	return &Ledger{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a
// no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) emit(event *types.Event) {
	if l == nil || l.emitter == nil || event == nil {
		return
	}
	l.emitter.Emit(custodyEvent{evt: event})
}

func (l *Ledger) balance(account [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	bal, err := l.state.BalanceGet(account)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return big.NewInt(0), nil
	}
	if bal.Sign() < 0 {
		return nil, fmt.Errorf("custody: stored balance negative for %x", account)
	}
	return bal, nil
}

// Credit adds amount to the account's balance. A zero amount is a no-op;
// negative amounts are rejected. The resulting balance must stay within
// 256 bits, matching the arithmetic range credits were designed around.
func (l *Ledger) Credit(account [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	bal, err := l.balance(account)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(bal, amount)
	if _, overflow := uint256.FromBig(next); overflow {
		return ErrBalanceOverflow
	}
	return l.state.BalancePut(account, next)
}

// BalanceOf returns the account's accrued balance.
func (l *Ledger) BalanceOf(account [20]byte) (*big.Int, error) {
	bal, err := l.balance(account)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(bal), nil
}

// Withdraw empties the caller's balance and pays it out through the sink.
// The balance is zeroed before the payment attempt so a reentrant call
// cannot observe a claimable amount; the caller commits the surrounding
// transaction only when Withdraw succeeds, which is what makes a failed
// payment leave the balance untouched.
func (l *Ledger) Withdraw(ctx context.Context, caller [20]byte, sink PaymentSink) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if sink == nil {
		return nil, errNilSink
	}
	bal, err := l.balance(caller)
	if err != nil {
		return nil, err
	}
	if bal.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	paid := new(big.Int).Set(bal)
	if err := l.state.BalancePut(caller, big.NewInt(0)); err != nil {
		return nil, err
	}
	if err := sink.Pay(ctx, caller, new(big.Int).Set(paid)); err != nil {
		return nil, fmt.Errorf("custody: payment rejected: %w", err)
	}
	l.emit(NewWithdrawnEvent(caller, paid))
	return paid, nil
}
