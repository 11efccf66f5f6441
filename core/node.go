package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"escrowd/core/events"
	"escrowd/core/journal"
	"escrowd/core/state"
	"escrowd/core/types"
	"escrowd/native/custody"
	"escrowd/native/escrow"
	"escrowd/native/history"
	"escrowd/storage"
)

// stateBackend is the union of the state accessors the registry, custody,
// and history engines consume. Both *state.Manager and *state.Txn satisfy
// it, so engines can be wired to committed state for reads and to a
// transaction overlay for mutations.
type stateBackend interface {
	DealPut(*escrow.Deal) error
	DealGet(id uint64) (*escrow.Deal, bool, error)
	DealCounter() (uint64, error)
	SetDealCounter(uint64) error
	RegistryParams() (*escrow.Params, bool, error)
	SetRegistryParams(*escrow.Params) error
	BalanceGet(account [20]byte) (*big.Int, error)
	BalancePut(account [20]byte, amount *big.Int) error
	HistoryGet(seller [20]byte, sequence uint64) (uint64, bool, error)
	HistoryPut(seller [20]byte, sequence uint64, dealID uint64) error
	HistoryCount(seller [20]byte) (uint64, error)
	SetHistoryCount(seller [20]byte, count uint64) error
}

var (
	// ErrNoJournal is returned by event queries when the node runs without a journal.
	ErrNoJournal = errors.New("core: event journal not configured")
	// ErrNoPaymentSink is returned by withdrawals when no sink is wired.
	ErrNoPaymentSink = errors.New("core: payment sink not configured")
)

// Node owns the deal ledger. Every mutation runs under a single writer lock
// inside one state transaction; reads go straight to committed state and
// never block behind writers. Events publish to the journal only after the
// transaction that produced them has committed.
type Node struct {
	db      storage.Database
	manager *state.Manager
	journal *journal.Journal
	sink    custody.PaymentSink
	logger  *slog.Logger
	nowFn   func() time.Time

	stateMu sync.Mutex
}

// NewNode opens the ledger over the database. On first boot the registry
// configuration is seeded from params; afterwards the persisted record wins,
// so an ownership transfer survives restarts.
func NewNode(db storage.Database, jrnl *journal.Journal, params *escrow.Params) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	node := &Node{
		db:      db,
		manager: state.NewManager(db),
		journal: jrnl,
		logger:  slog.Default(),
		nowFn:   time.Now,
	}
	if _, ok, err := node.manager.RegistryParams(); err != nil {
		return nil, fmt.Errorf("load registry params: %w", err)
	} else if !ok {
		if err := params.Validate(); err != nil {
			return nil, err
		}
		if err := node.manager.SetRegistryParams(params); err != nil {
			return nil, fmt.Errorf("seed registry params: %w", err)
		}
	}
	return node, nil
}

// SetPaymentSink wires the settlement target used by withdrawals.
func (n *Node) SetPaymentSink(sink custody.PaymentSink) { n.sink = sink }

// SetLogger overrides the node logger.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger != nil {
		n.logger = logger
	}
}

// SetNowFunc overrides the clock used to stamp deals and journal entries.
func (n *Node) SetNowFunc(now func() time.Time) {
	if now != nil {
		n.nowFn = now
	}
}

func (n *Node) registryEngine(st stateBackend, rec events.Emitter) *escrow.Engine {
	ledger := custody.NewLedger()
	ledger.SetState(st)
	if rec != nil {
		ledger.SetEmitter(rec)
	}
	index := history.NewIndex()
	index.SetState(st)
	eng := escrow.NewEngine()
	eng.SetState(st)
	eng.SetLedger(ledger)
	eng.SetHistory(index)
	if rec != nil {
		eng.SetEmitter(rec)
	}
	eng.SetNowFunc(func() int64 { return n.nowFn().Unix() })
	return eng
}

// withMutation runs fn against an engine wired to a fresh transaction,
// commits on success, and publishes the recorded events afterwards.
func (n *Node) withMutation(fn func(*escrow.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	txn := n.manager.Begin()
	recorder := events.NewRecorder()
	eng := n.registryEngine(txn, recorder)
	if err := fn(eng); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	n.publish(recorder.Events())
	return nil
}

// publish journals committed events. Delivery is best effort: a journal
// fault is logged, never rolled back into the already committed state.
func (n *Node) publish(evts []*types.Event) {
	if n.journal == nil || len(evts) == 0 {
		return
	}
	if _, err := n.journal.Append(evts); err != nil {
		n.logger.Error("journal append failed", "events", len(evts), "error", err)
	}
}

// DealRegister opens a new deal funded by the supplied deposit and returns
// the stored record along with the required amount and any excess to hand
// back to the caller.
func (n *Node) DealRegister(buyer, seller, arbitrator [20]byte, amount *big.Int, termsHash [32]byte, communicationRef string, commission, deposit *big.Int) (*escrow.RegisterResult, error) {
	var result *escrow.RegisterResult
	err := n.withMutation(func(eng *escrow.Engine) error {
		res, err := eng.Register(buyer, seller, arbitrator, amount, termsHash, communicationRef, commission, deposit)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DealAppeal escalates an in-progress deal to the arbitrator.
func (n *Node) DealAppeal(id uint64, caller [20]byte) (*escrow.Deal, error) {
	var deal *escrow.Deal
	err := n.withMutation(func(eng *escrow.Engine) error {
		updated, err := eng.Appeal(id, caller)
		if err != nil {
			return err
		}
		deal = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deal, nil
}

// DealRefund lets the seller return the deal funds to the buyer.
func (n *Node) DealRefund(id uint64, caller [20]byte) (*escrow.Deal, error) {
	var deal *escrow.Deal
	err := n.withMutation(func(eng *escrow.Engine) error {
		updated, err := eng.Refund(id, caller)
		if err != nil {
			return err
		}
		deal = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deal, nil
}

// DealCloseWithoutIssue lets the buyer release the deal funds to the seller.
func (n *Node) DealCloseWithoutIssue(id uint64, caller [20]byte) (*escrow.Deal, error) {
	var deal *escrow.Deal
	err := n.withMutation(func(eng *escrow.Engine) error {
		updated, err := eng.CloseWithoutIssue(id, caller)
		if err != nil {
			return err
		}
		deal = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deal, nil
}

// DealCloseWithArbitrator applies the arbitrator's ruling, splitting the deal
// amount between seller and buyer.
func (n *Node) DealCloseWithArbitrator(id uint64, award *big.Int, commentsHash [32]byte, caller [20]byte) (*escrow.Deal, error) {
	var deal *escrow.Deal
	err := n.withMutation(func(eng *escrow.Engine) error {
		updated, err := eng.CloseWithArbitrator(id, award, commentsHash, caller)
		if err != nil {
			return err
		}
		deal = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deal, nil
}

// RegistryTransferOwnership hands protocol fee collection to a new operator.
func (n *Node) RegistryTransferOwnership(newOperator, caller [20]byte) error {
	return n.withMutation(func(eng *escrow.Engine) error {
		return eng.TransferOwnership(newOperator, caller)
	})
}

// CustodyWithdraw drains the caller's balance through the configured payment
// sink. The drained balance only commits when the sink accepted the payment;
// a sink failure leaves the balance untouched.
func (n *Node) CustodyWithdraw(ctx context.Context, caller [20]byte) (*big.Int, error) {
	if n.sink == nil {
		return nil, ErrNoPaymentSink
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	txn := n.manager.Begin()
	recorder := events.NewRecorder()
	ledger := custody.NewLedger()
	ledger.SetState(txn)
	ledger.SetEmitter(recorder)

	paid, err := ledger.Withdraw(ctx, caller, n.sink)
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		// The sink already accepted the payment; surface the storage fault
		// loudly so the operator reconciles before the balance is retried.
		n.logger.Error("withdraw commit failed after payment", "account", fmt.Sprintf("%x", caller), "amount", paid.String(), "error", err)
		return nil, fmt.Errorf("commit withdraw after payment: %w", err)
	}
	n.publish(recorder.Events())
	return paid, nil
}

// DealGet returns the committed deal record.
func (n *Node) DealGet(id uint64) (*escrow.Deal, error) {
	return n.registryEngine(n.manager, nil).Get(id)
}

// DealIsOpen reports whether the deal still accepts transitions.
func (n *Node) DealIsOpen(id uint64) (bool, error) {
	return n.registryEngine(n.manager, nil).IsOpen(id)
}

// DealRequiredDeposit quotes the deposit needed to register a deal with the
// current fee schedule.
func (n *Node) DealRequiredDeposit(amount, commission *big.Int) (*big.Int, error) {
	return n.registryEngine(n.manager, nil).RequiredDeposit(amount, commission)
}

// RegistryOperator returns the current protocol fee collector.
func (n *Node) RegistryOperator() ([20]byte, error) {
	return n.registryEngine(n.manager, nil).Operator()
}

// RegistryParams returns the committed operator and fee configuration.
func (n *Node) RegistryParams() (*escrow.Params, error) {
	params, ok, err := n.manager.RegistryParams()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: params not initialised", escrow.ErrConfigInvalid)
	}
	return params, nil
}

// CustodyBalance returns the committed withdrawable balance for the account.
func (n *Node) CustodyBalance(account [20]byte) (*big.Int, error) {
	ledger := custody.NewLedger()
	ledger.SetState(n.manager)
	return ledger.BalanceOf(account)
}

// HistoryCount returns how many deals the seller has registered.
func (n *Node) HistoryCount(seller [20]byte) (uint64, error) {
	index := history.NewIndex()
	index.SetState(n.manager)
	return index.Count(seller)
}

// HistoryDealAt returns the deal id at the seller's 1-based sequence slot.
func (n *Node) HistoryDealAt(seller [20]byte, sequence uint64) (uint64, error) {
	index := history.NewIndex()
	index.SetState(n.manager)
	return index.DealAt(seller, sequence)
}

// HistoryList returns a window of the seller's deal ids starting at the
// 1-based offset.
func (n *Node) HistoryList(seller [20]byte, offset uint64, limit int) ([]uint64, error) {
	index := history.NewIndex()
	index.SetState(n.manager)
	return index.List(seller, offset, limit)
}

// EventsAfter replays journaled events with sequence greater than cursor.
func (n *Node) EventsAfter(cursor uint64, limit int) ([]*journal.Entry, error) {
	if n.journal == nil {
		return nil, ErrNoJournal
	}
	return n.journal.After(cursor, limit)
}

// EventsSubscribe attaches a live event feed.
func (n *Node) EventsSubscribe(buffer int) (<-chan *journal.Entry, func(), error) {
	if n.journal == nil {
		return nil, nil, ErrNoJournal
	}
	ch, cancel := n.journal.Subscribe(buffer)
	return ch, cancel, nil
}

// LastEventSequence reports the most recent journaled sequence.
func (n *Node) LastEventSequence() (uint64, error) {
	if n.journal == nil {
		return 0, ErrNoJournal
	}
	return n.journal.LastSequence(), nil
}

// Close releases the journal and database handles.
func (n *Node) Close() error {
	var firstErr error
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := n.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
