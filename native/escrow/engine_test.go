package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"escrowd/core/events"
)

type mockState struct {
	deals   map[uint64]*Deal
	counter uint64
	params  *Params
}

func newMockState(params *Params) *mockState {
	return &mockState{deals: make(map[uint64]*Deal), params: params}
}

func (m *mockState) DealPut(d *Deal) error {
	if d == nil {
		return fmt.Errorf("nil deal")
	}
	m.deals[d.ID] = d.Clone()
	return nil
}

func (m *mockState) DealGet(id uint64) (*Deal, bool, error) {
	deal, ok := m.deals[id]
	if !ok {
		return nil, false, nil
	}
	return deal.Clone(), true, nil
}

func (m *mockState) DealCounter() (uint64, error) { return m.counter, nil }

func (m *mockState) SetDealCounter(v uint64) error {
	m.counter = v
	return nil
}

func (m *mockState) RegistryParams() (*Params, bool, error) {
	if m.params == nil {
		return nil, false, nil
	}
	return m.params.Clone(), true, nil
}

func (m *mockState) SetRegistryParams(p *Params) error {
	m.params = p.Clone()
	return nil
}

type mockLedger struct {
	balances map[[20]byte]*big.Int
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[[20]byte]*big.Int)}
}

func (m *mockLedger) Credit(account [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	bal, ok := m.balances[account]
	if !ok {
		bal = big.NewInt(0)
	}
	m.balances[account] = new(big.Int).Add(bal, amount)
	return nil
}

func (m *mockLedger) balanceOf(account [20]byte) *big.Int {
	bal, ok := m.balances[account]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

type historyEntry struct {
	seller [20]byte
	seq    uint64
}

type mockHistory struct {
	entries map[historyEntry]uint64
	counts  map[[20]byte]uint64
	writes  int
}

func newMockHistory() *mockHistory {
	return &mockHistory{entries: make(map[historyEntry]uint64), counts: make(map[[20]byte]uint64)}
}

func (m *mockHistory) Record(seller [20]byte, sequence uint64, dealID uint64) error {
	m.writes++
	key := historyEntry{seller: seller, seq: sequence}
	if existing, ok := m.entries[key]; ok {
		if existing != dealID {
			return fmt.Errorf("history conflict at seq %d", sequence)
		}
		return nil
	}
	m.entries[key] = dealID
	if m.counts[seller] < sequence {
		m.counts[seller] = sequence
	}
	return nil
}

func (m *mockHistory) Count(seller [20]byte) (uint64, error) {
	return m.counts[seller], nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testEnv struct {
	engine   *Engine
	state    *mockState
	ledger   *mockLedger
	history  *mockHistory
	recorder *events.Recorder
	operator [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	operator := newTestAddress(0x0F)
	state := newMockState(&Params{Operator: operator, BaseFee: big.NewInt(10), CommissionBps: 123})
	ledger := newMockLedger()
	hist := newMockHistory()
	recorder := events.NewRecorder()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetLedger(ledger)
	engine.SetHistory(hist)
	engine.SetEmitter(recorder)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return &testEnv{engine: engine, state: state, ledger: ledger, history: hist, recorder: recorder, operator: operator}
}

var (
	buyer      = newTestAddress(0x01)
	seller     = newTestAddress(0x02)
	arbitrator = newTestAddress(0x03)
	termsHash  = [32]byte{0xDE, 0xAD}
)

func mustRegister(t *testing.T, env *testEnv, deposit int64) *Deal {
	t.Helper()
	res, err := env.engine.Register(buyer, seller, arbitrator, big.NewInt(1000), termsHash, "chan:42", big.NewInt(50), big.NewInt(deposit))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return res.Deal
}

func TestRegisterCollectsProtocolCut(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.engine.Register(buyer, seller, arbitrator, big.NewInt(1000), termsHash, "chan:42", big.NewInt(50), big.NewInt(1072))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.Deal.ID != 1 {
		t.Fatalf("deal id = %d, want 1", res.Deal.ID)
	}
	if res.Required.Cmp(big.NewInt(1072)) != 0 {
		t.Fatalf("required = %s, want 1072", res.Required)
	}
	if res.Excess.Sign() != 0 {
		t.Fatalf("excess = %s, want 0", res.Excess)
	}
	if res.Deal.AddedProtocolFee.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("added fee = %s, want 12", res.Deal.AddedProtocolFee)
	}
	if got := env.ledger.balanceOf(env.operator); got.Cmp(big.NewInt(22)) != 0 {
		t.Fatalf("operator balance = %s, want 22", got)
	}
	if res.Deal.SellerSequence != 1 {
		t.Fatalf("seller sequence = %d, want 1", res.Deal.SellerSequence)
	}
	if res.Deal.Decision.Status != DealInProgress {
		t.Fatalf("status = %v, want in progress", res.Deal.Decision.Status)
	}
	if len(env.recorder.Events()) != 1 || env.recorder.Events()[0].Type != EventTypeDealRegistered {
		t.Fatalf("unexpected events %+v", env.recorder.Events())
	}
}

func TestRegisterReturnsExcess(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.engine.Register(buyer, seller, arbitrator, big.NewInt(1000), termsHash, "", big.NewInt(50), big.NewInt(1500))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.Excess.Cmp(big.NewInt(428)) != 0 {
		t.Fatalf("excess = %s, want 428", res.Excess)
	}
	// The excess travels back through the result; the ledger holds only the
	// protocol cut.
	if got := env.ledger.balanceOf(env.operator); got.Cmp(big.NewInt(22)) != 0 {
		t.Fatalf("operator balance = %s, want 22", got)
	}
	if got := env.ledger.balanceOf(buyer); got.Sign() != 0 {
		t.Fatalf("buyer balance = %s, want 0", got)
	}
}

func TestRegisterShortDeposit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Register(buyer, seller, arbitrator, big.NewInt(1000), termsHash, "", big.NewInt(50), big.NewInt(1071))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if env.state.counter != 0 {
		t.Fatalf("counter consumed on failed registration")
	}
}

func TestRegisterIdentityChecks(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name                      string
		buyer, seller, arbitrator [20]byte
		want                      error
	}{
		{"seller is arbitrator", buyer, seller, seller, ErrIdentityConflict},
		{"buyer is seller", buyer, buyer, arbitrator, ErrIdentityConflict},
		{"buyer is arbitrator", buyer, seller, buyer, ErrIdentityConflict},
		{"zero seller", buyer, [20]byte{}, arbitrator, ErrZeroIdentity},
	}
	for _, tc := range cases {
		_, err := env.engine.Register(tc.buyer, tc.seller, tc.arbitrator, big.NewInt(1000), termsHash, "", big.NewInt(50), big.NewInt(5000))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if env.state.counter != 0 {
		t.Fatalf("deal id consumed by rejected registration")
	}
	if len(env.ledger.balances) != 0 {
		t.Fatalf("balances changed by rejected registration: %+v", env.ledger.balances)
	}
}

func TestRegisterInvalidAmounts(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Register(buyer, seller, arbitrator, big.NewInt(0), termsHash, "", big.NewInt(50), big.NewInt(5000)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.Register(buyer, seller, arbitrator, big.NewInt(1000), termsHash, "", big.NewInt(-1), big.NewInt(5000)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative commission: expected ErrInvalidAmount, got %v", err)
	}
}

func TestRefundFromInProgress(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	updated, err := env.engine.Refund(deal.ID, seller)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if updated.Decision.Status != DealRefunded {
		t.Fatalf("status = %v, want refunded", updated.Decision.Status)
	}
	if got := env.ledger.balanceOf(buyer); got.Cmp(big.NewInt(1050)) != 0 {
		t.Fatalf("buyer balance = %s, want 1050", got)
	}
	if got := env.ledger.balanceOf(arbitrator); got.Sign() != 0 {
		t.Fatalf("arbitrator balance = %s, want 0", got)
	}
}

func TestRefundAfterAppealPaysArbitrator(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	if _, err := env.engine.Appeal(deal.ID, buyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := env.engine.Refund(deal.ID, seller); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := env.ledger.balanceOf(arbitrator); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("arbitrator balance = %s, want 50", got)
	}
	if got := env.ledger.balanceOf(buyer); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer balance = %s, want 1000", got)
	}
}

func TestRefundAuthorization(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	if _, err := env.engine.Refund(deal.ID, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.Refund(deal.ID, seller); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := env.engine.Refund(deal.ID, seller); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second refund: expected ErrInvalidState, got %v", err)
	}
}

func TestAppealOnlyOnceAndOnlyBuyer(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	if _, err := env.engine.Appeal(deal.ID, seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	updated, err := env.engine.Appeal(deal.ID, buyer)
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if updated.Decision.Status != DealPendingArbitrator {
		t.Fatalf("status = %v, want pending arbitrator", updated.Decision.Status)
	}
	if _, err := env.engine.Appeal(deal.ID, buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second appeal: expected ErrInvalidState, got %v", err)
	}
	// No funds move on appeal.
	if got := env.ledger.balanceOf(buyer); got.Sign() != 0 {
		t.Fatalf("buyer balance = %s, want 0", got)
	}
}

func TestCloseWithoutIssue(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	updated, err := env.engine.CloseWithoutIssue(deal.ID, buyer)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if updated.Decision.Status != DealClosedWithoutIssue {
		t.Fatalf("status = %v, want closed without issue", updated.Decision.Status)
	}
	if got := env.ledger.balanceOf(seller); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("seller balance = %s, want 1000", got)
	}
	// Commission returns to the buyer because no arbitrator was engaged.
	if got := env.ledger.balanceOf(buyer); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("buyer balance = %s, want 50", got)
	}
	if got := env.ledger.balanceOf(arbitrator); got.Sign() != 0 {
		t.Fatalf("arbitrator balance = %s, want 0", got)
	}
}

func TestCloseWithoutIssueAfterAppeal(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	if _, err := env.engine.Appeal(deal.ID, buyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := env.engine.CloseWithoutIssue(deal.ID, buyer); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := env.ledger.balanceOf(arbitrator); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("arbitrator balance = %s, want 50", got)
	}
	if got := env.ledger.balanceOf(seller); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("seller balance = %s, want 1000", got)
	}
	if got := env.ledger.balanceOf(buyer); got.Sign() != 0 {
		t.Fatalf("buyer balance = %s, want 0", got)
	}
}

func TestCloseWithArbitratorSplitsAward(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)
	comments := [32]byte{0xCC}

	if _, err := env.engine.Appeal(deal.ID, buyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	updated, err := env.engine.CloseWithArbitrator(deal.ID, big.NewInt(600), comments, arbitrator)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if updated.Decision.Status != DealClosedWithArbitrator {
		t.Fatalf("status = %v, want closed with arbitrator", updated.Decision.Status)
	}
	if updated.Decision.Award.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("award = %s, want 600", updated.Decision.Award)
	}
	if updated.Decision.CommentsHash != comments {
		t.Fatalf("comments hash not recorded")
	}
	if got := env.ledger.balanceOf(seller); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("seller balance = %s, want 600", got)
	}
	if got := env.ledger.balanceOf(arbitrator); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("arbitrator balance = %s, want 50", got)
	}
	if got := env.ledger.balanceOf(buyer); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("buyer balance = %s, want 400", got)
	}

	if _, err := env.engine.CloseWithArbitrator(deal.ID, big.NewInt(100), comments, arbitrator); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second ruling: expected ErrInvalidState, got %v", err)
	}
}

func TestCloseWithArbitratorValidation(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	// Ruling requires a prior appeal.
	if _, err := env.engine.CloseWithArbitrator(deal.ID, big.NewInt(1), [32]byte{}, arbitrator); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before appeal, got %v", err)
	}
	if _, err := env.engine.Appeal(deal.ID, buyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := env.engine.CloseWithArbitrator(deal.ID, big.NewInt(1), [32]byte{}, seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.CloseWithArbitrator(deal.ID, big.NewInt(1001), [32]byte{}, arbitrator); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("oversize award: expected ErrInvalidAmount, got %v", err)
	}
}

// Each terminal path must release exactly dealAmount + arbitratorCommission
// across the parties, with the registration-time protocol cut untouched.
func TestCreditConservationAcrossTerminalPaths(t *testing.T) {
	paths := []struct {
		name string
		run  func(t *testing.T, env *testEnv, id uint64)
	}{
		{"refund", func(t *testing.T, env *testEnv, id uint64) {
			if _, err := env.engine.Refund(id, seller); err != nil {
				t.Fatalf("refund: %v", err)
			}
		}},
		{"appeal then close", func(t *testing.T, env *testEnv, id uint64) {
			if _, err := env.engine.Appeal(id, buyer); err != nil {
				t.Fatalf("appeal: %v", err)
			}
			if _, err := env.engine.CloseWithoutIssue(id, buyer); err != nil {
				t.Fatalf("close: %v", err)
			}
		}},
		{"appeal then rule", func(t *testing.T, env *testEnv, id uint64) {
			if _, err := env.engine.Appeal(id, buyer); err != nil {
				t.Fatalf("appeal: %v", err)
			}
			if _, err := env.engine.CloseWithArbitrator(id, big.NewInt(250), [32]byte{}, arbitrator); err != nil {
				t.Fatalf("rule: %v", err)
			}
		}},
	}
	for _, path := range paths {
		t.Run(path.name, func(t *testing.T) {
			env := newTestEnv(t)
			deal := mustRegister(t, env, 1072)
			path.run(t, env, deal.ID)

			total := big.NewInt(0)
			for _, party := range [][20]byte{buyer, seller, arbitrator} {
				total.Add(total, env.ledger.balanceOf(party))
			}
			if total.Cmp(big.NewInt(1050)) != 0 {
				t.Fatalf("released total = %s, want 1050", total)
			}
			if got := env.ledger.balanceOf(env.operator); got.Cmp(big.NewInt(22)) != 0 {
				t.Fatalf("operator balance = %s, want 22", got)
			}
		})
	}
}

func TestIsOpenTracksStatus(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	open, err := env.engine.IsOpen(deal.ID)
	if err != nil || !open {
		t.Fatalf("IsOpen after register = (%v, %v)", open, err)
	}
	if _, err := env.engine.Appeal(deal.ID, buyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	open, err = env.engine.IsOpen(deal.ID)
	if err != nil || !open {
		t.Fatalf("IsOpen after appeal = (%v, %v)", open, err)
	}
	if _, err := env.engine.Refund(deal.ID, seller); err != nil {
		t.Fatalf("refund: %v", err)
	}
	open, err = env.engine.IsOpen(deal.ID)
	if err != nil || open {
		t.Fatalf("IsOpen after refund = (%v, %v)", open, err)
	}
	if _, err := env.engine.IsOpen(99); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("unknown deal: expected ErrDealNotFound, got %v", err)
	}
}

func TestHistoryAffirmedOnEveryTransition(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	if env.history.writes != 1 {
		t.Fatalf("writes after register = %d, want 1", env.history.writes)
	}
	if _, err := env.engine.Appeal(deal.ID, buyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := env.engine.CloseWithArbitrator(deal.ID, big.NewInt(0), [32]byte{}, arbitrator); err != nil {
		t.Fatalf("rule: %v", err)
	}
	if env.history.writes != 3 {
		t.Fatalf("writes after transitions = %d, want 3", env.history.writes)
	}
	if got := env.history.entries[historyEntry{seller: seller, seq: 1}]; got != deal.ID {
		t.Fatalf("history entry = %d, want %d", got, deal.ID)
	}
	count, err := env.history.Count(seller)
	if err != nil || count != 1 {
		t.Fatalf("seller count = (%d, %v), want 1", count, err)
	}
}

func TestSellerSequencesAdvancePerSeller(t *testing.T) {
	env := newTestEnv(t)
	otherSeller := newTestAddress(0x04)

	first := mustRegister(t, env, 1072)
	res, err := env.engine.Register(buyer, otherSeller, arbitrator, big.NewInt(1000), termsHash, "", big.NewInt(50), big.NewInt(1072))
	if err != nil {
		t.Fatalf("register other seller: %v", err)
	}
	second := res.Deal
	res, err = env.engine.Register(buyer, seller, arbitrator, big.NewInt(1000), termsHash, "", big.NewInt(50), big.NewInt(1072))
	if err != nil {
		t.Fatalf("register repeat seller: %v", err)
	}
	third := res.Deal

	if first.ID != 1 || second.ID != 2 || third.ID != 3 {
		t.Fatalf("ids = %d,%d,%d, want 1,2,3", first.ID, second.ID, third.ID)
	}
	if first.SellerSequence != 1 || second.SellerSequence != 1 || third.SellerSequence != 2 {
		t.Fatalf("sequences = %d,%d,%d, want 1,1,2", first.SellerSequence, second.SellerSequence, third.SellerSequence)
	}
}

func TestTransferOwnership(t *testing.T) {
	env := newTestEnv(t)
	next := newTestAddress(0x10)

	if err := env.engine.TransferOwnership(next, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.TransferOwnership([20]byte{}, env.operator); !errors.Is(err, ErrZeroIdentity) {
		t.Fatalf("expected ErrZeroIdentity, got %v", err)
	}
	if err := env.engine.TransferOwnership(next, env.operator); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	operator, err := env.engine.Operator()
	if err != nil {
		t.Fatalf("operator: %v", err)
	}
	if operator != next {
		t.Fatalf("operator not updated")
	}
	// Fees from later registrations accrue to the new operator.
	mustRegister(t, env, 1072)
	if got := env.ledger.balanceOf(next); got.Cmp(big.NewInt(22)) != 0 {
		t.Fatalf("new operator balance = %s, want 22", got)
	}
}

func TestRequiredDepositQuote(t *testing.T) {
	env := newTestEnv(t)
	required, err := env.engine.RequiredDeposit(big.NewInt(1000), big.NewInt(50))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if required.Cmp(big.NewInt(1072)) != 0 {
		t.Fatalf("required = %s, want 1072", required)
	}
	if _, err := env.engine.RequiredDeposit(big.NewInt(0), big.NewInt(50)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestMissingParams(t *testing.T) {
	engine := NewEngine()
	engine.SetState(newMockState(nil))
	engine.SetLedger(newMockLedger())
	engine.SetHistory(newMockHistory())
	_, err := engine.Register(buyer, seller, arbitrator, big.NewInt(1000), termsHash, "", big.NewInt(50), big.NewInt(5000))
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestTransitionEvents(t *testing.T) {
	env := newTestEnv(t)
	deal := mustRegister(t, env, 1072)

	if _, err := env.engine.Appeal(deal.ID, buyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	got := env.recorder.Events()
	want := []string{EventTypeDealRegistered, EventTypeDealStatusChanged, EventTypeDealAppealed}
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d", len(got), len(want))
	}
	for i, evt := range got {
		if evt.Type != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, evt.Type, want[i])
		}
	}
	appealed := got[2]
	if appealed.Attributes["dealId"] != "1" {
		t.Fatalf("appealed event dealId = %q", appealed.Attributes["dealId"])
	}
}
