package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"escrowd/core/journal"
	"escrowd/native/custody"
	"escrowd/native/escrow"
	"escrowd/storage"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

var (
	testOperator   = newTestAddress(0x0F)
	testBuyer      = newTestAddress(0x01)
	testSeller     = newTestAddress(0x02)
	testArbitrator = newTestAddress(0x03)
	testTermsHash  = [32]byte{0xDE, 0xAD}
)

func testParams() *escrow.Params {
	return &escrow.Params{
		Operator:      testOperator,
		BaseFee:       big.NewInt(10),
		CommissionBps: 123,
	}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	db := storage.NewMemDB()
	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	node, err := NewNode(db, jrnl, testParams())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	t.Cleanup(func() { _ = node.Close() })
	return node
}

func registerTestDeal(t *testing.T, node *Node, deposit int64) *escrow.RegisterResult {
	t.Helper()
	result, err := node.DealRegister(testBuyer, testSeller, testArbitrator, big.NewInt(1000), testTermsHash, "ticket:42", big.NewInt(50), big.NewInt(deposit))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return result
}

type recordingSink struct {
	mu   sync.Mutex
	paid []*big.Int
	err  error
}

func (s *recordingSink) Pay(_ context.Context, _ [20]byte, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.paid = append(s.paid, new(big.Int).Set(amount))
	return nil
}

func requireBalance(t *testing.T, node *Node, account [20]byte, want int64) {
	t.Helper()
	balance, err := node.CustodyBalance(account)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("unexpected balance: got %s want %d", balance, want)
	}
}

func TestRegisterComputesFeesAndDeposit(t *testing.T) {
	node := newTestNode(t)

	result := registerTestDeal(t, node, 1080)
	if result.Deal.ID != 1 {
		t.Fatalf("first deal id should be 1, got %d", result.Deal.ID)
	}
	if result.Required.Cmp(big.NewInt(1072)) != 0 {
		t.Fatalf("unexpected required deposit: %s", result.Required)
	}
	if result.Excess.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("unexpected excess: %s", result.Excess)
	}
	if result.Deal.AddedProtocolFee.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("unexpected added fee: %s", result.Deal.AddedProtocolFee)
	}
	if result.Deal.SellerSequence != 1 {
		t.Fatalf("unexpected seller sequence: %d", result.Deal.SellerSequence)
	}

	requireBalance(t, node, testOperator, 22)
	requireBalance(t, node, testBuyer, 0)

	count, err := node.HistoryCount(testSeller)
	if err != nil {
		t.Fatalf("history count: %v", err)
	}
	if count != 1 {
		t.Fatalf("unexpected history count: %d", count)
	}
	dealID, err := node.HistoryDealAt(testSeller, 1)
	if err != nil {
		t.Fatalf("history deal at: %v", err)
	}
	if dealID != 1 {
		t.Fatalf("unexpected history deal id: %d", dealID)
	}
}

func TestRegisterInsufficientDepositLeavesNoTrace(t *testing.T) {
	node := newTestNode(t)

	_, err := node.DealRegister(testBuyer, testSeller, testArbitrator, big.NewInt(1000), testTermsHash, "", big.NewInt(50), big.NewInt(1071))
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	requireBalance(t, node, testOperator, 0)
	if _, err := node.DealGet(1); !errors.Is(err, escrow.ErrDealNotFound) {
		t.Fatalf("expected no deal recorded, got %v", err)
	}
	count, err := node.HistoryCount(testSeller)
	if err != nil {
		t.Fatalf("history count: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed registration must not touch history, got %d", count)
	}
	entries, err := node.EventsAfter(0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed registration must not journal events, got %d", len(entries))
	}
}

func TestRefundWithoutAppealReturnsCommissionToBuyer(t *testing.T) {
	node := newTestNode(t)
	registerTestDeal(t, node, 1072)

	deal, err := node.DealRefund(1, testSeller)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if deal.Decision.Status != escrow.DealRefunded {
		t.Fatalf("unexpected status: %v", deal.Decision.Status)
	}

	requireBalance(t, node, testBuyer, 1050)
	requireBalance(t, node, testSeller, 0)
	requireBalance(t, node, testArbitrator, 0)
	requireBalance(t, node, testOperator, 22)

	open, err := node.DealIsOpen(1)
	if err != nil {
		t.Fatalf("is open: %v", err)
	}
	if open {
		t.Fatalf("refunded deal should be closed")
	}
}

func TestRefundAfterAppealPaysArbitrator(t *testing.T) {
	node := newTestNode(t)
	registerTestDeal(t, node, 1072)

	if _, err := node.DealAppeal(1, testBuyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := node.DealRefund(1, testSeller); err != nil {
		t.Fatalf("refund: %v", err)
	}

	requireBalance(t, node, testBuyer, 1000)
	requireBalance(t, node, testArbitrator, 50)
	requireBalance(t, node, testSeller, 0)
}

func TestCloseWithoutIssuePaysSeller(t *testing.T) {
	node := newTestNode(t)
	registerTestDeal(t, node, 1072)

	deal, err := node.DealCloseWithoutIssue(1, testBuyer)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if deal.Decision.Status != escrow.DealClosedWithoutIssue {
		t.Fatalf("unexpected status: %v", deal.Decision.Status)
	}

	requireBalance(t, node, testSeller, 1000)
	requireBalance(t, node, testBuyer, 50)
	requireBalance(t, node, testArbitrator, 0)
}

func TestRulingSplitsAwardAndRefusesSecondRuling(t *testing.T) {
	node := newTestNode(t)
	registerTestDeal(t, node, 1072)

	if _, err := node.DealAppeal(1, testBuyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	comments := [32]byte{0xBE, 0xEF}
	deal, err := node.DealCloseWithArbitrator(1, big.NewInt(600), comments, testArbitrator)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if deal.Decision.Status != escrow.DealClosedWithArbitrator {
		t.Fatalf("unexpected status: %v", deal.Decision.Status)
	}
	if deal.Decision.Award.Cmp(big.NewInt(600)) != 0 || deal.Decision.CommentsHash != comments {
		t.Fatalf("ruling not recorded: %+v", deal.Decision)
	}

	requireBalance(t, node, testSeller, 600)
	requireBalance(t, node, testArbitrator, 50)
	requireBalance(t, node, testBuyer, 400)

	if _, err := node.DealCloseWithArbitrator(1, big.NewInt(100), [32]byte{}, testArbitrator); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("second ruling should fail with invalid state, got %v", err)
	}
}

func TestIdentityConflictConsumesNoDealID(t *testing.T) {
	node := newTestNode(t)

	_, err := node.DealRegister(testBuyer, testSeller, testSeller, big.NewInt(1000), testTermsHash, "", big.NewInt(50), big.NewInt(1072))
	if !errors.Is(err, escrow.ErrIdentityConflict) {
		t.Fatalf("expected identity conflict, got %v", err)
	}

	result := registerTestDeal(t, node, 1072)
	if result.Deal.ID != 1 {
		t.Fatalf("rejected registration must not consume an id, got %d", result.Deal.ID)
	}
}

func TestWithdrawPaysThroughSink(t *testing.T) {
	node := newTestNode(t)
	registerTestDeal(t, node, 1072)
	if _, err := node.DealRefund(1, testSeller); err != nil {
		t.Fatalf("refund: %v", err)
	}

	sink := &recordingSink{}
	node.SetPaymentSink(sink)

	paid, err := node.CustodyWithdraw(context.Background(), testBuyer)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Cmp(big.NewInt(1050)) != 0 {
		t.Fatalf("unexpected payout: %s", paid)
	}
	if len(sink.paid) != 1 || sink.paid[0].Cmp(big.NewInt(1050)) != 0 {
		t.Fatalf("sink not paid: %+v", sink.paid)
	}
	requireBalance(t, node, testBuyer, 0)

	if _, err := node.CustodyWithdraw(context.Background(), testBuyer); !errors.Is(err, custody.ErrNothingToWithdraw) {
		t.Fatalf("drained account should have nothing to withdraw, got %v", err)
	}
}

func TestWithdrawRollsBackOnSinkFailure(t *testing.T) {
	node := newTestNode(t)
	registerTestDeal(t, node, 1072)
	if _, err := node.DealRefund(1, testSeller); err != nil {
		t.Fatalf("refund: %v", err)
	}

	sink := &recordingSink{err: fmt.Errorf("settlement rail offline")}
	node.SetPaymentSink(sink)

	if _, err := node.CustodyWithdraw(context.Background(), testBuyer); err == nil {
		t.Fatalf("expected withdraw failure")
	}
	requireBalance(t, node, testBuyer, 1050)

	entries, err := node.EventsAfter(0, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for _, entry := range entries {
		if entry.Type == custody.EventTypeWithdrawn {
			t.Fatalf("failed withdraw must not journal a payout event")
		}
	}

	sink.err = nil
	paid, err := node.CustodyWithdraw(context.Background(), testBuyer)
	if err != nil {
		t.Fatalf("retry withdraw: %v", err)
	}
	if paid.Cmp(big.NewInt(1050)) != 0 {
		t.Fatalf("unexpected retry payout: %s", paid)
	}
}

func TestWithdrawWithoutSink(t *testing.T) {
	node := newTestNode(t)
	if _, err := node.CustodyWithdraw(context.Background(), testBuyer); !errors.Is(err, ErrNoPaymentSink) {
		t.Fatalf("expected missing sink error, got %v", err)
	}
}

func TestTransitionsJournalOrderedEvents(t *testing.T) {
	node := newTestNode(t)
	registerTestDeal(t, node, 1072)
	if _, err := node.DealAppeal(1, testBuyer); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := node.DealRefund(1, testSeller); err != nil {
		t.Fatalf("refund: %v", err)
	}

	entries, err := node.EventsAfter(0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := make([]string, 0, len(entries))
	for i, entry := range entries {
		if entry.Sequence != uint64(i)+1 {
			t.Fatalf("sequences must be dense, got %d at %d", entry.Sequence, i)
		}
		types = append(types, entry.Type)
	}
	want := []string{
		escrow.EventTypeDealRegistered,
		escrow.EventTypeDealStatusChanged,
		escrow.EventTypeDealAppealed,
		escrow.EventTypeDealStatusChanged,
	}
	if len(types) != len(want) {
		t.Fatalf("unexpected event stream: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected event at %d: got %s want %s", i, types[i], want[i])
		}
	}
	if entries[0].Attributes["sellerSequence"] != "1" {
		t.Fatalf("registered event missing seller sequence: %+v", entries[0].Attributes)
	}
}

func TestOwnershipTransferSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	node, err := NewNode(db, nil, testParams())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	newOperator := newTestAddress(0x10)
	if err := node.RegistryTransferOwnership(newOperator, testOperator); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	reopened, err := NewNode(db, nil, testParams())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	operator, err := reopened.RegistryOperator()
	if err != nil {
		t.Fatalf("operator: %v", err)
	}
	if operator != newOperator {
		t.Fatalf("transferred operator should survive restart, got %x", operator)
	}
}

func TestDealsSurviveRestart(t *testing.T) {
	db := storage.NewMemDB()
	node, err := NewNode(db, nil, testParams())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if _, err := node.DealRegister(testBuyer, testSeller, testArbitrator, big.NewInt(1000), testTermsHash, "", big.NewInt(50), big.NewInt(1072)); err != nil {
		t.Fatalf("register: %v", err)
	}

	reopened, err := NewNode(db, nil, testParams())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	deal, err := reopened.DealGet(1)
	if err != nil {
		t.Fatalf("deal get: %v", err)
	}
	if deal.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected amount after restart: %s", deal.Amount)
	}
	result, err := reopened.DealRegister(testBuyer, testSeller, testArbitrator, big.NewInt(500), testTermsHash, "", big.NewInt(0), big.NewInt(600))
	if err != nil {
		t.Fatalf("register after restart: %v", err)
	}
	if result.Deal.ID != 2 {
		t.Fatalf("deal counter should survive restart, got %d", result.Deal.ID)
	}
}

func TestNodeWithoutJournalRejectsEventQueries(t *testing.T) {
	node, err := NewNode(storage.NewMemDB(), nil, testParams())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if _, err := node.EventsAfter(0, 10); !errors.Is(err, ErrNoJournal) {
		t.Fatalf("expected ErrNoJournal, got %v", err)
	}
	if _, _, err := node.EventsSubscribe(4); !errors.Is(err, ErrNoJournal) {
		t.Fatalf("expected ErrNoJournal, got %v", err)
	}
}

func TestRequiredDepositQuote(t *testing.T) {
	node := newTestNode(t)
	required, err := node.DealRequiredDeposit(big.NewInt(1000), big.NewInt(50))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if required.Cmp(big.NewInt(1072)) != 0 {
		t.Fatalf("unexpected quote: %s", required)
	}
}

func TestHistoryListWindows(t *testing.T) {
	node := newTestNode(t)
	for i := 0; i < 3; i++ {
		registerTestDeal(t, node, 1072)
	}

	ids, err := node.HistoryList(testSeller, 2, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("unexpected window: %v", ids)
	}
}
