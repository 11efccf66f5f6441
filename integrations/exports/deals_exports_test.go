package exports

import (
	"math/big"
	"strings"
	"testing"

	"escrowd/native/escrow"
)

func sampleDeal(id uint64, status escrow.DealStatus) *escrow.Deal {
	var buyer, seller, arbitrator [20]byte
	buyer[19] = 1
	seller[19] = 2
	arbitrator[19] = 3
	deal := &escrow.Deal{
		ID:                   id,
		Buyer:                buyer,
		Seller:               seller,
		Arbitrator:           arbitrator,
		Amount:               big.NewInt(1000),
		ArbitratorCommission: big.NewInt(50),
		AddedProtocolFee:     big.NewInt(12),
		CommunicationRef:     "order-42",
		SellerSequence:       1,
		CreatedAt:            1700,
		Decision:             escrow.Decision{Status: status, Award: big.NewInt(0)},
	}
	if status == escrow.DealClosedWithArbitrator {
		deal.Decision.Award = big.NewInt(600)
	}
	return deal
}

func TestDealsCSV(t *testing.T) {
	deals := []*escrow.Deal{sampleDeal(1, escrow.DealClosedWithoutIssue)}
	data, checksum, err := DealsCSV(deals)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.Contains(output, "deal_id,buyer,seller,arbitrator,amount") {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, "closed_without_issue") {
		t.Fatalf("missing status: %s", output)
	}
	if !strings.Contains(output, "order-42") {
		t.Fatalf("missing reference: %s", output)
	}
}

func TestDealsCSVAwardOnlyWhenRuled(t *testing.T) {
	open, _, err := DealsCSV([]*escrow.Deal{sampleDeal(1, escrow.DealInProgress)})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if strings.Contains(string(open), "600") {
		t.Fatalf("open deal must not carry an award: %s", open)
	}
	ruled, _, err := DealsCSV([]*escrow.Deal{sampleDeal(2, escrow.DealClosedWithArbitrator)})
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if !strings.Contains(string(ruled), "600") {
		t.Fatalf("ruled deal must carry its award: %s", ruled)
	}
}

func TestDealsJSONL(t *testing.T) {
	deals := []*escrow.Deal{sampleDeal(7, escrow.DealRefunded)}
	data, checksum, err := DealsJSONL(deals)
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if len(data) == 0 || checksum == "" {
		t.Fatalf("expected data and checksum")
	}
	output := string(data)
	if !strings.Contains(output, "\"dealId\":7") {
		t.Fatalf("unexpected payload: %s", output)
	}
	if !strings.Contains(output, "\"status\":\"refunded\"") {
		t.Fatalf("missing status: %s", output)
	}
}
