package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"escrowd/core/journal"
	"escrowd/crypto"
	"escrowd/integrations/webhooks"
)

const (
	// Anomaly types raised while replaying the journal against node state.
	AnomalySequenceGap     = "sequence_gap"
	AnomalyDigestMismatch  = "digest_mismatch"
	AnomalyMissingRecord   = "missing_record"
	AnomalyStatusMismatch  = "status_mismatch"
	AnomalyFeeMismatch     = "fee_mismatch"
	AnomalyAwardMismatch   = "award_mismatch"
	AnomalyBalanceMismatch = "balance_mismatch"

	feeDenominator = 10_000
)

// Anomaly captures a divergence between the journal replay and the state the
// node reports, requiring operator review.
type Anomaly struct {
	Type    string `json:"type"`
	DealID  uint64 `json:"dealId,omitempty"`
	Account string `json:"account,omitempty"`
	Details string `json:"details"`
}

type auditReport struct {
	GeneratedAt    string    `json:"generatedAt"`
	Endpoint       string    `json:"endpoint"`
	FromSequence   uint64    `json:"fromSequence"`
	LastSequence   uint64    `json:"lastSequence"`
	Deals          int       `json:"deals"`
	OpenDeals      int       `json:"openDeals"`
	Accounts       int       `json:"accounts"`
	BalancesProved bool      `json:"balancesProved"`
	Anomalies      []Anomaly `json:"anomalies"`
	Files          []string  `json:"files,omitempty"`
}

func main() {
	rpcURL := flag.String("rpc", defaultRPCEndpoint(), "Node JSON-RPC endpoint")
	outputDir := flag.String("out", filepath.Join("escrow-data-local", "audit"), "Directory receiving report files")
	after := flag.Uint64("after", 0, "Replay journal entries after this sequence (0 replays everything)")
	page := flag.Int("page", 256, "Journal entries fetched per RPC call")
	dryRun := flag.Bool("dry-run", false, "Verify without writing report files")
	notifyURL := flag.String("notify", os.Getenv("ESCROW_AUDIT_WEBHOOK_URL"), "Webhook endpoint notified when the run completes")
	flag.Parse()

	logger := log.New(os.Stderr, "escrow-audit: ", log.LstdFlags)
	client := newAuditClient(*rpcURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := run(ctx, client, runOptions{
		After:     *after,
		Page:      *page,
		OutputDir: *outputDir,
		DryRun:    *dryRun,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	if *notifyURL != "" {
		if err := notify(*notifyURL, report, logger); err != nil {
			logger.Printf("webhook notification failed: %v", err)
		}
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
	if len(report.Anomalies) > 0 {
		os.Exit(2)
	}
}

// notify pushes the run outcome to the configured ops endpoint. Close
// blocks until the queued deliveries drained, so the process does not
// exit with the report unannounced.
func notify(endpoint string, report *auditReport, logger *log.Logger) error {
	secret := strings.TrimSpace(os.Getenv("ESCROW_AUDIT_WEBHOOK_SECRET"))
	if secret == "" {
		return errors.New("ESCROW_AUDIT_WEBHOOK_SECRET is required when -notify is set")
	}
	dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(secret))
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	generatedAt, err := time.Parse(time.RFC3339, report.GeneratedAt)
	if err != nil {
		generatedAt = time.Now().UTC()
	}
	if err := dispatcher.EnqueueReady(webhooks.AuditReadyPayload{
		FromSequence: report.FromSequence,
		LastSequence: report.LastSequence,
		Deals:        report.Deals,
		OpenDeals:    report.OpenDeals,
		Files:        report.Files,
		GeneratedAt:  generatedAt,
	}); err != nil {
		return err
	}
	if len(report.Anomalies) > 0 {
		kinds := anomalyKinds(report.Anomalies)
		logger.Printf("raising anomaly notification: %s", strings.Join(kinds, ", "))
		if err := dispatcher.EnqueueAnomalies(webhooks.AuditAnomaliesPayload{
			LastSequence: report.LastSequence,
			Count:        len(report.Anomalies),
			Kinds:        kinds,
		}); err != nil {
			return err
		}
	}
	return nil
}

func anomalyKinds(anomalies []Anomaly) []string {
	seen := make(map[string]bool, len(anomalies))
	var kinds []string
	for _, anomaly := range anomalies {
		if seen[anomaly.Type] {
			continue
		}
		seen[anomaly.Type] = true
		kinds = append(kinds, anomaly.Type)
	}
	sort.Strings(kinds)
	return kinds
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

type runOptions struct {
	After     uint64
	Page      int
	OutputDir string
	DryRun    bool
	Logger    *log.Logger
}

// dealTimeline accumulates what the journal says happened to one deal.
type dealTimeline struct {
	id            uint64
	registeredSeq uint64
	registeredAt  int64
	settledAt     int64
	buyerHex      string
	sellerHex     string
	arbitratorHex string
	eventAmount   *big.Int
	eventFee      *big.Int
	appealed      bool
	eventStatus   string
	eventAward    *big.Int
}

type ownershipChange struct {
	seq  uint64
	prev string
	next string
}

type replayState struct {
	lastSequence uint64
	timelines    map[uint64]*dealTimeline
	order        []uint64
	withdrawn    map[string]*big.Int
	transfers    []ownershipChange
	anomalies    []Anomaly
}

func run(ctx context.Context, client *auditClient, opts runOptions) (*auditReport, error) {
	if opts.Page <= 0 {
		opts.Page = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	state, err := replayJournal(ctx, client, opts.After, opts.Page)
	if err != nil {
		return nil, err
	}
	logger.Printf("replayed %d journal entries covering %d deals", state.lastSequence-opts.After, len(state.order))

	params, err := client.Params(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch registry params: %w", err)
	}

	rows, anomalies, err := verifyDeals(ctx, client, state, params)
	if err != nil {
		return nil, err
	}
	anomalies = append(state.anomalies, anomalies...)

	// Balance conservation needs the journal from sequence one with no gaps;
	// a partial replay cannot prove what an account is owed.
	balancesProved := false
	var balances []balanceRow
	if opts.After == 0 && !hasAnomaly(anomalies, AnomalySequenceGap) {
		balances, err = verifyBalances(ctx, client, state, rows, params)
		if err != nil {
			return nil, err
		}
		for _, bal := range balances {
			if bal.Mismatch != "" {
				anomalies = append(anomalies, Anomaly{
					Type:    AnomalyBalanceMismatch,
					Account: bal.Account,
					Details: bal.Mismatch,
				})
			}
		}
		balancesProved = true
	} else {
		logger.Printf("skipping balance conservation: replay does not cover the journal from sequence one")
	}

	report := &auditReport{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoint:       client.baseURL,
		FromSequence:   opts.After,
		LastSequence:   state.lastSequence,
		Deals:          len(rows),
		Accounts:       len(balances),
		BalancesProved: balancesProved,
		Anomalies:      anomalies,
	}
	for _, row := range rows {
		if row.Status == "in_progress" || row.Status == "pending_arbitrator" {
			report.OpenDeals++
		}
	}

	if !opts.DryRun && len(rows) > 0 {
		runDir := filepath.Join(opts.OutputDir, fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8]))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure output dir: %w", err)
		}
		csvPath := filepath.Join(runDir, "deals.csv")
		if err := writeDealsCSV(csvPath, rows); err != nil {
			return nil, err
		}
		parquetPath := filepath.Join(runDir, "deals.parquet")
		if err := writeDealsParquet(parquetPath, rows); err != nil {
			return nil, err
		}
		report.Files = append(report.Files, csvPath, parquetPath)
		logger.Printf("wrote %s (%d rows)", csvPath, len(rows))
		logger.Printf("wrote %s (%d rows)", parquetPath, len(rows))
		if len(balances) > 0 {
			balancePath := filepath.Join(runDir, "balances.csv")
			if err := writeBalancesCSV(balancePath, balances); err != nil {
				return nil, err
			}
			report.Files = append(report.Files, balancePath)
			logger.Printf("wrote %s (%d rows)", balancePath, len(balances))
		}
	}
	return report, nil
}

func replayJournal(ctx context.Context, client *auditClient, after uint64, page int) (*replayState, error) {
	state := &replayState{
		lastSequence: after,
		timelines:    make(map[uint64]*dealTimeline),
		withdrawn:    make(map[string]*big.Int),
	}
	cursor := after
	expect := after
	for {
		entries, err := client.Events(ctx, cursor, page)
		if err != nil {
			return nil, fmt.Errorf("fetch events after %d: %w", cursor, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			expect++
			if entry.Sequence != expect {
				state.anomalies = append(state.anomalies, Anomaly{
					Type:    AnomalySequenceGap,
					Details: fmt.Sprintf("expected sequence %d, journal returned %d", expect, entry.Sequence),
				})
				expect = entry.Sequence
			}
			digest, err := journal.CanonicalDigest(entry.Sequence, entry.Timestamp, entry.Type, entry.Attributes)
			if err != nil {
				return nil, fmt.Errorf("digest entry %d: %w", entry.Sequence, err)
			}
			if entry.Digest != hex.EncodeToString(digest[:]) {
				state.anomalies = append(state.anomalies, Anomaly{
					Type:    AnomalyDigestMismatch,
					Details: fmt.Sprintf("entry %d digest %s does not match its payload", entry.Sequence, entry.Digest),
				})
			}
			state.apply(entry)
			cursor = entry.Sequence
		}
		state.lastSequence = cursor
	}
	return state, nil
}

func (s *replayState) timeline(id uint64) *dealTimeline {
	tl, ok := s.timelines[id]
	if !ok {
		tl = &dealTimeline{id: id}
		s.timelines[id] = tl
		s.order = append(s.order, id)
	}
	return tl
}

func (s *replayState) apply(entry *journal.Entry) {
	attrs := entry.Attributes
	switch entry.Type {
	case "deal.registered":
		id, ok := parseUintAttr(attrs, "dealId")
		if !ok {
			return
		}
		tl := s.timeline(id)
		tl.registeredSeq = entry.Sequence
		tl.registeredAt = entry.Timestamp
		tl.buyerHex = attrs["buyer"]
		tl.sellerHex = attrs["seller"]
		tl.arbitratorHex = attrs["arbitrator"]
		tl.eventAmount = parseBigAttr(attrs, "amount")
		tl.eventFee = parseBigAttr(attrs, "addedProtocolFee")
		if tl.eventStatus == "" {
			tl.eventStatus = "in_progress"
		}
	case "deal.status_changed":
		id, ok := parseUintAttr(attrs, "dealId")
		if !ok {
			return
		}
		tl := s.timeline(id)
		tl.eventStatus = attrs["status"]
		if award := parseBigAttr(attrs, "award"); award != nil {
			tl.eventAward = award
		}
		switch attrs["status"] {
		case "refunded", "closed_without_issue", "closed_with_arbitrator":
			tl.settledAt = entry.Timestamp
		}
	case "deal.appealed":
		id, ok := parseUintAttr(attrs, "dealId")
		if !ok {
			return
		}
		s.timeline(id).appealed = true
	case "registry.ownership_transferred":
		s.transfers = append(s.transfers, ownershipChange{
			seq:  entry.Sequence,
			prev: attrs["previousOperator"],
			next: attrs["newOperator"],
		})
	case "custody.withdrawn":
		account := attrs["account"]
		amount := parseBigAttr(attrs, "amount")
		if account == "" || amount == nil {
			return
		}
		total, ok := s.withdrawn[account]
		if !ok {
			total = new(big.Int)
			s.withdrawn[account] = total
		}
		total.Add(total, amount)
	}
}

// dealRow is one line of the deals report, joining the journal timeline with
// the record the node holds today.
type dealRow struct {
	DealID               uint64
	Buyer                string
	Seller               string
	Arbitrator           string
	Amount               *big.Int
	ArbitratorCommission *big.Int
	AddedProtocolFee     *big.Int
	Status               string
	EventStatus          string
	Award                *big.Int
	SellerSequence       uint64
	Appealed             bool
	RegisteredAt         int64
	SettledAt            int64
	Missing              bool
}

func verifyDeals(ctx context.Context, client *auditClient, state *replayState, params *paramsRecord) ([]*dealRow, []Anomaly, error) {
	ids := append([]uint64(nil), state.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]*dealRow, 0, len(ids))
	anomalies := make([]Anomaly, 0)
	for _, id := range ids {
		tl := state.timelines[id]
		record, err := client.Deal(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch deal %d: %w", id, err)
		}
		row := &dealRow{
			DealID:       id,
			Appealed:     tl.appealed,
			EventStatus:  tl.eventStatus,
			RegisteredAt: tl.registeredAt,
			SettledAt:    tl.settledAt,
		}
		if record == nil {
			row.Missing = true
			row.Buyer = hexDisplay(tl.buyerHex)
			row.Seller = hexDisplay(tl.sellerHex)
			row.Arbitrator = hexDisplay(tl.arbitratorHex)
			row.Amount = tl.eventAmount
			rows = append(rows, row)
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyMissingRecord,
				DealID:  id,
				Details: "journaled deal is absent from the registry",
			})
			continue
		}
		row.Buyer = record.Buyer
		row.Seller = record.Seller
		row.Arbitrator = record.Arbitrator
		row.Amount = record.amount
		row.ArbitratorCommission = record.commission
		row.AddedProtocolFee = record.addedFee
		row.Status = record.Status
		row.Award = record.award
		row.SellerSequence = record.SellerSequence
		rows = append(rows, row)

		if tl.eventStatus != "" && record.Status != tl.eventStatus {
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyStatusMismatch,
				DealID:  id,
				Details: fmt.Sprintf("journal ends at %q, registry holds %q", tl.eventStatus, record.Status),
			})
		}
		expectedFee := addedFee(record.amount, params.CommissionBps)
		if record.addedFee == nil || record.addedFee.Cmp(expectedFee) != 0 {
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyFeeMismatch,
				DealID:  id,
				Details: fmt.Sprintf("recorded fee %s, %d bps of %s is %s", bigString(record.addedFee), params.CommissionBps, bigString(record.amount), expectedFee.String()),
			})
		} else if tl.eventFee != nil && tl.eventFee.Cmp(expectedFee) != 0 {
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyFeeMismatch,
				DealID:  id,
				Details: fmt.Sprintf("registration event carried fee %s, registry holds %s", tl.eventFee.String(), expectedFee.String()),
			})
		}
		if record.Status == "closed_with_arbitrator" {
			if tl.eventAward != nil && (record.award == nil || record.award.Cmp(tl.eventAward) != 0) {
				anomalies = append(anomalies, Anomaly{
					Type:    AnomalyAwardMismatch,
					DealID:  id,
					Details: fmt.Sprintf("closing event awarded %s, registry holds %s", tl.eventAward.String(), bigString(record.award)),
				})
			}
		}
	}
	return rows, anomalies, nil
}

type balanceRow struct {
	Account  string
	Credited *big.Int
	Withdraw *big.Int
	Expected *big.Int
	Reported *big.Int
	Mismatch string
}

// verifyBalances recomputes every account's claimable balance from the deal
// rows and compares it with what the custody ledger reports. The protocol cut
// accrues to whoever operated the registry when the deal was registered.
func verifyBalances(ctx context.Context, client *auditClient, state *replayState, rows []*dealRow, params *paramsRecord) ([]balanceRow, error) {
	credited := make(map[string]*big.Int)
	credit := func(account string, amount *big.Int) {
		if account == "" || amount == nil {
			return
		}
		total, ok := credited[account]
		if !ok {
			total = new(big.Int)
			credited[account] = total
		}
		total.Add(total, amount)
	}

	operatorNow, err := addressToHex(params.Operator)
	if err != nil {
		return nil, fmt.Errorf("decode operator: %w", err)
	}
	initialOperator := operatorNow
	if len(state.transfers) > 0 {
		initialOperator = state.transfers[0].prev
	}
	baseFee := params.baseFee

	for _, row := range rows {
		if row.Missing {
			continue
		}
		tl := state.timelines[row.DealID]

		cut := new(big.Int).Set(baseFee)
		if row.AddedProtocolFee != nil {
			cut.Add(cut, row.AddedProtocolFee)
		}
		credit(operatorAt(tl.registeredSeq, initialOperator, state.transfers), cut)

		buyer, err := addressToHex(row.Buyer)
		if err != nil {
			return nil, fmt.Errorf("decode buyer of deal %d: %w", row.DealID, err)
		}
		seller, err := addressToHex(row.Seller)
		if err != nil {
			return nil, fmt.Errorf("decode seller of deal %d: %w", row.DealID, err)
		}
		arbitrator, err := addressToHex(row.Arbitrator)
		if err != nil {
			return nil, fmt.Errorf("decode arbitrator of deal %d: %w", row.DealID, err)
		}

		amount := row.Amount
		commission := row.ArbitratorCommission
		switch row.Status {
		case "refunded":
			if row.Appealed {
				credit(arbitrator, commission)
				credit(buyer, amount)
			} else {
				credit(buyer, amount)
				credit(buyer, commission)
			}
		case "closed_without_issue":
			if row.Appealed {
				credit(arbitrator, commission)
			} else {
				credit(buyer, commission)
			}
			credit(seller, amount)
		case "closed_with_arbitrator":
			credit(seller, row.Award)
			credit(arbitrator, commission)
			if amount != nil && row.Award != nil {
				credit(buyer, new(big.Int).Sub(amount, row.Award))
			}
		}
	}

	accounts := make([]string, 0, len(credited)+len(state.withdrawn))
	seen := make(map[string]bool, len(credited))
	for account := range credited {
		accounts = append(accounts, account)
		seen[account] = true
	}
	for account := range state.withdrawn {
		if !seen[account] {
			accounts = append(accounts, account)
		}
	}
	sort.Strings(accounts)

	balances := make([]balanceRow, 0, len(accounts))
	for _, account := range accounts {
		bech, err := hexToAddress(account)
		if err != nil {
			return nil, fmt.Errorf("encode account %s: %w", account, err)
		}
		creditTotal := credited[account]
		if creditTotal == nil {
			creditTotal = new(big.Int)
		}
		withdrawTotal := state.withdrawn[account]
		if withdrawTotal == nil {
			withdrawTotal = new(big.Int)
		}
		expected := new(big.Int).Sub(creditTotal, withdrawTotal)
		reported, err := client.Balance(ctx, bech)
		if err != nil {
			return nil, fmt.Errorf("fetch balance of %s: %w", bech, err)
		}
		row := balanceRow{
			Account:  bech,
			Credited: creditTotal,
			Withdraw: withdrawTotal,
			Expected: expected,
			Reported: reported,
		}
		if reported.Cmp(expected) != 0 {
			row.Mismatch = fmt.Sprintf("expected %s (credited %s, withdrawn %s), ledger reports %s", expected.String(), creditTotal.String(), withdrawTotal.String(), reported.String())
		}
		balances = append(balances, row)
	}
	return balances, nil
}

func operatorAt(seq uint64, initial string, transfers []ownershipChange) string {
	current := initial
	for _, transfer := range transfers {
		if transfer.seq >= seq {
			break
		}
		current = transfer.next
	}
	return current
}

func addedFee(amount *big.Int, bps uint32) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Quo(fee, big.NewInt(feeDenominator))
}

func hasAnomaly(anomalies []Anomaly, kind string) bool {
	for _, anomaly := range anomalies {
		if anomaly.Type == kind {
			return true
		}
	}
	return false
}

func writeDealsCSV(path string, rows []*dealRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"deal_id", "buyer", "seller", "arbitrator", "amount", "arbitrator_commission", "added_protocol_fee",
		"status", "event_status", "award", "seller_sequence", "appealed", "registered_at", "settled_at", "missing_record",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.DealID, 10),
			row.Buyer,
			row.Seller,
			row.Arbitrator,
			bigString(row.Amount),
			bigString(row.ArbitratorCommission),
			bigString(row.AddedProtocolFee),
			row.Status,
			row.EventStatus,
			bigString(row.Award),
			strconv.FormatUint(row.SellerSequence, 10),
			boolString(row.Appealed),
			formatUnix(row.RegisteredAt),
			formatUnix(row.SettledAt),
			boolString(row.Missing),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

type parquetDealRow struct {
	DealID               int64  `parquet:"name=deal_id, type=INT64"`
	Buyer                string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller               string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Arbitrator           string `parquet:"name=arbitrator, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount               string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	ArbitratorCommission string `parquet:"name=arbitrator_commission, type=BYTE_ARRAY, convertedtype=UTF8"`
	AddedProtocolFee     string `parquet:"name=added_protocol_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status               string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventStatus          string `parquet:"name=event_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Award                string `parquet:"name=award, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellerSequence       int64  `parquet:"name=seller_sequence, type=INT64"`
	Appealed             bool   `parquet:"name=appealed, type=BOOLEAN"`
	RegisteredAt         string `parquet:"name=registered_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt            string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	MissingRecord        bool   `parquet:"name=missing_record, type=BOOLEAN"`
}

func writeDealsParquet(path string, rows []*dealRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetDealRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetDealRow{
			DealID:               int64(row.DealID),
			Buyer:                row.Buyer,
			Seller:               row.Seller,
			Arbitrator:           row.Arbitrator,
			Amount:               bigString(row.Amount),
			ArbitratorCommission: bigString(row.ArbitratorCommission),
			AddedProtocolFee:     bigString(row.AddedProtocolFee),
			Status:               row.Status,
			EventStatus:          row.EventStatus,
			Award:                bigString(row.Award),
			SellerSequence:       int64(row.SellerSequence),
			Appealed:             row.Appealed,
			RegisteredAt:         formatUnix(row.RegisteredAt),
			SettledAt:            formatUnix(row.SettledAt),
			MissingRecord:        row.Missing,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}

func writeBalancesCSV(path string, rows []balanceRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"account", "credited", "withdrawn", "expected", "reported", "mismatch"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Account,
			row.Credited.String(),
			row.Withdraw.String(),
			row.Expected.String(),
			row.Reported.String(),
			row.Mismatch,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func hexDisplay(raw string) string {
	if raw == "" {
		return ""
	}
	return "0x" + raw
}

func addressToHex(addr string) (string, error) {
	decoded, err := crypto.ParseAddress(strings.TrimSpace(addr))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(decoded[:]), nil
}

func hexToAddress(raw string) (string, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if len(decoded) != 20 {
		return "", fmt.Errorf("account %q is not 20 bytes", raw)
	}
	var account [20]byte
	copy(account[:], decoded)
	return crypto.EncodeAddress(account), nil
}

func parseUintAttr(attrs map[string]string, key string) (uint64, bool) {
	value, err := strconv.ParseUint(strings.TrimSpace(attrs[key]), 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func parseBigAttr(attrs map[string]string, key string) *big.Int {
	raw := strings.TrimSpace(attrs[key])
	if raw == "" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return value
}

// auditClient is a thin JSON-RPC client for the read-only node surface the
// audit consumes.
type auditClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func newAuditClient(baseURL string) *auditClient {
	return &auditClient{
		baseURL:   baseURL,
		authToken: os.Getenv("ESCROWD_RPC_TOKEN"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *auditClient) Events(ctx context.Context, after uint64, limit int) ([]*journal.Entry, error) {
	params := map[string]interface{}{"after": after}
	if limit > 0 {
		params["limit"] = limit
	}
	var result struct {
		Entries []*journal.Entry `json:"entries"`
	}
	if err := c.call(ctx, "events_list", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// dealRecord mirrors the JSON returned by the node for escrow_get.
type dealRecord struct {
	DealID               uint64  `json:"dealId"`
	Buyer                string  `json:"buyer"`
	Seller               string  `json:"seller"`
	Arbitrator           string  `json:"arbitrator"`
	Amount               string  `json:"amount"`
	ArbitratorCommission string  `json:"arbitratorCommission"`
	AddedProtocolFee     string  `json:"addedProtocolFee"`
	SellerSequence       uint64  `json:"sellerSequence"`
	CreatedAt            int64   `json:"createdAt"`
	Status               string  `json:"status"`
	AwardRaw             *string `json:"award"`

	amount     *big.Int
	commission *big.Int
	addedFee   *big.Int
	award      *big.Int
}

func (c *auditClient) Deal(ctx context.Context, id uint64) (*dealRecord, error) {
	var record dealRecord
	err := c.call(ctx, "escrow_get", []interface{}{map[string]uint64{"dealId": id}}, &record)
	if err != nil {
		var rpcErr *rpcCallError
		if errors.As(err, &rpcErr) && rpcErr.StatusNotFound() {
			return nil, nil
		}
		return nil, err
	}
	record.amount = parseBigField(record.Amount)
	record.commission = parseBigField(record.ArbitratorCommission)
	record.addedFee = parseBigField(record.AddedProtocolFee)
	if record.AwardRaw != nil {
		record.award = parseBigField(*record.AwardRaw)
	}
	return &record, nil
}

type paramsRecord struct {
	Operator      string `json:"operator"`
	BaseFee       string `json:"baseFee"`
	CommissionBps uint32 `json:"commissionBps"`

	baseFee *big.Int
}

func (c *auditClient) Params(ctx context.Context) (*paramsRecord, error) {
	var record paramsRecord
	if err := c.call(ctx, "escrow_params", []interface{}{}, &record); err != nil {
		return nil, err
	}
	record.baseFee = parseBigField(record.BaseFee)
	return &record, nil
}

func (c *auditClient) Balance(ctx context.Context, account string) (*big.Int, error) {
	var result struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, "custody_balance", []interface{}{map[string]string{"account": account}}, &result); err != nil {
		return nil, err
	}
	return parseBigField(result.Balance), nil
}

func parseBigField(raw string) *big.Int {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return new(big.Int)
	}
	return value
}

// rpcCallError surfaces the structured error object the node returned.
type rpcCallError struct {
	Method  string
	Code    int
	Message string
}

func (e *rpcCallError) Error() string {
	return fmt.Sprintf("node rpc %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

func (e *rpcCallError) StatusNotFound() bool {
	return e.Code == -32022
}

func (c *auditClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("node rpc %s failed: %w", method, err)
	}
	// Errors arrive as JSON-RPC envelopes with non-200 statuses, so decode
	// before judging the status code.
	var rpcResp struct {
		Result json.RawMessage  `json:"result"`
		Error  *jsonRPCErrorObj `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		return &rpcCallError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("node rpc %s returned empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}
