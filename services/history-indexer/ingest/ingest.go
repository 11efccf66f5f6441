package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"time"

	"gorm.io/gorm"

	"escrowd/native/escrow"
	"escrowd/services/history-indexer/models"
	"escrowd/services/history-indexer/nodeclient"
)

const checkpointName = "history-indexer.journal"

// NodeClient is the slice of the node RPC surface the ingester consumes.
type NodeClient interface {
	EventsList(ctx context.Context, after uint64, limit int) ([]nodeclient.Event, error)
	EscrowGet(ctx context.Context, dealID uint64) (*nodeclient.Deal, error)
}

// Config represents the ingester configuration.
type Config struct {
	DB       *gorm.DB
	Node     NodeClient
	Interval time.Duration
	Batch    int
	Logger   *log.Logger
}

// Ingester tails the node journal and projects deal registrations,
// status transitions, and settlement payouts into the relational mirror.
type Ingester struct {
	db       *gorm.DB
	node     NodeClient
	interval time.Duration
	batch    int
	logger   *log.Logger
}

// New validates the configuration and constructs an ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("ingest: database handle required")
	}
	if cfg.Node == nil {
		return nil, fmt.Errorf("ingest: node client required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 200
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Ingester{db: cfg.DB, node: cfg.Node, interval: interval, batch: batch, logger: logger}, nil
}

// Run polls the journal until the context is cancelled. Errors are logged
// and retried on the next tick so a node outage never kills the loop.
func (ing *Ingester) Run(ctx context.Context) {
	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()
	if err := ing.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		ing.logger.Printf("ingest: sync: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ing.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				ing.logger.Printf("ingest: sync: %v", err)
			}
		}
	}
}

// Sync drains the journal from the persisted checkpoint to the head. Each
// entry is applied in its own transaction together with the checkpoint
// advance, so a crash never leaves a half-applied event behind.
func (ing *Ingester) Sync(ctx context.Context) error {
	after, err := ing.cursor(ctx)
	if err != nil {
		return err
	}
	for {
		entries, err := ing.node.EventsList(ctx, after, ing.batch)
		if err != nil {
			return fmt.Errorf("list events after %d: %w", after, err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, evt := range entries {
			if evt.Sequence <= after {
				continue
			}
			if err := ing.applyEvent(ctx, evt); err != nil {
				return fmt.Errorf("apply event %d: %w", evt.Sequence, err)
			}
			after = evt.Sequence
		}
		if len(entries) < ing.batch {
			return nil
		}
	}
}

func (ing *Ingester) cursor(ctx context.Context) (uint64, error) {
	var cp models.Checkpoint
	err := ing.db.WithContext(ctx).First(&cp, "name = ?", checkpointName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cp.Sequence, nil
}

func (ing *Ingester) applyEvent(ctx context.Context, evt nodeclient.Event) error {
	occurred := time.Unix(evt.Timestamp, 0).UTC()
	if evt.Timestamp == 0 {
		occurred = time.Now().UTC()
	}
	return ing.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch evt.Type {
		case escrow.EventTypeDealRegistered:
			if err := ing.applyRegistered(ctx, tx, evt, occurred); err != nil {
				return err
			}
		case escrow.EventTypeDealStatusChanged:
			if err := ing.applyStatusChanged(ctx, tx, evt, occurred); err != nil {
				return err
			}
		}
		return advanceCheckpoint(tx, evt.Sequence, occurred)
	})
}

func (ing *Ingester) applyRegistered(ctx context.Context, tx *gorm.DB, evt nodeclient.Event, occurred time.Time) error {
	dealID, err := attrDealID(evt)
	if err != nil {
		return err
	}
	var existing models.DealRow
	err = tx.First(&existing, "deal_id = ?", dealID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	deal, err := ing.node.EscrowGet(ctx, dealID)
	if err != nil {
		return err
	}
	row := models.DealRow{
		DealID:               dealID,
		Buyer:                deal.Buyer,
		Seller:               deal.Seller,
		Arbitrator:           deal.Arbitrator,
		Amount:               deal.Amount,
		ArbitratorCommission: deal.ArbitratorCommission,
		AddedProtocolFee:     deal.AddedProtocolFee,
		TermsHash:            deal.TermsHash,
		SellerSequence:       deal.SellerSequence,
		Status:               models.StatusInProgress,
		RegisteredSeq:        evt.Sequence,
		RegisteredAt:         occurred,
		UpdatedAt:            occurred,
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	transition := models.TransitionRow{
		DealID:     dealID,
		Sequence:   evt.Sequence,
		ToStatus:   models.StatusInProgress,
		OccurredAt: occurred,
	}
	if err := tx.Create(&transition).Error; err != nil {
		return err
	}
	return mutateSellerStats(tx, deal.Seller, occurred, func(stats *models.SellerStatsRow) {
		registerStats(stats, deal.Amount)
	})
}

func (ing *Ingester) applyStatusChanged(ctx context.Context, tx *gorm.DB, evt nodeclient.Event, occurred time.Time) error {
	dealID, err := attrDealID(evt)
	if err != nil {
		return err
	}
	toStatus := evt.Attributes["status"]
	if toStatus == "" {
		return fmt.Errorf("event %d: missing status attribute", evt.Sequence)
	}
	award := evt.Attributes["award"]

	var row models.DealRow
	err = tx.First(&row, "deal_id = ?", dealID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ing.backfillDeal(ctx, tx, evt, dealID, toStatus, award, occurred)
	}
	if err != nil {
		return err
	}
	if row.Status == toStatus {
		return nil
	}
	from := row.Status
	transition := models.TransitionRow{
		DealID:     dealID,
		Sequence:   evt.Sequence,
		FromStatus: from,
		ToStatus:   toStatus,
		Award:      award,
		OccurredAt: occurred,
	}
	if err := tx.Create(&transition).Error; err != nil {
		return err
	}
	updates := map[string]interface{}{"status": toStatus, "updated_at": occurred}
	if award != "" {
		updates["award"] = award
	}
	if err := tx.Model(&models.DealRow{}).Where("deal_id = ?", dealID).Updates(updates).Error; err != nil {
		return err
	}
	legs := settlementLegs(&row, from, toStatus, award, evt.Sequence, occurred)
	for i := range legs {
		if err := tx.Create(&legs[i]).Error; err != nil {
			return err
		}
	}
	return mutateSellerStats(tx, row.Seller, occurred, func(stats *models.SellerStatsRow) {
		transitionStats(stats, toStatus, row.Amount, award)
	})
}

// backfillDeal mirrors a deal first seen through a status change, which
// happens when the journal was truncated before the registration entry.
// The prior status is unknown, so no settlement legs are derived.
func (ing *Ingester) backfillDeal(ctx context.Context, tx *gorm.DB, evt nodeclient.Event, dealID uint64, toStatus, award string, occurred time.Time) error {
	deal, err := ing.node.EscrowGet(ctx, dealID)
	if err != nil {
		return err
	}
	row := models.DealRow{
		DealID:               dealID,
		Buyer:                deal.Buyer,
		Seller:               deal.Seller,
		Arbitrator:           deal.Arbitrator,
		Amount:               deal.Amount,
		ArbitratorCommission: deal.ArbitratorCommission,
		AddedProtocolFee:     deal.AddedProtocolFee,
		TermsHash:            deal.TermsHash,
		SellerSequence:       deal.SellerSequence,
		Status:               toStatus,
		Award:                award,
		RegisteredSeq:        evt.Sequence,
		RegisteredAt:         occurred,
		UpdatedAt:            occurred,
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	transition := models.TransitionRow{
		DealID:     dealID,
		Sequence:   evt.Sequence,
		ToStatus:   toStatus,
		Award:      award,
		OccurredAt: occurred,
	}
	if err := tx.Create(&transition).Error; err != nil {
		return err
	}
	ing.logger.Printf("ingest: deal %d surfaced mid-stream at %s, settlement legs skipped", dealID, toStatus)
	return mutateSellerStats(tx, deal.Seller, occurred, func(stats *models.SellerStatsRow) {
		registerStats(stats, deal.Amount)
		transitionStats(stats, toStatus, deal.Amount, award)
	})
}

// settlementLegs reproduces the custody credits the node performs on a
// terminal transition. The reserved commission follows the arbitrator
// only when the deal had been appealed first.
func settlementLegs(row *models.DealRow, from, to, award string, seq uint64, at time.Time) []models.PayoutRow {
	appealed := from == models.StatusPendingArbitrator
	var legs []models.PayoutRow
	add := func(account, kind, amount string) {
		if account == "" || !positive(amount) {
			return
		}
		legs = append(legs, models.PayoutRow{
			DealID:     row.DealID,
			Sequence:   seq,
			Account:    account,
			Kind:       kind,
			Amount:     amount,
			OccurredAt: at,
		})
	}
	switch to {
	case models.StatusRefunded:
		add(row.Buyer, models.PayoutDealRefund, row.Amount)
		if appealed {
			add(row.Arbitrator, models.PayoutCommission, row.ArbitratorCommission)
		} else {
			add(row.Buyer, models.PayoutCommissionReturn, row.ArbitratorCommission)
		}
	case models.StatusClosedWithoutIssue:
		add(row.Seller, models.PayoutSellerProceeds, row.Amount)
		if appealed {
			add(row.Arbitrator, models.PayoutCommission, row.ArbitratorCommission)
		} else {
			add(row.Buyer, models.PayoutCommissionReturn, row.ArbitratorCommission)
		}
	case models.StatusClosedWithArb:
		add(row.Seller, models.PayoutAward, award)
		add(row.Buyer, models.PayoutAwardRemainder, subBig(row.Amount, award))
		add(row.Arbitrator, models.PayoutCommission, row.ArbitratorCommission)
	}
	return legs
}

func registerStats(stats *models.SellerStatsRow, amount string) {
	stats.DealCount++
	stats.OpenCount++
	stats.VolumeWei = addBig(stats.VolumeWei, amount)
}

func transitionStats(stats *models.SellerStatsRow, to, amount, award string) {
	switch to {
	case models.StatusPendingArbitrator:
		stats.DisputedCount++
	case models.StatusRefunded:
		decOpen(stats)
		stats.RefundedCount++
	case models.StatusClosedWithoutIssue:
		decOpen(stats)
		stats.CompletedCount++
		stats.ProceedsWei = addBig(stats.ProceedsWei, amount)
	case models.StatusClosedWithArb:
		decOpen(stats)
		stats.RuledCount++
		if award != "" {
			stats.ProceedsWei = addBig(stats.ProceedsWei, award)
		}
	}
}

func decOpen(stats *models.SellerStatsRow) {
	if stats.OpenCount > 0 {
		stats.OpenCount--
	}
}

func mutateSellerStats(tx *gorm.DB, seller string, at time.Time, mutate func(*models.SellerStatsRow)) error {
	var stats models.SellerStatsRow
	err := tx.First(&stats, "seller = ?", seller).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		stats = models.SellerStatsRow{Seller: seller, VolumeWei: "0", ProceedsWei: "0"}
		mutate(&stats)
		stats.UpdatedAt = at
		return tx.Create(&stats).Error
	case err != nil:
		return err
	default:
		mutate(&stats)
		stats.UpdatedAt = at
		return tx.Save(&stats).Error
	}
}

func advanceCheckpoint(tx *gorm.DB, seq uint64, at time.Time) error {
	var cp models.Checkpoint
	err := tx.First(&cp, "name = ?", checkpointName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cp = models.Checkpoint{Name: checkpointName, Sequence: seq, UpdatedAt: at}
		return tx.Create(&cp).Error
	}
	if err != nil {
		return err
	}
	cp.Sequence = seq
	cp.UpdatedAt = at
	return tx.Save(&cp).Error
}

func attrDealID(evt nodeclient.Event) (uint64, error) {
	raw := evt.Attributes["dealId"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event %d: invalid dealId %q", evt.Sequence, raw)
	}
	return id, nil
}

func addBig(a, b string) string {
	sum := new(big.Int)
	if x, ok := new(big.Int).SetString(a, 10); ok {
		sum.Add(sum, x)
	}
	if y, ok := new(big.Int).SetString(b, 10); ok {
		sum.Add(sum, y)
	}
	return sum.String()
}

func subBig(a, b string) string {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if !okA || !okB {
		return "0"
	}
	diff := new(big.Int).Sub(x, y)
	if diff.Sign() < 0 {
		return "0"
	}
	return diff.String()
}

func positive(v string) bool {
	n, ok := new(big.Int).SetString(v, 10)
	return ok && n.Sign() > 0
}
