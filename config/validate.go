package config

import (
	"fmt"
	"math/big"
	"strings"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

// Params resolves the configured operator identity and fee schedule into
// the registry configuration record. Malformed values surface as
// escrow.ErrConfigInvalid so callers can distinguish operator mistakes from
// runtime faults.
func (c *Config) Params() (*escrow.Params, error) {
	operator, err := crypto.ParseAddress(strings.TrimSpace(c.OperatorAddress))
	if err != nil {
		return nil, fmt.Errorf("%w: OperatorAddress: %v", escrow.ErrConfigInvalid, err)
	}
	baseFee, err := parseAmount(c.BaseFee)
	if err != nil {
		return nil, fmt.Errorf("%w: BaseFee: %v", escrow.ErrConfigInvalid, err)
	}
	params := &escrow.Params{
		Operator:      operator,
		BaseFee:       baseFee,
		CommissionBps: c.CommissionBps,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	switch c.Payout.Mode {
	case PayoutModeJournal:
		if strings.TrimSpace(c.Payout.Path) == "" {
			return fmt.Errorf("%w: Payout.Path required in journal mode", escrow.ErrConfigInvalid)
		}
	case PayoutModeHTTP:
		if strings.TrimSpace(c.Payout.Endpoint) == "" {
			return fmt.Errorf("%w: Payout.Endpoint required in http mode", escrow.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown payout mode %q", escrow.ErrConfigInvalid, c.Payout.Mode)
	}
	return nil
}

// parseAmount parses a non-negative base-unit amount. An empty string reads
// as zero.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	return amount, nil
}
