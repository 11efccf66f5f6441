package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not persisted: %v", err)
	}
	if _, err := os.Stat(cfg.OperatorKeystorePath); err != nil {
		t.Fatalf("keystore not provisioned: %v", err)
	}
	if cfg.RPCAddress != ":8080" {
		t.Fatalf("unexpected rpc address: %s", cfg.RPCAddress)
	}
	if cfg.Payout.Mode != PayoutModeJournal {
		t.Fatalf("unexpected payout mode: %s", cfg.Payout.Mode)
	}
	if cfg.JournalPath != filepath.Join(cfg.DataDir, "events.db") {
		t.Fatalf("unexpected journal path: %s", cfg.JournalPath)
	}
	if _, err := crypto.ParseAddress(cfg.OperatorAddress); err != nil {
		t.Fatalf("default operator address invalid: %v", err)
	}

	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.BaseFee.Sign() != 0 || params.CommissionBps != 0 {
		t.Fatalf("default fees should be zero: %+v", params)
	}
}

func TestLoadParsesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "operator.keystore")

	var operatorBytes [20]byte
	operatorBytes[0] = 0x42
	operator := crypto.EncodeAddress(operatorBytes)

	contents := fmt.Sprintf(`RPCAddress = "0.0.0.0:9090"
DataDir = "./deal-data"
OperatorKeystorePath = "%s"
OperatorAddress = "%s"
BaseFee = "10"
CommissionBps = 123
RPCAuthToken = "secret-token"

[Payout]
Mode = "http"
Endpoint = "https://settlement.internal/pay"

[Log]
Env = "staging"
`, keystorePath, operator)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "0.0.0.0:9090" {
		t.Fatalf("unexpected rpc address: %s", cfg.RPCAddress)
	}
	if cfg.JournalPath != filepath.Join("./deal-data", "events.db") {
		t.Fatalf("journal path default not applied: %s", cfg.JournalPath)
	}
	if cfg.Payout.Mode != PayoutModeHTTP || cfg.Payout.Endpoint == "" {
		t.Fatalf("payout section not parsed: %+v", cfg.Payout)
	}
	if cfg.Log.Env != "staging" {
		t.Fatalf("log section not parsed: %+v", cfg.Log)
	}

	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Operator != operatorBytes {
		t.Fatalf("unexpected operator: %x", params.Operator)
	}
	if params.BaseFee.Cmp(big.NewInt(10)) != 0 || params.CommissionBps != 123 {
		t.Fatalf("unexpected fee schedule: %+v", params)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsDeprecatedOperatorKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = ":8080"
OperatorKey = "aabbcc"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "deprecated OperatorKey") {
		t.Fatalf("expected deprecation error, got %v", err)
	}
}

func TestLoadDerivesOperatorAddressFromKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "operator.keystore")

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	contents := fmt.Sprintf("OperatorKeystorePath = %q\n", keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OperatorAddress != key.PubKey().Address().String() {
		t.Fatalf("operator address not derived: %s", cfg.OperatorAddress)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.OperatorAddress != cfg.OperatorAddress {
		t.Fatalf("derived address should persist, got %s", reloaded.OperatorAddress)
	}
}

func TestParamsValidation(t *testing.T) {
	base := func() *Config {
		var operatorBytes [20]byte
		operatorBytes[5] = 0x99
		return &Config{
			OperatorAddress: crypto.EncodeAddress(operatorBytes),
			BaseFee:         "10",
			CommissionBps:   250,
			Payout:          Payout{Mode: PayoutModeJournal, Path: "payouts.log"},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := base()
	cfg.OperatorAddress = "not-an-address"
	if _, err := cfg.Params(); !errors.Is(err, escrow.ErrConfigInvalid) {
		t.Fatalf("expected config invalid for bad address, got %v", err)
	}

	cfg = base()
	cfg.BaseFee = "-5"
	if _, err := cfg.Params(); !errors.Is(err, escrow.ErrConfigInvalid) {
		t.Fatalf("expected config invalid for negative fee, got %v", err)
	}

	cfg = base()
	cfg.BaseFee = "lots"
	if _, err := cfg.Params(); !errors.Is(err, escrow.ErrConfigInvalid) {
		t.Fatalf("expected config invalid for garbage fee, got %v", err)
	}

	cfg = base()
	cfg.CommissionBps = 10_000
	if _, err := cfg.Params(); !errors.Is(err, escrow.ErrConfigInvalid) {
		t.Fatalf("expected config invalid for out-of-range bps, got %v", err)
	}

	cfg = base()
	cfg.Payout = Payout{Mode: "carrier-pigeon"}
	if err := cfg.Validate(); !errors.Is(err, escrow.ErrConfigInvalid) {
		t.Fatalf("expected config invalid for unknown payout mode, got %v", err)
	}

	cfg = base()
	cfg.Payout = Payout{Mode: PayoutModeHTTP}
	if err := cfg.Validate(); !errors.Is(err, escrow.ErrConfigInvalid) {
		t.Fatalf("expected config invalid for missing endpoint, got %v", err)
	}
}

func TestLoadUsesPassphraseSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	calls := 0
	source := func() (string, error) {
		calls++
		return "hunter2", nil
	}

	cfg, err := Load(path, WithKeystorePassphraseSource(source))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if calls == 0 {
		t.Fatalf("passphrase source never consulted")
	}
	if _, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, "hunter2"); err != nil {
		t.Fatalf("keystore not protected by supplied passphrase: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, ""); err == nil {
		t.Fatalf("keystore opened without passphrase")
	}
}

func TestLoadPrefersProvisionSourceForNewKeystores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path,
		WithKeystorePassphraseSource(func() (string, error) { return "unlock-only", nil }),
		WithKeystoreProvisionSource(func() (string, error) { return "fresh-secret", nil }),
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, "fresh-secret"); err != nil {
		t.Fatalf("keystore not sealed with provision passphrase: %v", err)
	}
}

func TestLoadSurfacesPassphraseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	wantErr := errors.New("no passphrase available")
	_, err := Load(path, WithKeystorePassphraseSource(func() (string, error) {
		return "", wantErr
	}))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected passphrase error, got %v", err)
	}
}
