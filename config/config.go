package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"escrowd/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	JournalPath          string `toml:"JournalPath"`
	OperatorKeystorePath string `toml:"OperatorKeystorePath"`
	OperatorAddress      string `toml:"OperatorAddress"`
	BaseFee              string `toml:"BaseFee"`
	CommissionBps        uint32 `toml:"CommissionBps"`
	RPCAuthToken         string `toml:"RPCAuthToken"`
	Payout               Payout `toml:"Payout"`
	Log                  Log    `toml:"Log"`
}

// Option adjusts how Load provisions and opens the operator keystore.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase func() (string, error)
	provision  func() (string, error)
}

// WithKeystorePassphraseSource supplies the passphrase used when the
// operator keystore is created or opened during Load. Without it the
// keystore is handled with an empty passphrase.
func WithKeystorePassphraseSource(fn func() (string, error)) Option {
	return func(o *loadOptions) {
		if fn != nil {
			o.passphrase = fn
			o.provision = fn
		}
	}
}

// WithKeystoreProvisionSource overrides the passphrase used only when Load
// seals a freshly generated keystore, so callers can require confirmation
// on creation while unlocking stays non-interactive.
func WithKeystoreProvisionSource(fn func() (string, error)) Option {
	return func(o *loadOptions) {
		if fn != nil {
			o.provision = fn
		}
	}
}

// Load loads the configuration from the given path.
func Load(path string, opts ...Option) (*Config, error) {
	empty := func() (string, error) { return "", nil }
	options := &loadOptions{passphrase: empty, provision: empty}
	for _, opt := range opts {
		opt(options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "OperatorKey" {
			return nil, fmt.Errorf("config file %s uses deprecated OperatorKey field; move the key into OperatorKeystorePath", path)
		}
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "events.db")
	}
	if strings.TrimSpace(cfg.Payout.Mode) == "" {
		cfg.Payout.Mode = PayoutModeJournal
	}
	if cfg.Payout.Mode == PayoutModeJournal && strings.TrimSpace(cfg.Payout.Path) == "" {
		cfg.Payout.Path = filepath.Join(cfg.DataDir, "payouts.log")
	}
}

func ensureKeystore(configPath string, cfg *Config, options *loadOptions) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		passphrase, passErr := options.provision()
		if passErr != nil {
			return passErr
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	changed := false
	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		changed = true
	}
	if strings.TrimSpace(cfg.OperatorAddress) == "" {
		passphrase, passErr := options.passphrase()
		if passErr != nil {
			return passErr
		}
		key, err := crypto.LoadFromKeystore(keystorePath, passphrase)
		if err != nil {
			return fmt.Errorf("config: OperatorAddress not set and keystore %s could not be opened: %w", keystorePath, err)
		}
		cfg.OperatorAddress = key.PubKey().Address().String()
		changed = true
	}
	if changed {
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file, provisioning
// a fresh operator keystore next to it.
func createDefault(path string, options *loadOptions) (*Config, error) {
	passphrase, err := options.provision()
	if err != nil {
		return nil, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:    ":8080",
		DataDir:       "./escrowd-data",
		BaseFee:       "0",
		CommissionBps: 0,
	}
	cfg.OperatorKeystorePath = keystorePath
	cfg.OperatorAddress = key.PubKey().Address().String()
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
