// Package config loads the deal gateway configuration from YAML with
// environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig points the gateway at the escrowd JSON-RPC endpoint.
type NodeConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type WatcherConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

type WebhookConfig struct {
	QueueCapacity   int           `yaml:"queueCapacity"`
	HistoryCapacity int           `yaml:"historyCapacity"`
	TTL             time.Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	Key               string  `yaml:"key"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type Config struct {
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	Node          NodeConfig          `yaml:"node"`
	Database      DatabaseConfig      `yaml:"database"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Webhooks      WebhookConfig       `yaml:"webhooks"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	CORS          CORSConfig          `yaml:"cors"`
}

type AuthConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HMACSecret        string        `yaml:"hmacSecret"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	ScopeClaim        string        `yaml:"scopeClaim"`
	OptionalPaths     []string      `yaml:"optionalPaths"`
	AllowAnonymous    bool          `yaml:"allowAnonymous"`
	ClockSkew         time.Duration `yaml:"clockSkew"`
	allowAnonymousSet bool          `yaml:"-"`
}

// UnmarshalYAML tracks whether allowAnonymous was written explicitly so an
// accidental anonymous deployment cannot slip through defaults.
func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled        *bool         `yaml:"enabled"`
		HMACSecret     string        `yaml:"hmacSecret"`
		Issuer         string        `yaml:"issuer"`
		Audience       string        `yaml:"audience"`
		ScopeClaim     string        `yaml:"scopeClaim"`
		OptionalPaths  []string      `yaml:"optionalPaths"`
		AllowAnonymous *bool         `yaml:"allowAnonymous"`
		ClockSkew      time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.Enabled = true
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
	}
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.OptionalPaths = raw.OptionalPaths
	if raw.AllowAnonymous != nil {
		a.AllowAnonymous = *raw.AllowAnonymous
		a.allowAnonymousSet = true
	}
	a.ClockSkew = raw.ClockSkew
	return nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8081",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Node: NodeConfig{
			URL:     "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Path: "deal-gateway.db"},
		Watcher: WatcherConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    100,
		},
		Webhooks: WebhookConfig{
			QueueCapacity:   1024,
			HistoryCapacity: 256,
			TTL:             15 * time.Minute,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "deal-gateway",
			Metrics:       true,
			LogRequests:   true,
			MetricsPrefix: "deal_gateway",
		},
		Auth: AuthConfig{
			Enabled:    true,
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
	}
}

// Load reads the configuration file at path, or defaults when path is
// empty, then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyAuthDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("ESCROWD_GATEWAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_GATEWAY_NODE_URL")); v != "" {
		cfg.Node.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_GATEWAY_NODE_TOKEN")); v != "" {
		cfg.Node.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_GATEWAY_DB_PATH")); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_GATEWAY_AUTH_SECRET")); v != "" {
		cfg.Auth.HMACSecret = v
	}
}

func (cfg *Config) applyAuthDefaults() {
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node.url is required")
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if cfg.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.pollInterval must be positive")
	}
	if cfg.Watcher.BatchSize <= 0 {
		return fmt.Errorf("watcher.batchSize must be positive")
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return fmt.Errorf("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		trimmedPath := strings.TrimSpace(path)
		if trimmedPath == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(trimmedPath, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = trimmedPath
	}
	cfg.Auth.OptionalPaths = trimmed
	if cfg.Auth.Enabled && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	for i, rl := range cfg.RateLimits {
		if strings.TrimSpace(rl.Key) == "" {
			return fmt.Errorf("rateLimits[%d].key cannot be empty", i)
		}
	}
	return nil
}

// RateLimitMap converts the configured limits into the middleware's keyed form.
func (cfg Config) RateLimitMap() map[string]RateLimitValues {
	out := make(map[string]RateLimitValues, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		out[rl.Key] = RateLimitValues{
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		}
	}
	return out
}

// RateLimitValues mirrors middleware.RateLimit without importing it here.
type RateLimitValues struct {
	RequestsPerMinute float64
	Burst             int
}
