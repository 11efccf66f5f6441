package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the history indexer.
type Config struct {
	Port         string
	DatabaseDSN  string
	NodeURL      string
	NodeToken    string
	PollInterval time.Duration
	BatchSize    int
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("HISTORY_PORT", "8082")
	dsn := getEnvDefault("HISTORY_DB_DSN", "history-indexer.db")

	nodeURL := strings.TrimSpace(os.Getenv("HISTORY_NODE_URL"))
	if nodeURL == "" {
		return nil, fmt.Errorf("HISTORY_NODE_URL is required")
	}
	nodeToken := strings.TrimSpace(os.Getenv("HISTORY_NODE_TOKEN"))

	pollSeconds := parseIntEnv("HISTORY_POLL_SECONDS", 5)
	if pollSeconds <= 0 {
		return nil, fmt.Errorf("HISTORY_POLL_SECONDS must be positive")
	}
	batch := parseIntEnv("HISTORY_BATCH", 200)
	if batch <= 0 {
		return nil, fmt.Errorf("HISTORY_BATCH must be positive")
	}

	return &Config{
		Port:         normalizePort(port),
		DatabaseDSN:  dsn,
		NodeURL:      nodeURL,
		NodeToken:    nodeToken,
		PollInterval: time.Duration(pollSeconds) * time.Second,
		BatchSize:    batch,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8082"
	}
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
