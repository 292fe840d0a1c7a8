// Package config holds the closed set of runtime options and their
// environment-driven loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds HTTP/WebSocket listener configuration.
type ServerConfig struct {
	HTTPPort string
	// AllowedOrigins is the origin allow-list for WebSocket upgrades.
	// A single "*" entry is honoured only when Development is true.
	AllowedOrigins []string
	Development    bool
	// AuthRequired rejects subscribes without an authenticated identity and
	// makes the Redis-backed session store mandatory.
	AuthRequired      bool
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	// SendQueueSize bounds the per-subscriber outbound queue; a subscriber
	// that overflows it is disconnected.
	SendQueueSize int
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPPort:          "8080",
		AllowedOrigins:    nil,
		Development:       false,
		AuthRequired:      false,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       15 * time.Minute,
		WriteTimeout:      5 * time.Second,
		SendQueueSize:     64,
	}
}

// PipelineConfig holds per-stage timeouts and pipeline feature flags.
type PipelineConfig struct {
	GateTimeout     time.Duration
	IntentTimeout   time.Duration
	CuisineTimeout  time.Duration
	NarratorTimeout time.Duration
	ExecuteTimeout  time.Duration
	JobTimeout      time.Duration
	DefaultRadiusM  int
	NarratorEnabled bool
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		GateTimeout:     6 * time.Second,
		IntentTimeout:   8 * time.Second,
		CuisineTimeout:  6 * time.Second,
		NarratorTimeout: 6 * time.Second,
		ExecuteTimeout:  10 * time.Second,
		JobTimeout:      90 * time.Second,
		DefaultRadiusM:  2000,
		NarratorEnabled: true,
	}
}

// EnrichConfig holds provider-enrichment queue configuration.
type EnrichConfig struct {
	Enabled bool
	// WorkersPerProvider caps concurrency per configured provider.
	WorkersPerProvider int
	JobTimeout         time.Duration
	SearchTimeout      time.Duration
	LockTTL            time.Duration
	FoundTTL           time.Duration
	NotFoundTTL        time.Duration
	// QueueSize bounds the pending job buffer per provider.
	QueueSize int
}

// DefaultEnrichConfig returns the built-in enrichment defaults.
func DefaultEnrichConfig() *EnrichConfig {
	return &EnrichConfig{
		Enabled:            true,
		WorkersPerProvider: 4,
		JobTimeout:         30 * time.Second,
		SearchTimeout:      20 * time.Second,
		LockTTL:            60 * time.Second,
		FoundTTL:           7 * 24 * time.Hour,
		NotFoundTTL:        24 * time.Hour,
		QueueSize:          256,
	}
}

// StoreConfig holds Redis and TTL configuration for the shared stores.
type StoreConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
	// JobTTL bounds how long a job record is retained; the idempotency
	// fingerprint uses the same horizon.
	JobTTL   time.Duration
	CacheTTL time.Duration
}

// DefaultStoreConfig returns the built-in store defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		RedisAddr:  "localhost:6379",
		RedisDB:    0,
		SessionTTL: 7 * 24 * time.Hour,
		JobTTL:     1 * time.Hour,
		CacheTTL:   1 * time.Hour,
	}
}

// LLMConfig holds the LLM gateway configuration.
type LLMConfig struct {
	BaseURL     string
	APIKeyEnv   string // env var name holding the API key
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultLLMConfig returns the built-in LLM defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		BaseURL:     "http://localhost:8091/v1",
		APIKeyEnv:   "LLM_API_KEY",
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		MaxTokens:   1024,
		Timeout:     30 * time.Second,
	}
}

// Config aggregates all component configuration.
type Config struct {
	Server   *ServerConfig
	Pipeline *PipelineConfig
	Enrich   *EnrichConfig
	Store    *StoreConfig
	LLM      *LLMConfig
	// Providers is the list of third-party deep-link providers to enrich
	// results with (e.g. "wolt", "tenbis").
	Providers []string
}

// Load builds the full configuration from defaults overlaid with environment
// variables. Malformed values fall back to the default.
func Load() *Config {
	cfg := &Config{
		Server:    DefaultServerConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Enrich:    DefaultEnrichConfig(),
		Store:     DefaultStoreConfig(),
		LLM:       DefaultLLMConfig(),
		Providers: []string{"wolt"},
	}

	cfg.Server.HTTPPort = getEnv("HTTP_PORT", cfg.Server.HTTPPort)
	cfg.Server.Development = getBool("DEVELOPMENT", cfg.Server.Development)
	cfg.Server.AuthRequired = getBool("AUTH_REQUIRED", cfg.Server.AuthRequired)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(origins)
	}
	cfg.Server.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", cfg.Server.HeartbeatInterval)
	cfg.Server.IdleTimeout = getDuration("IDLE_TIMEOUT", cfg.Server.IdleTimeout)

	cfg.Pipeline.GateTimeout = getDuration("GATE_TIMEOUT", cfg.Pipeline.GateTimeout)
	cfg.Pipeline.IntentTimeout = getDuration("INTENT_TIMEOUT", cfg.Pipeline.IntentTimeout)
	cfg.Pipeline.CuisineTimeout = getDuration("CUISINE_TIMEOUT", cfg.Pipeline.CuisineTimeout)
	cfg.Pipeline.NarratorTimeout = getDuration("NARRATOR_TIMEOUT", cfg.Pipeline.NarratorTimeout)
	cfg.Pipeline.JobTimeout = getDuration("JOB_TIMEOUT", cfg.Pipeline.JobTimeout)
	cfg.Pipeline.NarratorEnabled = getBool("NARRATOR_ENABLED", cfg.Pipeline.NarratorEnabled)

	cfg.Enrich.Enabled = getBool("ENRICHMENT_ENABLED", cfg.Enrich.Enabled)
	cfg.Enrich.JobTimeout = getDuration("ENRICHMENT_JOB_TIMEOUT", cfg.Enrich.JobTimeout)
	cfg.Enrich.SearchTimeout = getDuration("ENRICHMENT_SEARCH_TIMEOUT", cfg.Enrich.SearchTimeout)
	cfg.Enrich.WorkersPerProvider = getInt("ENRICHMENT_WORKERS", cfg.Enrich.WorkersPerProvider)

	cfg.Store.RedisAddr = getEnv("REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.Store.RedisDB = getInt("REDIS_DB", cfg.Store.RedisDB)
	cfg.Store.SessionTTL = getDuration("SESSION_TTL", cfg.Store.SessionTTL)

	cfg.LLM.BaseURL = getEnv("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Timeout = getDuration("LLM_TIMEOUT", cfg.LLM.Timeout)

	if providers := os.Getenv("ENRICHMENT_PROVIDERS"); providers != "" {
		cfg.Providers = splitAndTrim(providers)
	}

	return cfg
}

// Validate checks cross-field constraints that cannot default sanely.
func (c *Config) Validate() error {
	if c.Server.AuthRequired && c.Store.RedisAddr == "" {
		return fmt.Errorf("AUTH_REQUIRED needs a Redis-backed session store (REDIS_ADDR is empty)")
	}
	if !c.Server.Development {
		for _, o := range c.Server.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("wildcard origin is only allowed in development")
			}
		}
	}
	if c.Enrich.LockTTL > 60*time.Second {
		return fmt.Errorf("enrichment lock TTL must be <= 60s, got %v", c.Enrich.LockTTL)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
