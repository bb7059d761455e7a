package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Payment        PaymentConfig        `yaml:"payment"`
	HMAC           HMACConfig           `yaml:"hmac"`
	Recovery       RecoveryConfig       `yaml:"recovery"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	Pricing        PricingConfig        `yaml:"pricing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout         Duration `yaml:"read_timeout"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`
	RoutePrefix         string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey  string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
	FreeEndpoints       []string `yaml:"free_endpoints"`        // Paths exempt from payment admission (health, metrics, auth, jwks)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// DatabaseConfig holds the ledger and audit trail's PostgreSQL configuration.
type DatabaseConfig struct {
	PostgresURL  string             `yaml:"postgres_url"`
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// RedisConfig holds connection settings for the atomic KV primitives, rate
// limiter, WAL lock, and circuit breaker broadcast topic.
type RedisConfig struct {
	Addr             string `yaml:"addr"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	CircuitTopic     string `yaml:"circuit_topic"` // pub/sub topic circuit breaker state is broadcast on
	WALLockKeyPrefix string `yaml:"wal_lock_key_prefix"`
}

// RateLimitConfig holds edge and identity-tier rate limiting configuration.
type RateLimitConfig struct {
	// Edge rate limiting (go-chi/httprate, applied before admission runs)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	// Three-tier identity limiter (internal/kvstore.ThreeTierLimiter), applied during admission.
	PublicDailyLimit        int64    `yaml:"public_daily_limit"`        // unauthenticated requests per IP per day
	AuthenticatedDailyLimit  int64   `yaml:"authenticated_daily_limit"` // requests per API key per day
	GlobalDailyRequestLimit  int64   `yaml:"global_daily_request_limit"` // requests per day across every identity (the limiter's global tier); <=0 disables it
	CostCeilingMicros        int64   `yaml:"cost_ceiling_micros"`       // max MicroUSD cost per identity per window
	DailyCapMicros           int64   `yaml:"daily_cap_micros"`          // global MicroUSD cap per day across all identities
	CostWindow               Duration `yaml:"cost_window"`              // window the cost ceiling and daily cap reset over

	// Per-provider/model limiter (internal/ratelimit.ProviderLimiter), applied at dispatch time (spec.md §4.3(c)).
	ProviderRPMLimit int64 `yaml:"provider_rpm_limit"` // requests per minute per provider/model; 0 disables the check
	ProviderTPMLimit int64 `yaml:"provider_tpm_limit"` // tokens per minute per provider/model; 0 disables the check
}

// APIKeyConfig holds API key authentication configuration.
type APIKeyConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"` // cost factor for secret hashing (default: 12)
}

// CircuitBreakerConfig holds the per-provider/model circuit breaker tunables.
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold uint32   `yaml:"failure_threshold"` // consecutive and windowed failures required to trip (failureThreshold)
	FailureWindow    Duration `yaml:"failure_window"`    // sliding window failures are pruned against (failureWindowMs)
	RecoveryDelay    Duration `yaml:"recovery_delay"`    // OPEN -> HALF_OPEN delay (cooldownMs)
}

// PaymentConfig holds the payment admission state machine's tunables.
type PaymentConfig struct {
	ChallengeTTL             Duration `yaml:"challenge_ttl"`              // challengeTtlSeconds
	ReservationTTL           Duration `yaml:"reservation_ttl"`            // reservationTtlSeconds
	MaxPendingReconciliation int      `yaml:"max_pending_reconciliation"` // maxPendingReconciliation
	CreditNoteTTL            Duration `yaml:"credit_note_ttl"`
	CreditNoteCapMicros      int64    `yaml:"credit_note_cap_micros"`
	ChainID                  int64    `yaml:"chain_id"`
	SettlementTokenAddress   string   `yaml:"settlement_token_address"`
	RecipientAddress         string   `yaml:"recipient_address"`
}

// HMACConfig holds the challenge signer's secret material. Secret is used to
// sign; SecretPrevious (if set) is accepted during verification so a rotation
// does not invalidate challenges already issued.
type HMACConfig struct {
	Secret         string `yaml:"-"` // loaded from env only, never written to YAML
	SecretPrevious string `yaml:"-"`
}

// RecoveryConfig holds the boot recovery cascade's tunables.
type RecoveryConfig struct {
	MaxRuntimeMinutes int      `yaml:"max_runtime_minutes"` // maxRuntimeMinutes, overall cascade budget
	SourceTimeout     Duration `yaml:"source_timeout"`      // per-source timeout (local WAL, object store, git, template)
	GitRepoPath       string   `yaml:"git_repo_path"`
	TemplatePath      string   `yaml:"template_path"`
}

// PricingConfig holds the per-model cost table the key path prices a
// request against before reserving against a balance.
type PricingConfig struct {
	DefaultBaseMicros      int64          `yaml:"default_base_micros"`        // flat per-request fee when a model has no entry
	DefaultPerTokenMicros  int64          `yaml:"default_per_token_micros"`   // cost per requested max_tokens when a model has no entry
	Models                 []ModelPricing `yaml:"models"`
}

// ModelPricing is one model's flat base fee plus per-token rate, both in
// MicroUSD.
type ModelPricing struct {
	Model           string `yaml:"model"`
	BaseMicros      int64  `yaml:"base_micros"`
	PerTokenMicros  int64  `yaml:"per_token_micros"`
}

// ReconcileConfig holds the periodic reconciliation job's tunables.
type ReconcileConfig struct {
	Interval        Duration `yaml:"interval"`
	ExcludePatterns []string `yaml:"exclude_patterns"` // reconciliation keys/accounts to skip (excludePatterns)
	MaxFilesPerPr   int      `yaml:"max_files_per_pr"`  // bound on files touched by an auto-generated drift-fix PR (maxFilesPerPr)
	MaxDiffBytes    int      `yaml:"max_diff_bytes"`    // bound on a single divergence report's serialized size (maxDiffBytes)
}
