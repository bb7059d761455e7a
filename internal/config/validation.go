package config

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.CircuitTopic == "" {
		c.Redis.CircuitTopic = "gateway:circuit-state"
	}
	if c.Redis.WALLockKeyPrefix == "" {
		c.Redis.WALLockKeyPrefix = "gateway:wal:lock"
	}
	if c.APIKey.BcryptCost == 0 {
		c.APIKey.BcryptCost = 12
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.FailureWindow.Duration <= 0 {
		c.CircuitBreaker.FailureWindow = Duration{Duration: time.Minute}
	}
	if c.CircuitBreaker.RecoveryDelay.Duration <= 0 {
		c.CircuitBreaker.RecoveryDelay = Duration{Duration: 30 * time.Second}
	}
	if c.Payment.ChallengeTTL.Duration <= 0 {
		c.Payment.ChallengeTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Payment.ReservationTTL.Duration <= 0 {
		c.Payment.ReservationTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Recovery.MaxRuntimeMinutes <= 0 {
		c.Recovery.MaxRuntimeMinutes = 5
	}
	if c.Recovery.SourceTimeout.Duration <= 0 {
		c.Recovery.SourceTimeout = Duration{Duration: time.Minute}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.HMAC.Secret == "" {
		errs = append(errs, "hmac secret is required (set GATEWAY_HMAC_SECRET)")
	}
	if c.Payment.RecipientAddress == "" {
		errs = append(errs, "payment.recipient_address is required")
	}
	if c.Payment.SettlementTokenAddress == "" {
		errs = append(errs, "payment.settlement_token_address is required")
	}
	if c.Payment.ChainID <= 0 {
		errs = append(errs, "payment.chain_id must be positive")
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		errs = append(errs, "circuit_breaker.failure_threshold must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
