package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       ":8080",
			ReadTimeout:   Duration{Duration: 15 * time.Second},
			WriteTimeout:  Duration{Duration: 15 * time.Second},
			IdleTimeout:   Duration{Duration: 60 * time.Second},
			FreeEndpoints: []string{"/auth/nonce", "/auth/verify", "/health", "/metrics", "/.well-known/jwks.json"},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Database: DatabaseConfig{
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Redis: RedisConfig{
			Addr:             "localhost:6379",
			CircuitTopic:     "gateway:circuit-state",
			WALLockKeyPrefix: "gateway:wal:lock",
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: time.Minute},

			PublicDailyLimit:        1000,
			AuthenticatedDailyLimit: 100000,
			GlobalDailyRequestLimit: 5_000_000,
			CostCeilingMicros:       50_000_000,  // $50
			DailyCapMicros:          5_000_000_000, // $5,000
			CostWindow:              Duration{Duration: 24 * time.Hour},

			ProviderRPMLimit: 600,
			ProviderTPMLimit: 1_000_000,
		},
		APIKey: APIKeyConfig{
			BcryptCost: 12,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			FailureWindow:    Duration{Duration: time.Minute},
			RecoveryDelay:    Duration{Duration: 30 * time.Second},
		},
		Payment: PaymentConfig{
			ChallengeTTL:             Duration{Duration: 5 * time.Minute},
			ReservationTTL:           Duration{Duration: 5 * time.Minute},
			MaxPendingReconciliation: 10000,
			CreditNoteTTL:            Duration{Duration: 7 * 24 * time.Hour},
			CreditNoteCapMicros:      1_000_000 * 1_000_000, // 1,000,000 USDC
			ChainID:                  8453,      // base mainnet
		},
		Recovery: RecoveryConfig{
			MaxRuntimeMinutes: 5,
			SourceTimeout:     Duration{Duration: time.Minute},
		},
		Reconcile: ReconcileConfig{
			Interval:      Duration{Duration: 10 * time.Minute},
			MaxFilesPerPr: 50,
			MaxDiffBytes:  1 << 20,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
