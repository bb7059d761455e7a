package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use GATEWAY_ prefix for namespace isolation; secret material
// (HMAC keys) is env-only and never read from YAML.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "GATEWAY_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "GATEWAY_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "GATEWAY_ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	setIfEnv(&c.Logging.Level, "GATEWAY_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "GATEWAY_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "GATEWAY_ENVIRONMENT")

	setIfEnv(&c.Database.PostgresURL, "GATEWAY_DATABASE_URL")

	setIfEnv(&c.Redis.Addr, "GATEWAY_REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "GATEWAY_REDIS_PASSWORD")
	setIntIfEnv(&c.Redis.DB, "GATEWAY_REDIS_DB")
	setIfEnv(&c.Redis.CircuitTopic, "GATEWAY_REDIS_CIRCUIT_TOPIC")

	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "GATEWAY_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "GATEWAY_RATE_LIMIT_GLOBAL_LIMIT")
	setDurationIfEnv(&c.RateLimit.GlobalWindow, "GATEWAY_RATE_LIMIT_GLOBAL_WINDOW")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "GATEWAY_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "GATEWAY_RATE_LIMIT_PER_IP_LIMIT")
	setDurationIfEnv(&c.RateLimit.PerIPWindow, "GATEWAY_RATE_LIMIT_PER_IP_WINDOW")
	setInt64IfEnv(&c.RateLimit.PublicDailyLimit, "GATEWAY_PUBLIC_DAILY_LIMIT")
	setInt64IfEnv(&c.RateLimit.AuthenticatedDailyLimit, "GATEWAY_AUTHENTICATED_DAILY_LIMIT")
	setInt64IfEnv(&c.RateLimit.GlobalDailyRequestLimit, "GATEWAY_GLOBAL_DAILY_REQUEST_LIMIT")
	setInt64IfEnv(&c.RateLimit.CostCeilingMicros, "GATEWAY_COST_CEILING_MICROS")
	setInt64IfEnv(&c.RateLimit.DailyCapMicros, "GATEWAY_DAILY_CAP_MICROS")
	setDurationIfEnv(&c.RateLimit.CostWindow, "GATEWAY_COST_WINDOW")
	setInt64IfEnv(&c.RateLimit.ProviderRPMLimit, "GATEWAY_PROVIDER_RPM_LIMIT")
	setInt64IfEnv(&c.RateLimit.ProviderTPMLimit, "GATEWAY_PROVIDER_TPM_LIMIT")

	setIntIfEnv(&c.APIKey.BcryptCost, "GATEWAY_API_KEY_BCRYPT_COST")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "GATEWAY_CIRCUIT_BREAKER_ENABLED")
	if v := os.Getenv("GATEWAY_CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.CircuitBreaker.FailureThreshold = uint32(n)
		}
	}
	setDurationIfEnv(&c.CircuitBreaker.FailureWindow, "GATEWAY_CIRCUIT_FAILURE_WINDOW")
	setDurationIfEnv(&c.CircuitBreaker.RecoveryDelay, "GATEWAY_CIRCUIT_RECOVERY_DELAY")

	setDurationIfEnv(&c.Payment.ChallengeTTL, "GATEWAY_CHALLENGE_TTL")
	setDurationIfEnv(&c.Payment.ReservationTTL, "GATEWAY_RESERVATION_TTL")
	setIntIfEnv(&c.Payment.MaxPendingReconciliation, "GATEWAY_MAX_PENDING_RECONCILIATION")
	setDurationIfEnv(&c.Payment.CreditNoteTTL, "GATEWAY_CREDIT_NOTE_TTL")
	setInt64IfEnv(&c.Payment.CreditNoteCapMicros, "GATEWAY_CREDIT_NOTE_CAP_MICROS")
	if v := os.Getenv("GATEWAY_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Payment.ChainID = n
		}
	}
	setIfEnv(&c.Payment.SettlementTokenAddress, "GATEWAY_SETTLEMENT_TOKEN_ADDRESS")
	setIfEnv(&c.Payment.RecipientAddress, "GATEWAY_RECIPIENT_ADDRESS")

	setIfEnv(&c.HMAC.Secret, "GATEWAY_HMAC_SECRET")
	setIfEnv(&c.HMAC.SecretPrevious, "GATEWAY_HMAC_SECRET_PREVIOUS")

	setIntIfEnv(&c.Recovery.MaxRuntimeMinutes, "GATEWAY_RECOVERY_MAX_RUNTIME_MINUTES")
	setDurationIfEnv(&c.Recovery.SourceTimeout, "GATEWAY_RECOVERY_SOURCE_TIMEOUT")
	setIfEnv(&c.Recovery.GitRepoPath, "GATEWAY_RECOVERY_GIT_REPO_PATH")
	setIfEnv(&c.Recovery.TemplatePath, "GATEWAY_RECOVERY_TEMPLATE_PATH")

	setDurationIfEnv(&c.Reconcile.Interval, "GATEWAY_RECONCILE_INTERVAL")
	setIntIfEnv(&c.Reconcile.MaxFilesPerPr, "GATEWAY_RECONCILE_MAX_FILES_PER_PR")
	setIntIfEnv(&c.Reconcile.MaxDiffBytes, "GATEWAY_RECONCILE_MAX_DIFF_BYTES")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
