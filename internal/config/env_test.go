package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	withEnv(t, requiredEnv())
	t.Setenv("GATEWAY_SERVER_ADDRESS", ":3000")
	t.Setenv("GATEWAY_ROUTE_PREFIX", "api/")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, ":3000", cfg.Server.Address)
	assert.Equal(t, "/api", cfg.Server.RoutePrefix)
}

func TestEnvOverrides_Redis(t *testing.T) {
	withEnv(t, requiredEnv())
	t.Setenv("GATEWAY_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("GATEWAY_REDIS_DB", "2")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestEnvOverrides_RateLimit(t *testing.T) {
	withEnv(t, requiredEnv())
	t.Setenv("GATEWAY_PUBLIC_DAILY_LIMIT", "50")
	t.Setenv("GATEWAY_COST_CEILING_MICROS", "1000000")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	assert.EqualValues(t, 50, cfg.RateLimit.PublicDailyLimit)
	assert.EqualValues(t, 1_000_000, cfg.RateLimit.CostCeilingMicros)
}

func TestEnvOverrides_Payment(t *testing.T) {
	withEnv(t, requiredEnv())
	t.Setenv("GATEWAY_CHALLENGE_TTL", "90s")
	t.Setenv("GATEWAY_CHAIN_ID", "1")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, 90*time.Second, cfg.Payment.ChallengeTTL.Duration)
	assert.EqualValues(t, 1, cfg.Payment.ChainID)
}

func TestEnvOverrides_HMACSecretNeverFromYAML(t *testing.T) {
	withEnv(t, requiredEnv())

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "test-secret", cfg.HMAC.Secret)
}

func TestNormalizeRoutePrefix(t *testing.T) {
	assert.Equal(t, "", normalizeRoutePrefix(""))
	assert.Equal(t, "/api", normalizeRoutePrefix("api"))
	assert.Equal(t, "/api", normalizeRoutePrefix("/api/"))
}
