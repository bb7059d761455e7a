package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "GATEWAY_") {
			continue
		}
		key := strings.SplitN(e, "=", 2)[0]
		os.Unsetenv(key)
	}
}

func requiredEnv() map[string]string {
	return map[string]string{
		"GATEWAY_HMAC_SECRET":              "test-secret",
		"GATEWAY_RECIPIENT_ADDRESS":        "0xabc",
		"GATEWAY_SETTLEMENT_TOKEN_ADDRESS": "0xusdc",
	}
}

func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	clearGatewayEnv(t)
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadConfig_MissingRequiredFields(t *testing.T) {
	clearGatewayEnv(t)
	cfg, err := Load("")
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_Defaults(t *testing.T) {
	withEnv(t, requiredEnv())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.EqualValues(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, int64(8453), cfg.Payment.ChainID)
}

func TestLoadConfig_RequiresHMACSecret(t *testing.T) {
	env := requiredEnv()
	delete(env, "GATEWAY_HMAC_SECRET")
	withEnv(t, env)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hmac secret")
}

func TestLoadConfig_RequiresRecipientAddress(t *testing.T) {
	env := requiredEnv()
	delete(env, "GATEWAY_RECIPIENT_ADDRESS")
	withEnv(t, env)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipient_address")
}

func TestLoadConfig_EnvOverridesCircuitBreaker(t *testing.T) {
	env := requiredEnv()
	env["GATEWAY_CIRCUIT_FAILURE_THRESHOLD"] = "8"
	env["GATEWAY_CIRCUIT_RECOVERY_DELAY"] = "45s"
	withEnv(t, env)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.EqualValues(t, 8, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 45*1e9, float64(cfg.CircuitBreaker.RecoveryDelay.Duration))
}
