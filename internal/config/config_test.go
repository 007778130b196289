package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Breaker.Window)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 2, cfg.Proxy.Retries)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("BREAKER_WINDOW", "3s")
	t.Setenv("HEALTH_CHECK_INTERVAL", "2.5")
	t.Setenv("SIGNING_ENABLED", "true")
	t.Setenv("SIGNING_SECRET", "s3cret")
	t.Setenv("TOKEN_STORE", "Redis")
	t.Setenv("TOKEN_STORE_ADDR", "localhost:6379")
	t.Setenv("CHOREOGRAPHY_UNIT_ERP", "erp-v2")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 3*time.Second, cfg.Breaker.Window)
	assert.Equal(t, 2500*time.Millisecond, cfg.Health.Interval)
	assert.True(t, cfg.Signing.Enabled)
	assert.Equal(t, "redis", cfg.Session.Store)
	assert.Equal(t, "erp-v2", cfg.Choreography.Units.ERP)
}

func TestLoadFallsBackOnGarbage(t *testing.T) {
	t.Setenv("PROXY_RETRIES", "many")
	t.Setenv("TENANT_VALIDATION", "perhaps")

	cfg := Load()
	assert.Equal(t, 2, cfg.Proxy.Retries)
	assert.False(t, cfg.Admission.TenantValidation)
}

func TestValidateJoinsProblems(t *testing.T) {
	cfg := Default()
	cfg.Breaker.FailureRatio = 1.5
	cfg.Signing.Enabled = true
	cfg.Session.Store = "etcd"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure ratio")
	assert.Contains(t, err.Error(), "signing: secret is required")
	assert.Contains(t, err.Error(), `unknown token store "etcd"`)
}

func TestValidateRequiresStoreAddress(t *testing.T) {
	cfg := Default()
	cfg.Session.Store = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "TOKEN_STORE_ADDR")
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Signing.Secret = "hmac-key"
	cfg.Session.AdminSecret = "jwt-key"
	cfg.Session.StoreAddr = "postgres://cp:hunter2@db:5432/cp?sslmode=disable"

	out := cfg.String()
	assert.NotContains(t, out, "hmac-key")
	assert.NotContains(t, out, "jwt-key")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "db:5432")
}
