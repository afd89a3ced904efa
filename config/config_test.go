package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialboost/fulfillment/domain"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CHECKOUT_API_KEY", "key")
	t.Setenv("PAYMENT_PROVIDER_SECRET", "whsec")
	t.Setenv("DATABASE_URL", "postgres://localhost/fulfillment")
	t.Setenv("FRONTEND_URL", "https://shop.test")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "key", cfg.CheckoutAPIKey)
	assert.Equal(t, "https://shop.test", cfg.FrontendURL)

	assert.True(t, cfg.Fulfillment.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Fulfillment.Interval)
	assert.Equal(t, 25, cfg.Fulfillment.Limit)
	assert.True(t, cfg.ProviderReply.Enabled)
	assert.Equal(t, time.Minute, cfg.ProviderReply.Interval)
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("PAYMENT_PROVIDER_SECRET", "")

	_, err := Load()
	assert.True(t, domain.IsKind(err, domain.KindFatal))
}

func TestLoadWorkerKnobs(t *testing.T) {
	setRequired(t)
	t.Setenv("FULFILLMENT_WORKER_ENABLED", "false")
	t.Setenv("FULFILLMENT_WORKER_INTERVAL_SECONDS", "5")
	t.Setenv("FULFILLMENT_WORKER_LIMIT", "10")
	t.Setenv("PROVIDER_REPLAY_WORKER_INTERVAL_SECONDS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Fulfillment.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Fulfillment.Interval)
	assert.Equal(t, 10, cfg.Fulfillment.Limit)

	// Unparseable knobs fall back to the defaults.
	assert.Equal(t, time.Minute, cfg.ProviderReply.Interval)
}

func TestRedactedOmitsSecrets(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	out := cfg.Redacted()
	assert.NotContains(t, out, "whsec")
	assert.NotContains(t, out, "key")
	assert.Contains(t, out, ":8080")
}
