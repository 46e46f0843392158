package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, "started", cfg.Dispatch.CancelCutoff)
	assert.False(t, cfg.Payments.Enabled())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
dispatch:
  offer_ttl: 20s
  offers_per_round: 5
kafka:
  brokers: ["k1:9092", "k2:9092"]
`), 0o600))
	t.Setenv("DISPATCH_OFFERS_PER_ROUND", "2")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 20*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, 2, cfg.Dispatch.OffersPerRound, "env wins over file")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.SearchWindow, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadCollectsErrors(t *testing.T) {
	t.Setenv("DISPATCH_OFFER_TTL", "soon")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "0")
	t.Setenv("DISPATCH_CANCEL_CUTOFF", "completed")
	t.Setenv("STRIPE_KEY", "sk_test")

	_, err := Load("")
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid DISPATCH_OFFER_TTL")
	assert.Contains(t, msg, "max_attempts")
	assert.Contains(t, msg, "cancel_cutoff")
	assert.Contains(t, msg, "webhook_secret")
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	_, err := Load("server.toml")
	assert.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b "))
}
