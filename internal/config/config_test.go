package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestDefaultsNeedOnlyAWallet(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")

	cfg.Wallet.PrivateKey = testKey
	assert.NoError(t, cfg.Validate())
}

func TestLedgerModeNeedsNoChain(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "ledger"
	cfg.Ledger.Backend = "memory"
	cfg.Chain.FuturesAddress = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidateAggregates(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Keeper.Liquidator.MaintenanceMargin = "6%"
	cfg.Ledger.Backend = "sqlite"
	cfg.Feed.PollSource = "cache"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"unknown mode", "log_level", "maintenance_margin", "unknown backend", "assets must be set", "redis: addr"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domatrade.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "keeper"

[keeper.liquidator]
interval = "15s"
maintenance_margin = "0.08"

[ledger]
backend = "memory"
`), 0o600))

	t.Setenv("PRIVATE_KEY", "alias-key")
	t.Setenv("DOMATRADE_RPC_URL", "http://localhost:8545")
	t.Setenv("DOMATRADE_PUBLISHER_BASELINE", "2000")
	t.Setenv("DOMATRADE_RECONCILER_ACCOUNTS", " 0xaa , ,0xbb")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, 15*time.Second, cfg.Keeper.Liquidator.Interval.Duration)
	assert.Equal(t, "0.08", cfg.Keeper.Liquidator.MaintenanceMargin)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "alias-key", cfg.Wallet.PrivateKey)
	assert.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	assert.Equal(t, 2000.0, cfg.Keeper.Publisher.Baseline)
	assert.Equal(t, []string{"0xaa", "0xbb"}, cfg.Keeper.Reconciler.Accounts)
	assert.Equal(t, 30*time.Second, cfg.Keeper.Publisher.Interval.Duration)

	t.Setenv("DOMATRADE_WALLET_PRIVATE_KEY", "section-key")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "section-key", cfg.Wallet.PrivateKey)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = testKey
	cfg.Server.APIKey = "secret"
	cfg.Postgres.Password = ""

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Empty(t, red.Postgres.Password)
	assert.Equal(t, testKey, cfg.Wallet.PrivateKey)

	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
