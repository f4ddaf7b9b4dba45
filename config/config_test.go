package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/safesats/safesats/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{"--config", "c.yaml", "--setup", "--issue-token", "user-1"})
	require.NoError(t, err)
	assert.Equal(t, Flags{ConfigPath: "c.yaml", Setup: true, IssueToken: "user-1"}, f)

	_, err = ParseFlags([]string{"--unknown"})
	assert.Error(t, err)
}

func TestGet_Defaults(t *testing.T) {
	t.Setenv(JWTSecretEnv, "secret")

	cfg, err := Get(Flags{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, err)

	assert.Equal(t, PriceSourceCoinGecko, cfg.PriceSource)
	assert.Equal(t, domain.Pair{From: "BTC", To: "USD"}, cfg.Pair)
	assert.True(t, decimal.NewFromInt(16000).Equal(cfg.ExchangeRate))
	assert.True(t, domain.DefaultInitialBalance.Equal(cfg.InitialBalance))
	assert.Equal(t, 30*time.Second, cfg.PollPriceInterval)
	assert.True(t, cfg.AutoFillLimitOrders)
	assert.Equal(t, StorageWAL, cfg.Storage)
	assert.Equal(t, "secret", cfg.JWTSecret)
}

func TestGet_Yaml(t *testing.T) {
	path := writeFile(t, "config.yaml", `
price_source: Binance
pair: eth_usdt
local_currency: eur
exchange_rate: "0.92"
local_precision: 2
poll_price_interval: 10s
initial_balance: "5000"
auto_fill_limit_orders: false
storage: wal
wal_dir: /tmp/ledger
allowed_origins: [https://app.example.com]
transactions_page_size: 50
session_idle_timeout: 1h
`)

	cfg, err := Get(Flags{ConfigPath: path, EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, err)

	assert.Equal(t, PriceSourceBinance, cfg.PriceSource)
	assert.Equal(t, domain.Pair{From: "ETH", To: "USDT"}, cfg.Pair)
	assert.Equal(t, "EUR", cfg.LocalCurrency)
	assert.True(t, decimal.RequireFromString("0.92").Equal(cfg.ExchangeRate))
	assert.Equal(t, int32(2), cfg.LocalPrecision)
	assert.Equal(t, 10*time.Second, cfg.PollPriceInterval)
	assert.True(t, decimal.NewFromInt(5000).Equal(cfg.InitialBalance))
	assert.False(t, cfg.AutoFillLimitOrders)
	assert.Equal(t, "/tmp/ledger", cfg.WALDir)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 50, cfg.TransactionsPageSize)
	assert.Equal(t, time.Hour, cfg.SessionIdleTimeout)

	// untouched keys keep their defaults
	assert.Equal(t, "bitcoin", cfg.AssetID)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestGet_EnvFile(t *testing.T) {
	envPath := writeFile(t, ".env", PostgresDSNEnv+"=postgres://localhost/safesats\n")
	path := writeFile(t, "config.yaml", "storage: postgres\n")
	t.Cleanup(func() { _ = os.Unsetenv(PostgresDSNEnv) })

	cfg, err := Get(Flags{ConfigPath: path, EnvFile: envPath})
	require.NoError(t, err)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, "postgres://localhost/safesats", cfg.PostgresDSN)
}

func TestGet_YamlErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "Bad pair", content: "pair: BTCUSD\n"},
		{name: "Bad exchange rate", content: "exchange_rate: abc\n"},
		{name: "Bad initial balance", content: "initial_balance: lots\n"},
		{name: "Malformed yaml", content: "pair: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "config.yaml", tt.content)
			_, err := Get(Flags{ConfigPath: path, EnvFile: filepath.Join(t.TempDir(), "missing.env")})
			assert.Error(t, err)
		})
	}

	_, err := Get(Flags{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "Unknown price source", mutate: func(c *Config) { c.PriceSource = "kraken" }},
		{name: "Unknown storage", mutate: func(c *Config) { c.Storage = "s3" }},
		{name: "Postgres without DSN", mutate: func(c *Config) { c.Storage = StoragePostgres }},
		{name: "Missing asset id", mutate: func(c *Config) { c.AssetID = "" }},
		{name: "Zero exchange rate", mutate: func(c *Config) { c.ExchangeRate = decimal.Zero }},
		{name: "Negative initial balance", mutate: func(c *Config) { c.InitialBalance = decimal.NewFromInt(-1) }},
		{name: "Precision out of range", mutate: func(c *Config) { c.LocalPrecision = 9 }},
		{name: "Zero poll interval", mutate: func(c *Config) { c.PollPriceInterval = 0 }},
		{name: "Zero page size", mutate: func(c *Config) { c.TransactionsPageSize = 0 }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTmp_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.PriceSource = PriceSourceBybit
	cfg.LocalPrecision = 2
	cfg.AutoFillLimitOrders = false
	cfg.TLSDomains = []string{"safesats.example.com"}
	cfg.JWTSecret = "never-written"

	data, err := yaml.Marshal(cfg.Tmp())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "never-written")

	var tmp ConfigTmp
	require.NoError(t, yaml.Unmarshal(data, &tmp))
	back, err := tmp.apply(Default())
	require.NoError(t, err)

	cfg.JWTSecret = ""
	assert.Equal(t, cfg.PriceSource, back.PriceSource)
	assert.Equal(t, cfg.LocalPrecision, back.LocalPrecision)
	assert.Equal(t, cfg.AutoFillLimitOrders, back.AutoFillLimitOrders)
	assert.Equal(t, cfg.TLSDomains, back.TLSDomains)
	assert.Equal(t, cfg.PollPriceInterval, back.PollPriceInterval)
	assert.True(t, cfg.ExchangeRate.Equal(back.ExchangeRate))
}
