package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/safesats/safesats/internal/domain"
)

const (
	PriceSourceCoinGecko = "coingecko"
	PriceSourceBinance   = "binance"
	PriceSourceBybit     = "bybit"

	StorageWAL      = "wal"
	StoragePostgres = "postgres"

	// GeneratedFile written by the setup wizard.
	GeneratedFile = "config.gen.yaml"

	// JWTSecretEnv holds the HS256 signing secret for bearer tokens.
	JWTSecretEnv = "SAFESATS_JWT_SECRET"
	// PostgresDSNEnv holds the connection string of the postgres store.
	PostgresDSNEnv = "SAFESATS_POSTGRES_DSN"
)

type Config struct {
	PriceSource       string
	CoinGeckoURL      string
	AssetID           string
	Pair              domain.Pair
	LocalCurrency     string
	ExchangeRate      decimal.Decimal
	LocalPrecision    int32
	PollPriceInterval time.Duration
	StaleAfter        time.Duration
	RequestTimeout    time.Duration
	RequestsPerMinute int

	InitialBalance      decimal.Decimal
	AutoFillLimitOrders bool

	Storage     string
	WALDir      string
	PostgresDSN string

	ListenAddr           string
	AllowedOrigins       []string
	TLSDomains           []string
	TLSCacheDir          string
	TransactionsPageSize int
	SessionIdleTimeout   time.Duration

	LogLevel  string
	JWTSecret string
}

// ConfigTmp yaml representation; decimals are kept as strings.
type ConfigTmp struct {
	PriceSource          string        `yaml:"price_source,omitempty"`
	CoinGeckoURL         string        `yaml:"coingecko_url,omitempty"`
	AssetID              string        `yaml:"asset_id,omitempty"`
	Pair                 string        `yaml:"pair,omitempty"`
	LocalCurrency        string        `yaml:"local_currency,omitempty"`
	ExchangeRate         string        `yaml:"exchange_rate,omitempty"`
	LocalPrecision       *int32        `yaml:"local_precision,omitempty"`
	PollPriceInterval    time.Duration `yaml:"poll_price_interval,omitempty"`
	StaleAfter           time.Duration `yaml:"stale_after,omitempty"`
	RequestTimeout       time.Duration `yaml:"request_timeout,omitempty"`
	RequestsPerMinute    int           `yaml:"requests_per_minute,omitempty"`
	InitialBalance       string        `yaml:"initial_balance,omitempty"`
	AutoFillLimitOrders  *bool         `yaml:"auto_fill_limit_orders,omitempty"`
	Storage              string        `yaml:"storage,omitempty"`
	WALDir               string        `yaml:"wal_dir,omitempty"`
	ListenAddr           string        `yaml:"listen_addr,omitempty"`
	AllowedOrigins       []string      `yaml:"allowed_origins,omitempty"`
	TLSDomains           []string      `yaml:"tls_domains,omitempty"`
	TLSCacheDir          string        `yaml:"tls_cache_dir,omitempty"`
	TransactionsPageSize int           `yaml:"transactions_page_size,omitempty"`
	SessionIdleTimeout   time.Duration `yaml:"session_idle_timeout,omitempty"`
	LogLevel             string        `yaml:"log_level,omitempty"`
}

// Flags command line switches.
type Flags struct {
	ConfigPath string
	EnvFile    string
	Setup      bool
	// IssueToken prints a session token for the given user id and exits.
	IssueToken string
}

// ParseFlags parses args (without the program name).
func ParseFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("safesats", flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", "", "path to yaml config")
	fs.StringVar(&f.EnvFile, "env", "", "path to .env file with secrets (default: ./.env when present)")
	fs.BoolVar(&f.Setup, "setup", false, "run the configuration wizard")
	fs.StringVar(&f.IssueToken, "issue-token", "", "print a session token for the given user id and exit")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PriceSource:          PriceSourceCoinGecko,
		CoinGeckoURL:         "https://api.coingecko.com/api/v3/simple/price",
		AssetID:              "bitcoin",
		Pair:                 domain.Pair{From: "BTC", To: "USD"},
		LocalCurrency:        "IDR",
		ExchangeRate:         decimal.NewFromInt(16000),
		LocalPrecision:       0,
		PollPriceInterval:    30 * time.Second,
		RequestTimeout:       10 * time.Second,
		RequestsPerMinute:    30,
		InitialBalance:       domain.DefaultInitialBalance,
		AutoFillLimitOrders:  true,
		Storage:              StorageWAL,
		WALDir:               "./wal/ledger",
		ListenAddr:           ":8080",
		TLSCacheDir:          "cert-cache",
		TransactionsPageSize: 20,
		SessionIdleTimeout:   30 * time.Minute,
		LogLevel:             "info",
	}
}

// Get loads the configuration selected by flags: the yaml file when given,
// built-in defaults otherwise, then secrets from the environment.
func Get(f Flags) (Config, error) {
	loadEnv(f.EnvFile)

	cfg := Default()
	if f.ConfigPath != "" {
		var err error
		cfg, err = getYaml(f.ConfigPath)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.JWTSecret = os.Getenv(JWTSecretEnv)
	cfg.PostgresDSN = os.Getenv(PostgresDSNEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnv(path string) {
	if path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load() // loads .env from current directory
}

func getYaml(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
	}
	return tmp.apply(Default())
}

// apply overrides cfg with every field set in c.
func (c ConfigTmp) apply(cfg Config) (Config, error) {
	if c.PriceSource != "" {
		cfg.PriceSource = strings.ToLower(c.PriceSource)
	}
	if c.CoinGeckoURL != "" {
		cfg.CoinGeckoURL = c.CoinGeckoURL
	}
	if c.AssetID != "" {
		cfg.AssetID = c.AssetID
	}
	if c.Pair != "" {
		pair, err := domain.ParsePair(c.Pair)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'pair' param in yaml config: %s, error: %w", c.Pair, err)
		}
		cfg.Pair = pair
	}
	if c.LocalCurrency != "" {
		cfg.LocalCurrency = strings.ToUpper(c.LocalCurrency)
	}
	if c.ExchangeRate != "" {
		rate, err := decimal.NewFromString(c.ExchangeRate)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'exchange_rate' param in yaml config (must be a decimal), error: %w", err)
		}
		cfg.ExchangeRate = rate
	}
	if c.LocalPrecision != nil {
		cfg.LocalPrecision = *c.LocalPrecision
	}
	if c.PollPriceInterval != 0 {
		cfg.PollPriceInterval = c.PollPriceInterval
	}
	if c.StaleAfter != 0 {
		cfg.StaleAfter = c.StaleAfter
	}
	if c.RequestTimeout != 0 {
		cfg.RequestTimeout = c.RequestTimeout
	}
	if c.RequestsPerMinute != 0 {
		cfg.RequestsPerMinute = c.RequestsPerMinute
	}
	if c.InitialBalance != "" {
		balance, err := decimal.NewFromString(c.InitialBalance)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'initial_balance' param in yaml config (must be a decimal), error: %w", err)
		}
		cfg.InitialBalance = balance
	}
	if c.AutoFillLimitOrders != nil {
		cfg.AutoFillLimitOrders = *c.AutoFillLimitOrders
	}
	if c.Storage != "" {
		cfg.Storage = strings.ToLower(c.Storage)
	}
	if c.WALDir != "" {
		cfg.WALDir = c.WALDir
	}
	if c.ListenAddr != "" {
		cfg.ListenAddr = c.ListenAddr
	}
	if len(c.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.AllowedOrigins
	}
	if len(c.TLSDomains) > 0 {
		cfg.TLSDomains = c.TLSDomains
	}
	if c.TLSCacheDir != "" {
		cfg.TLSCacheDir = c.TLSCacheDir
	}
	if c.TransactionsPageSize != 0 {
		cfg.TransactionsPageSize = c.TransactionsPageSize
	}
	if c.SessionIdleTimeout != 0 {
		cfg.SessionIdleTimeout = c.SessionIdleTimeout
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	return cfg, nil
}

// Validate checks value ranges and that the selected backends have their secrets.
func (c Config) Validate() error {
	switch c.PriceSource {
	case PriceSourceCoinGecko, PriceSourceBinance, PriceSourceBybit:
	default:
		return fmt.Errorf("unknown price_source %q (want coingecko, binance or bybit)", c.PriceSource)
	}
	switch c.Storage {
	case StorageWAL:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("storage 'postgres' requires %s", PostgresDSNEnv)
		}
	default:
		return fmt.Errorf("unknown storage %q (want wal or postgres)", c.Storage)
	}

	if c.PriceSource == PriceSourceCoinGecko && c.AssetID == "" {
		return fmt.Errorf("asset_id is required for the coingecko price source")
	}
	if !c.ExchangeRate.IsPositive() {
		return fmt.Errorf("exchange_rate must be positive, got %s", c.ExchangeRate.String())
	}
	if !c.InitialBalance.IsPositive() {
		return fmt.Errorf("initial_balance must be positive, got %s", c.InitialBalance.String())
	}
	if c.LocalPrecision < 0 || c.LocalPrecision > 8 {
		return fmt.Errorf("local_precision must be between 0 and 8, got %d", c.LocalPrecision)
	}
	if c.PollPriceInterval <= 0 {
		return fmt.Errorf("poll_price_interval must be positive")
	}
	if c.StaleAfter < 0 || c.RequestTimeout < 0 || c.SessionIdleTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.TransactionsPageSize <= 0 {
		return fmt.Errorf("transactions_page_size must be positive")
	}
	return nil
}

// Tmp returns the yaml representation of c. Secrets are never written.
func (c Config) Tmp() ConfigTmp {
	precision := c.LocalPrecision
	autoFill := c.AutoFillLimitOrders
	return ConfigTmp{
		PriceSource:          c.PriceSource,
		CoinGeckoURL:         c.CoinGeckoURL,
		AssetID:              c.AssetID,
		Pair:                 c.Pair.String(),
		LocalCurrency:        c.LocalCurrency,
		ExchangeRate:         c.ExchangeRate.String(),
		LocalPrecision:       &precision,
		PollPriceInterval:    c.PollPriceInterval,
		StaleAfter:           c.StaleAfter,
		RequestTimeout:       c.RequestTimeout,
		RequestsPerMinute:    c.RequestsPerMinute,
		InitialBalance:       c.InitialBalance.String(),
		AutoFillLimitOrders:  &autoFill,
		Storage:              c.Storage,
		WALDir:               c.WALDir,
		ListenAddr:           c.ListenAddr,
		AllowedOrigins:       c.AllowedOrigins,
		TLSDomains:           c.TLSDomains,
		TLSCacheDir:          c.TLSCacheDir,
		TransactionsPageSize: c.TransactionsPageSize,
		SessionIdleTimeout:   c.SessionIdleTimeout,
		LogLevel:             c.LogLevel,
	}
}
