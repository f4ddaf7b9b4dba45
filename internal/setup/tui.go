package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/safesats/safesats/config"
	"github.com/safesats/safesats/internal/domain"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers raw wizard input.
type answers struct {
	priceSource    string
	pair           string
	assetID        string
	localCurrency  string
	exchangeRate   string
	localPrecision string
	pollInterval   string
	initialBalance string
	autoFill       bool
	storage        string
	walDir         string
	listenAddr     string
}

func defaultAnswers() answers {
	d := config.Default()
	return answers{
		priceSource:    d.PriceSource,
		pair:           d.Pair.String(),
		assetID:        d.AssetID,
		localCurrency:  d.LocalCurrency,
		exchangeRate:   d.ExchangeRate.String(),
		localPrecision: fmt.Sprintf("%d", d.LocalPrecision),
		pollInterval:   d.PollPriceInterval.String(),
		initialBalance: d.InitialBalance.String(),
		autoFill:       d.AutoFillLimitOrders,
		storage:        d.Storage,
		walDir:         d.WALDir,
		listenAddr:     d.ListenAddr,
	}
}

// RunTUI launches the terminal configuration wizard and writes config.GeneratedFile.
func RunTUI() error {
	a := defaultAnswers()
	var confirm bool

	// step 1: market data
	clearScreen()
	fmt.Println(headerStyle.Render("SAFESATS CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Paper trading without the risk.\n"))
	fmt.Println(stepStyle.Render("STEP 1: MARKET DATA"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Price source").
				Options(
					huh.NewOption("CoinGecko (simple/price)", config.PriceSourceCoinGecko),
					huh.NewOption("Binance (24h ticker)", config.PriceSourceBinance),
					huh.NewOption("Bybit (spot ticker)", config.PriceSourceBybit),
				).
				Value(&a.priceSource),
			huh.NewInput().
				Title("Trading Pair").
				Description("Must contain underscore (e.g. BTC_USD)").
				Value(&a.pair).
				Validate(validatePair),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.priceSource == config.PriceSourceCoinGecko {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("CoinGecko asset id").
					Description("e.g. bitcoin").
					Value(&a.assetID).
					Validate(notEmpty("asset id")),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	// step 2: display currency
	clearScreen()
	fmt.Println(headerStyle.Render("SAFESATS CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: DISPLAY CURRENCY"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Local currency").
				Value(&a.localCurrency).
				Validate(notEmpty("local currency")),
			huh.NewInput().
				Title("Exchange rate").
				Description("Local currency units per quote currency unit").
				Value(&a.exchangeRate).
				Validate(validatePositive),
			huh.NewSelect[string]().
				Title("Fiat precision").
				Options(
					huh.NewOption("0 decimals", "0"),
					huh.NewOption("2 decimals", "2"),
				).
				Value(&a.localPrecision),
			huh.NewInput().
				Title("Poll Interval").
				Description("e.g. 30s, 1m").
				Value(&a.pollInterval).
				Validate(validateDuration),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 3: trading
	clearScreen()
	fmt.Println(headerStyle.Render("SAFESATS CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: PORTFOLIO"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Initial balance").
				Description("Virtual fiat every new or reset portfolio starts with").
				Value(&a.initialBalance).
				Validate(validatePositive),
			huh.NewConfirm().
				Title("Fill limit orders automatically when the price crosses?").
				Value(&a.autoFill),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 4: storage and server
	clearScreen()
	fmt.Println(headerStyle.Render("SAFESATS CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: STORAGE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Ledger storage").
				Options(
					huh.NewOption("Embedded write-ahead log", config.StorageWAL),
					huh.NewOption("PostgreSQL (SAFESATS_POSTGRES_DSN)", config.StoragePostgres),
				).
				Value(&a.storage),
			huh.NewInput().
				Title("Listen address").
				Value(&a.listenAddr).
				Validate(notEmpty("listen address")),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	clearScreen()
	fmt.Println(headerStyle.Render("SAFESATS CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Source: %s\nPair: %s\nLocal: %s x %s\nInterval: %s\nBalance: %s\nStorage: %s\n",
		a.priceSource, a.pair, a.localCurrency, a.exchangeRate, a.pollInterval, a.initialBalance, a.storage,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	cfg, err := a.config()
	if err != nil {
		return err
	}
	if err := save(config.GeneratedFile, cfg); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(
		fmt.Sprintf("\n✓ Configuration saved to %s\nStart with --config %s", config.GeneratedFile, config.GeneratedFile)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

// config converts the answers into a configuration on top of the defaults.
func (a answers) config() (config.Config, error) {
	cfg := config.Default()

	pair, err := domain.ParsePair(a.pair)
	if err != nil {
		return config.Config{}, err
	}
	rate, err := decimal.NewFromString(a.exchangeRate)
	if err != nil {
		return config.Config{}, fmt.Errorf("exchange rate: %w", err)
	}
	balance, err := decimal.NewFromString(a.initialBalance)
	if err != nil {
		return config.Config{}, fmt.Errorf("initial balance: %w", err)
	}
	interval, err := time.ParseDuration(a.pollInterval)
	if err != nil {
		return config.Config{}, fmt.Errorf("poll interval: %w", err)
	}

	cfg.PriceSource = a.priceSource
	cfg.Pair = pair
	cfg.AssetID = strings.ToLower(strings.TrimSpace(a.assetID))
	cfg.LocalCurrency = strings.ToUpper(strings.TrimSpace(a.localCurrency))
	cfg.ExchangeRate = rate
	if a.localPrecision == "2" {
		cfg.LocalPrecision = 2
	} else {
		cfg.LocalPrecision = 0
	}
	cfg.PollPriceInterval = interval
	cfg.InitialBalance = balance
	cfg.AutoFillLimitOrders = a.autoFill
	cfg.Storage = a.storage
	if a.walDir != "" {
		cfg.WALDir = a.walDir
	}
	cfg.ListenAddr = a.listenAddr

	return cfg, nil
}

func save(path string, cfg config.Config) error {
	data, err := yaml.Marshal(cfg.Tmp())
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func validatePair(s string) error {
	if s == "" {
		return fmt.Errorf("pair cannot be empty")
	}
	if _, err := domain.ParsePair(s); err != nil {
		return fmt.Errorf("invalid format: must be BASE_QUOTE (e.g. BTC_USD)")
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("must be a duration like 30s")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}
