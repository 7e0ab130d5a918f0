package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

type Config struct {
	Mode            Mode
	Symbol          string
	Feed            string
	TradingClass    string
	Exchange        string
	StrikeIncrement decimal.Decimal
	ExpiryHorizon   int
	ChainDays       int
	BarsWindow      int
	FastWindow      int
	SlowWindow      int
	BarSize         time.Duration
	Lookback        time.Duration
	PollInterval    time.Duration
	SettleDelay     time.Duration
	SessionOpen     time.Duration
	SessionClose    time.Duration
	MarketClose     time.Duration
	Location        *time.Location
	Qty             int
	MaxNotional     decimal.Decimal
	Cooldown        time.Duration
	KillSwitch      bool
	ProfitPct       decimal.Decimal
	LossPct         decimal.Decimal
	ParamsPath      string
	DecisionsPath   string
	BaseURL         string
	APIKey          string
	APISecret       string
}

// credentials are read from the environment, after .env has been merged in.
type credentials struct {
	APIKey    string `envconfig:"APCA_API_KEY_ID"`
	APISecret string `envconfig:"APCA_API_SECRET_KEY"`
	BaseURL   string `envconfig:"APCA_API_BASE_URL"`
}

func Load() (Config, error) {
	var cfg Config
	var mode string
	var increment float64
	var maxNotional float64
	var profitPct float64
	var lossPct float64
	var sessionOpen string
	var sessionClose string
	var marketClose string
	var timezone string

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	flag.StringVar(&mode, "mode", string(ModeDryRun), "run mode: dry-run, paper or live")
	flag.StringVar(&cfg.Symbol, "symbol", "TSLA", "underlying symbol")
	flag.StringVar(&cfg.Feed, "feed", "iex", "stock data feed: iex or sip")
	flag.StringVar(&cfg.TradingClass, "trading-class", "", "option trading class (defaults to the symbol)")
	flag.StringVar(&cfg.Exchange, "exchange", "OPRA", "option exchange the chain is listed on")
	flag.Float64Var(&increment, "strike-increment", 5, "strike rounding increment")
	flag.IntVar(&cfg.ExpiryHorizon, "expiry-horizon", 3, "number of nearest expirations to try")
	flag.IntVar(&cfg.ChainDays, "chain-days", 35, "calendar days of expirations to fetch")
	flag.IntVar(&cfg.BarsWindow, "bars-window", 104, "number of bars in rolling window")
	flag.IntVar(&cfg.FastWindow, "fast-ema", 4, "fast EMA window")
	flag.IntVar(&cfg.SlowWindow, "slow-ema", 55, "slow EMA window")
	flag.DurationVar(&cfg.BarSize, "bar-size", 15*time.Minute, "bar interval")
	flag.DurationVar(&cfg.Lookback, "lookback", 7*24*time.Hour, "history fetched every cycle")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", 900*time.Second, "sleep between cycles")
	flag.DurationVar(&cfg.SettleDelay, "settle-delay", 3*time.Minute, "extra wait after the session opens")
	flag.StringVar(&sessionOpen, "session-open", "09:30", "session open, exchange time")
	flag.StringVar(&sessionClose, "session-close", "16:30", "session end, exchange time")
	flag.StringVar(&marketClose, "market-close", "16:00", "regular-hours close; later bars are ignored")
	flag.StringVar(&timezone, "timezone", "America/New_York", "exchange time zone")
	flag.IntVar(&cfg.Qty, "qty", 1, "contracts per bracket")
	flag.Float64Var(&maxNotional, "max-notional", 1000, "max premium notional per entry, 0 disables")
	flag.DurationVar(&cfg.Cooldown, "cooldown", 0, "minimum time between entries")
	flag.BoolVar(&cfg.KillSwitch, "kill-switch", false, "if true, never open positions")
	flag.Float64Var(&profitPct, "take-profit", 0, "take-profit fraction of premium, overrides the params file")
	flag.Float64Var(&lossPct, "stop-loss", 0, "stop-loss fraction of premium, overrides the params file")
	flag.StringVar(&cfg.ParamsPath, "params", "params.yaml", "path to trade parameter file")
	flag.StringVar(&cfg.DecisionsPath, "decisions-path", "decisions.ndjson", "path to decisions log")
	flag.Parse()

	var creds credentials
	if err := envconfig.Process("", &creds); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}

	cfg.Mode = Mode(mode)
	cfg.APIKey = creds.APIKey
	cfg.APISecret = creds.APISecret
	cfg.StrikeIncrement = decimal.NewFromFloat(increment)
	cfg.MaxNotional = decimal.NewFromFloat(maxNotional)
	if cfg.TradingClass == "" {
		cfg.TradingClass = cfg.Symbol
	}

	switch {
	case creds.BaseURL != "":
		cfg.BaseURL = creds.BaseURL
	case cfg.Mode == ModeLive:
		cfg.BaseURL = liveBaseURL
	default:
		cfg.BaseURL = paperBaseURL
	}

	params, err := LoadParams(cfg.ParamsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	cfg.ProfitPct = decimal.NewFromFloat(params.TakeProfitPct)
	cfg.LossPct = decimal.NewFromFloat(params.StopLossPct)
	if profitPct > 0 {
		cfg.ProfitPct = decimal.NewFromFloat(profitPct)
	}
	if lossPct > 0 {
		cfg.LossPct = decimal.NewFromFloat(lossPct)
	}

	if cfg.SessionOpen, err = parseClock(sessionOpen); err != nil {
		return cfg, fmt.Errorf("session-open: %w", err)
	}
	if cfg.SessionClose, err = parseClock(sessionClose); err != nil {
		return cfg, fmt.Errorf("session-close: %w", err)
	}
	if cfg.MarketClose, err = parseClock(marketClose); err != nil {
		return cfg, fmt.Errorf("market-close: %w", err)
	}
	if cfg.Location, err = time.LoadLocation(timezone); err != nil {
		return cfg, fmt.Errorf("timezone: %w", err)
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// parseClock turns "09:30" into an offset from midnight.
func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func validate(cfg Config) error {
	if cfg.Mode != ModeDryRun && cfg.Mode != ModePaper && cfg.Mode != ModeLive {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !cfg.StrikeIncrement.IsPositive() {
		return fmt.Errorf("strike-increment must be > 0")
	}
	if cfg.ExpiryHorizon <= 0 {
		return fmt.Errorf("expiry-horizon must be > 0")
	}
	if cfg.ChainDays <= 0 {
		return fmt.Errorf("chain-days must be > 0")
	}
	if cfg.FastWindow <= 0 {
		return fmt.Errorf("fast-ema must be > 0")
	}
	if cfg.SlowWindow <= cfg.FastWindow {
		return fmt.Errorf("slow-ema must be > fast-ema")
	}
	if cfg.BarsWindow < cfg.SlowWindow {
		return fmt.Errorf("bars-window must be >= slow-ema")
	}
	if cfg.BarSize < time.Minute {
		return fmt.Errorf("bar-size must be at least 1m")
	}
	if cfg.Lookback < cfg.BarSize*time.Duration(cfg.SlowWindow) {
		return fmt.Errorf("lookback must cover slow-ema bars")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if cfg.SettleDelay < 0 {
		return fmt.Errorf("settle-delay must be >= 0")
	}
	if cfg.SessionClose <= cfg.SessionOpen {
		return fmt.Errorf("session-close must be after session-open")
	}
	if cfg.MarketClose <= cfg.SessionOpen {
		return fmt.Errorf("market-close must be after session-open")
	}
	if cfg.Qty <= 0 {
		return fmt.Errorf("qty must be > 0")
	}
	if cfg.MaxNotional.IsNegative() {
		return fmt.Errorf("max-notional must be >= 0")
	}
	if cfg.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if !fraction(cfg.ProfitPct) {
		return fmt.Errorf("take-profit must be inside (0, 1), got %s", cfg.ProfitPct)
	}
	if !fraction(cfg.LossPct) {
		return fmt.Errorf("stop-loss must be inside (0, 1), got %s", cfg.LossPct)
	}
	return nil
}

func fraction(v decimal.Decimal) bool {
	return v.IsPositive() && v.LessThan(decimal.NewFromInt(1))
}
