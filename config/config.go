// Package config builds the bot configuration once at startup from built-in defaults,
// an optional YAML file, .env files and the process environment, in increasing priority.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/boringbot/internal/domain"
)

// DefaultEnvFiles .env files read when Load is not given any.
var DefaultEnvFiles = []string{".env", "config/.env"}

type Config struct {
	Bybit     BybitConfig
	Strategy  StrategyConfig
	Notify    NotifyConfig
	SMTP      SMTPConfig
	Paths     PathsConfig
	Dashboard DashboardConfig

	// Location human-facing time zone (notifications, status). Ledger times stay UTC.
	Location *time.Location
	// Schedule cron expression of the daemon's tick schedule.
	Schedule string
}

type BybitConfig struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	RecvWindow  int
	AccountType string
}

type StrategyConfig struct {
	// Trade pair bought and sold by the DCA cycle, e.g. ETH/USDT.
	Trade domain.Pair
	// ProfitConvert pair bought with realized profit, e.g. USDC/USDT.
	ProfitConvert domain.Pair
	AmountUSDT    decimal.Decimal
	IntervalDays  int
	SellMarkupPct decimal.Decimal
}

// ProfitAsset asset realized profit ends up in.
func (s StrategyConfig) ProfitAsset() string {
	return s.ProfitConvert.From
}

type NotifyConfig struct {
	Enabled         bool
	EmailTo         string
	EmailFrom       string
	CooldownMinutes int
	LeadHours       int
}

type SMTPConfig struct {
	Host       string
	Port       int
	User       string
	Pass       string
	Encryption string
}

type PathsConfig struct {
	DB   string
	Log  string
	Lock string
	WAL  string
}

type DashboardConfig struct {
	Addr       string
	User       string
	Pass       string
	TLSDomains []string
	CertDir    string
}

// Default configuration before any file or environment is applied.
func Default() Config {
	return Config{
		Bybit: BybitConfig{
			BaseURL:     "https://api.bybit.com",
			RecvWindow:  5000,
			AccountType: "SPOT",
		},
		Strategy: StrategyConfig{
			Trade:         domain.Pair{From: "ETH", To: "USDT"},
			ProfitConvert: domain.Pair{From: "USDC", To: "USDT"},
			AmountUSDT:    decimal.NewFromInt(100),
			IntervalDays:  7,
			SellMarkupPct: decimal.NewFromInt(5),
		},
		Notify: NotifyConfig{
			CooldownMinutes: 720,
			LeadHours:       24,
		},
		SMTP: SMTPConfig{
			Port:       587,
			Encryption: "starttls",
		},
		Paths: PathsConfig{
			DB:   "db/boringbot.sqlite",
			Lock: "storage/boringbot.lock",
			WAL:  "storage/wal",
		},
		Dashboard: DashboardConfig{
			Addr:    ":8080",
			User:    "admin",
			CertDir: "storage/certs",
		},
		Location: time.UTC,
		Schedule: "*/5 * * * *",
	}
}

// fileConfig YAML layout. Numbers are read as strings and parsed into decimals.
type fileConfig struct {
	Bybit struct {
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		APISecret   string `yaml:"api_secret"`
		RecvWindow  string `yaml:"recv_window"`
		AccountType string `yaml:"account_type"`
	} `yaml:"bybit"`
	Symbols struct {
		Trade         string `yaml:"trade"`
		ProfitConvert string `yaml:"profit_convert"`
	} `yaml:"symbols"`
	Strategy struct {
		DcaAmountUSDT   string `yaml:"dca_amount_usdt"`
		DcaIntervalDays string `yaml:"dca_interval_days"`
		SellMarkupPct   string `yaml:"sell_markup_pct"`
	} `yaml:"strategy"`
	Notify struct {
		Enabled         string `yaml:"enabled"`
		EmailTo         string `yaml:"email_to"`
		EmailFrom       string `yaml:"email_from"`
		CooldownMinutes string `yaml:"cooldown_minutes"`
		LeadHours       string `yaml:"lead_hours"`
		SMTP            struct {
			Host       string `yaml:"host"`
			Port       string `yaml:"port"`
			User       string `yaml:"user"`
			Pass       string `yaml:"pass"`
			Encryption string `yaml:"encryption"`
		} `yaml:"smtp"`
	} `yaml:"notify"`
	DBPath   string `yaml:"db_path"`
	LogPath  string `yaml:"log_path"`
	LockPath string `yaml:"lock_path"`
	WALDir   string `yaml:"wal_dir"`
	Timezone string `yaml:"timezone"`
	Schedule string `yaml:"schedule"`

	Dashboard struct {
		Addr       string   `yaml:"addr"`
		User       string   `yaml:"user"`
		Pass       string   `yaml:"pass"`
		TLSDomains []string `yaml:"tls_domains"`
		CertDir    string   `yaml:"cert_dir"`
	} `yaml:"dashboard"`
}

// source flat key/value view of one configuration layer.
type source func(key string) string

// Load builds the configuration. path is an optional YAML file; envFiles default to
// DefaultEnvFiles. Values from .env files never override the real environment.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
		if err := cfg.apply(fc.lookup); err != nil {
			return Config{}, errors.Wrapf(err, "config %s", path)
		}
		if len(fc.Dashboard.TLSDomains) > 0 {
			cfg.Dashboard.TLSDomains = fc.Dashboard.TLSDomains
		}
	}

	if envFiles == nil {
		envFiles = DefaultEnvFiles
	}
	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return Config{}, err
	}
	env := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}
	if err := cfg.apply(env); err != nil {
		return Config{}, errors.Wrap(err, "environment")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readEnvFiles(paths []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		values, err := godotenv.Read(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read env file %s", p)
		}
		// first file wins, like the real environment over both
		for k, v := range values {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

func (fc fileConfig) lookup(key string) string {
	switch key {
	case "BYBIT_BASE_URL":
		return fc.Bybit.BaseURL
	case "BYBIT_API_KEY":
		return fc.Bybit.APIKey
	case "BYBIT_API_SECRET":
		return fc.Bybit.APISecret
	case "BYBIT_RECV_WINDOW":
		return fc.Bybit.RecvWindow
	case "BYBIT_ACCOUNT_TYPE":
		return fc.Bybit.AccountType
	case "SYMBOL_TRADE":
		return fc.Symbols.Trade
	case "SYMBOL_PROFIT_CONVERT":
		return fc.Symbols.ProfitConvert
	case "DCA_AMOUNT_USDT":
		return fc.Strategy.DcaAmountUSDT
	case "DCA_INTERVAL_DAYS":
		return fc.Strategy.DcaIntervalDays
	case "SELL_MARKUP_PCT":
		return fc.Strategy.SellMarkupPct
	case "NOTIFY_ENABLED":
		return fc.Notify.Enabled
	case "NOTIFY_EMAIL_TO":
		return fc.Notify.EmailTo
	case "NOTIFY_EMAIL_FROM":
		return fc.Notify.EmailFrom
	case "NOTIFY_COOLDOWN_MINUTES":
		return fc.Notify.CooldownMinutes
	case "NOTIFY_LEAD_HOURS":
		return fc.Notify.LeadHours
	case "SMTP_HOST":
		return fc.Notify.SMTP.Host
	case "SMTP_PORT":
		return fc.Notify.SMTP.Port
	case "SMTP_USER":
		return fc.Notify.SMTP.User
	case "SMTP_PASS":
		return fc.Notify.SMTP.Pass
	case "SMTP_ENCRYPTION":
		return fc.Notify.SMTP.Encryption
	case "BORINGBOT_DB_PATH":
		return fc.DBPath
	case "BORINGBOT_LOG_PATH":
		return fc.LogPath
	case "BORINGBOT_LOCK_PATH":
		return fc.LockPath
	case "BORINGBOT_WAL_DIR":
		return fc.WALDir
	case "BORINGBOT_TIMEZONE":
		return fc.Timezone
	case "BORINGBOT_SCHEDULE":
		return fc.Schedule
	case "BORINGBOT_HTTP_ADDR":
		return fc.Dashboard.Addr
	case "BORINGBOT_CERT_DIR":
		return fc.Dashboard.CertDir
	case "DASHBOARD_USER":
		return fc.Dashboard.User
	case "DASHBOARD_PASS":
		return fc.Dashboard.Pass
	}
	return ""
}

// apply overrides every field whose key is set (non-empty) in src.
func (c *Config) apply(src source) error {
	str := func(dst *string, key string) {
		if v := strings.TrimSpace(src(key)); v != "" {
			*dst = v
		}
	}

	str(&c.Bybit.BaseURL, "BYBIT_BASE_URL")
	str(&c.Bybit.APIKey, "BYBIT_API_KEY")
	str(&c.Bybit.APISecret, "BYBIT_API_SECRET")
	str(&c.Bybit.AccountType, "BYBIT_ACCOUNT_TYPE")
	str(&c.Notify.EmailTo, "NOTIFY_EMAIL_TO")
	str(&c.Notify.EmailFrom, "NOTIFY_EMAIL_FROM")
	str(&c.SMTP.Host, "SMTP_HOST")
	str(&c.SMTP.User, "SMTP_USER")
	str(&c.SMTP.Pass, "SMTP_PASS")
	str(&c.SMTP.Encryption, "SMTP_ENCRYPTION")
	str(&c.Paths.DB, "BORINGBOT_DB_PATH")
	str(&c.Paths.Log, "BORINGBOT_LOG_PATH")
	str(&c.Paths.Lock, "BORINGBOT_LOCK_PATH")
	str(&c.Paths.WAL, "BORINGBOT_WAL_DIR")
	str(&c.Schedule, "BORINGBOT_SCHEDULE")
	str(&c.Dashboard.Addr, "BORINGBOT_HTTP_ADDR")
	str(&c.Dashboard.CertDir, "BORINGBOT_CERT_DIR")
	str(&c.Dashboard.User, "DASHBOARD_USER")
	str(&c.Dashboard.Pass, "DASHBOARD_PASS")

	ints := []struct {
		dst *int
		key string
	}{
		{&c.Bybit.RecvWindow, "BYBIT_RECV_WINDOW"},
		{&c.Strategy.IntervalDays, "DCA_INTERVAL_DAYS"},
		{&c.Notify.CooldownMinutes, "NOTIFY_COOLDOWN_MINUTES"},
		{&c.Notify.LeadHours, "NOTIFY_LEAD_HOURS"},
		{&c.SMTP.Port, "SMTP_PORT"},
	}
	for _, f := range ints {
		v := strings.TrimSpace(src(f.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Errorf("incorrect %s %q (must be an integer)", f.key, v)
		}
		*f.dst = n
	}

	decimals := []struct {
		dst *decimal.Decimal
		key string
	}{
		{&c.Strategy.AmountUSDT, "DCA_AMOUNT_USDT"},
		{&c.Strategy.SellMarkupPct, "SELL_MARKUP_PCT"},
	}
	for _, f := range decimals {
		v := strings.TrimSpace(src(f.key))
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return errors.Errorf("incorrect %s %q (must be a decimal)", f.key, v)
		}
		*f.dst = d
	}

	pairs := []struct {
		dst *domain.Pair
		key string
	}{
		{&c.Strategy.Trade, "SYMBOL_TRADE"},
		{&c.Strategy.ProfitConvert, "SYMBOL_PROFIT_CONVERT"},
	}
	for _, f := range pairs {
		v := strings.TrimSpace(src(f.key))
		if v == "" {
			continue
		}
		p, err := domain.ParsePair(v)
		if err != nil {
			return errors.Wrapf(err, "incorrect %s", f.key)
		}
		*f.dst = p
	}

	if v := strings.TrimSpace(src("NOTIFY_ENABLED")); v != "" {
		c.Notify.Enabled = parseBool(v)
	}

	if v := strings.TrimSpace(src("BORINGBOT_TLS_DOMAINS")); v != "" {
		c.Dashboard.TLSDomains = splitList(v)
	}

	tz := strings.TrimSpace(src("BORINGBOT_TIMEZONE"))
	if tz == "" {
		tz = strings.TrimSpace(src("APP_TIMEZONE"))
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return errors.Wrapf(err, "incorrect BORINGBOT_TIMEZONE %q", tz)
		}
		c.Location = loc
	}

	return nil
}

// Validate checks the values the engine cannot work without. Exchange credentials
// are not required here: status and setup run without them.
func (c Config) Validate() error {
	s := c.Strategy
	if !s.AmountUSDT.IsPositive() {
		return errors.Errorf("DCA_AMOUNT_USDT must be positive, got %s", s.AmountUSDT)
	}
	if s.IntervalDays < 1 {
		return errors.Errorf("DCA_INTERVAL_DAYS must be at least 1, got %d", s.IntervalDays)
	}
	if s.SellMarkupPct.IsNegative() {
		return errors.Errorf("SELL_MARKUP_PCT must not be negative, got %s", s.SellMarkupPct)
	}
	if s.Trade.To != "USDT" {
		return errors.Errorf("SYMBOL_TRADE must be quoted in USDT, got %s", s.Trade.Symbol())
	}
	if s.ProfitConvert.To != s.Trade.To {
		return errors.Errorf("SYMBOL_PROFIT_CONVERT must be quoted in %s, got %s", s.Trade.To, s.ProfitConvert.Symbol())
	}
	if s.ProfitConvert.From == s.Trade.From {
		return errors.Errorf("SYMBOL_PROFIT_CONVERT must differ from SYMBOL_TRADE")
	}
	if c.Bybit.RecvWindow <= 0 {
		return errors.Errorf("BYBIT_RECV_WINDOW must be positive, got %d", c.Bybit.RecvWindow)
	}
	if c.Notify.CooldownMinutes < 0 {
		return errors.Errorf("NOTIFY_COOLDOWN_MINUTES must not be negative, got %d", c.Notify.CooldownMinutes)
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return errors.Errorf("SMTP_PORT out of range: %d", c.SMTP.Port)
	}
	if c.Paths.DB == "" {
		return errors.New("BORINGBOT_DB_PATH must not be empty")
	}
	return nil
}

// NotifyFrom sender address, falling back to the SMTP user.
func (c Config) NotifyFrom() string {
	if c.Notify.EmailFrom != "" {
		return c.Notify.EmailFrom
	}
	return c.SMTP.User
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
