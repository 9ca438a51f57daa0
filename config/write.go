package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Marshal renders c as a YAML config file. Credentials are left out; see Secrets.
func Marshal(c Config) ([]byte, error) {
	var fc fileConfig
	fc.Bybit.BaseURL = c.Bybit.BaseURL
	fc.Bybit.RecvWindow = strconv.Itoa(c.Bybit.RecvWindow)
	fc.Bybit.AccountType = c.Bybit.AccountType
	fc.Symbols.Trade = c.Strategy.Trade.String()
	fc.Symbols.ProfitConvert = c.Strategy.ProfitConvert.String()
	fc.Strategy.DcaAmountUSDT = c.Strategy.AmountUSDT.String()
	fc.Strategy.DcaIntervalDays = strconv.Itoa(c.Strategy.IntervalDays)
	fc.Strategy.SellMarkupPct = c.Strategy.SellMarkupPct.String()
	fc.Notify.Enabled = strconv.FormatBool(c.Notify.Enabled)
	fc.Notify.EmailTo = c.Notify.EmailTo
	fc.Notify.EmailFrom = c.Notify.EmailFrom
	fc.Notify.CooldownMinutes = strconv.Itoa(c.Notify.CooldownMinutes)
	fc.Notify.LeadHours = strconv.Itoa(c.Notify.LeadHours)
	fc.Notify.SMTP.Host = c.SMTP.Host
	fc.Notify.SMTP.Port = strconv.Itoa(c.SMTP.Port)
	fc.Notify.SMTP.User = c.SMTP.User
	fc.Notify.SMTP.Encryption = c.SMTP.Encryption
	fc.DBPath = c.Paths.DB
	fc.LogPath = c.Paths.Log
	fc.LockPath = c.Paths.Lock
	fc.WALDir = c.Paths.WAL
	fc.Schedule = c.Schedule
	if c.Location != nil {
		fc.Timezone = c.Location.String()
	}
	fc.Dashboard.Addr = c.Dashboard.Addr
	fc.Dashboard.User = c.Dashboard.User
	fc.Dashboard.TLSDomains = c.Dashboard.TLSDomains
	fc.Dashboard.CertDir = c.Dashboard.CertDir

	data, err := yaml.Marshal(fc)
	return data, errors.Wrap(err, "marshal config")
}

// Secrets credentials of c keyed by their environment names. Empty values are skipped.
func Secrets(c Config) map[string]string {
	out := map[string]string{}
	for k, v := range map[string]string{
		"BYBIT_API_KEY":    c.Bybit.APIKey,
		"BYBIT_API_SECRET": c.Bybit.APISecret,
		"SMTP_PASS":        c.SMTP.Pass,
		"DASHBOARD_PASS":   c.Dashboard.Pass,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Save writes the YAML config to path and the credentials to envPath (mode 0600).
// envPath is left untouched when there are no credentials.
func Save(c Config, path, envPath string) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}

	secrets := Secrets(c)
	if len(secrets) == 0 || envPath == "" {
		return nil
	}
	existing := map[string]string{}
	if _, err := os.Stat(envPath); err == nil {
		if existing, err = godotenv.Read(envPath); err != nil {
			return errors.Wrapf(err, "read env file %s", envPath)
		}
	}
	for k, v := range secrets {
		existing[k] = v
	}
	if err := godotenv.Write(existing, envPath); err != nil {
		return errors.Wrapf(err, "write env file %s", envPath)
	}
	return errors.Wrapf(os.Chmod(envPath, 0o600), "chmod %s", envPath)
}
