package setup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/boringbot/config"
	"github.com/vadiminshakov/boringbot/internal/domain"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning   = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#FF7B72"}

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

const wizardTitle = "BORINGBOT CONFIG WIZARD"

// answers raw wizard input.
type answers struct {
	trade         string
	profitConvert string
	amount        string
	intervalDays  string
	markup        string
	apiKey        string
	apiSecret     string
	testnet       bool

	notify    bool
	emailTo   string
	smtpHost  string
	smtpPort  string
	smtpUser  string
	smtpPass  string
	leadHours string

	dashboardPass string
}

func defaultAnswers(c config.Config) answers {
	return answers{
		trade:         c.Strategy.Trade.String(),
		profitConvert: c.Strategy.ProfitConvert.String(),
		amount:        c.Strategy.AmountUSDT.String(),
		intervalDays:  strconv.Itoa(c.Strategy.IntervalDays),
		markup:        c.Strategy.SellMarkupPct.String(),
		notify:        c.Notify.Enabled,
		emailTo:       c.Notify.EmailTo,
		smtpHost:      c.SMTP.Host,
		smtpPort:      strconv.Itoa(c.SMTP.Port),
		smtpUser:      c.SMTP.User,
		leadHours:     strconv.Itoa(c.Notify.LeadHours),
	}
}

// apply merges the answers into base and validates the result.
func (a answers) apply(base config.Config) (config.Config, error) {
	c := base

	trade, err := domain.ParsePair(a.trade)
	if err != nil {
		return c, errors.Wrap(err, "trade symbol")
	}
	convert, err := domain.ParsePair(a.profitConvert)
	if err != nil {
		return c, errors.Wrap(err, "profit conversion symbol")
	}
	c.Strategy.Trade = trade
	c.Strategy.ProfitConvert = convert

	if c.Strategy.AmountUSDT, err = decimal.NewFromString(strings.TrimSpace(a.amount)); err != nil {
		return c, errors.Errorf("amount %q is not a number", a.amount)
	}
	if c.Strategy.SellMarkupPct, err = decimal.NewFromString(strings.TrimSpace(a.markup)); err != nil {
		return c, errors.Errorf("markup %q is not a number", a.markup)
	}
	if c.Strategy.IntervalDays, err = strconv.Atoi(strings.TrimSpace(a.intervalDays)); err != nil {
		return c, errors.Errorf("interval %q is not a whole number of days", a.intervalDays)
	}

	if a.apiKey != "" {
		c.Bybit.APIKey = a.apiKey
	}
	if a.apiSecret != "" {
		c.Bybit.APISecret = a.apiSecret
	}
	if a.testnet {
		c.Bybit.BaseURL = "https://api-testnet.bybit.com"
	}

	c.Notify.Enabled = a.notify
	if a.notify {
		c.Notify.EmailTo = strings.TrimSpace(a.emailTo)
		c.SMTP.Host = strings.TrimSpace(a.smtpHost)
		c.SMTP.User = strings.TrimSpace(a.smtpUser)
		if a.smtpPass != "" {
			c.SMTP.Pass = a.smtpPass
		}
		if c.SMTP.Port, err = strconv.Atoi(strings.TrimSpace(a.smtpPort)); err != nil {
			return c, errors.Errorf("smtp port %q is not a number", a.smtpPort)
		}
		if c.Notify.LeadHours, err = strconv.Atoi(strings.TrimSpace(a.leadHours)); err != nil {
			return c, errors.Errorf("lead hours %q is not a number", a.leadHours)
		}
		if c.Notify.EmailTo == "" || c.SMTP.Host == "" {
			return c, errors.New("notifications need a recipient and an SMTP host")
		}
	}

	if a.dashboardPass != "" {
		c.Dashboard.Pass = a.dashboardPass
	}

	return c, c.Validate()
}

func validatePair(s string) error {
	p, err := domain.ParsePair(s)
	if err != nil {
		return err
	}
	if p.To != "USDT" {
		return errors.New("must be quoted in USDT (e.g. ETH_USDT)")
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return errors.New("must be a valid number")
	}
	if !d.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func validateNonNegative(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return errors.New("must be a valid number")
	}
	if d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func validateDays(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return errors.New("must be a whole number of days, at least 1")
	}
	return nil
}

func step(name string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render(wizardTitle))
	fmt.Println(stepStyle.Render(name))
}

// RunTUI launches the terminal configuration wizard. The answers are written to
// configPath and the credentials to envPath.
func RunTUI(base config.Config, configPath, envPath string) error {
	a := defaultAnswers(base)
	confirm := false

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render(wizardTitle))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Buy on a schedule, sell at a markup, bank the profit.\n"))

	step("STEP 1: SYMBOLS")
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Trade symbol").
				Description("Asset bought on schedule, quoted in USDT (e.g. ETH_USDT)").
				Value(&a.trade).
				Validate(validatePair),
			huh.NewInput().
				Title("Profit symbol").
				Description("Profit is converted into its base asset (e.g. USDC_USDT)").
				Value(&a.profitConvert).
				Validate(validatePair),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 2: STRATEGY")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("USDT per purchase").
				Value(&a.amount).
				Validate(validatePositive),
			huh.NewInput().
				Title("Days between purchases").
				Value(&a.intervalDays).
				Validate(validateDays),
			huh.NewInput().
				Title("Sell markup %").
				Description("Limit sell is placed at buy price * (1 + markup/100)").
				Value(&a.markup).
				Validate(validateNonNegative),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 3: EXCHANGE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Bybit API key").
				Description("Leave empty to keep the current one").
				Value(&a.apiKey),
			huh.NewInput().
				Title("Bybit API secret").
				Value(&a.apiSecret).
				EchoMode(huh.EchoModePassword),
			huh.NewConfirm().
				Title("Use Bybit testnet?").
				Value(&a.testnet),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 4: NOTIFICATIONS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Send e-mail notifications?").
				Value(&a.notify),
		),
		huh.NewGroup(
			huh.NewInput().Title("Recipient").Value(&a.emailTo),
			huh.NewInput().Title("SMTP host").Value(&a.smtpHost),
			huh.NewInput().Title("SMTP port").Value(&a.smtpPort),
			huh.NewInput().Title("SMTP user").Value(&a.smtpUser),
			huh.NewInput().Title("SMTP password").Value(&a.smtpPass).EchoMode(huh.EchoModePassword),
			huh.NewInput().
				Title("Low balance warning, hours ahead").
				Value(&a.leadHours),
		).WithHideFunc(func() bool { return !a.notify }),
		huh.NewGroup(
			huh.NewInput().
				Title("Dashboard password").
				Description("Empty keeps the dashboard disabled").
				Value(&a.dashboardPass).
				EchoMode(huh.EchoModePassword),
		),
	).Run()
	if err != nil {
		return err
	}

	cfg, err := a.apply(base)
	if err != nil {
		fmt.Println(lipgloss.NewStyle().Foreground(warning).Render(err.Error()))
		return err
	}

	step("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Trade: %s\nProfit: %s\nAmount: %s USDT every %d day(s)\nMarkup: %s%%\nNotifications: %t\n",
		cfg.Strategy.Trade.Symbol(), cfg.Strategy.ProfitConvert.Symbol(),
		cfg.Strategy.AmountUSDT, cfg.Strategy.IntervalDays, cfg.Strategy.SellMarkupPct, cfg.Notify.Enabled,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return errors.New("setup cancelled by user")
	}

	if err := config.Save(cfg, configPath, envPath); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(
		fmt.Sprintf("\n✓ Configuration saved to %s (credentials in %s)", configPath, envPath)))
	return nil
}
