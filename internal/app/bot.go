// Package app assembles the bot from one configuration value and runs its commands.
package app

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/config"
	"github.com/vadiminshakov/boringbot/internal/clients"
	"github.com/vadiminshakov/boringbot/internal/exchange"
	"github.com/vadiminshakov/boringbot/internal/services/converter"
	"github.com/vadiminshakov/boringbot/internal/services/lifecycle"
	"github.com/vadiminshakov/boringbot/internal/services/mailer"
	"github.com/vadiminshakov/boringbot/internal/services/notifier"
	"github.com/vadiminshakov/boringbot/internal/services/reconciler"
	"github.com/vadiminshakov/boringbot/internal/storage/intents"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

// Bot every component of one bot instance, wired to the same ledger and journal.
type Bot struct {
	l      *zap.Logger
	cfg    config.Config
	dryRun bool

	Store      *ledger.Store
	Journal    *intents.Journal
	Gateway    *exchange.Gateway
	Engine     *lifecycle.Engine
	Notifier   *notifier.Notifier
	Reconciler *reconciler.Reconciler
}

// NewBot opens the ledger and the intent journal and builds the components on top of them.
func NewBot(l *zap.Logger, cfg config.Config, dryRun bool) (*Bot, error) {
	store, err := ledger.Open(cfg.Paths.DB)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	journal, err := intents.Open(cfg.Paths.WAL)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "open intent journal")
	}

	client := clients.NewBybitClient(cfg.Bybit.BaseURL, cfg.Bybit.APIKey, cfg.Bybit.APISecret)
	gateway := exchange.NewGateway(l.Named("exchange"), exchange.Config{
		BaseURL:     cfg.Bybit.BaseURL,
		APIKey:      cfg.Bybit.APIKey,
		APISecret:   cfg.Bybit.APISecret,
		RecvWindow:  cfg.Bybit.RecvWindow,
		AccountType: cfg.Bybit.AccountType,
	}, client.V5().Market())

	mail := mailer.New(l.Named("mailer"), mailer.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		User:       cfg.SMTP.User,
		Pass:       cfg.SMTP.Pass,
		Encryption: cfg.SMTP.Encryption,
	}, dryRun)
	notify := notifier.New(l.Named("notifier"), store, mail, notifier.Config{
		Enabled:         cfg.Notify.Enabled,
		To:              cfg.Notify.EmailTo,
		From:            cfg.NotifyFrom(),
		CooldownMinutes: cfg.Notify.CooldownMinutes,
		Location:        cfg.Location,
	})

	conv := converter.New(l.Named("converter"), gateway, journal, cfg.Strategy.ProfitConvert.Symbol(), dryRun)
	engine, err := lifecycle.New(l.Named("lifecycle"), lifecycle.Config{
		Pair:          cfg.Strategy.Trade,
		ProfitAsset:   cfg.Strategy.ProfitAsset(),
		AmountUSDT:    cfg.Strategy.AmountUSDT,
		IntervalDays:  cfg.Strategy.IntervalDays,
		SellMarkupPct: cfg.Strategy.SellMarkupPct,
		DryRun:        dryRun,
	}, gateway, store, conv, notify, journal)
	if err != nil {
		_ = journal.Close()
		_ = store.Close()
		return nil, err
	}

	return &Bot{
		l:          l,
		cfg:        cfg,
		dryRun:     dryRun,
		Store:      store,
		Journal:    journal,
		Gateway:    gateway,
		Engine:     engine,
		Notifier:   notify,
		Reconciler: reconciler.New(l.Named("reconciler"), gateway, store, cfg.Strategy.Trade.To, dryRun),
	}, nil
}

// Runner run commands of this bot.
func (b *Bot) Runner() *Runner {
	return NewRunner(b.l, RunnerConfig{
		LockPath:   b.cfg.Paths.Lock,
		QuoteAsset: b.cfg.Strategy.Trade.To,
		AmountUSDT: b.cfg.Strategy.AmountUSDT,
		LeadHours:  b.cfg.Notify.LeadHours,
		DryRun:     b.dryRun,
	}, b.Engine, b.Store, b.Notifier)
}

// Reconcile runs one guarded reconciliation and returns the exit code.
func (b *Bot) Reconcile(ctx context.Context) int {
	return b.Runner().RunReconcile(ctx, func(ctx context.Context) error {
		res, err := b.Reconciler.ReconcileUSDT(ctx)
		if err != nil {
			return err
		}
		b.l.Info("reconcile finished",
			zap.Stringer("delta", res.Delta), zap.Bool("applied", res.Applied), zap.Bool("dry_run", b.dryRun))
		return nil
	})
}

// NotifyTest sends a test notification, bypassing the cooldown.
func (b *Bot) NotifyTest(ctx context.Context) error {
	return b.Notifier.Test(ctx, b.dryRun)
}

// Close releases the journal and the ledger.
func (b *Bot) Close() error {
	jErr := b.Journal.Close()
	sErr := b.Store.Close()
	if jErr != nil {
		return errors.Wrap(jErr, "close intent journal")
	}
	return errors.Wrap(sErr, "close ledger")
}
