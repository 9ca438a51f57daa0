// Command boringbot runs a scheduled DCA bot on Bybit spot: it buys a fixed USDT amount
// every few days, offers the fill at a fixed markup and converts the realized profit.
//
// Usage:
//
//	boringbot run [--config config.yaml] [--dry-run]
//	boringbot reconcile [--dry-run]
//	boringbot status [--id N]
//	boringbot notify-test [--dry-run]
//	boringbot daemon
//	boringbot serve
//	boringbot setup
//
// Credentials come from the environment or .env: BYBIT_API_KEY, BYBIT_API_SECRET.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/config"
	"github.com/vadiminshakov/boringbot/internal/app"
	"github.com/vadiminshakov/boringbot/internal/setup"
)

const usage = `usage: boringbot <command> [flags]

commands:
  run          run one lifecycle tick
  reconcile    raise the ledger USDT balance to the exchange wallet
  status       print balances and purchases (--id N for one purchase)
  notify-test  send a test notification
  daemon       run ticks on the configured cron schedule
  serve        run the read-only dashboard
  setup        interactive configuration wizard
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return app.ExitFailure
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	dryRun := fs.Bool("dry-run", false, "log intended actions without placing orders or mutating the ledger")
	purchaseID := fs.Int64("id", 0, "purchase id (status)")
	envPath := fs.String("env", ".env", "env file written by setup")
	if err := fs.Parse(args); err != nil {
		return app.ExitFailure
	}

	if cmd == "setup" {
		return runSetup(*configPath, *envPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return app.ExitFailure
	}

	logger, err := newLogger(cfg.Paths.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return app.ExitFailure
	}
	defer func() { _ = logger.Sync() }()

	// status never trades
	botDryRun := *dryRun || cmd == "status"

	bot, err := app.NewBot(logger, cfg, botDryRun)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return app.ExitFailure
	}
	defer func() {
		if err := bot.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		return bot.Runner().RunTick(ctx)
	case "reconcile":
		return bot.Reconcile(ctx)
	case "status":
		return runStatus(ctx, bot, cfg, *purchaseID)
	case "notify-test":
		if err := bot.NotifyTest(ctx); err != nil {
			logger.Error("notify test failed", zap.Error(err))
			return app.ExitFailure
		}
		return app.ExitOK
	case "daemon":
		if err := bot.Daemon(ctx, cfg.Schedule); err != nil {
			logger.Error("daemon failed", zap.Error(err))
			return app.ExitFailure
		}
		return app.ExitOK
	case "serve":
		if err := bot.Serve(ctx); err != nil {
			logger.Error("dashboard failed", zap.Error(err))
			return app.ExitFailure
		}
		return app.ExitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return app.ExitFailure
	}
}

func runStatus(ctx context.Context, bot *app.Bot, cfg config.Config, id int64) int {
	reports := bot.Reporter()
	if id > 0 {
		view, err := reports.Purchase(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return app.ExitFailure
		}
		fmt.Print(setup.RenderPurchase(view, cfg.Location))
		return app.ExitOK
	}

	sum, err := reports.Summary(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return app.ExitFailure
	}
	purchases, err := reports.Purchases(ctx, 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return app.ExitFailure
	}
	fmt.Print(setup.RenderStatus(sum, purchases, cfg.Location))
	return app.ExitOK
}

func runSetup(configPath, envPath string) int {
	base := config.Default()
	if configPath == "" {
		configPath = "config.yaml"
	} else if _, err := os.Stat(configPath); err == nil {
		if loaded, err := config.Load(configPath); err == nil {
			base = loaded
		}
	}
	if err := setup.RunTUI(base, configPath, envPath); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		return app.ExitFailure
	}
	return app.ExitOK
}

// newLogger production logger writing to stderr and, when set, to logPath.
func newLogger(logPath string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create log directory for %s", logPath)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, logPath)
		zcfg.ErrorOutputPaths = append(zcfg.ErrorOutputPaths, logPath)
	}
	return zcfg.Build()
}
