package app

import (
	"context"

	"github.com/vadiminshakov/boringbot/dashboard"
	"github.com/vadiminshakov/boringbot/internal/report"
)

// Reporter read views over this bot's ledger, priced with the exchange ticker.
func (b *Bot) Reporter() *report.Reporter {
	return report.New(b.Store, b.Gateway, b.cfg.Strategy.Trade.Symbol(), b.cfg.Strategy.IntervalDays)
}

// Serve runs the dashboard until ctx is cancelled, with ACME TLS when domains are configured.
func (b *Bot) Serve(ctx context.Context) error {
	srv := dashboard.NewServer(b.l.Named("dashboard"), b.cfg.Dashboard, b.Reporter(), b.Store)
	if len(b.cfg.Dashboard.TLSDomains) > 0 {
		return srv.StartWithAutoTLS(ctx)
	}
	return srv.Start(ctx)
}
