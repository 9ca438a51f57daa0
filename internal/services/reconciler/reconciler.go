// Package reconciler tops the ledger USDT balance up to what the exchange reports.
package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

// MetaLastFinishedAt meta key holding the RFC3339 time of the last finished reconciliation.
const MetaLastFinishedAt = "last_reconcile_finished_at"

type wallet interface {
	WalletBalance(ctx context.Context, asset string) (decimal.Decimal, bool, error)
}

type ledgerStore interface {
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	Apply(ctx context.Context, ch ledger.Change) (int64, error)
}

// Result outcome of one reconciliation.
type Result struct {
	Exchange decimal.Decimal
	Ledger   decimal.Decimal
	// Delta amount added to the ledger, or that would be added in dry run. Never negative.
	Delta   decimal.Decimal
	Applied bool
}

type Reconciler struct {
	l      *zap.Logger
	ex     wallet
	store  ledgerStore
	asset  string
	dryRun bool
	now    func() time.Time
}

func New(l *zap.Logger, ex wallet, store ledgerStore, asset string, dryRun bool) *Reconciler {
	return &Reconciler{l: l, ex: ex, store: store, asset: asset, dryRun: dryRun, now: time.Now}
}

// ReconcileUSDT increases the ledger balance of the quote asset up to the exchange
// wallet balance. The ledger is never decreased. Every run writes a RECONCILE event.
func (r *Reconciler) ReconcileUSDT(ctx context.Context) (Result, error) {
	onExchange, found, err := r.ex.WalletBalance(ctx, r.asset)
	if err != nil {
		return Result{}, errors.Wrapf(err, "fetch exchange %s balance", r.asset)
	}
	if !found {
		return Result{}, errors.Errorf("could not fetch exchange %s balance", r.asset)
	}

	inLedger, err := r.store.Balance(ctx, r.asset)
	if err != nil {
		return Result{}, err
	}

	delta := onExchange.Sub(inLedger)
	res := Result{Exchange: onExchange, Ledger: inLedger, Delta: decimal.Max(decimal.Zero, delta)}

	r.l.Info("reconcile fetched exchange balance",
		zap.String("asset", r.asset),
		zap.String("exchange", onExchange.StringFixed(8)),
		zap.String("ledger", inLedger.StringFixed(8)),
		zap.String("delta", res.Delta.StringFixed(8)),
		zap.Bool("dry_run", r.dryRun))

	payload := domain.Payload{
		"asset":         r.asset,
		"exchange_usdt": onExchange.StringFixed(8),
		"bot_usdt":      inLedger.StringFixed(8),
		"dry_run":       r.dryRun,
	}
	ch := ledger.Change{
		Deltas: []ledger.BalanceDelta{{Asset: r.asset}},
		Meta:   map[string]string{MetaLastFinishedAt: r.now().UTC().Format(time.RFC3339)},
	}

	switch {
	case !delta.IsPositive():
		r.l.Info("no positive delta, ledger left unchanged", zap.String("asset", r.asset))
		payload["delta"] = 0
		payload["note"] = "No positive delta; no update."
	case r.dryRun:
		payload["delta"] = delta.StringFixed(8)
		payload["note"] = "Dry-run; would increase the ledger balance."
	default:
		payload["delta"] = delta.StringFixed(8)
		payload["new_bot_usdt"] = inLedger.Add(delta).StringFixed(8)
		ch.Deltas[0].Amount = delta
		res.Applied = true
	}
	ch.Events = []ledger.EventRecord{{Type: domain.EventReconcile, Payload: payload}}

	if _, err := r.store.Apply(ctx, ch); err != nil {
		return Result{}, errors.Wrap(err, "record reconciliation")
	}
	return res, nil
}
