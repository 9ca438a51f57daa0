package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/storage/intents"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

func (e *Engine) placeNewPurchaseIfDue(ctx context.Context) error {
	dueAt, err := e.NextDueAt(ctx)
	if err != nil {
		return err
	}
	if !dueAt.IsZero() && e.nowUTC().Before(dueAt) {
		return nil
	}

	amount := e.cfg.AmountUSDT
	have, err := e.store.Balance(ctx, e.quoteAsset())
	if err != nil {
		return err
	}
	if have.Add(fundsEpsilon).LessThan(amount) {
		e.l.Info("not enough USDT in bot balance for DCA", zap.Stringer("need", amount), zap.Stringer("have", have))
		if !e.cfg.DryRun && e.notifier != nil {
			e.notifier.InsufficientFunds(ctx, amount, have)
		}
		return nil
	}

	e.l.Info("creating new purchase",
		zap.Stringer("amount_usdt", amount),
		zap.String("symbol", e.symbol()),
		zap.Stringer("sell_markup_pct", e.cfg.SellMarkupPct),
		zap.Bool("dry_run", e.cfg.DryRun))

	if e.cfg.DryRun {
		return e.logDryRunPurchase(ctx)
	}

	purchaseID, err := e.store.Apply(ctx, ledger.Change{
		Create: &ledger.NewPurchase{
			CreatedAt:     e.nowUTC(),
			BuyUSDT:       amount,
			SellMarkupPct: e.cfg.SellMarkupPct,
		},
		Deltas: []ledger.BalanceDelta{{Asset: e.quoteAsset(), Amount: amount.Neg()}},
		Events: []ledger.EventRecord{{
			Type: domain.EventBuyCreated,
			Payload: domain.Payload{
				"buy_usdt": amount,
				"symbol":   e.symbol(),
				"dry_run":  e.cfg.DryRun,
			},
		}},
	})
	if err != nil {
		return err
	}
	if purchaseID <= 0 {
		return errors.New("failed to create purchase")
	}

	if e.notifier != nil {
		e.notifier.PurchaseCreated(ctx, purchaseID, amount, e.symbol())
	}

	return e.placeBuy(ctx, purchaseID, amount)
}

func (e *Engine) placeBuy(ctx context.Context, purchaseID int64, amount decimal.Decimal) error {
	intent, err := e.journal.Prepare(purchaseID, intents.ActionBuy, e.symbol(), amount, decimal.Zero)
	if err != nil {
		return e.failBuy(ctx, purchaseID, amount, errors.Wrap(err, "journal buy intent"))
	}

	orderID, err := e.ex.CreateMarketBuyByQuote(ctx, e.symbol(), amount, intent.LinkID)
	if err != nil {
		e.markFailed(intent, err)
		return e.failBuy(ctx, purchaseID, amount, err)
	}

	_, err = e.store.Apply(ctx, ledger.Change{
		Update: &ledger.PurchaseUpdate{ID: purchaseID, From: domain.StatusBuying, BuyOrderID: ptr(orderID)},
		Events: []ledger.EventRecord{{
			Type: domain.EventBuyOrderPlaced,
			Payload: domain.Payload{
				"purchase_id":   purchaseID,
				"buy_order_id":  orderID,
				"order_link_id": intent.LinkID,
				"symbol":        e.symbol(),
			},
		}},
	})
	if err != nil {
		return err
	}
	e.markPlaced(intent, orderID)
	e.l.Info("market buy placed", zap.Int64("purchase_id", purchaseID), zap.String("order_id", orderID))
	return nil
}

// failBuy refunds the principal of a purchase whose market buy was not placed.
func (e *Engine) failBuy(ctx context.Context, purchaseID int64, amount decimal.Decimal, cause error) error {
	e.l.Error("failed to place market buy, refunding ledger USDT and marking purchase ERROR",
		zap.Int64("purchase_id", purchaseID), zap.Error(cause))

	_, err := e.store.Apply(ctx, e.refundChange(purchaseID, amount, domain.Payload{
		"purchase_id": purchaseID,
		"symbol":      e.symbol(),
		"error":       cause.Error(),
	}))
	return err
}

func (e *Engine) logDryRunPurchase(ctx context.Context) error {
	lastPrice, found, err := e.ex.TickerLastPrice(ctx, e.symbol())
	if err != nil {
		return err
	}

	buyPrice := decimal.Zero
	if found && lastPrice.IsPositive() {
		buyPrice = lastPrice
	}
	buyQty, target := decimal.Zero, decimal.Zero
	if buyPrice.IsPositive() {
		buyQty = e.cfg.AmountUSDT.Div(buyPrice)
		target = domain.TargetSellPrice(buyPrice, e.cfg.SellMarkupPct)
	}

	fields := []zap.Field{
		zap.Stringer("amount_usdt", e.cfg.AmountUSDT),
		zap.String("symbol", e.symbol()),
		zap.String("buy_price", buyPrice.StringFixed(8)),
		zap.String("buy_qty", buyQty.StringFixed(8)),
		zap.String("sell_target_price", target.StringFixed(8)),
		zap.Stringer("sell_markup_pct", e.cfg.SellMarkupPct),
		zap.Bool("dry_run", true),
	}
	if found {
		fields = append(fields, zap.Stringer("last_price", lastPrice))
	}
	e.l.Info("dry run: would create purchase and place orders", fields...)
	return nil
}
