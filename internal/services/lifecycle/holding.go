package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/exchange"
	"github.com/vadiminshakov/boringbot/internal/storage/intents"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

func (e *Engine) syncHolding(ctx context.Context) error {
	if e.cfg.DryRun {
		return nil
	}

	purchases, err := e.store.PurchasesByStatus(ctx, domain.StatusHolding)
	if err != nil {
		return err
	}

	for _, p := range purchases {
		if err := e.retrySell(ctx, p); err != nil {
			return errors.Wrapf(err, "purchase %d", p.ID)
		}
	}
	return nil
}

func (e *Engine) retrySell(ctx context.Context, p domain.Purchase) error {
	qty := p.BuyQty.Decimal
	buyPrice := p.BuyPrice.Decimal
	if !p.BuyQty.Valid || !p.BuyPrice.Valid || !qty.IsPositive() || !buyPrice.IsPositive() {
		e.l.Warn("HOLDING purchase missing buy_qty/buy_price", zap.Int64("purchase_id", p.ID))
		return nil
	}

	sell, err := e.recoverSell(ctx, p.ID)
	if err != nil {
		e.l.Error("failed to check journaled sell, will retry", zap.Int64("purchase_id", p.ID), zap.Error(err))
		return nil
	}
	if sell != nil {
		return e.openSell(ctx, p.ID, sell)
	}

	// fees taken in the base asset leave less on the wallet than was recorded
	available, found, err := e.ex.WalletBalance(ctx, e.baseAsset())
	if err != nil {
		return err
	}
	if found && !available.IsNegative() && available.LessThan(qty) {
		diff := qty.Sub(available)
		qty = available
		e.l.Warn("adjusting HOLDING qty to available balance",
			zap.Int64("purchase_id", p.ID),
			zap.Stringer("recorded_qty", p.BuyQty.Decimal),
			zap.Stringer("available", available),
			zap.String("asset", e.baseAsset()))

		_, err := e.store.Apply(ctx, ledger.Change{
			Update: &ledger.PurchaseUpdate{ID: p.ID, From: domain.StatusHolding, BuyQty: ptr(qty)},
			Deltas: []ledger.BalanceDelta{{Asset: e.baseAsset(), Amount: diff.Neg()}},
			Events: []ledger.EventRecord{{
				Type: domain.EventBuyQtyAdjusted,
				Payload: domain.Payload{
					"purchase_id": p.ID,
					"diff":        diff,
					"new_buy_qty": qty,
					"reason":      "available_balance",
				},
			}},
		})
		if err != nil {
			return err
		}
		if !qty.IsPositive() {
			return nil
		}
	}

	target := domain.TargetSellPrice(buyPrice, p.SellMarkupPct)
	sell, err = e.placeSell(ctx, p.ID, qty, target)
	if err != nil {
		fields := []zap.Field{
			zap.Int64("purchase_id", p.ID),
			zap.Error(err),
			zap.String("symbol", e.symbol()),
			zap.Stringer("attempt_qty", qty),
			zap.Stringer("attempt_price", target),
			zap.String("base_asset", e.baseAsset()),
			zap.Stringer("recorded_buy_qty", p.BuyQty.Decimal),
		}
		if found {
			fields = append(fields, zap.Stringer("available_base", available))
		}
		e.l.Error("retry sell placement failed", fields...)
		return nil
	}

	return e.openSell(ctx, p.ID, sell)
}

func (e *Engine) openSell(ctx context.Context, purchaseID int64, sell *sellOrder) error {
	payload := domain.Payload{
		"purchase_id":   purchaseID,
		"sell_order_id": sell.OrderID,
		"sell_price":    sell.Price,
		"sell_qty":      sell.Qty,
	}
	if sell.recovered {
		payload["recovered"] = true
	}

	_, err := e.store.Apply(ctx, ledger.Change{
		Update: &ledger.PurchaseUpdate{
			ID:          purchaseID,
			From:        domain.StatusHolding,
			To:          domain.StatusOpen,
			SellOrderID: ptr(sell.OrderID),
			SellPrice:   ptr(sell.Price),
			SellQty:     ptr(sell.Qty),
		},
		Events: []ledger.EventRecord{{Type: domain.EventSellPlacedRetry, Payload: payload}},
	})
	if err != nil {
		return err
	}
	e.markPlaced(sell.intent, sell.OrderID)
	return nil
}

// recoverSell looks up a journaled sell whose outcome was never recorded.
// A sell the exchange knows is returned for adoption; one it does not know is
// marked failed so a new sell can be placed. Nil means no sell exists.
func (e *Engine) recoverSell(ctx context.Context, purchaseID int64) (*sellOrder, error) {
	intent, ok := e.journal.Pending(purchaseID, intents.ActionSell)
	if !ok {
		return nil, nil
	}

	order, err := e.ex.GetOrderByLinkID(ctx, e.symbol(), intent.LinkID)
	if err != nil {
		return nil, errors.Wrapf(err, "look up journaled sell %s", intent.LinkID)
	}
	if order == nil || order.OrderID == "" {
		e.markFailed(intent, errNotOnExchange)
		return nil, nil
	}

	sell := &sellOrder{
		PlacedOrder: exchange.PlacedOrder{
			OrderID:     order.OrderID,
			OrderLinkID: intent.LinkID,
			Qty:         intent.Amount,
			Price:       intent.Price,
		},
		intent:    intent,
		recovered: true,
	}
	if order.Qty.Valid && order.Qty.Decimal.IsPositive() {
		sell.Qty = order.Qty.Decimal
	}
	if order.Price.Valid && order.Price.Decimal.IsPositive() {
		sell.Price = order.Price.Decimal
	}

	e.l.Info("adopting journaled sell order",
		zap.Int64("purchase_id", purchaseID), zap.String("sell_order_id", order.OrderID))
	return sell, nil
}
