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

// errNotOnExchange cause journaled for a buy intent the exchange never saw.
var errNotOnExchange = errors.New("order not found on exchange")

func (e *Engine) syncBuying(ctx context.Context) error {
	purchases, err := e.store.PurchasesByStatus(ctx, domain.StatusBuying)
	if err != nil {
		return err
	}

	for _, p := range purchases {
		if p.BuyOrderID == "" {
			if err := e.recoverBuy(ctx, p); err != nil {
				return errors.Wrapf(err, "purchase %d", p.ID)
			}
			continue
		}
		if e.cfg.DryRun {
			continue
		}
		if err := e.settleBuy(ctx, p); err != nil {
			return errors.Wrapf(err, "purchase %d", p.ID)
		}
	}
	return nil
}

func (e *Engine) settleBuy(ctx context.Context, p domain.Purchase) error {
	order, err := e.ex.GetOrder(ctx, e.symbol(), p.BuyOrderID)
	if err != nil {
		return err
	}
	if !order.IsFilled() {
		return nil
	}

	qty := order.ExecutedQty()
	avgPrice := order.AveragePrice()
	if !qty.IsPositive() || !avgPrice.IsPositive() {
		e.l.Warn("filled buy order missing qty/price",
			zap.Int64("purchase_id", p.ID), zap.String("buy_order_id", p.BuyOrderID))
		return nil
	}

	// accounts paying spot fees in the base asset can only sell the net quantity
	fee := order.Fee()
	netQty := qty
	if fee.IsPositive() && order.FeeCurrency != "" && order.FeeCurrency == e.baseAsset() {
		netQty = decimal.Max(decimal.Zero, qty.Sub(fee))
	}

	e.l.Info("buy filled, placing limit sell",
		zap.Int64("purchase_id", p.ID),
		zap.Stringer("qty", netQty),
		zap.Stringer("avg_price", avgPrice),
		zap.Stringer("fee", fee),
		zap.String("fee_currency", order.FeeCurrency))

	target := domain.TargetSellPrice(avgPrice, p.SellMarkupPct)
	filledAt := e.nowUTC()
	update := &ledger.PurchaseUpdate{
		ID:          p.ID,
		From:        domain.StatusBuying,
		To:          domain.StatusHolding,
		BuyPrice:    ptr(avgPrice),
		BuyQty:      ptr(netQty),
		BuyFilledAt: &filledAt,
	}
	event := ledger.EventRecord{
		Type: domain.EventBuyFilledSellFailed,
		Payload: domain.Payload{
			"purchase_id":      p.ID,
			"buy_order_id":     p.BuyOrderID,
			"buy_qty":          netQty,
			"buy_price":        avgPrice,
			"buy_fee":          fee,
			"buy_fee_currency": order.FeeCurrency,
			"sell_order_id":    nil,
			"sell_price":       target,
		},
	}

	sell, sellErr := e.recoverSell(ctx, p.ID)
	if sellErr == nil && sell == nil {
		sell, sellErr = e.placeSell(ctx, p.ID, netQty, target)
	}
	if sellErr != nil {
		e.l.Error("failed to place limit sell, will retry", zap.Int64("purchase_id", p.ID), zap.Error(sellErr))
		event.Payload["sell_error"] = sellErr.Error()
	} else {
		update.To = domain.StatusOpen
		update.SellOrderID = ptr(sell.OrderID)
		update.SellPrice = ptr(sell.Price)
		update.SellQty = ptr(sell.Qty)
		event.Type = domain.EventBuyFilledSellPlaced
		event.Payload["sell_order_id"] = sell.OrderID
		event.Payload["sell_price"] = sell.Price
		event.Payload["sell_qty"] = sell.Qty
		if sell.recovered {
			event.Payload["recovered"] = true
		}
	}

	_, err = e.store.Apply(ctx, ledger.Change{
		Update: update,
		Deltas: []ledger.BalanceDelta{{Asset: e.baseAsset(), Amount: netQty}},
		Events: []ledger.EventRecord{event},
	})
	if err != nil {
		return err
	}
	if sell != nil {
		e.markPlaced(sell.intent, sell.OrderID)
	}
	return nil
}

// recoverBuy resolves a BUYING purchase whose order id was never recorded,
// i.e. the process stopped between journaling the buy and storing its result.
func (e *Engine) recoverBuy(ctx context.Context, p domain.Purchase) error {
	intent, ok := e.journal.Pending(p.ID, intents.ActionBuy)
	if !ok {
		e.l.Warn("BUYING purchase without buy_order_id", zap.Int64("purchase_id", p.ID))
		return nil
	}
	if e.cfg.DryRun {
		return nil
	}

	order, err := e.ex.GetOrderByLinkID(ctx, e.symbol(), intent.LinkID)
	if err != nil {
		return err
	}

	if order != nil && order.OrderID != "" {
		e.l.Info("recovered buy order from journal",
			zap.Int64("purchase_id", p.ID), zap.String("buy_order_id", order.OrderID))
		_, err := e.store.Apply(ctx, ledger.Change{
			Update: &ledger.PurchaseUpdate{ID: p.ID, From: domain.StatusBuying, BuyOrderID: ptr(order.OrderID)},
			Events: []ledger.EventRecord{{
				Type: domain.EventBuyOrderRecovered,
				Payload: domain.Payload{
					"purchase_id":   p.ID,
					"buy_order_id":  order.OrderID,
					"order_link_id": intent.LinkID,
					"symbol":        e.symbol(),
				},
			}},
		})
		if err != nil {
			return err
		}
		e.markPlaced(intent, order.OrderID)
		return nil
	}

	e.l.Warn("journaled buy never reached the exchange, refunding",
		zap.Int64("purchase_id", p.ID), zap.String("order_link_id", intent.LinkID))
	_, err = e.store.Apply(ctx, e.refundChange(p.ID, p.BuyUSDT, domain.Payload{
		"purchase_id":   p.ID,
		"symbol":        e.symbol(),
		"reason":        "not_found_on_exchange",
		"order_link_id": intent.LinkID,
	}))
	if err != nil {
		return err
	}
	e.markFailed(intent, errNotOnExchange)
	return nil
}

// refundChange marks a BUYING purchase ERROR and credits its principal back.
func (e *Engine) refundChange(purchaseID int64, amount decimal.Decimal, payload domain.Payload) ledger.Change {
	return ledger.Change{
		Update: &ledger.PurchaseUpdate{ID: purchaseID, From: domain.StatusBuying, To: domain.StatusError},
		Deltas: []ledger.BalanceDelta{{Asset: e.quoteAsset(), Amount: amount}},
		Events: []ledger.EventRecord{{Type: domain.EventBuyFailed, Payload: payload}},
	}
}
