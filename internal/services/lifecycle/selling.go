package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/services/converter"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

func (e *Engine) syncOpen(ctx context.Context) error {
	purchases, err := e.store.PurchasesByStatus(ctx, domain.StatusOpen)
	if err != nil {
		return err
	}

	for _, p := range purchases {
		if p.SellOrderID == "" {
			e.l.Warn("OPEN purchase without sell_order_id", zap.Int64("purchase_id", p.ID))
			continue
		}
		if e.cfg.DryRun {
			continue
		}
		if err := e.settleSell(ctx, p); err != nil {
			return errors.Wrapf(err, "purchase %d", p.ID)
		}
	}
	return nil
}

func (e *Engine) settleSell(ctx context.Context, p domain.Purchase) error {
	order, err := e.ex.GetOrder(ctx, e.symbol(), p.SellOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}

	if !order.IsFilled() {
		executed := order.ExecutedQty()
		if executed.IsPositive() && p.SellQty.Valid && executed.LessThan(p.SellQty.Decimal) {
			e.l.Warn("partial sell fill, waiting for full fill",
				zap.Int64("purchase_id", p.ID),
				zap.Stringer("cum_exec_qty", executed),
				zap.Stringer("sell_qty", p.SellQty.Decimal),
				zap.String("order_status", order.Status))
		}
		return nil
	}

	sellQty := p.SellQty.Decimal
	if order.CumExecQty.Valid {
		sellQty = order.CumExecQty.Decimal
	}
	sellUSDT := order.ExecutedValue()
	if !sellQty.IsPositive() || !sellUSDT.IsPositive() {
		e.l.Warn("filled sell order missing qty/value",
			zap.Int64("purchase_id", p.ID), zap.String("sell_order_id", p.SellOrderID))
		return nil
	}

	principal := p.BuyUSDT
	profit := domain.RealizedProfit(sellUSDT, principal)
	e.l.Info("sell filled, realizing principal and converting profit",
		zap.Int64("purchase_id", p.ID),
		zap.Stringer("sell_usdt", sellUSDT),
		zap.Stringer("profit_usdt", profit))

	conv, convErr := e.converter.ConvertProfit(ctx, p.ID, profit)
	if convErr != nil {
		e.l.Error("profit conversion failed, keeping profit as USDT for retry",
			zap.Int64("purchase_id", p.ID), zap.Stringer("profit_usdt", profit), zap.Error(convErr))
		conv = converter.Conversion{}
	}

	// USDT rises by what the sale raised less what the conversion spent
	status := domain.StatusSold
	eventType := domain.EventSold
	quoteCredit := sellUSDT.Sub(conv.Spent)
	var convErrText any
	if convErr != nil {
		status = domain.StatusSoldPendingConvert
		eventType = domain.EventSoldProfitPending
		quoteCredit = sellUSDT
		convErrText = convErr.Error()
	}

	filledAt := e.nowUTC()
	_, err = e.store.Apply(ctx, ledger.Change{
		Update: &ledger.PurchaseUpdate{
			ID:           p.ID,
			From:         domain.StatusOpen,
			To:           status,
			SellUSDT:     ptr(sellUSDT),
			SellFilledAt: &filledAt,
			ProfitUSDT:   ptr(profit),
			ProfitUSDC:   ptr(conv.Qty),
		},
		Deltas: []ledger.BalanceDelta{
			{Asset: e.baseAsset(), Amount: sellQty.Neg()},
			{Asset: e.quoteAsset(), Amount: quoteCredit},
			{Asset: e.cfg.ProfitAsset, Amount: conv.Qty},
		},
		Events: []ledger.EventRecord{{
			Type: eventType,
			Payload: domain.Payload{
				"purchase_id":               p.ID,
				"sell_order_id":             p.SellOrderID,
				"sell_qty":                  sellQty,
				"sell_usdt":                 sellUSDT,
				"principal_usdt":            principal,
				"profit_usdt":               profit,
				"profit_convert_symbol":     e.converter.Symbol(),
				"profit_convert_order_id":   orderIDOrNil(conv.OrderID),
				"profit_usdc":               conv.Qty,
				"profit_convert_usdt_spent": conv.Spent,
				"profit_convert_error":      convErrText,
			},
		}},
	})
	if err != nil {
		return err
	}

	if convErr == nil && !e.cfg.DryRun && e.notifier != nil {
		e.notifier.Sold(ctx, p.ID, sellUSDT, profit, conv.Qty)
	}
	return nil
}

func (e *Engine) syncPendingConvert(ctx context.Context) error {
	if e.cfg.DryRun {
		return nil
	}

	purchases, err := e.store.PurchasesByStatus(ctx, domain.StatusSoldPendingConvert)
	if err != nil {
		return err
	}

	for _, p := range purchases {
		if err := e.retryConvert(ctx, p); err != nil {
			return errors.Wrapf(err, "purchase %d", p.ID)
		}
	}
	return nil
}

func (e *Engine) retryConvert(ctx context.Context, p domain.Purchase) error {
	profit := p.ProfitUSDT.Decimal
	if !p.ProfitUSDT.Valid || !profit.IsPositive() {
		_, err := e.store.Apply(ctx, ledger.Change{
			Update: &ledger.PurchaseUpdate{
				ID:         p.ID,
				From:       domain.StatusSoldPendingConvert,
				To:         domain.StatusSold,
				ProfitUSDC: ptr(decimal.Zero),
			},
			Events: []ledger.EventRecord{{
				Type: domain.EventProfitConvertRetry,
				Payload: domain.Payload{
					"purchase_id":           p.ID,
					"profit_usdt":           decimal.Zero,
					"profit_convert_symbol": e.converter.Symbol(),
					"profit_usdc":           decimal.Zero,
					"note":                  "no profit to convert",
				},
			}},
		})
		return err
	}

	have, err := e.store.Balance(ctx, e.quoteAsset())
	if err != nil {
		return err
	}
	if have.Add(fundsEpsilon).LessThan(profit) {
		e.l.Warn("insufficient ledger USDT to convert pending profit",
			zap.Int64("purchase_id", p.ID), zap.Stringer("need", profit), zap.Stringer("have", have))
		return nil
	}

	conv, err := e.converter.ConvertProfit(ctx, p.ID, profit)
	if err != nil {
		e.l.Error("retry profit conversion failed", zap.Int64("purchase_id", p.ID), zap.Error(err))
		return nil
	}

	_, err = e.store.Apply(ctx, ledger.Change{
		Update: &ledger.PurchaseUpdate{
			ID:         p.ID,
			From:       domain.StatusSoldPendingConvert,
			To:         domain.StatusSold,
			ProfitUSDC: ptr(conv.Qty),
		},
		Deltas: []ledger.BalanceDelta{
			{Asset: e.quoteAsset(), Amount: conv.Spent.Neg()},
			{Asset: e.cfg.ProfitAsset, Amount: conv.Qty},
		},
		Events: []ledger.EventRecord{{
			Type: domain.EventProfitConvertRetry,
			Payload: domain.Payload{
				"purchase_id":               p.ID,
				"profit_usdt":               profit,
				"profit_convert_symbol":     e.converter.Symbol(),
				"profit_convert_order_id":   orderIDOrNil(conv.OrderID),
				"profit_usdc":               conv.Qty,
				"profit_convert_usdt_spent": conv.Spent,
			},
		}},
	})
	return err
}

func orderIDOrNil(id string) any {
	if id == "" {
		return nil
	}
	return id
}

