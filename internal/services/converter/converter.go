// Package converter turns realized USDT profit into the profit asset with a
// quote-sized market buy on the conversion pair.
package converter

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/storage/intents"
)

// DryRunOrderID order id reported for simulated conversions.
const DryRunOrderID = "DRYRUN"

type orderPlacer interface {
	CreateMarketBuyByQuote(ctx context.Context, symbol string, quoteAmount decimal.Decimal, linkID string) (string, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error)
	GetOrderByLinkID(ctx context.Context, symbol, linkID string) (*domain.Order, error)
}

type intentJournal interface {
	Prepare(purchaseID int64, action intents.Action, symbol string, amount, price decimal.Decimal) (intents.Intent, error)
	MarkPlaced(in intents.Intent, orderID string) error
	MarkFailed(in intents.Intent, cause error) error
	Unsettled(purchaseID int64, action intents.Action) (intents.Intent, bool)
}

// Conversion outcome of one conversion. OrderID is empty when nothing was converted.
type Conversion struct {
	OrderID string
	Qty     decimal.Decimal
	Spent   decimal.Decimal
}

// ProfitConverter places the conversion order.
type ProfitConverter struct {
	l       *zap.Logger
	ex      orderPlacer
	journal intentJournal
	symbol  string
	dryRun  bool
}

// New creates a converter buying symbol (e.g. USDCUSDT) with USDT profit.
func New(l *zap.Logger, ex orderPlacer, journal intentJournal, symbol string, dryRun bool) *ProfitConverter {
	return &ProfitConverter{l: l, ex: ex, journal: journal, symbol: symbol, dryRun: dryRun}
}

// Symbol conversion pair.
func (c *ProfitConverter) Symbol() string {
	return c.symbol
}

// ConvertProfit spends amount USDT on the profit asset. Once the order is
// accepted, a failed status lookup falls back to (orderID, 0, amount) so the
// caller can still settle the ledger. A conversion journaled for the purchase
// and still known to the exchange is returned instead of placing a new order.
func (c *ProfitConverter) ConvertProfit(ctx context.Context, purchaseID int64, amount decimal.Decimal) (Conversion, error) {
	if !amount.IsPositive() {
		return Conversion{}, nil
	}
	if c.dryRun {
		c.l.Info("dry run: would convert profit",
			zap.Int64("purchase_id", purchaseID),
			zap.String("symbol", c.symbol),
			zap.Stringer("amount", amount),
			zap.Bool("dry_run", true))
		return Conversion{OrderID: DryRunOrderID, Qty: amount, Spent: amount}, nil
	}

	if in, ok := c.journal.Unsettled(purchaseID, intents.ActionConvert); ok {
		out, found, err := c.recoverJournaled(ctx, in)
		if err != nil {
			return Conversion{}, err
		}
		if found {
			return out, nil
		}
	}

	intent, err := c.journal.Prepare(purchaseID, intents.ActionConvert, c.symbol, amount, decimal.Zero)
	if err != nil {
		return Conversion{}, errors.Wrap(err, "journal profit conversion")
	}

	orderID, err := c.ex.CreateMarketBuyByQuote(ctx, c.symbol, amount, intent.LinkID)
	if err != nil {
		if jerr := c.journal.MarkFailed(intent, err); jerr != nil {
			c.l.Warn("failed to journal failed conversion", zap.Error(jerr))
		}
		return Conversion{}, errors.Wrapf(err, "convert %s USDT via %s", amount, c.symbol)
	}
	if err := c.journal.MarkPlaced(intent, orderID); err != nil {
		c.l.Warn("failed to journal placed conversion", zap.String("order_id", orderID), zap.Error(err))
	}

	out := Conversion{OrderID: orderID, Qty: decimal.Zero, Spent: amount}
	order, err := c.ex.GetOrder(ctx, c.symbol, orderID)
	if err != nil {
		c.l.Warn("conversion order lookup failed, using spend amount",
			zap.String("order_id", orderID), zap.Error(err))
		return out, nil
	}
	return withExecution(out, order), nil
}

// recoverJournaled resolves a conversion the journal says may already be on the
// exchange. found is false when the exchange never saw it.
func (c *ProfitConverter) recoverJournaled(ctx context.Context, in intents.Intent) (Conversion, bool, error) {
	var (
		order *domain.Order
		err   error
	)
	if in.OrderID != "" {
		order, err = c.ex.GetOrder(ctx, in.Symbol, in.OrderID)
	} else {
		order, err = c.ex.GetOrderByLinkID(ctx, in.Symbol, in.LinkID)
	}
	if err != nil {
		return Conversion{}, false, errors.Wrapf(err, "look up journaled conversion %s", in.LinkID)
	}

	if order == nil {
		if in.Status == intents.StatusPlaced {
			c.l.Warn("journaled conversion not returned by exchange, using spend amount",
				zap.Int64("purchase_id", in.PurchaseID), zap.String("order_id", in.OrderID))
			return Conversion{OrderID: in.OrderID, Qty: decimal.Zero, Spent: in.Amount}, true, nil
		}
		if err := c.journal.MarkFailed(in, errors.New("order not found on exchange")); err != nil {
			c.l.Warn("failed to journal unknown conversion", zap.String("link_id", in.LinkID), zap.Error(err))
		}
		return Conversion{}, false, nil
	}

	if in.Status == intents.StatusPending {
		if err := c.journal.MarkPlaced(in, order.OrderID); err != nil {
			c.l.Warn("failed to journal recovered conversion", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
	c.l.Info("reusing journaled profit conversion",
		zap.Int64("purchase_id", in.PurchaseID),
		zap.String("order_id", order.OrderID),
		zap.String("link_id", in.LinkID))

	return withExecution(Conversion{OrderID: order.OrderID, Qty: decimal.Zero, Spent: in.Amount}, order), true, nil
}

func withExecution(out Conversion, order *domain.Order) Conversion {
	if order == nil {
		return out
	}
	out.Qty = order.ExecutedQty()
	if value := order.ExecutedValue(); value.IsPositive() {
		out.Spent = value
	}
	return out
}
