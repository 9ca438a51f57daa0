// Package lifecycle advances DCA purchases through their lifecycle, one tick at a time:
// market buy, limit sell at a fixed markup, sell fill and profit conversion.
// Each tick re-reads state from the ledger, so repeated ticks never repeat a
// completed transition.
package lifecycle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/exchange"
	"github.com/vadiminshakov/boringbot/internal/services/converter"
	"github.com/vadiminshakov/boringbot/internal/storage/intents"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

// fundsEpsilon tolerance for comparing REAL-stored ledger balances against required amounts.
var fundsEpsilon = decimal.New(1, -9)

type gateway interface {
	TickerLastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
	WalletBalance(ctx context.Context, asset string) (decimal.Decimal, bool, error)
	CreateMarketBuyByQuote(ctx context.Context, symbol string, quoteAmount decimal.Decimal, linkID string) (string, error)
	CreateLimitSell(ctx context.Context, symbol string, baseQty, price decimal.Decimal, linkID string) (exchange.PlacedOrder, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error)
	GetOrderByLinkID(ctx context.Context, symbol, linkID string) (*domain.Order, error)
}

type ledgerStore interface {
	EnsureBalances(ctx context.Context, assets ...string) error
	PurchasesByStatus(ctx context.Context, status domain.PurchaseStatus) ([]domain.Purchase, error)
	LatestPurchase(ctx context.Context) (*domain.Purchase, error)
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	Apply(ctx context.Context, ch ledger.Change) (int64, error)
}

type profitConverter interface {
	Symbol() string
	ConvertProfit(ctx context.Context, purchaseID int64, amount decimal.Decimal) (converter.Conversion, error)
}

type notifier interface {
	PurchaseCreated(ctx context.Context, purchaseID int64, buyUSDT decimal.Decimal, symbol string) bool
	Sold(ctx context.Context, purchaseID int64, sellUSDT, profitUSDT, profitUSDC decimal.Decimal) bool
	InsufficientFunds(ctx context.Context, need, have decimal.Decimal) bool
}

type intentJournal interface {
	Prepare(purchaseID int64, action intents.Action, symbol string, amount, price decimal.Decimal) (intents.Intent, error)
	MarkPlaced(in intents.Intent, orderID string) error
	MarkFailed(in intents.Intent, cause error) error
	Pending(purchaseID int64, action intents.Action) (intents.Intent, bool)
}

// Config trading parameters of the engine.
type Config struct {
	// Pair traded pair, e.g. ETH/USDT.
	Pair domain.Pair
	// ProfitAsset asset realized profit is converted into, e.g. USDC.
	ProfitAsset   string
	AmountUSDT    decimal.Decimal
	IntervalDays  int
	SellMarkupPct decimal.Decimal
	DryRun        bool
}

// Engine purchase lifecycle state machine.
type Engine struct {
	l         *zap.Logger
	cfg       Config
	ex        gateway
	store     ledgerStore
	converter profitConverter
	notifier  notifier
	journal   intentJournal
	now       func() time.Time
}

// New creates an engine. notifier may be nil.
func New(l *zap.Logger, cfg Config, ex gateway, store ledgerStore, conv profitConverter, n notifier, journal intentJournal) (*Engine, error) {
	if cfg.Pair.From == "" || cfg.Pair.To == "" {
		return nil, errors.New("trade pair is required")
	}
	if cfg.ProfitAsset == "" {
		return nil, errors.New("profit asset is required")
	}
	if !cfg.AmountUSDT.IsPositive() {
		return nil, errors.Errorf("DCA amount must be positive, got %s", cfg.AmountUSDT)
	}
	if cfg.IntervalDays < 1 {
		return nil, errors.Errorf("DCA interval must be at least 1 day, got %d", cfg.IntervalDays)
	}

	return &Engine{
		l:         l,
		cfg:       cfg,
		ex:        ex,
		store:     store,
		converter: conv,
		notifier:  n,
		journal:   journal,
		now:       time.Now,
	}, nil
}

func (e *Engine) symbol() string {
	return e.cfg.Pair.Symbol()
}

func (e *Engine) baseAsset() string {
	return e.cfg.Pair.From
}

func (e *Engine) quoteAsset() string {
	return e.cfg.Pair.To
}

// Tick runs one pass: BUYING, HOLDING, OPEN, SOLD_PENDING_CONVERT, then the
// new-purchase check. The first error aborts the tick; everything committed
// before it stays committed.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.store.EnsureBalances(ctx, e.quoteAsset(), e.baseAsset(), e.cfg.ProfitAsset); err != nil {
		return err
	}

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"sync buying purchases", e.syncBuying},
		{"sync holding purchases", e.syncHolding},
		{"sync open sells", e.syncOpen},
		{"sync pending profit conversions", e.syncPendingConvert},
		{"place new purchase", e.placeNewPurchaseIfDue},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return errors.Wrap(err, step.name)
		}
	}
	return nil
}

// NextDueAt when the next purchase is due. Zero time means it is due now.
func (e *Engine) NextDueAt(ctx context.Context) (time.Time, error) {
	latest, err := e.store.LatestPurchase(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return domain.NextDueAt(latest.CreatedAt, e.cfg.IntervalDays), nil
}

// sellOrder placed or adopted sell plus the journal entry to close once the ledger records it.
type sellOrder struct {
	exchange.PlacedOrder
	intent    intents.Intent
	recovered bool
}

// placeSell journals and places a limit sell. A failure means no sell exists.
func (e *Engine) placeSell(ctx context.Context, purchaseID int64, qty, price decimal.Decimal) (*sellOrder, error) {
	intent, err := e.journal.Prepare(purchaseID, intents.ActionSell, e.symbol(), qty, price)
	if err != nil {
		return nil, errors.Wrap(err, "journal sell intent")
	}

	placed, err := e.ex.CreateLimitSell(ctx, e.symbol(), qty, price, intent.LinkID)
	if err != nil {
		e.markFailed(intent, err)
		return nil, err
	}
	return &sellOrder{PlacedOrder: placed, intent: intent}, nil
}

func (e *Engine) markPlaced(in intents.Intent, orderID string) {
	if err := e.journal.MarkPlaced(in, orderID); err != nil {
		e.l.Warn("failed to journal placed order",
			zap.String("order_link_id", in.LinkID), zap.String("order_id", orderID), zap.Error(err))
	}
}

func (e *Engine) markFailed(in intents.Intent, cause error) {
	if err := e.journal.MarkFailed(in, cause); err != nil {
		e.l.Warn("failed to journal failed order", zap.String("order_link_id", in.LinkID), zap.Error(err))
	}
}

func (e *Engine) nowUTC() time.Time {
	return e.now().UTC()
}

func ptr[T any](v T) *T {
	return &v
}
