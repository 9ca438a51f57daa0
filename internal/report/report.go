// Package report builds read-only views of the ledger for the dashboard and the status command.
package report

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

// Meta keys written by the run and reconcile commands.
const (
	metaLastRun       = "last_run_finished_at"
	metaLastReconcile = "last_reconcile_finished_at"
)

type ledgerReader interface {
	Balances(ctx context.Context) ([]ledger.Balance, error)
	CountByStatus(ctx context.Context) (map[domain.PurchaseStatus]int, error)
	ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error)
	Purchase(ctx context.Context, id int64) (*domain.Purchase, error)
	Meta(ctx context.Context, k string) (string, bool, error)
}

type priceSource interface {
	TickerLastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

type Balance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type Summary struct {
	Symbol   string    `json:"symbol"`
	Balances []Balance `json:"balances"`
	// Active purchases still being worked on by the engine.
	Active           int        `json:"active"`
	Sold             int        `json:"sold"`
	Errors           int        `json:"errors"`
	NextDueAt        *time.Time `json:"next_due_at,omitempty"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastReconcileAt  *time.Time `json:"last_reconcile_at,omitempty"`
	ProfitUSDTTotal  string     `json:"profit_usdt_total"`
	ProfitAssetTotal string     `json:"profit_asset_total"`
}

// Gap distance between the target sell price and the current market price.
type Gap struct {
	LastPrice decimal.Decimal `json:"last_price"`
	// Abs target - last, in quote per base unit. Non-positive means the target was reached.
	Abs decimal.Decimal `json:"abs"`
	Pct decimal.Decimal `json:"pct"`
}

type PurchaseView struct {
	ID            int64                 `json:"id"`
	Status        domain.PurchaseStatus `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	BuyUSDT       decimal.Decimal       `json:"buy_usdt"`
	BuyOrderID    string                `json:"buy_order_id,omitempty"`
	BuyPrice      decimal.NullDecimal   `json:"buy_price"`
	BuyQty        decimal.NullDecimal   `json:"buy_qty"`
	BuyFilledAt   *time.Time            `json:"buy_filled_at,omitempty"`
	SellMarkupPct decimal.Decimal       `json:"sell_markup_pct"`
	SellOrderID   string                `json:"sell_order_id,omitempty"`
	SellPrice     decimal.NullDecimal   `json:"sell_price"`
	SellQty       decimal.NullDecimal   `json:"sell_qty"`
	SellUSDT      decimal.NullDecimal   `json:"sell_usdt"`
	SellFilledAt  *time.Time            `json:"sell_filled_at,omitempty"`
	ProfitUSDT    decimal.NullDecimal   `json:"profit_usdt"`
	ProfitUSDC    decimal.NullDecimal   `json:"profit_usdc"`
	TargetGap     *Gap                  `json:"target_gap,omitempty"`
}

type Reporter struct {
	store        ledgerReader
	prices       priceSource
	symbol       string
	intervalDays int
}

// New creates a reporter. prices may be nil, then no target gap is computed.
func New(store ledgerReader, prices priceSource, symbol string, intervalDays int) *Reporter {
	return &Reporter{store: store, prices: prices, symbol: symbol, intervalDays: intervalDays}
}

func (r *Reporter) Summary(ctx context.Context) (Summary, error) {
	balances, err := r.store.Balances(ctx)
	if err != nil {
		return Summary{}, err
	}
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return Summary{}, err
	}
	all, err := r.store.ListPurchases(ctx, 0)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Symbol:   r.symbol,
		Balances: make([]Balance, 0, len(balances)),
		Sold:     counts[domain.StatusSold],
		Errors:   counts[domain.StatusError],
	}
	for _, b := range balances {
		s.Balances = append(s.Balances, Balance{Asset: b.Asset, Amount: b.Amount})
	}
	for _, st := range domain.ActiveStatuses {
		s.Active += counts[st]
	}

	profitUSDT, profitAsset := decimal.Zero, decimal.Zero
	for _, p := range all {
		if p.Status != domain.StatusSold && p.Status != domain.StatusSoldPendingConvert {
			continue
		}
		profitUSDT = profitUSDT.Add(p.ProfitUSDT.Decimal)
		profitAsset = profitAsset.Add(p.ProfitUSDC.Decimal)
	}
	s.ProfitUSDTTotal = profitUSDT.StringFixed(8)
	s.ProfitAssetTotal = profitAsset.StringFixed(8)

	if len(all) > 0 {
		due := domain.NextDueAt(all[0].CreatedAt, r.intervalDays)
		s.NextDueAt = &due
	}
	if s.LastRunAt, err = r.metaTime(ctx, metaLastRun); err != nil {
		return Summary{}, err
	}
	if s.LastReconcileAt, err = r.metaTime(ctx, metaLastReconcile); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// Purchases newest first, limit <= 0 lists all.
func (r *Reporter) Purchases(ctx context.Context, limit int) ([]PurchaseView, error) {
	purchases, err := r.store.ListPurchases(ctx, limit)
	if err != nil {
		return nil, err
	}

	var last decimal.NullDecimal
	for _, p := range purchases {
		if p.Status == domain.StatusOpen {
			last = r.lastPrice(ctx)
			break
		}
	}

	views := make([]PurchaseView, 0, len(purchases))
	for _, p := range purchases {
		views = append(views, NewPurchaseView(p, last))
	}
	return views, nil
}

func (r *Reporter) Purchase(ctx context.Context, id int64) (PurchaseView, error) {
	p, err := r.store.Purchase(ctx, id)
	if err != nil {
		return PurchaseView{}, err
	}
	var last decimal.NullDecimal
	if p.Status == domain.StatusOpen {
		last = r.lastPrice(ctx)
	}
	return NewPurchaseView(*p, last), nil
}

// NewPurchaseView renders p. The target gap is set for OPEN purchases when lastPrice is known.
func NewPurchaseView(p domain.Purchase, lastPrice decimal.NullDecimal) PurchaseView {
	v := PurchaseView{
		ID:            p.ID,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		BuyUSDT:       p.BuyUSDT,
		BuyOrderID:    p.BuyOrderID,
		BuyPrice:      p.BuyPrice,
		BuyQty:        p.BuyQty,
		BuyFilledAt:   p.BuyFilledAt,
		SellMarkupPct: p.SellMarkupPct,
		SellOrderID:   p.SellOrderID,
		SellPrice:     p.SellPrice,
		SellQty:       p.SellQty,
		SellUSDT:      p.SellUSDT,
		SellFilledAt:  p.SellFilledAt,
		ProfitUSDT:    p.ProfitUSDT,
		ProfitUSDC:    p.ProfitUSDC,
	}
	if p.Status == domain.StatusOpen && p.SellPrice.Valid && lastPrice.Valid && lastPrice.Decimal.IsPositive() {
		target := p.SellPrice.Decimal
		v.TargetGap = &Gap{
			LastPrice: lastPrice.Decimal,
			Abs:       target.Sub(lastPrice.Decimal),
			Pct:       target.Div(lastPrice.Decimal).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Round(4),
		}
	}
	return v
}

// lastPrice best effort: the views stay usable when the ticker is unavailable.
func (r *Reporter) lastPrice(ctx context.Context) decimal.NullDecimal {
	if r.prices == nil {
		return decimal.NullDecimal{}
	}
	price, ok, err := r.prices.TickerLastPrice(ctx, r.symbol)
	if err != nil || !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(price)
}

func (r *Reporter) metaTime(ctx context.Context, key string) (*time.Time, error) {
	v, ok, err := r.store.Meta(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	if !ok || v == "" {
		return nil, nil
	}
	t, err := ledger.ParseTime(v)
	if err != nil {
		return nil, nil
	}
	return &t, nil
}
