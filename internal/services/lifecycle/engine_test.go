package lifecycle

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/services/converter"
	"github.com/vadiminshakov/boringbot/internal/storage/intents"
	"github.com/vadiminshakov/boringbot/internal/storage/ledger"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	store   *ledger.Store
	journal *intents.Journal
	ex      *fakeExchange
	notes   *recordingNotifier
}

func newHarness(t *testing.T, dryRun bool) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := ledger.Open(filepath.Join(dir, "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	journal, err := intents.Open(filepath.Join(dir, "wal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	ex := newFakeExchange()
	notes := &recordingNotifier{}
	conv := converter.New(zap.NewNop(), ex, journal, convertSymbol, dryRun)

	engine, err := New(zap.NewNop(), Config{
		Pair:          domain.Pair{From: "ETH", To: "USDT"},
		ProfitAsset:   "USDC",
		AmountUSDT:    decimal.NewFromInt(100),
		IntervalDays:  7,
		SellMarkupPct: decimal.NewFromInt(5),
		DryRun:        dryRun,
	}, ex, store, conv, notes, journal)
	require.NoError(t, err)
	engine.now = func() time.Time { return t0 }

	return &harness{t: t, ctx: context.Background(), engine: engine, store: store, journal: journal, ex: ex, notes: notes}
}

func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.engine.Tick(h.ctx))
}

func (h *harness) fund(asset, amount string) {
	h.t.Helper()
	_, err := h.store.Apply(h.ctx, ledger.Change{Deltas: []ledger.BalanceDelta{{Asset: asset, Amount: decimal.RequireFromString(amount)}}})
	require.NoError(h.t, err)
}

func (h *harness) assertBalance(asset, want string) {
	h.t.Helper()
	got, err := h.store.Balance(h.ctx, asset)
	require.NoError(h.t, err)
	// balances are REAL columns
	assert.InDelta(h.t, decimal.RequireFromString(want).InexactFloat64(), got.InexactFloat64(), 1e-9, "%s balance", asset)
}

func (h *harness) purchase(id int64) *domain.Purchase {
	h.t.Helper()
	p, err := h.store.Purchase(h.ctx, id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) events() []domain.Event {
	h.t.Helper()
	events, err := h.store.Events(h.ctx, ledger.EventQuery{})
	require.NoError(h.t, err)
	return events
}

func (h *harness) eventTypes() []domain.EventType {
	var out []domain.EventType
	for _, ev := range h.events() {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) lastPayload(typ domain.EventType) map[string]any {
	h.t.Helper()
	events, err := h.store.Events(h.ctx, ledger.EventQuery{Type: typ, Newest: true, Limit: 1})
	require.NoError(h.t, err)
	require.Len(h.t, events, 1, "no %s event", typ)
	var payload map[string]any
	require.NoError(h.t, json.Unmarshal(events[0].Payload, &payload))
	return payload
}

// seedHolding creates purchase 1 already bought and waiting for a sell.
func (h *harness) seedHolding(buyPrice, buyQty string) int64 {
	h.t.Helper()
	id, err := h.store.Apply(h.ctx, ledger.Change{
		Create: &ledger.NewPurchase{CreatedAt: t0, BuyUSDT: decimal.NewFromInt(100), SellMarkupPct: decimal.NewFromInt(5)},
		Deltas: []ledger.BalanceDelta{{Asset: "USDT", Amount: decimal.NewFromInt(-100)}},
	})
	require.NoError(h.t, err)
	_, err = h.store.Apply(h.ctx, ledger.Change{
		Update: &ledger.PurchaseUpdate{
			ID: id, From: domain.StatusBuying, To: domain.StatusHolding,
			BuyOrderID: ptr("B0"), BuyPrice: ptr(decimal.RequireFromString(buyPrice)), BuyQty: ptr(decimal.RequireFromString(buyQty)),
		},
		Deltas: []ledger.BalanceDelta{{Asset: "ETH", Amount: decimal.RequireFromString(buyQty)}},
	})
	require.NoError(h.t, err)
	return id
}

func fillBuy(avg, qty, value, feeCurrency, fee string) func(o *domain.Order) {
	return func(o *domain.Order) {
		o.Status = domain.OrderStatusFilled
		o.AvgPrice = nd(avg)
		o.CumExecQty = nd(qty)
		o.CumExecValue = nd(value)
		o.FeeCurrency = feeCurrency
		o.CumExecFee = nd(fee)
	}
}

func fillSell(qty, value string) func(o *domain.Order) {
	return func(o *domain.Order) {
		o.Status = domain.OrderStatusFilled
		o.CumExecQty = nd(qty)
		o.CumExecValue = nd(value)
	}
}

func TestFullCycleConservesLedger(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "500")

	h.tick()
	p := h.purchase(1)
	assert.Equal(t, domain.StatusBuying, p.Status)
	assert.Equal(t, "B1", p.BuyOrderID)
	assert.Equal(t, t0, p.CreatedAt)
	h.assertBalance("USDT", "400")
	assert.Equal(t, []int64{1}, h.notes.created)
	require.Len(t, h.ex.buys, 1)
	assert.Equal(t, "100", h.ex.buys[0].Amount)
	assert.NotEmpty(t, h.ex.buys[0].LinkID)

	// nothing changed on the exchange: a second tick is a no-op
	before := len(h.events())
	h.tick()
	assert.Len(t, h.ex.buys, 1)
	assert.Len(t, h.events(), before)

	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()
	p = h.purchase(1)
	require.Equal(t, domain.StatusOpen, p.Status)
	assert.Equal(t, "2000", p.BuyPrice.Decimal.String())
	assert.Equal(t, "0.05", p.BuyQty.Decimal.String())
	assert.Equal(t, "2100", p.SellPrice.Decimal.String())
	assert.Equal(t, "0.05", p.SellQty.Decimal.String())
	require.NotNil(t, p.BuyFilledAt)
	h.assertBalance("ETH", "0.05")
	require.Len(t, h.ex.sells, 1)
	assert.Equal(t, placedCall{Symbol: tradeSymbol, Amount: "0.05", Price: "2100", LinkID: h.ex.sells[0].LinkID}, h.ex.sells[0])

	placed := h.lastPayload(domain.EventBuyFilledSellPlaced)
	assert.EqualValues(t, 1, placed["purchase_id"])
	assert.Equal(t, "S2", placed["sell_order_id"])
	assert.Equal(t, "0.1", placed["buy_fee"])

	before = len(h.events())
	h.tick()
	assert.Len(t, h.ex.sells, 1)
	assert.Len(t, h.events(), before)

	h.ex.convertFill = func(amount decimal.Decimal) (string, string) { return "4.999", "5" }
	h.ex.fill("S2", fillSell("0.05", "105"))
	h.tick()

	p = h.purchase(1)
	require.Equal(t, domain.StatusSold, p.Status)
	assert.Equal(t, "105", p.SellUSDT.Decimal.String())
	assert.Equal(t, "5", p.ProfitUSDT.Decimal.String())
	assert.Equal(t, "4.999", p.ProfitUSDC.Decimal.String())
	require.NotNil(t, p.SellFilledAt)
	require.Len(t, h.ex.converts, 1)
	assert.Equal(t, "5", h.ex.converts[0].Amount)

	// principal back, profit moved to the profit asset, base asset back to zero
	h.assertBalance("USDT", "500")
	h.assertBalance("ETH", "0")
	h.assertBalance("USDC", "4.999")
	assert.Equal(t, []string{"1:105:5:4.999"}, h.notes.sold)

	sold := h.lastPayload(domain.EventSold)
	assert.Equal(t, "100", sold["principal_usdt"])
	assert.Equal(t, convertSymbol, sold["profit_convert_symbol"])
	assert.Nil(t, sold["profit_convert_error"])

	assert.Equal(t, []domain.EventType{
		domain.EventBuyCreated,
		domain.EventBuyOrderPlaced,
		domain.EventBuyFilledSellPlaced,
		domain.EventSold,
	}, h.eventTypes())

	before = len(h.events())
	h.tick()
	assert.Len(t, h.events(), before)
	assert.Len(t, h.ex.converts, 1)
}

func TestBuyFeeInBaseAssetReducesSellQty(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()

	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "ETH", "0.00005"))
	h.tick()

	p := h.purchase(1)
	require.Equal(t, domain.StatusOpen, p.Status)
	assert.Equal(t, "0.04995", p.BuyQty.Decimal.String())
	// floored to the 0.0001 lot step
	assert.Equal(t, "0.0499", p.SellQty.Decimal.String())
	h.assertBalance("ETH", "0.04995")
}

func TestAveragePriceFallsBackToValueOverQty(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()

	h.ex.fill("B1", func(o *domain.Order) {
		o.Status = domain.OrderStatusFilled
		o.CumExecQty = nd("0.04")
		o.CumExecValue = nd("100")
	})
	h.tick()

	p := h.purchase(1)
	assert.Equal(t, "2500", p.BuyPrice.Decimal.String())
	assert.Equal(t, "2625", p.SellPrice.Decimal.String())
}

func TestSellFailureHoldsThenRetriesWithAdjustedQty(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()

	h.ex.sellErr = errors.New("insufficient balance")
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()

	p := h.purchase(1)
	require.Equal(t, domain.StatusHolding, p.Status)
	assert.Empty(t, p.SellOrderID)
	h.assertBalance("ETH", "0.05")
	failed := h.lastPayload(domain.EventBuyFilledSellFailed)
	assert.Nil(t, failed["sell_order_id"])
	assert.Equal(t, "2100", failed["sell_price"])

	// still failing: stays HOLDING, nothing recorded
	h.ex.wallet["ETH"] = decimal.RequireFromString("0.05")
	before := len(h.events())
	h.tick()
	assert.Equal(t, domain.StatusHolding, h.purchase(1).Status)
	assert.Len(t, h.events(), before)

	h.ex.sellErr = nil
	h.ex.wallet["ETH"] = decimal.RequireFromString("0.0498")
	h.tick()

	p = h.purchase(1)
	require.Equal(t, domain.StatusOpen, p.Status)
	assert.Equal(t, "0.0498", p.BuyQty.Decimal.String())
	assert.Equal(t, "0.0498", p.SellQty.Decimal.String())
	h.assertBalance("ETH", "0.0498")

	adjusted := h.lastPayload(domain.EventBuyQtyAdjusted)
	assert.Equal(t, "0.0002", adjusted["diff"])
	assert.Equal(t, "available_balance", adjusted["reason"])

	retry := h.lastPayload(domain.EventSellPlacedRetry)
	assert.Equal(t, p.SellOrderID, retry["sell_order_id"])
	assert.Nil(t, retry["recovered"])
}

func TestMarketBuyFailureRefundsAndMarksError(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "150")
	h.ex.buyErr = errors.New("bybit error (HTTP 200, retCode 170131): Insufficient balance")

	h.tick()

	p := h.purchase(1)
	assert.Equal(t, domain.StatusError, p.Status)
	assert.Empty(t, p.BuyOrderID)
	h.assertBalance("USDT", "150")
	assert.Equal(t, []domain.EventType{domain.EventBuyCreated, domain.EventBuyFailed}, h.eventTypes())
	assert.Contains(t, h.lastPayload(domain.EventBuyFailed)["error"], "Insufficient balance")

	// ERROR is terminal and the interval has not elapsed: later ticks do nothing
	h.ex.buyErr = nil
	h.tick()
	assert.Len(t, h.ex.buys, 1)
}

func TestInsufficientFundsSkipsPurchase(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "50")

	h.tick()

	latest, err := h.store.LatestPurchase(h.ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Empty(t, h.ex.buys)
	assert.Equal(t, []string{"100/50"}, h.notes.noFunds)
}

func TestFundsCheckToleratesFloatDrift(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "99.9999999999")

	h.tick()

	assert.Len(t, h.ex.buys, 1)
	assert.Empty(t, h.notes.noFunds)
}

func TestNewPurchaseWaitsForInterval(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "500")
	h.tick()
	require.Len(t, h.ex.buys, 1)

	h.engine.now = func() time.Time { return t0.Add(7*24*time.Hour - time.Second) }
	h.tick()
	assert.Len(t, h.ex.buys, 1)

	due, err := h.engine.NextDueAt(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(7*24*time.Hour), due)

	h.engine.now = func() time.Time { return due }
	h.tick()
	assert.Len(t, h.ex.buys, 2)
	h.assertBalance("USDT", "300")
}

func TestConversionFailureLeavesProfitPending(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()

	h.ex.convertErr = errors.New("convert rejected")
	h.ex.fill("S2", fillSell("0.05", "105"))
	h.tick()

	p := h.purchase(1)
	require.Equal(t, domain.StatusSoldPendingConvert, p.Status)
	assert.Equal(t, "5", p.ProfitUSDT.Decimal.String())
	assert.True(t, p.ProfitUSDC.Decimal.IsZero())
	h.assertBalance("USDT", "105")
	h.assertBalance("USDC", "0")
	assert.Empty(t, h.notes.sold)
	assert.Contains(t, h.lastPayload(domain.EventSoldProfitPending)["profit_convert_error"], "convert rejected")

	// conversion works again on the next tick
	h.ex.convertErr = nil
	h.ex.convertFill = func(amount decimal.Decimal) (string, string) { return "4.998", "4.9995" }
	h.tick()

	p = h.purchase(1)
	require.Equal(t, domain.StatusSold, p.Status)
	assert.Equal(t, "4.998", p.ProfitUSDC.Decimal.String())
	h.assertBalance("USDT", "100.0005")
	h.assertBalance("USDC", "4.998")

	retry := h.lastPayload(domain.EventProfitConvertRetry)
	assert.Equal(t, "4.9995", retry["profit_convert_usdt_spent"])
	assert.Equal(t, convertSymbol, retry["profit_convert_symbol"])
}

func TestPendingConversionWaitsForLedgerFunds(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()
	h.ex.convertErr = errors.New("convert rejected")
	h.ex.fill("S2", fillSell("0.05", "105"))
	h.tick()
	require.Len(t, h.ex.converts, 1)

	h.ex.convertErr = nil
	h.fund("USDT", "-102")
	h.tick()

	assert.Equal(t, domain.StatusSoldPendingConvert, h.purchase(1).Status)
	assert.Len(t, h.ex.converts, 1)
}

func TestZeroProfitSettlesWithoutConversion(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()

	// proceeds below principal: profit clamps to zero
	h.ex.fill("S2", fillSell("0.05", "99"))
	h.tick()

	p := h.purchase(1)
	assert.Equal(t, domain.StatusSold, p.Status)
	assert.True(t, p.ProfitUSDT.Decimal.IsZero())
	assert.Empty(t, h.ex.converts)
	h.assertBalance("USDT", "99")
}

func TestSellCreditsActualProceeds(t *testing.T) {
	tests := []struct {
		name       string
		proceeds   string
		convertErr error
		wantStatus domain.PurchaseStatus
		wantUSDT   string
		wantUSDC   string
	}{
		{name: "loss", proceeds: "95", wantStatus: domain.StatusSold, wantUSDT: "95", wantUSDC: "0"},
		{name: "break even", proceeds: "100", wantStatus: domain.StatusSold, wantUSDT: "100", wantUSDC: "0"},
		{name: "profit converted", proceeds: "106", wantStatus: domain.StatusSold, wantUSDT: "100", wantUSDC: "6"},
		{name: "profit pending conversion", proceeds: "106", convertErr: errors.New("rejected"), wantStatus: domain.StatusSoldPendingConvert, wantUSDT: "106", wantUSDC: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			h.fund("USDT", "100")
			h.tick()
			h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
			h.tick()
			h.assertBalance("USDT", "0")

			h.ex.convertErr = tt.convertErr
			h.ex.fill("S2", fillSell("0.05", tt.proceeds))
			require.NoError(t, h.engine.syncOpen(h.ctx))

			p := h.purchase(1)
			assert.Equal(t, tt.wantStatus, p.Status)
			assert.Equal(t, tt.proceeds, p.SellUSDT.Decimal.String())
			h.assertBalance("USDT", tt.wantUSDT)
			h.assertBalance("USDC", tt.wantUSDC)
			h.assertBalance("ETH", "0")
		})
	}
}

func TestConvertedProfitCreditUsesSpentAmount(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()

	// market buy filled slightly under the requested quote
	h.ex.convertFill = func(amount decimal.Decimal) (string, string) { return "4.997", "4.998" }
	h.ex.fill("S2", fillSell("0.05", "105"))
	h.tick()

	require.Equal(t, domain.StatusSold, h.purchase(1).Status)
	h.assertBalance("USDT", "100.002")
	h.assertBalance("USDC", "4.997")
}

// failingApplyStore fails the next status changes leaving from, after the
// exchange side of the step already happened.
type failingApplyStore struct {
	ledgerStore
	from     domain.PurchaseStatus
	failures int
}

func (s *failingApplyStore) Apply(ctx context.Context, ch ledger.Change) (int64, error) {
	if ch.Update != nil && ch.Update.From == s.from && s.failures > 0 {
		s.failures--
		return 0, errors.New("database is locked")
	}
	return s.ledgerStore.Apply(ctx, ch)
}

func TestFailedSettleCommitReusesConversion(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()

	h.engine.store = &failingApplyStore{ledgerStore: h.store, from: domain.StatusOpen, failures: 1}
	h.ex.fill("S2", fillSell("0.05", "105"))

	err := h.engine.Tick(h.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, domain.StatusOpen, h.purchase(1).Status)
	require.Len(t, h.ex.converts, 1)

	h.tick()

	p := h.purchase(1)
	require.Equal(t, domain.StatusSold, p.Status)
	assert.Len(t, h.ex.converts, 1)
	assert.Equal(t, "5", p.ProfitUSDC.Decimal.String())
	h.assertBalance("USDT", "100")
	h.assertBalance("USDC", "5")
	assert.Equal(t, "C3", h.lastPayload(domain.EventSold)["profit_convert_order_id"])
}

func TestFailedRetryCommitReusesConversion(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()
	h.ex.convertErr = errors.New("convert rejected")
	h.ex.fill("S2", fillSell("0.05", "105"))
	h.tick()
	require.Equal(t, domain.StatusSoldPendingConvert, h.purchase(1).Status)

	h.ex.convertErr = nil
	h.engine.store = &failingApplyStore{ledgerStore: h.store, from: domain.StatusSoldPendingConvert, failures: 1}
	require.Error(t, h.engine.Tick(h.ctx))
	require.Len(t, h.ex.converts, 2)

	h.tick()

	require.Equal(t, domain.StatusSold, h.purchase(1).Status)
	assert.Len(t, h.ex.converts, 2)
	h.assertBalance("USDT", "100")
	h.assertBalance("USDC", "5")
}

func TestZeroProfitPendingConversionLogsEvent(t *testing.T) {
	h := newHarness(t, false)
	id := h.seedHolding("2000", "0.05")
	_, err := h.store.Apply(h.ctx, ledger.Change{
		Update: &ledger.PurchaseUpdate{
			ID: id, From: domain.StatusHolding, To: domain.StatusOpen,
			SellOrderID: ptr("S0"), SellPrice: ptr(decimal.NewFromInt(2100)), SellQty: ptr(decimal.RequireFromString("0.05")),
		},
	})
	require.NoError(t, err)
	_, err = h.store.Apply(h.ctx, ledger.Change{
		Update: &ledger.PurchaseUpdate{
			ID: id, From: domain.StatusOpen, To: domain.StatusSoldPendingConvert,
			SellUSDT: ptr(decimal.NewFromInt(100)), ProfitUSDT: ptr(decimal.Zero),
		},
	})
	require.NoError(t, err)

	before := len(h.events())
	require.NoError(t, h.engine.syncPendingConvert(h.ctx))

	assert.Equal(t, domain.StatusSold, h.purchase(id).Status)
	require.Len(t, h.events(), before+1)
	retry := h.lastPayload(domain.EventProfitConvertRetry)
	assert.EqualValues(t, id, retry["purchase_id"])
	assert.Equal(t, "0", retry["profit_usdt"])
	assert.Equal(t, "no profit to convert", retry["note"])
	assert.Empty(t, h.ex.converts)
}

func TestPartialSellFillKeepsPurchaseOpen(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()

	h.ex.fill("S2", func(o *domain.Order) {
		o.Status = "PartiallyFilled"
		o.CumExecQty = nd("0.02")
		o.CumExecValue = nd("42")
	})
	before := len(h.events())
	h.tick()

	assert.Equal(t, domain.StatusOpen, h.purchase(1).Status)
	assert.Len(t, h.events(), before)
	h.assertBalance("ETH", "0.05")
}

func TestDryRunPlacesNothing(t *testing.T) {
	h := newHarness(t, true)
	h.fund("USDT", "500")
	h.ex.ticker, h.ex.tickerFound = decimal.NewFromInt(2000), true

	h.tick()

	latest, err := h.store.LatestPurchase(h.ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Empty(t, h.ex.buys)
	assert.Empty(t, h.notes.created)
	h.assertBalance("USDT", "500")
}

func TestDryRunSkipsExchangeForExistingPurchases(t *testing.T) {
	h := newHarness(t, true)
	h.seedHolding("2000", "0.05")

	h.tick()

	assert.Equal(t, domain.StatusHolding, h.purchase(1).Status)
	assert.Zero(t, h.ex.walletHits)
	assert.Empty(t, h.ex.sells)
}

func TestRecoverJournaledBuy(t *testing.T) {
	h := newHarness(t, false)
	id, err := h.store.Apply(h.ctx, ledger.Change{
		Create: &ledger.NewPurchase{CreatedAt: t0, BuyUSDT: decimal.NewFromInt(100), SellMarkupPct: decimal.NewFromInt(5)},
		Deltas: []ledger.BalanceDelta{{Asset: "USDT", Amount: decimal.NewFromInt(-100)}},
	})
	require.NoError(t, err)
	intent, err := h.journal.Prepare(id, intents.ActionBuy, tradeSymbol, decimal.NewFromInt(100), decimal.Zero)
	require.NoError(t, err)
	orderID := h.ex.adopt("B", intent.LinkID, &domain.Order{Status: "New"})

	h.tick()

	p := h.purchase(id)
	assert.Equal(t, domain.StatusBuying, p.Status)
	assert.Equal(t, orderID, p.BuyOrderID)
	assert.Equal(t, intent.LinkID, h.lastPayload(domain.EventBuyOrderRecovered)["order_link_id"])
	_, pending := h.journal.Pending(id, intents.ActionBuy)
	assert.False(t, pending)
	assert.Empty(t, h.ex.buys)
}

func TestJournaledBuyUnknownToExchangeIsRefunded(t *testing.T) {
	h := newHarness(t, false)
	id, err := h.store.Apply(h.ctx, ledger.Change{
		Create: &ledger.NewPurchase{CreatedAt: t0, BuyUSDT: decimal.NewFromInt(100), SellMarkupPct: decimal.NewFromInt(5)},
		Deltas: []ledger.BalanceDelta{{Asset: "USDT", Amount: decimal.NewFromInt(-100)}},
	})
	require.NoError(t, err)
	_, err = h.journal.Prepare(id, intents.ActionBuy, tradeSymbol, decimal.NewFromInt(100), decimal.Zero)
	require.NoError(t, err)

	h.tick()

	assert.Equal(t, domain.StatusError, h.purchase(id).Status)
	h.assertBalance("USDT", "0")
	assert.Equal(t, "not_found_on_exchange", h.lastPayload(domain.EventBuyFailed)["reason"])
}

func TestBuyingWithoutOrderIDOrIntentIsLeftAlone(t *testing.T) {
	h := newHarness(t, false)
	id, err := h.store.Apply(h.ctx, ledger.Change{
		Create: &ledger.NewPurchase{CreatedAt: t0, BuyUSDT: decimal.NewFromInt(100), SellMarkupPct: decimal.NewFromInt(5)},
	})
	require.NoError(t, err)

	h.tick()

	assert.Equal(t, domain.StatusBuying, h.purchase(id).Status)
	assert.Empty(t, h.events())
}

func TestHoldingAdoptsJournaledSell(t *testing.T) {
	h := newHarness(t, false)
	id := h.seedHolding("2000", "0.05")
	intent, err := h.journal.Prepare(id, intents.ActionSell, tradeSymbol, decimal.RequireFromString("0.05"), decimal.NewFromInt(2100))
	require.NoError(t, err)
	orderID := h.ex.adopt("S", intent.LinkID, &domain.Order{Status: "New", Qty: nd("0.05"), Price: nd("2100")})

	h.tick()

	p := h.purchase(id)
	require.Equal(t, domain.StatusOpen, p.Status)
	assert.Equal(t, orderID, p.SellOrderID)
	assert.Equal(t, "2100", p.SellPrice.Decimal.String())
	assert.Empty(t, h.ex.sells)
	assert.Zero(t, h.ex.walletHits)
	assert.Equal(t, true, h.lastPayload(domain.EventSellPlacedRetry)["recovered"])
}

func TestFilledBuyAdoptsJournaledSell(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")
	h.tick()
	intent, err := h.journal.Prepare(1, intents.ActionSell, tradeSymbol, decimal.RequireFromString("0.05"), decimal.NewFromInt(2100))
	require.NoError(t, err)
	orderID := h.ex.adopt("S", intent.LinkID, &domain.Order{Status: "New", Qty: nd("0.05"), Price: nd("2100")})

	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()

	p := h.purchase(1)
	require.Equal(t, domain.StatusOpen, p.Status)
	assert.Equal(t, orderID, p.SellOrderID)
	assert.Empty(t, h.ex.sells)
}

func TestTransitionsFollowLifecycleEdges(t *testing.T) {
	h := newHarness(t, false)
	h.fund("USDT", "100")

	var seen []domain.PurchaseStatus
	record := func() {
		p := h.purchase(1)
		if len(seen) == 0 || seen[len(seen)-1] != p.Status {
			if len(seen) > 0 {
				require.True(t, seen[len(seen)-1].CanTransitionTo(p.Status), "%s -> %s", seen[len(seen)-1], p.Status)
			}
			seen = append(seen, p.Status)
		}
	}

	h.tick()
	record()
	h.ex.sellErr = errors.New("rejected")
	h.ex.fill("B1", fillBuy("2000", "0.05", "100", "USDT", "0.1"))
	h.tick()
	record()
	h.ex.sellErr = nil
	h.tick()
	record()
	h.ex.convertErr = errors.New("rejected")
	h.ex.fill(h.purchase(1).SellOrderID, fillSell("0.05", "105"))
	h.tick()
	record()
	h.ex.convertErr = nil
	h.tick()
	record()

	assert.Equal(t, []domain.PurchaseStatus{
		domain.StatusBuying, domain.StatusHolding, domain.StatusOpen, domain.StatusSoldPendingConvert, domain.StatusSold,
	}, seen)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(zap.NewNop(), Config{Pair: domain.Pair{From: "ETH", To: "USDT"}, ProfitAsset: "USDC", IntervalDays: 7}, nil, nil, nil, nil, nil)
	require.Error(t, err)

	_, err = New(zap.NewNop(), Config{Pair: domain.Pair{From: "ETH", To: "USDT"}, ProfitAsset: "USDC", AmountUSDT: decimal.NewFromInt(1)}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
