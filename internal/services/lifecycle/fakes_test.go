package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/exchange"
)

const (
	tradeSymbol   = "ETHUSDT"
	convertSymbol = "USDCUSDT"
)

type placedCall struct {
	Symbol string
	Amount string
	Price  string
	LinkID string
}

// fakeExchange in-memory spot venue. Buys and sells rest until a test fills them;
// conversions fill immediately 1:1 unless convertFill says otherwise.
type fakeExchange struct {
	mu sync.Mutex

	filters exchange.InstrumentFilters
	orders  map[string]*domain.Order
	byLink  map[string]string
	seq     int

	ticker      decimal.Decimal
	tickerFound bool
	wallet      map[string]decimal.Decimal
	walletErr   error

	buyErr      error
	sellErr     error
	convertErr  error
	convertFill func(amount decimal.Decimal) (qty, value string)

	buys       []placedCall
	sells      []placedCall
	converts   []placedCall
	getOrders  int
	walletHits int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		filters: exchange.InstrumentFilters{Symbol: tradeSymbol, QtyStep: "0.0001", TickSize: "0.01"},
		orders:  map[string]*domain.Order{},
		byLink:  map[string]string{},
		wallet:  map[string]decimal.Decimal{},
	}
}

func (f *fakeExchange) TickerLastPrice(_ context.Context, _ string) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticker, f.tickerFound, nil
}

func (f *fakeExchange) WalletBalance(_ context.Context, asset string) (decimal.Decimal, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.walletHits++
	if f.walletErr != nil {
		return decimal.Zero, false, f.walletErr
	}
	v, ok := f.wallet[asset]
	return v, ok, nil
}

func (f *fakeExchange) CreateMarketBuyByQuote(_ context.Context, symbol string, quote decimal.Decimal, linkID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := placedCall{Symbol: symbol, Amount: quote.String(), LinkID: linkID}
	if symbol == convertSymbol {
		f.converts = append(f.converts, call)
		if f.convertErr != nil {
			return "", f.convertErr
		}
		qty, value := quote.String(), quote.String()
		if f.convertFill != nil {
			qty, value = f.convertFill(quote)
		}
		return f.addOrder("C", linkID, &domain.Order{
			Status:       domain.OrderStatusFilled,
			CumExecQty:   nd(qty),
			CumExecValue: nd(value),
		}), nil
	}

	f.buys = append(f.buys, call)
	if f.buyErr != nil {
		return "", f.buyErr
	}
	return f.addOrder("B", linkID, &domain.Order{Status: "New"}), nil
}

func (f *fakeExchange) CreateLimitSell(_ context.Context, symbol string, qty, price decimal.Decimal, linkID string) (exchange.PlacedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	order, err := exchange.QuantizeLimitOrder(f.filters, qty, price)
	if err != nil {
		return exchange.PlacedOrder{}, err
	}
	f.sells = append(f.sells, placedCall{Symbol: symbol, Amount: order.QtyText, Price: order.PriceText, LinkID: linkID})
	if f.sellErr != nil {
		return exchange.PlacedOrder{}, f.sellErr
	}
	id := f.addOrder("S", linkID, &domain.Order{
		Status: "New",
		Qty:    decimal.NewNullDecimal(order.Qty),
		Price:  decimal.NewNullDecimal(order.Price),
	})
	return exchange.PlacedOrder{OrderID: id, OrderLinkID: linkID, Qty: order.Qty, Price: order.Price}, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _ string, orderID string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOrders++
	o, ok := f.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeExchange) GetOrderByLinkID(ctx context.Context, symbol, linkID string) (*domain.Order, error) {
	f.mu.Lock()
	id, ok := f.byLink[linkID]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return f.GetOrder(ctx, symbol, id)
}

// adopt registers an order the exchange accepted under linkID without the bot seeing the response.
func (f *fakeExchange) adopt(prefix, linkID string, o *domain.Order) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addOrder(prefix, linkID, o)
}

func (f *fakeExchange) fill(orderID string, mutate func(o *domain.Order)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		panic(errors.Errorf("unknown order %s", orderID))
	}
	mutate(o)
}

func (f *fakeExchange) addOrder(prefix, linkID string, o *domain.Order) string {
	f.seq++
	id := fmt.Sprintf("%s%d", prefix, f.seq)
	o.OrderID = id
	o.OrderLinkID = linkID
	f.orders[id] = o
	if linkID != "" {
		f.byLink[linkID] = id
	}
	return id
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

type recordingNotifier struct {
	created []int64
	sold    []string
	noFunds []string
}

func (n *recordingNotifier) PurchaseCreated(_ context.Context, purchaseID int64, _ decimal.Decimal, _ string) bool {
	n.created = append(n.created, purchaseID)
	return true
}

func (n *recordingNotifier) Sold(_ context.Context, purchaseID int64, sellUSDT, profitUSDT, profitUSDC decimal.Decimal) bool {
	n.sold = append(n.sold, fmt.Sprintf("%d:%s:%s:%s", purchaseID, sellUSDT, profitUSDT, profitUSDC))
	return true
}

func (n *recordingNotifier) InsufficientFunds(_ context.Context, need, have decimal.Decimal) bool {
	n.noFunds = append(n.noFunds, need.String()+"/"+have.String())
	return true
}
