// Package exchange implements the Bybit v5 spot gateway used by the bot:
// signed REST calls, instrument-filter caching and order quantization.
package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
)

const (
	categorySpot       = "spot"
	accountTypeUnified = "UNIFIED"

	defaultBaseURL     = "https://api.bybit.com"
	defaultRecvWindow  = 5000
	defaultAccountType = "SPOT"
	defaultTimeout     = 20 * time.Second
)

// Config connection settings of the gateway.
type Config struct {
	BaseURL     string
	APIKey      string
	APISecret   string
	RecvWindow  int
	AccountType string
	Timeout     time.Duration
}

// tickerService public market data endpoint of the bybit SDK.
type tickerService interface {
	GetTickers(bybit.V5GetTickersParam) (*bybit.V5GetTickersResponse, error)
}

// Gateway Bybit spot REST gateway.
type Gateway struct {
	l           *zap.Logger
	baseURL     string
	accountType string
	signer      signer
	httpClient  *http.Client
	market      tickerService
	now         func() time.Time

	mu          sync.Mutex
	instruments map[string]InstrumentFilters
}

// NewGateway creates a gateway. market serves the public ticker endpoint.
func NewGateway(l *zap.Logger, cfg Config, market tickerService) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.AccountType == "" {
		cfg.AccountType = defaultAccountType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Gateway{
		l:           l,
		baseURL:     cfg.BaseURL,
		accountType: cfg.AccountType,
		signer:      signer{apiKey: cfg.APIKey, apiSecret: cfg.APISecret, recvWindow: cfg.RecvWindow},
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		market:      market,
		now:         time.Now,
		instruments: make(map[string]InstrumentFilters),
	}
}

// PlacedOrder order accepted by the exchange together with the values actually sent.
type PlacedOrder struct {
	OrderID     string
	OrderLinkID string
	Qty         decimal.Decimal
	Price       decimal.Decimal
}

// TickerLastPrice last traded price. ok is false when the exchange has no price for symbol.
func (g *Gateway) TickerLastPrice(ctx context.Context, symbol string) (price decimal.Decimal, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, false, err
	}

	sym := bybit.SymbolV5(symbol)
	result, err := g.market.GetTickers(bybit.V5GetTickersParam{
		Category: categorySpot,
		Symbol:   &sym,
	})
	if err != nil {
		return decimal.Zero, false, errors.Wrapf(err, "get ticker %s", symbol)
	}

	if result == nil || result.Result.Spot == nil || len(result.Result.Spot.List) == 0 {
		return decimal.Zero, false, nil
	}
	last := strings.TrimSpace(result.Result.Spot.List[0].LastPrice)
	if last == "" {
		return decimal.Zero, false, nil
	}

	price, err = decimal.NewFromString(last)
	if err != nil {
		return decimal.Zero, false, errors.Wrapf(err, "parse last price %q for %s", last, symbol)
	}
	return price, true, nil
}

type walletCoin struct {
	Coin                string  `json:"coin"`
	WalletBalance       *string `json:"walletBalance"`
	AvailableToWithdraw *string `json:"availableToWithdraw"`
	AvailableToTransfer *string `json:"availableToTransfer"`
}

type walletResult struct {
	List []struct {
		AccountType string       `json:"accountType"`
		Coin        []walletCoin `json:"coin"`
	} `json:"list"`
}

// WalletBalance exchange-side balance of asset. When the configured account type is
// rejected in favour of UNIFIED the request is repeated once with UNIFIED.
func (g *Gateway) WalletBalance(ctx context.Context, asset string) (amount decimal.Decimal, ok bool, err error) {
	var res walletResult
	err = g.call(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]string{
		"accountType": g.accountType,
		"coin":        asset,
	}, true, &res)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.isAccountTypeMismatch() || strings.EqualFold(g.accountType, accountTypeUnified) {
			return decimal.Zero, false, errors.Wrapf(err, "wallet balance %s", asset)
		}

		g.l.Info("account type rejected, retrying wallet balance with UNIFIED",
			zap.String("account_type", g.accountType), zap.String("asset", asset), zap.String("ret_msg", apiErr.RetMsg))
		res = walletResult{}
		if err := g.call(ctx, http.MethodGet, "/v5/account/wallet-balance", map[string]string{
			"accountType": accountTypeUnified,
			"coin":        asset,
		}, true, &res); err != nil {
			return decimal.Zero, false, errors.Wrapf(err, "wallet balance %s (UNIFIED)", asset)
		}
	}

	if len(res.List) == 0 {
		return decimal.Zero, false, nil
	}
	for _, c := range res.List[0].Coin {
		if c.Coin != asset {
			continue
		}
		for _, candidate := range []*string{c.WalletBalance, c.AvailableToWithdraw, c.AvailableToTransfer} {
			if v := optionalDecimal(candidate); v.Valid {
				return v.Decimal, true, nil
			}
		}
		return decimal.Zero, false, nil
	}
	return decimal.Zero, false, nil
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// CreateMarketBuyByQuote market buy sized in quote currency. linkID becomes the
// orderLinkId and lets a crashed placement be looked up later.
func (g *Gateway) CreateMarketBuyByQuote(ctx context.Context, symbol string, quoteAmount decimal.Decimal, linkID string) (string, error) {
	if !quoteAmount.IsPositive() {
		return "", errors.Errorf("market buy %s: quote amount must be positive, got %s", symbol, quoteAmount)
	}

	params := map[string]string{
		"category":    categorySpot,
		"symbol":      symbol,
		"side":        "Buy",
		"orderType":   "Market",
		"qty":         FormatPlain(quoteAmount),
		"marketUnit":  "quoteCoin",
		"timeInForce": "IOC",
	}
	if linkID != "" {
		params["orderLinkId"] = linkID
	}

	var res createOrderResult
	if err := g.call(ctx, http.MethodPost, "/v5/order/create", params, true, &res); err != nil {
		return "", errors.Wrapf(err, "market buy %s", symbol)
	}
	if res.OrderID == "" {
		return "", errors.Wrapf(ErrNoOrderID, "market buy %s", symbol)
	}
	return res.OrderID, nil
}

// CreateLimitSell GTC limit sell. Quantity is floored to the lot step and price is
// ceiled to the tick before submission; invalid results fail with *ValidationError
// without contacting the order endpoint.
func (g *Gateway) CreateLimitSell(ctx context.Context, symbol string, baseQty, price decimal.Decimal, linkID string) (PlacedOrder, error) {
	filters, err := g.InstrumentFilters(ctx, symbol)
	if err != nil {
		return PlacedOrder{}, err
	}

	order, err := QuantizeLimitOrder(filters, baseQty, price)
	if err != nil {
		return PlacedOrder{}, err
	}

	params := map[string]string{
		"category":    categorySpot,
		"symbol":      symbol,
		"side":        "Sell",
		"orderType":   "Limit",
		"qty":         order.QtyText,
		"price":       order.PriceText,
		"timeInForce": "GTC",
	}
	if linkID != "" {
		params["orderLinkId"] = linkID
	}

	var res createOrderResult
	if err := g.call(ctx, http.MethodPost, "/v5/order/create", params, true, &res); err != nil {
		return PlacedOrder{}, errors.Wrapf(err, "limit sell rejected %s", filters.context(order.QtyText, order.PriceText))
	}
	if res.OrderID == "" {
		return PlacedOrder{}, errors.Wrapf(ErrNoOrderID, "limit sell %s", symbol)
	}

	return PlacedOrder{OrderID: res.OrderID, OrderLinkID: linkID, Qty: order.Qty, Price: order.Price}, nil
}

type orderItem struct {
	OrderID      string  `json:"orderId"`
	OrderLinkID  string  `json:"orderLinkId"`
	OrderStatus  string  `json:"orderStatus"`
	Price        *string `json:"price"`
	Qty          *string `json:"qty"`
	AvgPrice     *string `json:"avgPrice"`
	CumExecQty   *string `json:"cumExecQty"`
	CumExecValue *string `json:"cumExecValue"`
	FeeCurrency  string  `json:"feeCurrency"`
	CumExecFee   *string `json:"cumExecFee"`
}

type orderListResult struct {
	List []orderItem `json:"list"`
}

// GetOrder realtime state of an order. Returns nil when the exchange does not know it.
func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	return g.queryOrder(ctx, symbol, "orderId", orderID)
}

// GetOrderByLinkID looks an order up by its client-assigned orderLinkId, in the
// realtime view first and then in the order history. Returns nil only when
// neither knows it.
func (g *Gateway) GetOrderByLinkID(ctx context.Context, symbol, linkID string) (*domain.Order, error) {
	order, err := g.queryOrder(ctx, symbol, "orderLinkId", linkID)
	if err != nil || order != nil {
		return order, err
	}
	return g.queryOrderAt(ctx, "/v5/order/history", symbol, "orderLinkId", linkID)
}

func (g *Gateway) queryOrder(ctx context.Context, symbol, key, value string) (*domain.Order, error) {
	return g.queryOrderAt(ctx, "/v5/order/realtime", symbol, key, value)
}

func (g *Gateway) queryOrderAt(ctx context.Context, path, symbol, key, value string) (*domain.Order, error) {
	if value == "" {
		return nil, errors.Errorf("get order %s: empty %s", symbol, key)
	}

	var res orderListResult
	if err := g.call(ctx, http.MethodGet, path, map[string]string{
		"category": categorySpot,
		"symbol":   symbol,
		key:        value,
	}, true, &res); err != nil {
		return nil, errors.Wrapf(err, "get order %s %s=%s", symbol, key, value)
	}
	if len(res.List) == 0 {
		return nil, nil
	}

	item := res.List[0]
	return &domain.Order{
		OrderID:      item.OrderID,
		OrderLinkID:  item.OrderLinkID,
		Status:       item.OrderStatus,
		Price:        optionalDecimal(item.Price),
		Qty:          optionalDecimal(item.Qty),
		AvgPrice:     optionalDecimal(item.AvgPrice),
		CumExecQty:   optionalDecimal(item.CumExecQty),
		CumExecValue: optionalDecimal(item.CumExecValue),
		FeeCurrency:  item.FeeCurrency,
		CumExecFee:   optionalDecimal(item.CumExecFee),
	}, nil
}

type instrumentItem struct {
	Symbol        string      `json:"symbol"`
	PriceScale    optionalInt `json:"priceScale"`
	LotSizeFilter struct {
		QtyStep       string  `json:"qtyStep"`
		BasePrecision string  `json:"basePrecision"`
		MinOrderQty   *string `json:"minOrderQty"`
		MinOrderAmt   *string `json:"minOrderAmt"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

type instrumentsResult struct {
	List []instrumentItem `json:"list"`
}

// InstrumentFilters cached per-symbol order constraints.
func (g *Gateway) InstrumentFilters(ctx context.Context, symbol string) (InstrumentFilters, error) {
	g.mu.Lock()
	cached, ok := g.instruments[symbol]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	var res instrumentsResult
	if err := g.call(ctx, http.MethodGet, "/v5/market/instruments-info", map[string]string{
		"category": categorySpot,
		"symbol":   symbol,
	}, false, &res); err != nil {
		return InstrumentFilters{}, errors.Wrapf(err, "instrument info %s", symbol)
	}
	if len(res.List) == 0 {
		return InstrumentFilters{}, errors.Errorf("no instrument info for %s", symbol)
	}

	item := res.List[0]
	filters := InstrumentFilters{
		Symbol:        symbol,
		QtyStep:       item.LotSizeFilter.QtyStep,
		BasePrecision: item.LotSizeFilter.BasePrecision,
		TickSize:      item.PriceFilter.TickSize,
		PriceScale:    item.PriceScale.value,
		MinOrderQty:   optionalDecimal(item.LotSizeFilter.MinOrderQty),
		MinOrderAmt:   optionalDecimal(item.LotSizeFilter.MinOrderAmt),
	}

	g.mu.Lock()
	g.instruments[symbol] = filters
	g.mu.Unlock()

	return filters, nil
}

func optionalDecimal(s *string) decimal.NullDecimal {
	if s == nil || strings.TrimSpace(*s) == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*s))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// optionalInt accepts both 2 and "2"; absent or empty stays nil.
type optionalInt struct {
	value *int
}

func (o *optionalInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		o.value = nil
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return errors.Wrapf(err, "parse integer %s", string(data))
	}
	o.value = &v
	return nil
}

var _ json.Unmarshaler = (*optionalInt)(nil)
