package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/clients"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	Header http.Header
}

// fakeBybit minimal v5 REST server. Handlers return the "result" object or an error envelope.
type fakeBybit struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]func(r recordedRequest) (status int, body any)
}

func newFakeBybit(t *testing.T) *fakeBybit {
	f := &fakeBybit{t: t, handlers: make(map[string]func(r recordedRequest) (int, any))}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body), Header: r.Header.Clone()}
		f.mu.Lock()
		f.requests = append(f.requests, rec)
		handler, ok := f.handlers[r.URL.Path]
		f.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"retCode":404,"retMsg":"not found"}`))
			return
		}
		status, payload := handler(rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBybit) handle(path string, h func(r recordedRequest) (int, any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeBybit) requestsTo(path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBybit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func ok(result any) (int, any) {
	return http.StatusOK, map[string]any{"retCode": 0, "retMsg": "OK", "result": result}
}

func fail(code int, msg string) (int, any) {
	return http.StatusOK, map[string]any{"retCode": code, "retMsg": msg, "result": map[string]any{}}
}

func newTestGateway(t *testing.T, f *fakeBybit, cfg Config) *Gateway {
	cfg.BaseURL = f.srv.URL
	market := clients.NewBybitClient(f.srv.URL, "", "").V5().Market()
	g := NewGateway(zap.NewNop(), cfg, market)
	g.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return g
}

func authedConfig() Config {
	return Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000, AccountType: "SPOT"}
}

func TestGateway_SignsAuthenticatedGet(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/order/realtime", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"list": []any{}})
	})
	g := newTestGateway(t, f, authedConfig())

	order, err := g.GetOrder(context.Background(), "ETHUSDT", "123")
	require.NoError(t, err)
	require.Nil(t, order, "unknown order must be reported as absent")

	reqs := f.requestsTo("/v5/order/realtime")
	require.Len(t, reqs, 1)
	require.Equal(t, "category=spot&orderId=123&symbol=ETHUSDT", reqs[0].Query)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000key5000" + reqs[0].Query))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), reqs[0].Header.Get("X-BAPI-SIGN"))
	require.Equal(t, "1700000000000", reqs[0].Header.Get("X-BAPI-TIMESTAMP"))
}

func TestGateway_MissingCredentialsNeverCallsNetwork(t *testing.T) {
	f := newFakeBybit(t)
	g := newTestGateway(t, f, Config{})
	ctx := context.Background()

	_, _, err := g.WalletBalance(ctx, "USDT")
	require.True(t, errors.Is(err, ErrMissingCredentials), "got %v", err)

	_, err = g.CreateMarketBuyByQuote(ctx, "ETHUSDT", dec("100"), "")
	require.True(t, errors.Is(err, ErrMissingCredentials))

	_, err = g.GetOrder(ctx, "ETHUSDT", "1")
	require.True(t, errors.Is(err, ErrMissingCredentials))

	require.Zero(t, f.count())
}

func TestGateway_WalletBalanceUnifiedFallback(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/account/wallet-balance", func(r recordedRequest) (int, any) {
		if r.Query == "accountType=SPOT&coin=USDT" {
			return fail(10001, "accountType only support UNIFIED.")
		}
		return ok(map[string]any{"list": []any{map[string]any{
			"accountType": "UNIFIED",
			"coin": []any{
				map[string]any{"coin": "USDT", "walletBalance": "", "availableToWithdraw": "250.5"},
			},
		}}})
	})
	g := newTestGateway(t, f, authedConfig())

	amount, found, err := g.WalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "250.5", amount.String())

	reqs := f.requestsTo("/v5/account/wallet-balance")
	require.Len(t, reqs, 2)
	require.Equal(t, "accountType=UNIFIED&coin=USDT", reqs[1].Query)
}

func TestGateway_WalletBalanceOtherErrorsSurface(t *testing.T) {
	tests := []struct {
		name        string
		accountType string
		code        int
		msg         string
	}{
		{name: "different code", accountType: "SPOT", code: 10003, msg: "accountType only support UNIFIED"},
		{name: "unrelated message", accountType: "SPOT", code: 10001, msg: "params error: coin"},
		{name: "already unified", accountType: "UNIFIED", code: 10001, msg: "accountType only support UNIFIED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBybit(t)
			f.handle("/v5/account/wallet-balance", func(r recordedRequest) (int, any) {
				return fail(tt.code, tt.msg)
			})
			cfg := authedConfig()
			cfg.AccountType = tt.accountType
			g := newTestGateway(t, f, cfg)

			_, _, err := g.WalletBalance(context.Background(), "USDT")
			require.Error(t, err)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			require.Equal(t, tt.code, apiErr.RetCode)
			require.Len(t, f.requestsTo("/v5/account/wallet-balance"), 1)
		})
	}
}

func TestGateway_WalletBalanceAbsent(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/account/wallet-balance", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"list": []any{map[string]any{"coin": []any{
			map[string]any{"coin": "BTC", "walletBalance": "1"},
		}}}})
	})
	g := newTestGateway(t, f, authedConfig())

	_, found, err := g.WalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGateway_CreateMarketBuyByQuote(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/order/create", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"orderId": "buy-1", "orderLinkId": "link-1"})
	})
	g := newTestGateway(t, f, authedConfig())

	id, err := g.CreateMarketBuyByQuote(context.Background(), "ETHUSDT", dec("100.50"), "link-1")
	require.NoError(t, err)
	require.Equal(t, "buy-1", id)

	reqs := f.requestsTo("/v5/order/create")
	require.Len(t, reqs, 1)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(reqs[0].Body), &body))
	require.Equal(t, map[string]string{
		"category":    "spot",
		"symbol":      "ETHUSDT",
		"side":        "Buy",
		"orderType":   "Market",
		"qty":         "100.5",
		"marketUnit":  "quoteCoin",
		"timeInForce": "IOC",
		"orderLinkId": "link-1",
	}, body)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("1700000000000key5000" + reqs[0].Body))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), reqs[0].Header.Get("X-BAPI-SIGN"))
}

func TestGateway_CreateMarketBuyWithoutOrderID(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/order/create", func(r recordedRequest) (int, any) {
		return ok(map[string]any{})
	})
	g := newTestGateway(t, f, authedConfig())

	_, err := g.CreateMarketBuyByQuote(context.Background(), "ETHUSDT", dec("100"), "")
	require.True(t, errors.Is(err, ErrNoOrderID))
}

func instrumentHandler(calls *int) func(r recordedRequest) (int, any) {
	return func(r recordedRequest) (int, any) {
		*calls++
		return ok(map[string]any{"category": "spot", "list": []any{map[string]any{
			"symbol":     "ETHUSDT",
			"priceScale": "2",
			"lotSizeFilter": map[string]any{
				"qtyStep":       "0.0001",
				"basePrecision": "0.00001",
				"minOrderQty":   "0.0001",
				"minOrderAmt":   "1",
			},
			"priceFilter": map[string]any{"tickSize": "0.01"},
		}}})
	}
}

func TestGateway_CreateLimitSellQuantizes(t *testing.T) {
	f := newFakeBybit(t)
	calls := 0
	f.handle("/v5/market/instruments-info", instrumentHandler(&calls))
	f.handle("/v5/order/create", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"orderId": "sell-1"})
	})
	g := newTestGateway(t, f, authedConfig())
	ctx := context.Background()

	placed, err := g.CreateLimitSell(ctx, "ETHUSDT", dec("1.23456789"), dec("3000.004"), "link-s")
	require.NoError(t, err)
	require.Equal(t, "sell-1", placed.OrderID)
	require.Equal(t, "1.2345", placed.Qty.String())
	require.Equal(t, "3000.01", placed.Price.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(f.requestsTo("/v5/order/create")[0].Body), &body))
	require.Equal(t, "1.2345", body["qty"])
	require.Equal(t, "3000.01", body["price"])
	require.Equal(t, "GTC", body["timeInForce"])
	require.Equal(t, "Limit", body["orderType"])
	require.Equal(t, "Sell", body["side"])

	// filters are cached per symbol
	_, err = g.CreateLimitSell(ctx, "ETHUSDT", dec("0.5"), dec("3000"), "")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestGateway_CreateLimitSellValidationBeforeNetwork(t *testing.T) {
	f := newFakeBybit(t)
	calls := 0
	f.handle("/v5/market/instruments-info", instrumentHandler(&calls))
	g := newTestGateway(t, f, authedConfig())

	_, err := g.CreateLimitSell(context.Background(), "ETHUSDT", dec("0.00001"), dec("3000"), "")
	require.Error(t, err)
	require.True(t, IsValidation(err))
	require.Contains(t, err.Error(), `"basePrecision":"0.00001"`)
	require.Contains(t, err.Error(), `"priceScale":2`)
	require.Empty(t, f.requestsTo("/v5/order/create"))
}

func TestGateway_CreateLimitSellRejectedKeepsAPIError(t *testing.T) {
	f := newFakeBybit(t)
	calls := 0
	f.handle("/v5/market/instruments-info", instrumentHandler(&calls))
	f.handle("/v5/order/create", func(r recordedRequest) (int, any) {
		return fail(170131, "Insufficient balance.")
	})
	g := newTestGateway(t, f, authedConfig())

	_, err := g.CreateLimitSell(context.Background(), "ETHUSDT", dec("1"), dec("3000"), "")
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 170131, apiErr.RetCode)
	require.Contains(t, err.Error(), `"tickSize":"0.01"`)
}

func TestGateway_HTTPErrorStatus(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/order/realtime", func(r recordedRequest) (int, any) {
		return http.StatusForbidden, map[string]any{"retCode": 0, "retMsg": "forbidden"}
	})
	g := newTestGateway(t, f, authedConfig())

	_, err := g.GetOrder(context.Background(), "ETHUSDT", "1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.HTTPStatus)
}

func TestGateway_NonEnvelopeBody(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/order/realtime", func(r recordedRequest) (int, any) {
		return http.StatusOK, "<html>maintenance</html>"
	})
	g := newTestGateway(t, f, authedConfig())

	_, err := g.GetOrder(context.Background(), "ETHUSDT", "1")
	require.Error(t, err)
	var apiErr *APIError
	require.False(t, errors.As(err, &apiErr))
	require.Contains(t, err.Error(), "invalid JSON response (HTTP 200) from /v5/order/realtime")
}

func TestGateway_GetOrderParsesOptionalFields(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/order/realtime", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"list": []any{map[string]any{
			"orderId":      "1",
			"orderLinkId":  "link",
			"orderStatus":  "Filled",
			"avgPrice":     "",
			"cumExecQty":   "0.0501",
			"cumExecValue": "100.2",
			"feeCurrency":  "ETH",
			"cumExecFee":   "0.0001",
		}}})
	})
	g := newTestGateway(t, f, authedConfig())

	order, err := g.GetOrderByLinkID(context.Background(), "ETHUSDT", "link")
	require.NoError(t, err)
	require.NotNil(t, order)
	require.True(t, order.IsFilled())
	require.False(t, order.AvgPrice.Valid, "empty avgPrice is unknown, not zero")
	require.Equal(t, "0.0501", order.CumExecQty.Decimal.String())
	require.Equal(t, "ETH", order.FeeCurrency)
	require.Equal(t, "category=spot&orderLinkId=link&symbol=ETHUSDT", f.requestsTo("/v5/order/realtime")[0].Query)
}

func TestGateway_GetOrderByLinkIDFallsBackToHistory(t *testing.T) {
	f := newFakeBybit(t)
	f.handle("/v5/order/realtime", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"list": []any{}})
	})
	f.handle("/v5/order/history", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"list": []any{map[string]any{
			"orderId":     "9",
			"orderLinkId": "link",
			"orderStatus": "Filled",
			"price":       "2100",
			"qty":         "0.05",
		}}})
	})
	g := newTestGateway(t, f, authedConfig())

	order, err := g.GetOrderByLinkID(context.Background(), "ETHUSDT", "link")
	require.NoError(t, err)
	require.NotNil(t, order)
	require.Equal(t, "9", order.OrderID)
	require.Equal(t, "2100", order.Price.Decimal.String())
	require.Equal(t, "0.05", order.Qty.Decimal.String())
	require.Len(t, f.requestsTo("/v5/order/history"), 1)

	f.handle("/v5/order/history", func(r recordedRequest) (int, any) {
		return ok(map[string]any{"list": []any{}})
	})
	order, err = g.GetOrderByLinkID(context.Background(), "ETHUSDT", "other")
	require.NoError(t, err)
	require.Nil(t, order)
}

func TestGateway_TickerLastPrice(t *testing.T) {
	tests := []struct {
		name      string
		list      []any
		wantFound bool
		want      string
	}{
		{name: "price", list: []any{map[string]any{"symbol": "ETHUSDT", "lastPrice": "2001.55"}}, wantFound: true, want: "2001.55"},
		{name: "empty list", list: []any{}},
		{name: "no last price", list: []any{map[string]any{"symbol": "ETHUSDT", "lastPrice": ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBybit(t)
			f.handle("/v5/market/tickers", func(r recordedRequest) (int, any) {
				return ok(map[string]any{"category": "spot", "list": tt.list})
			})
			g := newTestGateway(t, f, Config{})

			price, found, err := g.TickerLastPrice(context.Background(), "ETHUSDT")
			require.NoError(t, err)
			require.Equal(t, tt.wantFound, found)
			if tt.wantFound {
				require.Equal(t, tt.want, price.String())
			}
			reqs := f.requestsTo("/v5/market/tickers")
			require.Len(t, reqs, 1)
			require.Empty(t, reqs[0].Header.Get("X-BAPI-SIGN"), fmt.Sprintf("public endpoint must not be signed: %v", reqs[0].Header))
		})
	}
}
