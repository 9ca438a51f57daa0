package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const maxDecimals = 10

// InstrumentFilters per-symbol order constraints. String fields keep the raw
// exchange representation so error messages can echo them verbatim.
type InstrumentFilters struct {
	Symbol        string
	QtyStep       string
	BasePrecision string
	TickSize      string
	PriceScale    *int
	MinOrderQty   decimal.NullDecimal
	MinOrderAmt   decimal.NullDecimal
}

// QuantityStep qtyStep, falling back to basePrecision.
func (f InstrumentFilters) QuantityStep() string {
	if strings.TrimSpace(f.QtyStep) != "" {
		return f.QtyStep
	}
	return f.BasePrecision
}

// QuantityDecimals decimals allowed in the quantity field.
func (f InstrumentFilters) QuantityDecimals() int {
	step := f.QuantityStep()
	if strings.TrimSpace(step) == "" {
		return maxDecimals
	}
	return DecimalsForStep(step)
}

// PriceDecimals never fewer decimals than the tick requires.
func (f InstrumentFilters) PriceDecimals() int {
	if strings.TrimSpace(f.TickSize) == "" && f.PriceScale == nil {
		return maxDecimals
	}
	decimals := DecimalsForStep(f.TickSize)
	if f.PriceScale != nil && *f.PriceScale > decimals {
		decimals = *f.PriceScale
	}
	return clampDecimals(decimals)
}

func (f InstrumentFilters) context(qty, price string) string {
	scale := "null"
	if f.PriceScale != nil {
		scale = strconv.Itoa(*f.PriceScale)
	}
	ctx, _ := json.Marshal(map[string]any{
		"symbol":        f.Symbol,
		"qty":           qty,
		"price":         price,
		"qtyStep":       f.QtyStep,
		"basePrecision": f.BasePrecision,
		"tickSize":      f.TickSize,
		"priceScale":    json.RawMessage(scale),
	})
	return string(ctx)
}

// LimitOrder quantized order ready to be submitted.
type LimitOrder struct {
	Qty       decimal.Decimal
	Price     decimal.Decimal
	QtyText   string
	PriceText string
}

// QuantizeLimitOrder floors qty to the quantity step and ceils price to the tick,
// then checks exchange minimums. Nothing is rounded in the direction that would
// sell more than held or below the requested price.
func QuantizeLimitOrder(f InstrumentFilters, qty, price decimal.Decimal) (LimitOrder, error) {
	if step, ok := parseStep(f.QuantityStep()); ok {
		qty = FloorToStep(qty, step)
	}
	qty = qty.RoundFloor(int32(f.QuantityDecimals()))

	if tick, ok := parseStep(f.TickSize); ok {
		price = CeilToStep(price, tick)
	}
	price = price.RoundCeil(int32(f.PriceDecimals()))

	order := LimitOrder{
		Qty:       qty,
		Price:     price,
		QtyText:   FormatPlain(qty),
		PriceText: FormatPlain(price),
	}

	invalid := func(reason string) (LimitOrder, error) {
		return LimitOrder{}, &ValidationError{Reason: reason, Filters: f, Qty: order.QtyText, Price: order.PriceText}
	}

	if !qty.IsPositive() || !price.IsPositive() {
		return invalid("non-positive quantity or price after quantization")
	}
	if f.MinOrderQty.Valid && qty.LessThan(f.MinOrderQty.Decimal) {
		return invalid(fmt.Sprintf("quantity below minOrderQty %s", f.MinOrderQty.Decimal))
	}
	if f.MinOrderAmt.Valid && qty.Mul(price).LessThan(f.MinOrderAmt.Decimal) {
		return invalid(fmt.Sprintf("notional %s below minOrderAmt %s", qty.Mul(price), f.MinOrderAmt.Decimal))
	}

	return order, nil
}

// FloorToStep largest multiple of step not greater than v.
func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	q, r := v.QuoRem(step, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(step)
}

// CeilToStep smallest multiple of step not less than v.
func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	q, r := v.QuoRem(step, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q.Mul(step)
}

// DecimalsForStep number of fractional digits a step allows, clamped to [0,10].
// Accepts plain ("0.0001") and scientific ("1e-6") notation.
func DecimalsForStep(step string) int {
	d, ok := parseStep(step)
	if !ok {
		return 0
	}
	s := d.String()
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0
	}
	return clampDecimals(len(strings.TrimRight(s[dot+1:], "0")))
}

// FormatPlain renders d without exponent and without trailing zeros.
func FormatPlain(d decimal.Decimal) string {
	s := d.StringFixed(maxDecimals)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	if s == "" || s == "-0" {
		return "0"
	}
	return s
}

func parseStep(step string) (decimal.Decimal, bool) {
	step = strings.TrimSpace(step)
	if step == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(step)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func clampDecimals(n int) int {
	if n < 0 {
		return 0
	}
	if n > maxDecimals {
		return maxDecimals
	}
	return n
}
