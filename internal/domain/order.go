package domain

import "github.com/shopspring/decimal"

// OrderStatusFilled exchange status of a completely executed order.
const OrderStatusFilled = "Filled"

// Order exchange-side view of an order. Optional numeric fields stay invalid
// when the exchange omits them.
type Order struct {
	OrderID      string
	OrderLinkID  string
	Status       string
	Price        decimal.NullDecimal
	Qty          decimal.NullDecimal
	AvgPrice     decimal.NullDecimal
	CumExecQty   decimal.NullDecimal
	CumExecValue decimal.NullDecimal
	FeeCurrency  string
	CumExecFee   decimal.NullDecimal
}

// IsFilled reports whether the order is completely executed.
func (o *Order) IsFilled() bool {
	return o != nil && o.Status == OrderStatusFilled
}

// ExecutedQty cumulative executed quantity or zero when unknown.
func (o *Order) ExecutedQty() decimal.Decimal {
	if o == nil || !o.CumExecQty.Valid {
		return decimal.Zero
	}
	return o.CumExecQty.Decimal
}

// ExecutedValue cumulative executed quote value or zero when unknown.
func (o *Order) ExecutedValue() decimal.Decimal {
	if o == nil || !o.CumExecValue.Valid {
		return decimal.Zero
	}
	return o.CumExecValue.Decimal
}

// AveragePrice avgPrice when reported, otherwise value/qty. Zero when neither is usable.
func (o *Order) AveragePrice() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	if o.AvgPrice.Valid && o.AvgPrice.Decimal.IsPositive() {
		return o.AvgPrice.Decimal
	}
	qty := o.ExecutedQty()
	if qty.IsPositive() {
		return o.ExecutedValue().Div(qty)
	}
	return decimal.Zero
}

// Fee cumulative fee or zero when unknown.
func (o *Order) Fee() decimal.Decimal {
	if o == nil || !o.CumExecFee.Valid {
		return decimal.Zero
	}
	return o.CumExecFee.Decimal
}
