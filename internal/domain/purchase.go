package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseStatus lifecycle state of a DCA cycle.
type PurchaseStatus string

const (
	StatusBuying             PurchaseStatus = "BUYING"
	StatusHolding            PurchaseStatus = "HOLDING"
	StatusOpen               PurchaseStatus = "OPEN"
	StatusSoldPendingConvert PurchaseStatus = "SOLD_PENDING_CONVERT"
	StatusSold               PurchaseStatus = "SOLD"
	StatusError              PurchaseStatus = "ERROR"
)

// ActiveStatuses statuses that still require work from the engine.
var ActiveStatuses = []PurchaseStatus{StatusBuying, StatusHolding, StatusOpen, StatusSoldPendingConvert}

var transitions = map[PurchaseStatus][]PurchaseStatus{
	StatusBuying:             {StatusOpen, StatusHolding, StatusError},
	StatusHolding:            {StatusOpen},
	StatusOpen:               {StatusSold, StatusSoldPendingConvert},
	StatusSoldPendingConvert: {StatusSold},
}

// CanTransitionTo reports whether next is a legal successor of s.
// Staying in the same status is always allowed.
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s PurchaseStatus) IsTerminal() bool {
	return s == StatusSold || s == StatusError
}

func (s PurchaseStatus) String() string {
	return string(s)
}

// Purchase one DCA cycle: a market buy followed by a limit sell at a fixed markup.
type Purchase struct {
	ID            int64
	CreatedAt     time.Time
	Status        PurchaseStatus
	BuyUSDT       decimal.Decimal
	BuyOrderID    string
	BuyPrice      decimal.NullDecimal
	BuyQty        decimal.NullDecimal
	BuyFilledAt   *time.Time
	SellMarkupPct decimal.Decimal
	SellOrderID   string
	SellPrice     decimal.NullDecimal
	SellQty       decimal.NullDecimal
	SellUSDT      decimal.NullDecimal
	SellFilledAt  *time.Time
	ProfitUSDT    decimal.NullDecimal
	ProfitUSDC    decimal.NullDecimal
}

var hundred = decimal.NewFromInt(100)

// TargetSellPrice price at which the bought quantity is offered: buyPrice * (1 + markup/100).
func TargetSellPrice(buyPrice, markupPct decimal.Decimal) decimal.Decimal {
	return buyPrice.Mul(decimal.NewFromInt(1).Add(markupPct.Div(hundred)))
}

// RealizedProfit max(0, proceeds - principal).
func RealizedProfit(proceeds, principal decimal.Decimal) decimal.Decimal {
	profit := proceeds.Sub(principal)
	if profit.IsNegative() {
		return decimal.Zero
	}
	return profit
}

// NextDueAt time the next purchase becomes due. A zero last time means a purchase is due immediately.
func NextDueAt(last time.Time, intervalDays int) time.Time {
	if last.IsZero() {
		return time.Time{}
	}
	return last.AddDate(0, 0, intervalDays)
}
