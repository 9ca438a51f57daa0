package domain

import (
	"encoding/json"
	"time"
)

// EventType tag of an audit log record.
type EventType string

const (
	EventBuyCreated          EventType = "BUY_CREATED"
	EventBuyOrderPlaced      EventType = "BUY_ORDER_PLACED"
	EventBuyOrderRecovered   EventType = "BUY_ORDER_RECOVERED"
	EventBuyFailed           EventType = "BUY_FAILED"
	EventBuyFilledSellPlaced EventType = "BUY_FILLED_SELL_PLACED"
	EventBuyFilledSellFailed EventType = "BUY_FILLED_SELL_FAILED"
	EventBuyQtyAdjusted      EventType = "BUY_QTY_ADJUSTED"
	EventSellPlacedRetry     EventType = "SELL_PLACED_RETRY"
	EventSold                EventType = "SOLD"
	EventSoldProfitPending   EventType = "SOLD_PROFIT_PENDING"
	EventProfitConvertRetry  EventType = "PROFIT_CONVERT_RETRY"
	EventReconcile           EventType = "RECONCILE"
	EventError               EventType = "ERROR"
	EventNotifyEmail         EventType = "NOTIFY_EMAIL"
	EventNotifyEmailError    EventType = "NOTIFY_EMAIL_ERROR"
)

// Event append-only audit record.
type Event struct {
	ID        int64           `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Payload free-form structured event body.
type Payload map[string]any
