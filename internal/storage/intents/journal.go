// Package intents journals every order placement before it is sent, so a
// crash between the exchange accepting an order and the ledger recording it
// can be recovered by looking the order up by its client id.
package intents

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./storage/wal"
	segmentLimit = 1000
	maxSegments  = 100

	intentKeyPrefix = "order_intent_"
)

// Action kind of order an intent covers.
type Action string

const (
	ActionBuy     Action = "buy"
	ActionSell    Action = "sell"
	ActionConvert Action = "convert"
)

// Status journal state of an intent.
type Status string

const (
	StatusPending Status = "pending"
	StatusPlaced  Status = "placed"
	StatusFailed  Status = "failed"
)

// Intent order the bot is about to place. LinkID is sent as orderLinkId.
type Intent struct {
	LinkID     string          `json:"link_id"`
	PurchaseID int64           `json:"purchase_id"`
	Action     Action          `json:"action"`
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	Status     Status          `json:"status"`
	OrderID    string          `json:"order_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Journal WAL-backed intent log. The latest record per link id wins on replay.
type Journal struct {
	wal   *gowal.Wal
	mu    sync.Mutex
	state map[string]Intent
	now   func() time.Time
}

// Open opens (or creates) the journal under dir and replays it.
func Open(dir string) (*Journal, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "intent_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init order intent WAL")
	}

	j := &Journal{wal: wal, state: make(map[string]Intent), now: time.Now}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var in Intent
		if err := json.Unmarshal(msg.Value, &in); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode order intent %s", msg.Key)
		}
		j.state[in.LinkID] = in
	}

	return j, nil
}

// Prepare journals a pending intent and returns it with a fresh link id.
func (j *Journal) Prepare(purchaseID int64, action Action, symbol string, amount, price decimal.Decimal) (Intent, error) {
	now := j.now().UTC()
	in := Intent{
		LinkID:     uuid.NewString(),
		PurchaseID: purchaseID,
		Action:     action,
		Symbol:     symbol,
		Amount:     amount,
		Price:      price,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := j.write(in); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// MarkPlaced records that the exchange accepted the order.
func (j *Journal) MarkPlaced(in Intent, orderID string) error {
	in.Status = StatusPlaced
	in.OrderID = orderID
	in.Error = ""
	in.UpdatedAt = j.now().UTC()
	return j.write(in)
}

// MarkFailed records that the order was definitely not placed.
func (j *Journal) MarkFailed(in Intent, cause error) error {
	in.Status = StatusFailed
	if cause != nil {
		in.Error = cause.Error()
	}
	in.UpdatedAt = j.now().UTC()
	return j.write(in)
}

// Pending latest still-pending intent for the purchase and action.
func (j *Journal) Pending(purchaseID int64, action Action) (Intent, bool) {
	return j.latest(purchaseID, action, StatusPending)
}

// Unsettled latest intent for the purchase and action that was not marked
// failed, i.e. one the exchange may hold an order for.
func (j *Journal) Unsettled(purchaseID int64, action Action) (Intent, bool) {
	return j.latest(purchaseID, action, StatusPending, StatusPlaced)
}

func (j *Journal) latest(purchaseID int64, action Action, statuses ...Status) (Intent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var (
		latest Intent
		found  bool
	)
	for _, in := range j.state {
		if in.PurchaseID != purchaseID || in.Action != action || !slices.Contains(statuses, in.Status) {
			continue
		}
		if !found || in.CreatedAt.After(latest.CreatedAt) {
			latest, found = in, true
		}
	}
	return latest, found
}

// All every journaled intent ordered by creation time.
func (j *Journal) All() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Intent, 0, len(j.state))
	for _, in := range j.state {
		out = append(out, in)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].LinkID < out[b].LinkID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}

func (j *Journal) write(in Intent) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshal order intent")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	key := fmt.Sprintf("%s%s", intentKeyPrefix, in.LinkID)
	if err := j.wal.Write(j.wal.CurrentIndex()+1, key, payload); err != nil {
		return errors.Wrapf(err, "journal order intent %s", in.LinkID)
	}
	j.state[in.LinkID] = in
	return nil
}
