package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/boringbot/internal/domain"
)

// NewPurchase input for a BUYING row.
type NewPurchase struct {
	CreatedAt     time.Time
	BuyUSDT       decimal.Decimal
	SellMarkupPct decimal.Decimal
}

// PurchaseUpdate moves purchase ID from From to To (To empty keeps the status)
// and writes every non-nil column.
type PurchaseUpdate struct {
	ID   int64
	From domain.PurchaseStatus
	To   domain.PurchaseStatus

	BuyOrderID   *string
	BuyPrice     *decimal.Decimal
	BuyQty       *decimal.Decimal
	BuyFilledAt  *time.Time
	SellOrderID  *string
	SellPrice    *decimal.Decimal
	SellQty      *decimal.Decimal
	SellUSDT     *decimal.Decimal
	SellFilledAt *time.Time
	ProfitUSDT   *decimal.Decimal
	ProfitUSDC   *decimal.Decimal
}

// BalanceDelta signed change of one ledger balance.
type BalanceDelta struct {
	Asset  string
	Amount decimal.Decimal
}

// EventRecord event to append with a change.
type EventRecord struct {
	Type    domain.EventType
	Payload domain.Payload
}

// Change one atomic unit of ledger work. Events of a change that creates a
// purchase get its purchase_id unless they carry one already.
type Change struct {
	Create *NewPurchase
	Update *PurchaseUpdate
	Deltas []BalanceDelta
	Events []EventRecord
	Meta   map[string]string
}

// Apply commits ch in a single transaction and returns the id of the purchase
// it created or updated (0 when it touched none).
func (s *Store) Apply(ctx context.Context, ch Change) (int64, error) {
	var purchaseID int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		if ch.Create != nil {
			id, err := tx.InsertPurchase(ctx, *ch.Create)
			if err != nil {
				return err
			}
			purchaseID = id
		}
		if ch.Update != nil {
			if err := tx.UpdatePurchase(ctx, *ch.Update); err != nil {
				return err
			}
			purchaseID = ch.Update.ID
		}
		for _, d := range ch.Deltas {
			if d.Amount.IsZero() {
				if err := tx.EnsureBalance(ctx, d.Asset); err != nil {
					return err
				}
				continue
			}
			if err := tx.AddBalance(ctx, d.Asset, d.Amount); err != nil {
				return err
			}
		}
		for _, ev := range ch.Events {
			payload := make(domain.Payload, len(ev.Payload)+1)
			for k, v := range ev.Payload {
				payload[k] = v
			}
			if _, ok := payload["purchase_id"]; !ok && ch.Create != nil {
				payload["purchase_id"] = purchaseID
			}
			if _, err := tx.InsertEvent(ctx, ev.Type, payload); err != nil {
				return err
			}
		}
		for k, v := range ch.Meta {
			if err := tx.SetMeta(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purchaseID, nil
}

const purchaseColumns = `id, created_at, status, buy_usdt, buy_order_id, buy_price, buy_qty, buy_filled_at,
	sell_markup_pct, sell_order_id, sell_price, sell_qty, sell_usdt, sell_filled_at, profit_usdt, profit_usdc`

// PurchasesByStatus purchases in status, oldest first.
func (s *Store) PurchasesByStatus(ctx context.Context, status domain.PurchaseStatus) ([]domain.Purchase, error) {
	return s.queryPurchases(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE status = ? ORDER BY id ASC`, string(status))
}

// ListPurchases the newest limit purchases, newest first. limit <= 0 lists all.
func (s *Store) ListPurchases(ctx context.Context, limit int) ([]domain.Purchase, error) {
	if limit <= 0 {
		return s.queryPurchases(ctx, `SELECT `+purchaseColumns+` FROM purchases ORDER BY id DESC`)
	}
	return s.queryPurchases(ctx, `SELECT `+purchaseColumns+` FROM purchases ORDER BY id DESC LIMIT ?`, limit)
}

// Purchase loads one purchase by id.
func (s *Store) Purchase(ctx context.Context, id int64) (*domain.Purchase, error) {
	list, err := s.queryPurchases(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "purchase %d", id)
	}
	return &list[0], nil
}

// LatestPurchase the most recently created purchase, nil on an empty ledger.
func (s *Store) LatestPurchase(ctx context.Context) (*domain.Purchase, error) {
	list, err := s.queryPurchases(ctx, `SELECT `+purchaseColumns+` FROM purchases ORDER BY id DESC LIMIT 1`)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// CountByStatus number of purchases per status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.PurchaseStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM purchases GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count purchases")
	}
	defer rows.Close()

	out := make(map[domain.PurchaseStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan purchase count")
		}
		out[domain.PurchaseStatus(status)] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate purchase counts")
}

func (s *Store) queryPurchases(ctx context.Context, query string, args ...any) ([]domain.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query purchases")
	}
	defer rows.Close()

	var out []domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate purchases")
}

func scanPurchase(rows *sql.Rows) (domain.Purchase, error) {
	var (
		p                         domain.Purchase
		createdAt, status         string
		buyOrderID, sellOrderID   sql.NullString
		buyFilledAt, sellFilledAt sql.NullString
		buyUSDT, markup           decimal.NullDecimal
	)
	err := rows.Scan(&p.ID, &createdAt, &status, &buyUSDT, &buyOrderID, &p.BuyPrice, &p.BuyQty, &buyFilledAt,
		&markup, &sellOrderID, &p.SellPrice, &p.SellQty, &p.SellUSDT, &sellFilledAt, &p.ProfitUSDT, &p.ProfitUSDC)
	if err != nil {
		return p, errors.Wrap(err, "scan purchase")
	}

	p.Status = domain.PurchaseStatus(status)
	p.BuyUSDT = buyUSDT.Decimal
	p.SellMarkupPct = markup.Decimal
	p.BuyOrderID = buyOrderID.String
	p.SellOrderID = sellOrderID.String

	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return p, err
	}
	if p.BuyFilledAt, err = optionalTime(buyFilledAt); err != nil {
		return p, err
	}
	if p.SellFilledAt, err = optionalTime(sellFilledAt); err != nil {
		return p, err
	}
	return p, nil
}

func optionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil, nil
	}
	t, err := ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EventQuery filters for Events.
type EventQuery struct {
	Type    domain.EventType
	AfterID int64
	Limit   int
	// Newest returns the latest events first instead of oldest first.
	Newest bool
}

// Events reads the event log.
func (s *Store) Events(ctx context.Context, q EventQuery) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, q.AfterID)
	}

	query := `SELECT id, created_at, type, payload_json FROM events_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if q.Newest {
		query += ` ORDER BY id DESC`
	} else {
		query += ` ORDER BY id ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev        domain.Event
			createdAt string
			typ       string
			payload   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &createdAt, &typ, &payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if ev.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		raw := payload.String
		if !json.Valid([]byte(raw)) {
			raw = "{}"
		}
		ev.Payload = json.RawMessage(raw)
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}
