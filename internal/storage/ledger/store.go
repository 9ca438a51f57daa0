// Package ledger is the bot's SQLite-backed ledger: purchases, per-asset
// balances, the append-only event log and process-wide meta markers.
// Every multi-row mutation goes through a single transaction.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/vadiminshakov/boringbot/internal/domain"
)

// TimeLayout format of every timestamp column (UTC).
const TimeLayout = "2006-01-02 15:04:05"

var (
	// ErrNotFound requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleStatus purchase is no longer in the status the change expected.
	ErrStaleStatus = errors.New("purchase status changed")
	// ErrIllegalTransition change would move a purchase along an edge that does not exist.
	ErrIllegalTransition = errors.New("illegal purchase status transition")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store ledger persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite ledger at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return nil, errors.Wrapf(err, "create ledger directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}

	// a single connection keeps pragmas and serialises writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping ledger")
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply ledger schema")
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx transaction scope handed to WithTx callbacks.
type Tx struct {
	q   querier
	now func() time.Time
}

// WithTx runs fn in one transaction. Any error returned by fn rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{q: sqlTx, now: s.now}); err != nil {
		return err
	}

	return errors.Wrap(sqlTx.Commit(), "commit transaction")
}

// EnsureBalance creates a zero balance row for asset if none exists.
func (t *Tx) EnsureBalance(ctx context.Context, asset string) error {
	return ensureBalance(ctx, t.q, asset)
}

// AddBalance adds delta (possibly negative) to asset.
func (t *Tx) AddBalance(ctx context.Context, asset string, delta decimal.Decimal) error {
	if err := ensureBalance(ctx, t.q, asset); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `UPDATE balances SET amount = amount + ? WHERE asset = ?`, delta.InexactFloat64(), asset)
	return errors.Wrapf(err, "add %s to balance %s", delta, asset)
}

// Balance current amount of asset, zero when no row exists.
func (t *Tx) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return balance(ctx, t.q, asset)
}

// InsertEvent appends an audit record.
func (t *Tx) InsertEvent(ctx context.Context, typ domain.EventType, payload any) (int64, error) {
	return insertEvent(ctx, t.q, t.now(), typ, payload)
}

// SetMeta upserts a meta marker.
func (t *Tx) SetMeta(ctx context.Context, k, v string) error {
	return setMeta(ctx, t.q, k, v)
}

// Meta reads a meta marker.
func (t *Tx) Meta(ctx context.Context, k string) (string, bool, error) {
	return meta(ctx, t.q, k)
}

// InsertPurchase creates a purchase in BUYING status.
func (t *Tx) InsertPurchase(ctx context.Context, p NewPurchase) (int64, error) {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now()
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO purchases(created_at, status, buy_usdt, sell_markup_pct) VALUES(?, ?, ?, ?)`,
		formatTime(createdAt), string(domain.StatusBuying), p.BuyUSDT.InexactFloat64(), p.SellMarkupPct.InexactFloat64())
	if err != nil {
		return 0, errors.Wrap(err, "insert purchase")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "read purchase id")
	}
	return id, nil
}

// UpdatePurchase applies u if the purchase is still in u.From.
func (t *Tx) UpdatePurchase(ctx context.Context, u PurchaseUpdate) error {
	to := u.To
	if to == "" {
		to = u.From
	}
	if !u.From.CanTransitionTo(to) {
		return errors.Wrapf(ErrIllegalTransition, "purchase %d: %s -> %s", u.ID, u.From, to)
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if u.BuyOrderID != nil {
		add("buy_order_id", *u.BuyOrderID)
	}
	if u.BuyPrice != nil {
		add("buy_price", u.BuyPrice.InexactFloat64())
	}
	if u.BuyQty != nil {
		add("buy_qty", u.BuyQty.InexactFloat64())
	}
	if u.BuyFilledAt != nil {
		add("buy_filled_at", formatTime(*u.BuyFilledAt))
	}
	if u.SellOrderID != nil {
		add("sell_order_id", *u.SellOrderID)
	}
	if u.SellPrice != nil {
		add("sell_price", u.SellPrice.InexactFloat64())
	}
	if u.SellQty != nil {
		add("sell_qty", u.SellQty.InexactFloat64())
	}
	if u.SellUSDT != nil {
		add("sell_usdt", u.SellUSDT.InexactFloat64())
	}
	if u.SellFilledAt != nil {
		add("sell_filled_at", formatTime(*u.SellFilledAt))
	}
	if u.ProfitUSDT != nil {
		add("profit_usdt", u.ProfitUSDT.InexactFloat64())
	}
	if u.ProfitUSDC != nil {
		add("profit_usdc", u.ProfitUSDC.InexactFloat64())
	}
	args = append(args, u.ID, string(u.From))

	res, err := t.q.ExecContext(ctx, `UPDATE purchases SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return errors.Wrapf(err, "update purchase %d", u.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update purchase %d", u.ID)
	}
	if affected != 1 {
		return errors.Wrapf(ErrStaleStatus, "purchase %d is not %s", u.ID, u.From)
	}
	return nil
}

// EnsureBalances creates zero rows for every asset that has none.
func (s *Store) EnsureBalances(ctx context.Context, assets ...string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, asset := range assets {
			if err := tx.EnsureBalance(ctx, asset); err != nil {
				return err
			}
		}
		return nil
	})
}

// Balance current ledger amount of asset.
func (s *Store) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return balance(ctx, s.db, asset)
}

// Balance ledger row.
type Balance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Balances all ledger balances ordered by asset.
func (s *Store) Balances(ctx context.Context) ([]Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, amount FROM balances ORDER BY asset ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query balances")
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Asset, &b.Amount); err != nil {
			return nil, errors.Wrap(err, "scan balance")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "iterate balances")
}

// InsertEvent appends an audit record outside of any larger unit of work.
func (s *Store) InsertEvent(ctx context.Context, typ domain.EventType, payload any) (int64, error) {
	return insertEvent(ctx, s.db, s.now(), typ, payload)
}

// Meta reads a meta marker.
func (s *Store) Meta(ctx context.Context, k string) (string, bool, error) {
	return meta(ctx, s.db, k)
}

// SetMeta upserts a meta marker.
func (s *Store) SetMeta(ctx context.Context, k, v string) error {
	return setMeta(ctx, s.db, k, v)
}

func ensureBalance(ctx context.Context, q querier, asset string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO balances(asset, amount) VALUES(?, 0)`, asset)
	return errors.Wrapf(err, "ensure balance %s", asset)
}

func balance(ctx context.Context, q querier, asset string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := q.QueryRowContext(ctx, `SELECT amount FROM balances WHERE asset = ?`, asset).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "read balance %s", asset)
	}
	return amount, nil
}

func insertEvent(ctx context.Context, q querier, now time.Time, typ domain.EventType, payload any) (int64, error) {
	if payload == nil {
		payload = domain.Payload{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, errors.Wrapf(err, "encode %s payload", typ)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO events_log(created_at, type, payload_json) VALUES(?, ?, ?)`,
		formatTime(now), string(typ), string(raw))
	if err != nil {
		return 0, errors.Wrapf(err, "insert %s event", typ)
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "read event id")
}

func meta(ctx context.Context, q querier, k string) (string, bool, error) {
	var v sql.NullString
	err := q.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = ?`, k).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "read meta %s", k)
	}
	return v.String, true, nil
}

func setMeta(ctx context.Context, q querier, k, v string) error {
	_, err := q.ExecContext(ctx, `INSERT OR REPLACE INTO meta(k, v) VALUES(?, ?)`, k, v)
	return errors.Wrapf(err, "write meta %s", k)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a ledger timestamp (UTC).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(TimeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse ledger time %q", s)
	}
	return t.UTC(), nil
}
