// Package notifier sends cooldown-gated email alerts about purchase lifecycle
// and funding events. Notification is best-effort: failures are logged and
// recorded in the event log, never returned to the caller.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
)

const (
	subjectPrefix = "[boringbot]"

	keyNoFunds     = "no_funds"
	keyNoFundsLead = "no_funds_lead"

	metaLastSentPrefix = "notify_last_sent_"
	metaLeadDueAt      = "notify_no_funds_lead_due_at"
)

type transport interface {
	Configured() bool
	Send(ctx context.Context, from, to, subject, body string) error
}

type metaStore interface {
	Meta(ctx context.Context, k string) (string, bool, error)
	SetMeta(ctx context.Context, k, v string) error
	InsertEvent(ctx context.Context, typ domain.EventType, payload any) (int64, error)
}

// Config notification settings.
type Config struct {
	Enabled         bool
	To              string
	From            string
	CooldownMinutes int
	// Location used for human-facing timestamps; UTC when nil.
	Location *time.Location
}

// Notifier alert dispatcher.
type Notifier struct {
	l     *zap.Logger
	store metaStore
	mail  transport
	cfg   Config
	now   func() time.Time
}

// New creates a notifier.
func New(l *zap.Logger, store metaStore, mail transport, cfg Config) *Notifier {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Notifier{l: l, store: store, mail: mail, cfg: cfg, now: time.Now}
}

// IsEnabled reports whether notifications are switched on and fully configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.Enabled && n.cfg.To != "" && n.cfg.From != "" && n.mail.Configured()
}

// PurchaseCreated announces a new DCA purchase.
func (n *Notifier) PurchaseCreated(ctx context.Context, purchaseID int64, buyUSDT decimal.Decimal, symbol string) bool {
	return n.send(ctx, fmt.Sprintf("purchase_created_%d", purchaseID),
		fmt.Sprintf("%s Purchase #%d created (%s)", subjectPrefix, purchaseID, symbol),
		fmt.Sprintf("Purchase #%d created.\nSymbol: %s\nAmount: %s USDT\n", purchaseID, symbol, buyUSDT))
}

// Sold announces a filled sell.
func (n *Notifier) Sold(ctx context.Context, purchaseID int64, sellUSDT, profitUSDT, profitUSDC decimal.Decimal) bool {
	return n.send(ctx, fmt.Sprintf("sold_%d", purchaseID),
		fmt.Sprintf("%s Sell filled (purchase #%d)", subjectPrefix, purchaseID),
		fmt.Sprintf("Sell filled for purchase #%d.\nSell: %s USDT\nProfit: %s USDT\nConverted: %s USDC\n",
			purchaseID, sellUSDT, profitUSDT, profitUSDC))
}

// InsufficientFunds warns that a due purchase could not be created. Cooldown-gated.
func (n *Notifier) InsufficientFunds(ctx context.Context, need, have decimal.Decimal) bool {
	if !n.IsEnabled() || !n.cooledDown(ctx, keyNoFunds) {
		return false
	}
	return n.send(ctx, keyNoFunds,
		subjectPrefix+" Not enough USDT to buy",
		fmt.Sprintf("Not enough USDT to place the purchase.\nNeeded: %s USDT\nAvailable (ledger): %s USDT\n",
			fmtMoney(need), fmtMoney(have)))
}

// InsufficientFundsLead warns ahead of dueAt that the ledger cannot cover the
// next purchase. Sent at most once per due date and subject to the cooldown.
func (n *Notifier) InsufficientFundsLead(ctx context.Context, need, have decimal.Decimal, dueAt time.Time, leadHours int) bool {
	if !n.IsEnabled() {
		return false
	}

	dueMarker := dueAt.UTC().Format(time.RFC3339)
	last, ok, err := n.store.Meta(ctx, metaLeadDueAt)
	if err != nil {
		n.l.Warn("failed to read lead notification marker", zap.Error(err))
	}
	if ok && last != "" && last == dueMarker {
		return false
	}
	if !n.cooledDown(ctx, keyNoFundsLead) {
		return false
	}

	sent := n.send(ctx, keyNoFundsLead,
		fmt.Sprintf("%s Not enough USDT for the next purchase (in %dh)", subjectPrefix, leadHours),
		fmt.Sprintf("The next purchase is due within %dh.\nDue (local time): %s\nNeeded: %s USDT\nAvailable (ledger): %s USDT\n",
			leadHours, dueAt.In(n.cfg.Location).Format("2006-01-02 15:04:05"), fmtMoney(need), fmtMoney(have)))
	if sent {
		if err := n.store.SetMeta(ctx, metaLeadDueAt, dueMarker); err != nil {
			n.l.Warn("failed to store lead notification marker", zap.Error(err))
		}
	}
	return sent
}

// Test sends a test message regardless of cooldowns.
func (n *Notifier) Test(ctx context.Context, dryRun bool) error {
	body := "Test OK.\nDry-run: no\n"
	if dryRun {
		body = "Test OK.\nDry-run: yes\n"
	}
	return n.mail.Send(ctx, n.cfg.From, n.cfg.To, subjectPrefix+" Test email", body)
}

func (n *Notifier) send(ctx context.Context, key, subject, body string) bool {
	if !n.IsEnabled() {
		return false
	}

	if err := n.mail.Send(ctx, n.cfg.From, n.cfg.To, subject, body); err != nil {
		n.l.Error("email notify failed", zap.String("key", key), zap.Error(err))
		n.record(ctx, domain.EventNotifyEmailError, domain.Payload{"key": key, "error": err.Error()})
		return false
	}

	n.record(ctx, domain.EventNotifyEmail, domain.Payload{
		"key":     key,
		"to":      n.cfg.To,
		"from":    n.cfg.From,
		"subject": subject,
	})
	if err := n.store.SetMeta(ctx, metaLastSentPrefix+key, n.now().UTC().Format(time.RFC3339)); err != nil {
		n.l.Warn("failed to store notification timestamp", zap.String("key", key), zap.Error(err))
	}
	return true
}

func (n *Notifier) cooledDown(ctx context.Context, key string) bool {
	if n.cfg.CooldownMinutes <= 0 {
		return true
	}

	last, ok, err := n.store.Meta(ctx, metaLastSentPrefix+key)
	if err != nil {
		n.l.Warn("failed to read notification timestamp", zap.String("key", key), zap.Error(err))
		return true
	}
	if !ok || last == "" {
		return true
	}
	lastAt, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return true
	}

	return n.now().Sub(lastAt) >= time.Duration(n.cfg.CooldownMinutes)*time.Minute
}

func (n *Notifier) record(ctx context.Context, typ domain.EventType, payload domain.Payload) {
	if _, err := n.store.InsertEvent(ctx, typ, payload); err != nil {
		n.l.Warn("failed to record notification event", zap.String("type", string(typ)), zap.Error(err))
	}
}

func fmtMoney(v decimal.Decimal) string {
	return v.Round(8).String()
}
