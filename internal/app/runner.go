package app

import (
	"context"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/boringbot/internal/domain"
	"github.com/vadiminshakov/boringbot/internal/runguard"
)

// Process exit codes of the run commands.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// MetaLastRunFinishedAt meta key holding the RFC3339 time of the last successful tick.
const MetaLastRunFinishedAt = "last_run_finished_at"

type tickEngine interface {
	Tick(ctx context.Context) error
	NextDueAt(ctx context.Context) (time.Time, error)
}

type runStore interface {
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	InsertEvent(ctx context.Context, typ domain.EventType, payload any) (int64, error)
	SetMeta(ctx context.Context, k, v string) error
}

type leadNotifier interface {
	IsEnabled() bool
	InsufficientFundsLead(ctx context.Context, need, have decimal.Decimal, dueAt time.Time, leadHours int) bool
}

type reconcileFunc func(ctx context.Context) error

// RunnerConfig settings of the run commands.
type RunnerConfig struct {
	LockPath   string
	QuoteAsset string
	AmountUSDT decimal.Decimal
	LeadHours  int
	DryRun     bool
}

// Runner executes one command under the run guard and turns its outcome into an exit code.
type Runner struct {
	l        *zap.Logger
	cfg      RunnerConfig
	engine   tickEngine
	store    runStore
	notifier leadNotifier
	now      func() time.Time
}

func NewRunner(l *zap.Logger, cfg RunnerConfig, engine tickEngine, store runStore, n leadNotifier) *Runner {
	return &Runner{l: l, cfg: cfg, engine: engine, store: store, notifier: n, now: time.Now}
}

// RunTick runs one lifecycle tick. A held lock exits cleanly without side effects.
func (r *Runner) RunTick(ctx context.Context) int {
	return r.guarded(func() int {
		if err := r.engine.Tick(ctx); err != nil {
			r.fail(ctx, "bot run failed", err)
			return ExitFailure
		}

		r.warnFundsAhead(ctx)

		if err := r.store.SetMeta(ctx, MetaLastRunFinishedAt, r.now().UTC().Format(time.RFC3339)); err != nil {
			r.l.Warn("failed to record run time", zap.Error(err))
		}
		return ExitOK
	})
}

// RunReconcile runs a reconciliation under the same guard as ticks.
func (r *Runner) RunReconcile(ctx context.Context, reconcile reconcileFunc) int {
	return r.guarded(func() int {
		if err := reconcile(ctx); err != nil {
			r.l.Error("reconcile failed", zap.Error(err), zap.String("class", errorClass(err)))
			return ExitFailure
		}
		return ExitOK
	})
}

func (r *Runner) guarded(fn func() int) int {
	guard, acquired, err := runguard.Acquire(r.cfg.LockPath)
	if err != nil {
		r.l.Error("failed to acquire run lock", zap.String("path", r.cfg.LockPath), zap.Error(err))
		return ExitFailure
	}
	if !acquired {
		r.l.Warn("another instance is running, exiting", zap.String("path", r.cfg.LockPath))
		return ExitOK
	}
	defer func() {
		if err := guard.Release(); err != nil {
			r.l.Warn("failed to release run lock", zap.Error(err))
		}
	}()

	return fn()
}

func (r *Runner) fail(ctx context.Context, msg string, err error) {
	class := errorClass(err)
	r.l.Error(msg, zap.Error(err), zap.String("class", class))

	payload := domain.Payload{"error": err.Error(), "class": class}
	if _, insertErr := r.store.InsertEvent(ctx, domain.EventError, payload); insertErr != nil {
		r.l.Error("failed to record ERROR event", zap.Error(insertErr))
	}
}

// warnFundsAhead sends the lead-time warning when the next purchase is close
// and the ledger cannot pay for it.
func (r *Runner) warnFundsAhead(ctx context.Context) {
	if r.cfg.DryRun || r.notifier == nil || !r.notifier.IsEnabled() || r.cfg.LeadHours <= 0 {
		return
	}

	dueAt, err := r.engine.NextDueAt(ctx)
	if err != nil {
		r.l.Warn("failed to compute next purchase time", zap.Error(err))
		return
	}
	now := r.now()
	if dueAt.IsZero() || !dueAt.After(now) || dueAt.Sub(now) > time.Duration(r.cfg.LeadHours)*time.Hour {
		return
	}

	have, err := r.store.Balance(ctx, r.cfg.QuoteAsset)
	if err != nil {
		r.l.Warn("failed to read ledger balance", zap.Error(err))
		return
	}
	if have.Add(fundsEpsilon).LessThan(r.cfg.AmountUSDT) {
		r.notifier.InsufficientFundsLead(ctx, r.cfg.AmountUSDT, have, dueAt, r.cfg.LeadHours)
	}
}

// fundsEpsilon absorbs float drift of the REAL balance column, same as the engine's funds check.
var fundsEpsilon = decimal.New(1, -9)

// errorClass Go type name of the root cause.
func errorClass(err error) string {
	t := reflect.TypeOf(errors.Cause(err))
	if t == nil {
		return ""
	}
	return t.String()
}
