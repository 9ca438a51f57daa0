package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// tickTimeout upper bound of one scheduled tick.
const tickTimeout = 5 * time.Minute

// Daemon runs guarded ticks on a cron schedule until ctx is cancelled.
// A tick still running when the next one is due makes that one skip.
func (b *Bot) Daemon(ctx context.Context, schedule string) error {
	runner := b.Runner()

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(schedule, func() {
		tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
		defer cancel()

		b.l.Debug("scheduled tick")
		if code := runner.RunTick(tickCtx); code != ExitOK {
			b.l.Warn("scheduled tick failed", zap.Int("exit_code", code))
		}
	})
	if err != nil {
		return errors.Wrapf(err, "invalid schedule %q", schedule)
	}

	c.Start()
	b.l.Info("daemon started", zap.String("schedule", schedule), zap.Bool("dry_run", b.dryRun))

	<-ctx.Done()
	b.l.Info("daemon stopping, waiting for running tick")
	<-c.Stop().Done()
	return nil
}
