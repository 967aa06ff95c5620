package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// RecoverWithRetry calls Recover until it succeeds, retrying storage
// failures with the same backoff timers use. It gives up after attempts
// tries or when ctx ends.
func (e *Engine) RecoverWithRetry(ctx context.Context, attempts int) (int, error) {
	for failures := 0; ; failures++ {
		n, err := e.Recover(ctx)
		if err == nil || !errors.Is(err, ErrPersistenceUnavailable) || failures+1 >= attempts {
			return n, err
		}

		delay := e.backoff(failures)
		e.Logger.WarnContext(ctx, "recovery failed, retrying",
			slog.Int("attempt", failures+1),
			slog.Duration("retry_in", delay),
			slog.Any("err", err),
		)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-e.Clock.After(delay):
		}
	}
}

// Recover rebuilds the timer queue from stored state. Pending instances
// whose due time passed fire on the next tick, and fired or snoozed
// instances with an elapsed retry deadline get a catch-up retry.
// Interrupted escalations are resumed and a horizon refresh is armed
// immediately. It returns the number of open instances found.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	now := e.Clock.Now()

	open, err := e.Reminders.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	overdue := 0
	for _, inst := range open {
		e.arm(inst)
		if !inst.NextActionAt.After(now) {
			overdue++
		}
	}

	resumed, err := e.Escalator.ResumeIncomplete(ctx)
	if err != nil {
		e.Logger.ErrorContext(ctx, "failed to resume escalations", slog.Any("err", err))
	}

	e.mu.Lock()
	e.queue.set(timerKey{kind: timerHorizon}, now, 0)
	e.mu.Unlock()
	e.signal()

	e.Logger.InfoContext(ctx, "reminder state recovered",
		slog.Int("open", len(open)),
		slog.Int("overdue", overdue),
		slog.Int("escalations_resumed", resumed),
	)
	return len(open), nil
}
