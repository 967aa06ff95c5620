// Package services runs periodic housekeeping next to the reminder engine.
package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/config"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/schedule"
)

type UserStore interface {
	ListActive(ctx context.Context) ([]*models.User, error)
}

type ReminderCounter interface {
	CountByState(ctx context.Context, userID int64, from, to time.Time) (map[models.ReminderState]int, error)
}

type CaregiverStore interface {
	ListSummaryTargets(ctx context.Context, userID int64) ([]*models.Caregiver, error)
}

type NotificationStore interface {
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type SummaryNotifier interface {
	SendSummary(ctx context.Context, to *models.Caregiver, sum notify.Summary) error
}

type Deps struct {
	Users           UserStore
	Reminders       ReminderCounter
	Caregivers      CaregiverStore
	Notifications   NotificationStore
	Notifier        SummaryNotifier
	DefaultTimezone string
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Maintenance sends caregivers a summary of each user's previous local day
// and purges delivered notifications older than the retention period.
type Maintenance struct {
	Deps
	cfg config.MaintenanceConfig

	mu   sync.Mutex
	sent map[int64]schedule.Date // last summarized day per user
}

func NewMaintenance(cfg config.MaintenanceConfig, d Deps) *Maintenance {
	return &Maintenance{Deps: d, cfg: cfg, sent: make(map[int64]schedule.Date)}
}

// Run calls RunOnce every interval until ctx is done. Failures are logged.
func (m *Maintenance) Run(ctx context.Context) error {
	for {
		if err := m.RunOnce(ctx); err != nil {
			m.Logger.ErrorContext(ctx, "maintenance failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.Clock.After(m.cfg.Interval):
		}
	}
}

// RunOnce sends due summaries and purges old notifications
func (m *Maintenance) RunOnce(ctx context.Context) error {
	_, sumErr := m.SendSummaries(ctx)
	_, purgeErr := m.PurgeDelivered(ctx)
	return errors.Join(sumErr, purgeErr)
}

// PurgeDelivered deletes delivered notifications past the retention period
func (m *Maintenance) PurgeDelivered(ctx context.Context) (int64, error) {
	n, err := m.Notifications.DeleteDeliveredBefore(ctx, m.Clock.Now().Add(-m.cfg.NotificationRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.Logger.InfoContext(ctx, "delivered notifications purged", slog.Int64("count", n))
	}
	return n, nil
}

// SendSummaries summarizes yesterday for every user whose local clock has
// passed the summary hour and who was not summarized for that day yet.
// Users without reminders that day or without summary caregivers are
// skipped. It returns the number of users summarized.
func (m *Maintenance) SendSummaries(ctx context.Context) (int, error) {
	users, err := m.Users.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	now := m.Clock.Now()
	var errs []error
	sent := 0
	for _, u := range users {
		loc := m.location(u.Timezone)
		if now.In(loc).Hour() < m.cfg.SummaryHour {
			continue
		}
		day := schedule.DateOf(now, loc).AddDays(-1)
		if m.summarized(u.ID, day) {
			continue
		}

		ok, err := m.summarize(ctx, u, day, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.markSummarized(u.ID, day)
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (m *Maintenance) summarize(ctx context.Context, u *models.User, day schedule.Date, loc *time.Location) (bool, error) {
	targets, err := m.Caregivers.ListSummaryTargets(ctx, u.ID)
	if err != nil {
		return false, err
	}
	if len(targets) == 0 {
		return false, nil
	}

	from := schedule.ResolveLocal(day, models.TimeOfDay{}, loc)
	to := schedule.ResolveLocal(day.AddDays(1), models.TimeOfDay{}, loc)
	counts, err := m.Reminders.CountByState(ctx, u.ID, from, to)
	if err != nil {
		return false, err
	}

	sum := tally(counts)
	if sum.Total == 0 {
		return false, nil
	}
	sum.UserID = u.ID
	sum.Username = u.Username
	sum.Date = day.String()

	for _, c := range targets {
		if err := m.Notifier.SendSummary(ctx, c, sum); err != nil {
			m.Logger.WarnContext(ctx, "daily summary not delivered",
				slog.Int64("user_id", u.ID),
				slog.Int64("caregiver_id", c.ID),
				slog.Any("err", err),
			)
		}
	}
	return true, nil
}

func tally(counts map[models.ReminderState]int) notify.Summary {
	var sum notify.Summary
	for state, n := range counts {
		sum.Total += n
		switch state {
		case models.StateAcknowledged:
			sum.Confirmed += n
		case models.StateEscalated, models.StateExpired:
			sum.Missed += n
		case models.StateSkipped:
			sum.Skipped += n
		default:
			sum.Open += n
		}
	}
	return sum
}

func (m *Maintenance) location(tz string) *time.Location {
	if loc, err := schedule.LoadLocation(tz); err == nil && tz != "" {
		return loc
	}
	if loc, err := schedule.LoadLocation(m.DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

func (m *Maintenance) summarized(userID int64, day schedule.Date) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.sent[userID]
	return ok && !last.Before(day)
}

func (m *Maintenance) markSummarized(userID int64, day schedule.Date) {
	m.mu.Lock()
	m.sent[userID] = day
	m.mu.Unlock()
}
