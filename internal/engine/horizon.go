package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medicine-reminder/internal/models"
	"medicine-reminder/internal/reminder"
	"medicine-reminder/internal/repository"
	"medicine-reminder/internal/schedule"

	"github.com/google/uuid"
)

// ExpandSchedule derives the instances of s up to until that do not exist
// yet and arms their due timers. It returns how many were created.
func (e *Engine) ExpandSchedule(ctx context.Context, s *models.Schedule, until time.Time) (int, error) {
	unlock := e.scheduleLocks.Lock(s.ID)
	defer unlock()
	return e.expandLocked(ctx, s, until)
}

func (e *Engine) expandLocked(ctx context.Context, s *models.Schedule, until time.Time) (int, error) {
	plan, err := schedule.Compile(s)
	if err != nil {
		return 0, err
	}
	med, err := e.Medicines.GetByID(ctx, s.MedicineID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	now := e.Clock.Now()
	from := now
	if s.ExpandedUntil.Valid && s.ExpandedUntil.Time.After(from) {
		from = s.ExpandedUntil.Time
	}
	if !from.Before(until) {
		return 0, nil
	}

	created := 0
	for at := range plan.Instants(from, until) {
		inst := &models.ReminderInstance{
			ID:           uuid.NewString(),
			MedicineID:   s.MedicineID,
			ScheduleID:   s.ID,
			UserID:       med.UserID,
			ScheduledAt:  at,
			State:        models.StatePending,
			NextActionAt: at,
			CutoffAt:     plan.CutoffFor(at, e.cfg.DayCutoff),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		inserted, err := e.Reminders.InsertIfAbsent(ctx, inst)
		if err != nil {
			return created, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
		}
		if !inserted {
			continue
		}
		e.arm(inst)
		created++
	}

	if err := e.Schedules.SetExpandedUntil(ctx, s.ID, until); err != nil {
		return created, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	s.ExpandedUntil.Time, s.ExpandedUntil.Valid = until, true

	if created > 0 {
		e.Logger.InfoContext(ctx, "reminders derived",
			slog.Int64("schedule_id", s.ID),
			slog.Int("count", created),
			slog.Time("until", until),
		)
	}
	return created, nil
}

// RefreshHorizon extends every active schedule to now plus the look-ahead
// window and arms the next refresh. Invalid schedules are logged and
// skipped; storage failures are returned after the other schedules ran.
func (e *Engine) RefreshHorizon(ctx context.Context) error {
	now := e.Clock.Now()

	schedules, err := e.Schedules.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	until := now.Add(e.cfg.LookAhead)
	var firstErr error
	total := 0
	for _, s := range schedules {
		n, err := e.ExpandSchedule(ctx, s, until)
		total += n
		switch {
		case err == nil:
		case errors.Is(err, schedule.ErrInvalidSchedule):
			e.Logger.WarnContext(ctx, "invalid schedule skipped", slog.Int64("schedule_id", s.ID), slog.Any("err", err))
		case firstErr == nil:
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	e.mu.Lock()
	e.queue.set(timerKey{kind: timerHorizon}, now.Add(e.cfg.HorizonInterval), 0)
	e.mu.Unlock()
	e.signal()

	e.Logger.DebugContext(ctx, "horizon refreshed", slog.Int("schedules", len(schedules)), slog.Int("created", total))
	return nil
}

// CancelMedicine cancels every open instance of a medicine
func (e *Engine) CancelMedicine(ctx context.Context, medicineID int64) (int, error) {
	open, err := e.Reminders.ListOpenByMedicine(ctx, medicineID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return e.cancelAll(ctx, open)
}

// CancelSchedule cancels every open instance of a schedule
func (e *Engine) CancelSchedule(ctx context.Context, scheduleID int64) (int, error) {
	unlock := e.scheduleLocks.Lock(scheduleID)
	defer unlock()

	open, err := e.Reminders.ListOpenBySchedule(ctx, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return e.cancelAll(ctx, open)
}

func (e *Engine) cancelAll(ctx context.Context, instances []*models.ReminderInstance) (int, error) {
	cancelled := 0
	for _, inst := range instances {
		_, err := e.transition(ctx, inst.ID, reminder.EventCancel, nil)
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, reminder.ErrStaleTransition), errors.Is(err, repository.ErrNotFound):
		default:
			return cancelled, err
		}
	}
	return cancelled, nil
}

// UpdateSchedule applies an edited schedule. Instances of the current local
// day are kept and get their cutoff recomputed; pending instances of later
// days are cancelled and derived again from the new definition.
func (e *Engine) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	if !s.IsActive {
		_, err := e.CancelSchedule(ctx, s.ID)
		return err
	}

	plan, err := schedule.Compile(s)
	if err != nil {
		return err
	}

	unlock := e.scheduleLocks.Lock(s.ID)
	defer unlock()

	now := e.Clock.Now()
	tomorrow := schedule.ResolveLocal(schedule.DateOf(now, plan.Location()).AddDays(1), models.TimeOfDay{}, plan.Location())

	open, err := e.Reminders.ListOpenBySchedule(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	var future []*models.ReminderInstance
	for _, inst := range open {
		if inst.State == models.StatePending && !inst.ScheduledAt.Before(tomorrow) {
			future = append(future, inst)
			continue
		}
		if err := e.retime(ctx, inst.ID, plan.CutoffFor(inst.ScheduledAt, e.cfg.DayCutoff)); err != nil {
			return err
		}
	}
	if _, err := e.cancelAll(ctx, future); err != nil {
		return err
	}

	if !s.ExpandedUntil.Valid || s.ExpandedUntil.Time.After(tomorrow) {
		s.ExpandedUntil.Time, s.ExpandedUntil.Valid = tomorrow, true
	}
	_, err = e.expandLocked(ctx, s, now.Add(e.cfg.LookAhead))
	return err
}

// retime moves the cutoff deadline of an open instance
func (e *Engine) retime(ctx context.Context, instanceID string, cutoff time.Time) error {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.Reminders.GetByID(ctx, instanceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if !inst.State.Open() || inst.CutoffAt.Equal(cutoff) {
		return nil
	}

	if inst.NextActionAt.Equal(inst.CutoffAt) {
		// out of retries and waiting for the cutoff
		inst.NextActionAt = cutoff
	}
	inst.CutoffAt = cutoff
	inst.UpdatedAt = e.Clock.Now()
	if err := e.Reminders.Update(ctx, inst); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	e.arm(inst)
	return nil
}

// StartSchedule derives the instances of a new schedule over the
// look-ahead window.
func (e *Engine) StartSchedule(ctx context.Context, s *models.Schedule) (int, error) {
	return e.ExpandSchedule(ctx, s, e.Clock.Now().Add(e.cfg.LookAhead))
}
