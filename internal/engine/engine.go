// Package engine drives reminder instances through their lifecycle.
//
// A single timer queue merges due, retry and day-cutoff deadlines of every
// open instance with the periodic horizon refresh that derives new
// instances. Transitions of one instance are serialized by a per-instance
// lock; different instances are processed concurrently by a bounded pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/config"
	"medicine-reminder/internal/inventory"
	"medicine-reminder/internal/lockmap"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/reminder"
	"medicine-reminder/internal/repository"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPersistenceUnavailable wraps storage failures. Timer-driven work
	// that hits it is retried with exponential backoff.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrUnknownAction          = errors.New("unknown acknowledgment action")
)

// Acknowledgment actions accepted from the chat layer
const (
	ActionConfirm = "confirm"
	ActionSnooze  = "snooze"
	ActionSkip    = "skip"
)

type ReminderStore interface {
	InsertIfAbsent(ctx context.Context, inst *models.ReminderInstance) (bool, error)
	GetByID(ctx context.Context, id string) (*models.ReminderInstance, error)
	Update(ctx context.Context, inst *models.ReminderInstance) error
	ListOpen(ctx context.Context) ([]*models.ReminderInstance, error)
	ListOpenByMedicine(ctx context.Context, medicineID int64) ([]*models.ReminderInstance, error)
	ListOpenBySchedule(ctx context.Context, scheduleID int64) ([]*models.ReminderInstance, error)
}

type ScheduleStore interface {
	GetByID(ctx context.Context, id int64) (*models.Schedule, error)
	ListActive(ctx context.Context) ([]*models.Schedule, error)
	SetExpandedUntil(ctx context.Context, id int64, until time.Time) error
}

type MedicineStore interface {
	GetByID(ctx context.Context, id int64) (*models.Medicine, error)
}

type Ledger interface {
	ConfirmDose(ctx context.Context, medicineID int64, dose decimal.Decimal, ref string) (inventory.Result, error)
}

type Escalator interface {
	Escalate(ctx context.Context, inst *models.ReminderInstance) (*models.EscalationRecord, error)
	Resolve(ctx context.Context, reminderID string) error
	ResumeIncomplete(ctx context.Context) (int, error)
}

// Deps are the collaborators of an Engine
type Deps struct {
	Reminders ReminderStore
	Schedules ScheduleStore
	Medicines MedicineStore
	Ledger    Ledger
	Escalator Escalator
	Notifier  notify.Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Engine struct {
	Deps
	cfg config.ReminderConfig

	mu    sync.Mutex
	queue *timerQueue

	wake          chan struct{}
	locks         *lockmap.Map[string]
	scheduleLocks *lockmap.Map[int64]
	workers       *semaphore.Weighted
}

func New(cfg config.ReminderConfig, d Deps) *Engine {
	workers := cfg.DispatchWorkers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		Deps:          d,
		cfg:           cfg,
		queue:         newTimerQueue(),
		wake:          make(chan struct{}, 1),
		locks:         lockmap.New[string](),
		scheduleLocks: lockmap.New[int64](),
		workers:       semaphore.NewWeighted(int64(workers)),
	}
}

// Run processes timers until ctx is done. It sleeps until the earliest
// deadline or until new work arrives.
func (e *Engine) Run(ctx context.Context) error {
	e.Logger.InfoContext(ctx, "reminder engine started", slog.Int("timers", e.Pending()))
	defer e.Logger.InfoContext(ctx, "reminder engine stopped")

	for {
		if err := e.Tick(ctx); err != nil {
			return err
		}

		var deadline <-chan time.Time
		if next, ok := e.NextWake(); ok {
			deadline = e.Clock.After(next.Sub(e.Clock.Now()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
		case <-e.wake:
		}
	}
}

// NextWake returns the earliest armed deadline
func (e *Engine) NextWake() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.queue.peek()
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

// Pending returns the number of armed timers
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// Tick processes every timer due at or before now in deadline order and
// returns when all of them are handled. Timers of one instance run in
// order on one worker.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.Clock.Now()

	e.mu.Lock()
	due := e.queue.popDue(now)
	e.mu.Unlock()
	if len(due) == 0 {
		return nil
	}

	var order []string
	groups := make(map[string][]*timer)
	for _, t := range due {
		if _, ok := groups[t.instanceID]; !ok {
			order = append(order, t.instanceID)
		}
		groups[t.instanceID] = append(groups[t.instanceID], t)
	}

	var g errgroup.Group
	for _, id := range order {
		if err := e.workers.Acquire(ctx, 1); err != nil {
			e.requeue(groups[id])
			continue
		}
		timers := groups[id]
		g.Go(func() error {
			defer e.workers.Release(1)
			for _, t := range timers {
				e.fire(ctx, t, now)
			}
			return nil
		})
	}
	g.Wait()

	return ctx.Err()
}

func (e *Engine) requeue(timers []*timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range timers {
		if !e.queue.has(t.timerKey) {
			e.queue.set(t.timerKey, t.at, t.failures)
		}
	}
}

func (e *Engine) fire(ctx context.Context, t *timer, now time.Time) {
	var err error
	if t.kind == timerHorizon {
		err = e.RefreshHorizon(ctx)
	} else {
		err = e.fireInstance(ctx, t)
	}
	if err == nil || !errors.Is(err, ErrPersistenceUnavailable) {
		return
	}

	delay := e.backoff(t.failures)
	e.Logger.ErrorContext(ctx, "timer failed, retrying",
		slog.String("instance_id", t.instanceID),
		slog.String("timer", t.kind.String()),
		slog.Int("failures", t.failures+1),
		slog.Duration("retry_in", delay),
		slog.Any("err", err),
	)

	e.mu.Lock()
	if !e.queue.has(t.timerKey) {
		e.queue.set(t.timerKey, now.Add(delay), t.failures+1)
	}
	e.mu.Unlock()
}

// backoff doubles from the base delay up to the maximum
func (e *Engine) backoff(failures int) time.Duration {
	d := e.cfg.PersistenceRetryBase
	for i := 0; i < failures && d < e.cfg.PersistenceRetryMax; i++ {
		d *= 2
	}
	if d > e.cfg.PersistenceRetryMax {
		d = e.cfg.PersistenceRetryMax
	}
	return d
}

func (e *Engine) fireInstance(ctx context.Context, t *timer) error {
	var ev reminder.Event
	switch t.kind {
	case timerDue:
		ev = reminder.EventDispatchDue
	case timerRetry:
		ev = reminder.EventRetryTimeout
	case timerCutoff:
		ev = reminder.EventDayCutoff
	default:
		return nil
	}

	_, err := e.transition(ctx, t.instanceID, ev, t)
	if errors.Is(err, reminder.ErrStaleTransition) {
		e.Logger.DebugContext(ctx, "stale timer ignored",
			slog.String("instance_id", t.instanceID),
			slog.String("timer", t.kind.String()),
		)
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		e.Logger.WarnContext(ctx, "timer for missing reminder dropped", slog.String("instance_id", t.instanceID))
		return nil
	}
	return err
}

// Acknowledge applies a user action to an instance. Acting on an instance
// that is no longer open changes nothing: it is logged and
// reminder.ErrStaleTransition is returned together with the stored
// instance, which callers treat as a no-op.
func (e *Engine) Acknowledge(ctx context.Context, instanceID, action string) (*models.ReminderInstance, error) {
	var ev reminder.Event
	switch action {
	case ActionConfirm:
		ev = reminder.EventConfirm
	case ActionSnooze:
		ev = reminder.EventSnooze
	case ActionSkip:
		ev = reminder.EventSkip
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	inst, err := e.transition(ctx, instanceID, ev, nil)
	if errors.Is(err, reminder.ErrStaleTransition) && inst != nil {
		e.Logger.InfoContext(ctx, "stale acknowledgment ignored",
			slog.String("instance_id", instanceID),
			slog.String("action", action),
			slog.String("state", string(inst.State)),
		)
	}
	return inst, err
}

// followUp is work done after the instance lock is released
type followUp struct {
	escalate *models.ReminderInstance
	resolve  string
}

// transition loads the instance, applies ev and performs the effects.
// Timer events pass the timer that fired so outdated deadlines can be told
// apart from current ones.
func (e *Engine) transition(ctx context.Context, instanceID string, ev reminder.Event, t *timer) (*models.ReminderInstance, error) {
	unlock := e.locks.Lock(instanceID)
	inst, after, err := e.transitionLocked(ctx, instanceID, ev, t)
	unlock()

	if after.resolve != "" {
		if err := e.Escalator.Resolve(ctx, after.resolve); err != nil {
			e.Logger.ErrorContext(ctx, "failed to resolve escalation", slog.String("instance_id", after.resolve), slog.Any("err", err))
		}
	}
	if after.escalate != nil {
		if _, err := e.Escalator.Escalate(ctx, after.escalate); err != nil {
			// the record stays incomplete and is resumed on the next start
			e.Logger.ErrorContext(ctx, "escalation failed", slog.String("instance_id", instanceID), slog.Any("err", err))
		}
	}
	return inst, err
}

func (e *Engine) transitionLocked(ctx context.Context, instanceID string, ev reminder.Event, t *timer) (*models.ReminderInstance, followUp, error) {
	var after followUp

	inst, err := e.Reminders.GetByID(ctx, instanceID)
	if errors.Is(err, repository.ErrNotFound) {
		e.mu.Lock()
		e.queue.clear(instanceID)
		e.mu.Unlock()
		return nil, after, err
	}
	if err != nil {
		return nil, after, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	if t != nil && superseded(inst, t) {
		return inst, after, fmt.Errorf("%w: %s timer at %s superseded", reminder.ErrStaleTransition, t.kind, t.at)
	}

	now := e.Clock.Now()
	policy, err := e.policy(ctx, inst, ev)
	if err != nil {
		return inst, after, err
	}

	out, err := reminder.Apply(*inst, ev, now, policy)
	if err != nil {
		return inst, after, err
	}
	next := &out.Next

	if out.Has(reminder.EffectDecrementStock) {
		if err := e.decrement(ctx, next); err != nil {
			return inst, after, err
		}
	}

	if err := e.Reminders.Update(ctx, next); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// written elsewhere; follow the stored state
			if fresh, gerr := e.Reminders.GetByID(ctx, instanceID); gerr == nil {
				e.arm(fresh)
				return fresh, after, fmt.Errorf("%w: %s lost a concurrent update", reminder.ErrStaleTransition, ev)
			}
		}
		return inst, after, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	e.Logger.InfoContext(ctx, "reminder transition",
		slog.String("instance_id", next.ID),
		slog.String("event", string(ev)),
		slog.String("from", string(out.From)),
		slog.String("to", string(next.State)),
		slog.Int("attempts", next.Attempts),
	)

	e.mu.Lock()
	for _, eff := range out.Effects {
		switch eff {
		case reminder.EffectClearTimers:
			e.queue.clear(next.ID)
		case reminder.EffectArmRetry:
			e.queue.remove(timerKey{next.ID, timerDue})
			e.queue.set(timerKey{next.ID, timerRetry}, next.NextActionAt, 0)
		case reminder.EffectArmCutoff:
			e.queue.set(timerKey{next.ID, timerCutoff}, next.CutoffAt, 0)
		}
	}
	e.mu.Unlock()
	e.signal()

	if out.Has(reminder.EffectSendReminder) {
		e.sendReminder(ctx, next, now)
	}
	if out.Has(reminder.EffectEscalate) {
		after.escalate = next
	}
	if out.Has(reminder.EffectResolveEscalation) {
		after.resolve = next.ID
	}

	return next, after, nil
}

// superseded reports whether a timer no longer matches the stored deadline
func superseded(inst *models.ReminderInstance, t *timer) bool {
	switch t.kind {
	case timerDue, timerRetry:
		return inst.NextActionAt.After(t.at)
	case timerCutoff:
		return inst.CutoffAt.After(t.at)
	}
	return false
}

func (e *Engine) policy(ctx context.Context, inst *models.ReminderInstance, ev reminder.Event) (reminder.Policy, error) {
	p := reminder.Policy{
		SnoozeDelay: e.cfg.SnoozeDelay,
		MaxAttempts: e.cfg.MaxAttempts,
		Escalate:    true,
	}
	if ev != reminder.EventRetryTimeout {
		return p, nil
	}

	s, err := e.Schedules.GetByID(ctx, inst.ScheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	p.Escalate = s.Escalate
	return p, nil
}

func (e *Engine) decrement(ctx context.Context, inst *models.ReminderInstance) error {
	med, err := e.Medicines.GetByID(ctx, inst.MedicineID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	res, err := e.Ledger.ConfirmDose(ctx, inst.MedicineID, med.DoseAmount, inst.ID)
	switch {
	case errors.Is(err, inventory.ErrNotTracked), errors.Is(err, inventory.ErrInvalidAmount):
		e.Logger.InfoContext(ctx, "dose not taken from stock",
			slog.String("instance_id", inst.ID),
			slog.Int64("medicine_id", inst.MedicineID),
			slog.Any("reason", err),
		)
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	if res.Shortfall.IsPositive() {
		e.Logger.WarnContext(ctx, "dose exceeded stock",
			slog.String("instance_id", inst.ID),
			slog.String("shortfall", res.Shortfall.String()),
		)
	}
	return nil
}

func (e *Engine) sendReminder(ctx context.Context, inst *models.ReminderInstance, now time.Time) {
	if !now.Before(inst.CutoffAt) {
		e.Logger.InfoContext(ctx, "reminder past cutoff not sent", slog.String("instance_id", inst.ID))
		return
	}

	msg := notify.Reminder{
		InstanceID:  inst.ID,
		UserID:      inst.UserID,
		ScheduledAt: inst.ScheduledAt,
		Attempt:     inst.Attempts,
	}
	if med, err := e.Medicines.GetByID(ctx, inst.MedicineID); err == nil {
		msg.MedicineName = med.Name
		msg.DoseInfo = med.DoseInfo()
	}
	if s, err := e.Schedules.GetByID(ctx, inst.ScheduleID); err == nil {
		msg.Timezone = s.Timezone
	}

	if err := e.Notifier.SendReminder(ctx, msg); err != nil {
		e.Logger.WarnContext(ctx, "reminder not delivered",
			slog.String("instance_id", inst.ID),
			slog.Int("attempt", inst.Attempts),
			slog.Any("err", err),
		)
	}
}

// arm schedules the timers implied by the stored state of inst
func (e *Engine) arm(inst *models.ReminderInstance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queue.clear(inst.ID)
	switch inst.State {
	case models.StatePending:
		e.queue.set(timerKey{inst.ID, timerDue}, inst.NextActionAt, 0)
	case models.StateFired, models.StateSnoozed:
		if inst.NextActionAt.Before(inst.CutoffAt) {
			e.queue.set(timerKey{inst.ID, timerRetry}, inst.NextActionAt, 0)
		}
		e.queue.set(timerKey{inst.ID, timerCutoff}, inst.CutoffAt, 0)
	}
	e.signal()
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
