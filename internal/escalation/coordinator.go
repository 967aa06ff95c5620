// Package escalation notifies caregivers about doses that stayed
// unconfirmed after the last reminder. Each reminder instance has at most
// one escalation record and every caregiver is notified at most once for it.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/lockmap"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/repository"

	"github.com/google/uuid"
)

// ErrNotTarget is returned when a caregiver acknowledges an escalation that
// was never addressed to them
var ErrNotTarget = errors.New("caregiver is not a target of this escalation")

type Store interface {
	Create(ctx context.Context, rec *models.EscalationRecord) error
	GetByID(ctx context.Context, id string) (*models.EscalationRecord, error)
	GetByReminder(ctx context.Context, reminderID string) (*models.EscalationRecord, error)
	Update(ctx context.Context, rec *models.EscalationRecord) error
	ListIncomplete(ctx context.Context) ([]*models.EscalationRecord, error)
}

type CaregiverStore interface {
	GetByID(ctx context.Context, id int64) (*models.Caregiver, error)
	ListEscalationTargets(ctx context.Context, userID int64) ([]*models.Caregiver, error)
}

type ReminderStore interface {
	GetByID(ctx context.Context, id string) (*models.ReminderInstance, error)
}

type MedicineStore interface {
	GetByID(ctx context.Context, id int64) (*models.Medicine, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// Deps are the collaborators of a Coordinator
type Deps struct {
	Records    Store
	Caregivers CaregiverStore
	Reminders  ReminderStore
	Medicines  MedicineStore
	Users      UserStore
	Notifier   notify.Notifier
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Coordinator struct {
	Deps
	locks *lockmap.Map[string]

	mu     sync.Mutex
	active map[string]chan struct{} // closed to stop an escalation in progress
}

func NewCoordinator(d Deps) *Coordinator {
	return &Coordinator{
		Deps:   d,
		locks:  lockmap.New[string](),
		active: make(map[string]chan struct{}),
	}
}

// Escalate notifies the caregivers of the instance's owner. Calling it again
// for the same instance only contacts caregivers without a recorded attempt.
// Delivery failures are recorded on the record, not returned.
//
// The stored instance is reloaded first. When it was confirmed since it
// escalated nobody is notified: an existing record is resolved and a
// missing one is not created, in which case the record is nil.
func (c *Coordinator) Escalate(ctx context.Context, inst *models.ReminderInstance) (*models.EscalationRecord, error) {
	stop := c.begin(inst.ID)
	defer c.end(inst.ID, stop)

	unlock := c.locks.Lock(inst.ID)
	defer unlock()

	current, err := c.Reminders.GetByID(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload reminder: %w", err)
	}
	if current.State != models.StateEscalated {
		c.Logger.InfoContext(ctx, "escalation skipped",
			slog.String("reminder_id", inst.ID),
			slog.String("state", string(current.State)),
		)
		rec, err := c.Records.GetByReminder(ctx, inst.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return rec, c.resolveLocked(ctx, rec)
	}
	inst = current

	rec, err := c.findOrCreate(ctx, inst)
	if err != nil {
		return nil, err
	}
	if rec.Resolved || rec.Completed {
		return rec, nil
	}

	msg := c.message(ctx, rec, inst)

	for _, id := range rec.Targets {
		if rec.Attempted(id) {
			continue
		}
		select {
		case <-stop:
			c.Logger.InfoContext(ctx, "escalation stopped", slog.String("escalation_id", rec.ID))
			return rec, nil
		default:
		}

		attempt := models.EscalationAttempt{CaregiverID: id}
		if err := c.send(ctx, id, msg); err != nil {
			attempt.Error = err.Error()
			c.Logger.WarnContext(ctx, "escalation not delivered",
				slog.String("escalation_id", rec.ID),
				slog.Int64("caregiver_id", id),
				slog.Any("err", err),
			)
		} else {
			attempt.Delivered = true
		}
		attempt.At = c.Clock.Now()

		rec.Attempts = append(rec.Attempts, attempt)
		rec.UpdatedAt = attempt.At
		if err := c.Records.Update(ctx, rec); err != nil {
			return rec, fmt.Errorf("failed to record escalation attempt: %w", err)
		}
	}

	rec.Completed = true
	rec.UpdatedAt = c.Clock.Now()
	if err := c.Records.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed to complete escalation: %w", err)
	}

	c.Logger.InfoContext(ctx, "escalation completed",
		slog.String("escalation_id", rec.ID),
		slog.String("reminder_id", rec.ReminderID),
		slog.Int("caregivers", len(rec.Targets)),
		slog.Int("delivered", delivered(rec)),
	)
	return rec, nil
}

func (c *Coordinator) findOrCreate(ctx context.Context, inst *models.ReminderInstance) (*models.EscalationRecord, error) {
	rec, err := c.Records.GetByReminder(ctx, inst.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	caregivers, err := c.Caregivers.ListEscalationTargets(ctx, inst.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve caregivers: %w", err)
	}
	targets := make([]int64, 0, len(caregivers))
	for _, cg := range caregivers {
		targets = append(targets, cg.ID)
	}
	if len(targets) == 0 {
		c.Logger.WarnContext(ctx, "no caregivers to escalate to",
			slog.String("reminder_id", inst.ID),
			slog.Int64("user_id", inst.UserID),
		)
	}

	rec = &models.EscalationRecord{
		ID:         uuid.NewString(),
		ReminderID: inst.ID,
		UserID:     inst.UserID,
		Targets:    targets,
		CreatedAt:  c.Clock.Now(),
	}
	err = c.Records.Create(ctx, rec)
	if errors.Is(err, repository.ErrDuplicate) {
		return c.Records.GetByReminder(ctx, inst.ID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) message(ctx context.Context, rec *models.EscalationRecord, inst *models.ReminderInstance) notify.Escalation {
	msg := notify.Escalation{
		RecordID:    rec.ID,
		ReminderID:  inst.ID,
		UserID:      inst.UserID,
		ScheduledAt: inst.ScheduledAt,
		Attempts:    inst.Attempts,
	}
	if med, err := c.Medicines.GetByID(ctx, inst.MedicineID); err == nil {
		msg.MedicineName = med.Name
	}
	if user, err := c.Users.GetByID(ctx, inst.UserID); err == nil {
		msg.Username = user.Username
		msg.Timezone = user.Timezone
	}
	return msg
}

func (c *Coordinator) send(ctx context.Context, caregiverID int64, msg notify.Escalation) error {
	cg, err := c.Caregivers.GetByID(ctx, caregiverID)
	if err != nil {
		return fmt.Errorf("caregiver unavailable: %w", err)
	}
	if !cg.IsActive || !cg.ReceiveEscalations {
		return errors.New("caregiver no longer receives escalations")
	}
	return c.Notifier.SendEscalation(ctx, cg, msg)
}

func delivered(rec *models.EscalationRecord) int {
	n := 0
	for _, a := range rec.Attempts {
		if a.Delivered {
			n++
		}
	}
	return n
}

func (c *Coordinator) begin(reminderID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := make(chan struct{})
	c.active[reminderID] = stop
	return stop
}

func (c *Coordinator) end(reminderID string, stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[reminderID] == stop {
		delete(c.active, reminderID)
	}
}

// interrupt stops notifications still being sent for the reminder
func (c *Coordinator) interrupt(reminderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.active[reminderID]; ok {
		close(stop)
		delete(c.active, reminderID)
	}
}

// Resolve marks the reminder's escalation resolved after a late
// confirmation. Caregivers not yet contacted are not contacted anymore.
func (c *Coordinator) Resolve(ctx context.Context, reminderID string) error {
	c.interrupt(reminderID)

	unlock := c.locks.Lock(reminderID)
	defer unlock()

	rec, err := c.Records.GetByReminder(ctx, reminderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.resolveLocked(ctx, rec)
}

func (c *Coordinator) resolveLocked(ctx context.Context, rec *models.EscalationRecord) error {
	if rec.Resolved {
		return nil
	}

	now := c.Clock.Now()
	rec.Resolved = true
	rec.ResolvedAt.Time, rec.ResolvedAt.Valid = now, true
	rec.UpdatedAt = now
	if err := c.Records.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to resolve escalation: %w", err)
	}

	c.Logger.InfoContext(ctx, "escalation resolved", slog.String("escalation_id", rec.ID), slog.String("reminder_id", rec.ReminderID))
	return nil
}

// AcknowledgeReceipt records that a caregiver saw the escalation. It
// completes the notification step but does not resolve the missed dose.
// The first caregiver to acknowledge is kept.
func (c *Coordinator) AcknowledgeReceipt(ctx context.Context, recordID string, caregiverID int64) (*models.EscalationRecord, error) {
	rec, err := c.Records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	c.interrupt(rec.ReminderID)
	unlock := c.locks.Lock(rec.ReminderID)
	defer unlock()

	rec, err = c.Records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !targets(rec, caregiverID) {
		return nil, ErrNotTarget
	}
	if rec.AcknowledgedBy.Valid {
		return rec, nil
	}

	now := c.Clock.Now()
	rec.AcknowledgedBy.Int64, rec.AcknowledgedBy.Valid = caregiverID, true
	rec.AcknowledgedAt.Time, rec.AcknowledgedAt.Valid = now, true
	rec.Completed = true
	rec.UpdatedAt = now
	if err := c.Records.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to acknowledge escalation: %w", err)
	}
	return rec, nil
}

func targets(rec *models.EscalationRecord, caregiverID int64) bool {
	for _, id := range rec.Targets {
		if id == caregiverID {
			return true
		}
	}
	return false
}

// ResumeIncomplete continues escalations interrupted by a restart. Records
// whose reminder was confirmed in the meantime are resolved instead.
func (c *Coordinator) ResumeIncomplete(ctx context.Context) (int, error) {
	records, err := c.Records.ListIncomplete(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, rec := range records {
		inst, err := c.Reminders.GetByID(ctx, rec.ReminderID)
		if err != nil {
			c.Logger.ErrorContext(ctx, "escalation resume skipped", slog.String("escalation_id", rec.ID), slog.Any("err", err))
			continue
		}

		if inst.State != models.StateEscalated {
			if err := c.Resolve(ctx, inst.ID); err != nil {
				return resumed, err
			}
			continue
		}

		if _, err := c.Escalate(ctx, inst); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}
