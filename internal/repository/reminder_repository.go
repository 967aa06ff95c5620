package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"
)

// ReminderRepository stores reminder instances. Every state change goes
// through Update, which is a compare-and-swap on the version column.
type ReminderRepository struct {
	db *database.DB
}

func NewReminderRepository(db *database.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

func normalizeReminder(inst *models.ReminderInstance) {
	inst.ScheduledAt = dbTime(inst.ScheduledAt)
	inst.NextActionAt = dbTime(inst.NextActionAt)
	inst.CutoffAt = dbTime(inst.CutoffAt)
	inst.CreatedAt = dbTime(inst.CreatedAt)
	inst.UpdatedAt = dbTime(inst.UpdatedAt)
}

// InsertIfAbsent stores a new instance unless a non-cancelled instance for
// the same medicine and instant already exists. It reports whether a row
// was written.
func (r *ReminderRepository) InsertIfAbsent(ctx context.Context, inst *models.ReminderInstance) (bool, error) {
	normalizeReminder(inst)
	if inst.Version == 0 {
		inst.Version = 1
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO reminder_instances (id, medicine_id, schedule_id, user_id, scheduled_at, state, attempts,
		                                next_action_at, cutoff_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		inst.ID,
		inst.MedicineID,
		inst.ScheduleID,
		inst.UserID,
		inst.ScheduledAt,
		string(inst.State),
		inst.Attempts,
		inst.NextActionAt,
		inst.CutoffAt,
		inst.Version,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert reminder: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

const reminderColumns = `id, medicine_id, schedule_id, user_id, scheduled_at, state, attempts,
	next_action_at, cutoff_at, version, created_at, updated_at`

func scanReminder(s scanner) (*models.ReminderInstance, error) {
	var (
		inst  models.ReminderInstance
		state string
	)
	err := s.Scan(
		&inst.ID,
		&inst.MedicineID,
		&inst.ScheduleID,
		&inst.UserID,
		&inst.ScheduledAt,
		&state,
		&inst.Attempts,
		&inst.NextActionAt,
		&inst.CutoffAt,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.State = models.ReminderState(state)
	return &inst, nil
}

func (r *ReminderRepository) list(ctx context.Context, query string, args ...any) ([]*models.ReminderInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	var out []*models.ReminderInstance
	for rows.Next() {
		inst, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetByID retrieves a reminder instance by ID
func (r *ReminderRepository) GetByID(ctx context.Context, id string) (*models.ReminderInstance, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminder_instances WHERE id = ?`
	inst, err := scanReminder(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return inst, nil
}

// Update writes the mutable fields when the stored version still matches
// inst.Version, then bumps inst.Version. A stale version yields ErrConflict.
func (r *ReminderRepository) Update(ctx context.Context, inst *models.ReminderInstance) error {
	normalizeReminder(inst)

	result, err := r.db.ExecContext(ctx, `
		UPDATE reminder_instances
		SET state = ?, attempts = ?, next_action_at = ?, cutoff_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(inst.State),
		inst.Attempts,
		inst.NextActionAt,
		inst.CutoffAt,
		inst.UpdatedAt,
		inst.ID,
		inst.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update reminder: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, inst.ID); err != nil {
			return err
		}
		return ErrConflict
	}

	inst.Version++
	return nil
}

var openStates = []any{string(models.StatePending), string(models.StateFired), string(models.StateSnoozed)}

// ListOpen retrieves every pending, fired or snoozed instance
func (r *ReminderRepository) ListOpen(ctx context.Context) ([]*models.ReminderInstance, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminder_instances
		WHERE state IN (?, ?, ?)
		ORDER BY next_action_at, id
	`
	return r.list(ctx, query, openStates...)
}

// ListOpenByMedicine retrieves the open instances of a medicine
func (r *ReminderRepository) ListOpenByMedicine(ctx context.Context, medicineID int64) ([]*models.ReminderInstance, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminder_instances
		WHERE medicine_id = ? AND state IN (?, ?, ?)
		ORDER BY scheduled_at
	`
	return r.list(ctx, query, append([]any{medicineID}, openStates...)...)
}

// ListOpenBySchedule retrieves the open instances of a schedule
func (r *ReminderRepository) ListOpenBySchedule(ctx context.Context, scheduleID int64) ([]*models.ReminderInstance, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminder_instances
		WHERE schedule_id = ? AND state IN (?, ?, ?)
		ORDER BY scheduled_at
	`
	return r.list(ctx, query, append([]any{scheduleID}, openStates...)...)
}

// ListUpcoming retrieves open instances of a user scheduled at or after from
func (r *ReminderRepository) ListUpcoming(ctx context.Context, userID int64, from time.Time, limit int) ([]*models.ReminderInstance, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminder_instances
		WHERE user_id = ? AND scheduled_at >= ? AND state IN (?, ?, ?)
		ORDER BY scheduled_at, id
		LIMIT ?
	`
	args := append([]any{userID, dbTime(from)}, openStates...)
	return r.list(ctx, query, append(args, limit)...)
}

// ListHistory retrieves the newest instances of a medicine in any state
func (r *ReminderRepository) ListHistory(ctx context.Context, medicineID int64, limit int) ([]*models.ReminderInstance, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminder_instances
		WHERE medicine_id = ?
		ORDER BY scheduled_at DESC, id
		LIMIT ?
	`
	return r.list(ctx, query, medicineID, limit)
}

// ListRange retrieves the instances of a user scheduled in [from, to),
// oldest first. Cancelled instances are left out.
func (r *ReminderRepository) ListRange(ctx context.Context, userID int64, from, to time.Time) ([]*models.ReminderInstance, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminder_instances
		WHERE user_id = ? AND scheduled_at >= ? AND scheduled_at < ? AND state <> ?
		ORDER BY scheduled_at, id
	`
	return r.list(ctx, query, userID, dbTime(from), dbTime(to), string(models.StateCancelled))
}

// CountByState counts the instances of a user scheduled in [from, to) per
// state. Cancelled instances are left out.
func (r *ReminderRepository) CountByState(ctx context.Context, userID int64, from, to time.Time) (map[models.ReminderState]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state, COUNT(*)
		FROM reminder_instances
		WHERE user_id = ? AND scheduled_at >= ? AND scheduled_at < ? AND state <> ?
		GROUP BY state
	`, userID, dbTime(from), dbTime(to), string(models.StateCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to count reminders: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ReminderState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan reminder count: %w", err)
		}
		counts[models.ReminderState(state)] = n
	}
	return counts, rows.Err()
}
