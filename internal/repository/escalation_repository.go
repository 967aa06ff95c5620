package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"
)

type EscalationRepository struct {
	db *database.DB
}

func NewEscalationRepository(db *database.DB) *EscalationRepository {
	return &EscalationRepository{db: db}
}

func encodeEscalation(rec *models.EscalationRecord) (targets, attempts string, err error) {
	t := rec.Targets
	if t == nil {
		t = []int64{}
	}
	a := rec.Attempts
	if a == nil {
		a = []models.EscalationAttempt{}
	}
	tb, err := json.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode escalation targets: %w", err)
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode escalation attempts: %w", err)
	}
	return string(tb), string(ab), nil
}

// Create stores a new escalation record. A record for the same reminder
// already existing yields ErrDuplicate.
func (r *EscalationRepository) Create(ctx context.Context, rec *models.EscalationRecord) error {
	rec.CreatedAt = dbTime(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt

	targets, attempts, err := encodeEscalation(rec)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO escalations (id, reminder_id, user_id, targets, attempts, completed, resolved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ReminderID, rec.UserID, targets, attempts, rec.Completed, rec.Resolved, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create escalation: %w", err)
	}
	return nil
}

const escalationColumns = `id, reminder_id, user_id, targets, attempts, completed, acknowledged_by,
	acknowledged_at, resolved, resolved_at, created_at, updated_at`

func scanEscalation(s scanner) (*models.EscalationRecord, error) {
	var (
		rec               models.EscalationRecord
		targets, attempts string
	)
	err := s.Scan(
		&rec.ID,
		&rec.ReminderID,
		&rec.UserID,
		&targets,
		&attempts,
		&rec.Completed,
		&rec.AcknowledgedBy,
		&rec.AcknowledgedAt,
		&rec.Resolved,
		&rec.ResolvedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &rec.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode escalation targets: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &rec.Attempts); err != nil {
		return nil, fmt.Errorf("failed to decode escalation attempts: %w", err)
	}
	return &rec, nil
}

func (r *EscalationRepository) get(ctx context.Context, where string, arg any) (*models.EscalationRecord, error) {
	rec, err := scanEscalation(r.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE `+where+` = ?`, arg))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	return rec, nil
}

// GetByID retrieves an escalation record by ID
func (r *EscalationRepository) GetByID(ctx context.Context, id string) (*models.EscalationRecord, error) {
	return r.get(ctx, "id", id)
}

// GetByReminder retrieves the escalation record of a reminder instance
func (r *EscalationRepository) GetByReminder(ctx context.Context, reminderID string) (*models.EscalationRecord, error) {
	return r.get(ctx, "reminder_id", reminderID)
}

// Update writes attempts, completion, receipt and resolution
func (r *EscalationRepository) Update(ctx context.Context, rec *models.EscalationRecord) error {
	rec.UpdatedAt = dbTime(rec.UpdatedAt)
	rec.AcknowledgedAt = dbNullTime(rec.AcknowledgedAt)
	rec.ResolvedAt = dbNullTime(rec.ResolvedAt)

	targets, attempts, err := encodeEscalation(rec)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE escalations
		SET targets = ?, attempts = ?, completed = ?, acknowledged_by = ?, acknowledged_at = ?,
		    resolved = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?
	`, targets, attempts, rec.Completed, rec.AcknowledgedBy, rec.AcknowledgedAt,
		rec.Resolved, rec.ResolvedAt, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIncomplete retrieves unresolved records whose notifications did not finish
func (r *EscalationRepository) ListIncomplete(ctx context.Context) ([]*models.EscalationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE completed = ? AND resolved = ?
		ORDER BY created_at
	`, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var out []*models.EscalationRecord
	for rows.Next() {
		rec, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
