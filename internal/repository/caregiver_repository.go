package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"
)

// CaregiverRepository manages caregivers and their ordered links to users.
// A caregiver may be linked to several users.
type CaregiverRepository struct {
	db *database.DB
}

func NewCaregiverRepository(db *database.DB) *CaregiverRepository {
	return &CaregiverRepository{db: db}
}

const caregiverColumns = `c.id, c.name, c.contact_kind, c.contact_ref, c.receive_escalations,
	c.receive_daily_summary, c.is_active, c.created_at`

func scanCaregiver(s scanner) (*models.Caregiver, error) {
	var (
		c    models.Caregiver
		kind string
	)
	err := s.Scan(
		&c.ID,
		&c.Name,
		&kind,
		&c.ContactRef,
		&c.ReceiveEscalations,
		&c.ReceiveDailySummary,
		&c.IsActive,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ContactKind = models.ContactKind(kind)
	return &c, nil
}

// AddForUser links a caregiver to a user, creating the caregiver when no
// caregiver with the same contact exists yet. The link is appended at the
// end of the user's notification order.
func (r *CaregiverRepository) AddForUser(ctx context.Context, userID int64, c *models.Caregiver, maxPerUser int) error {
	now := dbTime(time.Now())

	return r.db.InTx(ctx, func(tx *database.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_caregivers WHERE user_id = ?`, userID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count caregivers: %w", err)
		}
		if count >= maxPerUser {
			return ErrCaregiverLimit
		}

		existing, err := scanCaregiver(tx.QueryRowContext(ctx, `
			SELECT `+caregiverColumns+` FROM caregivers c WHERE c.contact_kind = ? AND c.contact_ref = ?
		`, string(c.ContactKind), c.ContactRef))
		switch {
		case err == sql.ErrNoRows:
			c.CreatedAt = now
			err = tx.QueryRowContext(ctx, `
				INSERT INTO caregivers (name, contact_kind, contact_ref, receive_escalations, receive_daily_summary, is_active, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				RETURNING id
			`, c.Name, string(c.ContactKind), c.ContactRef, c.ReceiveEscalations, c.ReceiveDailySummary, c.IsActive, c.CreatedAt).Scan(&c.ID)
			if err != nil {
				return fmt.Errorf("failed to create caregiver: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up caregiver: %w", err)
		default:
			*c = *existing
		}

		var position int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM user_caregivers WHERE user_id = ?`, userID).Scan(&position); err != nil {
			return fmt.Errorf("failed to get caregiver position: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_caregivers (user_id, caregiver_id, position, created_at) VALUES (?, ?, ?, ?)
		`, userID, c.ID, position+1, now)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to link caregiver: %w", err)
		}
		return nil
	})
}

// GetByID retrieves a caregiver by ID
func (r *CaregiverRepository) GetByID(ctx context.Context, id int64) (*models.Caregiver, error) {
	c, err := scanCaregiver(r.db.QueryRowContext(ctx, `SELECT `+caregiverColumns+` FROM caregivers c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get caregiver: %w", err)
	}
	return c, nil
}

func (r *CaregiverRepository) list(ctx context.Context, query string, args ...any) ([]*models.Caregiver, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list caregivers: %w", err)
	}
	defer rows.Close()

	var out []*models.Caregiver
	for rows.Next() {
		c, err := scanCaregiver(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan caregiver: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListForUser retrieves the caregivers of a user in notification order
func (r *CaregiverRepository) ListForUser(ctx context.Context, userID int64) ([]*models.Caregiver, error) {
	query := `
		SELECT ` + caregiverColumns + `
		FROM caregivers c
		JOIN user_caregivers uc ON uc.caregiver_id = c.id
		WHERE uc.user_id = ?
		ORDER BY uc.position
	`
	return r.list(ctx, query, userID)
}

// ListEscalationTargets retrieves the active caregivers of a user that
// accept escalations, in notification order
func (r *CaregiverRepository) ListEscalationTargets(ctx context.Context, userID int64) ([]*models.Caregiver, error) {
	query := `
		SELECT ` + caregiverColumns + `
		FROM caregivers c
		JOIN user_caregivers uc ON uc.caregiver_id = c.id
		WHERE uc.user_id = ? AND c.is_active = ? AND c.receive_escalations = ?
		ORDER BY uc.position
	`
	return r.list(ctx, query, userID, true, true)
}

// ListSummaryTargets retrieves the active caregivers of a user that asked
// for the daily summary
func (r *CaregiverRepository) ListSummaryTargets(ctx context.Context, userID int64) ([]*models.Caregiver, error) {
	query := `
		SELECT ` + caregiverColumns + `
		FROM caregivers c
		JOIN user_caregivers uc ON uc.caregiver_id = c.id
		WHERE uc.user_id = ? AND c.is_active = ? AND c.receive_daily_summary = ?
		ORDER BY uc.position
	`
	return r.list(ctx, query, userID, true, true)
}

// IsLinked reports whether the caregiver is linked to the user
func (r *CaregiverRepository) IsLinked(ctx context.Context, userID, caregiverID int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_caregivers WHERE user_id = ? AND caregiver_id = ?`, userID, caregiverID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check caregiver link: %w", err)
	}
	return n > 0, nil
}

// UpdatePreferences changes what the caregiver receives and whether it is active
func (r *CaregiverRepository) UpdatePreferences(ctx context.Context, c *models.Caregiver) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE caregivers SET name = ?, receive_escalations = ?, receive_daily_summary = ?, is_active = ?
		WHERE id = ?
	`, c.Name, c.ReceiveEscalations, c.ReceiveDailySummary, c.IsActive, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update caregiver: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveForUser unlinks a caregiver from a user. The caregiver row stays
// because other users may still reference it.
func (r *CaregiverRepository) RemoveForUser(ctx context.Context, userID, caregiverID int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM user_caregivers WHERE user_id = ? AND caregiver_id = ?`, userID, caregiverID)
	if err != nil {
		return fmt.Errorf("failed to remove caregiver: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
