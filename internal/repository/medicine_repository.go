package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"
)

type MedicineRepository struct {
	db *database.DB
}

func NewMedicineRepository(db *database.DB) *MedicineRepository {
	return &MedicineRepository{db: db}
}

// Create creates a new medicine
func (r *MedicineRepository) Create(ctx context.Context, m *models.Medicine) error {
	now := dbTime(time.Now())
	if !m.CreatedAt.IsZero() {
		now = dbTime(m.CreatedAt)
	}
	m.CreatedAt, m.UpdatedAt = now, now

	query := `
		INSERT INTO medicines (user_id, name, dosage_unit, dose_amount, is_active, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		m.UserID, m.Name, m.DosageUnit, m.DoseAmount, m.IsActive, m.Notes, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to create medicine: %w", err)
	}
	return nil
}

const medicineColumns = `id, user_id, name, dosage_unit, dose_amount, is_active, notes, created_at, updated_at`

func scanMedicine(s scanner) (*models.Medicine, error) {
	var m models.Medicine
	err := s.Scan(
		&m.ID,
		&m.UserID,
		&m.Name,
		&m.DosageUnit,
		&m.DoseAmount,
		&m.IsActive,
		&m.Notes,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByID retrieves a medicine by ID
func (r *MedicineRepository) GetByID(ctx context.Context, id int64) (*models.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines WHERE id = ?`
	m, err := scanMedicine(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get medicine: %w", err)
	}
	return m, nil
}

// ListByUser retrieves the medicines of a user ordered by name
func (r *MedicineRepository) ListByUser(ctx context.Context, userID int64, activeOnly bool) ([]*models.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines WHERE user_id = ?`
	args := []any{userID}
	if activeOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list medicines: %w", err)
	}
	defer rows.Close()

	var medicines []*models.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medicine: %w", err)
		}
		medicines = append(medicines, m)
	}
	return medicines, rows.Err()
}

// Update updates name, unit, dose and notes
func (r *MedicineRepository) Update(ctx context.Context, m *models.Medicine) error {
	m.UpdatedAt = dbTime(time.Now())
	result, err := r.db.ExecContext(ctx, `
		UPDATE medicines
		SET name = ?, dosage_unit = ?, dose_amount = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`, m.Name, m.DosageUnit, m.DoseAmount, m.Notes, m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update medicine: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate soft deletes a medicine and its schedules
func (r *MedicineRepository) Deactivate(ctx context.Context, id int64) error {
	now := dbTime(time.Now())
	return r.db.InTx(ctx, func(tx *database.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE medicines SET is_active = ?, updated_at = ? WHERE id = ?`, false, now, id)
		if err != nil {
			return fmt.Errorf("failed to deactivate medicine: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schedules SET is_active = ?, updated_at = ? WHERE medicine_id = ?`, false, now, id); err != nil {
			return fmt.Errorf("failed to deactivate schedules: %w", err)
		}
		return nil
	})
}
