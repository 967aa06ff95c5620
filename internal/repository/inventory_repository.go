package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"

	"github.com/shopspring/decimal"
)

type InventoryRepository struct {
	db *database.DB
}

func NewInventoryRepository(db *database.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

// InventoryChange describes one ledger movement
type InventoryChange struct {
	Reason    string         // "dose", "restock", "adjust"
	Reference sql.NullString // dose changes carry the reminder id
	At        time.Time
}

const inventoryColumns = `medicine_id, quantity, unit, low_stock_threshold, last_decrement_at, updated_at`

func scanInventory(s scanner) (*models.InventoryRecord, error) {
	var rec models.InventoryRecord
	err := s.Scan(
		&rec.MedicineID,
		&rec.Quantity,
		&rec.Unit,
		&rec.LowStockThreshold,
		&rec.LastDecrementAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get retrieves the inventory record of a medicine
func (r *InventoryRepository) Get(ctx context.Context, medicineID int64) (*models.InventoryRecord, error) {
	query := `SELECT ` + inventoryColumns + ` FROM inventory WHERE medicine_id = ?`
	rec, err := scanInventory(r.db.QueryRowContext(ctx, query, medicineID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	return rec, nil
}

// Upsert creates the record or overwrites its quantity, unit and threshold.
// A quantity change is logged as an "adjust" history row.
func (r *InventoryRepository) Upsert(ctx context.Context, rec *models.InventoryRecord) error {
	rec.UpdatedAt = dbTime(rec.UpdatedAt)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = dbTime(time.Now())
	}

	return r.db.InTx(ctx, func(tx *database.Tx) error {
		before := decimal.Zero
		var existing decimal.Decimal
		err := tx.QueryRowContext(ctx, `SELECT quantity FROM inventory WHERE medicine_id = ?`, rec.MedicineID).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO inventory (medicine_id, quantity, unit, low_stock_threshold, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, rec.MedicineID, rec.Quantity, rec.Unit, rec.LowStockThreshold, rec.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to create inventory: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to get current quantity: %w", err)
		default:
			before = existing
			_, err = tx.ExecContext(ctx, `
				UPDATE inventory SET quantity = ?, unit = ?, low_stock_threshold = ?, updated_at = ?
				WHERE medicine_id = ?
			`, rec.Quantity, rec.Unit, rec.LowStockThreshold, rec.UpdatedAt, rec.MedicineID)
			if err != nil {
				return fmt.Errorf("failed to update inventory: %w", err)
			}
		}

		if before.Equal(rec.Quantity) {
			return nil
		}
		return insertHistory(ctx, tx, rec.MedicineID, before, rec.Quantity, InventoryChange{Reason: "adjust", At: rec.UpdatedAt})
	})
}

// Modify reads the record inside a transaction, lets fn change it and
// writes it back together with a history row. When change.Reference was
// already recorded for this medicine nothing is written and the earlier
// history row is returned with ErrDuplicate.
func (r *InventoryRepository) Modify(ctx context.Context, medicineID int64, change InventoryChange, fn func(rec *models.InventoryRecord) error) (*models.InventoryHistory, error) {
	change.At = dbTime(change.At)
	var result *models.InventoryHistory

	err := r.db.InTx(ctx, func(tx *database.Tx) error {
		if change.Reference.Valid {
			prev, err := scanHistory(tx.QueryRowContext(ctx, `
				SELECT `+historyColumns+` FROM inventory_history
				WHERE medicine_id = ? AND reference = ?
			`, medicineID, change.Reference))
			if err == nil {
				result = prev
				return ErrDuplicate
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("failed to check inventory reference: %w", err)
			}
		}

		rec, err := scanInventory(tx.QueryRowContext(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE medicine_id = ?`, medicineID))
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get inventory: %w", err)
		}

		before := rec.Quantity
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = change.At
		rec.LastDecrementAt = dbNullTime(rec.LastDecrementAt)

		_, err = tx.ExecContext(ctx, `
			UPDATE inventory SET quantity = ?, low_stock_threshold = ?, last_decrement_at = ?, updated_at = ?
			WHERE medicine_id = ?
		`, rec.Quantity, rec.LowStockThreshold, rec.LastDecrementAt, rec.UpdatedAt, medicineID)
		if err != nil {
			return fmt.Errorf("failed to update quantity: %w", err)
		}

		if err := insertHistory(ctx, tx, medicineID, before, rec.Quantity, change); err != nil {
			return err
		}

		result = &models.InventoryHistory{
			MedicineID:     medicineID,
			ChangeAmount:   rec.Quantity.Sub(before),
			QuantityBefore: before,
			QuantityAfter:  rec.Quantity,
			Reason:         change.Reason,
			Reference:      change.Reference,
			Timestamp:      change.At,
		}
		return nil
	})
	if err == ErrDuplicate {
		return result, ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertHistory(ctx context.Context, tx *database.Tx, medicineID int64, before, after decimal.Decimal, change InventoryChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_history (medicine_id, change_amount, quantity_before, quantity_after, reason, reference, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, medicineID, after.Sub(before), before, after, change.Reason, change.Reference, change.At)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to log inventory change: %w", err)
	}
	return nil
}

const historyColumns = `id, medicine_id, change_amount, quantity_before, quantity_after, reason, reference, timestamp`

func scanHistory(s scanner) (*models.InventoryHistory, error) {
	var h models.InventoryHistory
	err := s.Scan(
		&h.ID,
		&h.MedicineID,
		&h.ChangeAmount,
		&h.QuantityBefore,
		&h.QuantityAfter,
		&h.Reason,
		&h.Reference,
		&h.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetHistory retrieves the newest history rows of a medicine
func (r *InventoryRepository) GetHistory(ctx context.Context, medicineID int64, limit int) ([]*models.InventoryHistory, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM inventory_history
		WHERE medicine_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, medicineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory history: %w", err)
	}
	defer rows.Close()

	var history []*models.InventoryHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// SetThreshold sets or clears the per-medicine low-stock override
func (r *InventoryRepository) SetThreshold(ctx context.Context, medicineID int64, threshold decimal.NullDecimal, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE inventory SET low_stock_threshold = ?, updated_at = ? WHERE medicine_id = ?
	`, threshold, dbTime(at), medicineID)
	if err != nil {
		return fmt.Errorf("failed to set low stock threshold: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
