// Package inventory keeps per-medicine stock. Confirmed doses decrement the
// quantity, floored at zero, and raise a low-stock alert once per downward
// crossing of the threshold.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/lockmap"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/repository"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotTracked is returned when the medicine has no inventory record
	ErrNotTracked = errors.New("medicine has no inventory record")
	// ErrInvalidAmount is returned for zero or negative doses and restocks
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Store is the persistence the ledger needs
type Store interface {
	Get(ctx context.Context, medicineID int64) (*models.InventoryRecord, error)
	Upsert(ctx context.Context, rec *models.InventoryRecord) error
	Modify(ctx context.Context, medicineID int64, change repository.InventoryChange, fn func(rec *models.InventoryRecord) error) (*models.InventoryHistory, error)
	SetThreshold(ctx context.Context, medicineID int64, threshold decimal.NullDecimal, at time.Time) error
}

// MedicineStore looks up the medicine named in alerts
type MedicineStore interface {
	GetByID(ctx context.Context, id int64) (*models.Medicine, error)
}

// Result describes one ledger movement
type Result struct {
	Before           decimal.Decimal
	Quantity         decimal.Decimal
	Threshold        decimal.Decimal
	CrossedThreshold bool            // above threshold before, at or below after
	Exhausted        bool            // quantity is zero after the movement
	Shortfall        decimal.Decimal // part of the dose not covered by stock
	Duplicate        bool            // reference was already applied; nothing changed
}

type Ledger struct {
	store            Store
	medicines        MedicineStore
	notifier         notify.Notifier
	defaultThreshold decimal.Decimal
	clock            clock.Clock
	locks            *lockmap.Map[int64]
	logger           *slog.Logger
}

func NewLedger(store Store, medicines MedicineStore, notifier notify.Notifier, defaultThreshold decimal.Decimal, clk clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:            store,
		medicines:        medicines,
		notifier:         notifier,
		defaultThreshold: defaultThreshold,
		clock:            clk,
		locks:            lockmap.New[int64](),
		logger:           logger,
	}
}

// Threshold returns the effective low-stock threshold of a record
func (l *Ledger) Threshold(rec *models.InventoryRecord) decimal.Decimal {
	if rec.LowStockThreshold.Valid {
		return rec.LowStockThreshold.Decimal
	}
	return l.defaultThreshold
}

// ConfirmDose takes dose from the medicine's stock. ref identifies the
// confirmation; applying the same ref twice changes nothing and reports
// Duplicate.
func (l *Ledger) ConfirmDose(ctx context.Context, medicineID int64, dose decimal.Decimal, ref string) (Result, error) {
	if !dose.IsPositive() {
		return Result{}, ErrInvalidAmount
	}

	unlock := l.locks.Lock(medicineID)
	defer unlock()

	now := l.clock.Now()
	var res Result

	change := repository.InventoryChange{
		Reason:    "dose",
		Reference: sql.NullString{String: ref, Valid: ref != ""},
		At:        now,
	}
	hist, err := l.store.Modify(ctx, medicineID, change, func(rec *models.InventoryRecord) error {
		res.Before = rec.Quantity
		res.Threshold = l.Threshold(rec)

		after := rec.Quantity.Sub(dose)
		if after.IsNegative() {
			res.Shortfall = after.Neg()
			after = decimal.Zero
		}
		rec.Quantity = after
		rec.LastDecrementAt = sql.NullTime{Time: now, Valid: true}
		return nil
	})
	switch {
	case errors.Is(err, repository.ErrDuplicate) && hist == nil:
		return Result{Duplicate: true}, nil
	case errors.Is(err, repository.ErrDuplicate):
		return Result{
			Before:    hist.QuantityBefore,
			Quantity:  hist.QuantityAfter,
			Exhausted: hist.QuantityAfter.IsZero(),
			Duplicate: true,
		}, nil
	case errors.Is(err, repository.ErrNotFound):
		return Result{}, ErrNotTracked
	case err != nil:
		return Result{}, fmt.Errorf("failed to decrement inventory: %w", err)
	}

	res.Quantity = hist.QuantityAfter
	res.Exhausted = res.Quantity.IsZero()
	res.CrossedThreshold = res.Before.GreaterThan(res.Threshold) && res.Quantity.LessThanOrEqual(res.Threshold)

	runOut := res.Exhausted && res.Before.IsPositive()
	if res.CrossedThreshold || runOut {
		l.alert(ctx, medicineID, res)
	}

	return res, nil
}

// Restock adds amount to the medicine's stock
func (l *Ledger) Restock(ctx context.Context, medicineID int64, amount decimal.Decimal) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}

	unlock := l.locks.Lock(medicineID)
	defer unlock()

	var res Result
	change := repository.InventoryChange{Reason: "restock", At: l.clock.Now()}
	hist, err := l.store.Modify(ctx, medicineID, change, func(rec *models.InventoryRecord) error {
		res.Before = rec.Quantity
		res.Threshold = l.Threshold(rec)
		rec.Quantity = rec.Quantity.Add(amount)
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, ErrNotTracked
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to restock inventory: %w", err)
	}

	res.Quantity = hist.QuantityAfter
	return res, nil
}

// Set creates or overwrites the inventory record of a medicine
func (l *Ledger) Set(ctx context.Context, rec *models.InventoryRecord) error {
	if rec.Quantity.IsNegative() {
		return ErrInvalidAmount
	}
	if rec.LowStockThreshold.Valid && rec.LowStockThreshold.Decimal.IsNegative() {
		return ErrInvalidAmount
	}

	unlock := l.locks.Lock(rec.MedicineID)
	defer unlock()

	rec.UpdatedAt = l.clock.Now()
	return l.store.Upsert(ctx, rec)
}

// SetThreshold sets the per-medicine override; an invalid NullDecimal
// reverts to the configured default.
func (l *Ledger) SetThreshold(ctx context.Context, medicineID int64, threshold decimal.NullDecimal) error {
	if threshold.Valid && threshold.Decimal.IsNegative() {
		return ErrInvalidAmount
	}

	unlock := l.locks.Lock(medicineID)
	defer unlock()

	err := l.store.SetThreshold(ctx, medicineID, threshold, l.clock.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotTracked
	}
	return err
}

// Get returns the record with its effective threshold
func (l *Ledger) Get(ctx context.Context, medicineID int64) (*models.InventoryRecord, decimal.Decimal, error) {
	rec, err := l.store.Get(ctx, medicineID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, decimal.Zero, ErrNotTracked
	}
	if err != nil {
		return nil, decimal.Zero, err
	}
	return rec, l.Threshold(rec), nil
}

func (l *Ledger) alert(ctx context.Context, medicineID int64, res Result) {
	med, err := l.medicines.GetByID(ctx, medicineID)
	if err != nil {
		l.logger.ErrorContext(ctx, "low stock alert skipped", slog.Int64("medicine_id", medicineID), slog.Any("err", err))
		return
	}

	err = l.notifier.SendLowStock(ctx, notify.LowStock{
		UserID:       med.UserID,
		MedicineID:   med.ID,
		MedicineName: med.Name,
		Quantity:     res.Quantity,
		Threshold:    res.Threshold,
		Unit:         med.DosageUnit,
		Exhausted:    res.Exhausted,
	})
	if err != nil {
		l.logger.WarnContext(ctx, "low stock alert not delivered", slog.Int64("medicine_id", medicineID), slog.Any("err", err))
		return
	}
	l.logger.InfoContext(ctx, "low stock alert sent",
		slog.Int64("medicine_id", medicineID),
		slog.String("quantity", res.Quantity.String()),
		slog.Bool("exhausted", res.Exhausted),
	)
}
