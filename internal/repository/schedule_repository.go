package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"
)

type ScheduleRepository struct {
	db *database.DB
}

func NewScheduleRepository(db *database.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func nullDate(t sql.NullTime) sql.NullString {
	if !t.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(t.Time), Valid: true}
}

// Create creates a new schedule
func (r *ScheduleRepository) Create(ctx context.Context, s *models.Schedule) error {
	now := dbTime(time.Now())
	s.CreatedAt, s.UpdatedAt = now, now

	query := `
		INSERT INTO schedules (medicine_id, times, recurrence, weekdays, interval_hours, timezone,
		                       start_date, end_date, escalate, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		s.MedicineID,
		encodeTimes(s.Times),
		string(s.Recurrence),
		encodeWeekdays(s.Weekdays),
		s.IntervalHours,
		s.Timezone,
		formatDate(s.StartDate),
		nullDate(s.EndDate),
		s.Escalate,
		s.IsActive,
		s.CreatedAt,
		s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `id, medicine_id, times, recurrence, weekdays, interval_hours, timezone,
	start_date, end_date, escalate, is_active, expanded_until, created_at, updated_at`

func scanSchedule(sc scanner) (*models.Schedule, error) {
	var (
		s                      models.Schedule
		times, weekdays, start string
		recurrence             string
		end                    sql.NullString
	)
	err := sc.Scan(
		&s.ID,
		&s.MedicineID,
		&times,
		&recurrence,
		&weekdays,
		&s.IntervalHours,
		&s.Timezone,
		&start,
		&end,
		&s.Escalate,
		&s.IsActive,
		&s.ExpandedUntil,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Recurrence = models.Recurrence(recurrence)
	if s.Times, err = decodeTimes(times); err != nil {
		return nil, fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	if s.Weekdays, err = decodeWeekdays(weekdays); err != nil {
		return nil, fmt.Errorf("schedule %d: %w", s.ID, err)
	}
	if s.StartDate, err = parseDate(start); err != nil {
		return nil, fmt.Errorf("schedule %d: invalid start date: %w", s.ID, err)
	}
	if end.Valid {
		d, err := parseDate(end.String)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: invalid end date: %w", s.ID, err)
		}
		s.EndDate = sql.NullTime{Time: d, Valid: true}
	}
	return &s, nil
}

func (r *ScheduleRepository) list(ctx context.Context, query string, args ...any) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// GetByID retrieves a schedule by ID
func (r *ScheduleRepository) GetByID(ctx context.Context, id int64) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`
	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// ListByMedicine retrieves all schedules of a medicine
func (r *ScheduleRepository) ListByMedicine(ctx context.Context, medicineID int64) ([]*models.Schedule, error) {
	return r.list(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE medicine_id = ? ORDER BY id`, medicineID)
}

// ListActive retrieves every active schedule of an active medicine
func (r *ScheduleRepository) ListActive(ctx context.Context) ([]*models.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE is_active = ?
		AND medicine_id IN (SELECT id FROM medicines WHERE is_active = ?)
		ORDER BY id
	`
	return r.list(ctx, query, true, true)
}

// Update rewrites the definition of a schedule. The expansion horizon is
// left alone; callers decide what to re-derive.
func (r *ScheduleRepository) Update(ctx context.Context, s *models.Schedule) error {
	s.UpdatedAt = dbTime(time.Now())
	result, err := r.db.ExecContext(ctx, `
		UPDATE schedules
		SET times = ?, recurrence = ?, weekdays = ?, interval_hours = ?, timezone = ?,
		    start_date = ?, end_date = ?, escalate = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`,
		encodeTimes(s.Times),
		string(s.Recurrence),
		encodeWeekdays(s.Weekdays),
		s.IntervalHours,
		s.Timezone,
		formatDate(s.StartDate),
		nullDate(s.EndDate),
		s.Escalate,
		s.IsActive,
		s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExpandedUntil records how far instances have been derived
func (r *ScheduleRepository) SetExpandedUntil(ctx context.Context, id int64, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE schedules SET expanded_until = ? WHERE id = ?`, dbTime(until), id)
	if err != nil {
		return fmt.Errorf("failed to set expansion horizon: %w", err)
	}
	return nil
}

// Deactivate stops a schedule from producing further instances
func (r *ScheduleRepository) Deactivate(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `UPDATE schedules SET is_active = ?, updated_at = ? WHERE id = ?`, false, dbTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
