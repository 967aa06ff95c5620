package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"medicine-reminder/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound       = fmt.Errorf("not found")
	ErrConflict       = fmt.Errorf("version conflict")
	ErrDuplicate      = fmt.Errorf("already exists")
	ErrCaregiverLimit = fmt.Errorf("caregiver limit reached")
)

// dbTime normalizes instants before they are written so that both drivers
// compare them consistently.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func dbNullTime(t sql.NullTime) sql.NullTime {
	if !t.Valid {
		return t
	}
	return sql.NullTime{Time: dbTime(t.Time), Valid: true}
}

const dateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

func encodeTimes(times []models.TimeOfDay) string {
	parts := make([]string, len(times))
	for i, t := range times {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

func decodeTimes(s string) ([]models.TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	var times []models.TimeOfDay
	for _, part := range strings.Split(s, ",") {
		t, err := models.ParseTimeOfDay(part)
		if err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, nil
}

func encodeWeekdays(days []time.Weekday) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) ([]time.Weekday, error) {
	if s == "" {
		return nil, nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation matches the unique constraint errors of both drivers
func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
