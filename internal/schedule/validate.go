package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"medicine-reminder/internal/models"
)

// MaxIntervalHours bounds interval schedules to one week.
const MaxIntervalHours = 24 * 7

var ErrInvalidSchedule = errors.New("invalid schedule")

// ValidationError lists every problem found in a schedule definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid schedule: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSchedule
}

// Validate rejects schedule definitions that cannot be expanded.
func Validate(s *models.Schedule) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(s.Times) == 0 {
		add("at least one time of day is required")
	}
	seen := map[int]bool{}
	for _, t := range s.Times {
		if !t.Valid() {
			add("time %02d:%02d is out of range", t.Hour, t.Minute)
			continue
		}
		if seen[t.Minutes()] {
			add("time %s is listed twice", t)
		}
		seen[t.Minutes()] = true
	}

	switch s.Recurrence {
	case models.RecurrenceDaily:
	case models.RecurrenceWeekdays:
		if len(s.Weekdays) == 0 {
			add("weekday schedules need at least one weekday")
		}
		for _, d := range s.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				add("weekday %d is out of range", d)
			}
		}
	case models.RecurrenceInterval:
		if s.IntervalHours < 1 || s.IntervalHours > MaxIntervalHours {
			add("interval must be between 1 and %d hours", MaxIntervalHours)
		}
		if len(s.Times) > 1 {
			add("interval schedules take a single starting time")
		}
	default:
		add("unknown recurrence %q", s.Recurrence)
	}

	if s.Timezone == "" {
		add("timezone is required")
	} else if _, err := LoadLocation(s.Timezone); err != nil {
		add("unknown timezone %q", s.Timezone)
	}

	if s.StartDate.IsZero() {
		add("start date is required")
	}
	if s.EndDate.Valid && s.EndDate.Time.Before(s.StartDate) {
		add("end date is before start date")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
