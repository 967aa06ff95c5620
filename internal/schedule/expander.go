// Package schedule turns recurring dosing schedules into concrete instants.
package schedule

import (
	"iter"
	"slices"
	"time"

	"medicine-reminder/internal/models"
)

// Plan is a validated schedule bound to its location.
type Plan struct {
	s     *models.Schedule
	loc   *time.Location
	times []models.TimeOfDay // sorted by minute of day
	start Date
	end   *Date
}

// Compile validates s and prepares it for expansion.
func Compile(s *models.Schedule) (*Plan, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	loc, err := LoadLocation(s.Timezone)
	if err != nil {
		return nil, err
	}

	times := slices.Clone(s.Times)
	slices.SortFunc(times, func(a, b models.TimeOfDay) int { return a.Minutes() - b.Minutes() })

	p := &Plan{
		s:     s,
		loc:   loc,
		times: times,
		start: Date{s.StartDate.Year(), s.StartDate.Month(), s.StartDate.Day()},
	}
	if s.EndDate.Valid {
		e := s.EndDate.Time
		p.end = &Date{e.Year(), e.Month(), e.Day()}
	}
	return p, nil
}

// Location returns the schedule's timezone.
func (p *Plan) Location() *time.Location {
	return p.loc
}

func (p *Plan) inRange(d Date) bool {
	if d.Before(p.start) {
		return false
	}
	return p.end == nil || !p.end.Before(d)
}

func (p *Plan) activeOn(d Date) bool {
	if !p.inRange(d) {
		return false
	}
	if p.s.Recurrence == models.RecurrenceWeekdays {
		return slices.Contains(p.s.Weekdays, d.Weekday())
	}
	return true
}

// Instants yields the firing instants in [start, end) in strictly
// increasing order. The sequence is computed lazily one day at a time.
// Two wall times that resolve to the same instant yield it once.
func (p *Plan) Instants(start, end time.Time) iter.Seq[time.Time] {
	if p.s.Recurrence == models.RecurrenceInterval {
		return p.intervalInstants(start, end)
	}

	return func(yield func(time.Time) bool) {
		if !start.Before(end) {
			return
		}
		var last time.Time
		first, final := DateOf(start, p.loc).AddDays(-1), DateOf(end, p.loc).AddDays(1)
		for d := first; !final.Before(d); d = d.AddDays(1) {
			if p.end != nil && p.end.Before(d) {
				return
			}
			if !p.activeOn(d) {
				continue
			}

			day := make([]time.Time, 0, len(p.times))
			for _, tod := range p.times {
				day = append(day, ResolveLocal(d, tod, p.loc))
			}
			slices.SortFunc(day, func(a, b time.Time) int { return a.Compare(b) })

			for _, t := range day {
				if t.Before(start) || !t.Before(end) {
					continue
				}
				if !last.IsZero() && !t.After(last) {
					continue
				}
				last = t
				if !yield(t) {
					return
				}
			}
		}
	}
}

// intervalInstants anchors at the first time of day on the start date and
// steps by a fixed elapsed duration, independent of wall clock changes.
func (p *Plan) intervalInstants(start, end time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		step := time.Duration(p.s.IntervalHours) * time.Hour
		anchor := ResolveLocal(p.start, p.times[0], p.loc)

		k := int64(0)
		if start.After(anchor) {
			k = int64(start.Sub(anchor) / step)
		}
		for t := anchor.Add(time.Duration(k) * step); t.Before(end); t = t.Add(step) {
			if p.end != nil && p.end.Before(DateOf(t, p.loc)) {
				return
			}
			if t.Before(start) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Expand collects Instants into a slice.
func (p *Plan) Expand(start, end time.Time) []time.Time {
	return slices.Collect(p.Instants(start, end))
}

// CutoffFor returns the first moment strictly after instant at which the
// wall clock in the schedule's zone reads cutoff. Reminders still open at
// that moment are abandoned for the day.
func (p *Plan) CutoffFor(instant time.Time, cutoff models.TimeOfDay) time.Time {
	d := DateOf(instant, p.loc)
	c := ResolveLocal(d, cutoff, p.loc)
	if !c.After(instant) {
		c = ResolveLocal(d.AddDays(1), cutoff, p.loc)
	}
	return c
}

// Expand validates s and returns its instants in [start, end).
func Expand(s *models.Schedule, start, end time.Time) ([]time.Time, error) {
	p, err := Compile(s)
	if err != nil {
		return nil, err
	}
	return p.Expand(start, end), nil
}
