package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"medicine-reminder/internal/models"
)

var locations sync.Map // name -> *time.Location

// LoadLocation is time.LoadLocation with a process-wide cache.
func LoadLocation(name string) (*time.Location, error) {
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	locations.Store(name, loc)
	return loc, nil
}

// Date is a calendar day without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{y, m, d}
}

// AddDays returns the date n days later, normalizing month ends.
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return Date{t.Year(), t.Month(), t.Day()}
}

// Before reports whether d is an earlier day than o.
func (d Date) Before(o Date) bool {
	return d.utc().Before(o.utc())
}

func (d Date) utc() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Weekday returns the day of the week of d.
func (d Date) Weekday() time.Weekday {
	return d.utc().Weekday()
}

// wall returns the wall clock reading of t in loc re-expressed in UTC, so
// wall readings can be compared as instants.
func wall(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), 0, time.UTC)
}

// ResolveLocal returns the instant at which the wall clock in loc reads tod
// on day d.
//
// A reading that happens twice (clocks turned back) resolves to the first
// occurrence. A reading that never happens (clocks turned forward) resolves
// to the reading shifted forward by the length of the gap, so 02:30 on a
// day that jumps from 02:00 to 03:00 becomes 03:30.
func ResolveLocal(d Date, tod models.TimeOfDay, loc *time.Location) time.Time {
	want := time.Date(d.Year, d.Month, d.Day, tod.Hour, tod.Minute, 0, 0, time.UTC)

	var candidates []time.Time
	seen := map[int]bool{}
	for h := -36; h <= 36; h += 6 {
		_, off := want.Add(time.Duration(h) * time.Hour).In(loc).Zone()
		if seen[off] {
			continue
		}
		seen[off] = true
		candidates = append(candidates, want.Add(-time.Duration(off)*time.Second))
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })

	for _, c := range candidates {
		if wall(c, loc).Equal(want) {
			return c.In(loc)
		}
	}

	// In a gap: the offset from before the transition lands past the gap.
	for _, c := range candidates {
		if wall(c, loc).After(want) {
			return c.In(loc)
		}
	}

	// Not reachable for real zone data.
	return time.Date(d.Year, d.Month, d.Day, tod.Hour, tod.Minute, 0, 0, loc)
}
