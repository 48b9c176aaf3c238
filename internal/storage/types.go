package storage

import (
	"sort"
	"time"
)

// DayLayout is the calendar-day key format used in the ledger document.
const DayLayout = "2006-01-02"

// Ledger maps group -> subject -> calendar day -> accumulated seconds.
// Its JSON encoding is the persisted document layout.
type Ledger map[string]map[string]map[string]int64

// Add merges seconds into the ledger. Non-positive amounts are ignored.
func (l Ledger) Add(group, subject, day string, seconds int64) {
	if seconds <= 0 || group == "" {
		return
	}
	subjects, ok := l[group]
	if !ok {
		subjects = make(map[string]map[string]int64)
		l[group] = subjects
	}
	days, ok := subjects[subject]
	if !ok {
		days = make(map[string]int64)
		subjects[subject] = days
	}
	days[day] += seconds
}

// Get returns the seconds stored for one entry.
func (l Ledger) Get(group, subject, day string) int64 {
	return l[group][subject][day]
}

// Groups returns the group IDs present in the ledger, sorted.
func (l Ledger) Groups() []string {
	groups := make([]string, 0, len(l))
	for group := range l {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// PruneBefore drops day entries older than day and returns how many were
// dropped. Subjects and groups left empty are removed.
func (l Ledger) PruneBefore(day string) int {
	removed := 0
	for group, subjects := range l {
		for subject, days := range subjects {
			for d := range days {
				// YYYY-MM-DD sorts lexically in date order
				if d < day {
					delete(days, d)
					removed++
				}
			}
			if len(days) == 0 {
				delete(subjects, subject)
			}
		}
		if len(subjects) == 0 {
			delete(l, group)
		}
	}
	return removed
}

// Day returns the calendar day of t in loc, formatted as YYYY-MM-DD.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD key as midnight in loc.
func ParseDay(day string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DayLayout, day, loc)
}
