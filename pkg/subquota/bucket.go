package subquota

import "time"

// Usage buckets are calendar windows on a provider-independent clock (UTC).
// Rollover happens by the key changing, never by a destructive reset: a
// request in a fresh day or month simply lands on a new counter row, and
// old buckets can be garbage-collected independently.

// DayBucket returns the calendar-day bucket key for t, e.g. "2026-08-31".
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthBucket returns the calendar-month bucket key for t, e.g. "2026-08".
func MonthBucket(t time.Time) string {
	return t.UTC().Format("2006-01")
}
