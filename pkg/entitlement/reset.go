package entitlement

import "time"

// AddMonths adds n calendar months, clamping the day to the end of the
// target month so Jan 31 + 1 month is Feb 28 (or 29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// AdvanceReset moves a passed reset time forward by whole months from its
// anchor until it lies after now. A reset time still in the future is
// returned unchanged.
func AdvanceReset(resetAt, now time.Time) time.Time {
	if resetAt.After(now) {
		return resetAt
	}
	next := resetAt
	for n := 1; !next.After(now); n++ {
		next = AddMonths(resetAt, n)
	}
	return next
}
