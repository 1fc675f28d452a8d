package cron

import "time"

// AlignedSchedule fires on every multiple of Every since the zero time, plus
// Offset. A 10m schedule with a 100ms offset fires at 10:00:00.1, 10:10:00.1,
// and so on.
type AlignedSchedule struct {
	Every  time.Duration
	Offset time.Duration
}

// Next implements robfig/cron's Schedule.
func (a AlignedSchedule) Next(t time.Time) time.Time {
	if a.Every <= 0 {
		return time.Time{}
	}
	next := t.Add(-a.Offset).Truncate(a.Every).Add(a.Every).Add(a.Offset)
	if !next.After(t) {
		next = next.Add(a.Every)
	}
	return next
}
