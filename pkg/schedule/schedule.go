// Package schedule computes next-fire times for recurring job triggers:
// one-shot, fixed interval, five-field cron, and calendar-anchored
// daily/weekly/monthly specs. It has no knowledge of jobs or queues; it is
// pure next-run arithmetic consumed by pkg/scheduler.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelcore/runtime/pkg/coreerrors"
)

const op = "Schedule"

// Spec computes the next fire time strictly after (or at) from, and
// validates its own parameters.
type Spec interface {
	NextRun(from time.Time) (time.Time, error)
	Validate() error
}

// Once fires exactly once at At, then disables itself (the scheduler, not
// Once, tracks the disable — NextRun keeps returning At).
type Once struct {
	At time.Time
}

func (o Once) Validate() error { return nil }

func (o Once) NextRun(from time.Time) (time.Time, error) {
	return o.At, nil
}

// Interval fires every Period starting from the reference time passed to
// NextRun (last_fired, or now on first schedule). MaxRuns is enforced by
// the scheduler's run_count bookkeeping, not here.
type Interval struct {
	Period time.Duration
}

func (i Interval) Validate() error {
	if i.Period <= 0 {
		return coreerrors.New(coreerrors.Validation, op+".Interval.validate", "interval period must be > 0")
	}
	return nil
}

func (i Interval) NextRun(from time.Time) (time.Time, error) {
	return from.Add(i.Period), nil
}

// Cron parses a standard 5-field "min hour dom month dow" expression.
type Cron struct {
	Expr string
}

func (c Cron) Validate() error {
	fields := strings.Fields(c.Expr)
	if len(fields) != 5 {
		return coreerrors.New(coreerrors.Validation, op+".Cron.validate", "cron expression must have exactly 5 whitespace-separated fields")
	}
	_, err := cron.ParseStandard(c.Expr)
	if err != nil {
		return coreerrors.Wrap(coreerrors.Validation, op+".Cron.validate", "invalid cron expression", err)
	}
	return nil
}

func (c Cron) NextRun(from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(c.Expr)
	if err != nil {
		return time.Time{}, coreerrors.Wrap(coreerrors.Validation, op+".Cron.next_run", "invalid cron expression", err)
	}
	return sched.Next(from), nil
}

// Daily fires at HH:MM on any weekday in Weekdays (Go's time.Weekday
// values, Sunday=0 .. Saturday=6). An empty Weekdays list means every day.
type Daily struct {
	Hour, Minute int
	Weekdays     []time.Weekday // compared directly against t.Weekday()
}

func (d Daily) Validate() error {
	return validateHHMM(d.Hour, d.Minute, op+".Daily.validate")
}

func (d Daily) NextRun(from time.Time) (time.Time, error) {
	if err := d.Validate(); err != nil {
		return time.Time{}, err
	}
	allowed := func(t time.Time) bool {
		if len(d.Weekdays) == 0 {
			return true
		}
		for _, w := range d.Weekdays {
			if w == t.Weekday() {
				return true
			}
		}
		return false
	}
	candidate := atHHMM(from, d.Hour, d.Minute)
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for i := 0; i < 8; i++ {
		if allowed(candidate) {
			return candidate, nil
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return time.Time{}, coreerrors.New(coreerrors.Validation, op+".Daily.next_run", "no matching weekday found")
}

// Weekly fires at HH:MM on Weekday DOW.
type Weekly struct {
	Weekday     time.Weekday
	Hour, Minute int
}

func (w Weekly) Validate() error {
	return validateHHMM(w.Hour, w.Minute, op+".Weekly.validate")
}

func (w Weekly) NextRun(from time.Time) (time.Time, error) {
	if err := w.Validate(); err != nil {
		return time.Time{}, err
	}
	candidate := atHHMM(from, w.Hour, w.Minute)
	for candidate.Weekday() != w.Weekday {
		candidate = candidate.AddDate(0, 0, 1)
	}
	if !candidate.After(from) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate, nil
}

// Monthly fires at HH:MM on day-of-month DayOfMonth. When DayOfMonth
// exceeds the number of days in a given month, the last valid day of that
// month is used instead (no February 30).
type Monthly struct {
	DayOfMonth, Hour, Minute int
}

func (m Monthly) Validate() error {
	if m.DayOfMonth < 1 || m.DayOfMonth > 31 {
		return coreerrors.New(coreerrors.Validation, op+".Monthly.validate", "day_of_month must be in 1..=31")
	}
	return validateHHMM(m.Hour, m.Minute, op+".Monthly.validate")
}

func (m Monthly) NextRun(from time.Time) (time.Time, error) {
	if err := m.Validate(); err != nil {
		return time.Time{}, err
	}
	candidate := monthlyOccurrence(from.Year(), int(from.Month()), m.DayOfMonth, m.Hour, m.Minute, from.Location())
	if !candidate.After(from) {
		year, month := from.Year(), int(from.Month())+1
		if month > 12 {
			month = 1
			year++
		}
		candidate = monthlyOccurrence(year, month, m.DayOfMonth, m.Hour, m.Minute, from.Location())
	}
	return candidate, nil
}

func monthlyOccurrence(year, month, dom, hour, minute int, loc *time.Location) time.Time {
	lastDay := lastDayOfMonth(year, month, loc)
	if dom > lastDay {
		dom = lastDay
	}
	return time.Date(year, time.Month(month), dom, hour, minute, 0, 0, loc)
}

func lastDayOfMonth(year, month int, loc *time.Location) int {
	firstOfNext := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, loc)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}

func atHHMM(from time.Time, hour, minute int) time.Time {
	return time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
}

func validateHHMM(hour, minute int, op string) error {
	if hour < 0 || hour > 23 {
		return coreerrors.New(coreerrors.Validation, op, "hour must be in 0..=23")
	}
	if minute < 0 || minute > 59 {
		return coreerrors.New(coreerrors.Validation, op, "minute must be in 0..=59")
	}
	return nil
}
