package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCronHourlyNextRun(t *testing.T) {
	c := Cron{Expr: "0 * * * *"}
	from := time.Date(2024, 1, 1, 10, 17, 0, 0, time.UTC)
	next, err := c.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC), next)
}

func TestCronRejectsWrongFieldCount(t *testing.T) {
	c := Cron{Expr: "0 * * *"}
	require.Error(t, c.Validate())
}

func TestDailyMidnightEveryDay(t *testing.T) {
	d := Daily{Hour: 0, Minute: 0}
	from := time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC)
	next, err := d.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC), next)
}

func TestDailyPastTimeRollsToTomorrow(t *testing.T) {
	d := Daily{Hour: 9, Minute: 0}
	from := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	next, err := d.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC), next)
}

func TestDailyRestrictedWeekdays(t *testing.T) {
	// Tuesday 2024-03-05; only fires Mon(1)/Fri(5) per time.Weekday.
	d := Daily{Hour: 8, Minute: 0, Weekdays: []time.Weekday{time.Monday, time.Friday}}
	from := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	next, err := d.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, time.Friday, next.Weekday())
}

func TestWeeklySameDayPastTimeAddsWeek(t *testing.T) {
	w := Weekly{Weekday: time.Tuesday, Hour: 8, Minute: 0}
	from := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) // Tuesday, past 8:00
	next, err := w.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC), next)
}

func TestMonthlyInvalidDayRollsToLastValidDay(t *testing.T) {
	m := Monthly{DayOfMonth: 30, Hour: 9, Minute: 0}
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	next, err := m.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), next) // 2024 is a leap year
}

func TestMonthlyPastRollsToNextMonth(t *testing.T) {
	m := Monthly{DayOfMonth: 1, Hour: 0, Minute: 0}
	from := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	next, err := m.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestIntervalNextRun(t *testing.T) {
	i := Interval{Period: time.Hour}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := i.NextRun(from)
	require.NoError(t, err)
	require.Equal(t, from.Add(time.Hour), next)
}

func TestIntervalValidation(t *testing.T) {
	require.Error(t, Interval{Period: 0}.Validate())
	require.NoError(t, Interval{Period: time.Minute}.Validate())
}
