package common

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronSchedule checks that a cron expression parses.
func ValidateCronSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return InvalidInputf("cron expression %q: %v", expr, err)
	}
	return nil
}

// NextCronRuns computes the next n fire instants for a cron expression
// evaluated in the given IANA time zone, returned in UTC and strictly
// increasing. DST gaps are skipped forward by the cron library; for
// ambiguous local times the earlier instant wins because evaluation
// walks forward from the previous instant.
func NextCronRuns(expr, timezone string, after time.Time, n int) ([]time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, InvalidInputf("cron expression %q: %v", expr, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, InvalidInputf("timezone %q: %v", timezone, err)
		}
	}

	runs := make([]time.Time, 0, n)
	cursor := after.In(loc)
	for i := 0; i < n; i++ {
		cursor = sched.Next(cursor)
		if cursor.IsZero() {
			break
		}
		runs = append(runs, cursor.UTC())
	}
	return runs, nil
}

// CronPeriod estimates the schedule period from two consecutive fire
// instants. Used to bound trigger TTLs.
func CronPeriod(expr, timezone string, after time.Time) (time.Duration, error) {
	runs, err := NextCronRuns(expr, timezone, after, 2)
	if err != nil {
		return 0, err
	}
	if len(runs) < 2 {
		return 0, InvalidInputf("cron expression %q yields no recurring runs", expr)
	}
	return runs[1].Sub(runs[0]), nil
}
