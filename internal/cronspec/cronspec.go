// Package cronspec wraps robfig/cron/v3's standard five-field parser
// with the timezone handling both the schedule ticker and the intake's
// schedule CRUD need: a schedule's cron expression is always evaluated
// in its own timezone, never the process's local time.
package cronspec

import (
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFireTime parses cronExpr with the standard five-field grammar and
// returns its next firing strictly after 'after', interpreted in tz (an
// empty or unrecognized tz falls back to UTC).
func NextFireTime(cronExpr, tz string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return sched.Next(after.In(loc)).UTC(), nil
}
