package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/visor-run/visor/internal/domain"
)

// cronParser accepts the standard 5-field form (minute hour
// day-of-month month day-of-week) plus "@every <duration>".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun computes the next time a schedule with the given kind and
// expression should fire after `after`. Recurring schedules are parsed
// as cron (or "@every <duration>"); one-shot schedules parse expression
// as an RFC3339 instant and fire exactly once at that instant.
func NextRun(kind domain.ScheduleKind, expression string, after time.Time) (time.Time, error) {
	switch kind {
	case domain.ScheduleKindOneTime:
		t, err := time.Parse(time.RFC3339, expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule: invalid one-shot instant %q: %w", expression, err)
		}
		return t, nil
	case domain.ScheduleKindRecurring:
		sched, err := cronParser.Parse(strings.TrimSpace(expression))
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule: invalid cron expression %q: %w", expression, err)
		}
		return sched.Next(after), nil
	default:
		return time.Time{}, fmt.Errorf("schedule: unknown kind %q", kind)
	}
}

// ValidateExpression reports whether expression parses for kind,
// without computing a next-run time (used at config-load and create
// time to reject bad schedules eagerly).
func ValidateExpression(kind domain.ScheduleKind, expression string) error {
	_, err := NextRun(kind, expression, time.Now())
	return err
}
