package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"payrolld/internal/domain"
)

// Payroll cron expressions carry a leading seconds field.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", domain.ErrInvalidSchedule, expr, err)
	}
	return s, nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := parseCron(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	s, err := parseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

// ValidateFrequency rejects frequencies the sweep cannot compute.
func ValidateFrequency(f domain.Frequency) error {
	switch f {
	case domain.FrequencyNone, domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyMonthly, domain.FrequencyYearly:
		return nil
	}
	return fmt.Errorf("%w: frequency %q", domain.ErrInvalidSchedule, f)
}

// NextRunDate is the first date a fixed-frequency payroll is due again.
func NextRunDate(last time.Time, f domain.Frequency) (time.Time, error) {
	last = domain.DateOf(last)
	switch f {
	case domain.FrequencyDaily:
		return last.AddDate(0, 0, 1), nil
	case domain.FrequencyWeekly:
		return last.AddDate(0, 0, 7), nil
	case domain.FrequencyMonthly:
		return last.AddDate(0, 1, 0), nil
	case domain.FrequencyYearly:
		return last.AddDate(1, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: frequency %q", domain.ErrInvalidSchedule, f)
}

// ShouldRun reports whether p is eligible on today. A payroll needs both a
// last run date and a schedule descriptor; cron payrolls are otherwise due
// whenever their timer fires.
func ShouldRun(p domain.Payroll, today time.Time) bool {
	if p.LastRunDate == nil {
		return false
	}
	if p.Frequency == domain.FrequencyNone {
		return p.CronExpression != ""
	}
	next, err := NextRunDate(*p.LastRunDate, p.Frequency)
	if err != nil {
		return false
	}
	return !domain.DateOf(today).Before(next)
}
