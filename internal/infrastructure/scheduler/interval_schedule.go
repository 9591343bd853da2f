package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// IntervalSchedule schedules a job to run at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule creates a new IntervalSchedule.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{
		Interval: interval,
	}
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval.String())
}

// cronSchedule adapts a robfig/cron schedule.
type cronSchedule struct {
	expr  string
	inner cron.Schedule
}

func (s *cronSchedule) Next(t time.Time) time.Time { return s.inner.Next(t) }
func (s *cronSchedule) String() string             { return s.expr }

// parser accepts the standard five fields, an optional leading seconds
// field, and descriptors such as @hourly or @every 60s.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule accepts either a Go duration ("45s", "2m") or a cron
// expression ("*/5 * * * *", "@every 60s").
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSchedule, d)
		}
		return NewIntervalSchedule(d), nil
	}

	inner, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	if every, ok := inner.(cron.ConstantDelaySchedule); ok {
		return NewIntervalSchedule(every.Delay), nil
	}
	return &cronSchedule{expr: expr, inner: inner}, nil
}

// MustParseSchedule is ParseSchedule for constants known to be valid.
func MustParseSchedule(expr string) Schedule {
	s, err := ParseSchedule(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// ErrInvalidSchedule is returned for expressions ParseSchedule rejects.
var ErrInvalidSchedule = fmt.Errorf("invalid schedule")
