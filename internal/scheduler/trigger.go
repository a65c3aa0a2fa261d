package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger decides when a job fires next.
type Trigger interface {
	// NextFireTime returns the first fire time strictly after now.
	NextFireTime(now time.Time) time.Time
}

// CronTrigger fires on a standard five-field cron expression evaluated in a
// fixed location.
type CronTrigger struct {
	expr     string
	schedule cron.Schedule
	loc      *time.Location
}

var _ Trigger = (*CronTrigger)(nil)

// NewCronTrigger parses expr ("0 3 * * *", "@hourly", ...). A nil loc means UTC.
func NewCronTrigger(expr string, loc *time.Location) (*CronTrigger, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CronTrigger{expr: expr, schedule: sched, loc: loc}, nil
}

func (t *CronTrigger) NextFireTime(now time.Time) time.Time {
	return t.schedule.Next(now.In(t.loc))
}

func (t *CronTrigger) String() string { return t.expr }

// IntervalTrigger fires every Every, aligned to multiples of Every since the zero time.
type IntervalTrigger struct {
	Every time.Duration
}

var _ Trigger = IntervalTrigger{}

func (t IntervalTrigger) NextFireTime(now time.Time) time.Time {
	if t.Every <= 0 {
		return time.Time{}
	}
	return now.Truncate(t.Every).Add(t.Every)
}

func (t IntervalTrigger) String() string { return "every " + t.Every.String() }
