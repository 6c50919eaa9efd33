// Package scheduler turns durable scheduled-job declarations into
// timely dispatch calls. Two engines are supported: a leader-elected
// distributed engine that reconciles a shared schedule table every
// tick, and a standalone in-process engine for single-instance
// deployments.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"custodian-service/internal/models"
)

// standard 5-field cron (minute hour dom month dow)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Next computes the next firing time for a schedule descriptor. For
// interval schedules the reference time is the previous run; for cron
// the expression is evaluated in the given timezone.
func Next(spec models.ScheduleSpec, from time.Time, timezone string) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		loc = l
	}
	ref := from.In(loc)

	switch spec.Kind {
	case models.ScheduleCron:
		sched, err := cronParser.Parse(spec.Expression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron %q: %w", spec.Expression, err)
		}
		return sched.Next(ref), nil
	case models.ScheduleInterval:
		if spec.Seconds <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule requires positive seconds")
		}
		return ref.Add(time.Duration(spec.Seconds) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", spec.Kind)
	}
}

// CronSchedule adapts a descriptor to the live engine's schedule type.
func CronSchedule(spec models.ScheduleSpec, timezone string) (cron.Schedule, error) {
	switch spec.Kind {
	case models.ScheduleCron:
		expr := spec.Expression
		if timezone != "" {
			expr = "CRON_TZ=" + timezone + " " + expr
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", spec.Expression, err)
		}
		return sched, nil
	case models.ScheduleInterval:
		if spec.Seconds <= 0 {
			return nil, fmt.Errorf("interval schedule requires positive seconds")
		}
		return cron.Every(time.Duration(spec.Seconds) * time.Second), nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", spec.Kind)
	}
}
