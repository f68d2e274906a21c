package app

import (
	"context"
	"errors"
	"time"

	"adzanbot/internal/task/engine"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

const (
	jobRollover = "timetable.rollover"
	jobPoll     = "location.poll"

	// rolloverSpec fires at local midnight in the scheduler timezone.
	rolloverSpec = "0 0 * * *"
	jobTimeout   = 30 * time.Second
)

// registerJobs wires the recurring jobs: the midnight rollover, and the
// location poll when prayer.location.poll_interval is set.
func (a *App) registerJobs() error {
	err := a.sched.AddCron(jobRollover, rolloverSpec, jobTimeout, func(ctx context.Context) error {
		return permanent(a.tt.Rollover(ctx))
	})
	if err != nil {
		return err
	}
	if next, err := a.sched.NextRun(rolloverSpec, time.Now(), 1); err == nil && len(next) == 1 {
		a.log.Info("rollover scheduled", logx.Time("next", next[0]))
	}
	return a.applyPoll(a.pollSpec)
}

// applyPoll replaces the poll job. Each run re-acquires the location and
// reconciles alerts through Today.
func (a *App) applyPoll(spec string) error {
	a.pollSpec = spec
	if spec == "" {
		a.sched.Remove(jobPoll)
		return nil
	}
	return a.sched.AddSchedule(jobPoll, spec, jobTimeout, func(ctx context.Context) error {
		v, err := a.tt.Today(ctx)
		if err != nil {
			return permanent(err)
		}
		if len(v.Warnings) > 0 {
			a.log.Debug("location poll warnings", logx.Strings("warnings", v.Warnings))
		}
		return nil
	})
}

// permanent marks configuration errors so the engine does not retry them.
func permanent(err error) error {
	switch {
	case errors.Is(err, prayertime.ErrInvalidCoordinates),
		errors.Is(err, prayertime.ErrInvalidOffsetConfiguration),
		errors.Is(err, prayertime.ErrUnknownConvention):
		return engine.NoRetry(err)
	}
	return err
}
