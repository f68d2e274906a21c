package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"adzanbot/internal/task/engine"
	"adzanbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		// SecondOptional accepts both 5 and 6 field specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		once:        map[string]*onceDef{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the scheduler timezone (time.Local until Start).
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Apply swaps the config; a timezone change restarts cron so daily specs
// follow the new calendar.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		<-s.c.Stop().Done()
		s.startCronLocked()
		s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
	}
}

// Start begins cron triggering and re-arms pending one-shots. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startCronLocked()

	s.tmu.Lock()
	for name, d := range s.once {
		s.armLocked(name, d)
	}
	pending := len(s.once)
	s.tmu.Unlock()

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)), logx.Int("once", pending))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering. One-shot definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	s.tmu.Unlock()
	s.log.Info("scheduler stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.cfg.Timezone}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for name, d := range s.once {
		snap.Once = append(snap.Once, OnceInfo{Name: name, At: d.at})
	}
	s.tmu.Unlock()
	sort.Slice(snap.Once, func(i, j int) bool { return snap.Once[i].At.Before(snap.Once[j].At) })
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// dispatch hands a triggered job to the engine, or runs it on its own
// goroutine when the engine is absent or disabled. A non-zero notAfter is
// passed through as the task deadline.
func (s *Service) dispatch(name string, timeout time.Duration, opt TaskOptions, notAfter time.Time, job Job) {
	if s.engine != nil {
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, NotAfter: notAfter, Run: job, Opt: opt})
		if err == nil || !errors.Is(err, engine.ErrDisabled) {
			s.reportEnqueueError(name, err)
			return
		}
	}
	if !notAfter.IsZero() && time.Now().After(notAfter) {
		s.log.Info("job expired", logx.String("name", name), logx.Time("not_after", notAfter))
		return
	}
	go func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panic", logx.String("name", name), logx.Any("panic", r))
			}
		}()
		if err := job(ctx); err != nil {
			s.log.Warn("job failed", logx.String("name", name), logx.Err(err))
		}
	}()
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil || errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrExpired) {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	warn := now.Sub(last) >= enqueueWarnThrottle
	if warn {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()
	if warn {
		s.log.Warn("enqueue failed", logx.String("name", name), logx.Err(err))
	}
}
