package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"adzanbot/pkg/logx"
)

// AddSchedule parses schedule (see ParseSchedule) and registers it. Repeated
// registration under one name replaces the previous schedule.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, job)
	}
	return s.AddCron(name, ps.Cron, timeout, job)
}

// AddCron skips a trigger while the previous run is queued or running.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	return s.add(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(name, "@every "+every.String(), timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, opt TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.removeOnce(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt})
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, opt, job := d.name, d.timeout, d.opt, d.job
	id, err := s.c.AddFunc(d.spec, func() { s.dispatch(name, timeout, opt, time.Time{}, job) })
	if err == nil {
		d.entryID = id
	}
	return err
}

func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// AddOnce runs job once at at. A past instant fires immediately. Adding
// the same name again replaces the pending run.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) error {
	return s.addOnce(name, at, 0, timeout, job)
}

func (s *Service) addOnce(name string, at time.Time, grace, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if job == nil {
		return errors.New("job required")
	}
	s.mu.Lock()
	s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev := s.once[name]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	s.ver++
	d := &onceDef{at: at, grace: grace, timeout: timeout, job: job, ver: s.ver}
	s.once[name] = d
	if running {
		s.armLocked(name, d)
	}
	return nil
}

// armLocked starts d's timer. Callers hold s.tmu.
func (s *Service) armLocked(name string, d *onceDef) {
	ver := d.ver
	d.timer = time.AfterFunc(max(time.Until(d.at), 0), func() {
		s.tmu.Lock()
		cur := s.once[name]
		if cur == nil || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()
		s.dispatch(name, cur.timeout, TaskOptions{}, cur.deadline(), cur.job)
	})
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// Remove unschedules everything registered under name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// alertGrace is how late an alert may still go out, retries included.
const alertGrace = 10 * time.Minute

// Schedule and Cancel adapt one-shot timers to the alert backend. Alerts
// that cannot start within alertGrace of their instant are dropped.
func (s *Service) Schedule(name string, at time.Time, job func(ctx context.Context) error) error {
	return s.addOnce(name, at, alertGrace, 30*time.Second, job)
}

func (s *Service) Cancel(name string) bool { return s.removeOnce(name) }

// NextRun previews upcoming trigger times of a cron spec.
func (s *Service) NextRun(spec string, from time.Time, n int) ([]time.Time, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return nil, err
	}
	return nextRuns(sched, from.In(s.Location()), n), nil
}

func nextRuns(sched cron.Schedule, t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
