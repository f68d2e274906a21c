// Package alerts keeps one pending alert per upcoming prayer of the current
// set, reconciling the pending alerts against each newly computed set.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"adzanbot/internal/eventbus"
	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

var ErrSchedulingFailure = errors.New("scheduling failure")

const defaultMaxLate = 10 * time.Minute

// Timers is the one-shot timer backend.
type Timers interface {
	Schedule(name string, at time.Time, job func(ctx context.Context) error) error
	Cancel(name string) bool
}

// Notifier delivers the alert text.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

type State string

const (
	StateScheduled State = "scheduled"
	StateFired     State = "fired"
	StateCanceled  State = "canceled"
)

// Alert is a pending alert. Handles have the form alert:<prayer>:<uuid>.
type Alert struct {
	Handle string            `json:"handle"`
	Prayer prayertime.Prayer `json:"-"`
	Name   string            `json:"prayer"`
	Date   string            `json:"date"`
	At     time.Time         `json:"at"`
	State  State             `json:"state"`
}

type Config struct {
	Enabled  bool
	Language string
	Channels []string
	Target   transport.ChatTarget
	// Location formats the firing time; nil means time.Local.
	Location *time.Location
	// MaxLate drops alerts that fire later than this after their instant
	// (e.g. after a suspend). 0 means the default.
	MaxLate time.Duration
}

// Result summarizes one reconcile pass.
type Result struct {
	Scheduled int     `json:"scheduled"`
	Canceled  int     `json:"canceled"`
	Kept      int     `json:"kept"`
	Warnings  []error `json:"-"`
}

// Ops counts timer operations performed.
func (r Result) Ops() int { return r.Scheduled + r.Canceled }

type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	timers Timers
	out    Notifier
	active map[string]*Alert
	place  string

	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string
}

func New(cfg Config, timers Timers, out Notifier, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		timers: timers,
		out:    out,
		active: map[string]*Alert{},
		log:    log.With(logx.String("comp", "alerts")),
		bus:    bus,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Apply swaps the configuration. Disabling cancels every pending alert;
// the caller re-reconciles to pick up other changes.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		s.CancelAll()
	}
}

// SetPlace names the location in alert text.
func (s *Scheduler) SetPlace(name string) {
	s.mu.Lock()
	s.place = name
	s.mu.Unlock()
}

// Reconcile makes the pending alerts match the future prayers of set:
// alerts whose prayer and firing instant still match are kept, others are
// canceled, and missing future alerts are scheduled. Calling it again with
// the same set performs no timer operations.
//
// A failed schedule is retried once; a second failure is reported in
// Result.Warnings and the other prayers proceed.
func (s *Scheduler) Reconcile(set prayertime.PrayerTimeSet, now time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := map[prayertime.Prayer]time.Time{}
	if s.cfg.Enabled {
		for _, p := range prayertime.Prayers {
			at := prayertime.Minute(set.Time(p))
			if at.After(now) {
				desired[p] = at
			}
		}
	}

	var res Result
	matched := map[prayertime.Prayer]bool{}
	for _, h := range s.sortedHandlesLocked() {
		a := s.active[h]
		if want, ok := desired[a.Prayer]; ok && !matched[a.Prayer] && want.Equal(a.At) {
			matched[a.Prayer] = true
			res.Kept++
			continue
		}
		s.timers.Cancel(h)
		a.State = StateCanceled
		delete(s.active, h)
		res.Canceled++
	}

	date := set.Date.String()
	for _, p := range prayertime.Prayers {
		at, ok := desired[p]
		if !ok || matched[p] {
			continue
		}
		handle := fmt.Sprintf("alert:%s:%s", p, s.newID())
		err := s.timers.Schedule(handle, at, s.fire(handle))
		if err != nil {
			s.log.Debug("schedule failed; retrying", logx.String("handle", handle), logx.Err(err))
			err = s.timers.Schedule(handle, at, s.fire(handle))
		}
		if err != nil {
			w := fmt.Errorf("%w: %s at %s: %v", ErrSchedulingFailure, p, at.Format(time.RFC3339), err)
			s.log.Warn("alert not scheduled", logx.String("prayer", p.String()), logx.Err(err))
			res.Warnings = append(res.Warnings, w)
			eventbus.Publish(s.bus, eventbus.Advisory, map[string]any{"kind": "scheduling_failure", "prayer": p.String(), "error": err.Error()})
			continue
		}
		s.active[handle] = &Alert{Handle: handle, Prayer: p, Name: p.String(), Date: date, At: at, State: StateScheduled}
		res.Scheduled++
	}

	if res.Ops() > 0 {
		s.log.Debug("alerts reconciled",
			logx.String("date", date),
			logx.Int("scheduled", res.Scheduled),
			logx.Int("canceled", res.Canceled),
			logx.Int("kept", res.Kept))
		eventbus.Publish(s.bus, eventbus.AlertsReconciled, res)
	}
	return res
}

func (s *Scheduler) sortedHandlesLocked() []string {
	hs := make([]string, 0, len(s.active))
	for h := range s.active {
		hs = append(hs, h)
	}
	sort.Strings(hs)
	return hs
}

// fire returns the timer job for handle. A canceled alert is a no-op.
func (s *Scheduler) fire(handle string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s.mu.Lock()
		a, ok := s.active[handle]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		delete(s.active, handle)
		a.State = StateFired
		alert := *a
		cfg := s.cfg
		cfg.Channels = slices.Clone(cfg.Channels)
		place := s.place
		s.mu.Unlock()

		maxLate := cfg.MaxLate
		if maxLate <= 0 {
			maxLate = defaultMaxLate
		}
		if late := s.now().Sub(alert.At); late > maxLate {
			s.log.Warn("alert skipped (late)", logx.String("prayer", alert.Name), logx.Duration("late", late))
			return nil
		}

		title, body := Text(cfg.Language, alert.Prayer, alert.At.In(locOrLocal(cfg.Location)), place)
		for _, ch := range cfg.Channels {
			err := s.out.Notify(ctx, transport.Notification{
				Channel: ch,
				Key:     fmt.Sprintf("alert:%s:%s:%s", alert.Date, alert.Name, alert.At.UTC().Format("1504")),
				Target:  cfg.Target,
				Title:   title,
				Text:    body,
				Prayer:  alert.Name,
				At:      alert.At,
			})
			if err != nil {
				s.log.Warn("alert delivery failed", logx.String("channel", ch), logx.String("prayer", alert.Name), logx.Err(err))
			}
		}
		s.log.Info("alert fired", logx.String("prayer", alert.Name), logx.Time("at", alert.At))
		eventbus.Publish(s.bus, eventbus.AlertFired, alert)
		return nil
	}
}

// Active returns the pending alerts ordered by firing time.
func (s *Scheduler) Active() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// CancelAll cancels every pending alert and returns how many there were.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, a := range s.active {
		s.timers.Cancel(h)
		a.State = StateCanceled
		delete(s.active, h)
		n++
	}
	return n
}

func locOrLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
