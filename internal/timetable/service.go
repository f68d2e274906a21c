// Package timetable runs the prayer-time pipeline: acquire the location,
// compute or fetch a set per convention, resolve, adjust, then reconcile
// alerts and render a view.
package timetable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"adzanbot/internal/alerts"
	"adzanbot/internal/completion"
	"adzanbot/internal/eventbus"
	"adzanbot/internal/location"
	"adzanbot/internal/prayercache"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

var errNoLocation = errors.New("location manager not configured")

type Options struct {
	Registry *prayertime.Registry
	Cache    *prayercache.Cache
	Location *location.Manager
	Alerts   *alerts.Scheduler
	Tracker  *completion.Tracker
	Bus      eventbus.Bus
	Log      logx.Logger
	// Zone defines the local calendar day; nil means time.Local.
	Zone *time.Location
	Now  func() time.Time
}

type Service struct {
	mu       sync.RWMutex
	settings Settings
	zone     *time.Location

	reg     *prayertime.Registry
	cache   *prayercache.Cache
	locm    *location.Manager
	alerts  *alerts.Scheduler
	tracker *completion.Tracker
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	// rmu orders reconciles: a pass started before the last reconciled
	// pass never reconciles.
	rmu       sync.Mutex
	lastRecon time.Time
}

func New(settings Settings, opt Options) *Service {
	if opt.Registry == nil {
		opt.Registry = prayertime.DefaultRegistry()
	}
	if opt.Zone == nil {
		opt.Zone = time.Local
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Cache == nil {
		opt.Cache = prayercache.New(prayercache.Options{Location: opt.Zone, Now: opt.Now, Log: opt.Log})
	}
	if opt.Tracker == nil {
		opt.Tracker = completion.New(nil, opt.Log)
	}
	return &Service{
		settings: settings,
		zone:     opt.Zone,
		reg:      opt.Registry,
		cache:    opt.Cache,
		locm:     opt.Location,
		alerts:   opt.Alerts,
		tracker:  opt.Tracker,
		bus:      opt.Bus,
		log:      opt.Log.With(logx.String("comp", "timetable")),
		now:      opt.Now,
	}
}

// Zone is the timezone defining the calendar day.
func (s *Service) Zone() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zone
}

// SetZone changes the local timezone. Cached entries stay keyed by date.
func (s *Service) SetZone(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	s.zone = loc
	s.mu.Unlock()
	s.cache.SetLocation(loc)
}

func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Today returns today's timetable and reconciles alerts with it.
func (s *Service) Today(ctx context.Context) (View, error) {
	return s.run(ctx, s.today(), false)
}

// ForDate renders date. Alerts are reconciled only when date is today.
func (s *Service) ForDate(ctx context.Context, date prayertime.Date) (View, error) {
	return s.run(ctx, date, false)
}

// Refresh recomputes today's sets, bypassing the cache.
func (s *Service) Refresh(ctx context.Context) (View, error) {
	return s.run(ctx, s.today(), true)
}

func (s *Service) today() prayertime.Date {
	return prayertime.DateOf(s.now().In(s.Zone()))
}

type plan struct {
	date     prayertime.Date
	reading  location.Reading
	settings Settings
	convs    []prayertime.Convention
	warnings []string
}

func (s *Service) plan(ctx context.Context, date prayertime.Date) (plan, error) {
	return s.planWith(ctx, date, s.Settings())
}

func (s *Service) planWith(ctx context.Context, date prayertime.Date, settings Settings) (plan, error) {
	p := plan{date: date, settings: settings}
	if s.locm == nil {
		return p, errNoLocation
	}
	r, change, err := s.locm.Acquire(ctx)
	if err != nil {
		p.warnings = append(p.warnings, err.Error())
	}
	if change.Significant {
		s.onSignificant(change)
	}
	p.reading = r
	if err := p.reading.Coords.Validate(); err != nil {
		return p, err
	}

	asr, err := prayertime.ParseAsrMethod(p.settings.AsrMethod)
	if err != nil {
		p.warnings = append(p.warnings, err.Error())
	}
	ids := p.settings.Conventions
	if len(ids) == 0 {
		ids = []string{prayertime.DefaultConventionID}
	}
	seen := map[string]bool{}
	for _, id := range ids {
		conv, err := s.reg.GetOrDefault(id)
		if err != nil {
			s.log.Warn("unknown convention; using default", logx.String("convention", id), logx.Err(err))
			p.warnings = append(p.warnings, err.Error())
			if conv.ID == "" {
				continue
			}
		}
		if strings.TrimSpace(p.settings.AsrMethod) != "" {
			conv = conv.WithAsrMethod(asr)
		}
		if seen[conv.ID] {
			continue
		}
		seen[conv.ID] = true
		p.convs = append(p.convs, conv)
	}
	if len(p.convs) == 0 {
		return p, fmt.Errorf("%w: %v", prayertime.ErrUnknownConvention, ids)
	}
	return p, nil
}

func (s *Service) run(ctx context.Context, date prayertime.Date, refresh bool) (View, error) {
	startedAt := s.now()
	p, err := s.plan(ctx, date)
	if err != nil {
		return View{}, err
	}
	set, hit, err := s.resolve(ctx, p, refresh)
	if err != nil {
		return View{}, err
	}

	if date == s.today() {
		if w := s.reconcile(set, startedAt); len(w) > 0 {
			p.warnings = append(p.warnings, w...)
		}
	}

	typ := eventbus.TimetableComputed
	if hit {
		typ = eventbus.TimetableCacheHit
	}
	eventbus.Publish(s.bus, typ, map[string]any{
		"date":       date.String(),
		"convention": set.Convention,
		"location":   set.Location.String(),
	})
	return s.render(ctx, p, set, hit), nil
}

// resolve fetches each convention's raw set, merges them and applies the
// user offsets. hit reports that every set came from the cache.
func (s *Service) resolve(ctx context.Context, p plan, refresh bool) (prayertime.PrayerTimeSet, bool, error) {
	coords := p.reading.Coords
	hit := true
	results := make([]prayertime.PrayerTimeSet, 0, len(p.convs))
	for _, conv := range p.convs {
		conv := conv
		key := prayercache.NewKey(p.date, coords, conv.ID, p.settings.CellSizeDeg)
		compute := func(context.Context) (prayertime.PrayerTimeSet, error) {
			return prayertime.Compute(coords, p.date, conv)
		}
		var (
			set    prayertime.PrayerTimeSet
			cached bool
			err    error
		)
		if refresh {
			set, err = s.cache.Refresh(ctx, key, compute)
		} else {
			set, cached, err = s.cache.GetOrCompute(ctx, key, compute)
		}
		// Another reading in the same cell produced the entry; results
		// must share one location to be merged.
		if err == nil && set.Location != coords {
			set, err = s.cache.Refresh(ctx, key, compute)
			cached = false
		}
		if err != nil {
			return prayertime.PrayerTimeSet{}, false, fmt.Errorf("compute %s: %w", conv.ID, err)
		}
		hit = hit && cached
		results = append(results, set)
	}

	set, err := prayertime.Resolve(results)
	if err != nil {
		return prayertime.PrayerTimeSet{}, false, err
	}
	set, err = prayertime.ApplyOffsets(set, p.settings.Offsets)
	if err != nil {
		return prayertime.PrayerTimeSet{}, false, err
	}
	return set, hit, nil
}

// reconcile hands set to the alert scheduler unless a pass that started
// later already did.
func (s *Service) reconcile(set prayertime.PrayerTimeSet, startedAt time.Time) []string {
	if s.alerts == nil {
		return nil
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if startedAt.Before(s.lastRecon) {
		s.log.Debug("reconcile skipped (superseded)", logx.String("date", set.Date.String()))
		return nil
	}
	s.lastRecon = startedAt
	res := s.alerts.Reconcile(set, s.now())
	out := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		out = append(out, w.Error())
	}
	return out
}

func (s *Service) render(ctx context.Context, p plan, set prayertime.PrayerTimeSet, hit bool) View {
	zone := s.Zone()
	now := s.now()
	done := s.tracker.Completed(ctx, p.date)
	v := View{
		Date:         p.date.String(),
		Timezone:     zone.String(),
		Latitude:     set.Location.Latitude,
		Longitude:    set.Location.Longitude,
		Place:        p.reading.Name,
		Convention:   set.Convention,
		HighLatitude: set.HighLatitude,
		CacheHit:     hit,
		Warnings:     p.warnings,
		GeneratedAt:  now,
	}
	if !set.Sunrise.IsZero() {
		v.Sunrise = prayertime.Format(set.Sunrise, zone)
	}
	next, _, hasNext := set.Next(now)
	for _, pr := range prayertime.Prayers {
		at := prayertime.Minute(set.Time(pr)).In(zone)
		_, completed := done[pr]
		pv := PrayerView{
			Prayer:     pr.String(),
			Name:       alerts.PrayerName(p.settings.Language, pr),
			At:         at,
			Time:       at.Format(prayertime.Clock),
			Completed:  completed,
			Confidence: set.Confidence[pr],
			Relative:   humanize.RelTime(at, now, "ago", "from now"),
			Next:       hasNext && pr == next,
		}
		v.Prayers = append(v.Prayers, pv)
		if pv.Next {
			row := pv
			v.Next = &row
		}
	}
	return v
}

// Next returns the next upcoming prayer, looking into tomorrow after Isha.
func (s *Service) Next(ctx context.Context) (PrayerView, error) {
	v, err := s.Today(ctx)
	if err != nil {
		return PrayerView{}, err
	}
	if v.Next != nil {
		return *v.Next, nil
	}
	tv, err := s.ForDate(ctx, s.today().AddDays(1))
	if err != nil {
		return PrayerView{}, err
	}
	if len(tv.Prayers) == 0 {
		return PrayerView{}, errors.New("no prayers tomorrow")
	}
	return tv.Prayers[prayertime.Fajr], nil
}

// ApplySettings swaps the preferences. Changes to the conventions, the
// Asr rule or the cell size drop cached sets; offset and language changes
// reuse them. Today's alerts are reconciled with the new result.
//
// Offsets that reorder today's times are rejected with
// prayertime.ErrInvalidOffsetConfiguration and the previous settings stay.
func (s *Service) ApplySettings(ctx context.Context, next Settings) (View, error) {
	if err := s.checkOffsets(ctx, next); err != nil {
		s.log.Warn("settings rejected", logx.Err(err))
		return View{}, err
	}

	s.mu.Lock()
	prev := s.settings
	s.settings = next
	s.mu.Unlock()

	if !prev.astronomyEqual(next) {
		n := s.cache.Invalidate(func(prayercache.Key) bool { return true })
		s.log.Info("calculation settings changed",
			logx.Strings("conventions", next.Conventions),
			logx.String("asr", next.AsrMethod),
			logx.Int("invalidated", n))
	}
	return s.Today(ctx)
}

// checkOffsets resolves today under next without touching alerts. Only an
// offset failure is reported; other failures surface from the real pass.
func (s *Service) checkOffsets(ctx context.Context, next Settings) error {
	if err := next.Offsets.Validate(); err != nil {
		return err
	}
	if next.Offsets.IsZero() {
		return nil
	}
	p, err := s.planWith(ctx, s.today(), next)
	if err != nil {
		return nil
	}
	if _, _, err := s.resolve(ctx, p, false); errors.Is(err, prayertime.ErrInvalidOffsetConfiguration) {
		return err
	}
	return nil
}

// OnLocation records a pushed reading. A significant move drops cached sets
// and reconciles alerts for the new place.
func (s *Service) OnLocation(ctx context.Context, r location.Reading) (location.Change, View, error) {
	if s.locm == nil {
		return location.Change{}, View{}, errNoLocation
	}
	change, err := s.locm.Update(ctx, r)
	if err != nil {
		return change, View{}, err
	}
	if change.Significant {
		s.onSignificant(change)
	}
	v, err := s.Today(ctx)
	return change, v, err
}

func (s *Service) onSignificant(change location.Change) {
	n := s.cache.Invalidate(func(prayercache.Key) bool { return true })
	if s.alerts != nil {
		s.alerts.SetPlace(change.Current.Name)
	}
	s.log.Debug("cache invalidated after move", logx.Int("entries", n))
}

// Rollover runs after local midnight: it drops yesterday's entries and
// schedules the new day's alerts.
func (s *Service) Rollover(ctx context.Context) error {
	n := s.cache.Rollover(ctx)
	v, err := s.Today(ctx)
	if err != nil {
		return err
	}
	s.log.Info("day rollover", logx.String("date", v.Date), logx.Int("dropped", n))
	return nil
}

// MarkCompleted marks (or with done=false clears) p for today.
func (s *Service) MarkCompleted(ctx context.Context, p prayertime.Prayer, done bool) error {
	day := s.today()
	if done {
		return s.tracker.Mark(ctx, day, p)
	}
	return s.tracker.Unmark(ctx, day, p)
}

// Warm preloads persisted sets for today.
func (s *Service) Warm(ctx context.Context) {
	n, err := s.cache.Warm(ctx)
	if err != nil {
		s.log.Warn("cache warm failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Debug("cache warmed", logx.Int("entries", n))
	}
}

// Alerts exposes the pending alerts, or nil without a scheduler.
func (s *Service) Alerts() []alerts.Alert {
	if s.alerts == nil {
		return nil
	}
	return s.alerts.Active()
}

// Conventions lists the registry ids.
func (s *Service) Conventions() []prayertime.Convention {
	ids := s.reg.List()
	out := make([]prayertime.Convention, 0, len(ids))
	for _, id := range ids {
		if c, err := s.reg.Get(id); err == nil {
			out = append(out, c)
		}
	}
	return out
}
