package timetable

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adzanbot/internal/alerts"
	"adzanbot/internal/location"
	"adzanbot/internal/prayercache"
	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

type fakeTimers struct {
	mu      sync.Mutex
	pending map[string]time.Time
	ops     int
}

func (f *fakeTimers) Schedule(name string, at time.Time, _ func(ctx context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops++
	f.pending[name] = at
	return nil
}

func (f *fakeTimers) Cancel(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops++
	_, ok := f.pending[name]
	delete(f.pending, name)
	return ok
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, transport.Notification) error { return nil }

var (
	jakarta  = location.Reading{Coords: prayertime.Coordinates{Latitude: -6.2, Longitude: 106.8166}, Name: "Jakarta"}
	surabaya = location.Reading{Coords: prayertime.Coordinates{Latitude: -7.25, Longitude: 112.75}, Name: "Surabaya", Source: "pushed"}
	wib      = time.FixedZone("WIB", 7*3600)
)

type fixture struct {
	svc    *Service
	cache  *prayercache.Cache
	timers *fakeTimers
	now    *time.Time
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	now := time.Date(2025, 3, 15, 9, 0, 0, 0, wib)
	f := &fixture{timers: &fakeTimers{pending: map[string]time.Time{}}, now: &now}
	clock := func() time.Time { return *f.now }
	f.cache = prayercache.New(prayercache.Options{Location: wib, Now: clock})
	pushed := &location.Pushed{}
	pushed.Set(jakarta)
	locm := location.New(location.Config{Default: jakarta}, pushed, nil, logx.Nop(), nil)
	al := alerts.New(alerts.Config{Enabled: true, Channels: []string{"telegram"}, Location: wib}, f.timers, nopNotifier{}, logx.Nop(), nil)
	f.svc = New(settings, Options{Cache: f.cache, Location: locm, Alerts: al, Zone: wib, Now: clock})
	return f
}

func TestTodayComputesThenHitsCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{Conventions: []string{"Kemenag"}})
	ctx := context.Background()

	v, err := f.svc.Today(ctx)
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if v.CacheHit {
		t.Fatalf("first call reported a cache hit")
	}
	if v.Date != "2025-03-15" || len(v.Prayers) != prayertime.NumPrayers {
		t.Fatalf("view=%+v", v)
	}
	for i := 1; i < len(v.Prayers); i++ {
		if !v.Prayers[i-1].At.Before(v.Prayers[i].At) {
			t.Fatalf("rows out of order at %d", i)
		}
	}
	if v.Next == nil || v.Next.Prayer != "dhuhr" {
		t.Fatalf("next=%+v, want dhuhr at 09:00", v.Next)
	}
	// Fajr has passed; four alerts are pending.
	if got := len(f.svc.Alerts()); got != 4 {
		t.Fatalf("active alerts=%d, want 4", got)
	}

	ops := f.timers.ops
	v2, err := f.svc.Today(ctx)
	if err != nil {
		t.Fatalf("Today again: %v", err)
	}
	if !v2.CacheHit {
		t.Fatalf("second call missed the cache")
	}
	if f.timers.ops != ops {
		t.Fatalf("unchanged set caused %d timer operations", f.timers.ops-ops)
	}
}

func TestOffsetsReuseCachedAstronomy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{Conventions: []string{"MWL"}})
	ctx := context.Background()
	before, err := f.svc.Today(ctx)
	if err != nil {
		t.Fatalf("Today: %v", err)
	}

	after, err := f.svc.ApplySettings(ctx, Settings{Conventions: []string{"MWL"}, Offsets: prayertime.OffsetSet{Maghrib: 3}})
	if err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if !after.CacheHit {
		t.Fatalf("offset change recomputed astronomy")
	}
	b, _ := before.Prayer(prayertime.Maghrib)
	a, _ := after.Prayer(prayertime.Maghrib)
	if got := a.At.Sub(b.At); got != 3*time.Minute {
		t.Fatalf("maghrib moved %v, want 3m", got)
	}
	for _, al := range f.svc.Alerts() {
		if al.Prayer == prayertime.Maghrib && !al.At.Equal(a.At) {
			t.Fatalf("maghrib alert at %v, want %v", al.At, a.At)
		}
	}
}

func TestRejectedOffsetsKeepPreviousSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		offsets prayertime.OffsetSet
	}{
		{name: "maghrib past isha", offsets: prayertime.OffsetSet{Maghrib: 60, Isha: -60}},
		{name: "out of range", offsets: prayertime.OffsetSet{Fajr: 90}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			initial := Settings{Conventions: []string{"UmmAlQura"}, Offsets: prayertime.OffsetSet{Asr: 2}}
			f := newFixture(t, initial)
			ctx := context.Background()
			before, err := f.svc.Today(ctx)
			if err != nil {
				t.Fatalf("Today: %v", err)
			}

			_, err = f.svc.ApplySettings(ctx, Settings{Conventions: []string{"UmmAlQura"}, Offsets: tt.offsets})
			if !errors.Is(err, prayertime.ErrInvalidOffsetConfiguration) {
				t.Fatalf("ApplySettings error = %v, want ErrInvalidOffsetConfiguration", err)
			}
			if got := f.svc.Settings().Offsets; got != initial.Offsets {
				t.Fatalf("offsets after rejection = %+v, want %+v", got, initial.Offsets)
			}

			after, err := f.svc.Today(ctx)
			if err != nil {
				t.Fatalf("Today after rejection: %v", err)
			}
			for _, p := range prayertime.Prayers {
				b, _ := before.Prayer(p)
				a, _ := after.Prayer(p)
				if !a.At.Equal(b.At) {
					t.Fatalf("%s moved from %v to %v", p, b.At, a.At)
				}
			}
		})
	}
}

func TestConventionChangeInvalidates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{Conventions: []string{"MWL"}})
	ctx := context.Background()
	if _, err := f.svc.Today(ctx); err != nil {
		t.Fatalf("Today: %v", err)
	}
	v, err := f.svc.ApplySettings(ctx, Settings{Conventions: []string{"MWL", "Kemenag", "Singapore"}})
	if err != nil {
		t.Fatalf("ApplySettings: %v", err)
	}
	if v.CacheHit {
		t.Fatalf("convention change served from cache")
	}
	if !strings.Contains(v.Convention, "+") {
		t.Fatalf("consensus id %q", v.Convention)
	}
	if f.cache.Len() != 3 {
		t.Fatalf("cache holds %d entries, want 3", f.cache.Len())
	}
}

func TestUnknownConventionFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{Conventions: []string{"Atlantis"}})
	v, err := f.svc.Today(context.Background())
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if v.Convention != prayertime.DefaultConventionID {
		t.Fatalf("convention=%q, want default", v.Convention)
	}
	if len(v.Warnings) == 0 {
		t.Fatalf("no advisory for the unknown convention")
	}
}

func TestOnLocationSignificantMove(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{Conventions: []string{"Kemenag"}})
	ctx := context.Background()
	before, _ := f.svc.Today(ctx)

	change, after, err := f.svc.OnLocation(ctx, surabaya)
	if err != nil {
		t.Fatalf("OnLocation: %v", err)
	}
	if !change.Significant {
		t.Fatalf("move to Surabaya not significant")
	}
	if after.Place != "Surabaya" || after.CacheHit {
		t.Fatalf("view after move=%+v", after)
	}
	b, _ := before.Prayer(prayertime.Maghrib)
	a, _ := after.Prayer(prayertime.Maghrib)
	if !a.At.Before(b.At) {
		t.Fatalf("maghrib east of Jakarta should be earlier: %v vs %v", a.At, b.At)
	}
}

func TestMarkCompletedShowsInView(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{})
	ctx := context.Background()
	if err := f.svc.MarkCompleted(ctx, prayertime.Fajr, true); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	v, _ := f.svc.Today(ctx)
	row, _ := v.Prayer(prayertime.Fajr)
	if !row.Completed {
		t.Fatalf("fajr not shown completed")
	}
	_ = f.svc.MarkCompleted(ctx, prayertime.Fajr, false)
	v, _ = f.svc.Today(ctx)
	if row, _ := v.Prayer(prayertime.Fajr); row.Completed {
		t.Fatalf("fajr still completed after undo")
	}
}

func TestRolloverSchedulesNewDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{Conventions: []string{"Kemenag"}})
	ctx := context.Background()
	*f.now = time.Date(2025, 3, 15, 22, 0, 0, 0, wib)
	if _, err := f.svc.Today(ctx); err != nil {
		t.Fatalf("Today: %v", err)
	}
	if n := len(f.svc.Alerts()); n != 0 {
		t.Fatalf("%d alerts pending after isha", n)
	}

	*f.now = time.Date(2025, 3, 16, 0, 0, 5, 0, wib)
	if err := f.svc.Rollover(ctx); err != nil {
		t.Fatalf("Rollover: %v", err)
	}
	active := f.svc.Alerts()
	if len(active) != prayertime.NumPrayers {
		t.Fatalf("alerts after rollover=%d, want 5", len(active))
	}
	if active[0].Date != "2025-03-16" {
		t.Fatalf("alerts dated %s", active[0].Date)
	}
}

func TestNextLooksIntoTomorrow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Settings{})
	*f.now = time.Date(2025, 3, 15, 23, 0, 0, 0, wib)
	next, err := f.svc.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next.Prayer != "fajr" || next.At.Day() != 16 {
		t.Fatalf("next=%+v, want tomorrow's fajr", next)
	}
}

// gatedService blocks the first location lookup until gate closes; later
// lookups fail so passes fall back to the anchored reading.
func gatedService(t *testing.T) (svc *Service, entered <-chan struct{}, gate chan struct{}) {
	t.Helper()
	base := time.Date(2025, 3, 15, 9, 0, 0, 0, wib)
	var ticks atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Millisecond) }

	in := make(chan struct{})
	gate = make(chan struct{})
	var calls atomic.Int32
	provider := location.ProviderFunc(func(ctx context.Context) (location.Reading, error) {
		if calls.Add(1) > 1 {
			return location.Reading{}, location.ErrLocationUnavailable
		}
		close(in)
		<-gate
		return jakarta, nil
	})
	locm := location.New(location.Config{Default: jakarta, Timeout: time.Minute}, provider, nil, logx.Nop(), nil)
	timers := &fakeTimers{pending: map[string]time.Time{}}
	al := alerts.New(alerts.Config{Enabled: true, Channels: []string{"telegram"}, Location: wib}, timers, nopNotifier{}, logx.Nop(), nil)
	cache := prayercache.New(prayercache.Options{Location: wib, Now: clock})
	svc = New(Settings{Conventions: []string{"Kemenag"}}, Options{Cache: cache, Location: locm, Alerts: al, Zone: wib, Now: clock})
	return svc, in, gate
}

func TestEarlierPassFinishingLastKeepsAlerts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		later func(ctx context.Context, svc *Service) (View, error)
	}{
		{
			name: "pushed location",
			later: func(ctx context.Context, svc *Service) (View, error) {
				_, v, err := svc.OnLocation(ctx, surabaya)
				return v, err
			},
		},
		{
			name: "offset change",
			later: func(ctx context.Context, svc *Service) (View, error) {
				return svc.ApplySettings(ctx, Settings{Conventions: []string{"Kemenag"}, Offsets: prayertime.OffsetSet{Maghrib: 3}})
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, entered, gate := gatedService(t)
			ctx := context.Background()

			type result struct {
				v   View
				err error
			}
			earlier := make(chan result, 1)
			go func() {
				v, err := svc.Refresh(ctx)
				earlier <- result{v, err}
			}()
			<-entered

			want, err := tt.later(ctx, svc)
			if err != nil {
				t.Fatalf("later pass: %v", err)
			}
			close(gate)
			got := <-earlier
			if got.err != nil {
				t.Fatalf("earlier pass: %v", got.err)
			}

			a, _ := got.v.Prayer(prayertime.Maghrib)
			b, _ := want.Prayer(prayertime.Maghrib)
			if a.At.Equal(b.At) {
				t.Fatalf("both passes produced maghrib %v", a.At)
			}
			active := svc.Alerts()
			if len(active) == 0 {
				t.Fatalf("no alerts pending")
			}
			for _, al := range active {
				row, ok := want.Prayer(al.Prayer)
				if !ok || !al.At.Equal(row.At) {
					t.Fatalf("%s alert at %v, want %v from the later pass", al.Prayer, al.At, row.At)
				}
			}
		})
	}
}
