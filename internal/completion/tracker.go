// Package completion tracks which of the day's prayers the user marked done.
package completion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"adzanbot/internal/storage"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

// keepDays bounds how many calendar days stay in memory.
const keepDays = 3

// Tracker holds completed sets per calendar day. A day not seen before
// starts empty (or from the store); the oldest days are dropped once more
// than a few are held.
type Tracker struct {
	mu   sync.Mutex
	days map[prayertime.Date]map[prayertime.Prayer]time.Time

	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		days:  map[prayertime.Date]map[prayertime.Prayer]time.Time{},
		store: store,
		log:   log.With(logx.String("comp", "completion")),
		now:   time.Now,
	}
}

// load makes sure day is in memory. The store is read without holding mu;
// when two loads race, the first to finish is kept.
func (t *Tracker) load(ctx context.Context, day prayertime.Date) {
	t.mu.Lock()
	_, ok := t.days[day]
	t.mu.Unlock()
	if ok {
		return
	}
	m := t.fetch(ctx, day)
	t.mu.Lock()
	if _, ok := t.days[day]; !ok {
		t.days[day] = m
		t.evictLocked(day)
	}
	t.mu.Unlock()
}

func (t *Tracker) fetch(ctx context.Context, day prayertime.Date) map[prayertime.Prayer]time.Time {
	m := map[prayertime.Prayer]time.Time{}
	if t.store == nil {
		return m
	}
	rows, err := t.store.ListCompleted(ctx, day.String())
	if err != nil {
		t.log.Warn("load completed failed", logx.String("day", day.String()), logx.Err(err))
		return m
	}
	for name, at := range rows {
		p, err := prayertime.ParsePrayer(name)
		if err != nil {
			continue
		}
		m[p] = at
	}
	return m
}

// dayLocked returns day's set after load. A day evicted or reset in between
// starts empty. Caller holds mu.
func (t *Tracker) dayLocked(day prayertime.Date) map[prayertime.Prayer]time.Time {
	m, ok := t.days[day]
	if !ok {
		m = map[prayertime.Prayer]time.Time{}
		t.days[day] = m
		t.evictLocked(day)
	}
	return m
}

// evictLocked drops the oldest days other than keep.
func (t *Tracker) evictLocked(keep prayertime.Date) {
	for len(t.days) > keepDays {
		var oldest prayertime.Date
		first := true
		for d := range t.days {
			if d == keep {
				continue
			}
			if first || d.In(time.UTC).Before(oldest.In(time.UTC)) {
				oldest, first = d, false
			}
		}
		delete(t.days, oldest)
	}
}

// Mark records p as completed on day. Marking twice keeps the first time.
func (t *Tracker) Mark(ctx context.Context, day prayertime.Date, p prayertime.Prayer) error {
	return t.set(ctx, day, p, true)
}

// Unmark clears p on day. Unmarking an open prayer is a no-op.
func (t *Tracker) Unmark(ctx context.Context, day prayertime.Date, p prayertime.Prayer) error {
	return t.set(ctx, day, p, false)
}

func (t *Tracker) set(ctx context.Context, day prayertime.Date, p prayertime.Prayer, done bool) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", prayertime.ErrUnknownPrayer, int(p))
	}
	t.load(ctx, day)
	t.mu.Lock()
	m := t.dayLocked(day)
	_, had := m[p]
	if had == done {
		t.mu.Unlock()
		return nil
	}
	at := t.now()
	if done {
		m[p] = at
	} else {
		delete(m, p)
	}
	t.mu.Unlock()

	if t.store == nil {
		return nil
	}
	if err := t.store.SetCompleted(ctx, day.String(), p.String(), done, at); err != nil {
		// The in-memory mark stands; it is lost only on restart.
		t.log.Warn("persist completed failed", logx.String("prayer", p.String()), logx.Err(err))
	}
	return nil
}

func (t *Tracker) IsCompleted(ctx context.Context, day prayertime.Date, p prayertime.Prayer) bool {
	t.load(ctx, day)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.dayLocked(day)[p]
	return ok
}

// Completed returns a copy of day's completed prayers with their mark times.
func (t *Tracker) Completed(ctx context.Context, day prayertime.Date) map[prayertime.Prayer]time.Time {
	t.load(ctx, day)
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.dayLocked(day)
	out := make(map[prayertime.Prayer]time.Time, len(m))
	for p, at := range m {
		out[p] = at
	}
	return out
}

// Reset forgets in-memory state so the next call reloads from the store.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.days = map[prayertime.Date]map[prayertime.Prayer]time.Time{}
	t.mu.Unlock()
}
