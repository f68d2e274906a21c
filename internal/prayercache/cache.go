// Package prayercache memoizes computed prayer-time sets per (date, location
// cell, convention).
//
// At most one computation per key runs at a time; concurrent callers share
// its result. A result computed from an older start time never replaces a
// newer entry, and entries invalidated while a computation was running
// reject that computation's late result. Only today's entries are served:
// after local midnight yesterday's keys read as absent.
package prayercache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"adzanbot/internal/storage"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

const storeTimeout = 2 * time.Second

type Key struct {
	Date       prayertime.Date
	Cell       prayertime.Cell
	Convention string
}

// NewKey quantizes coords to the grid of sizeDeg degrees.
func NewKey(date prayertime.Date, coords prayertime.Coordinates, convention string, sizeDeg float64) Key {
	return Key{Date: date, Cell: prayertime.CellFor(coords, sizeDeg), Convention: convention}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Date, k.Cell, k.Convention)
}

// ComputeFunc produces the set for a key.
type ComputeFunc func(ctx context.Context) (prayertime.PrayerTimeSet, error)

type entry struct {
	set       prayertime.PrayerTimeSet
	startedAt time.Time
}

// mark records one Invalidate call.
type mark struct {
	match func(Key) bool
	at    time.Time
}

// maxMarks bounds the invalidation log; older marks fold into the epoch.
const maxMarks = 64

type Options struct {
	Store storage.Store
	Log   logx.Logger
	// Location defines the local calendar day; nil means time.Local.
	Location *time.Location
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type Cache struct {
	mu      sync.RWMutex
	entries map[Key]entry
	marks   []mark
	epoch   time.Time // results started before it are rejected for every key
	loc     *time.Location

	group singleflight.Group
	now   func() time.Time
	store storage.Store
	log   logx.Logger
	pmu   sync.Mutex
}

func New(opt Options) *Cache {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Cache{
		entries: map[Key]entry{},
		loc:     opt.Location,
		now:     opt.Now,
		store:   opt.Store,
		log:     opt.Log.With(logx.String("comp", "prayercache")),
	}
}

// SetLocation changes the timezone that defines "today".
func (c *Cache) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
}

// Today is the current local calendar date.
func (c *Cache) Today() prayertime.Date {
	c.mu.RLock()
	loc := c.loc
	c.mu.RUnlock()
	return prayertime.DateOf(c.now().In(loc))
}

// Get returns the cached set for key. Keys not dated today are absent.
func (c *Cache) Get(key Key) (prayertime.PrayerTimeSet, bool) {
	if key.Date != c.Today() {
		return prayertime.PrayerTimeSet{}, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return e.set, ok
}

// Put stores set as computed from startedAt and returns the set now held
// for key. accepted is false, leaving the cache unchanged, when a newer
// computation already committed or the key was invalidated after startedAt;
// committed is then the newer entry, or set itself when the key is empty.
func (c *Cache) Put(key Key, set prayertime.PrayerTimeSet, startedAt time.Time) (committed prayertime.PrayerTimeSet, accepted bool) {
	c.mu.Lock()
	if c.invalidatedLocked(key, startedAt) {
		cur, ok := c.entries[key]
		c.mu.Unlock()
		c.log.Debug("stale result dropped (invalidated)", logx.String("key", key.String()))
		if ok {
			return cur.set, false
		}
		return set, false
	}
	if cur, ok := c.entries[key]; ok && cur.startedAt.After(startedAt) {
		c.mu.Unlock()
		c.log.Debug("stale result dropped (newer entry)", logx.String("key", key.String()))
		return cur.set, false
	}
	c.entries[key] = entry{set: set, startedAt: startedAt}
	c.mu.Unlock()
	c.persist(key, set, startedAt)
	return set, true
}

// Invalidate removes every entry matching pred and returns how many went.
// Computations started before this call cannot add a matching key, whether
// or not it was present.
func (c *Cache) Invalidate(pred func(Key) bool) int {
	now := c.now()
	var gone []string
	c.mu.Lock()
	for k := range c.entries {
		if pred(k) {
			delete(c.entries, k)
			gone = append(gone, k.String())
		}
	}
	c.marks = append(c.marks, mark{match: pred, at: now})
	if len(c.marks) > maxMarks {
		c.foldMarksLocked(len(c.marks) - maxMarks)
	}
	c.mu.Unlock()

	if len(gone) > 0 && c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.DeleteTimetables(ctx, gone...); err != nil {
			c.log.Warn("cache delete failed", logx.Int("keys", len(gone)), logx.Err(err))
		}
	}
	return len(gone)
}

func (c *Cache) invalidatedLocked(key Key, startedAt time.Time) bool {
	if startedAt.Before(c.epoch) {
		return true
	}
	for _, m := range c.marks {
		if startedAt.Before(m.at) && m.match(key) {
			return true
		}
	}
	return false
}

// foldMarksLocked drops the n oldest marks, widening them to every key.
func (c *Cache) foldMarksLocked(n int) {
	for _, m := range c.marks[:n] {
		if m.at.After(c.epoch) {
			c.epoch = m.at
		}
	}
	c.marks = append(c.marks[:0], c.marks[n:]...)
}

// GetOrCompute returns the cached set or runs fn, sharing one run among
// concurrent callers of the same key. hit reports a cache hit.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, fn ComputeFunc) (set prayertime.PrayerTimeSet, hit bool, err error) {
	if s, ok := c.Get(key); ok {
		return s, true, nil
	}
	set, err = c.do(ctx, key, fn)
	return set, false, err
}

// Refresh recomputes key even when cached or already computing. The earlier
// flight keeps running for its waiters; its result loses to this one.
func (c *Cache) Refresh(ctx context.Context, key Key, fn ComputeFunc) (prayertime.PrayerTimeSet, error) {
	c.group.Forget(key.String())
	return c.do(ctx, key, fn)
}

func (c *Cache) do(ctx context.Context, key Key, fn ComputeFunc) (prayertime.PrayerTimeSet, error) {
	// The computation outlives a canceled caller so other waiters still
	// get a result.
	runCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (any, error) {
		startedAt := c.now()
		set, err := fn(runCtx)
		if err != nil {
			return prayertime.PrayerTimeSet{}, err
		}
		if key.Date != c.Today() {
			return set, nil
		}
		// Hand out whatever won, so callers never act on a superseded set.
		committed, _ := c.Put(key, set, startedAt)
		return committed, nil
	})
	select {
	case <-ctx.Done():
		return prayertime.PrayerTimeSet{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return prayertime.PrayerTimeSet{}, r.Err
		}
		return r.Val.(prayertime.PrayerTimeSet), nil
	}
}

// Rollover drops entries not dated today, folds the invalidation log into
// a single cutoff and prunes older persisted rows.
func (c *Cache) Rollover(ctx context.Context) int {
	today := c.Today()
	n := 0
	c.mu.Lock()
	for k := range c.entries {
		if k.Date != today {
			delete(c.entries, k)
			n++
		}
	}
	c.foldMarksLocked(len(c.marks))
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.PruneTimetables(ctx, today.String()); err != nil {
			c.log.Warn("cache prune failed", logx.Err(err))
		}
	}
	return n
}

// Len counts entries, including ones that no longer read as present.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

type persisted struct {
	Set       prayertime.PrayerTimeSet `json:"set"`
	StartedAt time.Time                `json:"started_at"`
}

func (c *Cache) persist(key Key, set prayertime.PrayerTimeSet, startedAt time.Time) {
	if c.store == nil {
		return
	}
	c.pmu.Lock()
	defer c.pmu.Unlock()
	// A newer commit may have landed while waiting for pmu.
	c.mu.RLock()
	cur, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !cur.startedAt.Equal(startedAt) {
		return
	}
	payload, err := json.Marshal(persisted{Set: set, StartedAt: startedAt})
	if err != nil {
		c.log.Warn("cache encode failed", logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err = c.store.PutTimetable(ctx, storage.TimetableRecord{
		Key:        key.String(),
		Date:       key.Date.String(),
		Cell:       key.Cell.String(),
		Convention: key.Convention,
		Payload:    payload,
		CreatedAt:  c.now(),
	})
	if err != nil {
		c.log.Warn("cache persist failed", logx.String("key", key.String()), logx.Err(err))
	}
}

// Warm loads today's persisted entries so a cold start can display times
// before recomputing. Rows that fail to decode are skipped.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	today := c.Today()
	recs, err := c.store.ListTimetables(ctx, today.String())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		var p persisted
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			c.log.Debug("cache row skipped", logx.String("key", r.Key), logx.Err(err))
			continue
		}
		cell, err := parseCell(r.Cell)
		if err != nil {
			continue
		}
		key := Key{Date: p.Set.Date, Cell: cell, Convention: r.Convention}
		if key.Date != today || key.String() != r.Key {
			continue
		}
		c.mu.Lock()
		if _, exists := c.entries[key]; !exists {
			c.entries[key] = entry{set: p.Set, startedAt: p.StartedAt}
			n++
		}
		c.mu.Unlock()
	}
	return n, nil
}

func parseCell(s string) (prayertime.Cell, error) {
	var cell prayertime.Cell
	_, err := fmt.Sscanf(s, "%d:%d", &cell.Lat, &cell.Lon)
	return cell, err
}
