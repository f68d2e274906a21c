package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"adzanbot/internal/storage"
	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
)

// dedupKey prefers the caller's key; otherwise it hashes target and text.
func dedupKey(n transport.Notification) string {
	if n.Key != "" {
		return n.Channel + "|" + n.Key
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|%s|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Title, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

type dedupEntry struct {
	key   string
	until time.Time
}

// seenSet remembers keys until their window closes, bounded to limit
// entries. Storage is consulted on a local miss when persistence is on.
type seenSet struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newSeenSet() *seenSet { return &seenSet{until: map[string]time.Time{}} }

func (d *seenSet) active(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.until[key]
	return ok && now.Before(u)
}

// mark records key until until, dropping expired entries and, over limit,
// those closest to expiry.
func (d *seenSet) mark(key string, until, now time.Time, limit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.until[key] = until
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for len(d.until) > limit {
		var victim string
		var soonest time.Time
		for k, u := range d.until {
			if victim == "" || u.Before(soonest) {
				victim, soonest = k, u
			}
		}
		delete(d.until, victim)
	}
}

// admit reports whether key may be sent now and, if so, opens its window.
// A persisted entry from an earlier process also blocks the send.
func (s *Service) admit(ctx context.Context, key string, cfg Config, persist chan<- dedupEntry) bool {
	now := time.Now()
	if s.seen.active(key, now) {
		return false
	}
	if cfg.PersistDedup && s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.seen.mark(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}
	until := now.Add(cfg.DedupWindow)
	s.seen.mark(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupEntry{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistLoop(ctx context.Context, in <-chan dedupEntry, st storage.Store) {
	for {
		var e dedupEntry
		var ok bool
		select {
		case <-ctx.Done():
			return
		case e, ok = <-in:
			if !ok {
				return
			}
		}
		wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := st.PutDedup(wctx, e.key, e.until); err != nil {
			s.log.Debug("dedup entry not persisted", logx.String("key", e.key), logx.Err(err))
		}
		cancel()
	}
}
