package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adzanbot/internal/eventbus"
	"adzanbot/internal/storage"
	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	sent  []transport.Notification
	fails atomic.Int32 // remaining failures before success
}

func (r *recorder) Send(_ context.Context, n transport.Notification) error {
	if r.fails.Load() > 0 {
		r.fails.Add(-1)
		return errors.New("transient")
	}
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func startNotifier(t *testing.T, cfg Config, store storage.Store, bus eventbus.Bus) (*Service, *recorder) {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, logx.Nop(), bus, store)
	rec := &recorder{}
	s.Register(transport.ChannelTelegram, rec)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, rec
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyDeliversAndRetries(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "notifier.")
	defer unsub()

	s, rec := startNotifier(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, nil, bus)
	rec.fails.Store(2)

	n := transport.Notification{Channel: transport.ChannelTelegram, Key: "alert:fajr:1", Title: "Fajr", Text: "04:40"}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	eventually(t, func() bool { return rec.count() == 1 })

	sawSent := false
	timeout := time.After(time.Second)
	for !sawSent {
		select {
		case ev := <-events:
			sawSent = ev.Type == eventbus.NotifierSent
		case <-timeout:
			t.Fatalf("no notifier.sent event")
		}
	}
	if h := s.History(); len(h) != 1 || h[0].Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	t.Parallel()
	s, rec := startNotifier(t, Config{DedupWindow: time.Minute}, nil, nil)

	n := transport.Notification{Channel: transport.ChannelTelegram, Key: "alert:asr:1", Text: "Asr"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify #%d: %v", i, err)
		}
	}
	n.Key = "alert:asr:2"
	_ = s.Notify(context.Background(), n)
	eventually(t, func() bool { return rec.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("sent %d, want 2", rec.count())
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	cfg := Config{DedupWindow: time.Hour, PersistDedup: true}
	n := transport.Notification{Channel: transport.ChannelTelegram, Key: "alert:isha:9", Text: "Isha"}

	s1, rec1 := startNotifier(t, cfg, store, nil)
	_ = s1.Notify(context.Background(), n)
	eventually(t, func() bool { return rec1.count() == 1 })
	eventually(t, func() bool {
		_, ok, _ := store.GetDedup(context.Background(), dedupKey(n))
		return ok
	})

	s2, rec2 := startNotifier(t, cfg, store, nil)
	_ = s2.Notify(context.Background(), n)
	time.Sleep(30 * time.Millisecond)
	if rec2.count() != 0 {
		t.Fatalf("second process resent a deduped alert")
	}
}

func TestNotifyErrors(t *testing.T) {
	t.Parallel()
	off := New(Config{}, logx.Nop(), nil, nil)
	if err := off.Notify(context.Background(), transport.Notification{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	idle := New(Config{Enabled: true}, logx.Nop(), nil, nil)
	if err := idle.Notify(context.Background(), transport.Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}

	s, _ := startNotifier(t, Config{}, nil, nil)
	if err := s.Notify(context.Background(), transport.Notification{Channel: "sms"}); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("unknown channel err = %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	if got := retryDelay(cfg, 1, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 = %v", got)
	}
	if got := retryDelay(cfg, 3, nil); got != 400*time.Millisecond {
		t.Fatalf("attempt 3 = %v", got)
	}
	if got := retryDelay(cfg, 9, nil); got != time.Second {
		t.Fatalf("attempt 9 = %v", got)
	}
}
