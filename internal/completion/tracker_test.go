package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"adzanbot/internal/storage"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

var (
	day1 = prayertime.Date{Year: 2025, Month: 3, Day: 15}
	day2 = prayertime.Date{Year: 2025, Month: 3, Day: 16}
)

func TestMarkUnmark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New(nil, logx.Nop())

	if err := tr.Mark(ctx, day1, prayertime.Asr); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !tr.IsCompleted(ctx, day1, prayertime.Asr) {
		t.Fatalf("asr not completed after Mark")
	}
	if tr.IsCompleted(ctx, day1, prayertime.Fajr) {
		t.Fatalf("fajr completed without Mark")
	}
	if err := tr.Unmark(ctx, day1, prayertime.Asr); err != nil {
		t.Fatalf("Unmark: %v", err)
	}
	if got := tr.Completed(ctx, day1); len(got) != 0 {
		t.Fatalf("Completed=%v after Unmark", got)
	}
	if err := tr.Unmark(ctx, day1, prayertime.Isha); err != nil {
		t.Fatalf("Unmark open prayer: %v", err)
	}
}

func TestMarkInvalidPrayer(t *testing.T) {
	t.Parallel()
	tr := New(nil, logx.Nop())
	err := tr.Mark(context.Background(), day1, prayertime.Prayer(9))
	if !errors.Is(err, prayertime.ErrUnknownPrayer) {
		t.Fatalf("err=%v, want ErrUnknownPrayer", err)
	}
}

func TestDayChangeResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New(nil, logx.Nop())
	_ = tr.Mark(ctx, day1, prayertime.Fajr)
	_ = tr.Mark(ctx, day1, prayertime.Dhuhr)

	if got := tr.Completed(ctx, day2); len(got) != 0 {
		t.Fatalf("new day starts with %v", got)
	}
	if !tr.IsCompleted(ctx, day1, prayertime.Fajr) {
		t.Fatalf("looking at another day dropped earlier marks")
	}
}

func TestOldDaysEvicted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr := New(nil, logx.Nop())
	_ = tr.Mark(ctx, day1, prayertime.Fajr)
	for i := 1; i <= keepDays; i++ {
		_ = tr.Completed(ctx, day1.AddDays(i))
	}
	if tr.IsCompleted(ctx, day1, prayertime.Fajr) {
		t.Fatalf("oldest day kept past the limit")
	}
}

func TestPersistedAcrossTrackers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	a := New(store, logx.Nop())
	_ = a.Mark(ctx, day1, prayertime.Maghrib)
	_ = a.Mark(ctx, day1, prayertime.Isha)
	_ = a.Unmark(ctx, day1, prayertime.Isha)

	b := New(store, logx.Nop())
	got := b.Completed(ctx, day1)
	if len(got) != 1 {
		t.Fatalf("Completed=%v, want only maghrib", got)
	}
	if _, ok := got[prayertime.Maghrib]; !ok {
		t.Fatalf("maghrib missing from %v", got)
	}

	b.Reset()
	if !b.IsCompleted(ctx, day1, prayertime.Maghrib) {
		t.Fatalf("maghrib not reloaded after Reset")
	}
}

// slowStore blocks ListCompleted for one day until release closes.
type slowStore struct {
	storage.Store
	day     string
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) ListCompleted(ctx context.Context, day string) (map[string]time.Time, error) {
	if day == s.day {
		close(s.entered)
		<-s.release
	}
	return s.Store.ListCompleted(ctx, day)
}

func TestSlowLoadDoesNotBlockLoadedDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		call func(ctx context.Context, tr *Tracker) bool
	}{
		{name: "completed", call: func(ctx context.Context, tr *Tracker) bool {
			_, ok := tr.Completed(ctx, day1)[prayertime.Fajr]
			return ok
		}},
		{name: "is completed", call: func(ctx context.Context, tr *Tracker) bool {
			return tr.IsCompleted(ctx, day1, prayertime.Fajr)
		}},
		{name: "mark", call: func(ctx context.Context, tr *Tracker) bool {
			return tr.Mark(ctx, day1, prayertime.Dhuhr) == nil && tr.IsCompleted(ctx, day1, prayertime.Dhuhr)
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := &slowStore{Store: storage.NewMemory(), day: day2.String(), entered: make(chan struct{}), release: make(chan struct{})}
			tr := New(store, logx.Nop())
			if err := tr.Mark(ctx, day1, prayertime.Fajr); err != nil {
				t.Fatalf("Mark: %v", err)
			}

			slow := make(chan struct{})
			go func() {
				tr.Completed(ctx, day2)
				close(slow)
			}()
			<-store.entered

			got := make(chan bool, 1)
			go func() { got <- tt.call(ctx, tr) }()
			select {
			case ok := <-got:
				if !ok {
					t.Fatalf("call on the loaded day returned the wrong state")
				}
			case <-time.After(2 * time.Second):
				close(store.release)
				t.Fatalf("call on the loaded day waited for another day's load")
			}
			close(store.release)
			<-slow
		})
	}
}
