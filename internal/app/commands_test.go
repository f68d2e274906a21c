package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"adzanbot/internal/location"
	"adzanbot/internal/timetable"
	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

type sentText struct {
	to   transport.ChatTarget
	text string
}

type fakeReplier struct{ ch chan sentText }

func (f *fakeReplier) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.ch <- sentText{to: to, text: text}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

type fakeBackend struct {
	mu     sync.Mutex
	marks  map[prayertime.Prayer]bool
	coords []prayertime.Coordinates
	err    error
}

func testView() timetable.View {
	at := time.Date(2025, 3, 15, 18, 2, 0, 0, time.UTC)
	next := timetable.PrayerView{Prayer: "maghrib", Name: "Maghrib", Time: "18:02", At: at, Next: true, Relative: "2 hours from now"}
	return timetable.View{
		Date:       "2025-03-15",
		Place:      "Jakarta",
		Convention: "kemenag",
		Prayers: []timetable.PrayerView{
			{Prayer: "fajr", Name: "Subuh", Time: "04:38", Completed: true},
			next,
		},
		Next: &next,
	}
}

func (b *fakeBackend) Today(context.Context) (timetable.View, error)   { return testView(), b.err }
func (b *fakeBackend) Refresh(context.Context) (timetable.View, error) { return testView(), b.err }
func (b *fakeBackend) Next(context.Context) (timetable.PrayerView, error) {
	v := testView()
	return *v.Next, b.err
}

func (b *fakeBackend) MarkCompleted(_ context.Context, p prayertime.Prayer, done bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.marks == nil {
		b.marks = map[prayertime.Prayer]bool{}
	}
	b.marks[p] = done
	return nil
}

func (b *fakeBackend) OnLocation(_ context.Context, r location.Reading) (location.Change, timetable.View, error) {
	b.mu.Lock()
	b.coords = append(b.coords, r.Coords)
	b.mu.Unlock()
	return location.Change{Current: r, DistanceKm: 300, Significant: true}, testView(), nil
}

func startCommands(t *testing.T, backend commandBackend) (chan<- transport.Update, <-chan sentText) {
	t.Helper()
	rep := &fakeReplier{ch: make(chan sentText, 8)}
	m := NewCommandManager(logx.Nop(), rep, backend, []int64{1}, "id")
	m.now = func() time.Time { return time.Date(2025, 3, 15, 16, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates, rep.ch
}

func textUpdate(from int64, text string) transport.Update {
	return transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: 100, FromID: from, Text: text},
	}
}

func waitReply(t *testing.T, ch <-chan sentText) sentText {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
		return sentText{}
	}
}

func TestCommandsRouting(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from int64
		text string
		want string
	}{
		{name: "times", from: 1, text: "/times", want: "Maghrib  18:02  ← next"},
		{name: "alias with bot suffix", from: 1, text: "/jadwal@adzan_bot", want: "2025-03-15 · Jakarta"},
		{name: "next", from: 1, text: "/next", want: "next: Maghrib at 18:02 (2 hours from now)"},
		{name: "unknown", from: 1, text: "/nope", want: "unknown command"},
		{name: "stranger", from: 9, text: "/times", want: "unauthorized"},
		{name: "help", from: 1, text: "/help", want: "/done <prayer>"},
		{name: "done without arg", from: 1, text: "/done", want: "usage: /done <prayer>"},
		{name: "bad prayer", from: 1, text: "/done brunch", want: `unknown prayer "brunch"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			updates, replies := startCommands(t, &fakeBackend{})
			updates <- textUpdate(tc.from, tc.text)
			got := waitReply(t, replies)
			if !strings.Contains(got.text, tc.want) {
				t.Fatalf("reply=%q want substring %q", got.text, tc.want)
			}
			if got.to.ChatID != 100 {
				t.Fatalf("reply target=%+v", got.to)
			}
		})
	}
}

func TestCommandsDoneAndUndo(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	updates, replies := startCommands(t, b)

	updates <- textUpdate(1, "/done subuh")
	if got := waitReply(t, replies); got.text != "Subuh marked completed" {
		t.Fatalf("reply=%q", got.text)
	}
	updates <- textUpdate(1, "/undo ISYA")
	if got := waitReply(t, replies); got.text != "Isya unmarked" {
		t.Fatalf("reply=%q", got.text)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.marks[prayertime.Fajr] || b.marks[prayertime.Isha] {
		t.Fatalf("marks=%v", b.marks)
	}
}

func TestCommandsLocationMessage(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	updates, replies := startCommands(t, b)
	updates <- transport.Update{
		Kind:     transport.UpdateLocation,
		Message:  &transport.Message{ChatID: 100, FromID: 1},
		Location: &transport.Location{Latitude: -7.25, Longitude: 112.75},
	}
	got := waitReply(t, replies)
	if !strings.HasPrefix(got.text, "location updated") {
		t.Fatalf("reply=%q", got.text)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.coords) != 1 || b.coords[0].Latitude != -7.25 {
		t.Fatalf("coords=%v", b.coords)
	}
}

func TestCommandsBackendError(t *testing.T) {
	t.Parallel()

	updates, replies := startCommands(t, &fakeBackend{err: errors.New("location unavailable")})
	updates <- textUpdate(1, "/refresh")
	if got := waitReply(t, replies); got.text != "error: location unavailable" {
		t.Fatalf("reply=%q", got.text)
	}
}

func TestCommandsIgnorePlainText(t *testing.T) {
	t.Parallel()

	updates, replies := startCommands(t, &fakeBackend{})
	updates <- textUpdate(1, "assalamualaikum")
	updates <- textUpdate(1, "/times")
	if got := waitReply(t, replies); !strings.Contains(got.text, "Jakarta") {
		t.Fatalf("reply=%q", got.text)
	}
}

func TestMenuListsCommands(t *testing.T) {
	t.Parallel()

	m := NewCommandManager(logx.Nop(), nil, &fakeBackend{}, nil, "en")
	names := map[string]bool{}
	for _, c := range m.Menu() {
		names[c.Command] = true
	}
	for _, want := range []string{"times", "next", "done", "undo", "refresh", "help"} {
		if !names[want] {
			t.Fatalf("menu missing %q: %v", want, names)
		}
	}
	if err := m.Register(Command{Name: "times", Handle: m.cmdTimes}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}
