package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"adzanbot/pkg/logx"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	recs := []TimetableRecord{
		{Key: "2025-03-15|-125:2136|Kemenag", Date: "2025-03-15", Cell: "-125:2136", Convention: "Kemenag", Payload: []byte(`{"a":1}`)},
		{Key: "2025-03-15|-125:2136|MWL", Date: "2025-03-15", Cell: "-125:2136", Convention: "MWL", Payload: []byte(`{"a":2}`)},
		{Key: "2025-03-16|-125:2136|MWL", Date: "2025-03-16", Cell: "-125:2136", Convention: "MWL", Payload: []byte(`{"a":3}`)},
	}
	for _, r := range recs {
		if err := s.PutTimetable(ctx, r); err != nil {
			t.Fatalf("PutTimetable: %v", err)
		}
	}
	got, err := s.ListTimetables(ctx, "2025-03-15")
	if err != nil || len(got) != 2 {
		t.Fatalf("ListTimetables = %d, %v; want 2", len(got), err)
	}
	if got[0].Convention != "Kemenag" || string(got[1].Payload) != `{"a":2}` {
		t.Fatalf("unexpected records: %+v", got)
	}

	if err := s.DeleteTimetables(ctx, recs[0].Key); err != nil {
		t.Fatalf("DeleteTimetables: %v", err)
	}
	if got, _ := s.ListTimetables(ctx, "2025-03-15"); len(got) != 1 {
		t.Fatalf("after delete: %d records", len(got))
	}

	at := time.Date(2025, 3, 15, 5, 0, 0, 0, time.UTC)
	if err := s.SetCompleted(ctx, "2025-03-15", "fajr", true, at); err != nil {
		t.Fatalf("SetCompleted: %v", err)
	}
	if err := s.SetCompleted(ctx, "2025-03-15", "dhuhr", true, at); err != nil {
		t.Fatalf("SetCompleted: %v", err)
	}
	if err := s.SetCompleted(ctx, "2025-03-15", "dhuhr", false, at); err != nil {
		t.Fatalf("SetCompleted undo: %v", err)
	}
	done, err := s.ListCompleted(ctx, "2025-03-15")
	if err != nil || len(done) != 1 || !done["fajr"].Equal(at) {
		t.Fatalf("ListCompleted = %v, %v", done, err)
	}

	if err := s.PruneTimetables(ctx, "2025-03-16"); err != nil {
		t.Fatalf("PruneTimetables: %v", err)
	}
	if got, _ := s.ListTimetables(ctx, "2025-03-15"); len(got) != 0 {
		t.Fatalf("after prune: %d records", len(got))
	}
	if got, _ := s.ListTimetables(ctx, "2025-03-16"); len(got) != 1 {
		t.Fatalf("prune removed a later day")
	}
	if done, _ := s.ListCompleted(ctx, "2025-03-15"); len(done) != 0 {
		t.Fatalf("prune kept completions: %v", done)
	}

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if u, ok, err := s.GetDedup(ctx, "k"); err != nil || !ok || !u.Equal(until) {
		t.Fatalf("GetDedup = %v %v %v", u, ok, err)
	}
	if _, ok, _ := s.GetDedup(ctx, "missing"); ok {
		t.Fatalf("GetDedup(missing) ok")
	}

	if err := s.PutState(ctx, "location", []byte(`{"lat":1}`)); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if v, ok, err := s.GetState(ctx, "location"); err != nil || !ok || string(v) != `{"lat":1}` {
		t.Fatalf("GetState = %q %v %v", v, ok, err)
	}
	if err := s.AppendAudit(ctx, AuditEntry{Actor: "system", Action: "refresh"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ListTimetables(context.Background(), "2025-03-16"); err != ErrClosed {
		t.Fatalf("after close err = %v, want ErrClosed", err)
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := Config{Driver: "file", Path: path}

	s, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, s)
	// Leave the journal un-compacted to exercise replay.
	fs := s.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	_ = fs.audit.Close()
	fs.journal, fs.audit, fs.closed = nil, nil, true
	fs.mu.Unlock()

	s2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ctx := context.Background()
	if got, _ := s2.ListTimetables(ctx, "2025-03-16"); len(got) != 1 {
		t.Fatalf("replayed timetables = %d, want 1", len(got))
	}
	if v, ok, _ := s2.GetState(ctx, "location"); !ok || string(v) != `{"lat":1}` {
		t.Fatalf("replayed state = %q %v", v, ok)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close compacts into the snapshot; a third open reads it back.
	s3, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after compact: %v", err)
	}
	defer s3.Close()
	if _, ok, _ := s3.GetDedup(ctx, "k"); !ok {
		t.Fatalf("dedup lost across snapshot")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "adzan.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "off"} {
		s, err := Open(Config{Driver: d}, logx.Logger{})
		if s != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want disabled", d, s, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path accepted")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("redis driver without address accepted")
	}
}

func TestRedisKeys(t *testing.T) {
	t.Parallel()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	tests := []struct {
		prefix string
		want   string
	}{
		{"", "adzanbot:tt:2025-03-15|x|MWL"},
		{"bot:", "bot:tt:2025-03-15|x|MWL"},
		{" home ", "home:tt:2025-03-15|x|MWL"},
	}
	for _, tc := range tests {
		s := newRedisStore(rdb, tc.prefix, logx.Nop())
		if got := s.key("tt", "2025-03-15|x|MWL"); got != tc.want {
			t.Fatalf("key(prefix=%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}
