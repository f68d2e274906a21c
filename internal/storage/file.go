package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"adzanbot/pkg/logx"
)

const compactEvery = 500

// fileStore keeps all state in memory and makes it durable with
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (one op per line since the snapshot)
//   - <prefix>.audit.jsonl   (append-only)
//
// With no files it is the "memory" driver.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	closed  bool
	st      state
	writes  int
	snap    string
	journal *os.File
	audit   *os.File
}

type state struct {
	Timetables map[string]TimetableRecord `json:"timetables"`
	Completed  map[string]map[string]int64 `json:"completed"` // day -> prayer -> unix ms
	Dedup      map[string]int64            `json:"dedup"`     // key -> until unix ms
	KV         map[string][]byte           `json:"kv"`
}

func newState() state {
	return state{
		Timetables: map[string]TimetableRecord{},
		Completed:  map[string]map[string]int64{},
		Dedup:      map[string]int64{},
		KV:         map[string][]byte{},
	}
}

// op is one journal line.
type op struct {
	Kind      string           `json:"op"`
	Timetable *TimetableRecord `json:"timetable,omitempty"`
	Keys      []string         `json:"keys,omitempty"`
	Day       string           `json:"day,omitempty"`
	Prayer    string           `json:"prayer,omitempty"`
	Done      bool             `json:"done,omitempty"`
	At        int64            `json:"at,omitempty"`
	Key       string           `json:"key,omitempty"`
	Value     []byte           `json:"value,omitempty"`
}

func (s *state) apply(o op) {
	switch o.Kind {
	case "tt.put":
		if o.Timetable != nil {
			s.Timetables[o.Timetable.Key] = *o.Timetable
		}
	case "tt.del":
		for _, k := range o.Keys {
			delete(s.Timetables, k)
		}
	case "tt.prune":
		for k, r := range s.Timetables {
			if r.Date < o.Day {
				delete(s.Timetables, k)
			}
		}
		for day := range s.Completed {
			if day < o.Day {
				delete(s.Completed, day)
			}
		}
	case "done":
		m := s.Completed[o.Day]
		if o.Done {
			if m == nil {
				m = map[string]int64{}
				s.Completed[o.Day] = m
			}
			m[o.Prayer] = o.At
		} else if m != nil {
			delete(m, o.Prayer)
			if len(m) == 0 {
				delete(s.Completed, o.Day)
			}
		}
	case "dedup":
		s.Dedup[o.Key] = o.At
	case "kv":
		s.KV[o.Key] = o.Value
	}
}

func (s *state) pruneDedup(now time.Time) {
	ms := now.UnixMilli()
	for k, v := range s.Dedup {
		if v < ms {
			delete(s.Dedup, k)
		}
	}
}

// NewMemory returns a store that lives in process memory only.
func NewMemory() Store {
	return &fileStore{log: logx.Nop(), st: newState()}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, st: newState(), snap: prefix + ".snapshot.json"}
	if err := loadSnapshot(s.snap, &s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.String("path", s.snap), logx.Err(err))
	}
	journalPath := prefix + ".journal.jsonl"
	if err := replayJournal(journalPath, &s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}
	s.st.pruneDedup(time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal, s.audit = jf, af
	return s, nil
}

func loadSnapshot(path string, out *state) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	loaded := newState()
	if err := json.Unmarshal(b, &loaded); err != nil {
		return err
	}
	// Nil maps in an older snapshot stay usable.
	fresh := newState()
	if loaded.Timetables == nil {
		loaded.Timetables = fresh.Timetables
	}
	if loaded.Completed == nil {
		loaded.Completed = fresh.Completed
	}
	if loaded.Dedup == nil {
		loaded.Dedup = fresh.Dedup
	}
	if loaded.KV == nil {
		loaded.KV = fresh.KV
	}
	*out = loaded
	return nil
}

func replayJournal(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var o op
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			// A torn last line after a crash is expected.
			continue
		}
		st.apply(o)
	}
	return sc.Err()
}

// commitLocked applies o and journals it. Callers hold s.mu.
func (s *fileStore) commitLocked(o op) error {
	if s.closed {
		return ErrClosed
	}
	s.st.apply(o)
	if s.journal == nil {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(o); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.st.pruneDedup(time.Now())
	tmp := s.snap + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snap); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutTimetable(_ context.Context, rec TimetableRecord) error {
	if rec.Key == "" {
		return errors.New("timetable key required")
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(op{Kind: "tt.put", Timetable: &rec})
}

func (s *fileStore) ListTimetables(_ context.Context, date string) ([]TimetableRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []TimetableRecord
	for _, r := range s.st.Timetables {
		if r.Date == date {
			r.Payload = append([]byte(nil), r.Payload...)
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(rs []TimetableRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Key < rs[j].Key })
}

func (s *fileStore) DeleteTimetables(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(op{Kind: "tt.del", Keys: keys})
}

func (s *fileStore) PruneTimetables(_ context.Context, before string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(op{Kind: "tt.prune", Day: before})
}

func (s *fileStore) SetCompleted(_ context.Context, day, prayer string, done bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(op{Kind: "done", Day: day, Prayer: prayer, Done: done, At: at.UnixMilli()})
}

func (s *fileStore) ListCompleted(_ context.Context, day string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]time.Time, len(s.st.Completed[day]))
	for p, ms := range s.st.Completed[day] {
		out[p] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(op{Kind: "dedup", Key: key, At: until.UnixMilli()})
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.st.Dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutState(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(op{Kind: "kv", Key: key, Value: append([]byte(nil), value...)})
}

func (s *fileStore) GetState(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.st.KV[key]
	return append([]byte(nil), v...), ok, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.audit == nil {
		return nil
	}
	return json.NewEncoder(s.audit).Encode(e)
}
