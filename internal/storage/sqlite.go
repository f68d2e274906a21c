package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"adzanbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutTimetable(ctx context.Context, rec TimetableRecord) error {
	if rec.Key == "" {
		return errors.New("timetable key required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO timetables(key, date, cell, convention, payload, created_at)
		 VALUES(:key, :date, :cell, :convention, :payload, :created_at)
		 ON CONFLICT(key) DO UPDATE SET
		   date=excluded.date, cell=excluded.cell, convention=excluded.convention,
		   payload=excluded.payload, created_at=excluded.created_at`,
		toRow(rec),
	)
	return err
}

func (s *sqliteStore) ListTimetables(ctx context.Context, date string) ([]TimetableRecord, error) {
	var rows []timetableRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, date, cell, convention, payload, created_at
		 FROM timetables WHERE date = ? ORDER BY key`, date)
	if err != nil {
		return nil, err
	}
	out := make([]TimetableRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// timetableRow stores created_at as unix milliseconds.
type timetableRow struct {
	Key        string `db:"key"`
	Date       string `db:"date"`
	Cell       string `db:"cell"`
	Convention string `db:"convention"`
	Payload    []byte `db:"payload"`
	CreatedAt  int64  `db:"created_at"`
}

func toRow(r TimetableRecord) timetableRow {
	return timetableRow{
		Key: r.Key, Date: r.Date, Cell: r.Cell, Convention: r.Convention,
		Payload: r.Payload, CreatedAt: r.CreatedAt.UnixMilli(),
	}
}

func (r timetableRow) record() TimetableRecord {
	return TimetableRecord{
		Key: r.Key, Date: r.Date, Cell: r.Cell, Convention: r.Convention,
		Payload: r.Payload, CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}

func (s *sqliteStore) DeleteTimetables(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM timetables WHERE key IN (?)`, keys)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	return err
}

func (s *sqliteStore) PruneTimetables(ctx context.Context, before string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM timetables WHERE date < ?`, before); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM completed WHERE day < ?`, before); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetCompleted(ctx context.Context, day, prayer string, done bool, at time.Time) error {
	if !done {
		_, err := s.db.ExecContext(ctx, `DELETE FROM completed WHERE day = ? AND prayer = ?`, day, prayer)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completed(day, prayer, at) VALUES(?,?,?)
		 ON CONFLICT(day, prayer) DO UPDATE SET at=excluded.at`,
		day, prayer, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListCompleted(ctx context.Context, day string) (map[string]time.Time, error) {
	var rows []struct {
		Prayer string `db:"prayer"`
		At     int64  `db:"at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT prayer, at FROM completed WHERE day = ?`, day); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Prayer] = time.UnixMilli(r.At)
	}
	return out, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.GetContext(ctx, &ms, `SELECT until FROM dedup WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) PutState(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) GetState(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.GetContext(ctx, &v, `SELECT value FROM state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, err, meta) VALUES(?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Actor, e.Action,
		nullStr(e.Target), nullStr(e.Error), nullStr(e.Meta),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
