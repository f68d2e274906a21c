package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": journal + snapshot files next to Path
//   - "sqlite": SQLite database at Path
//   - "redis": Redis at RedisAddr, keys under KeyPrefix
//   - "memory": process memory only
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// Store is the persistence API used by the services.
type Store interface {
	// PutTimetable inserts or replaces the record with the same Key.
	PutTimetable(ctx context.Context, rec TimetableRecord) error
	// ListTimetables returns the records of one calendar day ("2006-01-02").
	ListTimetables(ctx context.Context, date string) ([]TimetableRecord, error)
	// DeleteTimetables removes records whose Key matches keys.
	DeleteTimetables(ctx context.Context, keys ...string) error
	// PruneTimetables removes records dated strictly before date.
	PruneTimetables(ctx context.Context, before string) error

	SetCompleted(ctx context.Context, day, prayer string, done bool, at time.Time) error
	ListCompleted(ctx context.Context, day string) (map[string]time.Time, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	PutState(ctx context.Context, key string, value []byte) error
	GetState(ctx context.Context, key string) (value []byte, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}

// TimetableRecord is one persisted cache entry. Payload is opaque JSON owned
// by the cache.
type TimetableRecord struct {
	Key        string    `json:"key"`
	Date       string    `json:"date"`
	Cell       string    `json:"cell"`
	Convention string    `json:"convention"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEntry records a user action (mark completed, location update,
// manual refresh).
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"` // "http", "telegram:<id>", "system"
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	Error  string    `json:"error,omitempty"`
	Meta   string    `json:"meta,omitempty"`
}
