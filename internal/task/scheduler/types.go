package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"adzanbot/internal/task/engine"
	"adzanbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA, e.g. "Asia/Jakarta"
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every <d>"
	timeout time.Duration
	job     Job
	opt     TaskOptions
	entryID cron.EntryID
}

// onceDef survives Stop so Start can re-arm it. ver guards against a timer
// that fires after being replaced. A positive grace lets the engine drop the
// run once at+grace has passed.
type onceDef struct {
	at      time.Time
	grace   time.Duration
	timeout time.Duration
	job     Job
	ver     uint64
	timer   *time.Timer
}

func (d *onceDef) deadline() time.Time {
	if d.grace <= 0 {
		return time.Time{}
	}
	return d.at.Add(d.grace)
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine *engine.Service
	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	tmu  sync.Mutex
	once map[string]*onceDef
	ver  uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// ScheduleInfo describes a recurring trigger. Next and Prev are zero while
// the scheduler is stopped.
type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

// OnceInfo is a pending one-shot, usually an alert.
type OnceInfo struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	Once      []OnceInfo     `json:"once"`
}
