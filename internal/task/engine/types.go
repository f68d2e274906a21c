package engine

import (
	"context"
	"time"
)

const (
	defaultWorkers       = 2
	defaultQueueSize     = 64
	defaultHistorySize   = 100
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
	defaultRetryJitter   = 0.2
)

// Config sizes the worker pool. Triggers live in the scheduler.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int
	// DefaultTimeout bounds a task whose own Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited longer than this. 0 disables.
	MaxQueueDelay time.Duration
	HistorySize   int
	RetryMax      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	c.RetryMax = max(c.RetryMax, 0)
	return c
}

type OverlapPolicy uint8

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning refuses a task while another run with the same
	// name is queued or executing.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy
	// RetryMax < 0 disables retries; 0 takes Config.RetryMax.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%
}

// options fills o's zero fields from c.
func (c Config) options(o TaskOptions) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = c.RetryMax
	}
	o.RetryMax = max(o.RetryMax, 0)
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = defaultRetryJitter
	}
	if o.Overlap > OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// Task is one unit of work. A non-zero NotAfter drops the task, and any
// retry, that would start after that instant.
type Task struct {
	ID       string
	Name     string
	Timeout  time.Duration
	NotAfter time.Time
	Run      func(ctx context.Context) error
	Opt      TaskOptions
}

const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeDropped = "dropped"
	OutcomeExpired = "expired"
)

// Record describes one run. It is kept in the history ring and published
// as event data.
type Record struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Expired          uint64 `json:"expired"`

	History []Record `json:"history"`
}
