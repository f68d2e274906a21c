package notifier

import (
	"errors"
	"time"
)

var (
	ErrDisabled       = errors.New("notifier disabled")
	ErrQueueFull      = errors.New("notifier queue full")
	ErrStopped        = errors.New("notifier stopped")
	ErrUnknownChannel = errors.New("notifier: unknown channel")
)

type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int // shared by every channel; burst equals the rate
	RetryMax   int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses a repeat of the same notification. 0 disables.
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps dedup entries in storage across restarts.
	PersistDedup bool
}

func (c Config) withDefaults() Config {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.Workers, 2)
	def(&c.QueueSize, 128)
	def(&c.RatePerSec, 3)
	def(&c.DedupMaxEntries, 2000)
	c.RetryMax = max(c.RetryMax, 0)
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Delivery records what happened to one notification. It is both the
// History entry and the payload of notifier.* bus events.
type Delivery struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Key      string    `json:"key"`
	Prayer   string    `json:"prayer,omitempty"`
	Text     string    `json:"-"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}
