package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"adzanbot/internal/eventbus"
	rtsup "adzanbot/internal/runtime/supervisor"
	"adzanbot/pkg/logx"
)

const (
	TopicTaskStarted  = "task.started"
	TopicTaskFinished = "task.finished"
	TopicTaskFailed   = "task.failed"
	TopicTaskSkipped  = "task.skipped"
	TopicTaskDropped  = "task.dropped"
)

// dropWarnGap rate-limits the queue-full and stale warnings.
const dropWarnGap = 5 * time.Second

// Service is a bounded worker pool with per-task retries. Every run ends up
// as a Record in a small history ring and as an event on the bus.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	q       chan pending
	sup     *rtsup.Supervisor
	closing chan struct{}

	// active counts queued plus running tasks per name for the overlap gate.
	gateMu sync.Mutex
	active map[string]int

	ringMu sync.Mutex
	ring   []Record

	inFlight  atomic.Int32
	seq       atomic.Uint64
	fullDrops atomic.Uint64
	stale     atomic.Uint64
	expired   atomic.Uint64
	warnedAt  atomic.Int64
}

type pending struct {
	task    Task
	queued  time.Time
	timeout time.Duration
	opt     TaskOptions
	gated   bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		active: map[string]int{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) running() bool { return s.closing != nil }

// Apply installs cfg. Resizing the pool restarts the workers and loses
// whatever was still queued.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old, live := s.cfg, s.running()
	s.cfg = cfg
	s.mu.Unlock()

	resized := old.Workers != cfg.Workers || old.QueueSize != cfg.QueueSize
	if live && (!cfg.Enabled || resized) {
		s.Stop(ctx)
		live = false
	}
	if !live && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start launches the workers under a supervisor. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.running() {
		return
	}
	n, size := s.cfg.Workers, s.cfg.QueueSize
	q, closing := make(chan pending, size), make(chan struct{})
	s.q, s.closing = q, closing
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	for i := range n {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, closing, q)
			select {
			case <-closing:
				return nil
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker returned early")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", n), logx.Int("queue", size))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running() {
		s.mu.Unlock()
		return
	}
	close(s.closing)
	sup := s.sup
	s.q, s.closing, s.sup = nil, nil, nil
	s.mu.Unlock()

	err := sup.Stop(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue hands t to the pool without waiting. A full queue returns
// ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.admit(context.Background(), t, false)
}

// Submit waits for queue space until ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.admit(ctx, t, true)
}

func (s *Service) admit(ctx context.Context, t Task, wait bool) error {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.Run == nil:
		return errors.New("engine: task has no Run func")
	case t.Name == "":
		return errors.New("engine: task needs a name")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("t%d.%d", now.UnixMilli(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, q, closing := s.cfg, s.q, s.closing
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	if !t.NotAfter.IsZero() && now.After(t.NotAfter) {
		s.expire(t, now, cfg.HistorySize)
		return ErrExpired
	}

	p := pending{task: t, queued: now, timeout: t.Timeout, opt: cfg.options(t.Opt)}
	if p.timeout <= 0 {
		p.timeout = cfg.DefaultTimeout
	}
	if p.opt.Overlap == OverlapSkipIfRunning {
		if !s.acquire(t.Name) {
			s.publish(TopicTaskSkipped, Record{ID: t.ID, Name: t.Name, Started: now, Outcome: OutcomeSkipped})
			s.log.Debug("task skipped, still pending", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		p.gated = true
	}

	if wait {
		select {
		case q <- p:
			return nil
		case <-ctx.Done():
			s.release(p)
			return ctx.Err()
		case <-closing:
			s.release(p)
			return ErrStopped
		}
	}
	select {
	case q <- p:
		return nil
	default:
	}
	s.release(p)
	s.fullDrops.Add(1)
	s.publish(TopicTaskDropped, Record{ID: t.ID, Name: t.Name, Started: now, Outcome: OutcomeDropped, Error: ErrQueueFull.Error()})
	if s.warnNow(now) {
		s.log.Warn("task dropped, queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
	}
	return ErrQueueFull
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.fullDrops.Load(),
		DroppedStale:     s.stale.Load(),
		Expired:          s.expired.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.ringMu.Lock()
	snap.History = append([]Record(nil), s.ring...)
	s.ringMu.Unlock()
	return snap
}

func (s *Service) acquire(name string) bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.active[name] > 0 {
		return false
	}
	s.active[name]++
	return true
}

func (s *Service) release(p pending) {
	if !p.gated {
		return
	}
	s.gateMu.Lock()
	if s.active[p.task.Name] <= 1 {
		delete(s.active, p.task.Name)
	} else {
		s.active[p.task.Name]--
	}
	s.gateMu.Unlock()
}

func (s *Service) expire(t Task, now time.Time, keep int) {
	s.expired.Add(1)
	rec := Record{ID: t.ID, Name: t.Name, Started: now, Outcome: OutcomeExpired, Error: ErrExpired.Error()}
	s.publish(TopicTaskDropped, rec)
	s.remember(rec, keep)
	s.log.Info("task expired", logx.String("task", t.Name), logx.Time("not_after", t.NotAfter))
}

func (s *Service) remember(r Record, keep int) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	s.ring = append(s.ring, r)
	if over := len(s.ring) - keep; over > 0 {
		s.ring = append(s.ring[:0:0], s.ring[over:]...)
	}
}

func (s *Service) publish(topic string, r Record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: time.Now(), Data: r})
}

func (s *Service) warnNow(now time.Time) bool {
	last := s.warnedAt.Load()
	if last != 0 && now.UnixNano()-last < int64(dropWarnGap) {
		return false
	}
	return s.warnedAt.CompareAndSwap(last, now.UnixNano())
}
