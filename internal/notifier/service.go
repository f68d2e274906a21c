package notifier

import (
	"context"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"adzanbot/internal/eventbus"
	rtsup "adzanbot/internal/runtime/supervisor"
	"adzanbot/internal/storage"
	"adzanbot/internal/transport"
	"adzanbot/pkg/logx"
)

const (
	sendTimeout = 10 * time.Second
	keepHistory = 300
)

type queued struct {
	n   transport.Notification
	key string
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	cfg     Config
	limiter *rate.Limiter
	senders map[string]transport.Sender

	// open is false once Stop begins; inflight tracks Notify calls that
	// passed the check and may still write to q.
	open     bool
	inflight sync.WaitGroup
	q        chan queued
	persist  chan dedupEntry
	sup      *rtsup.Supervisor

	seen *seenSet

	histMu sync.Mutex
	hist   []Delivery
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		senders: map[string]transport.Sender{},
		seen:    newSeenSet(),
	}
	s.setConfig(cfg)
	return s
}

// Register binds snd to channel. A nil sender removes the channel.
func (s *Service) Register(channel string, snd transport.Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snd == nil {
		delete(s.senders, channel)
	} else {
		s.senders[channel] = snd
	}
}

// Channels returns the registered channel names, sorted.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.senders))
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply changes limits immediately. Workers and QueueSize wait for the next
// Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.setConfig(cfg)
	s.mu.Unlock()
}

func (s *Service) setConfig(cfg Config) {
	s.cfg = cfg.withDefaults()
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// Start launches the workers. It does nothing when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.q != nil {
		return
	}
	cfg := s.cfg
	q := make(chan queued, cfg.QueueSize)
	s.q, s.open = q, true
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	if cfg.PersistDedup && s.store != nil {
		in, st := make(chan dedupEntry, 256), s.store
		s.persist = in
		s.sup.Go0("dedup.persist", func(c context.Context) { s.persistLoop(c, in, st) })
	}
	for i := range cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, q)
			return c.Err()
		})
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new notifications, then lets workers finish the queue until
// ctx ends. Whatever is still queued at that point is abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.q == nil || !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	q, persist, sup := s.q, s.persist, s.sup
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.inflight.Wait()
		close(q)
		if persist != nil {
			close(persist)
		}
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q, s.persist, s.sup = nil, nil, nil
		s.mu.Unlock()
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		sup.Cancel()
		<-drained
	}
	s.log.Info("notifier stopped")
}

// Notify queues n for delivery. A duplicate inside the dedup window is
// accepted and dropped, returning nil.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	_, known := s.senders[n.Channel]
	cfg, q, persist, open := s.cfg, s.q, s.persist, s.open && s.q != nil
	if cfg.Enabled && open && known {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case !open:
		return ErrStopped
	case !known:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)
	}
	defer s.inflight.Done()

	key := dedupKey(n)
	d := delivery(n, key)
	if cfg.DedupWindow > 0 && !s.admit(ctx, key, cfg, persist) {
		s.publish(eventbus.NotifierDeduped, d)
		return nil
	}
	select {
	case q <- queued{n: n, key: key}:
		s.publish(eventbus.NotifierQueued, d)
		return nil
	default:
		d.Error = ErrQueueFull.Error()
		s.publish(eventbus.NotifierDropped, d)
		return ErrQueueFull
	}
}

// History returns the most recent deliveries, oldest first.
func (s *Service) History() []Delivery {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return slices.Clone(s.hist)
}

func (s *Service) record(d Delivery) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.hist = append(s.hist, d)
	if n := len(s.hist) - keepHistory; n > 0 {
		s.hist = slices.Delete(s.hist, 0, n)
	}
}

func (s *Service) publish(topic string, d Delivery) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: time.Now(), Data: d})
}

func delivery(n transport.Notification, key string) Delivery {
	return Delivery{Channel: n.Channel, ChatID: n.Target.ChatID, Key: key, Prayer: n.Prayer, Text: n.Text, At: time.Now()}
}

func (s *Service) drain(ctx context.Context, q <-chan queued) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j, rng)
		}
	}
}

// deliver sends j, retrying with backoff. Each attempt waits for a rate
// limiter token first.
func (s *Service) deliver(ctx context.Context, j queued, rng *rand.Rand) {
	s.mu.Lock()
	cfg, lim, snd := s.cfg, s.limiter, s.senders[j.n.Channel]
	s.mu.Unlock()

	d := delivery(j.n, j.key)
	if snd == nil {
		d.Error = ErrUnknownChannel.Error()
		s.publish(eventbus.NotifierFailed, d)
		return
	}
	var err error
	for d.Attempts < 1+cfg.RetryMax {
		if d.Attempts > 0 {
			t := time.NewTimer(retryDelay(cfg, d.Attempts, rng))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		if lim.Wait(ctx) != nil {
			return
		}
		d.Attempts++
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = snd.Send(sctx, j.n)
		cancel()
		if err == nil {
			d.At = time.Now()
			s.record(d)
			s.publish(eventbus.NotifierSent, d)
			return
		}
		s.log.Debug("send attempt failed", logx.String("channel", d.Channel), logx.Int("attempt", d.Attempts), logx.Err(err))
	}
	s.log.Warn("notification failed", logx.String("channel", d.Channel), logx.String("key", d.Key), logx.Int("attempts", d.Attempts), logx.Err(err))
	d.At, d.Error = time.Now(), err.Error()
	s.record(d)
	s.publish(eventbus.NotifierFailed, d)
}

// retryDelay is RetryBase doubled per earlier attempt, capped at
// RetryMaxDelay, then scaled by a 0.7..1.3 jitter when rng is set.
func retryDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for range max(attempt-1, 0) {
		if d >= cfg.RetryMaxDelay {
			break
		}
		d *= 2
	}
	if rng != nil {
		d = time.Duration(float64(d) * (0.7 + 0.6*rng.Float64()))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
