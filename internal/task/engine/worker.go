package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"adzanbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, closing <-chan struct{}, q <-chan pending) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-closing:
			return
		case p := <-q:
			s.inFlight.Add(1)
			s.execute(ctx, closing, p, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, closing <-chan struct{}, p pending, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := p.task
	start := time.Now()
	wait := max(start.Sub(p.queued), 0)
	rec := Record{ID: t.ID, Name: t.Name, Started: start, QueueDelay: wait}

	if !t.NotAfter.IsZero() && start.After(t.NotAfter) {
		s.release(p)
		s.expire(t, start, cfg.HistorySize)
		return
	}
	if cfg.MaxQueueDelay > 0 && wait > cfg.MaxQueueDelay {
		s.release(p)
		s.stale.Add(1)
		rec.Outcome, rec.Error = OutcomeDropped, "queued too long"
		s.publish(TopicTaskDropped, rec)
		s.remember(rec, cfg.HistorySize)
		if s.warnNow(start) {
			s.log.Warn("task dropped, queued too long", logx.String("task", t.Name), logx.Duration("queue_delay", wait))
		}
		return
	}

	s.publish(TopicTaskStarted, rec)
	err := s.attempts(ctx, closing, p, rng, &rec.Attempts)
	rec.Duration = time.Since(start)
	s.release(p)

	log := s.log.With(logx.String("task", t.Name), logx.Int("attempts", rec.Attempts), logx.Duration("dur", rec.Duration))
	switch {
	case err == nil:
		rec.Outcome = OutcomeOK
		log.Debug("task done", logx.Duration("queue_delay", wait))
		s.publish(TopicTaskFinished, rec)
	default:
		rec.Outcome, rec.Error = OutcomeFailed, err.Error()
		log.Warn("task failed", logx.Err(err))
		s.publish(TopicTaskFailed, rec)
	}
	s.remember(rec, cfg.HistorySize)
}

// attempts runs p until it succeeds, runs out of retries, returns a NoRetry
// error, or the next retry would start after p's NotAfter.
func (s *Service) attempts(ctx context.Context, closing <-chan struct{}, p pending, rng *rand.Rand, n *int) error {
	for {
		*n++
		err := s.call(ctx, p)
		if err == nil || IsNoRetry(err) || *n > p.opt.RetryMax {
			return err
		}
		delay := backoffDelay(p.opt, *n, rng)
		if na := p.task.NotAfter; !na.IsZero() && time.Now().Add(delay).After(na) {
			return fmt.Errorf("%w after %d attempts: %w", ErrExpired, *n, err)
		}
		s.log.Debug("task retry", logx.String("task", p.task.Name), logx.Int("next", *n+1), logx.Duration("in", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-closing:
			tmr.Stop()
			return ErrStopped
		case <-tmr.C:
		}
	}
}

// call runs one attempt. A panic becomes an error and the worker survives.
func (s *Service) call(ctx context.Context, p pending) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("panic: %v", r)
		s.log.Error("task panicked", logx.String("task", p.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
	}()
	return p.task.Run(ctx)
}

// backoffDelay doubles RetryBase per retry, applies jitter and caps the
// result at RetryMaxDelay.
func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for range max(retry-1, 0) {
		if d >= opt.RetryMaxDelay {
			break
		}
		d *= 2
	}
	if rng != nil && opt.RetryJitter > 0 {
		d = time.Duration(float64(d) * (1 + opt.RetryJitter*(2*rng.Float64()-1)))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
