package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	forwardQueue   = 64
	forwardTimeout = 10 * time.Second
	maxChatText    = 3500
)

// Forwarder delivers one rendered log line, typically to an owner chat.
type Forwarder func(ctx context.Context, text string) error

// forwarder is a zerolog.LevelWriter that never blocks logging: lines over
// the rate limit or beyond a full queue are dropped.
type forwarder struct {
	mu      sync.Mutex
	sink    Forwarder
	min     zerolog.Level
	lim     *rate.Limiter
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	lines   chan string
}

func newForwarder() *forwarder {
	return &forwarder{lines: make(chan string, forwardQueue), min: zerolog.WarnLevel}
}

func (f *forwarder) setSink(fn Forwarder) {
	f.mu.Lock()
	f.sink = fn
	f.mu.Unlock()
}

func (f *forwarder) configure(cfg ForwardConfig) {
	rps := max(cfg.RatePerSec, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	f.lim = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled || f.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.started, f.cancel, f.done = true, cancel, make(chan struct{})
	go f.run(ctx, f.done)
}

func (f *forwarder) stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *forwarder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-f.lines:
			f.mu.Lock()
			sink := f.sink
			f.mu.Unlock()
			if sink == nil {
				continue
			}
			c, cancel := context.WithTimeout(ctx, forwardTimeout)
			_ = sink(c, line)
			cancel()
		}
	}
}

func (f *forwarder) Write(p []byte) (int, error) { return f.WriteLevel(zerolog.NoLevel, p) }

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	ok := f.sink != nil && f.lim != nil && level >= f.min && level != zerolog.NoLevel
	lim := f.lim
	f.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	if text := FormatLine(p); text != "" {
		select {
		case f.lines <- text:
		default:
		}
	}
	return len(p), nil
}

// FormatLine turns a JSON log line into chat text: "[LEVEL] message", then
// "- key=value" per remaining field in key order, with any stack last.
// Input that is not JSON comes back trimmed.
func FormatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if json.Unmarshal([]byte(raw), &m) != nil {
		return clip(raw, maxChatText)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	stack, hasStack := m["stack"]
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "stack"} {
		delete(m, k)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), 600))
	}
	if hasStack {
		fmt.Fprintf(&b, "\n- stack=\n%s", clip(fmt.Sprint(stack), 900))
	}
	return clip(b.String(), maxChatText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
