package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"adzanbot/pkg/logx"
)

const (
	reloadQuiet     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// errUnchanged marks a reload whose file decodes to the committed config.
var errUnchanged = errors.New("config unchanged")

// ConfigManager holds the committed config and fans validated reloads out
// to subscribers.
type ConfigManager struct {
	path string
	env  func(string) (string, bool)
	log  logx.Logger

	mu     sync.RWMutex
	cfg    *Config
	digest string

	subsMu sync.Mutex
	subs   []chan *Config

	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, env: os.LookupEnv}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that a reloaded config must pass, after
// Validate, before it is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse decodes the file (YAML or JSON) rejecting unknown keys, then
// overlays secrets from the environment.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return m.decode(raw)
}

func (m *ConfigManager) decode(raw []byte) (*Config, error) {
	jb, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
	case err == nil:
		return nil, errors.New("invalid config: more than one document")
	default:
		return nil, err
	}
	applyEnv(cfg, m.env)
	return cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	d := Digest(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every published config. When
// the buffer is full the oldest pending config is replaced.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe detaches and closes ch.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 && ch != nil {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update lost, subscriber busy", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting one stale entry if ch is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// next parses and checks the file, returning errUnchanged when it matches
// the committed config.
func (m *ConfigManager) next(ctx context.Context) (*Config, string, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, "", fmt.Errorf("parse: %w", err)
	}
	d := Digest(cfg)
	m.mu.RLock()
	same := d != "" && d == m.digest
	m.mu.RUnlock()
	if same {
		return nil, d, errUnchanged
	}
	if err := Validate(cfg); err != nil {
		return nil, d, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		defer cancel()
		if err := m.validator(vctx, cfg); err != nil {
			return nil, d, err
		}
	}
	return cfg, d, nil
}

// reload commits and publishes the file if it changed and passes every
// check. It reports whether subscribers were notified.
func (m *ConfigManager) reload(ctx context.Context) bool {
	cfg, d, err := m.next(ctx)
	switch {
	case errors.Is(err, errUnchanged):
		m.log.Debug("config file saved without changes", logx.String("path", m.path))
		return false
	case err != nil:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return false
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config file reloaded", logx.String("path", m.path), logx.String("digest", d))
	return true
}

// Watch follows the config file until ctx ends, reloading once writes have
// been quiet for reloadQuiet. A broken watcher is recreated with jittered
// exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	delay := rewatchMin
	for {
		ok, err := m.watchOnce(ctx, dir, file)
		if ctx.Err() != nil {
			return nil
		}
		if ok {
			delay = rewatchMin
		}
		wait := delay + time.Duration(rng.Int63n(int64(delay)/2+1))
		m.log.Warn("config watcher broke, restarting", logx.String("dir", dir), logx.Err(err), logx.Duration("in", wait))
		delay = min(2*delay, rewatchMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher on dir until ctx ends or the watcher
// fails. ok reports that the watcher got as far as receiving events.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string) (ok bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()
	// The directory is watched because editors replace the file by rename.
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", file))

	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-quiet.C:
			m.reload(ctx)
		case ev, open := <-w.Events:
			if !open {
				return true, errors.New("watcher events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				quiet.Reset(reloadQuiet)
			}
		case werr, open := <-w.Errors:
			if !open {
				return true, errors.New("watcher errors closed")
			}
			switch {
			case werr == nil:
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				m.log.Warn("config watcher overflowed, reloading", logx.Err(werr))
				quiet.Reset(reloadQuiet)
			case errors.Is(werr, fsnotify.ErrClosed):
				return true, werr
			default:
				m.log.Warn("config watcher error", logx.String("dir", dir), logx.Err(werr))
			}
		}
	}
}
