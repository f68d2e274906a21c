// Package location acquires the device location with a bounded wait and
// keeps the last known fix.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"adzanbot/internal/eventbus"
	"adzanbot/internal/storage"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

var ErrLocationUnavailable = errors.New("location unavailable")

const (
	stateKey       = "location.last"
	defaultTimeout = 5 * time.Second
)

// Reading is one location fix.
type Reading struct {
	Coords prayertime.Coordinates `json:"coords"`
	Name   string                 `json:"name,omitempty"`
	Source string                 `json:"source"` // "config", "pushed", "store"
	At     time.Time              `json:"at"`
}

// Provider yields the current location. Implementations may block; the
// Manager bounds the wait.
type Provider interface {
	Current(ctx context.Context) (Reading, error)
}

type ProviderFunc func(ctx context.Context) (Reading, error)

func (f ProviderFunc) Current(ctx context.Context) (Reading, error) { return f(ctx) }

// Static always returns the same reading.
type Static struct{ R Reading }

func (s Static) Current(context.Context) (Reading, error) { return s.R, nil }

// Pushed returns the latest reading handed to Set, typically from the UI or
// a shared chat location.
type Pushed struct {
	mu sync.RWMutex
	r  Reading
	ok bool
}

func (p *Pushed) Set(r Reading) {
	p.mu.Lock()
	p.r, p.ok = r, true
	p.mu.Unlock()
}

func (p *Pushed) Current(context.Context) (Reading, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ok {
		return Reading{}, fmt.Errorf("%w: no reading pushed yet", ErrLocationUnavailable)
	}
	return p.r, nil
}

type Config struct {
	// Default is used until a fix arrives.
	Default       Reading
	Timeout       time.Duration
	SignificantKm float64
}

// Change describes a location update.
type Change struct {
	Previous    Reading `json:"previous"`
	Current     Reading `json:"current"`
	DistanceKm  float64 `json:"distance_km"`
	Significant bool    `json:"significant"`
}

// Manager owns the effective location. The effective location moves only
// on a significant change, so small GPS drift never shifts computed times.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	provider Provider
	anchor   Reading
	hasFix   bool

	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, provider Provider, store storage.Store, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Default.Source == "" {
		cfg.Default.Source = "config"
	}
	return &Manager{
		cfg:      cfg,
		provider: provider,
		store:    store,
		bus:      bus,
		log:      log.With(logx.String("comp", "location")),
		now:      time.Now,
	}
}

// Apply swaps the configuration. A new default does not replace an
// existing fix.
func (m *Manager) Apply(cfg Config) {
	if cfg.Default.Source == "" {
		cfg.Default.Source = "config"
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Restore loads the last persisted fix, if any.
func (m *Manager) Restore(ctx context.Context) bool {
	if m.store == nil {
		return false
	}
	b, ok, err := m.store.GetState(ctx, stateKey)
	if err != nil {
		m.log.Warn("load last location failed", logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	var r Reading
	if err := json.Unmarshal(b, &r); err != nil || r.Coords.Validate() != nil {
		m.log.Warn("stored location ignored", logx.Err(err))
		return false
	}
	r.Source = "store"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasFix {
		return false
	}
	m.anchor, m.hasFix = r, true
	return true
}

// Current returns the effective location: the anchored fix or the default.
func (m *Manager) Current() Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.hasFix {
		return m.anchor
	}
	return m.cfg.Default
}

// Acquire asks the provider for a fix, waiting at most the configured
// timeout. On failure it returns the last known location (or the default)
// together with an error wrapping ErrLocationUnavailable; the reading is
// usable either way.
func (m *Manager) Acquire(ctx context.Context) (Reading, Change, error) {
	m.mu.RLock()
	timeout := m.cfg.Timeout
	m.mu.RUnlock()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if m.provider == nil {
		return m.Current(), Change{}, fmt.Errorf("%w: no provider", ErrLocationUnavailable)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		r   Reading
		err error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := m.provider.Current(actx)
		ch <- result{r, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-actx.Done():
		res.err = actx.Err()
	}
	if res.err == nil {
		res.err = res.r.Coords.Validate()
	}
	if res.err != nil {
		fallback := m.Current()
		err := fmt.Errorf("%w: %v", ErrLocationUnavailable, res.err)
		if !errors.Is(res.err, ErrLocationUnavailable) {
			m.log.Warn("location acquisition failed; using last known",
				logx.String("fallback", fallback.Coords.String()), logx.Err(res.err))
		}
		eventbus.Publish(m.bus, eventbus.Advisory, map[string]any{"kind": "location_unavailable", "error": res.err.Error()})
		return fallback, Change{}, err
	}
	ch2, err := m.Update(ctx, res.r)
	return m.Current(), ch2, err
}

// Update records a new reading and reports whether it moved the effective
// location away from the previous one (or the default). A Pushed provider
// also receives the reading so later acquisitions return it.
func (m *Manager) Update(ctx context.Context, r Reading) (Change, error) {
	if err := r.Coords.Validate(); err != nil {
		return Change{}, err
	}
	if r.At.IsZero() {
		r.At = m.now()
	}
	if p, ok := m.provider.(*Pushed); ok {
		p.Set(r)
	}

	m.mu.Lock()
	prev := m.cfg.Default
	if m.hasFix {
		prev = m.anchor
	}
	det := prayertime.NewDetector(m.cfg.SignificantKm)
	c := Change{
		Previous:    prev,
		Current:     r,
		DistanceKm:  prayertime.DistanceKm(prev.Coords, r.Coords),
		Significant: det.IsSignificant(prev.Coords, r.Coords),
	}
	first := !m.hasFix
	if c.Significant || first {
		if r.Name == "" && !c.Significant {
			r.Name = prev.Name
		}
		m.anchor, m.hasFix = r, true
		c.Current = r
	}
	m.mu.Unlock()

	if !c.Significant && !first {
		return c, nil
	}
	m.persist(ctx, r)
	if c.Significant {
		m.log.Info("location changed",
			logx.String("from", prev.Coords.String()),
			logx.String("to", r.Coords.String()),
			logx.Float64("km", c.DistanceKm))
		eventbus.Publish(m.bus, eventbus.LocationChanged, c)
	}
	return c, nil
}

func (m *Manager) persist(ctx context.Context, r Reading) {
	if m.store == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := m.store.PutState(ctx, stateKey, b); err != nil {
		m.log.Warn("persist location failed", logx.Err(err))
	}
}
