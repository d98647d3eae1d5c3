package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
)

// Config holds watchdog thresholds.
type Config struct {
	CheckInterval time.Duration
	DegradedAfter time.Duration
	DownAfter     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Second,
		DegradedAfter: 60 * time.Second,
		DownAfter:     180 * time.Second,
	}
}

// Transition is a status change of one feed.
type Transition struct {
	Feed   string             `json:"feed"`
	From   model.HealthStatus `json:"from"`
	To     model.HealthStatus `json:"to"`
	At     time.Time          `json:"at"`
	Reason string             `json:"reason"`
}

// AuthOrMalformed is implemented by errors that retrying cannot fix.
type AuthOrMalformed interface {
	AuthOrMalformed() bool
}

type entry struct {
	name         string
	registeredAt int64 // unix nanos; staleness baseline until the first success

	lastSuccess atomic.Int64 // unix nanos, 0 = never
	failures    atomic.Int64
	status      atomic.Int32

	reconnect chan struct{} // capacity 1
}

// Monitor tracks per-feed liveness.
type Monitor struct {
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex // guards the feeds map, not entry fields
	feeds map[string]*entry

	transitions chan Transition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMetrics counts transitions and reconnects.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
		feeds:       make(map[string]*entry),
		transitions: make(chan Transition, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a feed as Healthy and returns its reconnect signal.
// Registering an existing feed returns the existing signal.
func (m *Monitor) Register(feed string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.feeds[feed]; ok {
		return e.reconnect
	}
	e := &entry{
		name:         feed,
		registeredAt: m.now().UnixNano(),
		reconnect:    make(chan struct{}, 1),
	}
	m.feeds[feed] = e
	return e.reconnect
}

// Unregister forgets a feed whose market instance has ended.
func (m *Monitor) Unregister(feed string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds, feed)
}

// ReconnectSignal returns the feed's reconnect channel, or nil if unknown.
func (m *Monitor) ReconnectSignal(feed string) <-chan struct{} {
	if e := m.get(feed); e != nil {
		return e.reconnect
	}
	return nil
}

// RecordSuccess marks a successful fetch and restores Healthy immediately.
func (m *Monitor) RecordSuccess(feed string) {
	e := m.get(feed)
	if e == nil {
		return
	}
	e.lastSuccess.Store(m.now().UnixNano())
	e.failures.Store(0)
	m.setStatus(e, model.Healthy, "fetch succeeded")
}

// RecordFailure counts a failed fetch. Errors that cannot succeed on retry
// mark the feed Degraded at once; staleness handles everything else.
func (m *Monitor) RecordFailure(feed string, err error) {
	e := m.get(feed)
	if e == nil {
		return
	}
	e.failures.Add(1)

	var am AuthOrMalformed
	if errors.As(err, &am) && am.AuthOrMalformed() {
		if model.HealthStatus(e.status.Load()) == model.Healthy {
			m.setStatus(e, model.Degraded, err.Error())
		}
	}
}

// Check evaluates staleness of every feed once.
func (m *Monitor) Check() {
	now := m.now().UnixNano()

	m.mu.RLock()
	entries := make([]*entry, 0, len(m.feeds))
	for _, e := range m.feeds {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		baseline := e.lastSuccess.Load()
		if baseline == 0 {
			baseline = e.registeredAt
		}
		stale := time.Duration(now - baseline)

		switch current := model.HealthStatus(e.status.Load()); {
		case stale > m.cfg.DownAfter:
			if current != model.Down {
				m.setStatus(e, model.Down, "stale for "+stale.Round(time.Second).String())
			}
		case stale > m.cfg.DegradedAfter:
			if current == model.Healthy {
				m.setStatus(e, model.Degraded, "stale for "+stale.Round(time.Second).String())
			}
		}
	}
}

// State returns a copy of one feed's health.
func (m *Monitor) State(feed string) (model.HealthState, bool) {
	e := m.get(feed)
	if e == nil {
		return model.HealthState{}, false
	}
	return e.state(), true
}

// Snapshot returns every feed's health sorted by feed name.
func (m *Monitor) Snapshot() []model.HealthState {
	m.mu.RLock()
	out := make([]model.HealthState, 0, len(m.feeds))
	for _, e := range m.feeds {
		out = append(out, e.state())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Feed < out[j].Feed })
	return out
}

// Transitions delivers status changes. Changes are dropped when nobody reads.
func (m *Monitor) Transitions() <-chan Transition {
	return m.transitions
}

// Start begins the periodic check loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("health monitor started",
		"check_interval", m.cfg.CheckInterval,
		"degraded_after", m.cfg.DegradedAfter,
		"down_after", m.cfg.DownAfter,
	)
	return nil
}

// Stop halts the check loop.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("health monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

func (m *Monitor) get(feed string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feeds[feed]
}

func (m *Monitor) setStatus(e *entry, to model.HealthStatus, reason string) {
	from := model.HealthStatus(e.status.Swap(int32(to)))
	if from == to {
		return
	}

	t := Transition{Feed: e.name, From: from, To: to, At: m.now(), Reason: reason}
	if m.metrics != nil {
		m.metrics.HealthTransition()
	}

	switch to {
	case model.Healthy:
		m.logger.Info("feed recovered", "feed", e.name, "from", from.String())
	case model.Degraded:
		m.logger.Warn("feed degraded", "feed", e.name, "reason", reason, "failures", e.failures.Load())
	case model.Down:
		m.logger.Error("feed down, requesting reconnect", "feed", e.name, "reason", reason, "failures", e.failures.Load())
		if m.metrics != nil {
			m.metrics.Reconnect()
		}
		select {
		case e.reconnect <- struct{}{}:
		default:
		}
	}

	select {
	case m.transitions <- t:
	default:
	}
}

func (e *entry) state() model.HealthState {
	s := model.HealthState{
		Feed:                e.name,
		ConsecutiveFailures: e.failures.Load(),
		Status:              model.HealthStatus(e.status.Load()),
	}
	if ns := e.lastSuccess.Load(); ns != 0 {
		s.LastSuccessAt = time.Unix(0, ns)
	}
	return s
}
