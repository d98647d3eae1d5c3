package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/queue"
)

// Fetcher produces the events of one feed. Implementations must honor ctx.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.Event, error)
}

// Resetter is implemented by fetchers holding connection state that a
// reconnect should discard.
type Resetter interface {
	Reset()
}

// Watchdog receives fetch outcomes. *health.Monitor implements it.
type Watchdog interface {
	RecordSuccess(feed string)
	RecordFailure(feed string, err error)
}

// State is the poller's position in its fetch cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateEmitting
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateEmitting:
		return "emitting"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds per-poller settings.
type Config struct {
	Feed           string        // Feed name used for health and event tagging
	Interval       time.Duration // Cadence between successful fetches
	FetchTimeout   time.Duration // Bound on one Fetch call
	BackoffBase    time.Duration // First backoff after a failure
	BackoffMax     time.Duration // Backoff cap
	EnqueueTimeout time.Duration // Max wait on a full queue before evicting
}

// DefaultConfig returns sensible defaults for a price feed.
func DefaultConfig(feed string) Config {
	return Config{
		Feed:           feed,
		Interval:       333 * time.Millisecond,
		FetchTimeout:   15 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     60 * time.Second,
		EnqueueTimeout: 250 * time.Millisecond,
	}
}

// Stats counts poller activity.
type Stats struct {
	Feed                string `json:"feed"`
	State               string `json:"state"`
	Fetches             int64  `json:"fetches"`
	Failures            int64  `json:"failures"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	Emitted             int64  `json:"emitted"`
	Dropped             int64  `json:"dropped"`
	Reconnects          int64  `json:"reconnects"`
}

// Poller runs one Fetcher on a fixed cadence.
type Poller struct {
	cfg       Config
	fetcher   Fetcher
	queue     *queue.Queue[model.Event]
	watchdog  Watchdog
	reconnect <-chan struct{}
	observe   func(model.Event)
	logger    *slog.Logger
	metrics   *metrics.Metrics

	state       atomic.Int32
	consecutive atomic.Int64
	fetches     atomic.Int64
	failures    atomic.Int64
	emitted     atomic.Int64
	dropped     atomic.Int64
	reconnects  atomic.Int64
	seq         uint64 // owned by run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithWatchdog reports outcomes to w and listens for reconnect requests.
func WithWatchdog(w Watchdog, reconnect <-chan struct{}) Option {
	return func(p *Poller) {
		p.watchdog = w
		p.reconnect = reconnect
	}
}

// WithMetrics counts failures, enqueues and saturation losses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithObserver calls fn with every event accepted by the queue.
func WithObserver(fn func(model.Event)) Option {
	return func(p *Poller) { p.observe = fn }
}

// New creates a Poller feeding q.
func New(cfg Config, fetcher Fetcher, q *queue.Queue[model.Event], logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		queue:   q,
		logger:  logger.With("component", "poller", "feed", cfg.Feed),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	return p
}

// Feed returns the feed name.
func (p *Poller) Feed() string {
	return p.cfg.Feed
}

// Start begins polling. The first fetch happens immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("poller started", "interval", p.cfg.Interval)
	return nil
}

// Stop cancels polling and waits for the in-flight fetch to finish.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current cycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Stats returns a copy of the counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Feed:                p.cfg.Feed,
		State:               p.State().String(),
		Fetches:             p.fetches.Load(),
		Failures:            p.failures.Load(),
		ConsecutiveFailures: p.consecutive.Load(),
		Emitted:             p.emitted.Load(),
		Dropped:             p.dropped.Load(),
		Reconnects:          p.reconnects.Load(),
	}
}

func (p *Poller) run() {
	defer p.wg.Done()
	defer p.state.Store(int32(StateStopped))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.reconnect:
			p.doReconnect()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(0)
		case <-timer.C:
			if p.ctx.Err() != nil {
				return
			}
			timer.Reset(p.poll())
		}
	}
}

// poll runs one fetch cycle and returns the delay before the next one.
func (p *Poller) poll() time.Duration {
	p.state.Store(int32(StateFetching))
	p.fetches.Add(1)

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.FetchTimeout)
	events, err := p.fetcher.Fetch(ctx)
	cancel()

	if err != nil {
		if p.ctx.Err() != nil {
			return 0
		}
		n := p.consecutive.Add(1)
		p.failures.Add(1)
		p.metrics.FetchFailure()
		if p.watchdog != nil {
			p.watchdog.RecordFailure(p.cfg.Feed, err)
		}

		wait := p.backoff(n)
		p.state.Store(int32(StateBackoff))
		p.logger.Warn("fetch failed",
			"error", err,
			"consecutive_failures", n,
			"auth_or_malformed", api.IsAuthOrMalformed(err),
			"backoff", wait,
		)
		return wait
	}

	p.consecutive.Store(0)
	if p.watchdog != nil {
		p.watchdog.RecordSuccess(p.cfg.Feed)
	}

	p.state.Store(int32(StateEmitting))
	p.emit(events)
	p.state.Store(int32(StateIdle))
	return p.cfg.Interval
}

// backoff returns base * 2^(n-1) capped at max.
func (p *Poller) backoff(n int64) time.Duration {
	d := p.cfg.BackoffBase
	for i := int64(1); i < n && d < p.cfg.BackoffMax; i++ {
		d *= 2
	}
	if p.cfg.BackoffMax > 0 && d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	return d
}

func (p *Poller) emit(events []model.Event) {
	for _, ev := range events {
		if ev.Feed == "" {
			ev.Feed = p.cfg.Feed
		}
		p.seq++
		ev.Seq = p.seq

		old, dropped, err := p.queue.Send(p.ctx, ev, p.cfg.EnqueueTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				p.logger.Warn("writer queue closed, discarding events", "count", len(events))
			}
			return
		}
		p.emitted.Add(1)
		p.metrics.EventEnqueued()
		if p.observe != nil {
			p.observe(ev)
		}

		if dropped {
			p.dropped.Add(1)
			p.metrics.QueueSaturationLoss()
			p.logger.Warn("writer queue saturated, oldest event dropped",
				"dropped_feed", old.Feed,
				"dropped_kind", old.Kind.String(),
				"dropped_ts", old.Timestamp,
				"queue_cap", p.queue.Cap(),
			)
		}
	}
}

func (p *Poller) doReconnect() {
	p.reconnects.Add(1)
	p.consecutive.Store(0)
	if r, ok := p.fetcher.(Resetter); ok {
		r.Reset()
	}
	p.logger.Info("reconnecting feed", "reason", "watchdog")
}
