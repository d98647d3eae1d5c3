package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/updown-recorder/internal/config"
	"github.com/rickgao/updown-recorder/internal/health"
	"github.com/rickgao/updown-recorder/internal/lag"
	"github.com/rickgao/updown-recorder/internal/market"
	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/poller"
	"github.com/rickgao/updown-recorder/internal/queue"
	"github.com/rickgao/updown-recorder/internal/status"
	"github.com/rickgao/updown-recorder/internal/storage"
	"github.com/rickgao/updown-recorder/internal/stream"
	"github.com/rickgao/updown-recorder/internal/writer"
)

// Recorder owns every component of a running recorder.
type Recorder struct {
	cfg     *config.RecorderConfig
	base    *slog.Logger // unscoped, handed to components
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue     *queue.Queue[model.Event]
	monitor   *health.Monitor
	estimator *lag.Estimator
	oracle    poller.OracleSource
	tracker   *market.Tracker
	rotation  *storage.Manager
	writer    *writer.Writer
	reporter  *status.Reporter
	pool      *pgxpool.Pool

	global    []*poller.Poller
	mu        sync.Mutex
	instances map[model.DurationClass]*instancePollers

	resolvers    sync.WaitGroup
	resolveEvery time.Duration
	resolveFor   time.Duration
	seq          atomic.Uint64

	// Fields set by options before components are built.
	backend storage.Backend
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBackend replaces the configured storage backend.
func WithBackend(b storage.Backend) Option {
	return func(r *Recorder) { r.backend = b }
}

// WithOracle replaces the RTDS oracle client.
func WithOracle(src poller.OracleSource) Option {
	return func(r *Recorder) { r.oracle = src }
}

// WithMetrics shares a metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New builds a Recorder from a validated config. For the postgres backend
// it connects to the database.
func New(ctx context.Context, cfg *config.RecorderConfig, logger *slog.Logger, opts ...Option) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		cfg:       cfg,
		base:      logger,
		logger:    logger.With("component", "recorder"),
		instances: make(map[model.DurationClass]*instancePollers),

		resolveEvery: 30 * time.Second,
		resolveFor:   15 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}

	loc, err := cfg.Storage.Location()
	if err != nil {
		return nil, fmt.Errorf("storage time zone: %w", err)
	}
	trackerCfg, err := trackerConfig(cfg.Markets)
	if err != nil {
		return nil, err
	}
	if r.backend == nil {
		r.backend, r.pool, err = openBackend(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
	}

	r.queue = queue.New[model.Event](cfg.Queue.Capacity)
	r.monitor = health.NewMonitor(healthConfig(cfg.Health), logger.With("component", "health"), health.WithMetrics(r.metrics))
	r.estimator = lag.New(lagConfig(cfg.Lag))
	if r.oracle == nil {
		r.oracle = stream.NewOracleClient(oracleConfig(cfg.API), logger.With("component", "oracle"), stream.WithMetrics(r.metrics))
	}
	r.tracker = market.NewTracker(trackerCfg, newClient(cfg.API, logger, r.metrics, "market"), logger)
	r.rotation = storage.NewManager(r.backend,
		storage.WithLocation(loc),
		storage.WithLateGrace(cfg.Storage.LateGrace),
		storage.WithLogger(logger),
		storage.WithMetrics(r.metrics),
	)
	r.writer = writer.New(cfg.Writer, r.queue, r.rotation, logger, writer.WithMetrics(r.metrics))
	r.reporter = status.NewReporter(statusConfig(cfg), status.Sources{
		Metrics: r.metrics,
		Health:  r.monitor,
		Markets: r.tracker,
		Queue:   r.queue,
		Lag:     r.estimator,
		Writer:  r.writer,
	}, logger)

	r.global = []*poller.Poller{
		r.newPoller(FeedSpot, cfg.Poller.PriceInterval,
			poller.NewSpotFetcher(newClient(cfg.API, logger, r.metrics, FeedSpot), cfg.API.SpotSymbol, r.estimator)),
		r.newPoller(FeedOracle, cfg.Poller.PriceInterval,
			poller.NewOracleFetcher(r.oracle, r.estimator, r.metrics)),
	}

	r.logger.Info("recorder built",
		"instance_id", cfg.Instance.ID,
		"backend", r.backend.Name(),
		"time_zone", loc.String(),
		"queue_capacity", cfg.Queue.Capacity,
		"classes", len(trackerCfg.Classes),
	)
	return r, nil
}

// Reporter exposes the status reporter for the health HTTP server.
func (r *Recorder) Reporter() *status.Reporter {
	return r.reporter
}

// Metrics returns the shared counters.
func (r *Recorder) Metrics() *metrics.Metrics {
	return r.metrics
}

// newPoller registers feed with the watchdog and builds its poller.
func (r *Recorder) newPoller(feed string, interval time.Duration, f poller.Fetcher) *poller.Poller {
	reconnect := r.monitor.Register(feed)
	return poller.New(pollerConfig(r.cfg.Poller, feed, interval), f, r.queue, r.base,
		poller.WithWatchdog(r.monitor, reconnect),
		poller.WithMetrics(r.metrics),
		poller.WithObserver(r.reporter.Observe),
	)
}

// Run starts every component and blocks until ctx is canceled or the writer
// halts. A writer halt is returned as its fatal error after an orderly
// shutdown of everything else.
func (r *Recorder) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// The writer outlives ctx so that it can drain after cancellation.
	if err := r.writer.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if err := r.monitor.Start(ctx); err != nil {
		return err
	}
	if err := r.reporter.Start(ctx); err != nil {
		return err
	}

	r.enqueue(ctx, model.NewSystemEvent(FeedRecorder, model.SystemEvent{
		Type:      "system",
		Severity:  "info",
		Message:   fmt.Sprintf("recorder started (instance %s)", r.cfg.Instance.ID),
		Timestamp: time.Now().UTC(),
	}))

	for _, p := range r.global {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	if err := r.tracker.Start(ctx); err != nil {
		return err
	}

	r.logger.Info("recorder running")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutdown requested")
			break loop
		case change := <-r.tracker.Changes():
			r.switchInstance(ctx, change)
		case t := <-r.monitor.Transitions():
			r.recordTransition(ctx, t)
		case <-r.writer.Done():
			runErr = r.writer.Err()
			if runErr == nil {
				runErr = errors.New("writer exited unexpectedly")
			}
			r.logger.Error("writer halted, shutting down", "error", runErr)
			break loop
		}
	}

	cancel()
	if err := r.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown stops producers first so that the writer can drain everything
// they enqueued.
func (r *Recorder) shutdown() error {
	stopTimeout := r.cfg.Poller.StopTimeout

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	if err := r.tracker.Stop(ctx); err != nil {
		r.logger.Warn("market tracker stop timed out", "error", err)
	}
	cancel()

	r.mu.Lock()
	producers := append([]*poller.Poller(nil), r.global...)
	for class, ip := range r.instances {
		producers = append(producers, ip.pollers...)
		ip.cancel()
		delete(r.instances, class)
	}
	r.mu.Unlock()
	r.stopPollers(producers)
	r.resolvers.Wait()

	r.enqueue(context.Background(), model.NewSystemEvent(FeedRecorder, model.SystemEvent{
		Type:      "system",
		Severity:  "info",
		Message:   "recorder stopping",
		Timestamp: time.Now().UTC(),
	}))

	var errs []error
	drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Writer.DrainTimeout+stopTimeout)
	if err := r.writer.Stop(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop writer: %w", err))
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.reporter.Stop(ctx); err != nil {
		r.logger.Warn("status reporter stop timed out", "error", err)
	}
	if err := r.monitor.Stop(ctx); err != nil {
		r.logger.Warn("health monitor stop timed out", "error", err)
	}
	if c, ok := r.oracle.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("close oracle stream", "error", err)
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}

	stats := r.writer.Stats()
	r.logger.Info("recorder stopped",
		"written", stats.Written,
		"unwritten", stats.Unwritten,
		"late_dropped", stats.LateDropped,
	)
	return errors.Join(errs...)
}

// stopPollers stops ps concurrently, each bounded by the stop timeout.
func (r *Recorder) stopPollers(ps []*poller.Poller) {
	var g errgroup.Group
	for _, p := range ps {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Poller.StopTimeout)
			defer cancel()
			if err := p.Stop(ctx); err != nil {
				r.logger.Warn("poller stop timed out", "feed", p.Feed(), "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// enqueue puts a recorder-originated event on the writer queue.
func (r *Recorder) enqueue(ctx context.Context, ev model.Event) {
	ev.Feed = FeedRecorder
	ev.Seq = r.seq.Add(1)

	old, dropped, err := r.queue.Send(ctx, ev, r.cfg.Poller.EnqueueTimeout)
	if err != nil {
		r.logger.Warn("could not enqueue recorder event", "kind", ev.Kind.String(), "error", err)
		return
	}
	r.metrics.EventEnqueued()
	if dropped {
		r.metrics.QueueSaturationLoss()
		r.logger.Warn("writer queue saturated, oldest event dropped",
			"dropped_feed", old.Feed,
			"dropped_kind", old.Kind.String(),
		)
	}
}

func (r *Recorder) recordTransition(ctx context.Context, t health.Transition) {
	severity := "info"
	switch t.To {
	case model.Degraded:
		severity = "warn"
	case model.Down:
		severity = "error"
	}
	r.enqueue(ctx, model.NewSystemEvent(FeedRecorder, model.SystemEvent{
		Type:      "health",
		Severity:  severity,
		Message:   fmt.Sprintf("%s %s -> %s: %s", t.Feed, t.From, t.To, t.Reason),
		Timestamp: t.At.UTC(),
	}))
}
