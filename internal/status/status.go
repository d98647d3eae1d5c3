package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/queue"
	"github.com/rickgao/updown-recorder/internal/writer"
)

// HealthSource is implemented by *health.Monitor.
type HealthSource interface {
	Snapshot() []model.HealthState
}

// MarketSource is implemented by *market.Tracker.
type MarketSource interface {
	Active() []model.MarketInstance
}

// QueueSource is implemented by *queue.Queue.
type QueueSource interface {
	Stats() queue.Stats
}

// LagSource is implemented by *lag.Estimator.
type LagSource interface {
	Last() model.LagSample
}

// WriterSource is implemented by *writer.Writer.
type WriterSource interface {
	Stats() writer.Stats
}

// Sources are the components a snapshot reads from. Nil fields are skipped;
// a nil Prices is replaced by an empty one.
type Sources struct {
	Prices  *Prices
	Metrics *metrics.Metrics
	Health  HealthSource
	Markets MarketSource
	Queue   QueueSource
	Lag     LagSource
	Writer  WriterSource
}

// Config holds reporter settings.
type Config struct {
	ReportInterval    time.Duration
	HeartbeatFile     string // Empty disables the heartbeat file
	HeartbeatInterval time.Duration
}

// PriceView is one price as shown in the status output.
type PriceView struct {
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketView is one tracked instance as shown in the status output.
type MarketView struct {
	ID        string              `json:"id"`
	Class     model.DurationClass `json:"class"`
	End       time.Time           `json:"end"`
	Remaining string              `json:"remaining"`
	UpMid     string              `json:"up_mid,omitempty"`
	DownMid   string              `json:"down_mid,omitempty"`
}

// Snapshot is a point-in-time view of the recorder.
type Snapshot struct {
	Time    time.Time           `json:"time"`
	Uptime  string              `json:"uptime"`
	Spot    *PriceView          `json:"spot,omitempty"`
	Oracle  *PriceView          `json:"oracle,omitempty"`
	LagMs   *int64              `json:"lag_ms,omitempty"` // Nil when the last estimate was unmeasured
	Markets []MarketView        `json:"markets"`
	Health  []model.HealthState `json:"health"`
	Queue   queue.Stats         `json:"queue"`
	Writer  writer.Stats        `json:"writer"`
	Metrics metrics.Snapshot    `json:"metrics"`
}

// Reporter builds snapshots and runs the status log and heartbeat loops.
type Reporter struct {
	cfg     Config
	src     Sources
	now     func() time.Time
	started time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	mids map[string]model.PriceTick // token -> last midpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter creates a Reporter.
func NewReporter(cfg Config, src Sources, logger *slog.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		cfg:    cfg,
		src:    src,
		now:    time.Now,
		logger: logger.With("component", "status"),
		mids:   make(map[string]model.PriceTick),
	}
	if r.src.Prices == nil {
		r.src.Prices = NewPrices()
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// Observe feeds the reporter's price views. Register it as a poller
// observer.
func (r *Reporter) Observe(ev model.Event) {
	r.src.Prices.Observe(ev)
	if ev.Tick != nil && ev.Tick.Source == model.SourceMidpoint {
		r.mu.Lock()
		r.mids[ev.Tick.TokenID] = *ev.Tick
		r.mu.Unlock()
	}
}

// Snapshot assembles the current view.
func (r *Reporter) Snapshot() Snapshot {
	now := r.now()
	s := Snapshot{
		Time:    now.UTC(),
		Uptime:  now.Sub(r.started).Truncate(time.Second).String(),
		Markets: []MarketView{},
	}

	if t, ok := r.src.Prices.Last(model.SourceSpot); ok {
		s.Spot = &PriceView{Price: t.Price.String(), Timestamp: t.Timestamp}
	}
	if t, ok := r.src.Prices.Last(model.SourceOracle); ok {
		s.Oracle = &PriceView{Price: t.Price.String(), Timestamp: t.Timestamp}
	}
	if r.src.Lag != nil {
		if l := r.src.Lag.Last(); l.Measured {
			ms := l.LagMs
			s.LagMs = &ms
		}
	}
	if r.src.Markets != nil {
		r.mu.Lock()
		for _, inst := range r.src.Markets.Active() {
			v := MarketView{
				ID:        inst.ID,
				Class:     inst.Class,
				End:       inst.End,
				Remaining: max(inst.End.Sub(now), 0).Truncate(time.Second).String(),
			}
			if t, ok := r.mids[inst.UpTokenID]; ok {
				v.UpMid = t.Price.String()
			}
			if t, ok := r.mids[inst.DownTokenID]; ok {
				v.DownMid = t.Price.String()
			}
			s.Markets = append(s.Markets, v)
		}
		r.mu.Unlock()
	}
	if r.src.Health != nil {
		s.Health = r.src.Health.Snapshot()
	}
	if r.src.Queue != nil {
		s.Queue = r.src.Queue.Stats()
	}
	if r.src.Writer != nil {
		s.Writer = r.src.Writer.Stats()
	}
	if r.src.Metrics != nil {
		s.Metrics = r.src.Metrics.Snapshot()
	}
	return s
}

// Start begins the status log and heartbeat loops.
func (r *Reporter) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if r.cfg.ReportInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.every(r.cfg.ReportInterval, r.report)
		}()
	}
	if r.cfg.HeartbeatFile != "" && r.cfg.HeartbeatInterval > 0 {
		if err := r.WriteHeartbeat(); err != nil {
			r.logger.Warn("heartbeat write failed", "file", r.cfg.HeartbeatFile, "error", err)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.every(r.cfg.HeartbeatInterval, func() {
				if err := r.WriteHeartbeat(); err != nil {
					r.logger.Warn("heartbeat write failed", "file", r.cfg.HeartbeatFile, "error", err)
				}
			})
		}()
	}
	return nil
}

// Stop halts the loops.
func (r *Reporter) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) every(d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (r *Reporter) report() {
	s := r.Snapshot()

	attrs := []any{
		"uptime", s.Uptime,
		"queue", fmt.Sprintf("%d/%d", s.Queue.Count, s.Queue.Capacity),
		"written", s.Writer.Written,
		"active_date", s.Writer.ActiveDate,
		"overall", Overall(s).String(),
	}
	if s.Spot != nil {
		attrs = append(attrs, "spot", s.Spot.Price)
	}
	if s.Oracle != nil {
		attrs = append(attrs, "oracle", s.Oracle.Price)
	}
	if s.LagMs != nil {
		attrs = append(attrs, "lag_ms", *s.LagMs)
	}
	for _, m := range s.Markets {
		attrs = append(attrs, "market_"+string(m.Class), fmt.Sprintf("%s up=%s down=%s left=%s", m.ID, m.UpMid, m.DownMid, m.Remaining))
	}
	r.logger.Info("status", attrs...)
}

// Overall folds feed health and writer state into one verdict: Down when
// any feed is down or the writer failed, Degraded when any feed is degraded
// or no market is tracked.
func Overall(s Snapshot) model.HealthStatus {
	if s.Writer.Fatal != "" {
		return model.Down
	}
	worst := model.Healthy
	for _, h := range s.Health {
		if h.Status > worst {
			worst = h.Status
		}
	}
	if worst == model.Healthy && len(s.Markets) == 0 {
		return model.Degraded
	}
	return worst
}
