package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/updown-recorder/internal/model"
)

// Tracker discovers and follows the current instance of each duration class.
type Tracker struct {
	cfg    Config
	source EventSource
	now    func() time.Time
	logger *slog.Logger

	state *trackerState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config, source EventSource, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinRemaining <= 0 {
		cfg.MinRemaining = MinRemaining
	}
	cfg.Classes = append([]ClassConfig(nil), cfg.Classes...)
	for i := range cfg.Classes {
		if cfg.Classes[i].Interval <= 0 {
			cfg.Classes[i].Interval = 30 * time.Second
		}
	}
	t := &Tracker{
		cfg:    cfg,
		source: source,
		now:    time.Now,
		logger: logger.With("component", "market"),
		state:  newState(cfg.Classes),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start runs an initial discovery for every class, then keeps each class
// current in the background. Discovery failures are logged and retried.
func (t *Tracker) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	delays := make([]time.Duration, len(t.cfg.Classes))
	for i, cc := range t.cfg.Classes {
		delays[i] = t.reconcile(t.ctx, cc)
	}

	for i, cc := range t.cfg.Classes {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.classLoop(t.ctx, cc, delays[i])
		}()
	}

	t.logger.Info("market tracker started",
		"classes", len(t.cfg.Classes),
		"tracked", len(t.state.active()),
	)
	return nil
}

// Stop gracefully shuts down.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("market tracker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the tracked instance of class.
func (t *Tracker) Current(class model.DurationClass) (model.MarketInstance, bool) {
	return t.state.getCurrent(class)
}

// Active returns every tracked instance, earliest ending first.
func (t *Tracker) Active() []model.MarketInstance {
	return t.state.active()
}

// Lookup returns a recently tracked instance by slug.
func (t *Tracker) Lookup(slug string) (model.MarketInstance, bool) {
	return t.state.lookup(slug)
}

// ResolveOutcome maps the winning token of a resolved market to "UP" or
// "DOWN". It fails when the slug has aged out of the history.
func (t *Tracker) ResolveOutcome(slug, winningToken string) (string, bool) {
	inst, ok := t.state.lookup(slug)
	if !ok {
		return "", false
	}
	outcome := inst.Outcome(winningToken)
	return outcome, outcome != ""
}

// Changes returns the channel of instance switches.
func (t *Tracker) Changes() <-chan MarketChange {
	return t.state.changes
}
