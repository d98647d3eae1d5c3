package writer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/updown-recorder/internal/config"
	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/queue"
	"github.com/rickgao/updown-recorder/internal/storage"
)

// Stats is a point-in-time view of writer progress.
type Stats struct {
	Batches      uint64       `json:"batches"`
	Written      uint64       `json:"written"`
	LateDropped  uint64       `json:"late_dropped"`
	Retries      uint64       `json:"retries"`
	OutOfOrder   uint64       `json:"out_of_order"` // samples older than the last one written for their feed
	Unwritten    int          `json:"unwritten"`    // left in the queue by a drain timeout
	LastCommitAt time.Time    `json:"last_commit_at"`
	ActiveDate   storage.Date `json:"active_date"`
	Fatal        string       `json:"fatal,omitempty"`
}

// Writer drains the queue into storage. Create with New, then Start.
type Writer struct {
	cfg      config.WriterConfig
	input    *queue.Queue[model.Event]
	rotation *storage.Manager
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Owned by the run goroutine.
	markets map[string]model.MarketRecord
	seeded  map[storage.Date]struct{}
	lastTs  map[string]time.Time // newest sample timestamp per feed

	statsMu sync.Mutex
	stats   Stats

	errMu sync.Mutex
	err   error

	ctx     context.Context
	cancel  context.CancelFunc
	store   context.Context // storage calls are not cut by Stop
	wg      sync.WaitGroup
	done    chan struct{}
	started bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithMetrics counts commits, retries, late data and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// New creates a Writer consuming input and writing through rotation.
func New(cfg config.WriterConfig, input *queue.Queue[model.Event], rotation *storage.Manager, logger *slog.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		cfg:      cfg,
		input:    input,
		rotation: rotation,
		logger:   logger.With("component", "writer"),
		markets:  make(map[string]model.MarketRecord),
		seeded:   make(map[storage.Date]struct{}),
		lastTs:   make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = metrics.New()
	}
	return w
}

// Start launches the consumer goroutine.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.store = context.WithoutCancel(ctx)
	w.started = true

	w.wg.Add(1)
	go w.run()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"storage_retries", w.cfg.StorageRetries,
	)
	return nil
}

// Stop closes the input queue, drains it until empty or the drain timeout
// elapses, then finalizes the active storage window. On a drain timeout the
// batch in flight is still committed; the rest stays unwritten. If ctx ends
// before the consumer exits, the window is left open and ctx's error is
// returned.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer", "queued", w.input.Len())
	w.input.Close()

	if w.started {
		drainCtx, cancel := context.WithTimeout(ctx, w.cfg.DrainTimeout)
		defer cancel()
		select {
		case <-w.done:
		case <-drainCtx.Done():
			w.logger.Warn("writer drain timed out", "queued", w.input.Len())
			w.cancel()
			select {
			case <-w.done:
			case <-ctx.Done():
				w.setUnwritten()
				w.logger.Error("writer stop timed out, storage not finalized", "error", ctx.Err())
				return ctx.Err()
			}
		}
		if left := w.setUnwritten(); left > 0 {
			w.logger.Error("unwritten events lost", "remaining", left)
		}
	}

	if err := w.rotation.Close(ctx); err != nil {
		w.logger.Error("finalize storage failed", "error", err)
		return err
	}
	w.logger.Info("writer stopped")
	return nil
}

// setUnwritten records what is left in the closed queue.
func (w *Writer) setUnwritten() int {
	left := w.input.Len()
	w.statsMu.Lock()
	w.stats.Unwritten = left
	w.statsMu.Unlock()
	return left
}

// Done is closed when the consumer goroutine exits, either after a drain
// or on a fatal error.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Err returns the fatal error that halted the writer, or nil.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Stats returns a copy of the current counters.
func (w *Writer) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	s := w.stats
	s.ActiveDate = w.rotation.ActiveDate()
	if err := w.Err(); err != nil {
		s.Fatal = err.Error()
	}
	return s
}

func (w *Writer) run() {
	defer w.wg.Done()
	defer close(w.done)

	for {
		// Queued items are returned even after cancellation, so a drain
		// timeout has to be observed here.
		if w.ctx.Err() != nil {
			w.logger.Info("writer drain canceled", "queued", w.input.Len())
			return
		}
		batch, err := w.input.ReceiveBatch(w.ctx, w.cfg.BatchSize, w.cfg.PopTimeout)
		switch {
		case err == nil:
			if ferr := w.process(batch); ferr != nil {
				w.fail(ferr)
				return
			}
		case errors.Is(err, queue.ErrTimeout):
			w.rotation.Sweep(w.store)
		case errors.Is(err, queue.ErrClosed):
			w.logger.Info("writer queue drained")
			return
		default:
			return
		}
	}
}

// process writes one popped batch. It returns a *FatalError or nil.
func (w *Writer) process(batch []model.Event) error {
	// Stable: equal timestamps keep queue (emission) order.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})
	w.checkOrder(batch)

	for start := 0; start < len(batch); {
		date := w.rotation.DateOf(batch[start].Timestamp)
		end := start + 1
		for end < len(batch) && w.rotation.DateOf(batch[end].Timestamp) == date {
			end++
		}
		if err := w.writeGroup(date, batch[start:end]); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// checkOrder counts samples older than the newest one already seen for
// their feed. They are still written; rows are ordered by their timestamp
// index, not by insertion.
func (w *Writer) checkOrder(batch []model.Event) {
	regressed := make(map[string]int)
	for _, ev := range batch {
		if ev.Kind == model.KindMarket || ev.Kind == model.KindSystem {
			continue
		}
		last, ok := w.lastTs[ev.Feed]
		if ok && ev.Timestamp.Before(last) {
			regressed[ev.Feed]++
			continue
		}
		w.lastTs[ev.Feed] = ev.Timestamp
	}

	for feed, n := range regressed {
		w.metrics.OutOfOrder(n)
		w.statsMu.Lock()
		w.stats.OutOfOrder += uint64(n)
		w.statsMu.Unlock()
		w.logger.Warn("out-of-order samples",
			"feed", feed,
			"events", n,
			"last_written", w.lastTs[feed],
		)
	}
}

func (w *Writer) writeGroup(date storage.Date, group []model.Event) error {
	win, err := w.rotation.GetOrOpen(w.store, date)
	if err != nil {
		if errors.Is(err, storage.ErrLateData) {
			w.metrics.LateDataLoss(len(group))
			w.statsMu.Lock()
			w.stats.LateDropped += uint64(len(group))
			w.statsMu.Unlock()
			w.logger.Warn("late data dropped",
				"date", date,
				"events", len(group),
				"oldest", group[0].Timestamp,
				"error", err,
			)
			return nil
		}
		return &FatalError{Class: RotationFailure, Err: err}
	}

	events := append(w.seedFor(date, group[0].Timestamp), group...)

	started := time.Now()
	if err := w.appendWithRetry(win, events); err != nil {
		return &FatalError{Class: StorageWriteFailure, Err: err}
	}
	w.metrics.BatchCommitted(len(group), time.Since(started))
	w.seeded[date] = struct{}{}
	w.trackMarkets(group)

	w.statsMu.Lock()
	w.stats.Batches++
	w.stats.Written += uint64(len(group))
	w.stats.LastCommitAt = time.Now()
	w.statsMu.Unlock()
	return nil
}

// seedFor returns market records for a window that has not seen them yet,
// so each day's file holds the markets its rows refer to.
func (w *Writer) seedFor(date storage.Date, at time.Time) []model.Event {
	if _, ok := w.seeded[date]; ok || len(w.markets) == 0 {
		return nil
	}
	ids := make([]string, 0, len(w.markets))
	for id := range w.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seed := make([]model.Event, 0, len(ids))
	for _, id := range ids {
		rec := w.markets[id]
		ev := model.NewMarketEvent("writer", rec)
		ev.Timestamp = at
		seed = append(seed, ev)
	}
	return seed
}

func (w *Writer) trackMarkets(group []model.Event) {
	for _, ev := range group {
		if ev.Market == nil {
			continue
		}
		if ev.Market.Active {
			w.markets[ev.Market.Instance.ID] = *ev.Market
		} else {
			delete(w.markets, ev.Market.Instance.ID)
		}
	}
}

func (w *Writer) appendWithRetry(win storage.Window, events []model.Event) error {
	backoff := w.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := win.Append(w.store, events)
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrWindowClosed) || attempt >= w.cfg.StorageRetries {
			return err
		}

		w.metrics.StorageRetry()
		w.statsMu.Lock()
		w.stats.Retries++
		w.statsMu.Unlock()
		w.logger.Warn("storage write failed, retrying",
			"date", win.Date(),
			"attempt", attempt+1,
			"max_retries", w.cfg.StorageRetries,
			"backoff", backoff,
			"error", err,
		)
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (w *Writer) fail(err error) {
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()

	w.metrics.StorageFailure()
	w.logger.Error("writer halted, ingestion stopped", "error", err, "queued", w.input.Len())
}
