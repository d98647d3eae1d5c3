package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/rickgao/updown-recorder/internal/config"
	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/queue"
	"github.com/rickgao/updown-recorder/internal/storage"
)

type fakeWindow struct {
	date storage.Date
	b    *fakeBackend

	events []model.Event
	closed bool
}

func (w *fakeWindow) Date() storage.Date { return w.date }

func (w *fakeWindow) Append(ctx context.Context, events []model.Event) error {
	time.Sleep(w.b.delay)
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if w.closed {
		return storage.ErrWindowClosed
	}
	w.b.appends++
	if w.b.failAppends > 0 {
		w.b.failAppends--
		return errors.New("disk I/O error")
	}
	w.events = append(w.events, events...)
	return nil
}

func (w *fakeWindow) Close(ctx context.Context) error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	w.closed = true
	return nil
}

type fakeBackend struct {
	mu          sync.Mutex
	windows     []*fakeWindow
	failAppends int
	failOpen    bool
	appends     int
	delay       time.Duration // per Append; set before Start
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Open(ctx context.Context, date storage.Date) (storage.Window, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpen && len(b.windows) > 0 {
		return nil, errors.New("no space left on device")
	}
	w := &fakeWindow{date: date, b: b}
	b.windows = append(b.windows, w)
	return w, nil
}

func (b *fakeBackend) snapshot() []*fakeWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*fakeWindow, len(b.windows))
	copy(out, b.windows)
	return out
}

func testConfig() config.WriterConfig {
	return config.WriterConfig{
		BatchSize:      50,
		PopTimeout:     20 * time.Millisecond,
		StorageRetries: 2,
		RetryBackoff:   time.Millisecond,
		DrainTimeout:   2 * time.Second,
	}
}

func newTestWriter(t *testing.T, backend storage.Backend, grace time.Duration) (*Writer, *queue.Queue[model.Event], *metrics.Metrics) {
	t.Helper()
	q := queue.New[model.Event](1000)
	mt := metrics.New()
	rot := storage.NewManager(backend, storage.WithLateGrace(grace), storage.WithMetrics(mt))
	w := New(testConfig(), q, rot, nil, WithMetrics(mt))
	return w, q, mt
}

func spotEvent(ts time.Time, seq uint64) model.Event {
	ev := model.NewTickEvent("spot", model.PriceTick{
		Source:    model.SourceSpot,
		Price:     decimal.NewFromInt(int64(67000 + seq)),
		Timestamp: ts,
	})
	ev.Seq = seq
	return ev
}

func send(t *testing.T, q *queue.Queue[model.Event], events ...model.Event) {
	t.Helper()
	for _, ev := range events {
		if _, dropped, err := q.Send(context.Background(), ev, time.Second); err != nil || dropped {
			t.Fatalf("Send() dropped=%v err=%v", dropped, err)
		}
	}
}

func TestWriter_OrderAndDayBoundary(t *testing.T) {
	backend := &fakeBackend{}
	w, q, _ := newTestWriter(t, backend, 0)
	ctx := context.Background()

	base := time.Date(2025, 10, 17, 23, 59, 50, 0, time.UTC)
	for i := 0; i < 20; i++ {
		send(t, q, spotEvent(base.Add(time.Duration(i)*time.Second), uint64(i)))
	}

	w.Start(ctx)
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}

	wins := backend.snapshot()
	if len(wins) != 2 {
		t.Fatalf("windows = %d, want 2", len(wins))
	}
	total := 0
	var lastSeq uint64
	for wi, win := range wins {
		for i, ev := range win.events {
			if got := storage.DateOf(ev.Timestamp, time.UTC); got != win.date {
				t.Errorf("event %d in window %s has date %s", ev.Seq, win.date, got)
			}
			if (wi > 0 || i > 0) && ev.Seq <= lastSeq {
				t.Errorf("seq %d after %d: intra-feed order broken", ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
			total++
		}
		if !win.closed {
			t.Errorf("window %s not finalized", win.date)
		}
	}
	if total != 20 {
		t.Errorf("stored %d events, want 20", total)
	}
}

func TestWriter_SortsOutOfOrderArrivals(t *testing.T) {
	backend := &fakeBackend{}
	w, q, _ := newTestWriter(t, backend, 0)
	ctx := context.Background()

	base := time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC)
	send(t, q,
		spotEvent(base.Add(2*time.Second), 2),
		spotEvent(base, 0),
		spotEvent(base.Add(time.Second), 1),
	)

	w.Start(ctx)
	w.Stop(ctx)

	events := backend.snapshot()[0].events
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Errorf("event %d stored before an earlier timestamp", i)
		}
	}
}

func TestWriter_LateDataCounted(t *testing.T) {
	backend := &fakeBackend{}
	w, q, mt := newTestWriter(t, backend, 0)
	ctx := context.Background()

	day2 := time.Date(2025, 10, 18, 0, 0, 5, 0, time.UTC)
	send(t, q, spotEvent(day2, 1))

	w.Start(ctx)
	deadline := time.Now().Add(time.Second)
	for w.Stats().Written < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	send(t, q, spotEvent(day2.Add(-time.Hour), 2), spotEvent(day2.Add(time.Second), 3))
	w.Stop(ctx)

	if err := w.Err(); err != nil {
		t.Fatalf("late data must not be fatal: %v", err)
	}
	if got := mt.Snapshot().LateDataLoss; got != 1 {
		t.Errorf("LateDataLoss = %d, want 1", got)
	}
	if got := w.Stats().Written; got != 2 {
		t.Errorf("Written = %d, want 2", got)
	}
}

func TestWriter_RetriesTransientStorageFailure(t *testing.T) {
	backend := &fakeBackend{failAppends: 2}
	w, q, mt := newTestWriter(t, backend, 0)
	ctx := context.Background()

	send(t, q, spotEvent(time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC), 1))
	w.Start(ctx)
	w.Stop(ctx)

	if err := w.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if got := mt.Snapshot().StorageRetries; got != 2 {
		t.Errorf("StorageRetries = %d, want 2", got)
	}
	if n := len(backend.snapshot()[0].events); n != 1 {
		t.Errorf("stored %d events, want 1", n)
	}
}

func TestWriter_StorageFailureIsFatal(t *testing.T) {
	backend := &fakeBackend{failAppends: 100}
	w, q, _ := newTestWriter(t, backend, 0)
	ctx := context.Background()

	send(t, q, spotEvent(time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC), 1))
	w.Start(ctx)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not halt")
	}

	err := w.Err()
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("Err() = %v, want fatal", err)
	}
	var fe *FatalError
	if !errors.As(err, &fe) || fe.Class != StorageWriteFailure {
		t.Errorf("Err() = %v, want StorageWriteFailure", err)
	}
	if backend.appends != 3 {
		t.Errorf("appends = %d, want 3 (1 + 2 retries)", backend.appends)
	}
	w.Stop(ctx)
}

func TestWriter_RotationFailureIsFatal(t *testing.T) {
	backend := &fakeBackend{failOpen: true}
	w, q, _ := newTestWriter(t, backend, 0)
	ctx := context.Background()

	send(t, q,
		spotEvent(time.Date(2025, 10, 17, 23, 59, 59, 0, time.UTC), 1),
		spotEvent(time.Date(2025, 10, 18, 0, 0, 1, 0, time.UTC), 2),
	)
	w.Start(ctx)

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not halt")
	}
	var fe *FatalError
	if !errors.As(w.Err(), &fe) || fe.Class != RotationFailure {
		t.Errorf("Err() = %v, want RotationFailure", w.Err())
	}
	var rerr *storage.RotationError
	if !errors.As(w.Err(), &rerr) {
		t.Errorf("Err() should wrap *storage.RotationError")
	}
	w.Stop(ctx)
}

func TestWriter_SeedsMarketsIntoNewWindow(t *testing.T) {
	backend := &fakeBackend{}
	w, q, _ := newTestWriter(t, backend, 0)
	ctx := context.Background()

	start := time.Date(2025, 10, 17, 23, 45, 0, 0, time.UTC)
	inst := model.MarketInstance{
		ID: "btc-updown-15m-1760744700", Class: model.Class15m,
		UpTokenID: "up", DownTokenID: "down",
		Start: start, End: start.Add(15 * time.Minute),
	}
	send(t, q,
		model.NewMarketEvent("market:15m", model.MarketRecord{Instance: inst, Active: true, SeenAt: start}),
		spotEvent(start.Add(time.Minute), 1),
	)
	w.Start(ctx)
	deadline := time.Now().Add(time.Second)
	for w.Stats().Written < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	send(t, q, spotEvent(time.Date(2025, 10, 18, 0, 0, 1, 0, time.UTC), 2))
	w.Stop(ctx)

	wins := backend.snapshot()
	if len(wins) != 2 {
		t.Fatalf("windows = %d, want 2", len(wins))
	}
	first := wins[1].events[0]
	if first.Market == nil || first.Market.Instance.ID != inst.ID {
		t.Errorf("new window should start with the active market record, got %+v", first)
	}
}

func TestWriter_StopDrainsQueue(t *testing.T) {
	backend := &fakeBackend{}
	w, q, _ := newTestWriter(t, backend, 0)
	ctx := context.Background()
	w.Start(ctx)

	base := time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		send(t, q, spotEvent(base.Add(time.Duration(i)*time.Millisecond), uint64(i)))
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if q.Len() != 0 {
		t.Errorf("queue has %d events after Stop", q.Len())
	}
	if got := w.Stats().Written; got != 500 {
		t.Errorf("Written = %d, want 500", got)
	}
	if _, _, err := q.Send(ctx, spotEvent(base, 0), 0); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Send after Stop: err = %v, want ErrClosed", err)
	}
}

func TestWriter_DrainTimeoutBoundsStop(t *testing.T) {
	backend := &fakeBackend{delay: 5 * time.Millisecond}
	q := queue.New[model.Event](1000)
	rot := storage.NewManager(backend)
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.DrainTimeout = 100 * time.Millisecond
	w := New(cfg, q, rot, nil)

	const total = 1000
	base := time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC)
	for i := 0; i < total; i++ {
		send(t, q, spotEvent(base.Add(time.Duration(i)*time.Millisecond), uint64(i)))
	}

	ctx := context.Background()
	w.Start(ctx)
	began := time.Now()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if took := time.Since(began); took > time.Second {
		t.Errorf("Stop took %v with a %v drain timeout", took, cfg.DrainTimeout)
	}

	stats := w.Stats()
	if stats.Written > total-uint64(cfg.BatchSize) || stats.Written == 0 {
		t.Errorf("Written = %d, want a partial drain", stats.Written)
	}
	if got := stats.Written + uint64(stats.Unwritten); got != total {
		t.Errorf("Written + Unwritten = %d + %d, want %d", stats.Written, stats.Unwritten, total)
	}
	if stored := len(backend.snapshot()[0].events); uint64(stored) != stats.Written {
		t.Errorf("stored %d events, Written = %d", stored, stats.Written)
	}
	if err := w.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if rot.State() != storage.StateClosed {
		t.Errorf("rotation state = %v, want closed", rot.State())
	}
}

func TestWriter_StopWithExpiredContext(t *testing.T) {
	backend := &fakeBackend{delay: 200 * time.Millisecond}
	q := queue.New[model.Event](10)
	rot := storage.NewManager(backend)
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.DrainTimeout = time.Millisecond
	w := New(cfg, q, rot, nil)

	base := time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC)
	send(t, q, spotEvent(base, 0), spotEvent(base.Add(time.Second), 1))
	w.Start(context.Background())
	waitFor(t, "first append", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.windows) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() error = %v, want deadline exceeded", err)
	}
	// The in-flight append must not find its window finalized.
	<-w.Done()
	if err := w.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if rot.State() == storage.StateClosed {
		t.Error("storage finalized while the writer was still appending")
	}
}

func TestWriter_CountsFeedRegressions(t *testing.T) {
	backend := &fakeBackend{}
	w, q, mt := newTestWriter(t, backend, 0)
	ctx := context.Background()
	w.Start(ctx)

	base := time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC)
	send(t, q, spotEvent(base.Add(2*time.Second), 1))
	waitFor(t, "first commit", func() bool { return w.Stats().Written == 1 })

	oracle := model.NewTickEvent("oracle", model.PriceTick{
		Source:    model.SourceOracle,
		Price:     decimal.NewFromInt(67000),
		Timestamp: base,
	})
	send(t, q, spotEvent(base.Add(time.Second), 2), oracle)
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stats := w.Stats()
	if stats.Written != 3 {
		t.Errorf("Written = %d, want 3 (regressions are still stored)", stats.Written)
	}
	if stats.OutOfOrder != 1 {
		t.Errorf("OutOfOrder = %d, want 1 (only the spot regression)", stats.OutOfOrder)
	}
	if got := mt.Snapshot().OutOfOrder; got != 1 {
		t.Errorf("metrics OutOfOrder = %d, want 1", got)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWriter_SQLiteEndToEnd(t *testing.T) {
	dir := t.TempDir()
	backend := storage.NewSQLiteBackend(dir, "recorder", nil)
	w, q, _ := newTestWriter(t, backend, 0)
	ctx := context.Background()

	base := time.Date(2025, 10, 17, 23, 59, 58, 0, time.UTC)
	for i := 0; i < 4; i++ {
		send(t, q, spotEvent(base.Add(time.Duration(i)*time.Second), uint64(i)))
	}
	w.Start(ctx)
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}

	for _, date := range []storage.Date{"2025-10-17", "2025-10-18"} {
		win, err := backend.Open(ctx, date)
		if err != nil {
			t.Fatalf("reopen %s: %v", date, err)
		}
		db := win.(interface{ DB() *gorm.DB }).DB()
		var n int64
		db.Table("price_snapshots").Count(&n)
		if n != 2 {
			t.Errorf("%s price_snapshots = %d, want 2", date, n)
		}
		win.Close(ctx)
	}
	if got := w.Stats().Written; got != 4 {
		t.Errorf("Written = %d, want 4", got)
	}
}
