// Package lag estimates how far the oracle price trails the spot price.
//
// The estimate is a heuristic: an oracle price is matched against the most
// recent buffered spot tick within tolerance and horizon. When nothing
// matches the sample is labeled unmeasured rather than reported as zero.
package lag

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/updown-recorder/internal/model"
)

// Config tunes the matcher.
type Config struct {
	Tolerance  decimal.Decimal // Max |spot - oracle| for a match
	Horizon    time.Duration   // How far back from the oracle timestamp to search
	BufferSize int             // Hard cap on buffered spot ticks
}

type spotPoint struct {
	ts    time.Time
	price decimal.Decimal
}

// Estimator keeps a rolling, time-bounded spot history. Safe for concurrent use.
type Estimator struct {
	cfg Config

	mu   sync.Mutex
	buf  []spotPoint // ring, oldest at head
	head int
	n    int
	last model.LagSample
}

// New creates an Estimator.
func New(cfg Config) *Estimator {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &Estimator{
		cfg: cfg,
		buf: make([]spotPoint, cfg.BufferSize),
	}
}

// ObserveSpot buffers one spot tick. Ticks older than the horizon relative
// to the newest tick are discarded.
func (e *Estimator) ObserveSpot(price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.n == len(e.buf) {
		e.head = (e.head + 1) % len(e.buf)
		e.n--
	}
	e.buf[(e.head+e.n)%len(e.buf)] = spotPoint{ts: ts, price: price}
	e.n++

	cutoff := ts.Add(-e.cfg.Horizon)
	for e.n > 0 && e.buf[e.head].ts.Before(cutoff) {
		e.buf[e.head] = spotPoint{}
		e.head = (e.head + 1) % len(e.buf)
		e.n--
	}
}

// Estimate matches an oracle observation against the spot history. The most
// recent spot tick at or before the oracle timestamp, within the horizon and
// tolerance, wins.
func (e *Estimator) Estimate(price decimal.Decimal, ts time.Time) model.LagSample {
	e.mu.Lock()
	defer e.mu.Unlock()

	sample := model.LagSample{OracleTimestamp: ts}
	oldest := ts.Add(-e.cfg.Horizon)

	for i := e.n - 1; i >= 0; i-- {
		p := e.buf[(e.head+i)%len(e.buf)]
		if p.ts.After(ts) {
			continue
		}
		if p.ts.Before(oldest) {
			break
		}
		if p.price.Sub(price).Abs().LessThanOrEqual(e.cfg.Tolerance) {
			sample.MatchedSpotTimestamp = p.ts
			sample.LagMs = ts.Sub(p.ts).Milliseconds()
			sample.Measured = true
			break
		}
	}

	e.last = sample
	return sample
}

// Last returns the most recent estimate.
func (e *Estimator) Last() model.LagSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Len returns the number of buffered spot ticks.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}
