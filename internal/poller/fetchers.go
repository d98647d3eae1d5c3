package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/lag"
	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/stream"
)

// SpotSource returns the current spot price. *api.Client implements it.
type SpotSource interface {
	GetSpotPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// OracleSource returns the oracle updates received since the last call,
// oldest first. *stream.OracleClient implements it.
type OracleSource interface {
	Fetch(ctx context.Context) ([]stream.Update, error)
	Reset()
}

// MarketSource serves per-instance market data. *api.Client implements it.
type MarketSource interface {
	GetOrderbook(ctx context.Context, tokenID string) (*api.BookResponse, error)
	GetTargetPrice(ctx context.Context, slug string) (decimal.Decimal, error)
	GetMarketVolume(ctx context.Context, slug string) (api.VolumeInfo, error)
}

// -----------------------------------------------------------------------------
// Spot
// -----------------------------------------------------------------------------

// SpotFetcher samples the spot price and feeds the lag estimator.
type SpotFetcher struct {
	source    SpotSource
	symbol    string
	estimator *lag.Estimator
}

// NewSpotFetcher creates a SpotFetcher. estimator may be nil.
func NewSpotFetcher(source SpotSource, symbol string, estimator *lag.Estimator) *SpotFetcher {
	return &SpotFetcher{source: source, symbol: symbol, estimator: estimator}
}

func (f *SpotFetcher) Fetch(ctx context.Context) ([]model.Event, error) {
	price, ts, err := f.source.GetSpotPrice(ctx, f.symbol)
	if err != nil {
		return nil, err
	}
	if f.estimator != nil {
		f.estimator.ObserveSpot(price, ts)
	}
	tick := model.PriceTick{Source: model.SourceSpot, Price: price, Timestamp: ts}
	return []model.Event{model.NewTickEvent("", tick)}, nil
}

// -----------------------------------------------------------------------------
// Oracle
// -----------------------------------------------------------------------------

// OracleFetcher records oracle updates annotated with the observed lag
// behind spot.
type OracleFetcher struct {
	source    OracleSource
	estimator *lag.Estimator
	metrics   *metrics.Metrics

	last time.Time // source timestamp of the last emitted update
}

// NewOracleFetcher creates an OracleFetcher. estimator and m may be nil.
func NewOracleFetcher(source OracleSource, estimator *lag.Estimator, m *metrics.Metrics) *OracleFetcher {
	return &OracleFetcher{source: source, estimator: estimator, metrics: m}
}

func (f *OracleFetcher) Fetch(ctx context.Context) ([]model.Event, error) {
	updates, err := f.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0, len(updates))
	for _, u := range updates {
		// The stream may hand back an update that was already recorded.
		if !u.Timestamp.After(f.last) {
			continue
		}
		f.last = u.Timestamp

		tick := model.PriceTick{Source: model.SourceOracle, Price: u.Price, Timestamp: u.Timestamp}
		if f.estimator != nil {
			sample := f.estimator.Estimate(u.Price, u.Timestamp)
			tick.Lag = &sample
			if f.metrics != nil {
				f.metrics.LagResult(sample.Measured)
			}
		}
		events = append(events, model.NewTickEvent("", tick))
	}
	return events, nil
}

// Reset drops the stream connection.
func (f *OracleFetcher) Reset() {
	f.source.Reset()
}

// -----------------------------------------------------------------------------
// Target price
// -----------------------------------------------------------------------------

// TargetFetcher records the price to beat of one market instance. The value
// is emitted when first seen and whenever it changes.
type TargetFetcher struct {
	source MarketSource
	inst   model.MarketInstance
	now    func() time.Time

	last decimal.Decimal
}

// NewTargetFetcher creates a TargetFetcher for inst.
func NewTargetFetcher(source MarketSource, inst model.MarketInstance) *TargetFetcher {
	return &TargetFetcher{source: source, inst: inst, now: time.Now}
}

func (f *TargetFetcher) Fetch(ctx context.Context) ([]model.Event, error) {
	price, err := f.source.GetTargetPrice(ctx, f.inst.ID)
	if errors.Is(err, api.ErrNotFound) {
		// Not published yet; the request itself succeeded.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if price.Equal(f.last) {
		return nil, nil
	}
	f.last = price

	tick := model.PriceTick{
		Source:    model.SourceTarget,
		MarketID:  f.inst.ID,
		Price:     price,
		Timestamp: f.now().UTC(),
	}
	return []model.Event{model.NewTickEvent("", tick)}, nil
}

// -----------------------------------------------------------------------------
// Orderbook
// -----------------------------------------------------------------------------

// OrderbookFetcher samples both outcome books of one instance and derives a
// midpoint tick per token.
type OrderbookFetcher struct {
	source MarketSource
	inst   model.MarketInstance
	depth  int
	now    func() time.Time
}

// NewOrderbookFetcher creates an OrderbookFetcher limited to depth levels.
func NewOrderbookFetcher(source MarketSource, inst model.MarketInstance, depth int) *OrderbookFetcher {
	return &OrderbookFetcher{source: source, inst: inst, depth: depth, now: time.Now}
}

func (f *OrderbookFetcher) Fetch(ctx context.Context) ([]model.Event, error) {
	tokens := f.inst.TokenIDs()
	books := make([]model.OrderbookSample, len(tokens))
	fetchedAt := f.now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	for i, token := range tokens {
		g.Go(func() error {
			resp, err := f.source.GetOrderbook(gctx, token)
			if err != nil {
				return fmt.Errorf("orderbook %s: %w", f.inst.Outcome(token), err)
			}
			books[i] = resp.ToOrderbookSample(token, f.inst.ID, f.depth, fetchedAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ticks := midpointTicks(f.inst, books[0], books[1])

	events := make([]model.Event, 0, 4)
	for i := range books {
		events = append(events, model.NewOrderbookEvent("", books[i]))
	}
	for _, t := range ticks {
		events = append(events, model.NewTickEvent("", t))
	}
	return events, nil
}

// midpointTicks builds best bid/ask/mid ticks for both outcomes. A side
// missing from one book is derived from the complementary book, since
// UP and DOWN prices sum to 1.
func midpointTicks(inst model.MarketInstance, up, down model.OrderbookSample) []model.PriceTick {
	upBid, upAsk := up.BestBid(), up.BestAsk()
	downBid, downAsk := down.BestBid(), down.BestAsk()

	if upBid.IsZero() && !downAsk.IsZero() {
		upBid = api.ComplementPrice(downAsk)
	}
	if upAsk.IsZero() && !downBid.IsZero() {
		upAsk = api.ComplementPrice(downBid)
	}
	if downBid.IsZero() && !upAsk.IsZero() {
		downBid = api.ComplementPrice(upAsk)
	}
	if downAsk.IsZero() && !upBid.IsZero() {
		downAsk = api.ComplementPrice(upBid)
	}

	var out []model.PriceTick
	add := func(book model.OrderbookSample, bid, ask decimal.Decimal) {
		if bid.IsZero() || ask.IsZero() {
			return
		}
		out = append(out, model.PriceTick{
			Source:    model.SourceMidpoint,
			MarketID:  inst.ID,
			TokenID:   book.TokenID,
			Price:     bid.Add(ask).Div(decimal.NewFromInt(2)),
			Bid:       bid,
			Ask:       ask,
			Timestamp: book.Timestamp,
		})
	}
	add(up, upBid, upAsk)
	add(down, downBid, downAsk)
	return out
}

// -----------------------------------------------------------------------------
// Volume
// -----------------------------------------------------------------------------

// VolumeFetcher records 24h volume and liquidity of one instance.
type VolumeFetcher struct {
	source MarketSource
	inst   model.MarketInstance
	now    func() time.Time
}

// NewVolumeFetcher creates a VolumeFetcher for inst.
func NewVolumeFetcher(source MarketSource, inst model.MarketInstance) *VolumeFetcher {
	return &VolumeFetcher{source: source, inst: inst, now: time.Now}
}

func (f *VolumeFetcher) Fetch(ctx context.Context) ([]model.Event, error) {
	v, err := f.source.GetMarketVolume(ctx, f.inst.ID)
	if err != nil {
		return nil, err
	}
	sample := model.VolumeSample{
		MarketID:  f.inst.ID,
		Volume24h: v.Volume24h,
		Liquidity: v.Liquidity,
		Timestamp: f.now().UTC(),
	}
	return []model.Event{model.NewVolumeEvent("", sample)}, nil
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]model.Event, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]model.Event, error) {
	return f(ctx)
}
