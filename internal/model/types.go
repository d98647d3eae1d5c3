package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Market Instances
// -----------------------------------------------------------------------------

// DurationClass identifies the window length of an up/down market.
type DurationClass string

const (
	Class15m DurationClass = "15m"
	Class5m  DurationClass = "5m"
)

// Window returns the market window length for the class.
func (c DurationClass) Window() time.Duration {
	switch c {
	case Class15m:
		return 15 * time.Minute
	case Class5m:
		return 5 * time.Minute
	default:
		return 0
	}
}

// ParseDurationClass converts "15m" / "5m" into a DurationClass.
func ParseDurationClass(s string) (DurationClass, error) {
	switch DurationClass(s) {
	case Class15m, Class5m:
		return DurationClass(s), nil
	default:
		return "", fmt.Errorf("unknown duration class %q", s)
	}
}

// MarketInstance is one active time-windowed market. Immutable once created.
type MarketInstance struct {
	ID          string        // Market slug (e.g., "btc-updown-15m-1760745600")
	ConditionID string        // CLOB condition ID
	Class       DurationClass // 15m or 5m
	Question    string
	Description string
	Category    string
	UpTokenID   string    // Outcome token for UP (always first)
	DownTokenID string    // Outcome token for DOWN
	Start       time.Time // Window start
	End         time.Time // Window end
}

// TokenIDs returns both outcome tokens, UP first.
func (m MarketInstance) TokenIDs() []string {
	return []string{m.UpTokenID, m.DownTokenID}
}

// Outcome returns "UP" or "DOWN" for a token of this market, or "" if unknown.
func (m MarketInstance) Outcome(tokenID string) string {
	switch tokenID {
	case m.UpTokenID:
		return "UP"
	case m.DownTokenID:
		return "DOWN"
	default:
		return ""
	}
}

// Active reports whether t falls inside [Start, End).
func (m MarketInstance) Active(t time.Time) bool {
	return !t.Before(m.Start) && t.Before(m.End)
}

// Expired reports whether the window has ended at t.
func (m MarketInstance) Expired(t time.Time) bool {
	return !t.Before(m.End)
}

// -----------------------------------------------------------------------------
// Samples
// -----------------------------------------------------------------------------

// PriceSource names where a PriceTick came from.
type PriceSource string

const (
	SourceSpot     PriceSource = "spot"
	SourceOracle   PriceSource = "oracle"
	SourceTarget   PriceSource = "target"
	SourceMidpoint PriceSource = "midpoint"
)

// PriceTick is a single price observation. MarketID is empty for spot and oracle.
type PriceTick struct {
	Source    PriceSource
	MarketID  string
	TokenID   string
	Price     decimal.Decimal
	Bid       decimal.Decimal // Zero when the feed has no book
	Ask       decimal.Decimal
	Timestamp time.Time

	// Lag annotation (oracle ticks only).
	Lag *LagSample
}

// Spread returns Ask - Bid, or zero when either side is missing.
func (t PriceTick) Spread() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid)
}

// Side is the orderbook side of a level.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// OrderbookLevel is one price level of one side of a token's book.
type OrderbookLevel struct {
	TokenID   string
	MarketID  string
	Side      Side
	Level     int // 1..depth, 1 = best
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

// OrderbookSample is a full depth-limited book for one token sharing one timestamp.
type OrderbookSample struct {
	TokenID   string
	MarketID  string
	Timestamp time.Time
	Levels    []OrderbookLevel
}

// BestBid returns the level-1 bid price, or zero.
func (s OrderbookSample) BestBid() decimal.Decimal {
	return s.best(SideBid)
}

// BestAsk returns the level-1 ask price, or zero.
func (s OrderbookSample) BestAsk() decimal.Decimal {
	return s.best(SideAsk)
}

func (s OrderbookSample) best(side Side) decimal.Decimal {
	for _, l := range s.Levels {
		if l.Side == side && l.Level == 1 {
			return l.Price
		}
	}
	return decimal.Zero
}

// VolumeSample is a market-level volume/liquidity observation.
type VolumeSample struct {
	MarketID  string
	Volume24h decimal.Decimal
	Liquidity decimal.Decimal
	Timestamp time.Time
}

// MarketRecord carries instance metadata into the markets/tokens tables.
type MarketRecord struct {
	Instance MarketInstance
	Active   bool
	SeenAt   time.Time
}

// SystemEvent is an operational event persisted next to the data (switches, outcomes).
type SystemEvent struct {
	Type      string // "market_switch", "market_outcome", "health", "system"
	Severity  string // "info", "warn", "error"
	Message   string
	Timestamp time.Time
}

// LagSample is the derived oracle-vs-spot latency for one oracle tick.
type LagSample struct {
	OracleTimestamp      time.Time
	MatchedSpotTimestamp time.Time // Zero when unmeasured
	LagMs                int64
	Measured             bool // False means no spot tick matched within the horizon
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// EventKind discriminates Event payloads.
type EventKind int

const (
	KindPriceTick EventKind = iota + 1
	KindOrderbook
	KindVolume
	KindMarket
	KindSystem
)

func (k EventKind) String() string {
	switch k {
	case KindPriceTick:
		return "price_tick"
	case KindOrderbook:
		return "orderbook"
	case KindVolume:
		return "volume"
	case KindMarket:
		return "market"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Event is the unit carried by the Writer Queue. Exactly one payload is set.
type Event struct {
	ID        uuid.UUID // Unique per event; storage uses it to make retries idempotent
	Feed      string    // Emitting feed (e.g., "spot", "orderbook:15m")
	Seq       uint64    // Per-feed emission sequence
	Kind      EventKind
	Timestamp time.Time

	Tick   *PriceTick
	Book   *OrderbookSample
	Volume *VolumeSample
	Market *MarketRecord
	System *SystemEvent
}

// NewTickEvent wraps a PriceTick.
func NewTickEvent(feed string, tick PriceTick) Event {
	return Event{ID: uuid.New(), Feed: feed, Kind: KindPriceTick, Timestamp: tick.Timestamp, Tick: &tick}
}

// NewOrderbookEvent wraps an OrderbookSample.
func NewOrderbookEvent(feed string, book OrderbookSample) Event {
	return Event{ID: uuid.New(), Feed: feed, Kind: KindOrderbook, Timestamp: book.Timestamp, Book: &book}
}

// NewVolumeEvent wraps a VolumeSample.
func NewVolumeEvent(feed string, v VolumeSample) Event {
	return Event{ID: uuid.New(), Feed: feed, Kind: KindVolume, Timestamp: v.Timestamp, Volume: &v}
}

// NewMarketEvent wraps a MarketRecord.
func NewMarketEvent(feed string, rec MarketRecord) Event {
	return Event{ID: uuid.New(), Feed: feed, Kind: KindMarket, Timestamp: rec.SeenAt, Market: &rec}
}

// NewSystemEvent wraps a SystemEvent.
func NewSystemEvent(feed string, ev SystemEvent) Event {
	return Event{ID: uuid.New(), Feed: feed, Kind: KindSystem, Timestamp: ev.Timestamp, System: &ev}
}

// MarketID returns the market the event belongs to, or "" for global feeds.
func (e Event) MarketID() string {
	switch {
	case e.Tick != nil:
		return e.Tick.MarketID
	case e.Book != nil:
		return e.Book.MarketID
	case e.Volume != nil:
		return e.Volume.MarketID
	case e.Market != nil:
		return e.Market.Instance.ID
	default:
		return ""
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthStatus is the watchdog's verdict for a feed.
type HealthStatus int32

const (
	Healthy HealthStatus = iota
	Degraded
	Down
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HealthState is a point-in-time copy of one feed's health.
type HealthState struct {
	Feed                string       `json:"feed"`
	LastSuccessAt       time.Time    `json:"last_success_at"` // Zero if the feed never succeeded
	ConsecutiveFailures int64        `json:"consecutive_failures"`
	Status              HealthStatus `json:"status"`
}
