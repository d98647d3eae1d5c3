package market

import (
	"context"
	"time"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/model"
)

// ChangeBufferSize is the capacity of the MarketChange channel.
const ChangeBufferSize = 64

// MinRemaining is how long an instance must still have to run to be selected.
const MinRemaining = 10 * time.Second

// EventSource resolves an event slug. *api.Client implements it.
type EventSource interface {
	GetEventBySlug(ctx context.Context, slug string) (*api.GammaEvent, error)
}

// ClassConfig describes discovery for one duration class.
type ClassConfig struct {
	Class       model.DurationClass
	SlugPrefix  string        // e.g. "btc-updown-15m"
	Interval    time.Duration // Re-discovery cadence
	HistorySize int           // Slugs remembered for outcome resolution
}

// Config holds Tracker configuration.
type Config struct {
	Classes      []ClassConfig
	MaxTracked   int           // Bound on concurrently tracked instances; 0 = no bound
	MinRemaining time.Duration // Defaults to MinRemaining
}

// DefaultConfig tracks the 15m and 5m BTC classes.
func DefaultConfig() Config {
	return Config{
		Classes: []ClassConfig{
			{Class: model.Class15m, SlugPrefix: "btc-updown-15m", Interval: 60 * time.Second, HistorySize: 20},
			{Class: model.Class5m, SlugPrefix: "btc-updown-5m", Interval: 30 * time.Second, HistorySize: 40},
		},
		MaxTracked:   2,
		MinRemaining: MinRemaining,
	}
}

// MarketChange reports that a class moved from one instance to another.
// Previous is nil on first discovery; Current is nil when the tracked
// instance expired with no successor found yet.
type MarketChange struct {
	Class    model.DurationClass
	Previous *model.MarketInstance
	Current  *model.MarketInstance
	At       time.Time
}
