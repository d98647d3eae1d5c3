package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/config"
	"github.com/rickgao/updown-recorder/internal/database"
	"github.com/rickgao/updown-recorder/internal/health"
	"github.com/rickgao/updown-recorder/internal/lag"
	"github.com/rickgao/updown-recorder/internal/market"
	"github.com/rickgao/updown-recorder/internal/metrics"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/poller"
	"github.com/rickgao/updown-recorder/internal/status"
	"github.com/rickgao/updown-recorder/internal/storage"
	"github.com/rickgao/updown-recorder/internal/stream"
)

// Feed names. Instance feeds are suffixed with the duration class.
const (
	FeedSpot      = "spot"
	FeedOracle    = "oracle"
	FeedOrderbook = "orderbook"
	FeedTarget    = "target"
	FeedVolume    = "volume"
	FeedRecorder  = "recorder"
)

func instanceFeed(kind string, class model.DurationClass) string {
	return kind + "_" + string(class)
}

// newClient builds one feed client. Each poller gets its own so that rate
// limiting and connection reuse are per feed.
func newClient(cfg config.APIConfig, logger *slog.Logger, m *metrics.Metrics, name string) *api.Client {
	return api.NewClient(
		api.Endpoints{
			Clob:      cfg.ClobURL,
			Gamma:     cfg.GammaURL,
			Spot:      cfg.SpotURL,
			EventPage: cfg.EventPageURL,
		},
		cfg.APIKey,
		api.WithTimeout(cfg.ReadTimeout),
		api.WithConnectTimeout(cfg.ConnectTimeout),
		api.WithRetries(cfg.MaxRetries, cfg.RetryBackoff),
		api.WithRequestDelay(cfg.RequestDelay),
		api.WithLogger(logger.With("client", name)),
		api.WithMetrics(m),
	)
}

func oracleConfig(cfg config.APIConfig) stream.Config {
	sc := stream.DefaultConfig()
	if cfg.RTDSURL != "" {
		sc.URL = cfg.RTDSURL
	}
	if cfg.OracleSymbol != "" {
		sc.Symbol = cfg.OracleSymbol
	}
	if cfg.ConnectTimeout > 0 {
		sc.HandshakeTimeout = cfg.ConnectTimeout
	}
	sc.APIKey = cfg.APIKey
	return sc
}

func pollerConfig(cfg config.PollerConfig, feed string, interval time.Duration) poller.Config {
	return poller.Config{
		Feed:           feed,
		Interval:       interval,
		FetchTimeout:   cfg.FetchTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		EnqueueTimeout: cfg.EnqueueTimeout,
	}
}

func healthConfig(cfg config.HealthConfig) health.Config {
	return health.Config{
		CheckInterval: cfg.CheckInterval,
		DegradedAfter: cfg.DegradedAfter,
		DownAfter:     cfg.DownAfter,
	}
}

func lagConfig(cfg config.LagConfig) lag.Config {
	return lag.Config{
		Tolerance:  cfg.MatchTolerance(),
		Horizon:    cfg.Horizon,
		BufferSize: cfg.BufferSize,
	}
}

func statusConfig(cfg *config.RecorderConfig) status.Config {
	return status.Config{
		ReportInterval:    cfg.Status.ReportInterval,
		HeartbeatFile:     cfg.Health.HeartbeatFile,
		HeartbeatInterval: cfg.Health.HeartbeatInterval,
	}
}

func trackerConfig(cfg config.MarketsConfig) (market.Config, error) {
	mc := market.Config{MaxTracked: cfg.MaxTracked, MinRemaining: market.MinRemaining}
	for _, c := range cfg.Classes {
		class, err := model.ParseDurationClass(c.Class)
		if err != nil {
			return market.Config{}, err
		}
		mc.Classes = append(mc.Classes, market.ClassConfig{
			Class:       class,
			SlugPrefix:  c.SlugPrefix,
			Interval:    c.DiscoveryInterval,
			HistorySize: c.HistorySize,
		})
	}
	return mc, nil
}

// openBackend selects the storage backend. The returned pool is non-nil
// only for postgres and is owned by the caller.
func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, *pgxpool.Pool, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return storage.NewSQLiteBackend(cfg.DataDir, cfg.FilePrefix, logger), nil, nil
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return storage.NewPostgresBackend(pool, cfg.FilePrefix, logger), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
