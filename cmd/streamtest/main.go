// streamtest polls the live feeds and prints every sample to the console
// without touching storage.
// Usage: go run ./cmd/streamtest --config configs/recorder.example.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/config"
	"github.com/rickgao/updown-recorder/internal/lag"
	"github.com/rickgao/updown-recorder/internal/market"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/poller"
	"github.com/rickgao/updown-recorder/internal/queue"
	"github.com/rickgao/updown-recorder/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	books := flag.Bool("books", false, "also poll orderbooks of the current instances")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	apiClient := api.NewClient(api.Endpoints{
		Clob:      cfg.API.ClobURL,
		Gamma:     cfg.API.GammaURL,
		Spot:      cfg.API.SpotURL,
		EventPage: cfg.API.EventPageURL,
	}, cfg.API.APIKey,
		api.WithLogger(logger),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
		api.WithRequestDelay(cfg.API.RequestDelay),
	)

	oracleCfg := stream.DefaultConfig()
	oracleCfg.URL = cfg.API.RTDSURL
	oracleCfg.Symbol = cfg.API.OracleSymbol
	oracle := stream.NewOracleClient(oracleCfg, logger)
	defer oracle.Close()

	estimator := lag.New(lag.Config{
		Tolerance:  cfg.Lag.MatchTolerance(),
		Horizon:    cfg.Lag.Horizon,
		BufferSize: cfg.Lag.BufferSize,
	})

	q := queue.New[model.Event](1000)
	pollerCfg := func(feed string, interval time.Duration) poller.Config {
		pc := poller.DefaultConfig(feed)
		pc.Interval = interval
		return pc
	}

	pollers := []*poller.Poller{
		poller.New(pollerCfg("spot", time.Second), poller.NewSpotFetcher(apiClient, cfg.API.SpotSymbol, estimator), q, logger),
		poller.New(pollerCfg("oracle", time.Second), poller.NewOracleFetcher(oracle, estimator, nil), q, logger),
	}

	if *books {
		tracker := market.NewTracker(market.DefaultConfig(), apiClient, logger)
		tracker.Start(ctx)
		defer tracker.Stop(context.Background())

		for _, inst := range tracker.Active() {
			logger.Info("tracking instance", "slug", inst.ID, "end", inst.End)
			pollers = append(pollers, poller.New(pollerCfg("orderbook_"+string(inst.Class), 2*time.Second),
				poller.NewOrderbookFetcher(apiClient, inst, 5), q, logger))
		}
	}

	for _, p := range pollers {
		p.Start(ctx)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				qs := q.Stats()
				last := estimator.Last()
				logger.Info("stats",
					"queue", qs.Count,
					"received", qs.TotalReceived,
					"evicted", qs.Evicted,
					"oracle_connected", oracle.IsConnected(),
					"lag_ms", last.LagMs,
					"lag_measured", last.Measured,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	for {
		ev, err := q.Receive(ctx, time.Second)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			break
		}
		printEvent(ev, *verbose)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	for _, p := range pollers {
		p.Stop(shutdownCtx)
	}
	logger.Info("shutdown complete")
}

func printEvent(ev model.Event, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Printf("[%s] %s\n", ev.Kind, data)
		return
	}

	switch {
	case ev.Tick != nil:
		t := ev.Tick
		switch t.Source {
		case model.SourceOracle:
			lagMs := "n/a"
			if t.Lag != nil && t.Lag.Measured {
				lagMs = fmt.Sprintf("%dms", t.Lag.LagMs)
			}
			fmt.Printf("[ORACLE] price=%s ts=%s lag=%s\n", t.Price, t.Timestamp.Format(time.RFC3339Nano), lagMs)
		case model.SourceMidpoint:
			fmt.Printf("[MID] market=%s token=%s bid=%s ask=%s mid=%s\n", t.MarketID, t.TokenID, t.Bid, t.Ask, t.Price)
		default:
			fmt.Printf("[%s] price=%s ts=%s\n", t.Source, t.Price, t.Timestamp.Format(time.RFC3339Nano))
		}
	case ev.Book != nil:
		fmt.Printf("[ORDERBOOK] market=%s token=%s levels=%d best_bid=%s best_ask=%s\n",
			ev.Book.MarketID, ev.Book.TokenID, len(ev.Book.Levels), ev.Book.BestBid(), ev.Book.BestAsk())
	default:
		fmt.Printf("[%s] feed=%s seq=%d\n", ev.Kind, ev.Feed, ev.Seq)
	}
}
