package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// filePrefix doubles as a postgres schema prefix, so it stays a plain
// lowercase identifier.
var filePrefix = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks that all required fields are set and values are valid.
func (c *RecorderConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.ClobURL == "" {
		return errors.New("api.clob_url is required")
	}
	if c.API.GammaURL == "" {
		return errors.New("api.gamma_url is required")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.API.RequestDelay < 0 {
		return errors.New("api.request_delay must be >= 0")
	}

	if len(c.Markets.Classes) == 0 {
		return errors.New("markets.classes must not be empty")
	}
	seen := make(map[string]bool, len(c.Markets.Classes))
	for i, mc := range c.Markets.Classes {
		if mc.Class != "15m" && mc.Class != "5m" {
			return fmt.Errorf("markets.classes[%d].class must be 15m or 5m, got %q", i, mc.Class)
		}
		if seen[mc.Class] {
			return fmt.Errorf("markets.classes[%d].class %s is duplicated", i, mc.Class)
		}
		seen[mc.Class] = true
		if mc.DiscoveryInterval <= 0 {
			return fmt.Errorf("markets.classes[%d].discovery_interval must be > 0", i)
		}
	}
	if c.Markets.MaxTracked < 1 {
		return errors.New("markets.max_tracked must be >= 1")
	}

	if c.Poller.OrderbookDepth < 1 {
		return errors.New("poller.orderbook_depth must be >= 1")
	}
	if c.Poller.RecordIntervalMinutes < 1 {
		return errors.New("poller.record_interval_minutes must be >= 1")
	}
	// Cadence must be shorter than the shortest window being recorded.
	shortest := 15 * time.Minute
	if seen["5m"] {
		shortest = 5 * time.Minute
	}
	if c.Poller.PriceInterval <= 0 || c.Poller.PriceInterval >= shortest {
		return fmt.Errorf("poller.price_interval must be > 0 and < %s", shortest)
	}
	if c.Poller.OrderbookInterval <= 0 || c.Poller.OrderbookInterval >= shortest {
		return fmt.Errorf("poller.orderbook_interval must be > 0 and < %s", shortest)
	}
	if c.Poller.BackoffMax < c.Poller.BackoffBase {
		return errors.New("poller.backoff_max must be >= poller.backoff_base")
	}
	if c.Poller.EnqueueTimeout <= 0 {
		return errors.New("poller.enqueue_timeout must be > 0")
	}

	if c.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be >= 1")
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}
	if c.Writer.StorageRetries < 0 {
		return errors.New("writer.storage_retries must be >= 0")
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required")
		}
	case "postgres":
		if err := c.Storage.Postgres.validate("storage.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or postgres, got %q", c.Storage.Backend)
	}
	if !filePrefix.MatchString(c.Storage.FilePrefix) {
		return fmt.Errorf("storage.file_prefix must match %s, got %q", filePrefix, c.Storage.FilePrefix)
	}
	if _, err := c.Storage.Location(); err != nil {
		return fmt.Errorf("storage.time_zone: %w", err)
	}
	if c.Storage.LateGrace < 0 {
		return errors.New("storage.late_grace must be >= 0")
	}

	if c.Health.DegradedAfter <= 0 {
		return errors.New("health.degraded_after must be > 0")
	}
	if c.Health.DownAfter <= c.Health.DegradedAfter {
		return errors.New("health.down_after must be greater than health.degraded_after")
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", c.Health.Port)
	}

	if c.Lag.MatchTolerance().IsNegative() {
		return errors.New("lag.tolerance must be >= 0")
	}
	if c.Lag.Horizon <= 0 {
		return errors.New("lag.horizon must be > 0")
	}
	if c.Lag.BufferSize < 1 {
		return errors.New("lag.buffer_size must be >= 1")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
