package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecorderConfig is the root configuration for a recorder instance.
type RecorderConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Markets  MarketsConfig  `yaml:"markets"`
	Poller   PollerConfig   `yaml:"poller"`
	Queue    QueueConfig    `yaml:"queue"`
	Writer   WriterConfig   `yaml:"writer"`
	Storage  StorageConfig  `yaml:"storage"`
	Health   HealthConfig   `yaml:"health"`
	Lag      LagConfig      `yaml:"lag"`
	Status   StatusConfig   `yaml:"status"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this recorder in logs and health output.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds external feed endpoints and per-request policy.
type APIConfig struct {
	ClobURL      string `yaml:"clob_url"`
	GammaURL     string `yaml:"gamma_url"`
	SpotURL      string `yaml:"spot_url"`
	RTDSURL      string `yaml:"rtds_url"`
	EventPageURL string `yaml:"event_page_url"`
	APIKey       string `yaml:"api_key"` // Opaque; passed through as a bearer token

	SpotSymbol   string `yaml:"spot_symbol"`   // e.g. BTCUSDT
	OracleSymbol string `yaml:"oracle_symbol"` // e.g. btc/usd

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	RequestDelay   time.Duration `yaml:"request_delay"` // Inter-request sleep, also the forced 429 sleep
}

// MarketsConfig selects which up/down market classes are tracked.
type MarketsConfig struct {
	Classes    []MarketClassConfig `yaml:"classes"`
	MaxTracked int                 `yaml:"max_tracked"`
}

// MarketClassConfig describes one duration class (15m or 5m).
type MarketClassConfig struct {
	Class             string        `yaml:"class"`       // "15m" or "5m"
	SlugPrefix        string        `yaml:"slug_prefix"` // e.g. "btc-updown-15m"
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	HistorySize       int           `yaml:"history_size"` // Slug->tokens cache for late outcome events
}

// PollerConfig holds feed poller cadence and backoff settings.
type PollerConfig struct {
	PriceInterval         time.Duration `yaml:"price_interval"`
	OrderbookInterval     time.Duration `yaml:"orderbook_interval"`
	TargetInterval        time.Duration `yaml:"target_interval"`
	RecordIntervalMinutes int           `yaml:"record_interval_minutes"` // Volume/liquidity cadence
	OrderbookDepth        int           `yaml:"orderbook_depth"`
	FetchTimeout          time.Duration `yaml:"fetch_timeout"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffMax            time.Duration `yaml:"backoff_max"`
	EnqueueTimeout        time.Duration `yaml:"enqueue_timeout"`
	StopTimeout           time.Duration `yaml:"stop_timeout"`
}

// RecordInterval returns the volume/liquidity cadence as a duration.
func (p PollerConfig) RecordInterval() time.Duration {
	return time.Duration(p.RecordIntervalMinutes) * time.Minute
}

// QueueConfig sizes the Writer Queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// WriterConfig holds durable writer settings.
type WriterConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	PopTimeout     time.Duration `yaml:"pop_timeout"`
	StorageRetries int           `yaml:"storage_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// StorageConfig selects the storage backend and day-window naming.
type StorageConfig struct {
	Backend    string        `yaml:"backend"` // "sqlite" or "postgres"
	DataDir    string        `yaml:"data_dir"`
	FilePrefix string        `yaml:"file_prefix"`
	TimeZone   string        `yaml:"time_zone"`  // IANA name; day boundaries are computed in this zone
	LateGrace  time.Duration `yaml:"late_grace"` // How long a rotated-out window still accepts late events
	Postgres   DBConfig      `yaml:"postgres"`
}

// Location resolves TimeZone, defaulting to UTC.
func (s StorageConfig) Location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.TimeZone)
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds watchdog thresholds and heartbeat output.
type HealthConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval"`
	DegradedAfter     time.Duration `yaml:"degraded_after"`
	DownAfter         time.Duration `yaml:"down_after"`
	HeartbeatFile     string        `yaml:"heartbeat_file"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Port              int           `yaml:"port"` // 0 disables the HTTP health endpoint
}

// LagConfig tunes the oracle/spot lag heuristic.
type LagConfig struct {
	Tolerance  *decimal.Decimal `yaml:"tolerance"` // Unset means DefaultLagTolerance; 0 requires an exact match
	Horizon    time.Duration    `yaml:"horizon"`
	BufferSize int              `yaml:"buffer_size"`
}

// MatchTolerance returns the configured tolerance, or the default when unset.
func (l LagConfig) MatchTolerance() decimal.Decimal {
	if l.Tolerance == nil {
		return DefaultLagTolerance
	}
	return *l.Tolerance
}

// StatusConfig holds status reporter settings.
type StatusConfig struct {
	ReportInterval time.Duration `yaml:"report_interval"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // Empty disables file output
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}
