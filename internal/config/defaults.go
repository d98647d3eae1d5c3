package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "recorder"
	DefaultClobURL           = "https://clob.polymarket.com"
	DefaultGammaURL          = "https://gamma-api.polymarket.com"
	DefaultSpotURL           = "https://api.binance.com"
	DefaultRTDSURL           = "wss://ws-live-data.polymarket.com"
	DefaultEventPageURL      = "https://polymarket.com/event"
	DefaultSpotSymbol        = "BTCUSDT"
	DefaultOracleSymbol      = "btc/usd"
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultRequestDelay      = 100 * time.Millisecond
	DefaultMaxTracked        = 2
	DefaultPriceInterval     = 333 * time.Millisecond
	DefaultOrderbookInterval = 1 * time.Second
	DefaultTargetInterval    = 30 * time.Second
	DefaultRecordInterval    = 5 // minutes
	DefaultOrderbookDepth    = 10
	DefaultFetchTimeout      = 15 * time.Second
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffMax        = 60 * time.Second
	DefaultEnqueueTimeout    = 250 * time.Millisecond
	DefaultStopTimeout       = 10 * time.Second
	DefaultQueueCapacity     = 10000
	DefaultBatchSize         = 500
	DefaultPopTimeout        = 1 * time.Second
	DefaultStorageRetries    = 5
	DefaultWriterBackoff     = 200 * time.Millisecond
	DefaultDrainTimeout      = 30 * time.Second
	DefaultBackend           = "sqlite"
	DefaultDataDir           = "data"
	DefaultFilePrefix        = "recorder"
	DefaultLateGrace         = 5 * time.Minute
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultCheckInterval     = 10 * time.Second
	DefaultDegradedAfter     = 60 * time.Second
	DefaultDownAfter         = 180 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultLagHorizon        = 10 * time.Second
	DefaultLagBufferSize     = 1000
	DefaultReportInterval    = 60 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLogMaxSizeMB      = 100
	DefaultLogMaxBackups     = 5
	DefaultLogMaxAgeDays     = 30
)

// DefaultLagTolerance is the absolute price difference accepted as a spot/oracle match.
var DefaultLagTolerance = decimal.RequireFromString("0.1")

// defaultClasses mirrors the two market instances recorded concurrently.
func defaultClasses() []MarketClassConfig {
	return []MarketClassConfig{
		{Class: "15m", SlugPrefix: "btc-updown-15m", DiscoveryInterval: 60 * time.Second, HistorySize: 20},
		{Class: "5m", SlugPrefix: "btc-updown-5m", DiscoveryInterval: 30 * time.Second, HistorySize: 40},
	}
}

// ApplyDefaults fills zero-valued fields. It is idempotent.
func (c *RecorderConfig) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// API defaults
	if c.API.ClobURL == "" {
		c.API.ClobURL = DefaultClobURL
	}
	if c.API.GammaURL == "" {
		c.API.GammaURL = DefaultGammaURL
	}
	if c.API.SpotURL == "" {
		c.API.SpotURL = DefaultSpotURL
	}
	if c.API.RTDSURL == "" {
		c.API.RTDSURL = DefaultRTDSURL
	}
	if c.API.EventPageURL == "" {
		c.API.EventPageURL = DefaultEventPageURL
	}
	if c.API.SpotSymbol == "" {
		c.API.SpotSymbol = DefaultSpotSymbol
	}
	if c.API.OracleSymbol == "" {
		c.API.OracleSymbol = DefaultOracleSymbol
	}
	if c.API.ConnectTimeout == 0 {
		c.API.ConnectTimeout = DefaultConnectTimeout
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = DefaultReadTimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}
	if c.API.RequestDelay == 0 {
		c.API.RequestDelay = DefaultRequestDelay
	}

	// Market defaults
	if len(c.Markets.Classes) == 0 {
		c.Markets.Classes = defaultClasses()
	}
	for i := range c.Markets.Classes {
		mc := &c.Markets.Classes[i]
		if mc.SlugPrefix == "" {
			mc.SlugPrefix = "btc-updown-" + mc.Class
		}
		if mc.DiscoveryInterval == 0 {
			mc.DiscoveryInterval = 60 * time.Second
		}
		if mc.HistorySize == 0 {
			mc.HistorySize = 20
		}
	}
	if c.Markets.MaxTracked == 0 {
		c.Markets.MaxTracked = DefaultMaxTracked
	}

	// Poller defaults
	if c.Poller.PriceInterval == 0 {
		c.Poller.PriceInterval = DefaultPriceInterval
	}
	if c.Poller.OrderbookInterval == 0 {
		c.Poller.OrderbookInterval = DefaultOrderbookInterval
	}
	if c.Poller.TargetInterval == 0 {
		c.Poller.TargetInterval = DefaultTargetInterval
	}
	if c.Poller.RecordIntervalMinutes == 0 {
		c.Poller.RecordIntervalMinutes = DefaultRecordInterval
	}
	if c.Poller.OrderbookDepth == 0 {
		c.Poller.OrderbookDepth = DefaultOrderbookDepth
	}
	if c.Poller.FetchTimeout == 0 {
		c.Poller.FetchTimeout = DefaultFetchTimeout
	}
	if c.Poller.BackoffBase == 0 {
		c.Poller.BackoffBase = DefaultBackoffBase
	}
	if c.Poller.BackoffMax == 0 {
		c.Poller.BackoffMax = DefaultBackoffMax
	}
	if c.Poller.EnqueueTimeout == 0 {
		c.Poller.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.Poller.StopTimeout == 0 {
		c.Poller.StopTimeout = DefaultStopTimeout
	}

	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.PopTimeout == 0 {
		c.Writer.PopTimeout = DefaultPopTimeout
	}
	if c.Writer.StorageRetries == 0 {
		c.Writer.StorageRetries = DefaultStorageRetries
	}
	if c.Writer.RetryBackoff == 0 {
		c.Writer.RetryBackoff = DefaultWriterBackoff
	}
	if c.Writer.DrainTimeout == 0 {
		c.Writer.DrainTimeout = DefaultDrainTimeout
	}

	// Storage defaults
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultBackend
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}
	if c.Storage.FilePrefix == "" {
		c.Storage.FilePrefix = DefaultFilePrefix
	}
	if c.Storage.LateGrace == 0 {
		c.Storage.LateGrace = DefaultLateGrace
	}
	applyDBDefaults(&c.Storage.Postgres)

	// Health defaults
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = DefaultCheckInterval
	}
	if c.Health.DegradedAfter == 0 {
		c.Health.DegradedAfter = DefaultDegradedAfter
	}
	if c.Health.DownAfter == 0 {
		c.Health.DownAfter = DefaultDownAfter
	}
	if c.Health.HeartbeatInterval == 0 {
		c.Health.HeartbeatInterval = DefaultHeartbeatInterval
	}

	// Lag defaults
	if c.Lag.Tolerance == nil {
		tol := DefaultLagTolerance
		c.Lag.Tolerance = &tol
	}
	if c.Lag.Horizon == 0 {
		c.Lag.Horizon = DefaultLagHorizon
	}
	if c.Lag.BufferSize == 0 {
		c.Lag.BufferSize = DefaultLagBufferSize
	}

	if c.Status.ReportInterval == 0 {
		c.Status.ReportInterval = DefaultReportInterval
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

// Overrides are command-line values that replace file settings. Zero values
// leave the file setting alone.
type Overrides struct {
	RecordIntervalMinutes int
	DataDir               string
	MaxTracked            int
}

// ApplyOverrides copies non-zero overrides into c. Call before Validate.
func (c *RecorderConfig) ApplyOverrides(o Overrides) {
	if o.RecordIntervalMinutes != 0 {
		c.Poller.RecordIntervalMinutes = o.RecordIntervalMinutes
	}
	if o.DataDir != "" {
		c.Storage.DataDir = o.DataDir
	}
	if o.MaxTracked != 0 {
		c.Markets.MaxTracked = o.MaxTracked
	}
}
