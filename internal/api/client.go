package api

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/updown-recorder/internal/metrics"
)

// Endpoints are the base URLs of each external source.
type Endpoints struct {
	Clob      string
	Gamma     string
	Spot      string
	EventPage string
}

// Client is a stateless request/response wrapper over the external feeds.
type Client struct {
	endpoints  Endpoints
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	limiter      *rate.Limiter
	requestDelay time.Duration

	connectTimeout time.Duration
	timeout        time.Duration
	maxRetries     int
	retryBackoff   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new feed client. apiKey is passed through opaquely.
func NewClient(endpoints Endpoints, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		endpoints:      endpoints,
		apiKey:         apiKey,
		logger:         slog.Default(),
		limiter:        rate.NewLimiter(rate.Inf, 1),
		connectTimeout: 10 * time.Second,
		timeout:        30 * time.Second,
		maxRetries:     3,
		retryBackoff:   time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		dialer := &net.Dialer{Timeout: c.connectTimeout}
		c.httpClient = &http.Client{
			Timeout: c.timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: c.connectTimeout,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return c
}

// WithTimeout sets the overall read timeout of one HTTP exchange.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithConnectTimeout sets the dial and TLS handshake timeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

// WithRetries sets the retry configuration for transient failures.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithRequestDelay spaces consecutive requests by at least d. The same delay
// is slept before the single retry that follows a 429.
func WithRequestDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestDelay = d
		if d > 0 {
			c.limiter = rate.NewLimiter(rate.Every(d), 1)
		} else {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts retries and auth/malformed failures.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHTTPClient sets a custom HTTP client. Timeout options are then ignored.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
