package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/updown-recorder/internal/metrics"
)

// Config holds oracle client settings.
type Config struct {
	URL              string
	Symbol           string // e.g. "btc/usd"
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration // No pong for this long marks the connection stale
	BufferSize       int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "wss://ws-live-data.polymarket.com",
		Symbol:           "btc/usd",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		PongTimeout:      60 * time.Second,
		BufferSize:       64,
	}
}

// OracleClient is a reconnecting RTDS subscriber. Safe for concurrent use,
// though a single poller is the expected caller.
type OracleClient struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	overflowed atomic.Uint64

	mu     sync.Mutex
	sess   *session
	closed bool
}

// session is one websocket connection and its goroutines.
type session struct {
	conn    *websocket.Conn
	updates chan Update
	errs    chan error
	done    chan struct{}
	once    sync.Once

	writeMu  sync.Mutex
	lastPong time.Time
	pongMu   sync.Mutex
}

// Option configures an OracleClient.
type Option func(*OracleClient)

// WithMetrics counts updates lost to a full buffer.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *OracleClient) { c.metrics = m }
}

// NewOracleClient creates a client. No connection is made until Fetch.
func NewOracleClient(cfg Config, logger *slog.Logger, opts ...Option) *OracleClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	c := &OracleClient{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns every update buffered since the last call, oldest first,
// waiting for the next one if none is buffered. It dials and subscribes
// when no connection is open. A connection error tears the session down and
// is returned; the next call redials.
func (c *OracleClient) Fetch(ctx context.Context) ([]Update, error) {
	s, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	if buffered := drainUpdates(s.updates, nil); len(buffered) > 0 {
		return buffered, nil
	}

	select {
	case u := <-s.updates:
		return drainUpdates(s.updates, []Update{u}), nil
	case err := <-s.errs:
		c.drop(s)
		return nil, fmt.Errorf("oracle stream: %w", err)
	case <-s.done:
		return nil, fmt.Errorf("oracle stream: %w", ErrStaleConnection)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainUpdates appends everything currently buffered in ch to out.
func drainUpdates(ch <-chan Update, out []Update) []Update {
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

// Overflowed returns how many updates were discarded because the buffer was
// full.
func (c *OracleClient) Overflowed() uint64 {
	return c.overflowed.Load()
}

// Reset closes the current connection, if any.
func (c *OracleClient) Reset() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		s.close()
		c.logger.Info("oracle connection reset")
	}
}

// Close closes the connection and rejects further fetches.
func (c *OracleClient) Close() error {
	c.mu.Lock()
	c.closed = true
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
	return nil
}

// IsConnected reports whether a session is open.
func (c *OracleClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

func (c *OracleClient) ensureSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.sess != nil {
		return c.sess, nil
	}

	s, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.sess = s
	return s, nil
}

func (c *OracleClient) drop(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	s.close()
}

func (c *OracleClient) dial(ctx context.Context) (*session, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial oracle stream: %w", err)
	}

	s := &session{
		conn:     conn,
		updates:  make(chan Update, c.cfg.BufferSize),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}

	conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		return nil
	})

	filter, _ := json.Marshal(map[string]string{"symbol": c.cfg.Symbol})
	sub := subscribeMessage{
		Action: "subscribe",
		Subscriptions: []subscription{
			{Topic: TopicChainlink, Type: "*", Filters: string(filter)},
		},
	}
	if err := s.writeJSON(sub, c.cfg.WriteTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe oracle stream: %w", err)
	}

	go c.readLoop(s)
	go c.heartbeatLoop(s)

	c.logger.Info("oracle stream connected", "url", c.cfg.URL, "symbol", c.cfg.Symbol)
	return s, nil
}

// readLoop parses inbound messages into updates. The buffer keeps the
// newest updates; the oldest is discarded and counted when it is full.
func (c *OracleClient) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-s.done:
			default:
				select {
				case s.errs <- err:
				default:
				}
			}
			return
		}

		u, ok := c.parse(data, receivedAt)
		if !ok {
			continue
		}

		for {
			select {
			case s.updates <- u:
			case <-s.done:
				return
			default:
				select {
				case old := <-s.updates:
					c.overflow(old)
				default:
				}
				continue
			}
			break
		}
	}
}

func (c *OracleClient) overflow(lost Update) {
	c.overflowed.Add(1)
	if c.metrics != nil {
		c.metrics.StreamOverflowLoss()
	}
	c.logger.Warn("oracle buffer full, oldest update dropped",
		"dropped_ts", lost.Timestamp,
		"buffer", c.cfg.BufferSize,
	)
}

func (c *OracleClient) parse(data []byte, receivedAt time.Time) (Update, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Topic != TopicChainlink {
		return Update{}, false
	}
	var p pricePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.logger.Debug("unparsable oracle payload", "error", err)
		return Update{}, false
	}
	if p.Symbol != "" && !strings.EqualFold(p.Symbol, c.cfg.Symbol) {
		return Update{}, false
	}

	u := Update{Symbol: c.cfg.Symbol, ReceivedAt: receivedAt}
	ts := p.Timestamp
	switch {
	case p.Value.Valid:
		u.Price = p.Value.Decimal
	case p.Price.Valid:
		u.Price = p.Price.Decimal
	case len(p.Data) > 0:
		last := p.Data[len(p.Data)-1]
		u.Price = last.Value
		ts = last.Timestamp
	default:
		return Update{}, false
	}
	if !u.Price.IsPositive() {
		return Update{}, false
	}

	if ts == 0 {
		ts = env.Timestamp
	}
	if ts > 0 {
		u.Timestamp = time.UnixMilli(ts).UTC()
	} else {
		u.Timestamp = receivedAt.UTC()
	}
	return u, true
}

// heartbeatLoop pings the server and flags a stale connection.
func (c *OracleClient) heartbeatLoop(s *session) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			s.pongMu.Lock()
			last := s.lastPong
			s.pongMu.Unlock()
			if c.cfg.PongTimeout > 0 && time.Since(last) > c.cfg.PongTimeout {
				c.logger.Warn("no pong received, oracle connection stale", "last_pong", last)
				select {
				case s.errs <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}

func (s *session) writeJSON(v any, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteJSON(v)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.conn.Close()
	})
}
