package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rickgao/updown-recorder/internal/metrics"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.PingInterval = 0
	return cfg
}

func priceMsg(value string, tsMs int64) []byte {
	return []byte(`{"topic":"crypto_prices_chainlink","type":"update","timestamp":` +
		"1" + `,"payload":{"symbol":"btc/usd","timestamp":` + jsonInt(tsMs) + `,"value":` + value + `}}`)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestOracleClient_SubscribesAndFetches(t *testing.T) {
	subscribed := make(chan subscribeMessage, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"other","payload":{}}`))
		conn.WriteMessage(websocket.TextMessage, priceMsg("107000.5", 1760745600250))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewOracleClient(testConfig(wsURL(server)), nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	updates, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	u := updates[0]
	if !u.Price.Equal(decimal.RequireFromString("107000.5")) {
		t.Errorf("Price = %s, want 107000.5", u.Price)
	}
	if want := time.UnixMilli(1760745600250).UTC(); !u.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", u.Timestamp, want)
	}

	sub := <-subscribed
	if sub.Action != "subscribe" || len(sub.Subscriptions) != 1 {
		t.Fatalf("subscription = %+v", sub)
	}
	if sub.Subscriptions[0].Topic != TopicChainlink || sub.Subscriptions[0].Filters != `{"symbol":"btc/usd"}` {
		t.Errorf("subscription = %+v", sub.Subscriptions[0])
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after fetch")
	}
}

func TestOracleClient_ReturnsEveryBuffered(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // subscription
		conn.WriteMessage(websocket.TextMessage, priceMsg("1", 1000))
		conn.WriteMessage(websocket.TextMessage, priceMsg("2", 2000))
		conn.WriteMessage(websocket.TextMessage, priceMsg("3", 3000))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewOracleClient(testConfig(wsURL(server)), nil)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []Update
	for len(got) < 3 {
		updates, err := c.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch() error after %d updates: %v", len(got), err)
		}
		got = append(got, updates...)
	}
	if len(got) != 3 {
		t.Fatalf("updates = %d, want 3", len(got))
	}
	for i, u := range got {
		if want := decimal.NewFromInt(int64(i + 1)); !u.Price.Equal(want) {
			t.Errorf("update %d price = %s, want %s", i, u.Price, want)
		}
	}
}

func TestOracleClient_CountsOverflow(t *testing.T) {
	sent := make(chan struct{})
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage() // subscription
		conn.WriteMessage(websocket.TextMessage, priceMsg("1", 1000))
		<-sent
		for i := int64(2); i <= 6; i++ {
			conn.WriteMessage(websocket.TextMessage, priceMsg(jsonInt(i), i*1000))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.BufferSize = 2
	mt := metrics.New()
	c := NewOracleClient(cfg, nil, WithMetrics(mt))
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	close(sent)

	// Five updates into a buffer of two: three are dropped.
	deadline := time.Now().Add(time.Second)
	for c.Overflowed() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rest, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}

	if got := uint64(len(first)+len(rest)) + c.Overflowed(); got != 6 {
		t.Errorf("delivered %d + dropped %d, want 6 total", len(first)+len(rest), c.Overflowed())
	}
	if c.Overflowed() != 3 {
		t.Errorf("Overflowed() = %d, want 3", c.Overflowed())
	}
	if got := mt.Snapshot().StreamOverflowLoss; got != c.Overflowed() {
		t.Errorf("StreamOverflowLoss = %d, want %d", got, c.Overflowed())
	}
	if last := rest[len(rest)-1]; !last.Price.Equal(decimal.NewFromInt(6)) {
		t.Errorf("newest update = %s, want 6", last.Price)
	}
}

func TestOracleClient_SnapshotPayload(t *testing.T) {
	c := NewOracleClient(testConfig("ws://unused"), nil)
	msg := []byte(`{"topic":"crypto_prices_chainlink","payload":{"symbol":"btc/usd","data":[{"timestamp":1000,"value":1.5},{"timestamp":2000,"value":2.5}]}}`)

	u, ok := c.parse(msg, time.Now())
	if !ok {
		t.Fatal("parse() rejected snapshot payload")
	}
	if !u.Price.Equal(decimal.RequireFromString("2.5")) || !u.Timestamp.Equal(time.UnixMilli(2000).UTC()) {
		t.Errorf("update = %+v", u)
	}

	if _, ok := c.parse([]byte(`{"topic":"crypto_prices_chainlink","payload":{"symbol":"eth/usd","value":3}}`), time.Now()); ok {
		t.Error("parse() accepted another symbol")
	}
	if _, ok := c.parse([]byte(`not json`), time.Now()); ok {
		t.Error("parse() accepted garbage")
	}
}

func TestOracleClient_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		conn.ReadMessage() // subscription
		if n == 1 {
			return // drop the first connection
		}
		conn.WriteMessage(websocket.TextMessage, priceMsg("42", 5000))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewOracleClient(testConfig(wsURL(server)), nil)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Fetch(ctx); err == nil {
		t.Fatal("Fetch() on dropped connection should fail")
	}
	if c.IsConnected() {
		t.Error("session kept after connection error")
	}

	updates, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() after reconnect error: %v", err)
	}
	if len(updates) != 1 || !updates[0].Price.Equal(decimal.NewFromInt(42)) {
		t.Errorf("updates = %+v, want one at 42", updates)
	}
	if conns.Load() != 2 {
		t.Errorf("connections = %d, want 2", conns.Load())
	}
}

func TestOracleClient_ResetAndClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, priceMsg("1", 1000))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewOracleClient(testConfig(wsURL(server)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	c.Reset()
	if c.IsConnected() {
		t.Error("IsConnected() = true after Reset")
	}

	c.Close()
	if _, err := c.Fetch(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Fetch() after Close error = %v, want ErrClosed", err)
	}
}

func TestOracleClient_FetchTimeout(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewOracleClient(testConfig(wsURL(server)), nil)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Fetch(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want deadline exceeded", err)
	}
}
