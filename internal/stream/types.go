package stream

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrClosed          = errors.New("oracle client closed")
)

// TopicChainlink is the RTDS topic carrying settlement-reference prices.
const TopicChainlink = "crypto_prices_chainlink"

// Update is one oracle price observation.
type Update struct {
	Symbol     string
	Price      decimal.Decimal
	Timestamp  time.Time // Source timestamp, or ReceivedAt when absent
	ReceivedAt time.Time
}

// subscribeMessage is the RTDS subscription command.
type subscribeMessage struct {
	Action        string         `json:"action"`
	Subscriptions []subscription `json:"subscriptions"`
}

type subscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters"`
}

// envelope is every inbound RTDS message.
type envelope struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// pricePayload covers both live updates (value) and the initial snapshot (data).
type pricePayload struct {
	Symbol    string              `json:"symbol"`
	Timestamp int64               `json:"timestamp"`
	Value     decimal.NullDecimal `json:"value"`
	Price     decimal.NullDecimal `json:"price"`
	Data      []struct {
		Timestamp int64           `json:"timestamp"`
		Value     decimal.Decimal `json:"value"`
	} `json:"data"`
}
