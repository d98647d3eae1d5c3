package api

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// GetSpotPrice fetches the latest spot price for symbol (e.g. BTCUSDT).
// The ticker endpoint carries no timestamp, so the receive time is returned.
func (c *Client) GetSpotPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	query := url.Values{}
	query.Set("symbol", symbol)

	var resp SpotTickerResponse
	if err := c.get(ctx, "get spot price", c.endpoints.Spot, "/api/v3/ticker/price", query, &resp); err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("get spot price %s: %w", symbol, err)
	}
	if !resp.Price.IsPositive() {
		return decimal.Zero, time.Time{}, &FetchError{Op: "get spot price", Kind: KindTransient, Attempts: 1, Err: fmt.Errorf("non-positive price %s", resp.Price)}
	}
	return resp.Price, time.Now().UTC(), nil
}
