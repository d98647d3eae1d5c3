package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// GetOrderbook fetches the full book of one outcome token.
func (c *Client) GetOrderbook(ctx context.Context, tokenID string) (*BookResponse, error) {
	query := url.Values{}
	query.Set("token_id", tokenID)

	var resp BookResponse
	if err := c.get(ctx, "get orderbook", c.endpoints.Clob, "/book", query, &resp); err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w", tokenID, err)
	}
	return &resp, nil
}

// GetMidpoint fetches the midpoint price of one outcome token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("token_id", tokenID)

	var resp MidpointResponse
	if err := c.get(ctx, "get midpoint", c.endpoints.Clob, "/midpoint", query, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("get midpoint %s: %w", tokenID, err)
	}
	return resp.Mid, nil
}

// GetSpread fetches the bid/ask spread of one outcome token.
func (c *Client) GetSpread(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("token_id", tokenID)

	var resp SpreadResponse
	if err := c.get(ctx, "get spread", c.endpoints.Clob, "/spread", query, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("get spread %s: %w", tokenID, err)
	}
	return resp.Spread, nil
}
