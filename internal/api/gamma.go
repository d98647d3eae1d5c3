package api

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// GetEventBySlug fetches one event. Returns ErrNotFound when the slug does
// not exist yet.
func (c *Client) GetEventBySlug(ctx context.Context, slug string) (*GammaEvent, error) {
	query := url.Values{}
	query.Set("slug", slug)

	var resp []GammaEvent
	if err := c.get(ctx, "get event", c.endpoints.Gamma, "/events", query, &resp); err != nil {
		return nil, fmt.Errorf("get event %s: %w", slug, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("get event %s: %w", slug, ErrNotFound)
	}
	return &resp[0], nil
}

// GetMarketVolume returns the 24h volume and liquidity of an event's market.
func (c *Client) GetMarketVolume(ctx context.Context, slug string) (VolumeInfo, error) {
	ev, err := c.GetEventBySlug(ctx, slug)
	if err != nil {
		return VolumeInfo{}, err
	}
	if len(ev.Markets) == 0 {
		return VolumeInfo{}, fmt.Errorf("get market volume %s: %w", slug, ErrNotFound)
	}
	m := ev.Markets[0]
	return VolumeInfo{Volume24h: m.Volume24hr, Liquidity: m.Liquidity}, nil
}

// GetTargetPrice returns the price to beat of an up/down event. Event
// metadata is authoritative; the event page is parsed when it is absent.
// Returns ErrNotFound if neither source has it yet.
func (c *Client) GetTargetPrice(ctx context.Context, slug string) (decimal.Decimal, error) {
	ev, err := c.GetEventBySlug(ctx, slug)
	if err != nil {
		return decimal.Zero, err
	}
	if ev.EventMetadata != nil && ev.EventMetadata.PriceToBeat.Valid && ev.EventMetadata.PriceToBeat.Decimal.IsPositive() {
		return ev.EventMetadata.PriceToBeat.Decimal, nil
	}

	if c.endpoints.EventPage == "" {
		return decimal.Zero, fmt.Errorf("get target price %s: %w", slug, ErrNotFound)
	}
	body, err := c.doWithRetry(ctx, "get event page", strings.TrimRight(c.endpoints.EventPage, "/")+"/"+url.PathEscape(slug))
	if err != nil {
		return decimal.Zero, fmt.Errorf("get target price %s: %w", slug, err)
	}
	if p, ok := ParseTargetPrice(string(body), slug); ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("get target price %s: %w", slug, ErrNotFound)
}

var priceToBeatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)price to beat[^$]*\$\s*([\d,]+\.?\d*)`),
	regexp.MustCompile(`(?is)strike price[^$]*\$\s*([\d,]+\.?\d*)`),
}

// ParseTargetPrice extracts the strike from an event page. The openPrice
// anchored to the slug is preferred over the rendered "Price to beat" text.
func ParseTargetPrice(html, slug string) (decimal.Decimal, bool) {
	anchored := regexp.MustCompile(`"` + regexp.QuoteMeta(slug) + `".*?"openPrice":\s*"?([\d.]+)`)
	if m := anchored.FindStringSubmatch(html); m != nil {
		if p, err := decimal.NewFromString(m[1]); err == nil && p.IsPositive() {
			return p, true
		}
	}

	upper := decimal.NewFromInt(1_000_000)
	for _, re := range priceToBeatPatterns {
		m := re.FindStringSubmatch(html)
		if m == nil {
			continue
		}
		p, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err == nil && p.IsPositive() && p.LessThan(upper) {
			return p, true
		}
	}
	return decimal.Zero, false
}
