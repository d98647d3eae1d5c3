package api

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/updown-recorder/internal/model"
)

// ToOrderbookSample normalizes a CLOB book into best-first levels limited
// to depth. The CLOB lists both sides worst-first, so levels are re-sorted.
// fallback stamps books whose timestamp is missing or unparsable.
func (b *BookResponse) ToOrderbookSample(tokenID, marketID string, depth int, fallback time.Time) model.OrderbookSample {
	ts := parseMillis(b.Timestamp, fallback)
	sample := model.OrderbookSample{TokenID: tokenID, MarketID: marketID, Timestamp: ts}

	bids := append([]BookLevel(nil), b.Bids...)
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	asks := append([]BookLevel(nil), b.Asks...)
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	add := func(side model.Side, levels []BookLevel) {
		for i, l := range levels {
			if depth > 0 && i >= depth {
				break
			}
			sample.Levels = append(sample.Levels, model.OrderbookLevel{
				TokenID:   tokenID,
				MarketID:  marketID,
				Side:      side,
				Level:     i + 1,
				Price:     l.Price,
				Size:      l.Size,
				Timestamp: ts,
			})
		}
	}
	add(model.SideBid, bids)
	add(model.SideAsk, asks)

	return sample
}

// ToInstance converts a discovered event into a MarketInstance. start is the
// bucket start encoded in the slug; the window end is start + class window.
func (e *GammaEvent) ToInstance(class model.DurationClass, start time.Time) (model.MarketInstance, error) {
	if len(e.Markets) == 0 {
		return model.MarketInstance{}, errors.New("event has no markets")
	}
	m := e.Markets[0]
	if len(m.ClobTokenIDs) < 2 {
		return model.MarketInstance{}, fmt.Errorf("market %s has %d token ids, want 2", m.Slug, len(m.ClobTokenIDs))
	}

	up, down := OrderTokens(m.Outcomes, m.ClobTokenIDs)

	slug := e.Slug
	if slug == "" {
		slug = m.Slug
	}
	question := m.Question
	if question == "" {
		question = e.Title
	}
	description := m.Description
	if description == "" {
		description = e.Description
	}

	return model.MarketInstance{
		ID:          slug,
		ConditionID: m.ConditionID,
		Class:       class,
		Question:    question,
		Description: description,
		Category:    e.Category,
		UpTokenID:   up,
		DownTokenID: down,
		Start:       start,
		End:         start.Add(class.Window()),
	}, nil
}

// Tradable reports whether the first market is neither closed nor resolved.
func (e *GammaEvent) Tradable() bool {
	if e.Closed || len(e.Markets) == 0 {
		return false
	}
	m := e.Markets[0]
	return !m.Closed && !m.Resolved
}

// WinningToken returns the token that settled at 1 once the first market is
// closed or resolved.
func (e *GammaEvent) WinningToken() (string, bool) {
	if len(e.Markets) == 0 {
		return "", false
	}
	m := e.Markets[0]
	if !m.Closed && !m.Resolved {
		return "", false
	}
	if len(m.OutcomePrices) != len(m.ClobTokenIDs) {
		return "", false
	}
	one := decimal.NewFromInt(1)
	for i, p := range m.OutcomePrices {
		price, err := decimal.NewFromString(strings.TrimSpace(p))
		if err == nil && price.Equal(one) {
			return m.ClobTokenIDs[i], true
		}
	}
	return "", false
}

// OrderTokens returns (up, down), swapping when the first outcome is a
// negative label.
func OrderTokens(outcomes, tokens []string) (string, string) {
	up, down := tokens[0], tokens[1]
	if len(outcomes) >= 2 {
		switch strings.ToLower(strings.TrimSpace(outcomes[0])) {
		case "no", "below", "down":
			up, down = down, up
		}
	}
	return up, down
}

// ComplementPrice derives the other side of a binary market: 1 - p.
func ComplementPrice(p decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(p)
}

func parseMillis(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
