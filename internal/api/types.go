package api

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// SpotTickerResponse from GET /api/v3/ticker/price
type SpotTickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// BookResponse from CLOB GET /book
type BookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Timestamp string      `json:"timestamp"` // Unix millis as a string
	Hash      string      `json:"hash"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}

// BookLevel is one aggregated price level.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// MidpointResponse from CLOB GET /midpoint
type MidpointResponse struct {
	Mid decimal.Decimal `json:"mid"`
}

// SpreadResponse from CLOB GET /spread
type SpreadResponse struct {
	Spread decimal.Decimal `json:"spread"`
}

// GammaEvent from Gamma GET /events
type GammaEvent struct {
	ID            string         `json:"id"`
	Slug          string         `json:"slug"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Category      string         `json:"category"`
	Active        bool           `json:"active"`
	Closed        bool           `json:"closed"`
	StartDate     string         `json:"startDate"`
	EndDate       string         `json:"endDate"`
	EventMetadata *EventMetadata `json:"eventMetadata"`
	Markets       []GammaMarket  `json:"markets"`
}

// EventMetadata carries the strike of up/down events once the window opens.
type EventMetadata struct {
	PriceToBeat decimal.NullDecimal `json:"priceToBeat"`
}

// GammaMarket is one market nested in a GammaEvent.
type GammaMarket struct {
	ID             string          `json:"id"`
	ConditionID    string          `json:"conditionId"`
	Slug           string          `json:"slug"`
	Question       string          `json:"question"`
	Description    string          `json:"description"`
	Outcomes       StringList      `json:"outcomes"`
	ClobTokenIDs   StringList      `json:"clobTokenIds"`
	OutcomePrices  StringList      `json:"outcomePrices"`
	Active         bool            `json:"active"`
	Closed         bool            `json:"closed"`
	Resolved       bool            `json:"resolved"`
	EndDate        string          `json:"endDate"`
	EventStartTime string          `json:"eventStartTime"`
	Volume24hr     decimal.Decimal `json:"volume24hr"`
	Liquidity      decimal.Decimal `json:"liquidity"`
}

// StringList decodes either a JSON array of strings or a string holding
// one, which is how Gamma encodes outcomes and token IDs.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*l = nil
			return nil
		}
		data = []byte(inner)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// VolumeInfo is the volume/liquidity reading of one market.
type VolumeInfo struct {
	Volume24h decimal.Decimal
	Liquidity decimal.Decimal
}
