package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/updown-recorder/internal/model"
)

// MarketRow is one market instance.
type MarketRow struct {
	ID          string    `gorm:"primaryKey;type:text"`
	ConditionID string    `gorm:"type:text"`
	Class       string    `gorm:"type:text;index"`
	Question    string    `gorm:"type:text"`
	Description string    `gorm:"type:text"`
	Category    string    `gorm:"type:text"`
	StartDate   time.Time `gorm:"not null"`
	EndDate     time.Time `gorm:"not null"`
	Active      bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (MarketRow) TableName() string { return "markets" }

// TokenRow is one outcome token of a market.
type TokenRow struct {
	TokenID   string    `gorm:"primaryKey;type:text"`
	MarketID  string    `gorm:"type:text;index;not null"`
	Outcome   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (TokenRow) TableName() string { return "tokens" }

// PriceRow is one price tick. TokenID and MarketID are nil for spot and
// oracle ticks.
type PriceRow struct {
	ID        uint                `gorm:"primaryKey;autoIncrement"`
	EventID   string              `gorm:"type:text;uniqueIndex;not null"`
	Source    string              `gorm:"type:text;index;not null"`
	TokenID   *string             `gorm:"type:text;index"`
	MarketID  *string             `gorm:"type:text;index"`
	Price     decimal.Decimal     `gorm:"type:numeric;not null"`
	BidPrice  decimal.NullDecimal `gorm:"type:numeric"`
	AskPrice  decimal.NullDecimal `gorm:"type:numeric"`
	Spread    decimal.NullDecimal `gorm:"type:numeric"`
	LagMs     *int64
	Timestamp time.Time `gorm:"index;not null"`
}

func (PriceRow) TableName() string { return "price_snapshots" }

// OrderbookRow is one level of one side of a token's book.
type OrderbookRow struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	EventID   string          `gorm:"type:text;not null;uniqueIndex:idx_orderbook_event_level"`
	TokenID   string          `gorm:"type:text;not null;index;uniqueIndex:idx_orderbook_event_level"`
	MarketID  string          `gorm:"type:text;not null;index"`
	Side      string          `gorm:"type:text;not null;uniqueIndex:idx_orderbook_event_level"`
	Level     int             `gorm:"not null;uniqueIndex:idx_orderbook_event_level"`
	Price     decimal.Decimal `gorm:"type:numeric;not null"`
	Size      decimal.Decimal `gorm:"type:numeric;not null"`
	Timestamp time.Time       `gorm:"index;not null"`
}

func (OrderbookRow) TableName() string { return "orderbook_snapshots" }

// VolumeRow is one volume observation of a market.
type VolumeRow struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	EventID   string          `gorm:"type:text;uniqueIndex;not null"`
	MarketID  string          `gorm:"type:text;index;not null"`
	Volume24h decimal.Decimal `gorm:"column:volume_24h;type:numeric;not null"`
	Liquidity decimal.Decimal `gorm:"type:numeric;not null"`
	Timestamp time.Time       `gorm:"index;not null"`
}

func (VolumeRow) TableName() string { return "volume_snapshots" }

// SystemEventRow is an operational event (market switch, outcome, health).
type SystemEventRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"type:text;uniqueIndex;not null"`
	Type      string    `gorm:"type:text;index;not null"`
	Severity  string    `gorm:"type:text;not null"`
	Message   string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"index;not null"`
}

func (SystemEventRow) TableName() string { return "system_events" }

// allModels lists every table in creation order.
func allModels() []any {
	return []any{
		&MarketRow{},
		&TokenRow{},
		&PriceRow{},
		&OrderbookRow{},
		&VolumeRow{},
		&SystemEventRow{},
	}
}

// rowSet is a batch of events split by table, in event order.
type rowSet struct {
	Markets []MarketRow
	Tokens  []TokenRow
	Prices  []PriceRow
	Books   []OrderbookRow
	Volumes []VolumeRow
	System  []SystemEventRow
}

func (r *rowSet) empty() bool {
	return len(r.Markets)+len(r.Tokens)+len(r.Prices)+len(r.Books)+len(r.Volumes)+len(r.System) == 0
}

// buildRows converts events into table rows. Timestamps are stored in UTC.
func buildRows(events []model.Event) rowSet {
	var r rowSet
	for _, ev := range events {
		id := ev.ID.String()
		switch {
		case ev.Tick != nil:
			r.Prices = append(r.Prices, priceRow(id, ev.Tick))
		case ev.Book != nil:
			for _, l := range ev.Book.Levels {
				r.Books = append(r.Books, OrderbookRow{
					EventID:   id,
					TokenID:   ev.Book.TokenID,
					MarketID:  ev.Book.MarketID,
					Side:      string(l.Side),
					Level:     l.Level,
					Price:     l.Price,
					Size:      l.Size,
					Timestamp: ev.Book.Timestamp.UTC(),
				})
			}
		case ev.Volume != nil:
			r.Volumes = append(r.Volumes, VolumeRow{
				EventID:   id,
				MarketID:  ev.Volume.MarketID,
				Volume24h: ev.Volume.Volume24h,
				Liquidity: ev.Volume.Liquidity,
				Timestamp: ev.Volume.Timestamp.UTC(),
			})
		case ev.Market != nil:
			m, toks := marketRows(*ev.Market)
			r.Markets = append(r.Markets, m)
			r.Tokens = append(r.Tokens, toks...)
		case ev.System != nil:
			r.System = append(r.System, SystemEventRow{
				EventID:   id,
				Type:      ev.System.Type,
				Severity:  ev.System.Severity,
				Message:   ev.System.Message,
				Timestamp: ev.System.Timestamp.UTC(),
			})
		}
	}
	return r
}

func priceRow(eventID string, t *model.PriceTick) PriceRow {
	row := PriceRow{
		EventID:   eventID,
		Source:    string(t.Source),
		TokenID:   optional(t.TokenID),
		MarketID:  optional(t.MarketID),
		Price:     t.Price,
		Timestamp: t.Timestamp.UTC(),
	}
	if !t.Bid.IsZero() {
		row.BidPrice = decimal.NewNullDecimal(t.Bid)
	}
	if !t.Ask.IsZero() {
		row.AskPrice = decimal.NewNullDecimal(t.Ask)
	}
	if !t.Bid.IsZero() && !t.Ask.IsZero() {
		row.Spread = decimal.NewNullDecimal(t.Spread())
	}
	if t.Lag != nil && t.Lag.Measured {
		lag := t.Lag.LagMs
		row.LagMs = &lag
	}
	return row
}

func marketRows(rec model.MarketRecord) (MarketRow, []TokenRow) {
	inst := rec.Instance
	seen := rec.SeenAt.UTC()
	m := MarketRow{
		ID:          inst.ID,
		ConditionID: inst.ConditionID,
		Class:       string(inst.Class),
		Question:    inst.Question,
		Description: inst.Description,
		Category:    inst.Category,
		StartDate:   inst.Start.UTC(),
		EndDate:     inst.End.UTC(),
		Active:      rec.Active,
		CreatedAt:   seen,
		UpdatedAt:   seen,
	}
	var toks []TokenRow
	for _, id := range inst.TokenIDs() {
		if id == "" {
			continue
		}
		toks = append(toks, TokenRow{TokenID: id, MarketID: inst.ID, Outcome: inst.Outcome(id), CreatedAt: seen})
	}
	return m, toks
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
