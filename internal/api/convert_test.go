package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/updown-recorder/internal/model"
)

func TestToOrderbookSample(t *testing.T) {
	book := BookResponse{
		Timestamp: "1760745600123",
		Bids: []BookLevel{
			{Price: decimal.RequireFromString("0.40"), Size: decimal.NewFromInt(1)},
			{Price: decimal.RequireFromString("0.45"), Size: decimal.NewFromInt(2)},
			{Price: decimal.RequireFromString("0.48"), Size: decimal.NewFromInt(3)},
		},
		Asks: []BookLevel{
			{Price: decimal.RequireFromString("0.60"), Size: decimal.NewFromInt(4)},
			{Price: decimal.RequireFromString("0.52"), Size: decimal.NewFromInt(5)},
		},
	}

	s := book.ToOrderbookSample("tok", "mkt", 2, time.Time{})

	if want := time.UnixMilli(1760745600123).UTC(); !s.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", s.Timestamp, want)
	}
	if len(s.Levels) != 4 {
		t.Fatalf("len(Levels) = %d, want 4 (2 per side)", len(s.Levels))
	}
	if !s.BestBid().Equal(decimal.RequireFromString("0.48")) {
		t.Errorf("BestBid = %s, want 0.48", s.BestBid())
	}
	if !s.BestAsk().Equal(decimal.RequireFromString("0.52")) {
		t.Errorf("BestAsk = %s, want 0.52", s.BestAsk())
	}
	for _, l := range s.Levels {
		if l.TokenID != "tok" || l.MarketID != "mkt" || !l.Timestamp.Equal(s.Timestamp) {
			t.Errorf("level = %+v", l)
		}
	}
}

func TestToOrderbookSampleFallbackTimestamp(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := (&BookResponse{Timestamp: "garbage"}).ToOrderbookSample("tok", "mkt", 10, fallback)
	if !s.Timestamp.Equal(fallback) {
		t.Errorf("Timestamp = %v, want fallback", s.Timestamp)
	}
	if len(s.Levels) != 0 {
		t.Errorf("Levels = %v, want empty", s.Levels)
	}
}

func TestOrderTokens(t *testing.T) {
	tests := []struct {
		outcomes []string
		wantUp   string
	}{
		{[]string{"Up", "Down"}, "a"},
		{[]string{"Down", "Up"}, "b"},
		{[]string{"No", "Yes"}, "b"},
		{[]string{"below", "above"}, "b"},
		{nil, "a"},
	}
	for _, tt := range tests {
		up, down := OrderTokens(tt.outcomes, []string{"a", "b"})
		if up != tt.wantUp {
			t.Errorf("OrderTokens(%v) up = %s, want %s", tt.outcomes, up, tt.wantUp)
		}
		if up == down {
			t.Errorf("OrderTokens(%v) returned the same token twice", tt.outcomes)
		}
	}
}

func TestToInstance(t *testing.T) {
	var events []GammaEvent
	if err := json.Unmarshal([]byte(eventJSON), &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	start := time.Unix(1760745600, 0).UTC()

	inst, err := events[0].ToInstance(model.Class15m, start)
	if err != nil {
		t.Fatalf("ToInstance() error: %v", err)
	}
	if inst.ID != "btc-updown-15m-1760745600" || inst.ConditionID != "0xcond" {
		t.Errorf("instance = %+v", inst)
	}
	if inst.UpTokenID != "111" || inst.DownTokenID != "222" {
		t.Errorf("tokens = %s/%s, want 111/222", inst.UpTokenID, inst.DownTokenID)
	}
	if !inst.End.Equal(start.Add(15 * time.Minute)) {
		t.Errorf("End = %v", inst.End)
	}
	if !events[0].Tradable() {
		t.Error("Tradable() = false for open market")
	}

	if _, err := (&GammaEvent{}).ToInstance(model.Class5m, start); err == nil {
		t.Error("ToInstance() on event without markets should fail")
	}
}

func TestStringList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`["a","b"]`, []string{"a", "b"}},
		{`"[\"a\", \"b\"]"`, []string{"a", "b"}},
		{`null`, nil},
		{`""`, nil},
	}
	for _, tt := range tests {
		var l StringList
		if err := json.Unmarshal([]byte(tt.in), &l); err != nil {
			t.Errorf("Unmarshal(%s) error: %v", tt.in, err)
			continue
		}
		if len(l) != len(tt.want) {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, l, tt.want)
			continue
		}
		for i := range l {
			if l[i] != tt.want[i] {
				t.Errorf("Unmarshal(%s)[%d] = %s, want %s", tt.in, i, l[i], tt.want[i])
			}
		}
	}
}

func TestParseTargetPrice(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
		ok   bool
	}{
		{"slug anchored open price", `{"slug":"btc-x","openPrice":107000.5,"other":1}`, "107000.5", true},
		{"price to beat text", `<p>Price To Beat:</p><b>$98,765.43</b>`, "98765.43", true},
		{"strike text", `Strike price $50000`, "50000", true},
		{"out of range", `Price to beat $5,000,000`, "", false},
		{"absent", `<html></html>`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTargetPrice(tt.html, "btc-x")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("price = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComplementPrice(t *testing.T) {
	if got := ComplementPrice(decimal.RequireFromString("0.37")); !got.Equal(decimal.RequireFromString("0.63")) {
		t.Errorf("ComplementPrice(0.37) = %s", got)
	}
}

func TestWinningToken(t *testing.T) {
	tests := []struct {
		name   string
		market GammaMarket
		want   string
		ok     bool
	}{
		{"open market", GammaMarket{ClobTokenIDs: StringList{"a", "b"}, OutcomePrices: StringList{"0.6", "0.4"}}, "", false},
		{"resolved down", GammaMarket{Closed: true, ClobTokenIDs: StringList{"a", "b"}, OutcomePrices: StringList{"0", "1"}}, "b", true},
		{"resolved up", GammaMarket{Resolved: true, ClobTokenIDs: StringList{"a", "b"}, OutcomePrices: StringList{"1", "0"}}, "a", true},
		{"closed unsettled", GammaMarket{Closed: true, ClobTokenIDs: StringList{"a", "b"}, OutcomePrices: StringList{"0.5", "0.5"}}, "", false},
		{"mismatched lists", GammaMarket{Closed: true, ClobTokenIDs: StringList{"a", "b"}, OutcomePrices: StringList{"1"}}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &GammaEvent{Markets: []GammaMarket{tt.market}}
			got, ok := ev.WinningToken()
			if got != tt.want || ok != tt.ok {
				t.Errorf("WinningToken() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
