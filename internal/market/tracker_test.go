package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// gammaServer serves /events?slug= from a mutable map.
type gammaServer struct {
	mu     sync.Mutex
	events map[string]map[string]any
	calls  map[string]int
}

func newGammaServer(t *testing.T) (*gammaServer, *api.Client) {
	t.Helper()
	g := &gammaServer{events: make(map[string]map[string]any), calls: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		slug := r.URL.Query().Get("slug")
		g.mu.Lock()
		g.calls[slug]++
		ev, ok := g.events[slug]
		g.mu.Unlock()

		resp := []map[string]any{}
		if ok {
			resp = append(resp, ev)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	client := api.NewClient(api.Endpoints{Gamma: srv.URL}, "", api.WithRetries(0, time.Millisecond))
	return g, client
}

func (g *gammaServer) add(slug string, closed bool, outcomes, tokens string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[slug] = map[string]any{
		"slug":   slug,
		"title":  "Bitcoin Up or Down",
		"closed": closed,
		"markets": []map[string]any{{
			"slug":         slug,
			"conditionId":  "0xcond-" + slug,
			"question":     "Bitcoin Up or Down?",
			"outcomes":     outcomes,
			"clobTokenIds": tokens,
			"closed":       closed,
		}},
	}
}

var base = time.Date(2025, 10, 17, 12, 0, 0, 0, time.UTC)

func class15m() ClassConfig {
	return ClassConfig{Class: model.Class15m, SlugPrefix: "btc-updown-15m", Interval: time.Minute, HistorySize: 2}
}

func class5m() ClassConfig {
	return ClassConfig{Class: model.Class5m, SlugPrefix: "btc-updown-5m", Interval: 30 * time.Second, HistorySize: 4}
}

func newTestTracker(client *api.Client, clock *fakeClock, maxTracked int, classes ...ClassConfig) *Tracker {
	return NewTracker(Config{Classes: classes, MaxTracked: maxTracked}, client, nil, WithClock(clock.Now))
}

func TestSlugAndBucket(t *testing.T) {
	tests := []struct {
		name  string
		class model.DurationClass
		at    time.Time
		want  string
	}{
		{"15m aligned", model.Class15m, base, "btc-1760702400"},
		{"15m mid-window", model.Class15m, base.Add(14*time.Minute + 59*time.Second), "btc-1760702400"},
		{"15m next", model.Class15m, base.Add(15 * time.Minute), "btc-1760703300"},
		{"5m mid-window", model.Class5m, base.Add(7 * time.Minute), "btc-1760702700"},
		{"non-utc input", model.Class5m, base.In(time.FixedZone("X", 3600)), "btc-1760702400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slug("btc", BucketStart(tt.class, tt.at)); got != tt.want {
				t.Errorf("Slug() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	cur := Slug("btc-updown-15m", base)
	next := Slug("btc-updown-15m", base.Add(15*time.Minute))

	tests := []struct {
		name     string
		setup    func(g *gammaServer)
		at       time.Time
		wantSlug string
		wantErr  error
	}{
		{
			name: "current bucket",
			setup: func(g *gammaServer) {
				g.add(cur, false, `["Up","Down"]`, `["u1","d1"]`)
			},
			at:       base.Add(3 * time.Minute),
			wantSlug: cur,
		},
		{
			name: "too close to the end picks next",
			setup: func(g *gammaServer) {
				g.add(cur, false, `["Up","Down"]`, `["u1","d1"]`)
				g.add(next, false, `["Up","Down"]`, `["u2","d2"]`)
			},
			at:       base.Add(14*time.Minute + 55*time.Second),
			wantSlug: next,
		},
		{
			name: "closed current skipped",
			setup: func(g *gammaServer) {
				g.add(cur, true, `["Up","Down"]`, `["u1","d1"]`)
				g.add(next, false, `["Up","Down"]`, `["u2","d2"]`)
			},
			at:       base.Add(time.Minute),
			wantSlug: next,
		},
		{
			name:    "nothing published",
			setup:   func(g *gammaServer) {},
			at:      base.Add(time.Minute),
			wantErr: ErrNoInstance,
		},
		{
			name: "only the expiring instance",
			setup: func(g *gammaServer) {
				g.add(cur, false, `["Up","Down"]`, `["u1","d1"]`)
			},
			at:      base.Add(14*time.Minute + 55*time.Second),
			wantErr: ErrNoInstance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, client := newGammaServer(t)
			tt.setup(g)
			clock := &fakeClock{now: tt.at}
			tr := newTestTracker(client, clock, 0, class15m())

			inst, err := tr.Discover(context.Background(), class15m())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Discover() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Discover() error = %v", err)
			}
			if inst.ID != tt.wantSlug {
				t.Errorf("ID = %q, want %q", inst.ID, tt.wantSlug)
			}
			if inst.Class != model.Class15m || inst.End.Sub(inst.Start) != 15*time.Minute {
				t.Errorf("instance window = %v..%v", inst.Start, inst.End)
			}
		})
	}
}

func TestDiscover_OrdersUpTokenFirst(t *testing.T) {
	g, client := newGammaServer(t)
	g.add(Slug("btc-updown-5m", base), false, `["Down","Up"]`, `["tok-down","tok-up"]`)
	clock := &fakeClock{now: base.Add(time.Minute)}

	inst, err := newTestTracker(client, clock, 0, class5m()).Discover(context.Background(), class5m())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if inst.UpTokenID != "tok-up" || inst.DownTokenID != "tok-down" {
		t.Errorf("tokens = %s/%s, want tok-up/tok-down", inst.UpTokenID, inst.DownTokenID)
	}
}

func TestTracker_RolloverEmitsChanges(t *testing.T) {
	g, client := newGammaServer(t)
	first := Slug("btc-updown-5m", base)
	second := Slug("btc-updown-5m", base.Add(5*time.Minute))
	g.add(first, false, `["Up","Down"]`, `["u1","d1"]`)

	clock := &fakeClock{now: base.Add(time.Minute)}
	tr := newTestTracker(client, clock, 0, class5m())
	ctx := context.Background()

	tr.reconcile(ctx, class5m())
	c := <-tr.Changes()
	if c.Previous != nil || c.Current == nil || c.Current.ID != first {
		t.Fatalf("first change = %+v", c)
	}

	// Rediscovering the same instance is not a change.
	tr.reconcile(ctx, class5m())
	select {
	case c := <-tr.Changes():
		t.Fatalf("unexpected change %+v", c)
	default:
	}

	g.add(second, false, `["Up","Down"]`, `["u2","d2"]`)
	clock.Set(base.Add(4*time.Minute + 55*time.Second))
	tr.reconcile(ctx, class5m())

	c = <-tr.Changes()
	if c.Previous == nil || c.Previous.ID != first || c.Current == nil || c.Current.ID != second {
		t.Fatalf("rollover change = %+v", c)
	}
	if cur, ok := tr.Current(model.Class5m); !ok || cur.ID != second {
		t.Errorf("Current() = %v, %v", cur.ID, ok)
	}
}

func TestTracker_ExpiredWithoutSuccessor(t *testing.T) {
	g, client := newGammaServer(t)
	first := Slug("btc-updown-5m", base)
	g.add(first, false, `["Up","Down"]`, `["u1","d1"]`)

	clock := &fakeClock{now: base.Add(time.Minute)}
	tr := newTestTracker(client, clock, 0, class5m())
	ctx := context.Background()
	tr.reconcile(ctx, class5m())
	<-tr.Changes()

	clock.Set(base.Add(5*time.Minute + time.Second))
	delay := tr.reconcile(ctx, class5m())

	c := <-tr.Changes()
	if c.Previous == nil || c.Previous.ID != first || c.Current != nil {
		t.Fatalf("change = %+v, want expiry with no successor", c)
	}
	if _, ok := tr.Current(model.Class5m); ok {
		t.Error("expired instance still tracked")
	}
	if delay > retryDelay {
		t.Errorf("delay = %v, want a quick retry", delay)
	}
	// Still resolvable after it stopped being tracked.
	if _, ok := tr.Lookup(first); !ok {
		t.Error("Lookup() lost the expired instance")
	}
}

func TestTracker_MaxTracked(t *testing.T) {
	g, client := newGammaServer(t)
	g.add(Slug("btc-updown-15m", base), false, `["Up","Down"]`, `["u1","d1"]`)
	g.add(Slug("btc-updown-5m", base), false, `["Up","Down"]`, `["u2","d2"]`)

	clock := &fakeClock{now: base.Add(time.Minute)}
	tr := newTestTracker(client, clock, 1, class15m(), class5m())
	ctx := context.Background()
	tr.reconcile(ctx, class15m())
	tr.reconcile(ctx, class5m())

	active := tr.Active()
	if len(active) != 1 || active[0].Class != model.Class15m {
		t.Errorf("Active() = %+v, want only the 15m instance", active)
	}
}

func TestTracker_HistoryBounded(t *testing.T) {
	g, client := newGammaServer(t)
	clock := &fakeClock{}
	tr := newTestTracker(client, clock, 0, class15m()) // history of 2
	ctx := context.Background()

	var slugs []string
	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * 15 * time.Minute)
		slug := Slug("btc-updown-15m", start)
		slugs = append(slugs, slug)
		g.add(slug, false, `["Up","Down"]`, `["up-`+slug+`","down-`+slug+`"]`)
		clock.Set(start.Add(time.Minute))
		tr.reconcile(ctx, class15m())
	}

	if _, ok := tr.Lookup(slugs[0]); ok {
		t.Errorf("oldest slug still in history")
	}
	outcome, ok := tr.ResolveOutcome(slugs[2], "down-"+slugs[2])
	if !ok || outcome != "DOWN" {
		t.Errorf("ResolveOutcome() = %q, %v; want DOWN", outcome, ok)
	}
	if _, ok := tr.ResolveOutcome(slugs[1], "someone-else"); ok {
		t.Error("unknown token resolved")
	}
}

func TestTracker_NextDelay(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil)
	cc := class15m()
	inst := &model.MarketInstance{End: base.Add(15 * time.Minute)}

	tests := []struct {
		name string
		cur  *model.MarketInstance
		now  time.Time
		want time.Duration
	}{
		{"no instance", nil, base, retryDelay},
		{"far from end", inst, base, time.Minute},
		{"rollover soon", inst, base.Add(14 * time.Minute), 50 * time.Second},
		{"inside final window", inst, base.Add(14*time.Minute + 55*time.Second), retryDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.nextDelay(cc, tt.cur, tt.now); got != tt.want {
				t.Errorf("nextDelay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTracker_StartStop(t *testing.T) {
	g, client := newGammaServer(t)
	g.add(Slug("btc-updown-15m", base), false, `["Up","Down"]`, `["u1","d1"]`)
	clock := &fakeClock{now: base.Add(time.Minute)}
	tr := newTestTracker(client, clock, 0, class15m())

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, ok := tr.Current(model.Class15m); !ok {
		t.Error("initial discovery did not track an instance")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
