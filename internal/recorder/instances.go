package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/market"
	"github.com/rickgao/updown-recorder/internal/model"
	"github.com/rickgao/updown-recorder/internal/poller"
)

// instancePollers are the pollers bound to one market instance.
type instancePollers struct {
	inst    model.MarketInstance
	pollers []*poller.Poller
	cancel  context.CancelFunc
}

// switchInstance retires the previous instance of a class and starts
// recording the new one.
func (r *Recorder) switchInstance(ctx context.Context, change market.MarketChange) {
	now := time.Now().UTC()

	r.mu.Lock()
	old := r.instances[change.Class]
	delete(r.instances, change.Class)
	r.mu.Unlock()

	if old != nil {
		old.cancel()
		r.stopPollers(old.pollers)
		for _, p := range old.pollers {
			r.monitor.Unregister(p.Feed())
		}
	}

	prevID, curID := "none", "none"
	if prev := change.Previous; prev != nil {
		prevID = prev.ID
		r.enqueue(ctx, model.NewMarketEvent(FeedRecorder, model.MarketRecord{Instance: *prev, Active: false, SeenAt: now}))
		r.resolveLater(ctx, *prev)
	}
	if cur := change.Current; cur != nil {
		curID = cur.ID
		r.enqueue(ctx, model.NewMarketEvent(FeedRecorder, model.MarketRecord{Instance: *cur, Active: true, SeenAt: now}))
		r.startInstance(ctx, *cur)
	}

	r.enqueue(ctx, model.NewSystemEvent(FeedRecorder, model.SystemEvent{
		Type:      "market_switch",
		Severity:  "info",
		Message:   fmt.Sprintf("%s: %s -> %s", change.Class, prevID, curID),
		Timestamp: now,
	}))
	r.logger.Info("recording instance", "class", change.Class, "previous", prevID, "current", curID)
}

// startInstance launches the orderbook, target and volume pollers of inst.
// They stop on their own at the instance end.
func (r *Recorder) startInstance(ctx context.Context, inst model.MarketInstance) {
	ictx, cancel := context.WithDeadline(ctx, inst.End)
	pc := r.cfg.Poller

	feed := func(kind string) string { return instanceFeed(kind, inst.Class) }
	client := func(kind string) *api.Client { return newClient(r.cfg.API, r.base, r.metrics, feed(kind)) }

	ps := []*poller.Poller{
		r.newPoller(feed(FeedOrderbook), pc.OrderbookInterval,
			poller.NewOrderbookFetcher(client(FeedOrderbook), inst, pc.OrderbookDepth)),
		r.newPoller(feed(FeedTarget), pc.TargetInterval,
			poller.NewTargetFetcher(client(FeedTarget), inst)),
		r.newPoller(feed(FeedVolume), pc.RecordInterval(),
			poller.NewVolumeFetcher(client(FeedVolume), inst)),
	}
	for _, p := range ps {
		p.Start(ictx)
	}

	r.mu.Lock()
	r.instances[inst.Class] = &instancePollers{inst: inst, pollers: ps, cancel: cancel}
	r.mu.Unlock()
}

// resolveLater watches a finished instance until its winning token is
// published, then records the outcome.
func (r *Recorder) resolveLater(ctx context.Context, inst model.MarketInstance) {
	r.resolvers.Add(1)
	go func() {
		defer r.resolvers.Done()
		r.resolveOutcome(ctx, inst)
	}()
}

func (r *Recorder) resolveOutcome(ctx context.Context, inst model.MarketInstance) {
	ctx, cancel := context.WithDeadline(ctx, inst.End.Add(r.resolveFor))
	defer cancel()

	client := newClient(r.cfg.API, r.base, r.metrics, "resolver")
	ticker := time.NewTicker(r.resolveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.logger.Warn("market outcome not published in time", "slug", inst.ID)
			}
			return
		case <-ticker.C:
		}

		ev, err := client.GetEventBySlug(ctx, inst.ID)
		if err != nil {
			r.logger.Debug("outcome lookup failed", "slug", inst.ID, "error", err)
			continue
		}
		token, ok := ev.WinningToken()
		if !ok {
			continue
		}

		outcome, ok := r.tracker.ResolveOutcome(inst.ID, token)
		if !ok {
			outcome = inst.Outcome(token)
		}
		if outcome == "" {
			r.logger.Warn("winning token matches neither outcome", "slug", inst.ID, "token", token)
			return
		}

		r.enqueue(ctx, model.NewSystemEvent(FeedRecorder, model.SystemEvent{
			Type:      "market_outcome",
			Severity:  "info",
			Message:   fmt.Sprintf("%s resolved %s (token %s)", inst.ID, outcome, token),
			Timestamp: time.Now().UTC(),
		}))
		r.logger.Info("market resolved", "slug", inst.ID, "outcome", outcome)
		return
	}
}
