package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/updown-recorder/internal/api"
	"github.com/rickgao/updown-recorder/internal/model"
)

// ErrNoInstance means neither the current nor the next bucket holds a
// tradable instance.
var ErrNoInstance = errors.New("no tradable instance")

// retryDelay bounds the wait after a failed discovery or during rollover.
const retryDelay = 5 * time.Second

// Slug returns the slug of the instance whose window starts at start.
func Slug(prefix string, start time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, start.Unix())
}

// BucketStart aligns t down to the class window.
func BucketStart(class model.DurationClass, t time.Time) time.Time {
	secs := int64(class.Window() / time.Second)
	if secs <= 0 {
		return t.UTC()
	}
	unix := t.Unix()
	return time.Unix(unix-unix%secs, 0).UTC()
}

// Discover finds the instance to record for cc: the earliest of the current
// and next bucket that is tradable and runs for at least MinRemaining more.
func (t *Tracker) Discover(ctx context.Context, cc ClassConfig) (model.MarketInstance, error) {
	now := t.now().UTC()
	current := BucketStart(cc.Class, now)

	var lastErr error
	for _, start := range []time.Time{current, current.Add(cc.Class.Window())} {
		slug := Slug(cc.SlugPrefix, start)

		ev, err := t.source.GetEventBySlug(ctx, slug)
		if errors.Is(err, api.ErrNotFound) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		if !ev.Tradable() {
			t.logger.Debug("skipping closed instance", "slug", slug)
			continue
		}

		inst, err := ev.ToInstance(cc.Class, start)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", slug, err)
			continue
		}
		if !inst.End.After(now.Add(t.cfg.MinRemaining)) {
			continue
		}
		return inst, nil
	}

	if lastErr != nil {
		return model.MarketInstance{}, lastErr
	}
	return model.MarketInstance{}, fmt.Errorf("%s: %w", cc.Class, ErrNoInstance)
}

// classLoop re-runs discovery for one class until ctx is done.
func (t *Tracker) classLoop(ctx context.Context, cc ClassConfig, first time.Duration) {
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if ctx.Err() != nil {
				return
			}
			timer.Reset(t.reconcile(ctx, cc))
		}
	}
}

// reconcile runs one discovery for cc, records any switch, and returns the
// delay before the next discovery.
func (t *Tracker) reconcile(ctx context.Context, cc ClassConfig) time.Duration {
	inst, err := t.Discover(ctx, cc)
	now := t.now().UTC()

	t.state.mu.Lock()
	prev := t.state.current[cc.Class]

	switch {
	case err == nil && prev != nil && prev.ID == inst.ID:
		// Unchanged.

	case err == nil:
		if prev == nil && t.cfg.MaxTracked > 0 && len(t.state.current) >= t.cfg.MaxTracked {
			t.state.mu.Unlock()
			t.logger.Warn("max tracked instances reached, skipping",
				"class", cc.Class,
				"slug", inst.ID,
				"max_tracked", t.cfg.MaxTracked,
			)
			return cc.Interval
		}
		next := inst
		t.state.current[cc.Class] = &next
		t.state.history[cc.Class].add(inst)
		t.state.notifyChange(MarketChange{Class: cc.Class, Previous: prev, Current: &next, At: now})
		t.logger.Info("market instance switched",
			"class", cc.Class,
			"slug", inst.ID,
			"previous", slugOf(prev),
			"end", inst.End,
			"up_token", inst.UpTokenID,
			"down_token", inst.DownTokenID,
		)

	case prev != nil && prev.Expired(now):
		delete(t.state.current, cc.Class)
		t.state.notifyChange(MarketChange{Class: cc.Class, Previous: prev, At: now})
		t.logger.Warn("market instance expired with no successor", "class", cc.Class, "slug", prev.ID)
	}

	cur := t.state.current[cc.Class]
	t.state.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrNoInstance) {
			t.logger.Debug("no tradable instance yet", "class", cc.Class)
		} else if ctx.Err() == nil {
			t.logger.Warn("market discovery failed", "class", cc.Class, "error", err)
		}
		return min(cc.Interval, retryDelay)
	}
	return t.nextDelay(cc, cur, now)
}

// nextDelay wakes at the rollover point of cur when that comes before the
// regular interval.
func (t *Tracker) nextDelay(cc ClassConfig, cur *model.MarketInstance, now time.Time) time.Duration {
	d := cc.Interval
	if cur == nil {
		return min(d, retryDelay)
	}
	until := cur.End.Add(-t.cfg.MinRemaining).Sub(now)
	switch {
	case until <= 0:
		return min(d, retryDelay)
	case until < d:
		return until
	}
	return d
}

func slugOf(inst *model.MarketInstance) string {
	if inst == nil {
		return ""
	}
	return inst.ID
}
