package status

import (
	"sync"

	"github.com/rickgao/updown-recorder/internal/model"
)

// Prices remembers the latest tick per source for display.
type Prices struct {
	mu   sync.RWMutex
	last map[model.PriceSource]model.PriceTick
}

// NewPrices creates an empty Prices.
func NewPrices() *Prices {
	return &Prices{last: make(map[model.PriceSource]model.PriceTick)}
}

// Observe records tick events. Other event kinds are ignored. It matches the
// poller observer signature.
func (p *Prices) Observe(ev model.Event) {
	if ev.Tick == nil {
		return
	}
	p.mu.Lock()
	if prev, ok := p.last[ev.Tick.Source]; !ok || !ev.Tick.Timestamp.Before(prev.Timestamp) {
		p.last[ev.Tick.Source] = *ev.Tick
	}
	p.mu.Unlock()
}

// Last returns the newest tick of source.
func (p *Prices) Last(source model.PriceSource) (model.PriceTick, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.last[source]
	return t, ok
}
