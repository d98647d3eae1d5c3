package market

import (
	"sort"
	"sync"

	"github.com/rickgao/updown-recorder/internal/model"
)

// history is a bounded insertion-ordered slug -> instance cache.
type history struct {
	limit int
	order []string
	byID  map[string]model.MarketInstance
}

func newHistory(limit int) *history {
	return &history{limit: limit, byID: make(map[string]model.MarketInstance)}
}

func (h *history) add(inst model.MarketInstance) {
	if _, ok := h.byID[inst.ID]; ok {
		h.byID[inst.ID] = inst
		return
	}
	h.byID[inst.ID] = inst
	h.order = append(h.order, inst.ID)
	for h.limit > 0 && len(h.order) > h.limit {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id string) (model.MarketInstance, bool) {
	inst, ok := h.byID[id]
	return inst, ok
}

// trackerState holds the thread-safe instance cache.
type trackerState struct {
	mu sync.RWMutex

	current map[model.DurationClass]*model.MarketInstance
	history map[model.DurationClass]*history

	changes chan MarketChange
}

func newState(classes []ClassConfig) *trackerState {
	s := &trackerState{
		current: make(map[model.DurationClass]*model.MarketInstance),
		history: make(map[model.DurationClass]*history),
		changes: make(chan MarketChange, ChangeBufferSize),
	}
	for _, c := range classes {
		s.history[c.Class] = newHistory(c.HistorySize)
	}
	return s
}

func (s *trackerState) getCurrent(class model.DurationClass) (model.MarketInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.current[class]
	if !ok {
		return model.MarketInstance{}, false
	}
	return *inst, true
}

// active returns a copy of all tracked instances ordered by end time.
func (s *trackerState) active() []model.MarketInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MarketInstance, 0, len(s.current))
	for _, inst := range s.current {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].End.Before(out[j].End) })
	return out
}

// lookup searches every class history for a slug.
func (s *trackerState) lookup(id string) (model.MarketInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.history {
		if inst, ok := h.get(id); ok {
			return inst, true
		}
	}
	return model.MarketInstance{}, false
}

// notifyChange sends a change to the changes channel (non-blocking).
func (s *trackerState) notifyChange(change MarketChange) {
	select {
	case s.changes <- change:
	default:
		// Channel full, drop oldest by consuming one and retrying.
		select {
		case <-s.changes:
			s.changes <- change
		default:
		}
	}
}
