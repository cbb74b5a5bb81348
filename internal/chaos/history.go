package chaos

import (
	"sort"
	"sync"
)

// History accumulates the chaos actually observed per scenario class. It is
// written by the run orchestrator between cycles and read by shadow workers.
type History struct {
	mu      sync.RWMutex
	classes map[string]*classHistory
}

type classHistory struct {
	counts    map[string]int
	exemplar  map[string]Event
	worst     []Event
	worstLow  float64
	sequences int
}

func NewHistory() *History {
	return &History{classes: make(map[string]*classHistory)}
}

// Record adds one observed sequence of applied events together with the
// lowest cluster health seen while it played out.
func (h *History) Record(class string, events []Event, minHealth float64) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.classes[class]
	if !ok {
		c = &classHistory{
			counts:   make(map[string]int),
			exemplar: make(map[string]Event),
			worstLow: 2,
		}
		h.classes[class] = c
	}
	for _, e := range events {
		k := e.Key()
		c.counts[k]++
		if _, ok := c.exemplar[k]; !ok {
			c.exemplar[k] = e
		}
	}
	c.sequences++
	if minHealth < c.worstLow {
		c.worstLow = minHealth
		c.worst = append([]Event(nil), events...)
	}
}

// LikelyNext returns the most frequently observed event for the class. Ties
// go to the lexically smallest key.
func (h *History) LikelyNext(class string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.classes[class]
	if !ok || len(c.counts) == 0 {
		return Event{}, false
	}
	keys := make([]string, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if c.counts[k] > c.counts[best] {
			best = k
		}
	}
	return c.exemplar[best], true
}

// Worst returns the observed sequence with the lowest minimum health.
func (h *History) Worst(class string) ([]Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.classes[class]
	if !ok || len(c.worst) == 0 {
		return nil, false
	}
	return append([]Event(nil), c.worst...), true
}

// Stats summarises the history per class.
func (h *History) Stats() map[string]map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]map[string]int, len(h.classes))
	for name, c := range h.classes {
		m := make(map[string]int, len(c.counts)+1)
		for k, v := range c.counts {
			m[k] = v
		}
		m["sequences"] = c.sequences
		out[name] = m
	}
	return out
}
