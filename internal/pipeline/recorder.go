package pipeline

import (
	"sync"

	"github.com/aonescu/aegis/internal/types"
)

// Recorder keeps the most recent stage events in a ring for the HTTP surface.
type Recorder struct {
	mu     sync.RWMutex
	events []types.StageEvent
	next   int
	full   bool
	total  int
}

func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 1000
	}
	return &Recorder{events: make([]types.StageEvent, size)}
}

func (r *Recorder) Emit(event types.StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = event
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// Events returns recorded events oldest first. An empty runID matches every
// run; limit <= 0 returns everything retained.
func (r *Recorder) Events(runID string, limit int) []types.StageEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []types.StageEvent
	if r.full {
		ordered = append(ordered, r.events[r.next:]...)
	}
	ordered = append(ordered, r.events[:r.next]...)

	var out []types.StageEvent
	for _, e := range ordered {
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Total counts every event ever emitted, including evicted ones.
func (r *Recorder) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
