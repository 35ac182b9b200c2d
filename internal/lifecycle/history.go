package lifecycle

import "sync"

// history keeps the most recent outcomes for lookup by ID.
type history struct {
	mu    sync.Mutex
	size  int
	order []string
	byID  map[string]*Outcome
}

func newHistory(size int) *history {
	if size < 1 {
		size = 100
	}
	return &history{size: size, byID: make(map[string]*Outcome, size)}
}

func (h *history) add(o *Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[o.ID]; !ok {
		h.order = append(h.order, o.ID)
	}
	h.byID[o.ID] = o
	for len(h.order) > h.size {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *history) get(id string) (*Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.byID[id]
	return o, ok
}
