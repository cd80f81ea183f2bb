package session

import (
	"sync"

	"github.com/L1nMay/scanconsole/internal/model"
)

// Hub fans session snapshots out to subscribers. Slow subscribers miss
// intermediate snapshots rather than blocking writers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan model.ScanSession]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan model.ScanSession]struct{})}
}

func (h *Hub) Subscribe() chan model.ScanSession {
	ch := make(chan model.ScanSession, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan model.ScanSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; !ok {
		return
	}
	delete(h.subs, ch)
	close(ch)
}

func (h *Hub) Publish(s model.ScanSession) {
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
