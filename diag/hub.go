package diag

import (
	"sync"
	"sync/atomic"
)

// Hub fans entries out to subscribers without ever blocking the producer.
// A subscriber whose buffer is full loses the entry and the loss is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Entry
	next    int
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Entry)}
}

// Subscribe returns a channel of entries and a cancel func that closes it
func (h *Hub) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Entry, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Log(e Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// Subscribers returns the number of live subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
