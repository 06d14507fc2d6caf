package ledger

import (
	"sync"
	"sync/atomic"

	"blockledger.dev/internal/ledger/record"
)

// hub fans committed records out to live subscribers. A subscriber that
// falls behind loses records rather than slowing the ingestion worker.
type hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan *record.Record
	closed bool

	dropped atomic.Uint64
	onDrop  func()
}

func newHub() *hub {
	return &hub{subs: map[int]chan *record.Record{}}
}

// Subscribe streams every record committed from now on. The channel is
// closed by cancel or by Close.
func (e *Engine) Subscribe(buf int) (<-chan *record.Record, func()) {
	return e.hub.subscribe(buf)
}

func (h *hub) subscribe(buf int) (<-chan *record.Record, func()) {
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan *record.Record, buf)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(batch []*record.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		for _, r := range batch {
			select {
			case ch <- r:
			default:
				h.dropped.Add(1)
				if h.onDrop != nil {
					h.onDrop()
				}
			}
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
