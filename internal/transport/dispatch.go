package transport

import (
	"sync"

	"github.com/relaygrid/core/internal/envelope"
)

// Dispatcher fans a delivered envelope out to every subscribed handler,
// mirroring the teacher's Topic.Subscribers broadcast but generalized
// to any concrete transport rather than one broker's pub/sub topics.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	seq      int
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[int]Handler)}
}

func (d *Dispatcher) Subscribe(h Handler) func() {
	d.mu.Lock()
	id := d.seq
	d.seq++
	d.handlers[id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) Deliver(env *envelope.Envelope) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}
