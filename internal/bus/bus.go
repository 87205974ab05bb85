// Package bus fans cluster chat traffic out to every session on this node.
// The directory subscription publishes into it; each session holds an
// independent receiver.
package bus

import (
	"sync"

	"github.com/maxrios/mcs/internal/metrics"
	"github.com/maxrios/mcs/internal/protocol"
)

// Capacity is each subscriber's backlog. A session that falls this far
// behind starts losing messages; a history request fills the gap.
const Capacity = 100

// Subscriber receives every message published while it is registered.
// C is closed by Unsubscribe.
type Subscriber struct {
	C <-chan protocol.Message

	ch chan protocol.Message
}

// Bus is the process-wide broadcast primitive between the directory
// subscription and the per-session writers. Publish never blocks: the bus
// favors liveness over durability, history being the durable path.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a receiver with a fresh backlog.
func (b *Bus) Subscribe() *Subscriber {
	ch := make(chan protocol.Message, Capacity)
	s := &Subscriber{C: ch, ch: ch}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Repeated calls for the
// same subscriber are harmless.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()

	if ok {
		close(s.ch)
	}
}

// Publish hands m to every subscriber with backlog room. A full receiver
// loses the message rather than stalling everyone else.
func (b *Bus) Publish(m protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		select {
		case s.ch <- m:
		default:
			metrics.MessagesDropped.Inc()
		}
	}
}

// Len reports the current subscriber count.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
