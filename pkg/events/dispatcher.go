package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 256

// Dispatcher fans published events out to subscribers. A single goroutine
// drains the inbound channel so subscribers never observe events out of
// publish order.
type Dispatcher struct {
	inbound     chan Event
	subscribers map[int]chan Event
	nextID      int
	mu          sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
}

// NewDispatcher creates a dispatcher and starts its delivery loop
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		inbound:     make(chan Event, defaultBufferSize),
		subscribers: make(map[int]chan Event),
		done:        make(chan struct{}),
	}

	go d.run()

	return d
}

// Publish enqueues an event for delivery. It never blocks: when the inbound
// buffer is full the event is dropped with a warning.
func (d *Dispatcher) Publish(event Event) {
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.inbound <- event:
	default:
		log.Warn().
			Str("type", string(event.Type)).
			Msg("Event dropped: dispatcher buffer full")
	}
}

// Subscribe registers a new consumer. The returned cancel func removes the
// subscription and closes its channel.
func (d *Dispatcher) Subscribe() (<-chan Event, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++

	ch := make(chan Event, defaultBufferSize)
	d.subscribers[id] = ch

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		if sub, ok := d.subscribers[id]; ok {
			delete(d.subscribers, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Close stops the delivery loop and closes all subscriber channels
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

func (d *Dispatcher) run() {
	for {
		select {
		case event := <-d.inbound:
			d.deliver(event)
		case <-d.done:
			d.mu.Lock()
			for id, sub := range d.subscribers {
				delete(d.subscribers, id)
				close(sub)
			}
			d.mu.Unlock()
			return
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sub := range d.subscribers {
		select {
		case sub <- event:
		default:
			// Slow subscriber, drop rather than stall the loop
			log.Debug().
				Str("type", string(event.Type)).
				Msg("Event dropped for slow subscriber")
		}
	}
}
