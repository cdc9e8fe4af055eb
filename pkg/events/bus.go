package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler consumes events delivered by the bus dispatcher.
type Handler func(Event)

// Bus is an in-process event channel. All events flow through a single
// dispatcher goroutine, so handlers observe the publish order without
// needing their own synchronization against the bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler

	ch     chan Event
	stopCh chan struct{}
	done   chan struct{}
	closed bool

	logger *logrus.Entry
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		handlers: make(map[Kind][]Handler),
		ch:       make(chan Event, buffer),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logrus.WithField("component", "event-bus"),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler invoked for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event. Events published after Close are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.ch <- ev:
	case <-b.stopCh:
	}
}

// Close stops the dispatcher after draining queued events. The event
// channel itself is never closed: a publisher that raced past the
// closed check may still enqueue, and that must not panic.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.ch:
			b.deliver(ev)
		case <-b.stopCh:
			for {
				select {
				case ev := <-b.ch:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	kindHandlers := append([]Handler(nil), b.handlers[ev.Kind]...)
	allHandlers := append([]Handler(nil), b.all...)
	b.mu.RUnlock()

	for _, h := range kindHandlers {
		b.safeCall(h, ev)
	}
	for _, h := range allHandlers {
		b.safeCall(h, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("event handler panicked on %s: %v", ev.Kind, r)
		}
	}()
	h(ev)
}
