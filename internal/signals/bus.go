package signals

import (
	"sync"
	"time"
)

// Handler processes one event. Handlers run on the bus goroutine and should
// hand slow work off.
type Handler func(event *Event)

// busBufferSize is the capacity of the async event channel. Events are
// dropped when it is full.
const busBufferSize = 256

// Bus is an async pub/sub for signals. Publish never blocks: events go to a
// buffered channel drained by a single goroutine, so lifecycle transitions are
// never held up by slow sinks.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
	eventCh  chan *Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	onPanic  func(recovered any)
}

// NewBus creates a bus and starts its worker.
func NewBus() *Bus {
	b := &Bus{
		eventCh: make(chan *Event, busBufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.processLoop()
	return b
}

// OnPanic sets a callback for recovered handler panics.
func (b *Bus) OnPanic(fn func(recovered any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPanic = fn
}

// Subscribe registers a handler for every event.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish enqueues an event. Events are dropped when the buffer is full or
// after Stop.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}
	select {
	case <-b.stopCh:
		return
	default:
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	default:
	}
}

// Stop drains queued events and shuts the worker down. Safe to call more
// than once; returns after the worker has exited.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
}

func (b *Bus) processLoop() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.dispatch(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.eventCh:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	onPanic := b.onPanic
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeCall(handler, event, onPanic)
	}
}

// safeCall keeps one panicking handler from killing the bus goroutine.
func (b *Bus) safeCall(handler Handler, event *Event, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	handler(event)
}
