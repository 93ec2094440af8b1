package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Lifecycle event types.
const (
	TransactionCreated   = "transaction.created"
	TransactionConfirmed = "transaction.confirmed"
	TransactionCancelled = "transaction.cancelled"
	TransactionExpired   = "transaction.expired"
)

// Types lists every lifecycle event type, in emission order.
var Types = []string{
	TransactionCreated,
	TransactionConfirmed,
	TransactionCancelled,
	TransactionExpired,
}

// Event is an immutable lifecycle fact. It is emitted once and consumed
// by zero or more independent handlers; nothing flows back to the
// emitter.
type Event struct {
	Type          string                 `json:"event"`
	TransactionID string                 `json:"transaction_id"`
	TenantID      string                 `json:"tenant_id"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Handler processes one event. Handlers run off the publisher's
// goroutine; returning is the only acknowledgment.
type Handler func(ctx context.Context, e Event)

// Bus is in-process publish/subscribe between the lifecycle engine and
// its listeners. Publish must never block or fail the caller, and every
// published event reaches every registered handler at least once.
type Bus interface {
	Publish(e Event)
	Register(eventType string, h Handler)
}

// MemoryBus is an in-process Bus. Publish appends to an unbounded
// queue; a single worker goroutine drains it and invokes handlers with
// panic isolation, so a slow or bad handler delays delivery but never
// loses an event or blocks a lifecycle operation.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	queue    []Event
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// NewMemoryBus starts the dispatch worker.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		handlers: make(map[string][]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.process()
	return b
}

func (b *MemoryBus) Register(eventType string, h Handler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
	b.mu.Unlock()
}

// Publish enqueues the event and returns immediately. Events published
// after Close are discarded.
func (b *MemoryBus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops the worker after the queue drains.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *MemoryBus) process() {
	defer close(b.done)
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		closed := b.closed
		b.mu.Unlock()

		for _, e := range batch {
			b.mu.Lock()
			handlers := append([]Handler(nil), b.handlers[e.Type]...)
			b.mu.Unlock()

			for _, h := range handlers {
				b.invoke(h, e)
			}
		}

		if len(batch) == 0 {
			if closed {
				return
			}
			<-b.wake
		}
	}
}

func (b *MemoryBus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", e.Type).
				Str("transaction_id", e.TransactionID).
				Interface("panic", r).
				Msg("Recovered panic in event handler")
		}
	}()
	h(context.Background(), e)
}
