package bus

import (
	"context"
	"sync"

	"slackrelay/pkg/event"
)

const defaultBufferSize = 100

// MessageBus is the bounded handoff between the upstream session and the
// dispatcher workers, plus a lossy fan-out of lifecycle events.
type MessageBus struct {
	inbound       chan event.RawEvent
	inboundClosed bool

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewMessageBus creates a bus whose inbound queue holds at most size events.
func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan event.RawEvent, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// TryPublishInbound enqueues raw without blocking. It reports false when the
// queue is full or closed; the caller owns the drop.
func (mb *MessageBus) TryPublishInbound(raw event.RawEvent) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if mb.inboundClosed {
		return false
	}

	select {
	case <-mb.done:
		return false
	default:
	}

	select {
	case mb.inbound <- raw:
		return true
	default:
		return false
	}
}

// ConsumeInbound blocks until an event is available. It reports false once
// the inbound queue is closed and drained, the bus is closed, or ctx ends.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (event.RawEvent, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return event.RawEvent{}, false
	case <-mb.done:
		return event.RawEvent{}, false
	case raw, ok := <-mb.inbound:
		return raw, ok
	}
}

// CloseInbound stops intake. Events already queued remain consumable.
func (mb *MessageBus) CloseInbound() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.inboundClosed {
		return
	}
	mb.inboundClosed = true
	close(mb.inbound)
}

// InboundDepth returns the number of queued events.
func (mb *MessageBus) InboundDepth() int {
	return len(mb.inbound)
}

// InboundCapacity returns the inbound queue bound.
func (mb *MessageBus) InboundCapacity() int {
	return cap(mb.inbound)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
