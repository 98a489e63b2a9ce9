package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

// Event is the envelope delivered to EventBus subscribers.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      schemas.EventType
	Payload   map[string]interface{}
}

// EventBus fans events out to subscribers using a Pub/Sub model. Emit never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted.
type EventBus struct {
	logger *zap.Logger

	// Map of event type to a list of channels (subscribers).
	subscribers map[schemas.EventType][]chan Event
	// Subscribers registered for every type.
	wildcard   []chan Event
	mu         sync.RWMutex
	bufferSize int

	dropped    atomic.Uint64
	isShutdown bool
}

var _ schemas.EventSink = (*EventBus)(nil)

// NewEventBus initializes the EventBus.
func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[schemas.EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Emit publishes an event. It is safe to call after Shutdown.
func (b *EventBus) Emit(eventType schemas.EventType, payload map[string]interface{}) {
	msg := Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}

	// The read lock is held across the sends so Shutdown cannot close a
	// channel mid-send. Sends never block, so this is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isShutdown {
		return
	}
	for _, ch := range b.subscribers[eventType] {
		b.offer(ch, msg)
	}
	for _, ch := range b.wildcard {
		b.offer(ch, msg)
	}
}

func (b *EventBus) offer(ch chan Event, msg Event) {
	select {
	case ch <- msg:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Debug("Subscriber buffer full; dropping events.", zap.String("type", string(msg.Type)), zap.Uint64("dropped_total", b.dropped.Load()))
		}
	}
}

// Subscribe returns a channel for the given event types, or for every event
// when none are given, plus an unsubscribe function.
func (b *EventBus) Subscribe(types ...schemas.EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.isShutdown {
		close(ch)
		return ch, func() {}
	}
	if len(types) == 0 {
		b.wildcard = append(b.wildcard, ch)
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isShutdown {
				return
			}
			b.wildcard = removeChan(b.wildcard, ch)
			for _, t := range types {
				b.subscribers[t] = removeChan(b.subscribers[t], ch)
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	for i, c := range subs {
		if c == ch {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Dropped is the number of events lost to full subscriber buffers.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Shutdown closes every subscriber channel. Later Emits are ignored.
func (b *EventBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		return
	}
	b.isShutdown = true

	unique := make(map[chan Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for _, ch := range b.wildcard {
		unique[ch] = struct{}{}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[schemas.EventType][]chan Event)
	b.wildcard = nil
}
