package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	// HookRoomCreated fires when a room is materialized on first access.
	HookRoomCreated = "room-created"
	// HookRoomDestroyed fires after an idle room is torn down.
	HookRoomDestroyed = "room-destroyed"
	// HookClientConnected fires after a connection completes the handshake.
	HookClientConnected = "client-connected"
	// HookClientDisconnected fires when a connection closes.
	HookClientDisconnected = "client-disconnected"
)

// HookEvent is a fire-and-forget notification consumed by the surrounding
// platform for audit and logging.
type HookEvent struct {
	Type      string
	RoomID    string
	UserID    string
	Timestamp time.Time
}

type hookSubscriber struct {
	id     int64
	stream chan HookEvent
}

// HookEmitter fans hook events out to subscribers. Delivery is best-effort:
// a subscriber that falls behind misses events rather than slowing emitters.
type HookEmitter struct {
	mu          sync.RWMutex
	subscribers map[int64]*hookSubscriber
	nextID      int64
	bufferSize  int
}

// NewHookEmitter constructs an emitter with no subscribers.
func NewHookEmitter() *HookEmitter {
	return &HookEmitter{
		subscribers: make(map[int64]*hookSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a consumer. The returned cleanup runs automatically
// when the context is cancelled.
func (e *HookEmitter) Subscribe(ctx context.Context) (<-chan HookEvent, func()) {
	subscriber := &hookSubscriber{
		stream: make(chan HookEvent, e.bufferSize),
	}

	e.mu.Lock()
	e.nextID++
	subscriber.id = e.nextID
	e.subscribers[subscriber.id] = subscriber
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.subscribers, subscriber.id)
		e.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Emit delivers the event to every subscriber without blocking.
func (e *HookEmitter) Emit(event HookEvent) {
	if event.Type == "" {
		return
	}

	e.mu.RLock()
	copies := make([]*hookSubscriber, 0, len(e.subscribers))
	for _, subscriber := range e.subscribers {
		copies = append(copies, subscriber)
	}
	e.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}
