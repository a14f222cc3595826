package events

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Wildcard subscribers receive every topic.
const Wildcard = "*"

// Topics emitted by the bridge, frame, sync and ui layers.
const (
	SecurityViolation    = "security:violation"
	ChannelClosed        = "channel:closed"
	ContextUpdated       = "context:updated"
	FrameLoaded          = "iframe:loaded"
	FrameError           = "iframe:error"
	FrameDestroyed       = "iframe:destroyed"
	AnnotationCreated    = "annotation:created"
	AnnotationUpdated    = "annotation:updated"
	AnnotationDeleted    = "annotation:deleted"
	SyncStarted          = "sync:started"
	SyncCompleted        = "sync:completed"
	SyncError            = "sync:error"
	SyncConflict         = "sync:conflict"
	SyncConflictResolved = "sync:conflict-resolved"
	SyncConflictExpired  = "sync:conflict-expired"
	SyncDataLoss         = "sync:data-loss"
	SyncOffline          = "sync:offline"
	SyncOnline           = "sync:online"
	UIFullscreen         = "ui:fullscreen"
	UIResize             = "ui:resize"
)

// Event is delivered to subscribers
type Event struct {
	Topic   string
	Payload interface{}
}

// Handler receives events
type Handler func(Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous topic fan-out. Handlers run on the emitting
// goroutine in subscription order; a panicking handler is logged and
// does not stop delivery to the rest.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
	logger *zap.Logger
}

// NewBus creates an event bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]subscriber),
		logger: logger,
	}
}

// Subscribe registers a handler for topic and returns a func that removes it.
// The returned func is safe to call more than once.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	subID := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: subID, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, subID) })
	}
}

func (b *Bus) remove(topic string, subID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == subID {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Emit delivers payload to topic subscribers, then wildcard subscribers.
// Returns the number of handlers invoked.
func (b *Bus) Emit(topic string, payload interface{}) int {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[topic])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[topic]...)
	if topic != Wildcard {
		targets = append(targets, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, s := range targets {
		b.dispatch(s, evt)
	}
	return len(targets)
}

func (b *Bus) dispatch(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", evt.Topic),
				zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}

// Count returns the number of subscribers for topic
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics lists topics with at least one subscriber
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Clear removes every subscriber
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]subscriber)
	b.mu.Unlock()
}
