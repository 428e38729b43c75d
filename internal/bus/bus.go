// Package bus implements the Event Bus (C1): a process-wide typed dispatcher
// that every other component publishes to and subscribes from.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mxf/agent-runtime/pkg/models"
)

// Filter is a pure predicate over an event. A nil filter matches everything.
type Filter func(models.Envelope) bool

// Handler processes one delivered event. Handlers must not block the
// dispatcher; long-running work belongs on the owning component's own
// queue, not inside the handler body.
type Handler func(models.Envelope)

// Subscription is an opaque handle returned by Subscribe, passed to
// Unsubscribe to remove it.
type Subscription struct {
	id        string
	eventName string
}

type subscriber struct {
	id      string
	filter  Filter
	handler Handler
}

// Bus is the Event Bus. Delivery to the subscribers of a given eventName is
// synchronous (run on the publishing goroutine) and ordered: subscribers
// registered earlier are invoked before those registered later, and two
// publishes of the same eventName from the same goroutine are delivered in
// publish order. A handler that panics or whose error callback fires does
// not prevent delivery to the remaining subscribers for that event; the
// failure is converted into an on_handler_error meta-event instead.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriber // eventName -> ordered subscribers
	onError     func(eventName string, err error)
}

// New creates an empty Bus. onError, if non-nil, is invoked (outside the
// dispatcher lock) whenever a handler panics; it is also where callers
// typically republish an on_handler_error meta-event.
func New(onError func(eventName string, err error)) *Bus {
	return &Bus{
		subscribers: make(map[string][]subscriber),
		onError:     onError,
	}
}

// Subscribe registers handler for eventName, optionally narrowed by filter.
func (b *Bus) Subscribe(eventName string, filter Filter, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscribers[eventName] = append(b.subscribers[eventName], subscriber{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	return Subscription{id: id, eventName: eventName}
}

// Unsubscribe removes a previously registered subscription. Safe to call
// more than once; a second call is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.eventName]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscribers[sub.eventName] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers env synchronously to every subscriber of env.EventType
// whose filter (if any) matches. Delivery order matches subscription order.
func (b *Bus) Publish(env models.Envelope) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers[env.EventType]))
	copy(subs, b.subscribers[env.EventType])
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(env) {
			continue
		}
		b.dispatch(env, s)
	}
}

// dispatch invokes a single handler, converting a panic into the
// on_handler_error meta-event rather than letting it propagate and stop
// delivery to the remaining subscribers.
func (b *Bus) dispatch(env models.Envelope, s subscriber) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			if b.onError != nil {
				b.onError(env.EventType, err)
			}
			b.Publish(models.NewEnvelope(
				uuid.NewString(), "on_handler_error", env.AgentID, env.ChannelID,
				map[string]any{"event_type": env.EventType, "error": err.Error()},
				time.Now(),
			))
		}
	}()
	s.handler(env)
}

// ChannelView is a filtered, read-only view over a Bus exposing only the
// whitelisted public event families (models.PublicEventTypes) to an external
// subscriber. It replaces the two divergent channel-monitor implementations
// in the source with one contract (spec design note, open question).
type ChannelView struct {
	bus       *Bus
	channelID string
}

// NewChannelView scopes a view to one channel's public events.
func NewChannelView(b *Bus, channelID string) *ChannelView {
	return &ChannelView{bus: b, channelID: channelID}
}

// Subscribe registers handler for a public event name scoped to this
// channel. Subscribing to a non-public event name is rejected.
func (v *ChannelView) Subscribe(eventName string, handler Handler) (Subscription, error) {
	if !models.PublicEventTypes[eventName] {
		return Subscription{}, fmt.Errorf("event %q is not publicly subscribable", eventName)
	}
	channelID := v.channelID
	filter := func(env models.Envelope) bool { return env.ChannelID == channelID }
	return v.bus.Subscribe(eventName, filter, handler), nil
}
