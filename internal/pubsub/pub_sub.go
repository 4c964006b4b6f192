// Package pubsub is a small typed event bus. Publishers and subscribers agree on an EventType and a payload type;
// the broker fans every published event out to the subscribers of its type from a single goroutine.
package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait until the subscriber's channel has room. Non-blocking subscribers miss
	// events while their channel is full.
	IsBlocking bool
}

// SubscriberID identifies one subscription and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event is a published event. Each payload type yields a distinct Event type.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber hides the payload type of its channel behind deliver and close, so subscribers of every payload
// type share one registry.
type subscriber struct {
	deliver func(eventType EventType, payload any) bool
	close   func()
	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type published struct {
	eventType EventType
	payload   any
}

// PubSubClient is the broker. It is safe for concurrent use.
type PubSubClient struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber
	// publishCh decouples Publish from the fan-out and holds in-flight events during a graceful shutdown.
	publishCh chan published
	closed    atomic.Bool
}

// Subscribe registers ch for events of eventType. The caller owns the buffer size of ch; the broker closes it on
// Unsubscribe. Events whose payload is not a T are never delivered to ch.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{opts: opts, close: func() { close(ch) }}
	sub.deliver = func(evType EventType, payload any) bool {
		typed, ok := payload.(T)
		if !ok {
			log.Printf("[PUBSUB] Type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
			return false
		}
		ev := &Event[T]{Type: evType, Payload: typed}
		if opts.IsBlocking {
			ch <- ev
			return true
		}
		select {
		case ch <- ev:
			return true
		default:
			return false
		}
	}

	if p.registry[eventType] == nil {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids are ignored.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.registry[eventType]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	sub.close()
	if len(subs) == 0 {
		delete(p.registry, eventType)
	}
}

// Dropped returns how many events the subscription missed because its channel was full.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if sub, ok := p.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Publish queues event for fan-out. Events published after shutdown began are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps shutdown from closing publishCh between the check and the send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return
	}
	p.publishCh <- published{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting events and returns without waiting for the queue to drain.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Swap(true) {
		return
	}
	close(p.publishCh)
}

// GracefulShutdown stops accepting events and blocks until every queued event has been fanned out.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if !p.closed.Swap(true) {
		close(p.publishCh)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishCh {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if !sub.deliver(msg.eventType, msg.payload) && !sub.opts.IsBlocking {
				if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
					log.Printf("[PUBSUB] Subscriber %d dropped %d events of type %v", id, n, msg.eventType)
				}
			}
		}
		p.mu.RUnlock()
	}
}

// NewPubSub starts a broker whose publish queue holds buffer events.
func NewPubSub(buffer int) *PubSubClient {
	p := &PubSubClient{
		registry:  make(map[EventType]map[SubscriberID]*subscriber),
		publishCh: make(chan published, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}
