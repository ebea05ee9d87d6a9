// Package events implements the publish/subscribe mechanism used by the
// connection engine, both for internal coordination (ex. relay status messages
// driving state transitions) and for notifying the application of lifecycle
// events.
//
// Subscriptions are registered against an exact topic and tagged with a group
// label. All the subscriptions of a group can be torn down in one call, which
// is how listeners scoped to a single negotiation attempt are prevented from
// leaking into subsequent attempts.
package events

import "sync"

// Event associates a topic with an arbitrary payload.
type Event struct {
	Topic   string
	Payload interface{}
}

// Handler processes a published Event. Handlers are invoked synchronously, in
// subscription order, from the goroutine that calls Publish.
type Handler func(Event)

type subscription struct {
	topic   string
	group   string
	handler Handler
	once    bool
}

// Bus is a small in-process event bus supporting persistent and one-shot
// subscriptions, and group-scoped teardown.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*subscription
}

// NewBus instantiates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string][]*subscription),
	}
}

// Subscribe registers a persistent handler for a topic, under a group label.
func (b *Bus) Subscribe(topic string, group string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.topics[topic] = append(b.topics[topic], &subscription{
		topic:   topic,
		group:   group,
		handler: handler,
	})
}

// Once registers a one-shot subscription and returns a channel that receives
// the first event published on the topic. The subscription is automatically
// removed when it fires, or when its group is unsubscribed.
func (b *Bus) Once(topic string, group string) <-chan Event {
	ch := make(chan Event, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.topics[topic] = append(b.topics[topic], &subscription{
		topic: topic,
		group: group,
		handler: func(e Event) {
			ch <- e
		},
		once: true,
	})

	return ch
}

// Publish delivers an event to every subscription on the topic, in
// subscription order. One-shot subscriptions are removed before their handler
// runs, so a handler that publishes recursively cannot fire them twice.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()

	subs := b.topics[topic]
	fired := make([]*subscription, len(subs))
	copy(fired, subs)

	remaining := subs[:0]
	for _, sub := range subs {
		if !sub.once {
			remaining = append(remaining, sub)
		}
	}
	if len(remaining) == 0 {
		delete(b.topics, topic)
	} else {
		b.topics[topic] = remaining
	}

	b.mu.Unlock()

	event := Event{Topic: topic, Payload: payload}
	for _, sub := range fired {
		sub.handler(event)
	}
}

// Unsubscribe removes every subscription registered under the given group,
// across all topics.
func (b *Bus) Unsubscribe(group string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.topics {
		remaining := subs[:0]
		for _, sub := range subs {
			if sub.group != group {
				remaining = append(remaining, sub)
			}
		}
		if len(remaining) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = remaining
		}
	}
}
