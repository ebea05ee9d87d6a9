package events

import (
	"reflect"
	"testing"
)

func TestPublishOrder(t *testing.T) {
	bus := NewBus()

	received := []string{}

	bus.Subscribe("topic", "g1", func(e Event) {
		received = append(received, "first")
	})
	bus.Subscribe("topic", "g2", func(e Event) {
		received = append(received, "second")
	})

	bus.Publish("topic", nil)

	expected := []string{"first", "second"}
	if !reflect.DeepEqual(received, expected) {
		t.Fatalf("handlers should run in subscription order, got %v", received)
	}
}

func TestOnce(t *testing.T) {
	bus := NewBus()

	ch := bus.Once("topic", "g1")

	bus.Publish("topic", 42)
	bus.Publish("topic", 43)

	e := <-ch
	if e.Payload.(int) != 42 {
		t.Fatalf("expected first payload 42, got %v", e.Payload)
	}

	select {
	case e := <-ch:
		t.Fatalf("one-shot subscription fired twice: %v", e)
	default:
	}
}

func TestUnsubscribeGroup(t *testing.T) {
	bus := NewBus()

	fired := 0

	bus.Subscribe("a", "attempt", func(e Event) { fired++ })
	bus.Subscribe("b", "attempt", func(e Event) { fired++ })
	bus.Once("c", "attempt")
	bus.Subscribe("a", "other", func(e Event) { fired++ })

	bus.Unsubscribe("attempt")

	bus.Publish("a", nil)
	bus.Publish("b", nil)
	bus.Publish("c", nil)

	if fired != 1 {
		t.Fatalf("expected only the 'other' group to fire, got %d calls", fired)
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish("void", "payload")
}
