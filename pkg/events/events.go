/*
Package events is the agent's lifecycle event broker: the agent
publishes rendezvous rounds, worker group state transitions, restarts
and membership changes here so a CLI, log sink, or test harness can
subscribe without coupling to the agent's internals. The checkpoint
event types are defined here, but nothing in this module publishes
them.
*/
package events

import (
	"sync"
	"time"
)

// EventType is the kind of lifecycle event published by the agent or
// checkpoint service.
type EventType string

const (
	EventRendezvousStarted   EventType = "rendezvous.started"
	EventRendezvousComplete  EventType = "rendezvous.complete"
	EventWorkerGroupStarted  EventType = "worker_group.started"
	EventWorkerGroupHealthy  EventType = "worker_group.healthy"
	EventWorkerGroupFailed   EventType = "worker_group.failed"
	EventWorkerGroupSucceeded EventType = "worker_group.succeeded"
	EventWorkerGroupRestart  EventType = "worker_group.restart"
	EventMembershipChanged   EventType = "membership.changed"
	EventCheckpointSaved     EventType = "checkpoint.saved"
	EventCheckpointLoaded    EventType = "checkpoint.loaded"
	EventCheckpointDeleted   EventType = "checkpoint.deleted"
)

// Event is one lifecycle occurrence.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	RunID     string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
