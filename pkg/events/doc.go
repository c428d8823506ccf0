/*
Package events is an in-memory, best-effort pub/sub bus for agent and
checkpoint service lifecycle events: rendezvous rounds, worker group
state transitions, restarts, and checkpoint operations.

Publish never blocks on slow subscribers — a subscriber with a full
buffer simply misses events, by design. This is a monitoring and CLI
streaming aid, not a durable log of what the agent did; nothing in
the agent depends on an event actually being delivered.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for event := range sub {
			fmt.Println(event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{Type: events.EventWorkerGroupRestart, RunID: runID})
*/
package events
