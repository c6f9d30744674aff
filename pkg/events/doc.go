/*
Package events is the in-memory broker used two ways elsewhere in the
runtime: the Cluster Manager publishes a PeerUnhealthy notification for
SubscribeStateChanges callers whenever it proposes removing an unhealthy
peer (the other event types are defined here but the Cluster Manager
does not publish them), and the Event Store keeps a separate Broker on
which it reports dropped or failed subscriptions. Event Store payloads
are never delivered through a Broker.

Delivery is best-effort: Publish waits only while the broker's
100-event intake queue is full (or until Stop), and a subscriber whose
buffer is full silently misses events rather than stalling the broker.
Callers that need guaranteed delivery want a catch-up or persistent
Event Store subscription instead, not this package.

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

	broker.Publish(&events.Event{Type: events.TypePeerJoined, Message: "node-3 joined"})
*/
package events
