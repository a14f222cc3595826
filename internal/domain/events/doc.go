// Package events provides the in-process event bus shared by the bridge,
// frame, sync and ui layers.
//
// Delivery is synchronous: Emit returns after every handler has run.
// Subscribers to "*" receive all topics after the topic's own subscribers.
//
// Example Usage:
//
//	bus := events.NewBus(logger)
//	unsubscribe := bus.Subscribe(events.SyncConflict, func(e events.Event) {
//		log.Println("conflict", e.Payload)
//	})
//	defer unsubscribe()
package events
