// Package dispatch fans session events out to subscriber webhooks.
//
// Invariants:
// - Dispatch never blocks the caller; when the queue is full the event is dropped and counted.
// - Each matching webhook gets its own delivery goroutine bounded by Options.Timeout.
// - Deliveries are attempted once. Failures are logged and recorded in the stats tracker.
// - Ordering across webhooks, and across successive events for one webhook, is not guaranteed.
//
// Usage:
//
//	d := dispatch.New(dispatch.Options{Timeout: 10 * time.Second}, log.Logger)
//	d.Start(sessionManager)
//	defer d.Stop(context.Background())
//	d.Dispatch(session.Event{Type: session.EventMessage, SessionID: "s1", Payload: msg})
package dispatch
