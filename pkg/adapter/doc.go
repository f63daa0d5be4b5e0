// Package adapter defines the chat-client capability driven by the gateway.
//
// Invariants:
// - One Client per session, created by a Factory bound to that session's event channel.
// - Clients report lifecycle and inbound traffic only by pushing typed Events onto the channel.
// - A Client never blocks forever on the channel after Destroy has been called.
//
// Usage:
//
//	events := make(chan adapter.Event, 64)
//	client, _ := adapter.NewBridgeFactory(adapter.BridgeOptions{URL: "ws://127.0.0.1:3100/ws"})("s1", events)
//	_ = client.Initialize(ctx)
//	ev := <-events // adapter.EventQR, adapter.EventReady, ...
package adapter
