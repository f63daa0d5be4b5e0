// Package session owns the gateway's table of chat sessions, drives each session's
// pairing lifecycle from adapter events, and keeps the per-session webhook registry.
//
// Invariants:
// - Status changes only follow the allowed edges; ready is never reached before authenticated.
// - auth_failure is terminal until the session is deleted and recreated (or restored on restart).
// - Each session's entry is mutated under its own lock; different sessions proceed concurrently.
// - Snapshot saves are serialized and always built from the current table, so a later save never
//   loses an earlier mutation.
// - Persistence and event dispatch for a transition are independent; failure of one is logged and
//   does not prevent the other.
// - Only ready sessions accept outbound sends.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.Options{
//		Store:   store.NewFileStore("/var/lib/chatgate/sessions.json"),
//		Factory: adapter.NewBridgeFactory(adapter.BridgeOptions{URL: "ws://127.0.0.1:3001/ws"}),
//		Sink:    dispatcher,
//		Logger:  log.Logger,
//	})
//	_, _ = mgr.Restore(ctx)
//	id, _ := mgr.CreateSession(ctx)
//	_, _ = mgr.AddWebhook(ctx, id, "https://example.com/hook", []string{"message"})
package session
