// Package store persists the session snapshot: session id -> {webhooks, createdAt, status}.
//
// Invariants:
// - Save replaces the whole snapshot atomically; a crash mid-write never leaves it unreadable.
// - Saves are serialized inside each backend regardless of caller discipline.
// - Load of an unparsable snapshot returns an empty snapshot together with ErrCorruptStore.
// - Live adapter handles and pairing secrets are never part of a snapshot.
package store
