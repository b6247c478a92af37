// Package chat holds the in-memory session state owned by a session worker.
//
// A session is created once, keeps an ordered set of members and an
// append-only message log, and lives until the process exits. The Store is an
// explicit value: construct it at worker startup and hand it to the worker.
// Nothing in this package is global.
//
// Example:
//
//	store := chat.NewStore()
//	_ = store.Create("alice", "S1")
//	_, _ = store.Join("bob", "S1")
//	_, _ = store.Send("alice", "S1", "hi")
//	msgs, _ := store.Messages("S1") // [{alice hi ...}]
package chat
