// Package worker is the responding side of the chat protocol. It owns the
// chat.Store, consumes the work queue, and publishes exactly one Reply per
// Command before acknowledging it.
package worker
