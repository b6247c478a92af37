// Package memorybroker provides an in-memory broker.Broker suitable for
// tests, development, and single-process deployments where the gateway and
// the session worker share one process. All state is discarded on exit.
//
// Characteristics
//
//	Durability   : none (RAM only)
//	Delivery     : at-least-once; unacknowledged deliveries return to the
//	               head of the queue when their consumer stops
//	Ordering     : FIFO per queue
//	Concurrency  : safe; competing consumers share a queue
//
// Example:
//
//	b := memorybroker.New()
//	defer b.Close()
package memorybroker
