// Package broker defines the queue substrate that gateways and session
// workers talk over.
//
// Two implementations ship with the module:
//
//	memorybroker : in-process queues for tests and single-process servers
//	redisbroker  : Redis Streams with consumer groups, for real deployments
//
// Both are checked by the shared conformance suite in brokertest.
//
// Consumers follow a consume, process, acknowledge cycle:
//
//	err := b.Consume(ctx, "work", func(ctx context.Context, d broker.Delivery) error {
//		process(d.Data)
//		return b.Ack(ctx, "work", d.ID)
//	})
package broker
