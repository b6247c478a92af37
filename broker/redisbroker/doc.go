// Package redisbroker provides a broker.Broker backed by Redis Streams.
//
// Each queue maps to one stream ("<prefix>stream:<queue>") read through a
// single consumer group. Publishing is XADD; consuming is XREADGROUP; Ack is
// XACK. Entries stay in the group's pending list until acknowledged, so a
// worker that dies mid-command leaves its entries behind for XAUTOCLAIM to
// hand to the next consumer.
//
// Characteristics
//
//	Durability   : Redis persistence (AOF/RDB as configured on the server)
//	Delivery     : at-least-once; abandoned entries reclaimed after ClaimMinIdle
//	Ordering     : stream order per queue
//	Horizontal   : yes; consumers of one queue compete for its entries, so
//	               workers share the work queue while each gateway reads
//	               its own reply queue
//
// Example:
//
//	b := redisbroker.New(redisbroker.Config{
//		Client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	})
//	defer b.Close()
package redisbroker
