// Package gateway is the requesting side of the chat protocol.
//
// A Client turns calls into Commands on the work queue and waits for the
// matching Reply on the reply queue. One goroutine must run Client.Run, which
// is the only consumer of the reply queue for that Client; it routes each
// Reply to the request registered under the Reply's correlation id and acks
// every delivery, including late and unmatched ones.
//
//	c := gateway.New(b, gateway.WithTimeout(2*time.Second))
//	go c.Run(ctx)
//	id, err := c.CreateSession(ctx, "alice")
//
// Requests that get no Reply before the deadline fail with
// protocol.ErrTimeout and leave nothing registered behind.
package gateway
