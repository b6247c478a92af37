package broker

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable wraps every transport-level failure: the broker could not
	// be reached, rejected the operation, or has been closed.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrClosed indicates the broker was closed by its owner.
	ErrClosed = errors.New("broker closed")
)

// Broker provides durable, named, point-to-point queues with at-least-once
// delivery. Messages published to a queue are handed to exactly one of the
// queue's active consumers, in publish order. A delivery stays pending until
// it is acknowledged; if its consumer stops first, the delivery is handed out
// again.
type Broker interface {
	// Publish appends data to the named queue and returns the broker-assigned
	// delivery ID.
	Publish(ctx context.Context, queue string, data []byte) (id string, err error)

	// Consume delivers messages from the named queue to handler until ctx is
	// done or handler returns an error. It returns the handler's error, the
	// context's error, or a transport error wrapping ErrUnavailable. Handler
	// invocations for one Consume call never overlap.
	Consume(ctx context.Context, queue string, handler MessageHandler) error

	// Ack marks a delivery as processed so it is never handed out again.
	// Acknowledging an unknown or already acknowledged ID is not an error.
	Ack(ctx context.Context, queue string, id string) error

	// Close releases broker resources. Consume calls in flight return.
	Close() error
}

// MessageHandler receives one delivery. Returning an error stops the Consume
// call that invoked it; the delivery stays pending.
type MessageHandler func(ctx context.Context, d Delivery) error

// Delivery is a message handed to a consumer.
type Delivery struct {
	// ID identifies the message within its queue. Pass it to Ack.
	ID string `json:"id"`
	// Data is the opaque message payload.
	Data []byte `json:"data"`
	// Redelivered is set when the message was handed out before without
	// being acknowledged.
	Redelivered bool `json:"redelivered,omitempty"`
}
