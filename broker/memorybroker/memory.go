package memorybroker

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/ggoodman/chatrelay-go/broker"
)

// Broker implements broker.Broker with in-process queues. Each queue keeps a
// FIFO of ready messages and a set of delivered-but-unacknowledged messages
// tagged with the consumer holding them. State is local to the process.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	seq       int64
	consumers uint64
	closed    bool
	done      chan struct{}
}

type queue struct {
	ready   []*entry
	pending map[string]*entry
	// wake is closed and replaced whenever ready gains entries.
	wake chan struct{}
}

type entry struct {
	seq        int64
	id         string
	data       []byte
	owner      uint64
	deliveries int
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		done:   make(chan struct{}),
	}
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			pending: make(map[string]*entry),
			wake:    make(chan struct{}),
		}
		b.queues[name] = q
	}
	return q
}

func (q *queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, queueName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("%w: %w", broker.ErrUnavailable, broker.ErrClosed)
	}

	b.seq++
	e := &entry{
		seq:  b.seq,
		id:   strconv.FormatInt(b.seq, 10),
		data: append([]byte(nil), data...),
	}
	q := b.queueLocked(queueName)
	q.ready = append(q.ready, e)
	q.signalLocked()

	return e.id, nil
}

// Consume implements broker.Broker.Consume.
func (b *Broker) Consume(ctx context.Context, queueName string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", broker.ErrUnavailable, broker.ErrClosed)
	}
	q := b.queueLocked(queueName)
	b.consumers++
	owner := b.consumers
	b.mu.Unlock()

	defer b.release(q, owner)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return fmt.Errorf("%w: %w", broker.ErrUnavailable, broker.ErrClosed)
		}
		if len(q.ready) == 0 {
			wake := q.wake
			b.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return fmt.Errorf("%w: %w", broker.ErrUnavailable, broker.ErrClosed)
			case <-wake:
			}
			continue
		}

		e := q.ready[0]
		q.ready = q.ready[1:]
		e.owner = owner
		e.deliveries++
		q.pending[e.id] = e
		d := broker.Delivery{
			ID:          e.id,
			Data:        append([]byte(nil), e.data...),
			Redelivered: e.deliveries > 1,
		}
		b.mu.Unlock()

		if err := handler(ctx, d); err != nil {
			return err
		}
	}
}

// release puts every unacknowledged delivery held by owner back at the head
// of the queue, oldest first.
func (b *Broker) release(q *queue, owner uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var back []*entry
	for id, e := range q.pending {
		if e.owner == owner {
			delete(q.pending, id)
			e.owner = 0
			back = append(back, e)
		}
	}
	if len(back) == 0 {
		return
	}
	slices.SortFunc(back, func(x, y *entry) int { return int(x.seq - y.seq) })
	q.ready = append(back, q.ready...)
	q.signalLocked()
}

// Ack implements broker.Broker.Ack.
func (b *Broker) Ack(ctx context.Context, queueName string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: %w", broker.ErrUnavailable, broker.ErrClosed)
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	if _, ok := q.pending[id]; ok {
		delete(q.pending, id)
		return nil
	}
	// A late ack for a delivery that was released back to the queue.
	q.ready = slices.DeleteFunc(q.ready, func(e *entry) bool { return e.id == id })
	return nil
}

// Stats reports how many messages of a queue wait for a consumer and how many
// are delivered but not yet acknowledged.
func (b *Broker) Stats(queueName string) (ready, pending int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0, 0
	}
	return len(q.ready), len(q.pending)
}

// Close implements broker.Broker.Close. Subsequent operations fail with
// broker.ErrUnavailable.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
