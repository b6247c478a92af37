package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/chatrelay-go/broker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams implementation of broker.Broker. Every queue is a
// stream read through one consumer group, so each entry goes to exactly one
// consumer and stays in the group's pending list until acknowledged.
type Broker struct {
	client       redis.UniversalClient
	keyPrefix    string
	group        string
	consumerBase string
	block        time.Duration
	batch        int64
	claimMinIdle time.Duration

	consumerSeq atomic.Uint64

	groupsMu sync.Mutex
	groups   map[string]struct{}
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every stream key. Defaults to "chat:queue:".
	KeyPrefix string
	// Group is the consumer group shared by all consumers of a queue. Defaults to "chat".
	Group string
	// ConsumerName prefixes the per-Consume consumer names. Defaults to
	// hostname plus a random suffix.
	ConsumerName string
	// Block bounds how long one read waits for new entries. Defaults to 1s.
	Block time.Duration
	// BatchSize is the maximum number of entries fetched per read. Defaults to 16.
	BatchSize int64
	// ClaimMinIdle is how long an entry must sit unacknowledged in another
	// consumer's pending list before it is claimed and redelivered. Defaults to 30s.
	ClaimMinIdle time.Duration
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	b := &Broker{
		client:       client,
		keyPrefix:    config.KeyPrefix,
		group:        config.Group,
		consumerBase: config.ConsumerName,
		block:        config.Block,
		batch:        config.BatchSize,
		claimMinIdle: config.ClaimMinIdle,
		groups:       make(map[string]struct{}),
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "chat:queue:"
	}
	if b.group == "" {
		b.group = "chat"
	}
	if b.consumerBase == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		b.consumerBase = host + "-" + uuid.NewString()[:8]
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	if b.batch <= 0 {
		b.batch = 16
	}
	if b.claimMinIdle <= 0 {
		b.claimMinIdle = 30 * time.Second
	}
	return b
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.Publish using XADD.
func (b *Broker) Publish(ctx context.Context, queue string, data []byte) (string, error) {
	streamKey := b.streamKey(queue)

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"d": data},
	}).Result()
	if err != nil {
		return "", unavailable(ctx, "xadd", streamKey, err)
	}
	return id, nil
}

// Consume implements broker.Broker.Consume. Each call reads as its own
// consumer within the group. Entries left pending by consumers that went
// away are claimed once they have been idle for ClaimMinIdle.
func (b *Broker) Consume(ctx context.Context, queue string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(queue)
	if err := b.ensureGroup(ctx, streamKey); err != nil {
		return err
	}

	consumer := fmt.Sprintf("%s-%d", b.consumerBase, b.consumerSeq.Add(1))
	defer b.retireConsumer(ctx, streamKey, consumer)

	claimCursor := "0-0"
	var lastClaim time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Since(lastClaim) >= b.claimMinIdle/2 {
			lastClaim = time.Now()
			msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   streamKey,
				Group:    b.group,
				Consumer: consumer,
				MinIdle:  b.claimMinIdle,
				Start:    claimCursor,
				Count:    b.batch,
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return unavailable(ctx, "xautoclaim", streamKey, err)
			}
			claimCursor = next
			if claimCursor == "" {
				claimCursor = "0-0"
			}
			if err := b.deliver(ctx, streamKey, msgs, true, handler); err != nil {
				return err
			}
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{streamKey, ">"},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return unavailable(ctx, "xreadgroup", streamKey, err)
		}
		for _, stream := range res {
			if err := b.deliver(ctx, streamKey, stream.Messages, false, handler); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, streamKey string, msgs []redis.XMessage, redelivered bool, handler broker.MessageHandler) error {
	for _, m := range msgs {
		var payload []byte
		switch v := m.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			// Entry trimmed from the stream or written by something else;
			// nothing to hand out, so take it out of the pending list.
			_ = b.client.XAck(ctx, streamKey, b.group, m.ID).Err()
			continue
		}

		d := broker.Delivery{ID: m.ID, Data: payload, Redelivered: redelivered}
		if err := handler(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Ack implements broker.Broker.Ack using XACK.
func (b *Broker) Ack(ctx context.Context, queue string, id string) error {
	streamKey := b.streamKey(queue)
	if err := b.client.XAck(ctx, streamKey, b.group, id).Err(); err != nil {
		return unavailable(ctx, "xack", streamKey, err)
	}
	return nil
}

func (b *Broker) ensureGroup(ctx context.Context, streamKey string) error {
	b.groupsMu.Lock()
	_, ok := b.groups[streamKey]
	b.groupsMu.Unlock()
	if ok {
		return nil
	}

	// Start at "0" so entries published before any consumer existed are kept.
	err := b.client.XGroupCreateMkStream(ctx, streamKey, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return unavailable(ctx, "xgroup create", streamKey, err)
	}

	b.groupsMu.Lock()
	b.groups[streamKey] = struct{}{}
	b.groupsMu.Unlock()
	return nil
}

// retireConsumer removes a consumer from the group once it holds nothing.
// Consumers with pending entries are kept so those entries can be claimed.
func (b *Broker) retireConsumer(ctx context.Context, streamKey, consumer string) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	pending, err := b.client.XPendingExt(c, &redis.XPendingExtArgs{
		Stream:   streamKey,
		Group:    b.group,
		Start:    "-",
		End:      "+",
		Count:    1,
		Consumer: consumer,
	}).Result()
	if err != nil || len(pending) > 0 {
		return
	}
	_ = b.client.XGroupDelConsumer(c, streamKey, b.group, consumer).Err()
}

func (b *Broker) streamKey(queue string) string {
	return b.keyPrefix + "stream:" + queue
}

func unavailable(ctx context.Context, op, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s %s: %w", broker.ErrUnavailable, op, key, err)
}

var _ broker.Broker = (*Broker)(nil)
