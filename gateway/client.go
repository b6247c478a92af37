package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/chatrelay-go/broker"
	"github.com/ggoodman/chatrelay-go/internal/logctx"
	"github.com/ggoodman/chatrelay-go/internal/metrics"
	"github.com/ggoodman/chatrelay-go/internal/rendezvous"
	"github.com/ggoodman/chatrelay-go/protocol"
	"github.com/google/uuid"
)

// DefaultTimeout bounds how long a request waits for its reply.
const DefaultTimeout = 5 * time.Second

// ErrDispatcherRunning is returned by Run when another Run on the same Client
// is still active.
var ErrDispatcherRunning = errors.New("gateway: reply dispatcher already running")

// Client issues Commands over a broker and matches the Replies coming back.
// Replies are only delivered while Run is active.
type Client struct {
	b          broker.Broker
	log        *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	workQueue  string
	replyQueue string
	newID      func() string

	waiters *rendezvous.Registry[*protocol.Reply]
	running atomic.Bool
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	workQueue  string
	replyQueue string
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

// WithTimeout sets the per-request reply deadline. Non-positive values keep
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithQueues overrides the work and reply queue names. Empty names keep the
// protocol defaults.
func WithQueues(work, reply string) Option {
	return func(c *clientConfig) {
		if work != "" {
			c.workQueue = work
		}
		if reply != "" {
			c.replyQueue = reply
		}
	}
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *clientConfig) { c.metrics = m }
}

// New constructs a Client publishing on b.
func New(b broker.Broker, opts ...Option) *Client {
	cfg := clientConfig{
		timeout:    DefaultTimeout,
		workQueue:  protocol.DefaultWorkQueue,
		replyQueue: protocol.DefaultReplyQueue,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New(nil)
	}

	return &Client{
		b:          b,
		log:        cfg.logger,
		metrics:    cfg.metrics,
		timeout:    cfg.timeout,
		workQueue:  cfg.workQueue,
		replyQueue: cfg.replyQueue,
		newID:      uuid.NewString,
		waiters:    rendezvous.New[*protocol.Reply](),
	}
}

// Pending reports how many requests are waiting for a reply.
func (c *Client) Pending() int {
	return c.waiters.Len()
}

// Run consumes the reply queue and hands each Reply to the request waiting on
// its correlation id. It blocks until ctx ends or the broker fails. Only one
// Run may be active per Client.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrDispatcherRunning
	}
	defer c.running.Store(false)

	c.log.InfoContext(ctx, "dispatcher.start", slog.String("queue", c.replyQueue))
	err := c.b.Consume(ctx, c.replyQueue, c.handleReply)
	if ctx.Err() != nil || err == nil {
		c.log.InfoContext(ctx, "dispatcher.stop", slog.String("queue", c.replyQueue))
		return ctx.Err()
	}
	// Nothing routes replies any more; fail the waiting requests now.
	n := c.waiters.Drain(fmt.Errorf("%w: %w", protocol.NewError(protocol.CodeBrokerUnavailable, "reply dispatcher stopped"), err))
	c.log.ErrorContext(ctx, "dispatcher.fail",
		slog.String("queue", c.replyQueue),
		slog.Int("failed_waiters", n),
		slog.String("err", err.Error()),
	)
	return fmt.Errorf("consume %s: %w", c.replyQueue, err)
}

func (c *Client) handleReply(ctx context.Context, d broker.Delivery) error {
	reply, err := protocol.DecodeReply(d.Data)
	switch {
	case err != nil:
		c.metrics.MalformedReplies.Inc()
		if id, ok := protocol.CorrelationIDOf(d.Data); ok && c.waiters.Fail(id, err) {
			c.log.WarnContext(ctx, "reply.malformed", slog.String("correlation_id", id), slog.String("err", err.Error()))
		} else {
			c.log.WarnContext(ctx, "reply.malformed.dropped", slog.String("delivery_id", d.ID), slog.String("err", err.Error()))
		}
	case !c.waiters.Fulfill(reply.CorrelationID, &reply):
		c.metrics.UnmatchedReplies.Inc()
		c.log.DebugContext(ctx, "reply.unmatched",
			slog.String("correlation_id", reply.CorrelationID),
			slog.Bool("redelivered", d.Redelivered),
		)
	}

	if err := c.b.Ack(ctx, c.replyQueue, d.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WarnContext(ctx, "reply.ack.fail", slog.String("delivery_id", d.ID), slog.String("err", err.Error()))
	}
	return nil
}

// Do publishes cmd under a fresh correlation id and waits for its Reply. A
// Reply carrying an error is returned together with that error, which matches
// the protocol sentinels (protocol.ErrNotFound and so on). Gateway-side
// failures match protocol.ErrTimeout, protocol.ErrBrokerUnavailable,
// protocol.ErrMalformedReply or protocol.ErrInvalidCommand. Cancelling ctx
// returns ctx.Err().
func (c *Client) Do(ctx context.Context, cmd protocol.Command) (*protocol.Reply, error) {
	cmd.CorrelationID = c.newID()
	cmd.ReplyTo = c.replyQueue
	ctx = logctx.WithCommandData(ctx, &logctx.CommandData{
		Action:        string(cmd.Action),
		CorrelationID: cmd.CorrelationID,
		SessionID:     cmd.SessionID,
	})

	start := time.Now()
	reply, err := c.do(ctx, cmd)
	elapsed := time.Since(start)

	c.metrics.Requests.WithLabelValues(string(cmd.Action), outcomeOf(err)).Inc()
	c.metrics.RequestDuration.WithLabelValues(string(cmd.Action)).Observe(elapsed.Seconds())
	c.log.DebugContext(ctx, "request.done", slog.Duration("elapsed", elapsed), slog.String("outcome", outcomeOf(err)))

	return reply, err
}

func (c *Client) do(ctx context.Context, cmd protocol.Command) (*protocol.Reply, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	payload, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	// Register before publishing so a fast reply always finds its waiter.
	w, err := c.waiters.Begin(cmd.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", cmd.CorrelationID, err)
	}
	defer w.Cancel()

	c.metrics.InFlight.Inc()
	defer c.metrics.InFlight.Dec()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.b.Publish(reqCtx, c.workQueue, payload); err != nil {
		if cerr := c.contextError(ctx, reqCtx); cerr != nil {
			return nil, cerr
		}
		c.log.WarnContext(ctx, "request.publish.fail", slog.String("queue", c.workQueue), slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %w", protocol.NewError(protocol.CodeBrokerUnavailable, "publish "+string(cmd.Action)), err)
	}

	reply, err := w.Recv(reqCtx)
	if err != nil {
		if cerr := c.contextError(ctx, reqCtx); cerr != nil {
			if errors.Is(cerr, protocol.ErrTimeout) {
				c.log.WarnContext(ctx, "request.timeout", slog.Duration("timeout", c.timeout))
			}
			return nil, cerr
		}
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return reply, err
	}
	return reply, nil
}

// contextError translates the end of a request context. An elapsed deadline,
// whether ours or the caller's, is a timeout; cancellation by the caller is
// passed through.
func (c *Client) contextError(ctx, reqCtx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("no reply within %s", c.timeout)
		return fmt.Errorf("%w: %w", protocol.NewError(protocol.CodeTimeout, msg), context.DeadlineExceeded)
	}
	return reqCtx.Err()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, protocol.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, protocol.ErrBrokerUnavailable):
		return metrics.OutcomeBrokerUnavailable
	case errors.Is(err, protocol.ErrMalformedReply):
		return metrics.OutcomeMalformed
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
