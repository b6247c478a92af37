package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/chatrelay-go/broker"
	"github.com/ggoodman/chatrelay-go/chat"
	"github.com/ggoodman/chatrelay-go/internal/logctx"
	"github.com/ggoodman/chatrelay-go/internal/metrics"
	"github.com/ggoodman/chatrelay-go/protocol"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultReplayCacheSize = 4096
	DefaultReplayCacheTTL  = 10 * time.Minute

	laneBuffer = 64
)

// Worker consumes Commands, applies them to a chat.Store and publishes one
// Reply per Command. Commands for the same session are applied one at a time
// in the order they were consumed.
type Worker struct {
	b          broker.Broker
	store      *chat.Store
	log        *slog.Logger
	metrics    *metrics.Metrics
	workQueue  string
	replyQueue string
	lanes      int
	replay     *expirable.LRU[string, protocol.Reply]
}

// Option configures a Worker.
type Option func(*workerConfig)

type workerConfig struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	workQueue   string
	replyQueue  string
	concurrency int
	replaySize  int
	replayTTL   time.Duration
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *workerConfig) { c.logger = l }
}

// WithConcurrency sets how many sessions are processed in parallel.
func WithConcurrency(n int) Option {
	return func(c *workerConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithQueues overrides the work and reply queue names. Empty names keep the
// protocol defaults.
func WithQueues(work, reply string) Option {
	return func(c *workerConfig) {
		if work != "" {
			c.workQueue = work
		}
		if reply != "" {
			c.replyQueue = reply
		}
	}
}

// WithReplayCache sizes the cache of recent Replies used to answer
// redelivered Commands without applying them again. A size of zero or less
// disables it.
func WithReplayCache(size int, ttl time.Duration) Option {
	return func(c *workerConfig) {
		c.replaySize = size
		if ttl > 0 {
			c.replayTTL = ttl
		}
	}
}

// WithMetrics records command outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *workerConfig) { c.metrics = m }
}

// New constructs a Worker serving store.
func New(b broker.Broker, store *chat.Store, opts ...Option) *Worker {
	cfg := workerConfig{
		workQueue:   protocol.DefaultWorkQueue,
		replyQueue:  protocol.DefaultReplyQueue,
		concurrency: 1,
		replaySize:  DefaultReplayCacheSize,
		replayTTL:   DefaultReplayCacheTTL,
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

	w := &Worker{
		b:          b,
		store:      store,
		log:        cfg.logger,
		metrics:    cfg.metrics,
		workQueue:  cfg.workQueue,
		replyQueue: cfg.replyQueue,
		lanes:      cfg.concurrency,
	}
	if cfg.replaySize > 0 {
		w.replay = expirable.NewLRU[string, protocol.Reply](cfg.replaySize, nil, cfg.replayTTL)
	}
	return w
}

type job struct {
	d   broker.Delivery
	cmd protocol.Command
}

// Run consumes the work queue until ctx ends or the broker fails. Commands
// already handed to a lane are still replied to and acknowledged before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	// Lanes finish what they hold even after ctx is cancelled.
	laneCtx := context.WithoutCancel(ctx)

	lanes := make([]chan job, w.lanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan job, laneBuffer)
		wg.Add(1)
		go func(ch <-chan job) {
			defer wg.Done()
			for j := range ch {
				w.process(laneCtx, j)
			}
		}(lanes[i])
	}

	w.log.InfoContext(ctx, "worker.start", slog.String("queue", w.workQueue), slog.Int("lanes", w.lanes))

	err := w.b.Consume(ctx, w.workQueue, func(ctx context.Context, d broker.Delivery) error {
		cmd, err := protocol.DecodeCommand(d.Data)
		if err != nil {
			w.metrics.DroppedCommands.Inc()
			w.log.WarnContext(ctx, "command.undecodable", slog.String("delivery_id", d.ID), slog.String("err", err.Error()))
			w.ack(ctx, d.ID)
			return nil
		}
		select {
		case lanes[w.laneFor(cmd.SessionID)] <- job{d: d, cmd: cmd}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	for _, ch := range lanes {
		close(ch)
	}
	wg.Wait()

	if ctx.Err() != nil || err == nil {
		w.log.InfoContext(ctx, "worker.stop", slog.String("queue", w.workQueue))
		return ctx.Err()
	}
	w.log.ErrorContext(ctx, "worker.fail", slog.String("queue", w.workQueue), slog.String("err", err.Error()))
	return fmt.Errorf("consume %s: %w", w.workQueue, err)
}

func (w *Worker) laneFor(sessionID string) int {
	if w.lanes == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(w.lanes))
}

func (w *Worker) process(ctx context.Context, j job) {
	cmd := j.cmd
	ctx = logctx.WithCommandData(ctx, &logctx.CommandData{
		Action:        string(cmd.Action),
		CorrelationID: cmd.CorrelationID,
		SessionID:     cmd.SessionID,
		DeliveryID:    j.d.ID,
	})
	w.log.DebugContext(ctx, "command.received", slog.Bool("redelivered", j.d.Redelivered))

	var reply protocol.Reply
	if err := cmd.Validate(); err != nil {
		if cmd.CorrelationID == "" {
			// Nobody can be waiting for an answer.
			w.metrics.DroppedCommands.Inc()
			w.log.WarnContext(ctx, "command.invalid.dropped", slog.String("err", err.Error()))
			w.ack(ctx, j.d.ID)
			return
		}
		w.log.WarnContext(ctx, "command.invalid", slog.String("err", err.Error()))
		reply = protocol.Reply{SessionID: cmd.SessionID, CorrelationID: cmd.CorrelationID, Error: replyError(err)}
	} else if cached, ok := w.replayed(cmd.CorrelationID); ok {
		w.metrics.ReplayHits.Inc()
		w.log.InfoContext(ctx, "command.replayed")
		reply = cached
	} else {
		reply = w.Handle(ctx, cmd)
		if w.replay != nil {
			w.replay.Add(cmd.CorrelationID, reply)
		}
	}

	outcome := metrics.OutcomeOK
	if reply.Error != nil {
		outcome = string(reply.Error.Code)
	}
	w.metrics.Commands.WithLabelValues(string(cmd.Action), outcome).Inc()

	w.publish(ctx, cmd.ReplyTo, reply)
	w.ack(ctx, j.d.ID)
}

func (w *Worker) replayed(correlationID string) (protocol.Reply, bool) {
	if w.replay == nil {
		return protocol.Reply{}, false
	}
	return w.replay.Get(correlationID)
}

func (w *Worker) publish(ctx context.Context, queue string, reply protocol.Reply) {
	if queue == "" {
		queue = w.replyQueue
	}
	payload, err := protocol.EncodeReply(reply)
	if err == nil {
		_, err = w.b.Publish(ctx, queue, payload)
	}
	if err != nil {
		// The command is still acked; its requester times out.
		w.metrics.ReplyPublishFails.Inc()
		w.log.ErrorContext(ctx, "reply.publish.fail", slog.String("queue", queue), slog.String("err", err.Error()))
		return
	}
	w.log.DebugContext(ctx, "reply.published", slog.String("queue", queue))
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.b.Ack(ctx, w.workQueue, id); err != nil {
		w.log.WarnContext(ctx, "command.ack.fail", slog.String("delivery_id", id), slog.String("err", err.Error()))
	}
}

// Handle applies cmd to the store and builds its Reply. Failures are reported
// inside the Reply, never returned.
func (w *Worker) Handle(ctx context.Context, cmd protocol.Command) protocol.Reply {
	reply := protocol.Reply{SessionID: cmd.SessionID, CorrelationID: cmd.CorrelationID}

	var err error
	switch cmd.Action {
	case protocol.ActionCreateSession:
		if err = w.store.Create(cmd.UserID, cmd.SessionID); err == nil {
			reply.Message = fmt.Sprintf("Session %s created successfully", cmd.SessionID)
		}

	case protocol.ActionJoinSession:
		var joined bool
		if joined, err = w.store.Join(cmd.UserID, cmd.SessionID); err == nil {
			if joined {
				reply.Message = fmt.Sprintf("User %s joined session %s", cmd.UserID, cmd.SessionID)
			} else {
				reply.Message = fmt.Sprintf("User %s is already part of session %s", cmd.UserID, cmd.SessionID)
			}
		}

	case protocol.ActionSendMessage:
		if _, err = w.store.Send(cmd.UserID, cmd.SessionID, cmd.Message); err == nil {
			reply.Message = fmt.Sprintf("Message sent to session %s", cmd.SessionID)
		}

	case protocol.ActionFetchMessages:
		var msgs []chat.Message
		if msgs, err = w.store.Messages(cmd.SessionID); err == nil {
			reply.Messages = make([]protocol.ChatMessage, 0, len(msgs))
			for _, m := range msgs {
				reply.Messages = append(reply.Messages, protocol.ChatMessage{
					UserID:    m.UserID,
					Message:   m.Body,
					Timestamp: m.CreatedAt,
				})
			}
		}

	default:
		err = protocol.NewError(protocol.CodeInvalidCommand, fmt.Sprintf("unknown action %q", cmd.Action))
	}

	if err != nil {
		reply.Error = describe(replyError(err), cmd)
		w.log.DebugContext(ctx, "command.rejected", slog.String("code", string(reply.Error.Code)), slog.String("err", err.Error()))
	}
	return reply
}

// replyError maps err onto the wire error taxonomy.
func replyError(err error) *protocol.Error {
	var pe *protocol.Error
	switch {
	case errors.Is(err, chat.ErrAlreadyExists):
		return protocol.NewError(protocol.CodeAlreadyExists, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, chat.ErrNotAMember):
		return protocol.NewError(protocol.CodeNotAMember, err.Error())
	case errors.As(err, &pe):
		return pe
	default:
		return protocol.NewError(protocol.CodeInternal, "internal error")
	}
}

// describe replaces store-level messages with text addressed to the user.
func describe(e *protocol.Error, cmd protocol.Command) *protocol.Error {
	switch e.Code {
	case protocol.CodeAlreadyExists:
		return protocol.NewError(e.Code, fmt.Sprintf("Session %s already exists", cmd.SessionID))
	case protocol.CodeNotFound:
		return protocol.NewError(e.Code, fmt.Sprintf("Session %s does not exist", cmd.SessionID))
	case protocol.CodeNotAMember:
		return protocol.NewError(e.Code, fmt.Sprintf("User %s is not part of session %s", cmd.UserID, cmd.SessionID))
	default:
		return e
	}
}
