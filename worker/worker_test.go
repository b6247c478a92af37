package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/chatrelay-go/broker"
	"github.com/ggoodman/chatrelay-go/broker/memorybroker"
	"github.com/ggoodman/chatrelay-go/chat"
	"github.com/ggoodman/chatrelay-go/internal/metrics"
	"github.com/ggoodman/chatrelay-go/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandle(t *testing.T) {
	w := New(memorybroker.New(), chat.NewStore())
	ctx := context.Background()

	steps := []struct {
		name     string
		cmd      protocol.Command
		wantMsg  string
		wantCode protocol.ErrorCode
		wantErr  string
	}{
		{
			name:    "create",
			cmd:     protocol.Command{Action: protocol.ActionCreateSession, UserID: "alice", SessionID: "S1"},
			wantMsg: "Session S1 created successfully",
		},
		{
			name:     "create duplicate",
			cmd:      protocol.Command{Action: protocol.ActionCreateSession, UserID: "bob", SessionID: "S1"},
			wantCode: protocol.CodeAlreadyExists,
			wantErr:  "Session S1 already exists",
		},
		{
			name:    "join",
			cmd:     protocol.Command{Action: protocol.ActionJoinSession, UserID: "bob", SessionID: "S1"},
			wantMsg: "User bob joined session S1",
		},
		{
			name:    "join again",
			cmd:     protocol.Command{Action: protocol.ActionJoinSession, UserID: "bob", SessionID: "S1"},
			wantMsg: "User bob is already part of session S1",
		},
		{
			name:    "send",
			cmd:     protocol.Command{Action: protocol.ActionSendMessage, UserID: "bob", SessionID: "S1", Message: "hi"},
			wantMsg: "Message sent to session S1",
		},
		{
			name:     "join unknown session",
			cmd:      protocol.Command{Action: protocol.ActionJoinSession, UserID: "bob", SessionID: "S9"},
			wantCode: protocol.CodeNotFound,
			wantErr:  "Session S9 does not exist",
		},
		{
			name:     "send as outsider",
			cmd:      protocol.Command{Action: protocol.ActionSendMessage, UserID: "carol", SessionID: "S1", Message: "x"},
			wantCode: protocol.CodeNotAMember,
			wantErr:  "User carol is not part of session S1",
		},
		{
			name:     "fetch unknown session",
			cmd:      protocol.Command{Action: protocol.ActionFetchMessages, SessionID: "S9"},
			wantCode: protocol.CodeNotFound,
		},
		{
			name:     "unknown action",
			cmd:      protocol.Command{Action: "delete_session", UserID: "alice", SessionID: "S1"},
			wantCode: protocol.CodeInvalidCommand,
		},
	}

	for _, st := range steps {
		st.cmd.CorrelationID = "c-" + st.name
		reply := w.Handle(ctx, st.cmd)
		if reply.CorrelationID != st.cmd.CorrelationID || reply.SessionID != st.cmd.SessionID {
			t.Fatalf("%s: reply not addressed to command: %+v", st.name, reply)
		}
		if st.wantCode != "" {
			if reply.Error == nil || reply.Error.Code != st.wantCode {
				t.Fatalf("%s: expected %s, got %+v", st.name, st.wantCode, reply)
			}
			if st.wantErr != "" && reply.Error.Message != st.wantErr {
				t.Fatalf("%s: error text %q, want %q", st.name, reply.Error.Message, st.wantErr)
			}
			if reply.Message != "" || reply.Messages != nil {
				t.Fatalf("%s: error reply carries a result: %+v", st.name, reply)
			}
			continue
		}
		if reply.Error != nil {
			t.Fatalf("%s: unexpected error %v", st.name, reply.Error)
		}
		if reply.Message != st.wantMsg {
			t.Fatalf("%s: message %q, want %q", st.name, reply.Message, st.wantMsg)
		}
	}

	reply := w.Handle(ctx, protocol.Command{Action: protocol.ActionFetchMessages, SessionID: "S1", CorrelationID: "c-fetch"})
	if reply.Error != nil || len(reply.Messages) != 1 {
		t.Fatalf("fetch: %+v", reply)
	}
	if m := reply.Messages[0]; m.UserID != "bob" || m.Message != "hi" || m.Timestamp.IsZero() {
		t.Fatalf("fetch entry: %+v", m)
	}
}

func TestHandleFetchEmptyLog(t *testing.T) {
	store := chat.NewStore()
	if err := store.Create("alice", "S1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	w := New(memorybroker.New(), store)

	reply := w.Handle(context.Background(), protocol.Command{Action: protocol.ActionFetchMessages, SessionID: "S1", CorrelationID: "c1"})
	if reply.Error != nil || reply.Messages == nil || len(reply.Messages) != 0 {
		t.Fatalf("expected empty non-nil log, got %+v", reply)
	}
	data, err := protocol.EncodeReply(reply)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"messages":[]`) {
		t.Fatalf("empty log not encoded as []: %s", data)
	}
}

func TestRunRepliesThenAcks(t *testing.T) {
	b := memorybroker.New()
	store := chat.NewStore()
	start(t, New(b, store))
	replies := collectReplies(t, b, protocol.DefaultReplyQueue)

	publish(t, b, protocol.Command{Action: protocol.ActionCreateSession, UserID: "alice", SessionID: "S1", CorrelationID: "c1"})

	reply := next(t, replies)
	if reply.CorrelationID != "c1" || reply.Error != nil || reply.Message != "Session S1 created successfully" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	eventually(t, func() bool {
		ready, pending := b.Stats(protocol.DefaultWorkQueue)
		return ready == 0 && pending == 0
	})
	if store.Len() != 1 {
		t.Fatalf("store has %d sessions", store.Len())
	}
}

func TestInvalidCommandIsAnswered(t *testing.T) {
	b := memorybroker.New()
	start(t, New(b, chat.NewStore()))
	replies := collectReplies(t, b, protocol.DefaultReplyQueue)

	// join_session without a user.
	publish(t, b, protocol.Command{Action: protocol.ActionJoinSession, SessionID: "S1", CorrelationID: "c1"})

	reply := next(t, replies)
	if reply.CorrelationID != "c1" || reply.Error == nil || reply.Error.Code != protocol.CodeInvalidCommand {
		t.Fatalf("expected invalid_command, got %+v", reply)
	}
	if !strings.Contains(reply.Error.Message, "user_id") {
		t.Fatalf("error should name the missing field: %q", reply.Error.Message)
	}
}

func TestUnanswerableCommandsAreDropped(t *testing.T) {
	b := memorybroker.New()
	m := metrics.New(nil)
	start(t, New(b, chat.NewStore(), WithMetrics(m)))
	replies := collectReplies(t, b, protocol.DefaultReplyQueue)

	ctx := context.Background()
	if _, err := b.Publish(ctx, protocol.DefaultWorkQueue, []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publish(t, b, protocol.Command{Action: protocol.ActionCreateSession, UserID: "alice", SessionID: "S1"})
	publish(t, b, protocol.Command{Action: protocol.ActionCreateSession, UserID: "alice", SessionID: "S2", CorrelationID: "c2"})

	reply := next(t, replies)
	if reply.CorrelationID != "c2" {
		t.Fatalf("expected only the answerable command to be replied to, got %+v", reply)
	}
	eventually(t, func() bool {
		ready, pending := b.Stats(protocol.DefaultWorkQueue)
		return ready == 0 && pending == 0
	})
	if got := testutil.ToFloat64(m.DroppedCommands); got != 2 {
		t.Fatalf("dropped commands: %v", got)
	}
}

func TestDuplicateDeliveryIsReplayed(t *testing.T) {
	b := memorybroker.New()
	store := chat.NewStore()
	if err := store.Create("alice", "S1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	m := metrics.New(nil)
	start(t, New(b, store, WithMetrics(m)))
	replies := collectReplies(t, b, protocol.DefaultReplyQueue)

	cmd := protocol.Command{Action: protocol.ActionSendMessage, UserID: "alice", SessionID: "S1", Message: "once", CorrelationID: "c1"}
	publish(t, b, cmd)
	publish(t, b, cmd)

	first, second := next(t, replies), next(t, replies)
	if first.CorrelationID != "c1" || second.CorrelationID != "c1" || first.Message != second.Message {
		t.Fatalf("replies differ: %+v vs %+v", first, second)
	}
	msgs, err := store.Messages("S1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("duplicate delivery applied twice: %d messages", len(msgs))
	}
	if got := testutil.ToFloat64(m.ReplayHits); got != 1 {
		t.Fatalf("replay hits: %v", got)
	}
}

func TestReplayCacheDisabled(t *testing.T) {
	b := memorybroker.New()
	store := chat.NewStore()
	if err := store.Create("alice", "S1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	start(t, New(b, store, WithReplayCache(0, 0)))
	replies := collectReplies(t, b, protocol.DefaultReplyQueue)

	cmd := protocol.Command{Action: protocol.ActionSendMessage, UserID: "alice", SessionID: "S1", Message: "twice", CorrelationID: "c1"}
	publish(t, b, cmd)
	publish(t, b, cmd)
	next(t, replies)
	next(t, replies)

	msgs, _ := store.Messages("S1")
	if len(msgs) != 2 {
		t.Fatalf("expected both deliveries applied, got %d", len(msgs))
	}
}

func TestPerSessionOrderWithLanes(t *testing.T) {
	b := memorybroker.New()
	store := chat.NewStore()
	start(t, New(b, store, WithConcurrency(4)))
	replies := collectReplies(t, b, protocol.DefaultReplyQueue)

	sessions := []string{"A", "B", "C", "D", "E", "F"}
	const perSession = 40

	for _, s := range sessions {
		publish(t, b, protocol.Command{Action: protocol.ActionCreateSession, UserID: "u", SessionID: s, CorrelationID: "create-" + s})
	}
	for i := 0; i < perSession; i++ {
		for _, s := range sessions {
			publish(t, b, protocol.Command{
				Action:        protocol.ActionSendMessage,
				UserID:        "u",
				SessionID:     s,
				Message:       fmt.Sprintf("%d", i),
				CorrelationID: fmt.Sprintf("send-%s-%d", s, i),
			})
		}
	}

	for i := 0; i < len(sessions)*(perSession+1); i++ {
		if r := next(t, replies); r.Error != nil {
			t.Fatalf("reply %s failed: %v", r.CorrelationID, r.Error)
		}
	}

	for _, s := range sessions {
		msgs, err := store.Messages(s)
		if err != nil {
			t.Fatalf("messages %s: %v", s, err)
		}
		if len(msgs) != perSession {
			t.Fatalf("session %s has %d messages", s, len(msgs))
		}
		for i, m := range msgs {
			if m.Body != fmt.Sprintf("%d", i) {
				t.Fatalf("session %s out of order at %d: %q", s, i, m.Body)
			}
		}
	}
}

type failingReplies struct {
	*memorybroker.Broker
}

func (f failingReplies) Publish(ctx context.Context, queue string, data []byte) (string, error) {
	if queue == protocol.DefaultReplyQueue {
		return "", fmt.Errorf("%w: injected", broker.ErrUnavailable)
	}
	return f.Broker.Publish(ctx, queue, data)
}

func TestReplyPublishFailureStillAcks(t *testing.T) {
	mem := memorybroker.New()
	m := metrics.New(nil)
	start(t, New(failingReplies{mem}, chat.NewStore(), WithMetrics(m)))

	publish(t, mem, protocol.Command{Action: protocol.ActionCreateSession, UserID: "alice", SessionID: "S1", CorrelationID: "c1"})

	eventually(t, func() bool {
		ready, pending := mem.Stats(protocol.DefaultWorkQueue)
		return ready == 0 && pending == 0 && testutil.ToFloat64(m.ReplyPublishFails) == 1
	})
}

func TestRunReturnsOnCancel(t *testing.T) {
	w := New(memorybroker.New(), chat.NewStore(), WithConcurrency(3))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReportsBrokerFailure(t *testing.T) {
	b := memorybroker.New()
	_ = b.Close()
	err := New(b, chat.NewStore()).Run(context.Background())
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("expected broker.ErrUnavailable, got %v", err)
	}
}

func start(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func collectReplies(t *testing.T, b broker.Broker, queue string) <-chan protocol.Reply {
	t.Helper()
	ch := make(chan protocol.Reply, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Consume(ctx, queue, func(ctx context.Context, d broker.Delivery) error {
			reply, err := protocol.DecodeReply(d.Data)
			if err != nil {
				t.Errorf("decode reply: %v", err)
			} else {
				ch <- reply
			}
			return b.Ack(ctx, queue, d.ID)
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func publish(t *testing.T, b broker.Broker, cmd protocol.Command) {
	t.Helper()
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := b.Publish(context.Background(), protocol.DefaultWorkQueue, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func next(t *testing.T, ch <-chan protocol.Reply) protocol.Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return protocol.Reply{}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestReplyGoesToRequestedQueue(t *testing.T) {
	b := memorybroker.New()
	start(t, New(b, chat.NewStore()))
	mine := collectReplies(t, b, "replies-gw-2")

	publish(t, b, protocol.Command{Action: protocol.ActionCreateSession, UserID: "alice", SessionID: "S1", CorrelationID: "c1", ReplyTo: "replies-gw-2"})

	if r := next(t, mine); r.CorrelationID != "c1" {
		t.Fatalf("unexpected reply %+v", r)
	}
	if ready, _ := b.Stats(protocol.DefaultReplyQueue); ready != 0 {
		t.Fatalf("reply also landed on the default queue")
	}
}
