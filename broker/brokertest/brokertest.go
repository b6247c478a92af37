package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chatrelay-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
// Redelivery tests wait up to a few seconds, so implementations that reclaim
// abandoned deliveries on a timer should be configured with a short interval.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndConsumeInOrder", func(t *testing.T) {
		testPublishAndConsumeInOrder(t, factory)
	})
	t.Run("CompetingConsumersShareWork", func(t *testing.T) {
		testCompetingConsumersShareWork(t, factory)
	})
	t.Run("QueueIsolation", func(t *testing.T) {
		testQueueIsolation(t, factory)
	})
	t.Run("UnackedDeliveryIsRedelivered", func(t *testing.T) {
		testUnackedDeliveryIsRedelivered(t, factory)
	})
	t.Run("AckedDeliveryIsNotRedelivered", func(t *testing.T) {
		testAckedDeliveryIsNotRedelivered(t, factory)
	})
	t.Run("AckIsIdempotent", func(t *testing.T) {
		testAckIsIdempotent(t, factory)
	})
	t.Run("HandlerErrorStopsConsume", func(t *testing.T) {
		testHandlerErrorStopsConsume(t, factory)
	})
	t.Run("ConsumeContextCancellation", func(t *testing.T) {
		testConsumeContextCancellation(t, factory)
	})
	t.Run("ClosedBrokerIsUnavailable", func(t *testing.T) {
		testClosedBrokerIsUnavailable(t, factory)
	})
}

func queueName(t *testing.T) string {
	name := strings.NewReplacer("/", "-", " ", "_").Replace(t.Name())
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	if err := b.Close(); err != nil {
		t.Logf("close broker: %v", err)
	}
}

// collect consumes q in the background, acknowledging when ack is true, and
// forwards every delivery on the returned channel.
func collect(ctx context.Context, b broker.Broker, q string, ack bool) (<-chan broker.Delivery, <-chan error) {
	out := make(chan broker.Delivery, 64)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, q, func(ctx context.Context, d broker.Delivery) error {
			if ack {
				if err := b.Ack(ctx, q, d.ID); err != nil {
					return err
				}
			}
			out <- d
			return nil
		})
	}()
	return out, done
}

func receive(t *testing.T, ch <-chan broker.Delivery, within time.Duration) broker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(within):
		t.Fatalf("no delivery within %s", within)
		return broker.Delivery{}
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("consume did not return within timeout")
		return nil
	}
}

func testPublishAndConsumeInOrder(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := queueName(t)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := b.Publish(ctx, q, []byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("Failed to publish message %d: %v", i, err)
		}
		if id == "" {
			t.Fatal("Expected non-empty delivery ID")
		}
		ids = append(ids, id)
	}

	got, done := collect(ctx, b, q, true)
	for i := 0; i < 5; i++ {
		d := receive(t, got, 2*time.Second)
		if d.ID != ids[i] {
			t.Fatalf("Expected delivery %d to have ID %s, got %s", i, ids[i], d.ID)
		}
		if string(d.Data) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("Expected payload msg-%d, got %s", i, d.Data)
		}
		if d.Redelivered {
			t.Fatalf("First delivery %d flagged as redelivered", i)
		}
	}

	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func testCompetingConsumersShareWork(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := queueName(t)

	var mu sync.Mutex
	seen := make(map[string]int)
	total := 0
	const n = 20
	all := make(chan struct{})

	handler := func(ctx context.Context, d broker.Delivery) error {
		if err := b.Ack(ctx, q, d.ID); err != nil {
			return err
		}
		// Slow down so both consumers get a share.
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen[string(d.Data)]++
		total++
		if total == n {
			close(all)
		}
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Consume(ctx, q, handler)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, q, []byte(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	select {
	case <-all:
	case <-time.After(3 * time.Second):
		t.Fatal("Consumers did not drain the queue")
	}
	// Give a duplicate delivery a chance to show up before checking.
	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("Expected %d distinct messages, got %d", n, len(seen))
	}
	for payload, count := range seen {
		if count != 1 {
			t.Fatalf("Message %s delivered %d times", payload, count)
		}
	}
}

func testQueueIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q1, q2 := queueName(t)+"-a", queueName(t)+"-b"

	if _, err := b.Publish(ctx, q1, []byte("for-q1")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if _, err := b.Publish(ctx, q2, []byte("for-q2")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	got1, _ := collect(ctx, b, q1, true)
	got2, _ := collect(ctx, b, q2, true)

	if d := receive(t, got1, 2*time.Second); string(d.Data) != "for-q1" {
		t.Fatalf("q1 received %s", d.Data)
	}
	if d := receive(t, got2, 2*time.Second); string(d.Data) != "for-q2" {
		t.Fatalf("q2 received %s", d.Data)
	}

	select {
	case d := <-got1:
		t.Fatalf("q1 received unexpected %s", d.Data)
	case d := <-got2:
		t.Fatalf("q2 received unexpected %s", d.Data)
	case <-time.After(200 * time.Millisecond):
	}
}

func testUnackedDeliveryIsRedelivered(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	q := queueName(t)

	id, err := b.Publish(ctx, q, []byte("fragile"))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	firstCtx, stopFirst := context.WithCancel(ctx)
	first, firstDone := collect(firstCtx, b, q, false)
	d := receive(t, first, 2*time.Second)
	if d.ID != id {
		t.Fatalf("Expected ID %s, got %s", id, d.ID)
	}
	stopFirst()
	waitDone(t, firstDone)

	second, _ := collect(ctx, b, q, true)
	again := receive(t, second, 5*time.Second)
	if again.ID != id {
		t.Fatalf("Expected redelivery of %s, got %s", id, again.ID)
	}
	if !again.Redelivered {
		t.Fatal("Expected redelivered flag on second delivery")
	}
	if string(again.Data) != "fragile" {
		t.Fatalf("Redelivered payload changed: %s", again.Data)
	}
}

func testAckedDeliveryIsNotRedelivered(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := queueName(t)

	if _, err := b.Publish(ctx, q, []byte("once")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	firstCtx, stopFirst := context.WithCancel(ctx)
	first, firstDone := collect(firstCtx, b, q, true)
	receive(t, first, 2*time.Second)
	stopFirst()
	waitDone(t, firstDone)

	second, _ := collect(ctx, b, q, true)
	select {
	case d := <-second:
		t.Fatalf("Acknowledged message delivered again: %s", d.Data)
	case <-time.After(1500 * time.Millisecond):
	}
}

func testAckIsIdempotent(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := queueName(t)

	if _, err := b.Publish(ctx, q, []byte("x")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	got, _ := collect(ctx, b, q, true)
	d := receive(t, got, 2*time.Second)

	if err := b.Ack(ctx, q, d.ID); err != nil {
		t.Fatalf("Second ack failed: %v", err)
	}
	if err := b.Ack(ctx, q, "0-1"); err != nil {
		t.Fatalf("Ack of unknown ID failed: %v", err)
	}
}

func testHandlerErrorStopsConsume(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := queueName(t)

	if _, err := b.Publish(ctx, q, []byte("boom")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	errStop := errors.New("stop consuming")
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, q, func(ctx context.Context, d broker.Delivery) error {
			return errStop
		})
	}()

	if err := waitDone(t, done); !errors.Is(err, errStop) {
		t.Fatalf("Expected handler error, got %v", err)
	}
}

func testConsumeContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	q := queueName(t)

	_, done := collect(ctx, b, q, true)
	time.Sleep(100 * time.Millisecond)
	cancel()

	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func testClosedBrokerIsUnavailable(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := b.Publish(ctx, queueName(t), []byte("late"))
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable after Close, got %v", err)
	}
}
