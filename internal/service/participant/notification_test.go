package participant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"nexus-orders/internal/pkg/tracing"
	"nexus-orders/internal/service/order/domain"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{msgs: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.msgs) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func notification(t *testing.T, offset int64, key string, event domain.NotificationEvent) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	var headers []kafka.Header
	if key != "" {
		headers = append(headers, kafka.Header{Key: idempotencyHeader, Value: []byte(key)})
	}
	return kafka.Message{Topic: "notifications", Offset: offset, Value: value, Headers: headers}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail int
}

func (s *recordingSender) send(_ context.Context, event domain.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, event.OrderID)
	return nil
}

func TestNotificationHandleDeduplicates(t *testing.T) {
	sender := &recordingSender{}
	c := NewNotificationConsumer(tracing.Tracer("test"), sender.send)
	ctx := context.Background()
	ev := domain.NotificationEvent{OrderID: "o-1", Email: "a@example.com", Message: "confirmed"}

	for i := 0; i < 3; i++ {
		if err := c.Handle(ctx, notification(t, int64(i), "corr-1:notify", ev)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one delivery, got %v", sender.sent)
	}

	if err := c.Handle(ctx, kafka.Message{Value: []byte("{not json")}); err != nil {
		t.Fatalf("malformed message should be dropped, got %v", err)
	}
	if err := c.Handle(ctx, notification(t, 9, "corr-2:notify", domain.NotificationEvent{OrderID: "o-2"})); err != nil {
		t.Fatalf("message without contact should be skipped, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("unexpected deliveries: %v", sender.sent)
	}
}

func TestNotificationHandleReturnsSendFailure(t *testing.T) {
	sender := &recordingSender{fail: 1}
	c := NewNotificationConsumer(tracing.Tracer("test"), sender.send)
	msg := notification(t, 1, "corr-1:notify", domain.NotificationEvent{OrderID: "o-1", Phone: "+31600000000"})

	if err := c.Handle(context.Background(), msg); err == nil {
		t.Fatal("expected send failure")
	}
	if err := c.Handle(context.Background(), msg); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent: %v", sender.sent)
	}
}

func TestNotificationRunRetriesAndCommits(t *testing.T) {
	sender := &recordingSender{fail: 1}
	c := NewNotificationConsumer(tracing.Tracer("test"), sender.send)
	ev := domain.NotificationEvent{OrderID: "o-1", Email: "a@example.com"}
	reader := newFakeReader(
		notification(t, 1, "corr-1:notify", ev),
		notification(t, 2, "corr-1:notify", ev),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, reader) }()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not commit both messages")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.committed) != 2 || reader.committed[0] != 1 || reader.committed[1] != 2 {
		t.Fatalf("committed offsets: %v", reader.committed)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("duplicate delivery: %v", sender.sent)
	}
}
