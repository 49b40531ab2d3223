package participant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/pkg/mq"
	"nexus-orders/internal/service/order/domain"
)

const (
	idempotencyHeader = "idempotency-key"
	maxSendAttempts   = 5
)

// MessageReader 是 *kafka.Reader 中消费者用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sender 真正把通知送达客户
type Sender func(ctx context.Context, event domain.NotificationEvent) error

// NotificationConsumer 消费通知主题。saga 重试可能重复投递同一条通知，按 idempotency-key 头去重。
type NotificationConsumer struct {
	tracer trace.Tracer
	send   Sender

	mu   sync.Mutex
	seen map[string]bool
}

func NewNotificationConsumer(tracer trace.Tracer, send Sender) *NotificationConsumer {
	return &NotificationConsumer{tracer: tracer, send: send, seen: make(map[string]bool)}
}

// Run 循环消费直到 ctx 结束。发送失败时按指数退避重试，用尽后丢弃并提交 offset，避免阻塞分区。
func (c *NotificationConsumer) Run(ctx context.Context, reader MessageReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch notification")
			continue
		}
		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.Handle(ctx, msg)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxSendAttempts))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("notification dropped after retries")
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("commit notification offset failed")
		}
	}
}

// Handle 处理一条通知消息。格式错误的消息被丢弃而不是阻塞分区。
func (c *NotificationConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = mq.ExtractTraceContext(ctx, msg)
	ctx, span := c.tracer.Start(ctx, "notification-service.ProcessNotification",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
		))
	defer span.End()

	carrier := mq.KafkaHeaderCarrier(msg.Headers)
	key := carrier.Get(idempotencyHeader)
	log := logger.Ctx(ctx).With().Str("idempotency_key", key).Logger()

	var event domain.NotificationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.Error().Err(err).Msg("drop malformed notification")
		span.RecordError(err)
		return nil
	}
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	if key != "" && c.delivered(key) {
		log.Info().Str("order_id", event.OrderID).Msg("duplicate notification skipped")
		return nil
	}
	if event.Email == "" && event.Phone == "" {
		err := errors.New("customer has no contact channel")
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("notification not sent")
		span.RecordError(err)
		c.markDelivered(key)
		return nil
	}
	if err := c.send(ctx, event); err != nil {
		log.Error().Err(err).Str("order_id", event.OrderID).Msg("send notification failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.markDelivered(key)
	return nil
}

func (c *NotificationConsumer) delivered(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[key]
}

func (c *NotificationConsumer) markDelivered(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.seen[key] = true
	c.mu.Unlock()
}

// LogSender 只把通知写进日志
func LogSender(ctx context.Context, event domain.NotificationEvent) error {
	logger.Ctx(ctx).Info().
		Str("order_id", event.OrderID).
		Str("user_id", event.UserID).
		Str("email", event.Email).
		Msg(event.Message)
	return nil
}
