// cmd/notification-service/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/pkg/mq"
	"nexus-orders/internal/pkg/tracing"
	"nexus-orders/internal/service/participant"
)

const (
	serviceName     = "notification-service"
	consumerGroupID = "notification-group"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Init(serviceName, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	log := logger.Ctx(ctx)

	tp, err := tracing.InitTracerProvider(ctx, serviceName, os.Getenv("JAEGER_ENDPOINT"), 1)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer tp.Shutdown(context.Background())

	brokers := strings.Split(envOr("KAFKA_BROKERS", "localhost:9092"), ",")
	topic := envOr("NOTIFICATION_TOPIC", "notifications")
	reader := mq.NewKafkaReader(brokers, topic, consumerGroupID)
	defer reader.Close()

	log.Info().Str("topic", topic).Msg("notification service started as a kafka consumer")
	consumer := participant.NewNotificationConsumer(tracing.Tracer(serviceName), participant.LogSender)
	if err := consumer.Run(ctx, reader); err != nil {
		log.Error().Err(err).Msg("notification consumer stopped")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
