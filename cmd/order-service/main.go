// cmd/order-service/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"nexus-orders/internal/pkg/bootstrap"
	"nexus-orders/internal/pkg/httpclient"
	"nexus-orders/internal/pkg/lock"
	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/pkg/metrics"
	"nexus-orders/internal/pkg/mq"
	"nexus-orders/internal/pkg/nacos"
	"nexus-orders/internal/pkg/tracing"
	"nexus-orders/internal/service/order/application"
	"nexus-orders/internal/service/order/application/saga"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
	"nexus-orders/internal/service/order/infrastructure"
	"nexus-orders/internal/service/order/infrastructure/adapter"
	"nexus-orders/internal/service/order/interfaces"
)

const (
	serviceName       = "order-service"
	defaultConfigPath = "configs/order-service.yaml"
)

type cleanup = func(ctx context.Context) error

// main 是应用的组装根：读取配置，创建并组装所有依赖项，然后启动应用。
func main() {
	ctx := context.Background()

	configPath := defaultConfigPath
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		configPath = v
	}
	cfg, err := bootstrap.Load(configPath)
	if err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("load config")
	}
	logger.Init(serviceName, cfg.App.LogLevel, cfg.App.LogFormat)

	if err := run(ctx, cfg); err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("order service stopped")
	}
}

func run(ctx context.Context, cfg bootstrap.Config) error {
	log := logger.Ctx(ctx)
	var cleanups []cleanup

	// 1. 初始化核心技术组件
	tp, err := tracing.InitTracerProvider(ctx, serviceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		return errors.Wrap(err, "init tracer provider")
	}
	cleanups = append(cleanups, tp.Shutdown)
	tracer := tracing.Tracer(serviceName)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. 存储与锁
	events, orders, sagas, closeStore, err := openStores(cfg, m)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closeStore)

	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closeLocker)

	// 3. saga 参与方
	var registry bootstrap.Registry
	var resolver httpclient.Resolver = httpclient.StaticResolver(cfg.Participants)
	if cfg.Infra.Nacos.ServerAddrs != "" {
		nc, err := nacos.NewNacosClient(ctx, cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			return err
		}
		registry, resolver = nc, nc
	}
	client := httpclient.NewClient(tracer, resolver)

	var notifier port.NotificationProducer = adapter.LogNotifier{}
	var eventPublisher *infrastructure.KafkaEventPublisher
	if brokers := cfg.Infra.Kafka.Brokers; len(brokers) > 0 {
		n := adapter.NewNotificationKafkaAdapter(mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.NotificationTopic))
		eventPublisher = infrastructure.NewKafkaEventPublisher(mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.EventTopic))
		notifier = n
		cleanups = append(cleanups,
			func(context.Context) error { return n.Close() },
			func(context.Context) error { return eventPublisher.Close() })
	} else {
		log.Warn().Msg("kafka brokers not configured, order events stay in-process and notifications are only logged")
	}

	// 4. 应用服务与编排器
	orderSvc := application.NewOrderApplicationService(events, orders, locker, tracer, m,
		application.WithLockWait(cfg.Lock.Wait))

	fulfillment := saga.NewFulfillmentWorkflow(fulfillmentConfig(cfg.Saga), saga.Participants{
		Inventory: adapter.NewInventoryHTTPAdapter(client),
		Payment:   adapter.NewPaymentHTTPAdapter(client),
		Delivery:  adapter.NewDeliveryHTTPAdapter(client),
		Notifier:  notifier,
	}, orderSvc)
	orchestrator := saga.NewOrchestrator(sagas, events, orderSvc, tracer, m, fulfillment)
	cleanups = append(cleanups, orchestrator.Close)

	if eventPublisher != nil {
		orderSvc.Subscribe(eventPublisher)
	}
	orderSvc.Subscribe(orchestrator)

	resumed, err := orchestrator.Resume(ctx)
	if err != nil {
		return errors.Wrap(err, "resume sagas")
	}
	log.Info().Int("resumed", resumed).Msg("saga recovery finished")
	orchestrator.StartSweeper(cfg.Saga.SweepInterval)

	// 5. HTTP 入口
	mux := http.NewServeMux()
	interfaces.NewOrderHandler(orderSvc, orchestrator, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).RegisterRoutes(mux)

	return bootstrap.StartService(ctx, bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Handler:     mux,
		Registry:    registry,
		Cleanups:    cleanups,
	})
}

func openStores(cfg bootstrap.Config, m *metrics.Metrics) (domain.EventStore, domain.OrderRepository, domain.SagaStore, cleanup, error) {
	if cfg.Store.Driver == "memory" {
		noop := func(context.Context) error { return nil }
		return infrastructure.NewMemoryEventStore(m), infrastructure.NewMemoryOrderRepository(),
			infrastructure.NewMemorySagaStore(), noop, nil
	}

	dsn, err := cfg.MySQLDSN()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	db, err := infrastructure.NewMySQL(dsn, infrastructure.PoolConfig{
		MaxOpenConns:    cfg.Store.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.MySQL.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return infrastructure.NewGormEventStore(db, m), infrastructure.NewGormOrderRepository(db),
		infrastructure.NewGormSagaStore(db), closeDB(db), nil
}

func closeDB(db *gorm.DB) cleanup {
	return func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
}

func newLocker(cfg bootstrap.Config) (lock.Locker, cleanup, error) {
	switch cfg.Lock.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Infra.Redis.Addr,
			Password: cfg.Infra.Redis.Password,
			DB:       cfg.Infra.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, errors.Wrap(err, "ping redis")
		}
		return lock.NewRedisLocker(client, "order-lock:", cfg.Lock.TTL),
			func(context.Context) error { return client.Close() }, nil
	case "zookeeper":
		conn, _, err := zk.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect zookeeper")
		}
		locker, err := lock.NewZKLocker(conn, cfg.Infra.Zookeeper.Root)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return locker, func(context.Context) error { conn.Close(); return nil }, nil
	default:
		return lock.NewKeyedMutex(), func(context.Context) error { return nil }, nil
	}
}

func fulfillmentConfig(s bootstrap.SagaConfig) saga.FulfillmentConfig {
	return saga.FulfillmentConfig{
		Timeout:     s.Timeout,
		StepTimeout: s.StepTimeout,
		StepRetry: saga.RetryPolicy{
			MaxAttempts:     s.StepAttempts,
			InitialInterval: s.InitialBackoff,
			MaxInterval:     s.MaxBackoff,
		},
		CompensationTimeout: s.CompensationTimeout,
		CompensationRetry: saga.RetryPolicy{
			MaxAttempts:     s.CompensationAttempts,
			InitialInterval: s.InitialBackoff,
			MaxInterval:     s.MaxBackoff,
		},
		Carriers:      s.Carriers,
		CarrierQuorum: s.CarrierQuorum,
	}
}
