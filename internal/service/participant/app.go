package participant

import (
	"context"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"nexus-orders/internal/pkg/bootstrap"
	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/pkg/nacos"
	"nexus-orders/internal/pkg/tracing"
)

// Run 启动一个参与方服务。端口、链路上报、注册中心和故障注入都来自环境变量。
func Run(ctx context.Context, serviceName string, defaultPort int, register func(*Server)) error {
	logger.Init(serviceName, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	port := defaultPort
	if v := os.Getenv("HTTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid HTTP_PORT")
		}
		port = p
	}

	tp, err := tracing.InitTracerProvider(ctx, serviceName, os.Getenv("JAEGER_ENDPOINT"), 1)
	if err != nil {
		return errors.Wrap(err, "init tracer provider")
	}

	faults, err := FaultsFromEnv()
	if err != nil {
		return err
	}
	srv := NewServer(serviceName, tracing.Tracer(serviceName), faults)
	register(srv)

	var registry bootstrap.Registry
	if addrs := os.Getenv("NACOS_SERVER_ADDRS"); addrs != "" {
		nc, err := nacos.NewNacosClient(ctx, addrs, os.Getenv("NACOS_NAMESPACE"), os.Getenv("NACOS_GROUP"))
		if err != nil {
			return err
		}
		registry = nc
	}

	return bootstrap.StartService(ctx, bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        port,
		Handler:     srv,
		Registry:    registry,
		Cleanups:    []func(context.Context) error{tp.Shutdown},
	})
}

// EnvInt 读取整数环境变量，缺省或非法时返回 fallback
func EnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
