package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"nexus-orders/internal/pkg/logger"
)

// Registry 是服务注册中心，nacos.Client 实现了它
type Registry interface {
	RegisterServiceInstance(serviceName, ip string, port int) error
	DeregisterServiceInstance(serviceName, ip string, port int) error
}

// AppInfo 包含了启动一个服务所需的信息
type AppInfo struct {
	ServiceName string
	Port        int
	Handler     http.Handler
	// Registry 为空时不注册
	Registry Registry
	// Cleanups 在 HTTP 服务器关闭后按后进先出顺序执行
	Cleanups []func(ctx context.Context) error
}

// StartService 启动 HTTP 服务并阻塞到收到 SIGINT/SIGTERM 或 ctx 结束，然后优雅关停
func StartService(ctx context.Context, info AppInfo) error {
	log := logger.Ctx(ctx)

	var ip string
	if info.Registry != nil {
		var err error
		if ip, err = outboundIP(); err != nil {
			return errors.Wrap(err, "resolve outbound ip")
		}
		if err := info.Registry.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           info.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("service", info.ServiceName).Int("port", info.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = errors.Wrapf(err, "listen on %s", server.Addr)
	}
	log.Info().Str("service", info.ServiceName).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if info.Registry != nil {
		if err := info.Registry.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("deregister failed")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	for i := len(info.Cleanups) - 1; i >= 0; i-- {
		if err := info.Cleanups[i](shutdownCtx); err != nil {
			log.Error().Err(err).Msg("cleanup failed")
		}
	}
	log.Info().Str("service", info.ServiceName).Msg("gracefully shut down")
	return runErr
}

func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
