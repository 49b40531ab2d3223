// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init 配置全局日志。format 为 "console" 时输出人类可读格式，否则输出 JSON。
func Init(serviceName, level, format string) {
	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(out).Level(lvl).With().Timestamp().Str("service", serviceName).Logger()
}

// SetOutput 替换全局日志输出，测试中用来静默日志
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Output(w)
}

// Ctx 返回绑定了上下文字段 (trace_id 以及通过 With 添加的字段) 的日志器
func Ctx(ctx context.Context) *zerolog.Logger {
	l := fromContext(ctx)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
	}
	return &l
}

// With 返回一个附加了字段的新上下文，后续 Ctx(ctx) 输出都会带上它
func With(ctx context.Context, key, value string) context.Context {
	l := fromContext(ctx).With().Str(key, value).Logger()
	return context.WithValue(ctx, ctxKey{}, l)
}

func fromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	mu.RLock()
	defer mu.RUnlock()
	return base
}
