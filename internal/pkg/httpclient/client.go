package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// IdempotencyHeader 携带幂等键，参与方据此去重
const IdempotencyHeader = "Idempotency-Key"

// ErrRejected 表示对端给出了明确的业务拒绝 (4xx)，重试不会改变结果
var ErrRejected = errors.New("httpclient: request rejected")

// Resolver 把逻辑服务名解析为 base URL
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// StaticResolver 使用固定的地址表
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, service string) (string, error) {
	if base, ok := s[service]; ok {
		return strings.TrimRight(base, "/"), nil
	}
	return "", errors.Errorf("no address configured for service %q", service)
}

// Client 是一个可追踪的 JSON 请求-应答客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Resolver   Resolver
}

// NewClient 创建客户端。http.Client 不设置 Timeout，超时完全由每次请求的 ctx 控制。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		Resolver: resolver,
	}
}

// PostJSON 把 in 编码后发送到 service 的 path，out 非空时解码响应体。
// 4xx 响应包装为 ErrRejected，5xx 和网络错误原样返回 (可重试)。
func (c *Client) PostJSON(ctx context.Context, service, path, idempotencyKey string, in, out any) error {
	base, err := c.Resolver.Resolve(ctx, service)
	if err != nil {
		return err
	}
	url := base + path

	ctx, span := c.Tracer.Start(ctx, "call-"+service, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}
	span.SetAttributes(
		attribute.String("http.url", url),
		attribute.String("http.method", http.MethodPost),
		attribute.String("idempotency.key", idempotencyKey),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s%s returned %s: %s", service, path, resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %v", ErrRejected, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}
