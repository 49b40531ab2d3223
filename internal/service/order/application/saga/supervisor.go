package saga

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"nexus-orders/internal/pkg/metrics"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// Supervisor 在期限内按重试预算执行一个动作
type Supervisor struct {
	metrics *metrics.Metrics
}

func NewSupervisor(m *metrics.Metrics) *Supervisor {
	return &Supervisor{metrics: m}
}

// Run 在 timeout 内最多尝试 policy.MaxAttempts 次，返回实际尝试次数和最后一次失败原因。
// timedOut 为 true 表示期限先于重试预算耗尽。
func (s *Supervisor) Run(ctx context.Context, label string, timeout time.Duration, policy RetryPolicy,
	op func(ctx context.Context) error) (attempts int, timedOut bool, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	defer func() { s.metrics.ObserveStep(label, time.Since(started).Seconds()) }()

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	maxTries := policy.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	var lastErr error
	_, err = backoff.Retry(runCtx, func() (struct{}, error) {
		attempts++
		opErr := op(runCtx)
		switch {
		case opErr == nil:
			s.metrics.StepAttempt(label, "success")
			return struct{}{}, nil
		case isPermanent(opErr):
			s.metrics.StepAttempt(label, "rejected")
			lastErr = opErr
			return struct{}{}, backoff.Permanent(opErr)
		default:
			s.metrics.StepAttempt(label, "error")
			lastErr = opErr
			return struct{}{}, opErr
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxTries)), backoff.WithMaxElapsedTime(0))
	if err == nil {
		return attempts, false, nil
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		// 父 ctx 被取消 (例如 saga 被中止) 不算超时
		timedOut = errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil
		if lastErr == nil {
			lastErr = ctxErr
		}
	}
	if lastErr == nil {
		lastErr = err
	}
	return attempts, timedOut, lastErr
}

// isPermanent 判断失败是否是确定的业务结论，重试不会改变结果
func isPermanent(err error) bool {
	return errors.Is(err, port.ErrRejected) ||
		errors.Is(err, domain.ErrIllegalTransition) ||
		errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrOrderNotFound)
}
