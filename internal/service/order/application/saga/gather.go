package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// errQuorumReached 用于在达到法定数后取消剩余调用
var errQuorumReached = errors.New("quorum reached")

// QuorumError 表示失败数已经使法定数不可能达成
type QuorumError struct {
	Quorum   int
	Total    int
	Failures []error
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("scatter-gather: %d of %d calls failed, quorum of %d unreachable: %v",
		len(e.Failures), e.Total, e.Quorum, errors.Join(e.Failures...))
}

func (e *QuorumError) Unwrap() []error { return e.Failures }

// Gather 并发执行 calls，至少 quorum 个成功时返回成功结果并取消其余调用。
// quorum 等于 len(calls) 即要求全部成功。失败数超过 len(calls)-quorum 时立即失败。
func Gather[T any](ctx context.Context, quorum int, calls []func(ctx context.Context) (T, error)) ([]T, error) {
	if quorum < 1 || quorum > len(calls) {
		return nil, fmt.Errorf("scatter-gather: quorum %d out of range [1, %d]", quorum, len(calls))
	}

	g, gctx := errgroup.WithContext(ctx)
	var (
		mu       sync.Mutex
		results  = make([]T, 0, len(calls))
		failures []error
	)
	tolerated := len(calls) - quorum

	for _, call := range calls {
		g.Go(func() error {
			v, err := call(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				if len(failures) > tolerated {
					return &QuorumError{Quorum: quorum, Total: len(calls), Failures: append([]error(nil), failures...)}
				}
				return nil
			}
			results = append(results, v)
			if len(results) == quorum {
				return errQuorumReached
			}
			return nil
		})
	}

	err := g.Wait()
	mu.Lock()
	defer mu.Unlock()
	if errors.Is(err, errQuorumReached) || (err == nil && len(results) >= quorum) {
		return results, nil
	}
	if err == nil {
		err = &QuorumError{Quorum: quorum, Total: len(calls), Failures: failures}
	}
	return nil, err
}
