package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation               = errors.New("validation failed")
	ErrIllegalTransition        = errors.New("illegal status transition")
	ErrStaleVersion             = errors.New("stale order version")
	ErrConcurrentAppendConflict = errors.New("concurrent append conflict")
	ErrOrderNotFound            = errors.New("order not found")
	ErrProjectionDrift          = errors.New("order projection diverged from event log")

	ErrSagaNotFound        = errors.New("saga not found")
	ErrSagaNotRunning      = errors.New("saga is not running")
	ErrSagaVersionConflict = errors.New("saga state was modified concurrently")
	ErrSagaExists          = errors.New("saga already exists")
	ErrNotAwaitingOperator = errors.New("saga is not waiting for operator intervention")
)

// ValidationError 描述一个被同步拒绝的输入字段，不会产生任何事件
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IllegalTransitionError 记录被拒绝的状态边
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// StaleVersionError 乐观锁冲突：调用方必须重新加载后重试，不做自动合并
type StaleVersionError struct {
	OrderID  string
	Expected int64
	Actual   int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("order %s: expected version %d, current version is %d", e.OrderID, e.Expected, e.Actual)
}

func (e *StaleVersionError) Unwrap() error { return ErrStaleVersion }

// StepFailure 远程步骤在用尽重试预算或超时后失败
type StepFailure struct {
	Step     string
	Attempts int
	Timeout  bool
	Cause    error
}

func (e *StepFailure) Error() string {
	if e.Timeout {
		return fmt.Sprintf("step %s timed out after %d attempt(s): %v", e.Step, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Cause)
}

func (e *StepFailure) Unwrap() error { return e.Cause }

// CompensationFailure 补偿动作用尽重试，saga 进入 FAILED_NEEDS_INTERVENTION
type CompensationFailure struct {
	Step     string
	Attempts int
	Cause    error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation of step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Cause)
}

func (e *CompensationFailure) Unwrap() error { return e.Cause }
