package domain

import "time"

// StepStatus 是 saga 中单个步骤的状态
type StepStatus string

const (
	StepPending      StepStatus = "PENDING"
	StepInFlight     StepStatus = "IN_FLIGHT"
	StepCompleted    StepStatus = "COMPLETED"
	StepFailed       StepStatus = "FAILED"
	StepCompensating StepStatus = "COMPENSATING"
	StepCompensated  StepStatus = "COMPENSATED"
)

// SagaStatus 是 saga 实例的整体状态，只有编排器可以写入
type SagaStatus string

const (
	SagaRunning                 SagaStatus = "RUNNING"
	SagaCompleted               SagaStatus = "COMPLETED"
	SagaCompensating            SagaStatus = "COMPENSATING"
	SagaFailed                  SagaStatus = "FAILED"
	SagaFailedNeedsIntervention SagaStatus = "FAILED_NEEDS_INTERVENTION"
)

// IsTerminal COMPLETED 和 FAILED 可以归档；需要人工介入的 saga 不是终态
func (s SagaStatus) IsTerminal() bool {
	return s == SagaCompleted || s == SagaFailed
}

// StepState 记录一个步骤的执行进度
type StepState struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// SagaInstance 是一次订单履约流程的持久化状态
type SagaInstance struct {
	CorrelationID string
	OrderID       string
	Workflow      string
	Status        SagaStatus
	Steps         []StepState
	// CompensationStack 按执行顺序保存已完成的步骤名，补偿时逆序弹出
	CompensationStack []string
	Current           int
	Deadline          time.Time
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ArchivedAt        *time.Time

	// Version 是 saga 存储上的 CAS 版本
	Version int64
}

// Step 按名称查找步骤状态
func (s *SagaInstance) Step(name string) *StepState {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// PushCompleted 把步骤标记为完成并压入补偿栈
func (s *SagaInstance) PushCompleted(name string, at time.Time) {
	step := s.Step(name)
	if step == nil {
		return
	}
	step.Status = StepCompleted
	step.FinishedAt = &at
	step.LastError = ""
	s.CompensationStack = append(s.CompensationStack, name)
}

// Clone 深拷贝，保证存储层与执行中的实例互不影响
func (s *SagaInstance) Clone() *SagaInstance {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Steps = make([]StepState, len(s.Steps))
	copy(cp.Steps, s.Steps)
	cp.CompensationStack = append([]string(nil), s.CompensationStack...)
	return &cp
}
