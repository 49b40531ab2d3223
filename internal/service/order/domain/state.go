// internal/service/order/domain/state.go
package domain

// State 定义了订单的生命周期状态
type State string

const (
	StatePending   State = "PENDING"   // 已创建，等待支付
	StatePaid      State = "PAID"      // 已支付
	StatePreparing State = "PREPARING" // 备货中
	StateShipped   State = "SHIPPED"   // 已发货
	StateDelivered State = "DELIVERED" // 已签收 (终态)
	StateCancelled State = "CANCELLED" // 已取消 (终态)
)

// transitions 是订单状态机的全部合法边，不在表中的流转一律拒绝。
var transitions = map[State][]State{
	StatePending:   {StatePaid, StateCancelled},
	StatePaid:      {StatePreparing, StateCancelled},
	StatePreparing: {StateShipped, StateCancelled},
	StateShipped:   {StateDelivered},
	StateDelivered: nil,
	StateCancelled: nil,
}

func (s State) String() string { return string(s) }

// IsValid 判断是否为已知状态
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal 终态不再有任何出边
func (s State) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// CanTransitionTo 判断 s -> next 是否是状态图中的相邻边
func (s State) CanTransitionTo(next State) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// NextStates 返回 s 的所有合法后继状态
func (s State) NextStates() []State {
	out := make([]State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
