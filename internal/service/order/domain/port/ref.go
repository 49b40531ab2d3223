package port

import (
	"errors"
	"fmt"
)

// ErrRejected 表示参与方明确拒绝了请求 (例如库存不足、支付被拒)。
// 这类失败是业务结论，重试不会改变结果。
var ErrRejected = errors.New("request rejected by participant")

// Ref 唯一标识一次 saga 步骤调用。
// 参与方承诺：相同 CorrelationID + 相同 Step 的重复调用不会产生重复副作用。
type Ref struct {
	OrderID       string
	CorrelationID string
	Step          string
}

// IdempotencyKey 是发送给参与方的幂等键
func (r Ref) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", r.CorrelationID, r.Step)
}
