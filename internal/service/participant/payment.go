package participant

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nexus-orders/internal/service/order/infrastructure/adapter"
)

// Payment 模拟支付网关，超过 Limit 的金额会被拒绝
type Payment struct {
	Limit decimal.Decimal

	mu             sync.Mutex
	authorizations map[string]string // orderID -> authorizationID
}

func NewPayment(limit decimal.Decimal) *Payment {
	return &Payment{Limit: limit, authorizations: make(map[string]string)}
}

func (p *Payment) Register(s *Server) {
	s.Handle(adapter.PaymentAuthorizePath, p.authorize)
	s.Handle(adapter.PaymentVoidPath, p.void)
}

func (p *Payment) authorize(_ context.Context, body []byte) (any, error) {
	var req adapter.AuthorizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, reject("malformed request: %v", err)
	}
	if !req.Amount.IsPositive() {
		return nil, reject("amount must be positive")
	}
	if p.Limit.IsPositive() && req.Amount.GreaterThan(p.Limit) {
		return nil, reject("amount %s %s exceeds limit %s", req.Amount, req.Currency, p.Limit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.authorizations[req.OrderID]
	if !ok {
		id = uuid.NewString()
		p.authorizations[req.OrderID] = id
	}
	return adapter.AuthorizeResponse{AuthorizationID: id}, nil
}

func (p *Payment) void(_ context.Context, body []byte) (any, error) {
	var req adapter.StepRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, reject("malformed request: %v", err)
	}
	p.mu.Lock()
	delete(p.authorizations, req.OrderID)
	p.mu.Unlock()
	return nil, nil
}

// Authorized 返回订单当前的授权号
func (p *Payment) Authorized(orderID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.authorizations[orderID]
	return id, ok
}
