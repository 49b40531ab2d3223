package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"nexus-orders/internal/pkg/httpclient"
	"nexus-orders/internal/service/order/domain/port"
)

// PaymentHTTPAdapter 实现了 port.PaymentService 接口。
type PaymentHTTPAdapter struct {
	client *httpclient.Client
}

func NewPaymentHTTPAdapter(client *httpclient.Client) *PaymentHTTPAdapter {
	return &PaymentHTTPAdapter{client: client}
}

func (a *PaymentHTTPAdapter) Authorize(ctx context.Context, ref port.Ref, amount decimal.Decimal, currency string) (string, error) {
	var resp AuthorizeResponse
	req := AuthorizeRequest{StepRequest: newStepRequest(ref), Amount: amount, Currency: currency}
	if err := a.client.PostJSON(ctx, PaymentService, PaymentAuthorizePath, ref.IdempotencyKey(), req, &resp); err != nil {
		return "", translate(err)
	}
	return resp.AuthorizationID, nil
}

func (a *PaymentHTTPAdapter) Void(ctx context.Context, ref port.Ref) error {
	return translate(a.client.PostJSON(ctx, PaymentService, PaymentVoidPath, ref.IdempotencyKey(), newStepRequest(ref), nil))
}
