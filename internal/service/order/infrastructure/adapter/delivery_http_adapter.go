package adapter

import (
	"context"

	"nexus-orders/internal/pkg/httpclient"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// DeliveryHTTPAdapter 实现了 port.DeliveryService 接口。
type DeliveryHTTPAdapter struct {
	client *httpclient.Client
}

func NewDeliveryHTTPAdapter(client *httpclient.Client) *DeliveryHTTPAdapter {
	return &DeliveryHTTPAdapter{client: client}
}

// Quote 的幂等键包含承运商，同一 saga 内每个承运商各自去重
func (a *DeliveryHTTPAdapter) Quote(ctx context.Context, carrier string, ref port.Ref, delivery domain.Delivery) (port.Quote, error) {
	var resp QuoteResponse
	req := QuoteRequest{StepRequest: newStepRequest(ref), Carrier: carrier, Delivery: delivery}
	key := ref.IdempotencyKey() + ":" + carrier
	if err := a.client.PostJSON(ctx, DeliveryService, DeliveryQuotePath, key, req, &resp); err != nil {
		return port.Quote{}, translate(err)
	}
	return port.Quote{Carrier: resp.Carrier, Price: resp.Price, QuoteID: resp.QuoteID}, nil
}

func (a *DeliveryHTTPAdapter) Book(ctx context.Context, ref port.Ref, quote port.Quote) error {
	req := BookRequest{StepRequest: newStepRequest(ref), Carrier: quote.Carrier, QuoteID: quote.QuoteID}
	return translate(a.client.PostJSON(ctx, DeliveryService, DeliveryBookPath, ref.IdempotencyKey(), req, nil))
}

func (a *DeliveryHTTPAdapter) Cancel(ctx context.Context, ref port.Ref) error {
	return translate(a.client.PostJSON(ctx, DeliveryService, DeliveryCancelPath, ref.IdempotencyKey(), newStepRequest(ref), nil))
}
