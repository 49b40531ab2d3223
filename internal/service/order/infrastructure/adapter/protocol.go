package adapter

import (
	"errors"

	"github.com/shopspring/decimal"

	"nexus-orders/internal/pkg/httpclient"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// 参与方服务名，由 Resolver 解析为地址
const (
	InventoryService = "inventory-service"
	PaymentService   = "payment-service"
	DeliveryService  = "delivery-service"
)

const (
	InventoryReservePath = "/inventory/reserve"
	InventoryReleasePath = "/inventory/release"
	PaymentAuthorizePath = "/payment/authorize"
	PaymentVoidPath      = "/payment/void"
	DeliveryQuotePath    = "/delivery/quote"
	DeliveryBookPath     = "/delivery/book"
	DeliveryCancelPath   = "/delivery/cancel"
)

// StepRequest 是所有参与方请求的公共部分
type StepRequest struct {
	OrderID       string `json:"orderId"`
	CorrelationID string `json:"correlationId"`
	Step          string `json:"step"`
}

func newStepRequest(ref port.Ref) StepRequest {
	return StepRequest{OrderID: ref.OrderID, CorrelationID: ref.CorrelationID, Step: ref.Step}
}

type AuthorizeRequest struct {
	StepRequest
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type AuthorizeResponse struct {
	AuthorizationID string `json:"authorizationId"`
}

type QuoteRequest struct {
	StepRequest
	Carrier  string          `json:"carrier"`
	Delivery domain.Delivery `json:"delivery"`
}

type QuoteResponse struct {
	Carrier string          `json:"carrier"`
	Price   decimal.Decimal `json:"price"`
	QuoteID string          `json:"quoteId"`
}

type BookRequest struct {
	StepRequest
	Carrier string `json:"carrier"`
	QuoteID string `json:"quoteId"`
}

// translate 把 HTTP 层的业务拒绝转换为端口层的 ErrRejected
func translate(err error) error {
	if err != nil && errors.Is(err, httpclient.ErrRejected) {
		return errors.Join(port.ErrRejected, err)
	}
	return err
}
