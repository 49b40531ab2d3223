package saga

import (
	"context"
	"time"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// FulfillmentWorkflow 是订单履约工作流的名称
const FulfillmentWorkflow = "order-fulfillment"

// 履约工作流的步骤名
const (
	StepReserveInventory = "reserve-inventory"
	StepAuthorizePayment = "authorize-payment"
	StepConfirmOrder     = "confirm-order"
	StepScheduleDelivery = "schedule-delivery"
	StepPrepareOrder     = "prepare-order"
	StepNotifyCustomer   = "notify-customer"
)

// Participants 是履约工作流调用的外部服务
type Participants struct {
	Inventory port.InventoryService
	Payment   port.PaymentService
	Delivery  port.DeliveryService
	Notifier  port.NotificationProducer
}

// FulfillmentConfig 是履约工作流的期限、重试预算和配送询价参数
type FulfillmentConfig struct {
	Timeout             time.Duration
	StepTimeout         time.Duration
	StepRetry           RetryPolicy
	CompensationTimeout time.Duration
	CompensationRetry   RetryPolicy
	Carriers            []string
	CarrierQuorum       int
}

// NewFulfillmentWorkflow 定义订单履约流程，由新订单的 CREATED 事件触发：
// reserve-inventory -> authorize-payment -> confirm-order -> schedule-delivery -> prepare-order -> notify-customer
func NewFulfillmentWorkflow(cfg FulfillmentConfig, p Participants, orders OrderCommands) *Workflow {
	f := &fulfillment{cfg: cfg, p: p, orders: orders}
	step := func(name string, forward, compensate Action, emits bool) Step {
		return Step{
			Name:            name,
			Forward:         forward,
			Compensate:      compensate,
			Timeout:         cfg.StepTimeout,
			Retry:           cfg.StepRetry,
			EmitsOrderEvent: emits,
		}
	}
	return &Workflow{
		Name:                FulfillmentWorkflow,
		Trigger:             domain.EventCreated,
		Timeout:             cfg.Timeout,
		CompensationTimeout: cfg.CompensationTimeout,
		CompensationRetry:   cfg.CompensationRetry,
		Steps: []Step{
			step(StepReserveInventory, f.reserveInventory, f.releaseInventory, false),
			step(StepAuthorizePayment, f.authorizePayment, f.voidPayment, false),
			// 订单取消覆盖了确认的撤销
			step(StepConfirmOrder, f.confirmOrder, nil, true),
			step(StepScheduleDelivery, f.scheduleDelivery, f.cancelDelivery, false),
			// 预约先入栈，推进 PREPARING 失败时由补偿撤销预约
			step(StepPrepareOrder, f.prepareOrder, nil, true),
			step(StepNotifyCustomer, f.notifyCustomer, nil, false),
		},
	}
}

type fulfillment struct {
	cfg    FulfillmentConfig
	p      Participants
	orders OrderCommands
}

func (f *fulfillment) reserveInventory(ctx context.Context, ref port.Ref) error {
	return f.p.Inventory.Reserve(ctx, ref)
}

func (f *fulfillment) releaseInventory(ctx context.Context, ref port.Ref) error {
	return f.p.Inventory.Release(ctx, ref)
}

func (f *fulfillment) authorizePayment(ctx context.Context, ref port.Ref) error {
	order, err := f.orders.GetOrder(ctx, ref.OrderID)
	if err != nil {
		return err
	}
	authID, err := f.p.Payment.Authorize(ctx, ref, order.Amount, order.Currency)
	if err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Str("authorization_id", authID).Msg("payment authorized")
	return nil
}

func (f *fulfillment) voidPayment(ctx context.Context, ref port.Ref) error {
	return f.p.Payment.Void(ctx, ref)
}

func (f *fulfillment) confirmOrder(ctx context.Context, ref port.Ref) error {
	_, err := transition(ctx, f.orders, ref, domain.StatePaid, domain.EventPaymentConfirmed)
	return err
}

// scheduleDelivery 并发向各承运商询价，达到法定数后选择最便宜的报价预约
func (f *fulfillment) scheduleDelivery(ctx context.Context, ref port.Ref) error {
	order, err := f.orders.GetOrder(ctx, ref.OrderID)
	if err != nil {
		return err
	}

	calls := make([]func(context.Context) (port.Quote, error), 0, len(f.cfg.Carriers))
	for _, carrier := range f.cfg.Carriers {
		calls = append(calls, func(c context.Context) (port.Quote, error) {
			return f.p.Delivery.Quote(c, carrier, ref, order.Delivery)
		})
	}
	quotes, err := Gather(ctx, f.cfg.CarrierQuorum, calls)
	if err != nil {
		return err
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Price.LessThan(best.Price) {
			best = q
		}
	}

	if err := f.p.Delivery.Book(ctx, ref, best); err != nil {
		return err
	}
	logger.Ctx(ctx).Info().Str("carrier", best.Carrier).Str("price", best.Price.String()).
		Int("quotes", len(quotes)).Msg("delivery booked")
	return nil
}

func (f *fulfillment) prepareOrder(ctx context.Context, ref port.Ref) error {
	_, err := transition(ctx, f.orders, ref, domain.StatePreparing, domain.EventStatusChanged)
	return err
}

func (f *fulfillment) cancelDelivery(ctx context.Context, ref port.Ref) error {
	return f.p.Delivery.Cancel(ctx, ref)
}

func (f *fulfillment) notifyCustomer(ctx context.Context, ref port.Ref) error {
	order, err := f.orders.GetOrder(ctx, ref.OrderID)
	if err != nil {
		return err
	}
	return f.p.Notifier.SendOrderConfirmed(ctx, ref, order)
}

// transition 以 correlationId:step 为幂等键推进订单，重放的步骤不会重复追加事件
func transition(ctx context.Context, orders OrderCommands, ref port.Ref, target domain.State, eventType domain.EventType) (*domain.Order, error) {
	order, err := orders.GetOrder(ctx, ref.OrderID)
	if err != nil {
		return nil, err
	}
	return orders.RequestTransition(ctx, domain.TransitionCommand{
		OrderID:         ref.OrderID,
		Target:          target,
		Source:          domain.SourceSagaOrchestrator,
		CorrelationID:   ref.CorrelationID,
		ExpectedVersion: order.Version,
		IdempotencyKey:  ref.IdempotencyKey(),
		EventType:       eventType,
	})
}
