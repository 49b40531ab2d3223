package participant

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nexus-orders/internal/service/order/infrastructure/adapter"
)

// Delivery 模拟多个承运商的报价与预约
type Delivery struct {
	// Unavailable 中的承运商拒绝报价
	Unavailable map[string]bool

	mu       sync.Mutex
	quotes   map[string]string // quoteID -> carrier
	bookings map[string]string // orderID -> carrier
}

func NewDelivery(unavailable ...string) *Delivery {
	d := &Delivery{
		Unavailable: make(map[string]bool),
		quotes:      make(map[string]string),
		bookings:    make(map[string]string),
	}
	for _, c := range unavailable {
		d.Unavailable[c] = true
	}
	return d
}

func (d *Delivery) Register(s *Server) {
	s.Handle(adapter.DeliveryQuotePath, d.quote)
	s.Handle(adapter.DeliveryBookPath, d.book)
	s.Handle(adapter.DeliveryCancelPath, d.cancel)
}

// Price 是承运商到目的城市的确定性运费
func Price(carrier, city string) decimal.Decimal {
	h := fnv.New32a()
	h.Write([]byte(carrier + "|" + strings.ToLower(city)))
	cents := int64(500 + h.Sum32()%2000)
	return decimal.New(cents, -2)
}

func (d *Delivery) quote(_ context.Context, body []byte) (any, error) {
	var req adapter.QuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, reject("malformed request: %v", err)
	}
	if d.Unavailable[req.Carrier] {
		return nil, reject("carrier %s is not serving %s", req.Carrier, req.Delivery.City)
	}
	id := uuid.NewString()
	d.mu.Lock()
	d.quotes[id] = req.Carrier
	d.mu.Unlock()
	return adapter.QuoteResponse{Carrier: req.Carrier, Price: Price(req.Carrier, req.Delivery.City), QuoteID: id}, nil
}

func (d *Delivery) book(_ context.Context, body []byte) (any, error) {
	var req adapter.BookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, reject("malformed request: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if carrier, ok := d.quotes[req.QuoteID]; !ok || carrier != req.Carrier {
		return nil, reject("unknown quote %s for carrier %s", req.QuoteID, req.Carrier)
	}
	d.bookings[req.OrderID] = req.Carrier
	return nil, nil
}

func (d *Delivery) cancel(_ context.Context, body []byte) (any, error) {
	var req adapter.StepRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, reject("malformed request: %v", err)
	}
	d.mu.Lock()
	delete(d.bookings, req.OrderID)
	d.mu.Unlock()
	return nil, nil
}

// Booked 返回订单预约的承运商
func (d *Delivery) Booked(orderID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.bookings[orderID]
	return c, ok
}
