package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func validCommand() CreateOrderCommand {
	return CreateOrderCommand{
		OrderID:  "order-1",
		UserID:   "user-1",
		Amount:   decimal.RequireFromString("42.50"),
		Currency: "eur",
		Customer: Customer{Name: "Ada", Email: "ada@example.com"},
		Delivery: Delivery{Address: "1 Main St", City: "Berlin", Country: "DE"},
	}
}

// newOrder 返回已折叠 CREATED 事件的订单
func newOrder(t *testing.T) (*Order, *OrderEvent) {
	t.Helper()
	ev, err := NewOrder(validCommand(), t0)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	ev.SequenceNumber = 1
	order, err := Fold([]OrderEvent{*ev})
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	return order, ev
}

func TestStateGraph(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StatePaid, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateShipped, false},
		{StatePending, StatePreparing, false},
		{StatePaid, StatePreparing, true},
		{StatePaid, StateCancelled, true},
		{StatePreparing, StateShipped, true},
		{StatePreparing, StateCancelled, true},
		{StateShipped, StateDelivered, true},
		{StateShipped, StateCancelled, false},
		{StateDelivered, StateCancelled, false},
		{StateCancelled, StatePending, false},
		{StatePaid, StatePending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Fatalf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	if !StateDelivered.IsTerminal() || !StateCancelled.IsTerminal() || StateShipped.IsTerminal() {
		t.Fatalf("terminal states misreported")
	}
	if State("LOST").IsValid() {
		t.Fatalf("unknown state reported valid")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*CreateOrderCommand)
		field string
	}{
		{"empty user", func(c *CreateOrderCommand) { c.UserID = " " }, "userId"},
		{"zero amount", func(c *CreateOrderCommand) { c.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(c *CreateOrderCommand) { c.Amount = decimal.NewFromInt(-1) }, "amount"},
		{"bad currency", func(c *CreateOrderCommand) { c.Currency = "EURO" }, "currency"},
		{"missing name", func(c *CreateOrderCommand) { c.Customer.Name = "" }, "customer.name"},
		{"bad email", func(c *CreateOrderCommand) { c.Customer.Email = "not-an-email" }, "customer.email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := validCommand()
			tt.mut(&cmd)
			_, err := NewOrder(cmd, t0)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Fatalf("field = %q, want %q", verr.Field, tt.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("ValidationError must unwrap to ErrValidation")
			}
		})
	}
}

func TestNewOrderFoldsToPendingVersionZero(t *testing.T) {
	order, ev := newOrder(t)
	if ev.EventType != EventCreated || ev.EventSource != SourceOrderAPI {
		t.Fatalf("unexpected created event %+v", ev)
	}
	if order.State != StatePending || order.Version != 0 || order.LastSequence() != 1 {
		t.Fatalf("unexpected projection %+v", order)
	}
	if order.Currency != "EUR" {
		t.Fatalf("currency should be upper-cased, got %s", order.Currency)
	}
	if !order.Amount.Equal(decimal.RequireFromString("42.5")) {
		t.Fatalf("amount = %s", order.Amount)
	}
}

func TestNewOrderAssignsCorrelationID(t *testing.T) {
	order, ev := newOrder(t)
	if ev.CorrelationID == "" {
		t.Fatalf("created event without correlationId")
	}
	if order.CorrelationID != ev.CorrelationID {
		t.Fatalf("projection correlationId = %q, event has %q", order.CorrelationID, ev.CorrelationID)
	}

	cmd := validCommand()
	cmd.CorrelationID = "corr-given"
	given, err := NewOrder(cmd, t0)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if given.CorrelationID != "corr-given" {
		t.Fatalf("correlationId = %q, want corr-given", given.CorrelationID)
	}
}

func TestTransitionRejectsNonAdjacentState(t *testing.T) {
	order, _ := newOrder(t)
	before := order.Clone()

	ev, err := order.Transition(TransitionCommand{OrderID: order.ID, Target: StateShipped, ExpectedVersion: 0}, t0)
	if ev != nil {
		t.Fatalf("illegal transition produced an event")
	}
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) || illegal.From != StatePending || illegal.To != StateShipped {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if !order.Equal(before) {
		t.Fatalf("order mutated by rejected transition")
	}
}

func TestTransitionChecksVersion(t *testing.T) {
	order, _ := newOrder(t)
	_, err := order.Transition(TransitionCommand{OrderID: order.ID, Target: StatePaid, ExpectedVersion: 3}, t0)
	var stale *StaleVersionError
	if !errors.As(err, &stale) || stale.Expected != 3 || stale.Actual != 0 {
		t.Fatalf("expected StaleVersionError, got %v", err)
	}
}

func TestApplyAdvancesVersionAndRejectsGaps(t *testing.T) {
	order, _ := newOrder(t)
	ev, err := order.Transition(TransitionCommand{OrderID: order.ID, Target: StatePaid, Source: "test"}, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	gap := *ev
	gap.SequenceNumber = 3
	if err := order.Clone().Apply(&gap); !errors.Is(err, ErrProjectionDrift) {
		t.Fatalf("expected drift on sequence gap, got %v", err)
	}

	ev.SequenceNumber = 2
	if err := order.Apply(ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if order.State != StatePaid || order.Version != 1 || !order.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("unexpected projection after apply: %+v", order)
	}
}

func TestFoldReplaysFullHistory(t *testing.T) {
	order, created := newOrder(t)
	events := []OrderEvent{*created}
	for i, target := range []State{StatePaid, StatePreparing, StateShipped, StateDelivered} {
		ev, err := order.Transition(TransitionCommand{OrderID: order.ID, Target: target, ExpectedVersion: order.Version}, t0.Add(time.Duration(i+1)*time.Minute))
		if err != nil {
			t.Fatalf("Transition to %s: %v", target, err)
		}
		ev.SequenceNumber = order.LastSequence() + 1
		if err := order.Apply(ev); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		events = append(events, *ev)
	}

	folded, err := Fold(events)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if !folded.Equal(order) {
		t.Fatalf("fold differs from live projection:\n%+v\n%+v", folded, order)
	}
	if folded.Version != 4 || folded.State != StateDelivered {
		t.Fatalf("unexpected folded order %+v", folded)
	}
}

func TestFoldRequiresCreatedFirst(t *testing.T) {
	if _, err := Fold(nil); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("empty stream: got %v", err)
	}
	_, created := newOrder(t)
	created.SequenceNumber = 2
	if _, err := Fold([]OrderEvent{*created}); !errors.Is(err, ErrProjectionDrift) {
		t.Fatalf("expected drift, got %v", err)
	}
}

func TestSagaPushCompletedAndClone(t *testing.T) {
	s := &SagaInstance{Steps: []StepState{{Name: "a", Status: StepInFlight}, {Name: "b", Status: StepPending}}}
	s.PushCompleted("a", t0)
	if s.Step("a").Status != StepCompleted || len(s.CompensationStack) != 1 {
		t.Fatalf("unexpected saga %+v", s)
	}
	cp := s.Clone()
	cp.Steps[1].Status = StepFailed
	cp.CompensationStack = append(cp.CompensationStack, "b")
	if s.Steps[1].Status != StepPending || len(s.CompensationStack) != 1 {
		t.Fatalf("clone shares state with original")
	}
	if !SagaFailed.IsTerminal() || SagaFailedNeedsIntervention.IsTerminal() {
		t.Fatalf("saga terminal states misreported")
	}
}
