package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/repository"
)

func orderEvent(order *domain.Order, previous domain.OrderStatus, at time.Time) domain.OrderEvent {
	return domain.OrderEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		TotalAmount:   order.TotalAmount,
		Currency:      order.Currency,
		Items:         order.Items,
		PreviousState: previous,
		OccurredAt:    at,
	}
}

func paymentEvent(p *domain.Payment, at time.Time) domain.PaymentEvent {
	return domain.PaymentEvent{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		TxRef:         p.TxRef,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        p.Status,
		FailureReason: p.FailureReason,
		OccurredAt:    at,
	}
}

// emit writes an outbox row in the caller's transaction. The poller publishes it later.
func emit(ctx context.Context, q repository.Queries, aggregateID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if err := q.InsertOutboxEvent(ctx, aggregateID, eventType, data); err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}
