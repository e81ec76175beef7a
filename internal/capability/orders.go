package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Order status values reported by the order capabilities.
const (
	OrderStatusReceived  = "received"
	OrderStatusCancelled = "cancelled"
)

type orderRecord struct {
	ID             string
	IdempotencyKey string
	PatientID      string
	Medication     string
	PharmacyID     string
	Dosage         string
	Status         string
	CreatedAt      time.Time
}

// SubmitOrder creates a refill order. The idempotency key makes the call
// safe to retry: a second submission with the same key returns the order
// created by the first, without creating another.
func (p *Providers) SubmitOrder(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	key := stringArg(args, "idempotency_key")
	if key == "" {
		return nil, fmt.Errorf("order submission requires an idempotency key")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.orders[key]; ok {
		slog.Debug("Providers.SubmitOrder: duplicate submission", "orderID", existing.ID, "idempotencyKey", key)
		return map[string]interface{}{"order_id": existing.ID, "status": existing.Status}, nil
	}

	rec := &orderRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		PatientID:      stringArg(args, "patient_id"),
		Medication:     stringArg(args, "medication"),
		PharmacyID:     stringArg(args, "pharmacy_id"),
		Dosage:         stringArg(args, "dosage"),
		Status:         OrderStatusReceived,
		CreatedAt:      time.Now().UTC(),
	}
	p.orders[key] = rec
	p.ordersByID[rec.ID] = rec
	slog.Info("Providers.SubmitOrder: order created",
		"orderID", rec.ID, "patientID", rec.PatientID, "medication", rec.Medication, "pharmacyID", rec.PharmacyID)
	return map[string]interface{}{"order_id": rec.ID, "status": rec.Status}, nil
}

// TrackOrder reports the current status of an order.
func (p *Providers) TrackOrder(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	id := stringArg(args, "order_id")
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.ordersByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", id)
	}
	return map[string]interface{}{"order_id": rec.ID, "status": rec.Status}, nil
}

// CancelOrder cancels an order. Cancelling an already-cancelled order is
// a no-op reporting the same terminal status.
func (p *Providers) CancelOrder(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	id := stringArg(args, "order_id")
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.ordersByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", id)
	}
	rec.Status = OrderStatusCancelled
	slog.Info("Providers.CancelOrder: order cancelled", "orderID", rec.ID)
	return map[string]interface{}{"order_id": rec.ID, "status": rec.Status}, nil
}

// OrderCount reports how many orders have been created. Used by status
// surfaces and tests.
func (p *Providers) OrderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}
