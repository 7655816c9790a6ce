package memory

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type paymentRepositoryInMemory struct {
	store *Store
}

// NewPaymentRepository возвращает in-memory репозиторий платежей.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepositoryInMemory{store: store}
}

func (r *paymentRepositoryInMemory) Get(ctx context.Context, id int64) (domain.Payment, error) {
	var payment domain.Payment
	err := r.store.run(ctx, func(*memTx) error {
		stored, ok := r.store.payments[id]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		payment = stored
		return nil
	})
	return payment, err
}

func (r *paymentRepositoryInMemory) Add(ctx context.Context, payment *domain.Payment) (int64, error) {
	err := r.store.run(ctx, func(tx *memTx) error {
		r.store.nextPaymentID++
		payment.ID = r.store.nextPaymentID
		now := r.store.now()
		if payment.CreatedAt.IsZero() {
			payment.CreatedAt = now
		}
		payment.UpdatedAt = now

		id := payment.ID
		r.store.payments[id] = *payment
		tx.record(func() { delete(r.store.payments, id) })
		return nil
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (r *paymentRepositoryInMemory) Update(ctx context.Context, payment domain.Payment) (int64, error) {
	var affected int64
	err := r.store.run(ctx, func(tx *memTx) error {
		prev, ok := r.store.payments[payment.ID]
		if !ok {
			return nil
		}
		payment.UpdatedAt = r.store.now()
		r.store.payments[payment.ID] = payment
		tx.record(func() { r.store.payments[prev.ID] = prev })
		affected = 1
		return nil
	})
	return affected, err
}

func (r *paymentRepositoryInMemory) IsFulfilled(ctx context.Context, id int64) (bool, error) {
	var fulfilled bool
	err := r.store.run(ctx, func(*memTx) error {
		payment, ok := r.store.payments[id]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		fulfilled = payment.IsFulfilled
		return nil
	})
	return fulfilled, err
}

func (r *paymentRepositoryInMemory) OrderIDByPaymentID(ctx context.Context, id int64) (int64, bool, error) {
	var (
		orderID int64
		ok      bool
	)
	err := r.store.run(ctx, func(*memTx) error {
		var payment domain.Payment
		payment, ok = r.store.payments[id]
		orderID = payment.OrderID
		return nil
	})
	return orderID, ok, err
}

var _ domain.PaymentRepository = (*paymentRepositoryInMemory)(nil)
