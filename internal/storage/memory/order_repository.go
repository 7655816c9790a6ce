package memory

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type orderRepositoryInMemory struct {
	store *Store
}

// NewOrderRepository возвращает in-memory репозиторий заказов поверх store.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepositoryInMemory{store: store}
}

func (r *orderRepositoryInMemory) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.store.run(ctx, func(*memTx) error {
		_, exists = r.store.orders[id]
		return nil
	})
	return exists, err
}

func (r *orderRepositoryInMemory) Get(ctx context.Context, id int64) (domain.Order, error) {
	var order domain.Order
	err := r.store.run(ctx, func(*memTx) error {
		stored, ok := r.store.orders[id]
		if !ok {
			return domain.ErrOrderNotFound
		}
		order = cloneOrder(stored)
		return nil
	})
	return order, err
}

func (r *orderRepositoryInMemory) Add(ctx context.Context, order *domain.Order) (int64, error) {
	var affected int64
	err := r.store.run(ctx, func(tx *memTx) error {
		for _, existing := range r.store.orders {
			if existing.OrderNumber == order.OrderNumber {
				return nil
			}
		}
		r.store.nextOrderID++
		order.ID = r.store.nextOrderID
		now := r.store.now()
		if order.CreatedAt.IsZero() {
			order.CreatedAt = now
		}
		order.UpdatedAt = now

		id := order.ID
		r.store.orders[id] = cloneOrder(*order)
		tx.record(func() { delete(r.store.orders, id) })
		affected = 1
		return nil
	})
	return affected, err
}

func (r *orderRepositoryInMemory) Update(ctx context.Context, order domain.Order) (int64, error) {
	var affected int64
	err := r.store.run(ctx, func(tx *memTx) error {
		prev, ok := r.store.orders[order.ID]
		if !ok {
			return nil
		}
		order.UpdatedAt = r.store.now()
		r.store.orders[order.ID] = cloneOrder(order)
		tx.record(func() { r.store.orders[prev.ID] = prev })
		affected = 1
		return nil
	})
	return affected, err
}

func (r *orderRepositoryInMemory) NumberExists(ctx context.Context, orderNumber string) (bool, error) {
	var exists bool
	err := r.store.run(ctx, func(*memTx) error {
		for _, order := range r.store.orders {
			if order.OrderNumber == orderNumber {
				exists = true
				break
			}
		}
		return nil
	})
	return exists, err
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
