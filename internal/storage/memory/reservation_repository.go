package memory

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type reservationRepositoryInMemory struct {
	store *Store
}

// NewReservationRepository возвращает in-memory репозиторий резервов (один резерв на заказ).
func NewReservationRepository(store *Store) domain.ReservationRepository {
	return &reservationRepositoryInMemory{store: store}
}

func (r *reservationRepositoryInMemory) GetByOrderID(ctx context.Context, orderID int64) (domain.InventoryReservation, error) {
	var reservation domain.InventoryReservation
	err := r.store.run(ctx, func(*memTx) error {
		stored, ok := r.store.reservations[orderID]
		if !ok {
			return domain.ErrReservationNotFound
		}
		reservation = cloneReservation(stored)
		return nil
	})
	return reservation, err
}

func (r *reservationRepositoryInMemory) Add(ctx context.Context, reservation *domain.InventoryReservation) (int64, error) {
	var affected int64
	err := r.store.run(ctx, func(tx *memTx) error {
		if _, exists := r.store.reservations[reservation.OrderID]; exists {
			return nil
		}
		r.store.nextReservationID++
		reservation.ID = r.store.nextReservationID
		now := r.store.now()
		if reservation.CreatedAt.IsZero() {
			reservation.CreatedAt = now
		}
		reservation.UpdatedAt = now

		orderID := reservation.OrderID
		r.store.reservations[orderID] = cloneReservation(*reservation)
		tx.record(func() { delete(r.store.reservations, orderID) })
		affected = 1
		return nil
	})
	return affected, err
}

func (r *reservationRepositoryInMemory) Update(ctx context.Context, reservation domain.InventoryReservation) (int64, error) {
	var affected int64
	err := r.store.run(ctx, func(tx *memTx) error {
		prev, ok := r.store.reservations[reservation.OrderID]
		if !ok || prev.ID != reservation.ID {
			return nil
		}
		reservation.UpdatedAt = r.store.now()
		r.store.reservations[reservation.OrderID] = cloneReservation(reservation)
		tx.record(func() { r.store.reservations[prev.OrderID] = prev })
		affected = 1
		return nil
	})
	return affected, err
}

func cloneReservation(src domain.InventoryReservation) domain.InventoryReservation {
	dst := src
	if src.ExpiresAt != nil {
		expiresAt := *src.ExpiresAt
		dst.ExpiresAt = &expiresAt
	}
	return dst
}

var _ domain.ReservationRepository = (*reservationRepositoryInMemory)(nil)
