package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type reservationRepository struct {
	store *Store
}

// NewReservationRepository создаёт PostgreSQL-реализацию ReservationRepository.
func NewReservationRepository(store *Store) domain.ReservationRepository {
	return &reservationRepository{store: store}
}

func (r *reservationRepository) GetByOrderID(ctx context.Context, orderID int64) (domain.InventoryReservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		reservation domain.InventoryReservation
		statusRaw   string
		expiresAt   sql.NullTime
	)
	err := r.store.conn(ctx).QueryRowContext(ctx, `
		SELECT id, order_id, status, expires_at, created_at, updated_at
		FROM inventory_reservations
		WHERE order_id = $1`+r.store.forUpdate(ctx), orderID,
	).Scan(
		&reservation.ID, &reservation.OrderID, &statusRaw, &expiresAt,
		&reservation.CreatedAt, &reservation.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryReservation{}, domain.ErrReservationNotFound
		}
		return domain.InventoryReservation{}, fmt.Errorf("select reservation: %w", err)
	}

	reservation.Status = domain.ReservationStatus(statusRaw)
	if !reservation.Status.Valid() {
		return domain.InventoryReservation{}, fmt.Errorf("invalid reservation status %q for order %d", statusRaw, orderID)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		reservation.ExpiresAt = &t
	}

	return reservation, nil
}

// Add создаёт резерв; второй резерв на тот же заказ даёт 0 строк.
func (r *reservationRepository) Add(ctx context.Context, reservation *domain.InventoryReservation) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var id int64
	err := r.store.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO inventory_reservations (order_id, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING id
	`,
		reservation.OrderID, string(reservation.Status), reservation.ExpiresAt,
		reservation.CreatedAt, reservation.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("insert reservation: %w", err)
	}

	reservation.ID = id
	return 1, nil
}

func (r *reservationRepository) Update(ctx context.Context, reservation domain.InventoryReservation) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.store.conn(ctx).ExecContext(ctx, `
		UPDATE inventory_reservations
		SET status = $3,
		    updated_at = $4
		WHERE id = $1 AND order_id = $2
	`, reservation.ID, reservation.OrderID, string(reservation.Status), reservation.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("update reservation: %w", err)
	}
	return rowsAffected(res, "update reservation")
}

var _ domain.ReservationRepository = (*reservationRepository)(nil)
