package domain

import "time"

// ReservationStatus отражает статус резерва товара под заказ.
type ReservationStatus string

const (
	// ReservationStatusActive — товар удерживается под заказ.
	ReservationStatusActive ReservationStatus = "active"
	// ReservationStatusConsumed — продажа состоялась.
	ReservationStatusConsumed ReservationStatus = "consumed"
	// ReservationStatusReleased — товар возвращён на склад.
	ReservationStatusReleased ReservationStatus = "released"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationStatusActive, ReservationStatusConsumed, ReservationStatusReleased:
		return true
	default:
		return false
	}
}

// InventoryReservation — резерв по заказу. ExpiresAt == nil означает, что резерв не истекает.
type InventoryReservation struct {
	ID        int64
	OrderID   int64
	Status    ReservationStatus
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive сообщает, можно ли ещё перевести резерв.
func (r *InventoryReservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// Consume переводит Active → Consumed.
func (r *InventoryReservation) Consume(now time.Time) error {
	return r.transition(ReservationStatusConsumed, now)
}

// Release переводит Active → Released.
func (r *InventoryReservation) Release(now time.Time) error {
	return r.transition(ReservationStatusReleased, now)
}

func (r *InventoryReservation) transition(target ReservationStatus, now time.Time) error {
	if !r.IsActive() {
		return &ReservationNotActiveError{Status: r.Status}
	}
	r.Status = target
	r.UpdatedAt = now
	return nil
}
