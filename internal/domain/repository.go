package domain

import "context"

// OrderRepository описывает требования к хранилищу заказов.
// Add и Update возвращают число изменённых строк; ноль трактуется как ErrPersistence.
type OrderRepository interface {
	Exists(ctx context.Context, id int64) (bool, error)
	// Get возвращает заказ или ErrOrderNotFound. Внутри транзакции строка блокируется.
	Get(ctx context.Context, id int64) (Order, error)
	// Add присваивает заказу ID.
	Add(ctx context.Context, order *Order) (int64, error)
	Update(ctx context.Context, order Order) (int64, error)
	NumberExists(ctx context.Context, orderNumber string) (bool, error)
}

// PaymentRepository описывает требования к хранилищу платежей.
type PaymentRepository interface {
	Get(ctx context.Context, id int64) (Payment, error)
	Add(ctx context.Context, payment *Payment) (int64, error)
	Update(ctx context.Context, payment Payment) (int64, error)
	IsFulfilled(ctx context.Context, id int64) (bool, error)
	// OrderIDByPaymentID возвращает ok=false, если платёж не найден.
	OrderIDByPaymentID(ctx context.Context, id int64) (orderID int64, ok bool, err error)
}

// ReservationRepository описывает требования к хранилищу резервов.
type ReservationRepository interface {
	GetByOrderID(ctx context.Context, orderID int64) (InventoryReservation, error)
	Add(ctx context.Context, reservation *InventoryReservation) (int64, error)
	Update(ctx context.Context, reservation InventoryReservation) (int64, error)
}

// ProductRepository — каталог и остатки.
type ProductRepository interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]Product, error)
	// AdjustStock меняет остаток на delta; если остаток ушёл бы ниже нуля, возвращает 0 строк.
	AdjustStock(ctx context.Context, productID int64, delta int32) (int64, error)
}

// ShippingMethodLookup ищет способ доставки по имени.
type ShippingMethodLookup interface {
	GetByName(ctx context.Context, name string) (ShippingMethod, error)
}

// CouponLookup ищет купон по коду.
type CouponLookup interface {
	GetByCode(ctx context.Context, code string) (Coupon, error)
}

// UserDirectory отдаёт контактные данные пользователя.
type UserDirectory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}
