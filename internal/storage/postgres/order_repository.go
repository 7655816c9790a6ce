package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type orderRepository struct {
	store *Store
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{store: store}
}

func (r *orderRepository) Exists(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order exists: %w", err)
	}
	return exists, nil
}

func (r *orderRepository) NumberExists(ctx context.Context, orderNumber string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, orderNumber,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order number exists: %w", err)
	}
	return exists, nil
}

// Add вставляет заказ с позициями. Конфликт номера даёт 0 строк, а не ошибку.
func (r *orderRepository) Add(ctx context.Context, order *domain.Order) (int64, error) {
	details, err := json.Marshal(order.ShippingDetails)
	if err != nil {
		return 0, fmt.Errorf("marshal shipping details: %w", err)
	}

	var affected int64
	err = r.store.withinTx(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		q := r.store.conn(ctx)

		var id int64
		err := q.QueryRowContext(opCtx, `
			INSERT INTO orders (
				order_number, user_id, shipping_method, shipping_details, coupon_code,
				sub_total, shipping, discount, total, currency, is_paid, status,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,NULLIF($5, ''),$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (order_number) DO NOTHING
			RETURNING id
		`,
			order.OrderNumber, order.UserID, order.ShippingMethod, details, order.CouponCode,
			order.SubTotal, order.Shipping, order.Discount, order.Total, order.Currency,
			order.IsPaid, string(order.Status), order.CreatedAt, order.UpdatedAt,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			if _, err := q.ExecContext(opCtx, `
				INSERT INTO order_items (order_id, product_id, quantity, unit_price)
				VALUES ($1,$2,$3,$4)
			`, id, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		order.ID = id
		affected = 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Update меняет только изменяемые поля заказа: статус и флаг оплаты.
func (r *orderRepository) Update(ctx context.Context, order domain.Order) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.store.conn(ctx).ExecContext(ctx, `
		UPDATE orders
		SET is_paid = $2,
		    status = $3,
		    updated_at = $4
		WHERE id = $1
	`, order.ID, order.IsPaid, string(order.Status), order.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("update order: %w", err)
	}
	return rowsAffected(res, "update order")
}

func (r *orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	q := r.store.conn(ctx)

	var (
		order     domain.Order
		statusRaw string
		details   []byte
		coupon    sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, order_number, user_id, shipping_method, shipping_details, coupon_code,
		       sub_total, shipping, discount, total, currency, is_paid, status,
		       created_at, updated_at
		FROM orders
		WHERE id = $1`+r.store.forUpdate(ctx), id,
	).Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &order.ShippingMethod, &details, &coupon,
		&order.SubTotal, &order.Shipping, &order.Discount, &order.Total, &order.Currency,
		&order.IsPaid, &statusRaw, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	order.Status = domain.OrderStatus(statusRaw)
	if !order.Status.Valid() {
		return domain.Order{}, fmt.Errorf("invalid order status %q for order %d", statusRaw, id)
	}
	order.CouponCode = coupon.String
	if len(details) > 0 {
		if err := json.Unmarshal(details, &order.ShippingDetails); err != nil {
			return domain.Order{}, fmt.Errorf("decode shipping details: %w", err)
		}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return domain.Order{}, fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, fmt.Errorf("iterate order items: %w", err)
	}

	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
