package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Catalog читает справочники и меняет складские остатки.
type Catalog struct {
	store *Store
}

// NewCatalog возвращает каталог поверх store.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{store: store}
}

func (c *Catalog) GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := c.store.conn(ctx).QueryContext(ctx, `
		SELECT id, name, price, stock
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}

	return result, nil
}

// AdjustStock атомарно меняет остаток; условие в WHERE не даёт уйти в минус.
func (c *Catalog) AdjustStock(ctx context.Context, productID int64, delta int32) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := c.store.conn(ctx).ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2
		WHERE id = $1 AND stock + $2 >= 0
	`, productID, delta)
	if err != nil {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}
	return rowsAffected(res, "adjust stock")
}

// PutProduct добавляет или заменяет товар.
func (c *Catalog) PutProduct(ctx context.Context, product domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.store.conn(ctx).ExecContext(ctx, `
		INSERT INTO products (id, name, price, stock)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock
	`, product.ID, product.Name, product.Price, product.Stock); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// PutShippingMethod добавляет или заменяет способ доставки.
func (c *Catalog) PutShippingMethod(ctx context.Context, method domain.ShippingMethod) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.store.conn(ctx).ExecContext(ctx, `
		INSERT INTO shipping_methods (name, cost)
		VALUES ($1,$2)
		ON CONFLICT (name) DO UPDATE SET cost = EXCLUDED.cost
	`, method.Name, method.Cost); err != nil {
		return fmt.Errorf("upsert shipping method: %w", err)
	}
	return nil
}

// PutCoupon добавляет или заменяет купон.
func (c *Catalog) PutCoupon(ctx context.Context, coupon domain.Coupon) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.store.conn(ctx).ExecContext(ctx, `
		INSERT INTO coupons (code, discount_percent, expires_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (code) DO UPDATE
		SET discount_percent = EXCLUDED.discount_percent, expires_at = EXCLUDED.expires_at
	`, coupon.Code, coupon.DiscountPercent, coupon.ExpiresAt); err != nil {
		return fmt.Errorf("upsert coupon: %w", err)
	}
	return nil
}

// PutUserEmail привязывает email к пользователю.
func (c *Catalog) PutUserEmail(ctx context.Context, userID, email string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.store.conn(ctx).ExecContext(ctx, `
		INSERT INTO users (id, email)
		VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
	`, userID, email); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// ShippingMethods возвращает lookup способов доставки.
func (c *Catalog) ShippingMethods() domain.ShippingMethodLookup { return shippingLookup{c.store} }

// Coupons возвращает lookup купонов.
func (c *Catalog) Coupons() domain.CouponLookup { return couponLookup{c.store} }

// Users возвращает справочник адресов пользователей.
func (c *Catalog) Users() domain.UserDirectory { return userDirectory{c.store} }

type shippingLookup struct{ store *Store }

func (l shippingLookup) GetByName(ctx context.Context, name string) (domain.ShippingMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	method := domain.ShippingMethod{Name: name}
	err := l.store.conn(ctx).QueryRowContext(ctx,
		`SELECT cost FROM shipping_methods WHERE name = $1`, name,
	).Scan(&method.Cost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ShippingMethod{}, domain.ErrShippingMethodNotFound
		}
		return domain.ShippingMethod{}, fmt.Errorf("select shipping method: %w", err)
	}
	return method, nil
}

type couponLookup struct{ store *Store }

func (l couponLookup) GetByCode(ctx context.Context, code string) (domain.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		coupon    = domain.Coupon{Code: code}
		expiresAt sql.NullTime
	)
	err := l.store.conn(ctx).QueryRowContext(ctx,
		`SELECT discount_percent, expires_at FROM coupons WHERE code = $1`, code,
	).Scan(&coupon.DiscountPercent, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Coupon{}, domain.ErrCouponNotFound
		}
		return domain.Coupon{}, fmt.Errorf("select coupon: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		coupon.ExpiresAt = &t
	}
	return coupon, nil
}

type userDirectory struct{ store *Store }

func (d userDirectory) EmailFor(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var email string
	err := d.store.conn(ctx).QueryRowContext(ctx,
		`SELECT email FROM users WHERE id = $1`, userID,
	).Scan(&email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrUserNotFound
		}
		return "", fmt.Errorf("select user email: %w", err)
	}
	return email, nil
}

var _ domain.ProductRepository = (*Catalog)(nil)
