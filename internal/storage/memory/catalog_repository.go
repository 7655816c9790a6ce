package memory

import (
	"context"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Catalog — in-memory каталог: товары, способы доставки, купоны и адреса пользователей.
type Catalog struct {
	store *Store
}

// NewCatalog возвращает каталог поверх store.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{store: store}
}

// PutProduct добавляет или заменяет товар (используется для наполнения и в тестах).
func (c *Catalog) PutProduct(ctx context.Context, product domain.Product) error {
	return c.store.run(ctx, func(*memTx) error {
		c.store.products[product.ID] = product
		return nil
	})
}

// PutShippingMethod добавляет способ доставки.
func (c *Catalog) PutShippingMethod(ctx context.Context, method domain.ShippingMethod) error {
	return c.store.run(ctx, func(*memTx) error {
		c.store.shipping[method.Name] = method
		return nil
	})
}

// PutCoupon добавляет купон.
func (c *Catalog) PutCoupon(ctx context.Context, coupon domain.Coupon) error {
	return c.store.run(ctx, func(*memTx) error {
		c.store.coupons[coupon.Code] = coupon
		return nil
	})
}

// PutUserEmail привязывает email к пользователю.
func (c *Catalog) PutUserEmail(ctx context.Context, userID, email string) error {
	return c.store.run(ctx, func(*memTx) error {
		c.store.emails[userID] = email
		return nil
	})
}

func (c *Catalog) GetByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	err := c.store.run(ctx, func(*memTx) error {
		for _, id := range ids {
			if product, ok := c.store.products[id]; ok {
				result[id] = product
			}
		}
		return nil
	})
	return result, err
}

func (c *Catalog) AdjustStock(ctx context.Context, productID int64, delta int32) (int64, error) {
	var affected int64
	err := c.store.run(ctx, func(tx *memTx) error {
		product, ok := c.store.products[productID]
		if !ok || product.Stock+delta < 0 {
			return nil
		}
		prev := product.Stock
		product.Stock += delta
		c.store.products[productID] = product
		tx.record(func() {
			p := c.store.products[productID]
			p.Stock = prev
			c.store.products[productID] = p
		})
		affected = 1
		return nil
	})
	return affected, err
}

// ShippingMethods возвращает lookup способов доставки.
func (c *Catalog) ShippingMethods() domain.ShippingMethodLookup { return shippingLookup{c} }

// Coupons возвращает lookup купонов.
func (c *Catalog) Coupons() domain.CouponLookup { return couponLookup{c} }

// Users возвращает справочник адресов пользователей.
func (c *Catalog) Users() domain.UserDirectory { return userDirectory{c} }

type shippingLookup struct{ c *Catalog }

func (l shippingLookup) GetByName(ctx context.Context, name string) (domain.ShippingMethod, error) {
	var method domain.ShippingMethod
	err := l.c.store.run(ctx, func(*memTx) error {
		var ok bool
		if method, ok = l.c.store.shipping[name]; !ok {
			return domain.ErrShippingMethodNotFound
		}
		return nil
	})
	return method, err
}

type couponLookup struct{ c *Catalog }

func (l couponLookup) GetByCode(ctx context.Context, code string) (domain.Coupon, error) {
	var coupon domain.Coupon
	err := l.c.store.run(ctx, func(*memTx) error {
		var ok bool
		if coupon, ok = l.c.store.coupons[code]; !ok {
			return domain.ErrCouponNotFound
		}
		return nil
	})
	return coupon, err
}

type userDirectory struct{ c *Catalog }

func (d userDirectory) EmailFor(ctx context.Context, userID string) (string, error) {
	var email string
	err := d.c.store.run(ctx, func(*memTx) error {
		var ok bool
		if email, ok = d.c.store.emails[userID]; !ok {
			return domain.ErrUserNotFound
		}
		return nil
	})
	return email, err
}

var _ domain.ProductRepository = (*Catalog)(nil)
