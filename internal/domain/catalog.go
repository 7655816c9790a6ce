package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product — позиция каталога со складским остатком.
type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
	Stock int32
}

// ShippingMethod — способ доставки с фиксированной стоимостью.
type ShippingMethod struct {
	Name string
	Cost decimal.Decimal
}

// Coupon — скидочный купон в процентах от суммы товаров.
type Coupon struct {
	Code            string
	DiscountPercent decimal.Decimal
	ExpiresAt       *time.Time
}

// Expired сообщает, истёк ли купон к моменту now.
func (c Coupon) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// DiscountFor считает скидку, округлённую до копеек и не больше subTotal.
func (c Coupon) DiscountFor(subTotal decimal.Decimal) decimal.Decimal {
	discount := subTotal.Mul(c.DiscountPercent).Div(decimal.NewFromInt(100)).Round(2)
	if discount.GreaterThan(subTotal) {
		return subTotal
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}
