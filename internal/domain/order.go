package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusProcessing — заказ создан и ждёт оплаты.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPaid — оплата подтверждена.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCancelled — платёж отменён.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFailed — платёж не прошёл.
	OrderStatusFailed OrderStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ProductID int64
	Quantity  int32
	// UnitPrice фиксируется на момент оформления.
	UnitPrice decimal.Decimal
}

// LineTotal возвращает стоимость позиции.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt32(i.Quantity))
}

// ShippingDetails — адрес доставки, проверенный на входе.
type ShippingDetails struct {
	FullName   string `json:"full_name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID              int64
	OrderNumber     string
	UserID          string
	Items           []OrderItem
	ShippingMethod  string
	ShippingDetails ShippingDetails
	CouponCode      string
	SubTotal        decimal.Decimal
	Shipping        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	Currency        string
	IsPaid          bool
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ComputeTotal считает Total = SubTotal + Shipping - Discount.
func ComputeTotal(subTotal, shipping, discount decimal.Decimal) decimal.Decimal {
	return subTotal.Add(shipping).Sub(discount)
}

// MarkPaid переводит заказ в Paid.
func (o *Order) MarkPaid(now time.Time) error {
	if o.IsPaid {
		return ErrOrderAlreadyPaid
	}
	if o.Status != OrderStatusProcessing {
		return ErrInvalidTransition
	}
	o.IsPaid = true
	o.Status = OrderStatusPaid
	o.UpdatedAt = now
	return nil
}

// MarkFailed переводит заказ в Failed.
func (o *Order) MarkFailed(now time.Time) error {
	switch o.Status {
	case OrderStatusFailed:
		return ErrOrderAlreadyFailed
	case OrderStatusProcessing:
	default:
		return ErrInvalidTransition
	}
	o.Status = OrderStatusFailed
	o.UpdatedAt = now
	return nil
}

// MarkCancelled переводит заказ в Cancelled.
func (o *Order) MarkCancelled(now time.Time) error {
	switch o.Status {
	case OrderStatusCancelled:
		return ErrOrderAlreadyCancelled
	case OrderStatusProcessing:
	default:
		return ErrInvalidTransition
	}
	o.Status = OrderStatusCancelled
	o.UpdatedAt = now
	return nil
}
