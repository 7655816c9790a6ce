// Package order реализует workflow заказа: оформление, смену статуса и возврат остатков.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	orderNumberPrefix   = "Ord-"
	orderNumberLength   = 6
	orderNumberAttempts = 3
	defaultCurrency     = "USD"
)

// Spec — входные данные для оформления заказа.
type Spec struct {
	UserID          string
	ShippingMethod  string
	CouponCode      string
	ShippingDetails domain.ShippingDetails
	// Items — количество по идентификатору товара.
	Items map[int64]int32
}

// Option настраивает Workflow.
type Option func(*Workflow)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithCurrency задаёт валюту заказов.
func WithCurrency(currency string) Option {
	return func(w *Workflow) {
		if currency != "" {
			w.currency = currency
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithNumberGenerator подменяет генератор номеров заказов.
func WithNumberGenerator(next func() string) Option {
	return func(w *Workflow) {
		if next != nil {
			w.nextNumber = next
		}
	}
}

// Workflow изменяет заказы только через методы агрегата domain.Order.
type Workflow struct {
	orders     domain.OrderRepository
	products   domain.ProductRepository
	shipping   domain.ShippingMethodLookup
	coupons    domain.CouponLookup
	currency   string
	logger     *log.Entry
	now        func() time.Time
	nextNumber func() string
}

// NewWorkflow создаёт workflow заказа.
func NewWorkflow(
	orders domain.OrderRepository,
	products domain.ProductRepository,
	shipping domain.ShippingMethodLookup,
	coupons domain.CouponLookup,
	opts ...Option,
) *Workflow {
	w := &Workflow{
		orders:     orders,
		products:   products,
		shipping:   shipping,
		coupons:    coupons,
		currency:   defaultCurrency,
		logger:     log.WithField("component", "order-workflow"),
		now:        func() time.Time { return time.Now().UTC() },
		nextNumber: NewOrderNumber,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewOrderNumber генерирует номер вида Ord-XXXXXX.
func NewOrderNumber() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return orderNumberPrefix + strings.ToUpper(raw[:orderNumberLength])
}

// CreateOrder проверяет позиции, доставку и купон, фиксирует цены, списывает остатки
// и сохраняет заказ в статусе Processing. Все нарушения собираются в один ValidationError.
func (w *Workflow) CreateOrder(ctx context.Context, spec Spec) (domain.Order, error) {
	productIDs := sortedProductIDs(spec.Items)

	var problems []error
	if len(productIDs) == 0 {
		problems = append(problems, domain.ErrItemsRequired)
	}
	if strings.TrimSpace(spec.UserID) == "" {
		problems = append(problems, domain.ErrUserIDRequired)
	}
	for _, id := range productIDs {
		if spec.Items[id] <= 0 {
			problems = append(problems, &domain.ItemError{ProductID: id, Err: domain.ErrQuantityInvalid})
		}
	}

	method, err := w.shipping.GetByName(ctx, spec.ShippingMethod)
	switch {
	case errors.Is(err, domain.ErrShippingMethodNotFound):
		problems = append(problems, domain.ErrShippingMethodNotFound)
	case err != nil:
		return domain.Order{}, fmt.Errorf("lookup shipping method: %w", err)
	}

	now := w.now()
	var coupon *domain.Coupon
	if spec.CouponCode != "" {
		c, err := w.coupons.GetByCode(ctx, spec.CouponCode)
		switch {
		case errors.Is(err, domain.ErrCouponNotFound):
			problems = append(problems, domain.ErrCouponNotFound)
		case err != nil:
			return domain.Order{}, fmt.Errorf("lookup coupon: %w", err)
		case c.Expired(now):
			problems = append(problems, domain.ErrCouponExpired)
		default:
			coupon = &c
		}
	}

	products, err := w.products.GetByIDs(ctx, productIDs)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load products: %w", err)
	}

	items := make([]domain.OrderItem, 0, len(productIDs))
	subTotal := decimal.Zero
	for _, id := range productIDs {
		qty := spec.Items[id]
		product, ok := products[id]
		switch {
		case !ok:
			problems = append(problems, &domain.ItemError{ProductID: id, Err: domain.ErrProductNotFound})
			continue
		case qty > 0 && product.Stock < qty:
			problems = append(problems, &domain.ItemError{ProductID: id, Err: domain.ErrInsufficientStock})
			continue
		}
		item := domain.OrderItem{ProductID: id, Quantity: qty, UnitPrice: product.Price}
		items = append(items, item)
		subTotal = subTotal.Add(item.LineTotal())
	}

	if err := domain.NewValidationError(problems...); err != nil {
		return domain.Order{}, err
	}

	discount := decimal.Zero
	if coupon != nil {
		discount = coupon.DiscountFor(subTotal)
		spec.CouponCode = coupon.Code
	}

	number, err := w.allocateNumber(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		OrderNumber:     number,
		UserID:          spec.UserID,
		Items:           items,
		ShippingMethod:  method.Name,
		ShippingDetails: spec.ShippingDetails,
		CouponCode:      spec.CouponCode,
		SubTotal:        subTotal,
		Shipping:        method.Cost,
		Discount:        discount,
		Total:           domain.ComputeTotal(subTotal, method.Cost, discount),
		Currency:        w.currency,
		Status:          domain.OrderStatusProcessing,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, item := range items {
		affected, err := w.products.AdjustStock(ctx, item.ProductID, -item.Quantity)
		if err != nil {
			return domain.Order{}, fmt.Errorf("reserve stock for product %d: %w", item.ProductID, err)
		}
		if affected == 0 {
			return domain.Order{}, domain.NewValidationError(&domain.ItemError{ProductID: item.ProductID, Err: domain.ErrInsufficientStock})
		}
	}

	affected, err := w.orders.Add(ctx, &order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("add order: %w", err)
	}
	if affected == 0 {
		return domain.Order{}, domain.ErrPersistence
	}

	w.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.Total.StringFixed(2),
	}).Info("order created")
	return order, nil
}

func (w *Workflow) allocateNumber(ctx context.Context) (string, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		number := w.nextNumber()
		exists, err := w.orders.NumberExists(ctx, number)
		if err != nil {
			return "", fmt.Errorf("check order number: %w", err)
		}
		if !exists {
			return number, nil
		}
	}
	return "", fmt.Errorf("allocate order number after %d attempts: %w", orderNumberAttempts, domain.ErrPersistence)
}

// MarkPaid переводит заказ в Paid.
func (w *Workflow) MarkPaid(ctx context.Context, orderID int64) error {
	return w.transition(ctx, orderID, (*domain.Order).MarkPaid)
}

// MarkFailed переводит заказ в Failed.
func (w *Workflow) MarkFailed(ctx context.Context, orderID int64) error {
	return w.transition(ctx, orderID, (*domain.Order).MarkFailed)
}

// MarkCancelled переводит заказ в Cancelled.
func (w *Workflow) MarkCancelled(ctx context.Context, orderID int64) error {
	return w.transition(ctx, orderID, (*domain.Order).MarkCancelled)
}

func (w *Workflow) transition(ctx context.Context, orderID int64, apply func(*domain.Order, time.Time) error) error {
	order, err := w.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := apply(&order, w.now()); err != nil {
		return err
	}

	affected, err := w.orders.Update(ctx, order)
	if err != nil {
		return fmt.Errorf("update order %d: %w", orderID, err)
	}
	if affected == 0 {
		return domain.ErrPersistence
	}
	return nil
}

// ReleaseReservedStock возвращает на склад количество по всем позициям заказа.
// Никогда не возвращает ошибку: false означает, что вызывающий должен откатить транзакцию.
func (w *Workflow) ReleaseReservedStock(ctx context.Context, orderID int64) bool {
	entry := w.logger.WithField("order_id", orderID)

	order, err := w.orders.Get(ctx, orderID)
	if err != nil {
		entry.WithError(err).Warn("cannot load order to release stock")
		return false
	}

	for _, item := range order.Items {
		affected, err := w.products.AdjustStock(ctx, item.ProductID, item.Quantity)
		if err != nil {
			entry.WithError(err).WithField("product_id", item.ProductID).Warn("stock release failed")
			return false
		}
		if affected == 0 {
			entry.WithField("product_id", item.ProductID).Warn("stock release affected no rows")
			return false
		}
	}

	entry.Info("reserved stock released")
	return true
}

func sortedProductIDs(items map[int64]int32) []int64 {
	ids := make([]int64, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
