package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type fixture struct {
	store    *memory.Store
	catalog  *memory.Catalog
	orders   domain.OrderRepository
	workflow *Workflow
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := memory.NewStore()
	catalog := memory.NewCatalog(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)

	require.NoError(t, catalog.PutProduct(ctx, domain.Product{ID: 1, Name: "Keyboard", Price: decimal.RequireFromString("49.90"), Stock: 10}))
	require.NoError(t, catalog.PutProduct(ctx, domain.Product{ID: 2, Name: "Mouse", Price: decimal.RequireFromString("19.99"), Stock: 1}))
	require.NoError(t, catalog.PutShippingMethod(ctx, domain.ShippingMethod{Name: "Courier", Cost: decimal.RequireFromString("5.00")}))
	require.NoError(t, catalog.PutCoupon(ctx, domain.Coupon{Code: "TEN", DiscountPercent: decimal.NewFromInt(10)}))
	require.NoError(t, catalog.PutCoupon(ctx, domain.Coupon{Code: "OLD", DiscountPercent: decimal.NewFromInt(50), ExpiresAt: &expired}))

	orders := memory.NewOrderRepository(store)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return &fixture{
		store:    store,
		catalog:  catalog,
		orders:   orders,
		workflow: NewWorkflow(orders, catalog, catalog.ShippingMethods(), catalog.Coupons(), opts...),
		now:      now,
	}
}

func (f *fixture) stock(t *testing.T, id int64) int32 {
	t.Helper()
	products, err := f.catalog.GetByIDs(context.Background(), []int64{id})
	require.NoError(t, err)
	return products[id].Stock
}

func TestCreateOrder_ComputesTotalsAndReservesStock(t *testing.T) {
	f := newFixture(t, WithCurrency("EUR"))

	order, err := f.workflow.CreateOrder(context.Background(), Spec{
		UserID:         "user-1",
		ShippingMethod: "Courier",
		CouponCode:     "TEN",
		Items:          map[int64]int32{1: 2, 2: 1},
	})
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.Regexp(t, `^Ord-[0-9A-F]{6}$`, order.OrderNumber)
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.False(t, order.IsPaid)
	assert.Equal(t, "EUR", order.Currency)
	assert.Equal(t, "119.79", order.SubTotal.StringFixed(2))
	assert.Equal(t, "11.98", order.Discount.StringFixed(2))
	assert.Equal(t, "112.81", order.Total.StringFixed(2))
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(1), order.Items[0].ProductID)

	assert.EqualValues(t, 8, f.stock(t, 1))
	assert.EqualValues(t, 0, f.stock(t, 2))
}

func TestCreateOrder_AggregatesAllViolations(t *testing.T) {
	f := newFixture(t)

	_, err := f.workflow.CreateOrder(context.Background(), Spec{
		UserID:         "",
		ShippingMethod: "Teleport",
		CouponCode:     "OLD",
		Items:          map[int64]int32{1: 0, 2: 5, 99: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	messages := domain.ErrorMessages(err)
	assert.ElementsMatch(t, []string{
		domain.ErrUserIDRequired.Error(),
		"Product 1: " + domain.ErrQuantityInvalid.Error(),
		domain.ErrShippingMethodNotFound.Error(),
		domain.ErrCouponExpired.Error(),
		"Product 2: " + domain.ErrInsufficientStock.Error(),
		"Product 99: " + domain.ErrProductNotFound.Error(),
	}, messages)

	assert.EqualValues(t, 10, f.stock(t, 1), "no side effects on validation failure")
}

func TestCreateOrder_EmptyItems(t *testing.T) {
	f := newFixture(t)

	_, err := f.workflow.CreateOrder(context.Background(), Spec{UserID: "u", ShippingMethod: "Courier"})
	assert.ErrorIs(t, err, domain.ErrItemsRequired)
}

func TestCreateOrder_RetriesTakenOrderNumber(t *testing.T) {
	numbers := []string{"Ord-AAAAAA", "Ord-AAAAAA", "Ord-BBBBBB"}
	next := func() string {
		n := numbers[0]
		numbers = numbers[1:]
		return n
	}
	f := newFixture(t, WithNumberGenerator(next))
	spec := Spec{UserID: "u", ShippingMethod: "Courier", Items: map[int64]int32{1: 1}}

	first, err := f.workflow.CreateOrder(context.Background(), spec)
	require.NoError(t, err)
	second, err := f.workflow.CreateOrder(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, "Ord-AAAAAA", first.OrderNumber)
	assert.Equal(t, "Ord-BBBBBB", second.OrderNumber)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := Spec{UserID: "u", ShippingMethod: "Courier", Items: map[int64]int32{1: 1}}

	paid, err := f.workflow.CreateOrder(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, f.workflow.MarkPaid(ctx, paid.ID))
	assert.ErrorIs(t, f.workflow.MarkPaid(ctx, paid.ID), domain.ErrOrderAlreadyPaid)
	assert.ErrorIs(t, f.workflow.MarkFailed(ctx, paid.ID), domain.ErrInvalidTransition)
	assert.ErrorIs(t, f.workflow.MarkCancelled(ctx, paid.ID), domain.ErrInvalidTransition)

	stored, err := f.orders.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPaid)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)

	failed, err := f.workflow.CreateOrder(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, f.workflow.MarkFailed(ctx, failed.ID))
	assert.ErrorIs(t, f.workflow.MarkFailed(ctx, failed.ID), domain.ErrOrderAlreadyFailed)

	cancelled, err := f.workflow.CreateOrder(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, f.workflow.MarkCancelled(ctx, cancelled.ID))
	assert.ErrorIs(t, f.workflow.MarkCancelled(ctx, cancelled.ID), domain.ErrOrderAlreadyCancelled)

	assert.ErrorIs(t, f.workflow.MarkPaid(ctx, 404), domain.ErrOrderNotFound)
}

func TestReleaseReservedStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.workflow.CreateOrder(ctx, Spec{UserID: "u", ShippingMethod: "Courier", Items: map[int64]int32{1: 3}})
	require.NoError(t, err)
	require.EqualValues(t, 7, f.stock(t, 1))

	assert.True(t, f.workflow.ReleaseReservedStock(ctx, order.ID))
	assert.EqualValues(t, 10, f.stock(t, 1))

	assert.False(t, f.workflow.ReleaseReservedStock(ctx, 404), "missing order reports false instead of error")
}
