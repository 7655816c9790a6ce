package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/scheduler"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type memoryFlow struct {
	store        *memory.Store
	catalog      *memory.Catalog
	orders       domain.OrderRepository
	reservations domain.ReservationRepository
	payments     domain.PaymentRepository
	outbox       domain.OutboxRepository
	inventory    *inventory.Workflow
	checkout     *Checkout
	gateway      *Gateway
	scheduler    *scheduler.Memory
	notifier     *recordingNotifier
}

// newMemoryFlow собирает саги на in-memory хранилище. Окно резерва большое:
// проверку истечения тесты вызывают явно.
func newMemoryFlow(t *testing.T) *memoryFlow {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	catalog := memory.NewCatalog(store)
	require.NoError(t, catalog.PutProduct(ctx, domain.Product{ID: 1, Name: "Keyboard", Price: decimal.RequireFromString("49.90"), Stock: 10}))
	require.NoError(t, catalog.PutShippingMethod(ctx, domain.ShippingMethod{Name: "Courier", Cost: decimal.RequireFromString("5.00")}))
	require.NoError(t, catalog.PutUserEmail(ctx, "user-1", "buyer@example.com"))

	orders := memory.NewOrderRepository(store)
	reservations := memory.NewReservationRepository(store)
	payments := memory.NewPaymentRepository(store)
	outboxRepo := memory.NewOutboxRepository(store)
	recorder := outbox.NewRecorder(outboxRepo)
	sagaMetrics := metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	registry := scheduler.NewRegistry(nil)
	jobs := scheduler.NewMemory(registry, 2, nil)
	t.Cleanup(jobs.Close)

	orderWorkflow := order.NewWorkflow(orders, catalog, catalog.ShippingMethods(), catalog.Coupons())
	inventoryWorkflow := inventory.NewWorkflow(inventory.Config{
		Reservations: reservations,
		Orders:       orders,
		Stock:        orderWorkflow,
		Tx:           store,
		Scheduler:    jobs,
		Events:       recorder,
		Metrics:      sagaMetrics,
		Window:       time.Hour,
	})
	paymentWorkflow := payment.NewWorkflow(payments)
	notifier := &recordingNotifier{ok: true}

	flow := &memoryFlow{
		store:        store,
		catalog:      catalog,
		orders:       orders,
		reservations: reservations,
		payments:     payments,
		outbox:       outboxRepo,
		inventory:    inventoryWorkflow,
		scheduler:    jobs,
		notifier:     notifier,
		checkout: NewCheckout(CheckoutDeps{
			Tx:           store,
			Orders:       orderWorkflow,
			Reservations: inventoryWorkflow,
			Payments:     paymentWorkflow,
			Events:       recorder,
			Metrics:      sagaMetrics,
		}),
		gateway: NewGateway(GatewayDeps{
			Tx:           store,
			Orders:       orderWorkflow,
			Reservations: inventoryWorkflow,
			Payments:     paymentWorkflow,
			Events:       recorder,
			Scheduler:    jobs,
			OrderReader:  orders,
			Users:        catalog.Users(),
			Notifier:     notifier,
			Metrics:      sagaMetrics,
		}),
	}
	registry.Register(domain.JobCheckExpiredReservation, inventoryWorkflow.HandleJob)
	registry.Register(domain.JobSendOrderConfirmation, flow.gateway.HandleConfirmationJob)
	return flow
}

func (f *memoryFlow) place(t *testing.T, provider string) PlaceOrderResult {
	t.Helper()
	result, err := f.checkout.Submit(context.Background(), PlaceOrderRequest{
		UserID:          "user-1",
		ShippingMethod:  "Courier",
		PaymentProvider: provider,
		Items:           map[int64]int32{1: 3},
	})
	require.NoError(t, err)
	return result
}

func (f *memoryFlow) stock(t *testing.T) int32 {
	t.Helper()
	products, err := f.catalog.GetByIDs(context.Background(), []int64{1})
	require.NoError(t, err)
	return products[1].Stock
}

func (f *memoryFlow) reservation(t *testing.T, orderID int64) domain.InventoryReservation {
	t.Helper()
	r, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return r
}

func TestMemoryFlow_CheckoutConfirmAndNotify(t *testing.T) {
	f := newMemoryFlow(t)
	ctx := context.Background()

	placed := f.place(t, "Stripe")
	assert.EqualValues(t, 7, f.stock(t))
	assert.Equal(t, "154.70", placed.Order.Total.StringFixed(2))
	assert.Equal(t, 1, f.scheduler.Pending())

	require.NoError(t, f.gateway.Confirm(ctx, placed.PaymentID, "pi_1", placed.Order.Total))

	stored, err := f.orders.Get(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPaid)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)
	assert.Equal(t, domain.ReservationStatusConsumed, f.reservation(t, placed.Order.ID).Status)

	require.Eventually(t, func() bool { return len(f.notifier.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := f.notifier.messages()[0]
	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Contains(t, msg.Body, placed.Order.OrderNumber)

	// Истечение после подтверждения ничего не меняет.
	f.inventory.CheckExpiredReservation(ctx, placed.Order.ID)
	assert.Equal(t, domain.ReservationStatusConsumed, f.reservation(t, placed.Order.ID).Status)
	assert.EqualValues(t, 7, f.stock(t))

	stats, err := f.outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
}

func TestMemoryFlow_CheckoutRollbackRestoresState(t *testing.T) {
	f := newMemoryFlow(t)

	_, err := f.checkout.Submit(context.Background(), PlaceOrderRequest{
		UserID:          "user-1",
		ShippingMethod:  "Courier",
		PaymentProvider: "Stripe",
		Items:           map[int64]int32{1: 11},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.EqualValues(t, 10, f.stock(t))

	stats, err := f.outbox.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestMemoryFlow_FailReleasesCashOnDeliveryReservation(t *testing.T) {
	f := newMemoryFlow(t)
	ctx := context.Background()

	placed := f.place(t, "CashOnDelivery")
	assert.Nil(t, f.reservation(t, placed.Order.ID).ExpiresAt)
	assert.Zero(t, f.scheduler.Pending())

	require.NoError(t, f.gateway.Fail(ctx, placed.PaymentID, "courier-refused"))

	stored, err := f.orders.Get(ctx, placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, stored.Status)
	assert.Equal(t, domain.ReservationStatusReleased, f.reservation(t, placed.Order.ID).Status)
	assert.EqualValues(t, 10, f.stock(t))

	err = f.gateway.Confirm(ctx, placed.PaymentID, "late", placed.Order.Total)
	require.Error(t, err)
}

func TestMemoryFlow_ConfirmAfterFulfilmentCannotFail(t *testing.T) {
	f := newMemoryFlow(t)
	ctx := context.Background()

	placed := f.place(t, "Stripe")
	require.NoError(t, f.gateway.Confirm(ctx, placed.PaymentID, "pi_1", placed.Order.Total))

	err := f.gateway.Fail(ctx, placed.PaymentID, "pi_late")
	require.EqualError(t, err, "Cannot mark a fulfilled payment as failed.")

	p, err := f.payments.Get(ctx, placed.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccessful, p.Status)
	assert.Equal(t, "pi_1", p.ProviderTransactionID)
}

func TestMemoryFlow_ExpiryRacesConfirmation(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newMemoryFlow(t)
		ctx := context.Background()
		placed := f.place(t, "Stripe")

		var (
			wg         sync.WaitGroup
			confirmErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			confirmErr = f.gateway.Confirm(ctx, placed.PaymentID, "pi_1", placed.Order.Total)
		}()
		go func() {
			defer wg.Done()
			f.inventory.CheckExpiredReservation(ctx, placed.Order.ID)
		}()
		wg.Wait()

		stored, err := f.orders.Get(ctx, placed.Order.ID)
		require.NoError(t, err)
		reservation := f.reservation(t, placed.Order.ID)

		switch reservation.Status {
		case domain.ReservationStatusConsumed:
			require.NoError(t, confirmErr)
			assert.True(t, stored.IsPaid)
			assert.EqualValues(t, 7, f.stock(t))
		case domain.ReservationStatusReleased:
			require.ErrorIs(t, confirmErr, domain.ErrReservationNotActive)
			assert.False(t, stored.IsPaid)
			assert.Equal(t, domain.OrderStatusProcessing, stored.Status)
			assert.EqualValues(t, 10, f.stock(t))
		default:
			t.Fatalf("reservation left in %s", reservation.Status)
		}
	}
}
