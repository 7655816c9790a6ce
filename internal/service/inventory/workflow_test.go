package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
)

type scheduledJob struct {
	job   domain.Job
	delay time.Duration
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []scheduledJob
	err       error
}

func (s *recordingScheduler) ScheduleOnce(_ context.Context, job domain.Job, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, scheduledJob{job: job, delay: delay})
	return nil
}

func (s *recordingScheduler) Enqueue(ctx context.Context, job domain.Job) error {
	return s.ScheduleOnce(ctx, job, 0)
}

func (s *recordingScheduler) jobs() []scheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledJob(nil), s.scheduled...)
}

type failingStock struct{ calls int }

func (f *failingStock) ReleaseReservedStock(context.Context, int64) bool {
	f.calls++
	return false
}

type fixture struct {
	store        *memory.Store
	catalog      *memory.Catalog
	orders       domain.OrderRepository
	reservations domain.ReservationRepository
	outbox       domain.OutboxRepository
	scheduler    *recordingScheduler
	workflow     *Workflow
	now          time.Time
}

func newFixture(t *testing.T, stock StockReleaser) *fixture {
	t.Helper()

	store := memory.NewStore()
	catalog := memory.NewCatalog(store)
	orders := memory.NewOrderRepository(store)
	reservations := memory.NewReservationRepository(store)
	outboxRepo := memory.NewOutboxRepository(store)
	scheduler := &recordingScheduler{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, catalog.PutProduct(context.Background(), domain.Product{
		ID: 1, Name: "Keyboard", Price: decimal.RequireFromString("49.90"), Stock: 8,
	}))

	if stock == nil {
		stock = order.NewWorkflow(orders, catalog, catalog.ShippingMethods(), catalog.Coupons())
	}

	return &fixture{
		store:        store,
		catalog:      catalog,
		orders:       orders,
		reservations: reservations,
		outbox:       outboxRepo,
		scheduler:    scheduler,
		now:          now,
		workflow: NewWorkflow(Config{
			Reservations: reservations,
			Orders:       orders,
			Stock:        stock,
			Tx:           store,
			Scheduler:    scheduler,
			Events:       outbox.NewRecorder(outboxRepo),
			Now:          func() time.Time { return now },
		}),
	}
}

// addOrder сохраняет заказ на 2 единицы товара 1; остаток уже списан фикстурой.
func (f *fixture) addOrder(t *testing.T) int64 {
	t.Helper()
	o := domain.Order{
		OrderNumber: order.NewOrderNumber(),
		UserID:      "user-1",
		Items:       []domain.OrderItem{{ProductID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("49.90")}},
		Status:      domain.OrderStatusProcessing,
	}
	affected, err := f.orders.Add(context.Background(), &o)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)
	return o.ID
}

func (f *fixture) stock(t *testing.T) int32 {
	t.Helper()
	products, err := f.catalog.GetByIDs(context.Background(), []int64{1})
	require.NoError(t, err)
	return products[1].Stock
}

func (f *fixture) pendingEvents(t *testing.T) int {
	t.Helper()
	stats, err := f.outbox.Stats(context.Background())
	require.NoError(t, err)
	return stats.PendingCount
}

func TestCreateReservation_CashOnDeliveryNeverExpires(t *testing.T) {
	f := newFixture(t, nil)
	orderID := f.addOrder(t)

	reservation, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeCashOnDelivery)
	require.NoError(t, err)

	assert.NotZero(t, reservation.ID)
	assert.Equal(t, domain.ReservationStatusActive, reservation.Status)
	assert.Nil(t, reservation.ExpiresAt)
	assert.Empty(t, f.scheduler.jobs())
}

func TestCreateReservation_DeferredPaymentSchedulesExpiryCheck(t *testing.T) {
	f := newFixture(t, nil)
	orderID := f.addOrder(t)

	reservation, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.NoError(t, err)

	require.NotNil(t, reservation.ExpiresAt)
	assert.Equal(t, f.now.Add(DefaultReservationWindow), *reservation.ExpiresAt)

	jobs := f.scheduler.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobCheckExpiredReservation, jobs[0].job.Name)
	assert.Equal(t, orderID, jobs[0].job.OrderID)
	assert.Equal(t, DefaultReservationWindow, jobs[0].delay)

	stored, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, f.now.Add(30*time.Minute), *stored.ExpiresAt)
}

func TestCreateReservation_UnknownOrder(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.workflow.CreateReservation(context.Background(), 404, domain.PaymentTypeStripe)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Empty(t, f.scheduler.jobs())
}

func TestCreateReservation_DuplicateIsPersistenceError(t *testing.T) {
	f := newFixture(t, nil)
	orderID := f.addOrder(t)

	_, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeCashOnDelivery)
	require.NoError(t, err)

	_, err = f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Empty(t, f.scheduler.jobs())
}

func TestCreateReservation_SchedulerErrorIsReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.err = errors.New("redis down")
	orderID := f.addOrder(t)

	_, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestMarkConsumed_OnlyFromActive(t *testing.T) {
	f := newFixture(t, nil)
	orderID := f.addOrder(t)
	_, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.NoError(t, err)

	require.NoError(t, f.workflow.MarkConsumed(context.Background(), orderID))

	stored, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusConsumed, stored.Status)

	err = f.workflow.MarkConsumed(context.Background(), orderID)
	require.ErrorIs(t, err, domain.ErrReservationNotActive)
}

func TestCheckExpiredReservation_ReleasesActiveReservation(t *testing.T) {
	f := newFixture(t, nil)
	orderID := f.addOrder(t)
	_, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.NoError(t, err)

	f.workflow.CheckExpiredReservation(context.Background(), orderID)

	stored, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusReleased, stored.Status)
	assert.EqualValues(t, 10, f.stock(t))
	assert.Equal(t, 1, f.pendingEvents(t))
}

func TestCheckExpiredReservation_ConsumedReservationIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	orderID := f.addOrder(t)
	_, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.NoError(t, err)
	require.NoError(t, f.workflow.MarkConsumed(context.Background(), orderID))

	before, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)

	f.workflow.CheckExpiredReservation(context.Background(), orderID)

	after, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.EqualValues(t, 8, f.stock(t))
	assert.Zero(t, f.pendingEvents(t))
}

func TestCheckExpiredReservation_MissingReservationIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	assert.NotPanics(t, func() {
		f.workflow.CheckExpiredReservation(context.Background(), 404)
	})
	assert.EqualValues(t, 8, f.stock(t))
}

func TestCheckExpiredReservation_StockFailureRollsBack(t *testing.T) {
	stock := &failingStock{}
	f := newFixture(t, stock)
	orderID := f.addOrder(t)
	_, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.NoError(t, err)

	f.workflow.CheckExpiredReservation(context.Background(), orderID)

	assert.Equal(t, 1, stock.calls)
	stored, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusActive, stored.Status)
	assert.Zero(t, f.pendingEvents(t))

	// Хранилище свободно: транзакция откатана.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	txCtx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Rollback(txCtx))
}

func TestHandleJob_RunsExpiryCheck(t *testing.T) {
	f := newFixture(t, nil)
	orderID := f.addOrder(t)
	_, err := f.workflow.CreateReservation(context.Background(), orderID, domain.PaymentTypeStripe)
	require.NoError(t, err)

	require.NoError(t, f.workflow.HandleJob(context.Background(), domain.Job{
		Name:    domain.JobCheckExpiredReservation,
		OrderID: orderID,
	}))

	stored, err := f.reservations.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusReleased, stored.Status)
}

type brokenReservations struct {
	domain.ReservationRepository
	err error
}

func (b brokenReservations) GetByOrderID(context.Context, int64) (domain.InventoryReservation, error) {
	return domain.InventoryReservation{}, b.err
}

func TestHandleJob_UnexpectedFailureIsReturnedForRetry(t *testing.T) {
	f := newFixture(t, nil)
	workflow := NewWorkflow(Config{
		Reservations: brokenReservations{ReservationRepository: f.reservations, err: errors.New("connection reset")},
		Orders:       f.orders,
		Stock:        &failingStock{},
		Tx:           f.store,
		Scheduler:    f.scheduler,
	})

	err := workflow.HandleJob(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 1})
	assert.ErrorIs(t, err, domain.ErrUnexpected)

	missing := NewWorkflow(Config{
		Reservations: brokenReservations{ReservationRepository: f.reservations, err: domain.ErrReservationNotFound},
		Orders:       f.orders,
		Stock:        &failingStock{},
		Tx:           f.store,
		Scheduler:    f.scheduler,
	})
	assert.NoError(t, missing.HandleJob(context.Background(), domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: 1}),
		"missing reservation is final, nothing to retry")
}

func TestReleaseIfActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	released, err := f.workflow.ReleaseIfActive(ctx, 404)
	require.NoError(t, err)
	assert.False(t, released)

	orderID := f.addOrder(t)
	_, err = f.workflow.CreateReservation(ctx, orderID, domain.PaymentTypeCashOnDelivery)
	require.NoError(t, err)

	txCtx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	released, err = f.workflow.ReleaseIfActive(txCtx, orderID)
	require.NoError(t, err)
	assert.True(t, released)
	require.NoError(t, f.store.Commit(txCtx))

	assert.EqualValues(t, 10, f.stock(t))

	released, err = f.workflow.ReleaseIfActive(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.EqualValues(t, 10, f.stock(t))
}
