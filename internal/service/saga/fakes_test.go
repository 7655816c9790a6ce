package saga

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
)

// callLog общий для всех фейков, чтобы проверять глобальный порядок вызовов.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.list() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeTx struct {
	log      *callLog
	beginErr error
}

type fakeTxKey struct{}

func (t *fakeTx) Begin(ctx context.Context) (context.Context, error) {
	t.log.add("begin")
	if t.beginErr != nil {
		return ctx, t.beginErr
	}
	return context.WithValue(ctx, fakeTxKey{}, true), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.log.add("commit")
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.log.add("rollback")
	return nil
}

type fakeOrders struct {
	log         *callLog
	createErr   error
	createPanic bool
	markErr     error
}

func (f *fakeOrders) CreateOrder(_ context.Context, spec order.Spec) (domain.Order, error) {
	f.log.add("create_order")
	if f.createPanic {
		panic("catalog exploded")
	}
	if f.createErr != nil {
		return domain.Order{}, f.createErr
	}
	return domain.Order{
		ID:          42,
		OrderNumber: "Ord-ABC123",
		UserID:      spec.UserID,
		Total:       decimal.RequireFromString("112.81"),
		Currency:    "USD",
		Status:      domain.OrderStatusProcessing,
	}, nil
}

func (f *fakeOrders) MarkPaid(context.Context, int64) error {
	f.log.add("mark_paid")
	return f.markErr
}

func (f *fakeOrders) MarkFailed(context.Context, int64) error {
	f.log.add("mark_failed")
	return f.markErr
}

func (f *fakeOrders) MarkCancelled(context.Context, int64) error {
	f.log.add("mark_cancelled")
	return f.markErr
}

type fakeReservations struct {
	log        *callLog
	createErr  error
	consumeErr error
	paymentFor domain.PaymentType
}

func (f *fakeReservations) CreateReservation(_ context.Context, _ int64, paymentType domain.PaymentType) (domain.InventoryReservation, error) {
	f.log.add("create_reservation")
	f.paymentFor = paymentType
	if f.createErr != nil {
		return domain.InventoryReservation{}, f.createErr
	}
	return domain.InventoryReservation{ID: 1, OrderID: 42, Status: domain.ReservationStatusActive}, nil
}

func (f *fakeReservations) MarkConsumed(context.Context, int64) error {
	f.log.add("mark_consumed")
	return f.consumeErr
}

func (f *fakeReservations) ReleaseIfActive(context.Context, int64) (bool, error) {
	f.log.add("release_if_active")
	return true, nil
}

type fakePayments struct {
	log          *callLog
	mu           sync.Mutex
	fulfilled    bool
	createErr    error
	confirmErr   error
	closeErr     error
	resolveOK    bool
	confirmDelay time.Duration
	lastSpec     payment.Spec
}

func newFakePayments(log *callLog) *fakePayments {
	return &fakePayments{log: log, resolveOK: true}
}

func (f *fakePayments) CreatePayment(_ context.Context, spec payment.Spec) (domain.Payment, error) {
	f.log.add("create_payment")
	f.lastSpec = spec
	if f.createErr != nil {
		return domain.Payment{}, f.createErr
	}
	return domain.Payment{ID: 7, OrderID: spec.OrderID, Amount: spec.Amount}, nil
}

func (f *fakePayments) ConfirmPayment(context.Context, int64, string, decimal.Decimal) error {
	f.log.add("confirm_payment")
	if f.confirmDelay > 0 {
		time.Sleep(f.confirmDelay)
	}
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.mu.Lock()
	f.fulfilled = true
	f.mu.Unlock()
	return nil
}

func (f *fakePayments) FailPayment(context.Context, int64, string) (int64, error) {
	f.log.add("fail_payment")
	return 42, f.closeErr
}

func (f *fakePayments) CancelPayment(context.Context, int64, string) (int64, error) {
	f.log.add("cancel_payment")
	return 42, f.closeErr
}

func (f *fakePayments) IsFulfilled(context.Context, int64) (bool, error) {
	f.log.add("is_fulfilled")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fulfilled, nil
}

func (f *fakePayments) OrderIDByPaymentID(context.Context, int64) (int64, bool, error) {
	f.log.add("resolve_order")
	if !f.resolveOK {
		return 0, false, nil
	}
	return 42, true, nil
}

type fakeEvents struct {
	log *callLog
}

func (f *fakeEvents) Record(_ context.Context, eventType string, _ int64, _ any) error {
	f.log.add("record:" + eventType)
	return nil
}

type fakeScheduler struct {
	log *callLog
	err error
	mu  sync.Mutex
	job []domain.Job
}

func (f *fakeScheduler) ScheduleOnce(context.Context, domain.Job, time.Duration) error {
	f.log.add("schedule_once")
	return f.err
}

func (f *fakeScheduler) Enqueue(_ context.Context, job domain.Job) error {
	f.log.add("enqueue")
	f.mu.Lock()
	f.job = append(f.job, job)
	f.mu.Unlock()
	return f.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	ok   bool
}

func (n *recordingNotifier) Send(_ context.Context, msg domain.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.ok
}

func (n *recordingNotifier) messages() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.sent...)
}
