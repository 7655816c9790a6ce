package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/notify"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
)

// GatewayDeps — зависимости оркестратора платёжного шлюза.
type GatewayDeps struct {
	Tx           domain.TxManager
	Orders       OrderWorkflow
	Reservations ReservationWorkflow
	Payments     PaymentWorkflow
	Events       EventRecorder
	Scheduler    domain.Scheduler
	// OrderReader, Users и Notifier нужны только для письма о подтверждении.
	OrderReader domain.OrderRepository
	Users       domain.UserDirectory
	Notifier    domain.Notifier
	Metrics     *metrics.SagaMetrics
	Logger      *log.Entry
}

// Gateway обрабатывает подтверждение, отказ и отмену платежа.
// Повторное подтверждение того же платежа безопасно.
type Gateway struct {
	tx           domain.TxManager
	orders       OrderWorkflow
	reservations ReservationWorkflow
	payments     PaymentWorkflow
	events       EventRecorder
	scheduler    domain.Scheduler
	orderReader  domain.OrderRepository
	users        domain.UserDirectory
	notifier     domain.Notifier
	metrics      *metrics.SagaMetrics
	logger       *log.Entry
	inFlight     singleflight.Group
}

// NewGateway создаёт оркестратор платёжного шлюза.
func NewGateway(deps GatewayDeps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-gateway-saga")
	}
	return &Gateway{
		tx:           deps.Tx,
		orders:       deps.Orders,
		reservations: deps.Reservations,
		payments:     deps.Payments,
		events:       deps.Events,
		scheduler:    deps.Scheduler,
		orderReader:  deps.OrderReader,
		users:        deps.Users,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		logger:       logger,
	}
}

// Confirm подтверждает оплату: платёж → заказ Paid → резерв Consumed → commit,
// затем ставит в очередь письмо о подтверждении. Одновременные одинаковые вызовы
// схлопываются в один.
func (g *Gateway) Confirm(ctx context.Context, paymentID int64, providerTxnID string, amount decimal.Decimal) error {
	key := fmt.Sprintf("%d:%s:%s", paymentID, providerTxnID, amount.String())
	_, err, _ := g.inFlight.Do(key, func() (any, error) {
		return nil, g.confirm(ctx, paymentID, providerTxnID, amount)
	})
	return err
}

func (g *Gateway) confirm(ctx context.Context, paymentID int64, providerTxnID string, amount decimal.Decimal) (err error) {
	r := startRun(metrics.SagaConfirm, g.tx, g.metrics, g.logger.WithField("payment_id", paymentID))
	defer func() { r.end(recover(), &err) }()

	fulfilled, err := g.payments.IsFulfilled(ctx, paymentID)
	if err != nil {
		return r.fail(domain.SagaStepConfirmPayment, err)
	}
	if fulfilled {
		r.result = metrics.ResultIdempotent
		r.logger.Info("payment already fulfilled, confirmation is a no-op")
		return nil
	}

	if err := r.begin(ctx); err != nil {
		return err
	}

	var alreadyFulfilled bool
	if err := r.step(domain.SagaStepConfirmPayment, func(ctx context.Context) error {
		err := g.payments.ConfirmPayment(ctx, paymentID, providerTxnID, amount)
		if errors.Is(err, domain.ErrPaymentAlreadyFulfilled) {
			alreadyFulfilled = true
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	if alreadyFulfilled {
		// Параллельное подтверждение успело раньше; транзакция откатывается в end.
		r.result = metrics.ResultIdempotent
		r.logger.Info("payment fulfilled concurrently, confirmation is a no-op")
		return nil
	}

	orderID, err := g.resolveOrder(r, paymentID)
	if err != nil {
		return err
	}
	if err := r.step(domain.SagaStepMarkPaid, func(ctx context.Context) error {
		return g.orders.MarkPaid(ctx, orderID)
	}); err != nil {
		return err
	}
	if err := r.step(domain.SagaStepMarkConsumed, func(ctx context.Context) error {
		if err := g.reservations.MarkConsumed(ctx, orderID); err != nil {
			return err
		}
		return g.record(ctx, outbox.EventOrderPaid, orderID, map[string]any{
			"order_id":                orderID,
			"payment_id":              paymentID,
			"provider_transaction_id": providerTxnID,
			"amount":                  amount.String(),
		})
	}); err != nil {
		return err
	}

	if err := r.commit(); err != nil {
		return err
	}
	g.metrics.RecordOutboxEvent(outbox.EventOrderPaid)
	r.logger.WithField("order_id", orderID).Info("payment confirmed")

	g.enqueueConfirmation(ctx, r.logger, orderID)
	return nil
}

func (g *Gateway) resolveOrder(r *run, paymentID int64) (int64, error) {
	var orderID int64
	err := r.step(domain.SagaStepResolveOrder, func(ctx context.Context) error {
		id, ok, err := g.payments.OrderIDByPaymentID(ctx, paymentID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrOrderResolutionFailed
		}
		orderID = id
		return nil
	})
	return orderID, err
}

func (g *Gateway) enqueueConfirmation(ctx context.Context, logger *log.Entry, orderID int64) {
	if g.scheduler == nil {
		return
	}
	job := domain.Job{ID: uuid.NewString(), Name: domain.JobSendOrderConfirmation, OrderID: orderID}
	if err := g.scheduler.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		logger.WithError(err).WithField("order_id", orderID).Warn("cannot enqueue order confirmation")
	}
}

// Fail фиксирует отказ провайдера: платёж Failed, заказ Failed, активный резерв снимается.
func (g *Gateway) Fail(ctx context.Context, paymentID int64, providerTxnID string) error {
	return g.close(ctx, closeFlow{
		saga:        metrics.SagaFail,
		paymentStep: domain.SagaStepFailPayment,
		orderStep:   domain.SagaStepMarkFailed,
		event:       outbox.EventOrderPaymentFailed,
		closePay:    g.payments.FailPayment,
		markOrder:   g.orders.MarkFailed,
	}, paymentID, providerTxnID)
}

// Cancel фиксирует отмену платежа: платёж Canceled, заказ Cancelled, активный резерв снимается.
func (g *Gateway) Cancel(ctx context.Context, paymentID int64, providerTxnID string) error {
	return g.close(ctx, closeFlow{
		saga:        metrics.SagaCancel,
		paymentStep: domain.SagaStepCancelPayment,
		orderStep:   domain.SagaStepMarkCancelled,
		event:       outbox.EventOrderPaymentCanceled,
		closePay:    g.payments.CancelPayment,
		markOrder:   g.orders.MarkCancelled,
	}, paymentID, providerTxnID)
}

type closeFlow struct {
	saga        string
	paymentStep domain.SagaStep
	orderStep   domain.SagaStep
	event       string
	closePay    func(ctx context.Context, paymentID int64, providerTxnID string) (int64, error)
	markOrder   func(ctx context.Context, orderID int64) error
}

func (g *Gateway) close(ctx context.Context, flow closeFlow, paymentID int64, providerTxnID string) (err error) {
	r := startRun(flow.saga, g.tx, g.metrics, g.logger.WithField("payment_id", paymentID))
	defer func() { r.end(recover(), &err) }()

	if err := r.begin(ctx); err != nil {
		return err
	}

	var orderID int64
	if err := r.step(flow.paymentStep, func(ctx context.Context) error {
		var stepErr error
		orderID, stepErr = flow.closePay(ctx, paymentID, providerTxnID)
		return stepErr
	}); err != nil {
		return err
	}
	if err := r.step(flow.orderStep, func(ctx context.Context) error {
		return flow.markOrder(ctx, orderID)
	}); err != nil {
		return err
	}
	if err := r.step(domain.SagaStepReleaseStock, func(ctx context.Context) error {
		released, err := g.reservations.ReleaseIfActive(ctx, orderID)
		if err != nil {
			return err
		}
		return g.record(ctx, flow.event, orderID, map[string]any{
			"order_id":                orderID,
			"payment_id":              paymentID,
			"provider_transaction_id": providerTxnID,
			"stock_released":          released,
		})
	}); err != nil {
		return err
	}

	if err := r.commit(); err != nil {
		return err
	}
	g.metrics.RecordOutboxEvent(flow.event)
	r.logger.WithField("order_id", orderID).Info("payment closed")
	return nil
}

// SendOrderConfirmationEmail отправляет письмо о подтверждении. Ошибки только логируются.
func (g *Gateway) SendOrderConfirmationEmail(ctx context.Context, orderID int64) {
	entry := g.logger.WithField("order_id", orderID)
	defer func() {
		if rec := recover(); rec != nil {
			entry.WithField("panic", rec).Error("order confirmation panicked")
		}
	}()

	if g.orderReader == nil || g.notifier == nil {
		return
	}

	o, err := g.orderReader.Get(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		entry.Debug("order not found, confirmation skipped")
		return
	}
	if err != nil {
		entry.WithError(err).Warn("cannot load order for confirmation")
		return
	}

	if g.users == nil {
		entry.Warn("user directory is not configured, confirmation skipped")
		return
	}
	to, err := g.users.EmailFor(ctx, o.UserID)
	if err != nil {
		entry.WithError(err).Warn("cannot resolve recipient for confirmation")
		return
	}

	if !g.notifier.Send(ctx, notify.OrderConfirmation(to, o.OrderNumber, o.Total, o.Currency)) {
		entry.Warn("order confirmation was not delivered")
		return
	}
	entry.Info("order confirmation sent")
}

// HandleConfirmationJob адаптирует SendOrderConfirmationEmail к реестру планировщика.
func (g *Gateway) HandleConfirmationJob(ctx context.Context, job domain.Job) error {
	g.SendOrderConfirmationEmail(ctx, job.OrderID)
	return nil
}

func (g *Gateway) record(ctx context.Context, eventType string, orderID int64, payload any) error {
	if g.events == nil {
		return nil
	}
	return g.events.Record(ctx, eventType, orderID, payload)
}
