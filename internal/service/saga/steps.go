// Package saga содержит оркестраторы оформления заказа и обработки ответа платёжного шлюза.
// Каждая группа шагов выполняется в одной транзакции TxManager.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
)

// OrderWorkflow — шаги заказа, которые вызывают саги.
type OrderWorkflow interface {
	CreateOrder(ctx context.Context, spec order.Spec) (domain.Order, error)
	MarkPaid(ctx context.Context, orderID int64) error
	MarkFailed(ctx context.Context, orderID int64) error
	MarkCancelled(ctx context.Context, orderID int64) error
}

// ReservationWorkflow — шаги резерва.
type ReservationWorkflow interface {
	CreateReservation(ctx context.Context, orderID int64, paymentType domain.PaymentType) (domain.InventoryReservation, error)
	MarkConsumed(ctx context.Context, orderID int64) error
	ReleaseIfActive(ctx context.Context, orderID int64) (bool, error)
}

// PaymentWorkflow — шаги платежа.
type PaymentWorkflow interface {
	CreatePayment(ctx context.Context, spec payment.Spec) (domain.Payment, error)
	ConfirmPayment(ctx context.Context, paymentID int64, providerTxnID string, amount decimal.Decimal) error
	FailPayment(ctx context.Context, paymentID int64, providerTxnID string) (int64, error)
	CancelPayment(ctx context.Context, paymentID int64, providerTxnID string) (int64, error)
	IsFulfilled(ctx context.Context, paymentID int64) (bool, error)
	OrderIDByPaymentID(ctx context.Context, paymentID int64) (int64, bool, error)
}

// EventRecorder пишет событие заказа в outbox текущей транзакции.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, orderID int64, payload any) error
}

// run — одно исполнение саги: транзакция, метрики и перевод непредвиденных ошибок в ErrUnexpected.
type run struct {
	saga     string
	tx       domain.TxManager
	metrics  *metrics.SagaMetrics
	logger   *log.Entry
	txCtx    context.Context
	result   string
	finish   func(string)
	began    bool
	finished bool
}

func startRun(saga string, tx domain.TxManager, m *metrics.SagaMetrics, logger *log.Entry) *run {
	return &run{
		saga:    saga,
		tx:      tx,
		metrics: m,
		logger:  logger.WithField("saga", saga),
		result:  metrics.ResultUnexpected,
		finish:  m.Start(saga),
	}
}

func (r *run) begin(ctx context.Context) error {
	txCtx, err := r.tx.Begin(ctx)
	if err != nil {
		return r.unexpected("begin", err)
	}
	r.txCtx = txCtx
	r.began = true
	return nil
}

// step выполняет шаг и пишет его длительность.
func (r *run) step(name domain.SagaStep, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := fn(r.txCtx)
	r.metrics.RecordStepDuration(r.saga, string(name), time.Since(started))
	if err != nil {
		return r.fail(name, err)
	}
	return nil
}

func (r *run) commit() error {
	started := time.Now()
	err := r.tx.Commit(r.txCtx)
	r.metrics.RecordStepDuration(r.saga, string(domain.SagaStepCommit), time.Since(started))
	if err != nil {
		return r.unexpected(string(domain.SagaStepCommit), err)
	}
	r.began = false
	r.result = metrics.ResultCommitted
	return nil
}

// fail классифицирует ошибку шага: бизнес-ошибка уходит клиенту, остальное скрывается.
func (r *run) fail(step domain.SagaStep, err error) error {
	if domain.IsBusinessError(err) {
		r.result = metrics.ResultRejected
		r.logger.WithError(err).WithField("step", step).Warn("saga step rejected")
		return err
	}
	return r.unexpected(string(step), err)
}

func (r *run) unexpected(step string, err error) error {
	r.result = metrics.ResultUnexpected
	r.logger.WithError(err).WithField("step", step).Error("saga step failed unexpectedly")
	return domain.ErrUnexpected
}

// end откатывает незакоммиченную транзакцию и закрывает метрики. Вызывается через defer
// вместе с recover: паника шага превращается в ErrUnexpected.
func (r *run) end(recovered any, errp *error) {
	if r.finished {
		return
	}
	r.finished = true
	if recovered != nil {
		*errp = r.unexpected("panic", fmt.Errorf("panic: %v", recovered))
	}
	if r.began {
		if err := r.tx.Rollback(r.txCtx); err != nil {
			r.logger.WithError(err).Warn("saga rollback failed")
		}
	}
	r.finish(r.result)
}
