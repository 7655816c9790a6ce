// Package inventory управляет резервом товара под заказ и его истечением.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
)

// DefaultReservationWindow — сколько резерв ждёт онлайн-оплату.
const DefaultReservationWindow = 30 * time.Minute

// StockReleaser возвращает остатки заказа на склад.
type StockReleaser interface {
	ReleaseReservedStock(ctx context.Context, orderID int64) bool
}

// EventRecorder пишет событие заказа в outbox текущей транзакции.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, orderID int64, payload any) error
}

// ExpiryObserver получает результат проверки истечения.
type ExpiryObserver interface {
	Start(saga string) func(result string)
}

// Config содержит зависимости workflow.
type Config struct {
	Reservations domain.ReservationRepository
	Orders       domain.OrderRepository
	Stock        StockReleaser
	Tx           domain.TxManager
	Scheduler    domain.Scheduler
	Events       EventRecorder
	Metrics      ExpiryObserver
	Window       time.Duration
	Logger       *log.Entry
	Now          func() time.Time
}

// Workflow реализует машину состояний Active → Consumed | Released.
type Workflow struct {
	reservations domain.ReservationRepository
	orders       domain.OrderRepository
	stock        StockReleaser
	tx           domain.TxManager
	scheduler    domain.Scheduler
	events       EventRecorder
	metrics      ExpiryObserver
	window       time.Duration
	logger       *log.Entry
	now          func() time.Time
}

// NewWorkflow создаёт workflow резервов.
func NewWorkflow(cfg Config) *Workflow {
	if cfg.Window <= 0 {
		cfg.Window = DefaultReservationWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "inventory-workflow")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Workflow{
		reservations: cfg.Reservations,
		orders:       cfg.Orders,
		stock:        cfg.Stock,
		tx:           cfg.Tx,
		scheduler:    cfg.Scheduler,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		window:       cfg.Window,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Window возвращает настроенное окно ожидания оплаты.
func (w *Workflow) Window() time.Duration {
	return w.window
}

// CreateReservation создаёт активный резерв. Для отложенной оплаты выставляет ExpiresAt
// и регистрирует разовую проверку истечения через то же окно.
func (w *Workflow) CreateReservation(ctx context.Context, orderID int64, paymentType domain.PaymentType) (domain.InventoryReservation, error) {
	exists, err := w.orders.Exists(ctx, orderID)
	if err != nil {
		return domain.InventoryReservation{}, fmt.Errorf("check order %d: %w", orderID, err)
	}
	if !exists {
		return domain.InventoryReservation{}, domain.ErrOrderNotFound
	}

	now := w.now()
	reservation := domain.InventoryReservation{
		OrderID:   orderID,
		Status:    domain.ReservationStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	deferred := paymentType.IsDeferred()
	if deferred {
		expiresAt := now.Add(w.window)
		reservation.ExpiresAt = &expiresAt
	}

	affected, err := w.reservations.Add(ctx, &reservation)
	if err != nil {
		return domain.InventoryReservation{}, fmt.Errorf("add reservation for order %d: %w", orderID, err)
	}
	if affected == 0 {
		return domain.InventoryReservation{}, domain.ErrPersistence
	}

	if deferred {
		job := domain.Job{Name: domain.JobCheckExpiredReservation, OrderID: orderID}
		if err := w.scheduler.ScheduleOnce(ctx, job, w.window); err != nil {
			return domain.InventoryReservation{}, fmt.Errorf("schedule expiry check for order %d: %w", orderID, err)
		}
	}

	return reservation, nil
}

// MarkConsumed переводит резерв в Consumed после подтверждённой оплаты.
func (w *Workflow) MarkConsumed(ctx context.Context, orderID int64) error {
	reservation, err := w.reservations.GetByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := reservation.Consume(w.now()); err != nil {
		return err
	}
	return w.save(ctx, reservation)
}

// ReleaseIfActive возвращает товар и закрывает резерв в транзакции вызывающего.
// Отсутствующий или уже закрытый резерв не считается ошибкой.
func (w *Workflow) ReleaseIfActive(ctx context.Context, orderID int64) (bool, error) {
	reservation, err := w.reservations.GetByOrderID(ctx, orderID)
	if errors.Is(err, domain.ErrReservationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !reservation.IsActive() {
		return false, nil
	}

	if !w.stock.ReleaseReservedStock(ctx, orderID) {
		return false, fmt.Errorf("release stock for order %d: %w", orderID, domain.ErrPersistence)
	}
	if err := w.release(ctx, reservation, "payment_closed"); err != nil {
		return false, err
	}
	return true, nil
}

// CheckExpiredReservation снимает неоплаченный резерв. Вызывается планировщиком и
// никогда не возвращает ошибку: всё логируется, транзакция откатывается.
func (w *Workflow) CheckExpiredReservation(ctx context.Context, orderID int64) {
	w.expire(ctx, orderID)
}

// HandleJob адаптирует CheckExpiredReservation к реестру планировщика. Непредвиденный сбой
// возвращается ошибкой, чтобы durable-планировщик повторил проверку.
func (w *Workflow) HandleJob(ctx context.Context, job domain.Job) error {
	if w.expire(ctx, job.OrderID) == metrics.ResultUnexpected {
		return fmt.Errorf("expiry check for order %d: %w", job.OrderID, domain.ErrUnexpected)
	}
	return nil
}

func (w *Workflow) expire(ctx context.Context, orderID int64) (result string) {
	entry := w.logger.WithFields(log.Fields{"order_id": orderID, "saga": metrics.SagaExpiry})
	finish := w.observe()
	result = metrics.ResultNoop
	defer func() { finish(result) }()

	reservation, err := w.reservations.GetByOrderID(ctx, orderID)
	if err != nil {
		if !errors.Is(err, domain.ErrReservationNotFound) {
			entry.WithError(err).Error("cannot load reservation for expiry check")
			result = metrics.ResultUnexpected
		}
		return
	}
	if !reservation.IsActive() {
		entry.WithField("status", reservation.Status).Debug("reservation already closed, expiry check is a no-op")
		return
	}

	txCtx, err := w.tx.Begin(ctx)
	if err != nil {
		entry.WithError(err).Error("cannot begin expiry transaction")
		result = metrics.ResultUnexpected
		return
	}

	committed := false
	defer func() {
		if rec := recover(); rec != nil {
			entry.WithField("panic", rec).Error("expiry check panicked")
			result = metrics.ResultUnexpected
		}
		if !committed {
			if err := w.tx.Rollback(txCtx); err != nil {
				entry.WithError(err).Warn("rollback of expiry transaction failed")
			}
		}
	}()

	if !w.stock.ReleaseReservedStock(txCtx, orderID) {
		entry.Warn("stock release failed, reservation stays active")
		result = metrics.ResultRolledBack
		return
	}

	// Перечитываем под блокировкой: подтверждение оплаты могло успеть раньше.
	reservation, err = w.reservations.GetByOrderID(txCtx, orderID)
	if err != nil {
		entry.WithError(err).Error("cannot reload reservation inside expiry transaction")
		result = metrics.ResultUnexpected
		return
	}
	if !reservation.IsActive() {
		entry.WithField("status", reservation.Status).Info("reservation closed concurrently, expiry check is a no-op")
		return
	}

	if err := w.release(txCtx, reservation, "expired"); err != nil {
		entry.WithError(err).Error("cannot release expired reservation")
		result = metrics.ResultUnexpected
		return
	}

	if err := w.tx.Commit(txCtx); err != nil {
		entry.WithError(err).Error("cannot commit expiry transaction")
		result = metrics.ResultUnexpected
		return
	}
	committed = true
	result = metrics.ResultCommitted
	entry.Info("expired reservation released")
	return
}

func (w *Workflow) release(ctx context.Context, reservation domain.InventoryReservation, reason string) error {
	if err := reservation.Release(w.now()); err != nil {
		return err
	}
	if err := w.save(ctx, reservation); err != nil {
		return err
	}
	if w.events == nil {
		return nil
	}
	return w.events.Record(ctx, outbox.EventReservationReleased, reservation.OrderID, map[string]any{
		"order_id": reservation.OrderID,
		"reason":   reason,
	})
}

func (w *Workflow) save(ctx context.Context, reservation domain.InventoryReservation) error {
	affected, err := w.reservations.Update(ctx, reservation)
	if err != nil {
		return fmt.Errorf("update reservation for order %d: %w", reservation.OrderID, err)
	}
	if affected == 0 {
		return domain.ErrPersistence
	}
	return nil
}

func (w *Workflow) observe() func(string) {
	if w.metrics == nil {
		return func(string) {}
	}
	return w.metrics.Start(metrics.SagaExpiry)
}
