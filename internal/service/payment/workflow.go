// Package payment реализует workflow платежа по заказу.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Spec — запрос на создание платежа.
type Spec struct {
	OrderID               int64
	UserID                string
	Amount                decimal.Decimal
	Currency              string
	Provider              domain.PaymentType
	ProviderTransactionID string
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

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// Workflow меняет платежи только через методы domain.Payment.
type Workflow struct {
	payments domain.PaymentRepository
	logger   *log.Entry
	now      func() time.Time
}

// NewWorkflow создаёт workflow платежей.
func NewWorkflow(payments domain.PaymentRepository, opts ...Option) *Workflow {
	w := &Workflow{
		payments: payments,
		logger:   log.WithField("component", "payment-workflow"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreatePayment проверяет все поля сразу и сохраняет платёж в статусе Processing.
func (w *Workflow) CreatePayment(ctx context.Context, spec Spec) (domain.Payment, error) {
	now := w.now()
	payment := domain.Payment{
		OrderID:               spec.OrderID,
		UserID:                strings.TrimSpace(spec.UserID),
		Amount:                spec.Amount,
		Currency:              strings.TrimSpace(spec.Currency),
		Provider:              spec.Provider,
		Status:                domain.PaymentStatusProcessing,
		ProviderTransactionID: spec.ProviderTransactionID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := domain.NewValidationError(payment.Validate()...); err != nil {
		return domain.Payment{}, err
	}

	affected, err := w.payments.Add(ctx, &payment)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("add payment for order %d: %w", spec.OrderID, err)
	}
	if affected == 0 {
		return domain.Payment{}, domain.ErrPersistence
	}

	w.logger.WithFields(log.Fields{
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
		"provider":   payment.Provider,
	}).Info("payment created")
	return payment, nil
}

// ConfirmPayment фиксирует успешную оплату. Сумма должна совпасть с сохранённой.
func (w *Workflow) ConfirmPayment(ctx context.Context, paymentID int64, providerTxnID string, amount decimal.Decimal) error {
	payment, err := w.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if err := payment.Confirm(providerTxnID, amount, w.now()); err != nil {
		if errors.Is(err, domain.ErrAmountMismatch) {
			w.logger.WithFields(log.Fields{
				"payment_id": paymentID,
				"expected":   payment.Amount.String(),
				"received":   amount.String(),
			}).Warn("payment confirmation amount mismatch")
		}
		return err
	}
	return w.save(ctx, payment)
}

// FailPayment помечает платёж неуспешным и возвращает ID заказа.
func (w *Workflow) FailPayment(ctx context.Context, paymentID int64, providerTxnID string) (int64, error) {
	return w.close(ctx, paymentID, providerTxnID, (*domain.Payment).Fail)
}

// CancelPayment отменяет платёж и возвращает ID заказа.
func (w *Workflow) CancelPayment(ctx context.Context, paymentID int64, providerTxnID string) (int64, error) {
	return w.close(ctx, paymentID, providerTxnID, (*domain.Payment).Cancel)
}

// IsFulfilled читает флаг без блокировки строки, если вызван вне транзакции.
func (w *Workflow) IsFulfilled(ctx context.Context, paymentID int64) (bool, error) {
	return w.payments.IsFulfilled(ctx, paymentID)
}

// OrderIDByPaymentID возвращает ok=false, если платёж не найден.
func (w *Workflow) OrderIDByPaymentID(ctx context.Context, paymentID int64) (int64, bool, error) {
	return w.payments.OrderIDByPaymentID(ctx, paymentID)
}

func (w *Workflow) close(
	ctx context.Context,
	paymentID int64,
	providerTxnID string,
	apply func(*domain.Payment, string, time.Time) error,
) (int64, error) {
	payment, err := w.payments.Get(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	if err := apply(&payment, providerTxnID, w.now()); err != nil {
		return 0, err
	}
	if err := w.save(ctx, payment); err != nil {
		return 0, err
	}
	return payment.OrderID, nil
}

func (w *Workflow) save(ctx context.Context, payment domain.Payment) error {
	affected, err := w.payments.Update(ctx, payment)
	if err != nil {
		return fmt.Errorf("update payment %d: %w", payment.ID, err)
	}
	if affected == 0 {
		return domain.ErrPersistence
	}
	return nil
}
