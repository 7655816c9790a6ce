package domain

import (
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	maxCurrencyLength              = 10
	maxProviderTransactionIDLength = 200
)

// PaymentType — платёжный провайдер.
type PaymentType string

const (
	PaymentTypeStripe         PaymentType = "Stripe"
	PaymentTypeCashOnDelivery PaymentType = "CashOnDelivery"
)

// ParsePaymentType разбирает имя провайдера с точным совпадением регистра.
func ParsePaymentType(name string) (PaymentType, error) {
	switch PaymentType(name) {
	case PaymentTypeStripe:
		return PaymentTypeStripe, nil
	case PaymentTypeCashOnDelivery:
		return PaymentTypeCashOnDelivery, nil
	default:
		return "", ErrInvalidPaymentType
	}
}

// IsDeferred сообщает, что оплата приходит позже и резерв должен истекать.
func (t PaymentType) IsDeferred() bool {
	return t != PaymentTypeCashOnDelivery
}

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSuccessful PaymentStatus = "successful"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCanceled   PaymentStatus = "canceled"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusProcessing, PaymentStatusSuccessful, PaymentStatusFailed, PaymentStatusCanceled:
		return true
	default:
		return false
	}
}

// Payment описывает платёж по заказу. После IsFulfilled=true платёж неизменяем.
type Payment struct {
	ID                    int64
	OrderID               int64
	UserID                string
	Amount                decimal.Decimal
	Currency              string
	Provider              PaymentType
	Status                PaymentStatus
	IsFulfilled           bool
	ProviderTransactionID string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Validate проверяет все поля и возвращает все нарушения сразу.
func (p *Payment) Validate() []error {
	var errs []error

	if !p.Amount.IsPositive() {
		errs = append(errs, ErrPaymentAmountInvalid)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	} else if utf8.RuneCountInString(p.Currency) > maxCurrencyLength {
		errs = append(errs, ErrCurrencyTooLong)
	}
	if p.UserID == "" {
		errs = append(errs, ErrUserIDRequired)
	}
	if p.OrderID <= 0 {
		errs = append(errs, ErrOrderIDRequired)
	}
	if utf8.RuneCountInString(p.ProviderTransactionID) > maxProviderTransactionIDLength {
		errs = append(errs, ErrProviderTransactionIDTooLong)
	}
	if _, err := ParsePaymentType(string(p.Provider)); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// Confirm фиксирует успешную оплату.
func (p *Payment) Confirm(providerTxnID string, amount decimal.Decimal, now time.Time) error {
	if !amount.Equal(p.Amount) {
		return ErrAmountMismatch
	}
	if p.IsFulfilled {
		return ErrPaymentAlreadyFulfilled
	}
	p.Status = PaymentStatusSuccessful
	p.IsFulfilled = true
	p.ProviderTransactionID = providerTxnID
	p.UpdatedAt = now
	return nil
}

// Fail помечает платёж неуспешным.
func (p *Payment) Fail(providerTxnID string, now time.Time) error {
	switch {
	case p.IsFulfilled:
		return ErrPaymentFulfilledCannotFail
	case p.Status == PaymentStatusSuccessful:
		return ErrPaymentAlreadySuccessful
	case p.Status == PaymentStatusFailed:
		return ErrPaymentAlreadyFailed
	}
	p.Status = PaymentStatusFailed
	p.ProviderTransactionID = providerTxnID
	p.UpdatedAt = now
	return nil
}

// Cancel отменяет платёж.
func (p *Payment) Cancel(providerTxnID string, now time.Time) error {
	switch {
	case p.IsFulfilled:
		return ErrPaymentFulfilledCannotCancel
	case p.Status == PaymentStatusCanceled:
		return ErrPaymentAlreadyCancelled
	}
	p.Status = PaymentStatusCanceled
	p.ProviderTransactionID = providerTxnID
	p.UpdatedAt = now
	return nil
}
