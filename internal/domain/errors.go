package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Сообщения бизнес-ошибок уходят клиенту как есть, поэтому оформлены предложениями.
var (
	// ErrValidation объединяет все ошибки валидации входных данных.
	ErrValidation = errors.New("Validation failed.")

	// Ошибка пустого списка позиций заказа.
	ErrItemsRequired = errors.New("Order must contain at least one item.")
	// Ошибка некорректного количества товара (<= 0).
	ErrQuantityInvalid = errors.New("Quantity must be greater than zero.")
	// Ошибка суммарного количества товара, не помещающегося в int32.
	ErrQuantityTooLarge = errors.New("Quantity must be at most 2147483647.")
	// Ошибка отсутствующего пользователя.
	ErrUserIDRequired = errors.New("User id is required.")
	// Ошибка отсутствующего идентификатора заказа в платеже/резерве.
	ErrOrderIDRequired = errors.New("Order id is required.")
	// Ошибка неположительной суммы платежа.
	ErrPaymentAmountInvalid = errors.New("Payment amount must be greater than zero.")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("Currency is required.")
	// Ошибка слишком длинного кода валюты.
	ErrCurrencyTooLong = errors.New("Currency must be at most 10 characters long.")
	// Ошибка слишком длинного идентификатора транзакции провайдера.
	ErrProviderTransactionIDTooLong = errors.New("Provider transaction id must be at most 200 characters long.")
	// ErrInvalidPaymentType возвращается для неизвестного или пустого провайдера.
	ErrInvalidPaymentType = errors.New("Invalid payment type.")

	// Ошибки внешних справочников (каталог, доставка, купоны).
	ErrProductNotFound        = errors.New("Product not found.")
	ErrInsufficientStock      = errors.New("Not enough stock for the requested quantity.")
	ErrShippingMethodNotFound = errors.New("Shipping method not found.")
	ErrCouponNotFound         = errors.New("Coupon not found.")
	ErrCouponExpired          = errors.New("Coupon has expired.")
	ErrUserNotFound           = errors.New("User not found.")

	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("Order not found.")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("Payment not found.")
	// ErrReservationNotFound возвращается, если у заказа нет резерва.
	ErrReservationNotFound = errors.New("Inventory reservation not found.")

	ErrOrderAlreadyPaid      = errors.New("Order is already paid.")
	ErrOrderAlreadyFailed    = errors.New("Order is already marked as failed.")
	ErrOrderAlreadyCancelled = errors.New("Order is already cancelled.")
	// ErrInvalidTransition — переход из конечного статуса заказа.
	ErrInvalidTransition = errors.New("Invalid order status transition.")

	ErrPaymentAlreadyFulfilled      = errors.New("Payment is already fulfilled.")
	ErrPaymentFulfilledCannotFail   = errors.New("Cannot mark a fulfilled payment as failed.")
	ErrPaymentFulfilledCannotCancel = errors.New("Cannot cancel a fulfilled payment.")
	ErrPaymentAlreadySuccessful     = errors.New("Payment is already successful.")
	ErrPaymentAlreadyFailed         = errors.New("Payment is already marked as failed.")
	ErrPaymentAlreadyCancelled      = errors.New("Payment is already cancelled.")
	// ErrAmountMismatch — сумма подтверждения не совпадает с суммой платежа.
	ErrAmountMismatch = errors.New("Payment amount does not match.")

	// ErrReservationNotActive матчится с ReservationNotActiveError.
	ErrReservationNotActive = errors.New("Inventory reservation is not active.")

	// ErrOrderResolutionFailed — по платежу не удалось определить заказ.
	ErrOrderResolutionFailed = errors.New("Could not resolve the order for the payment.")
	// ErrPersistence — хранилище сообщило о нуле изменённых строк.
	ErrPersistence = errors.New("Changes could not be saved.")
	// ErrUnexpected — единственное сообщение, которое видит клиент при непредвиденном сбое.
	ErrUnexpected = errors.New("An unexpected error occurred. Please try again later.")

	// ErrTxNotFound — в контексте нет активной транзакции.
	ErrTxNotFound = errors.New("transaction not found in context")
	// ErrTxAlreadyStarted — вложенные транзакции не поддерживаются.
	ErrTxAlreadyStarted = errors.New("transaction already started")

	// Ошибки idempotency-key.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ValidationError агрегирует все нарушения, а не только первое.
type ValidationError struct {
	Problems []error
}

// NewValidationError возвращает nil, если нарушений нет.
func NewValidationError(problems ...error) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap позволяет errors.Is находить как ErrValidation, так и конкретные нарушения.
func (e *ValidationError) Unwrap() []error {
	out := make([]error, 0, len(e.Problems)+1)
	out = append(out, ErrValidation)
	return append(out, e.Problems...)
}

// ItemError привязывает нарушение к конкретному товару.
type ItemError struct {
	ProductID int64
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("Product %d: %s", e.ProductID, e.Err.Error())
}

func (e *ItemError) Unwrap() error { return e.Err }

// ReservationNotActiveError несёт текущий статус резерва.
type ReservationNotActiveError struct {
	Status ReservationStatus
}

func (e *ReservationNotActiveError) Error() string {
	return fmt.Sprintf("Inventory reservation is not active (current status: %s).", e.Status)
}

func (e *ReservationNotActiveError) Is(target error) bool {
	return target == ErrReservationNotActive
}

var businessErrors = []error{
	ErrValidation,
	ErrInvalidPaymentType,
	ErrOrderNotFound,
	ErrPaymentNotFound,
	ErrReservationNotFound,
	ErrOrderAlreadyPaid,
	ErrOrderAlreadyFailed,
	ErrOrderAlreadyCancelled,
	ErrInvalidTransition,
	ErrPaymentAlreadyFulfilled,
	ErrPaymentFulfilledCannotFail,
	ErrPaymentFulfilledCannotCancel,
	ErrPaymentAlreadySuccessful,
	ErrPaymentAlreadyFailed,
	ErrPaymentAlreadyCancelled,
	ErrAmountMismatch,
	ErrReservationNotActive,
	ErrOrderResolutionFailed,
	ErrPersistence,
	ErrUnexpected,
}

// IsBusinessError сообщает, можно ли показать ошибку клиенту без изменений.
func IsBusinessError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound объединяет все ошибки отсутствия сущности.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrReservationNotFound)
}

// ErrorMessages раскладывает ошибку в список строк для ответа клиенту.
func ErrorMessages(err error) []string {
	if err == nil {
		return nil
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		out := make([]string, 0, len(validationErr.Problems))
		for _, p := range validationErr.Problems {
			out = append(out, p.Error())
		}
		return out
	}
	var notActive *ReservationNotActiveError
	if errors.As(err, &notActive) {
		return []string{notActive.Error()}
	}
	// Обёртки fmt.Errorf не должны утекать наружу, отдаём текст исходной ошибки.
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return []string{target.Error()}
		}
	}
	return []string{ErrUnexpected.Error()}
}

// IsIdempotencyConflict проверяет конфликт повторного использования ключа.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
