package kafka

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

// Topics для Kafka
const (
	TopicOrderEvents      = "fulfillment.order.events"
	TopicPaymentCallbacks = "fulfillment.payment.callbacks"
	TopicDeadLetterQueue  = "fulfillment.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// ErrMalformedMessage — сообщение нельзя разобрать; повторять обработку бессмысленно.
var ErrMalformedMessage = errors.New("malformed kafka message")

// CallbackStatus — итог платежа, сообщённый провайдером.
type CallbackStatus string

const (
	CallbackSucceeded CallbackStatus = "succeeded"
	CallbackFailed    CallbackStatus = "failed"
	CallbackCanceled  CallbackStatus = "canceled"
)

// PaymentCallback — уведомление платёжного провайдера о результате платежа.
type PaymentCallback struct {
	PaymentID             int64           `json:"payment_id"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
	Status                CallbackStatus  `json:"status"`
}

// OrderEventEnvelope — формат событий заказа в TopicOrderEvents.
type OrderEventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// ParsePaymentCallback разбирает и проверяет callback. Ошибка оборачивает ErrMalformedMessage.
func ParsePaymentCallback(message *sarama.ConsumerMessage) (PaymentCallback, error) {
	var callback PaymentCallback
	if err := json.Unmarshal(message.Value, &callback); err != nil {
		return PaymentCallback{}, fmt.Errorf("%w: unmarshal payment callback: %v", ErrMalformedMessage, err)
	}
	if callback.PaymentID <= 0 {
		return PaymentCallback{}, fmt.Errorf("%w: payment_id is required", ErrMalformedMessage)
	}
	switch callback.Status {
	case CallbackSucceeded, CallbackFailed, CallbackCanceled:
	default:
		return PaymentCallback{}, fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, callback.Status)
	}
	return callback, nil
}

// ParseOrderEvent парсит событие заказа из сообщения
func ParseOrderEvent(message *sarama.ConsumerMessage) (OrderEventEnvelope, error) {
	var event OrderEventEnvelope
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return OrderEventEnvelope{}, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	return event, nil
}
