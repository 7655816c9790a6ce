package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// PaymentGateway — операции саги, вызываемые по callback провайдера.
type PaymentGateway interface {
	Confirm(ctx context.Context, paymentID int64, providerTxnID string, amount decimal.Decimal) error
	Fail(ctx context.Context, paymentID int64, providerTxnID string) error
	Cancel(ctx context.Context, paymentID int64, providerTxnID string) error
}

// NewPaymentCallbackHandler возвращает обработчик TopicPaymentCallbacks.
// Бизнес-отказы логируются и подтверждаются; непредвиденные ошибки возвращаются для retry.
func NewPaymentCallbackHandler(gateway PaymentGateway, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-callbacks")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		callback, err := ParsePaymentCallback(message)
		if err != nil {
			logger.WithError(err).WithField("offset", message.Offset).Warn("malformed payment callback")
			return err
		}

		entry := logger.WithFields(log.Fields{
			"payment_id": callback.PaymentID,
			"status":     callback.Status,
		})

		switch callback.Status {
		case CallbackSucceeded:
			err = gateway.Confirm(ctx, callback.PaymentID, callback.ProviderTransactionID, callback.Amount)
		case CallbackFailed:
			err = gateway.Fail(ctx, callback.PaymentID, callback.ProviderTransactionID)
		case CallbackCanceled:
			err = gateway.Cancel(ctx, callback.PaymentID, callback.ProviderTransactionID)
		}

		switch {
		case err == nil:
			entry.Info("payment callback applied")
			return nil
		case errors.Is(err, domain.ErrUnexpected) || !domain.IsBusinessError(err):
			return err
		default:
			entry.WithError(err).Warn("payment callback rejected")
			return nil
		}
	}
}
