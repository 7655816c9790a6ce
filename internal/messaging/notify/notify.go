// Package notify доставляет уведомления пользователям.
package notify

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fulfillment_notifications_total",
	Help: "Notification delivery attempts grouped by backend and result.",
}, []string{"backend", "result"})

func observe(backend string, ok bool) bool {
	result := "sent"
	if !ok {
		result = "failed"
	}
	deliveriesTotal.WithLabelValues(backend, result).Inc()
	return ok
}

// OrderConfirmation собирает письмо о подтверждении оплаты заказа.
func OrderConfirmation(to, orderNumber string, total decimal.Decimal, currency string) domain.Notification {
	return domain.Notification{
		To:      to,
		Subject: fmt.Sprintf("Order %s confirmed", orderNumber),
		Body: fmt.Sprintf(
			"Thank you for your purchase.\r\n\r\nYour payment for order %s was received.\r\nTotal: %s %s\r\n",
			orderNumber, total.StringFixed(2), currency,
		),
		Type: domain.NotificationOrderConfirmation,
	}
}

// LogNotifier пишет уведомления в лог. Используется, когда внешняя доставка не настроена.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт notifier поверх logrus.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier-log")
	}
	return &LogNotifier{logger: logger}
}

// Send всегда успешен.
func (n *LogNotifier) Send(_ context.Context, msg domain.Notification) bool {
	n.logger.WithFields(log.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
		"type":    msg.Type,
	}).Info("notification")
	return observe("log", true)
}

var _ domain.Notifier = (*LogNotifier)(nil)
