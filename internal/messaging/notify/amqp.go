package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// DefaultQueue — очередь, из которой внешний mail-сервис забирает уведомления.
const DefaultQueue = "fulfillment.notifications"

// Publisher — подмножество *amqp.Channel, нужное notifier.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier передаёт уведомления в RabbitMQ для асинхронной доставки.
type AMQPNotifier struct {
	publisher Publisher
	queue     string
	logger    *log.Entry
}

// NewAMQPNotifier публикует в очередь через default exchange.
func NewAMQPNotifier(publisher Publisher, queue string, logger *log.Entry) *AMQPNotifier {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = log.WithField("component", "notifier-amqp")
	}
	return &AMQPNotifier{publisher: publisher, queue: queue, logger: logger}
}

// Send сериализует уведомление в JSON и публикует persistent-сообщение.
func (n *AMQPNotifier) Send(ctx context.Context, msg domain.Notification) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		n.logger.WithError(err).Error("marshal notification")
		return observe("amqp", false)
	}

	err = n.publisher.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(msg.Type),
		Body:         body,
	})
	if err != nil {
		n.logger.WithError(err).WithField("queue", n.queue).Warn("amqp notification publish failed")
		return observe("amqp", false)
	}
	return observe("amqp", true)
}

// DialAMQP открывает соединение, канал и объявляет durable-очередь.
func DialAMQP(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if queue == "" {
		queue = DefaultQueue
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return conn, ch, nil
}

var _ domain.Notifier = (*AMQPNotifier)(nil)
