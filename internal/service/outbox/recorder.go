package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// AggregateOrder — тип агрегата для всех событий заказа.
const AggregateOrder = "order"

// Типы событий жизненного цикла заказа.
const (
	EventOrderPlaced          = "OrderPlaced"
	EventOrderPaid            = "OrderPaid"
	EventOrderPaymentFailed   = "OrderPaymentFailed"
	EventOrderPaymentCanceled = "OrderPaymentCanceled"
	EventReservationReleased  = "ReservationReleased"
)

// Recorder пишет события заказа в outbox. Внутри транзакции событие
// фиксируется или откатывается вместе с изменением состояния.
type Recorder struct {
	repo domain.OutboxRepository
}

// NewRecorder возвращает nil, если repo не задан: запись событий отключена.
func NewRecorder(repo domain.OutboxRepository) *Recorder {
	if repo == nil {
		return nil
	}
	return &Recorder{repo: repo}
}

// Record сериализует payload в JSON и ставит событие в очередь.
func (r *Recorder) Record(ctx context.Context, eventType string, orderID int64, payload any) error {
	if r == nil {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	if _, err := r.repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   strconv.FormatInt(orderID, 10),
		EventType:     eventType,
		Payload:       body,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}
