package domain

import (
	"context"
	"time"
)

// TxManager — граница транзакции шага саги. Транзакция живёт в возвращённом контексте.
type TxManager interface {
	Begin(ctx context.Context) (context.Context, error)
	Commit(ctx context.Context) error
	// Rollback после Commit/Rollback ничего не делает.
	Rollback(ctx context.Context) error
}

// JobName — имя отложенной операции.
type JobName string

const (
	// JobCheckExpiredReservation снимает неоплаченный резерв.
	JobCheckExpiredReservation JobName = "reservation.check_expired"
	// JobSendOrderConfirmation отправляет письмо о подтверждении заказа.
	JobSendOrderConfirmation JobName = "order.send_confirmation"
)

// Job — одна отложенная операция над заказом.
type Job struct {
	ID      string  `json:"id"`
	Name    JobName `json:"name"`
	OrderID int64   `json:"order_id"`
	// Attempt считает повторы после ошибки обработчика; используется durable-планировщиком.
	Attempt int `json:"attempt,omitempty"`
}

// Scheduler регистрирует разовые отложенные и немедленные фоновые операции.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, job Job, delay time.Duration) error
	Enqueue(ctx context.Context, job Job) error
}

// NotificationType классифицирует уведомления.
type NotificationType string

const (
	NotificationOrderConfirmation NotificationType = "order_confirmation"
)

// Notification — исходящее сообщение пользователю.
type Notification struct {
	To      string           `json:"to"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

// Notifier доставляет уведомления. false означает неудачу доставки.
type Notifier interface {
	Send(ctx context.Context, n Notification) bool
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
// Enqueue внутри транзакции фиксируется вместе с ней.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
	// Reclaim переводит failed-запись с тем же хешем обратно в processing.
	// false означает, что ключ уже захвачен другой попыткой или не в статусе failed.
	Reclaim(ctx context.Context, key, requestHash string, ttlAt time.Time) (bool, error)
	// FailStaleProcessing помечает failed зависшие processing-записи, обновлённые не позже before.
	FailStaleProcessing(ctx context.Context, before time.Time, limit int) (int, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepCreateOrder       SagaStep = "create_order"
	SagaStepCreateReservation SagaStep = "create_reservation"
	SagaStepCreatePayment     SagaStep = "create_payment"
	SagaStepConfirmPayment    SagaStep = "confirm_payment"
	SagaStepResolveOrder      SagaStep = "resolve_order"
	SagaStepMarkPaid          SagaStep = "mark_paid"
	SagaStepMarkConsumed      SagaStep = "mark_consumed"
	SagaStepFailPayment       SagaStep = "fail_payment"
	SagaStepCancelPayment     SagaStep = "cancel_payment"
	SagaStepMarkFailed        SagaStep = "mark_failed"
	SagaStepMarkCancelled     SagaStep = "mark_cancelled"
	SagaStepReleaseStock      SagaStep = "release_stock"
	SagaStepCommit            SagaStep = "commit"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
