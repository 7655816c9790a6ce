package domain

import "time"

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности HTTP-запроса.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: ответ сохранён, повтор получит его же.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: обработка упала с 5xx, повтор с тем же телом запускает её заново.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// IdempotencyRecord хранит ответ на запрос оформления заказа по ключу.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Replayable сообщает, есть ли сохранённый ответ для повтора.
func (s IdempotencyStatus) Replayable() bool {
	return s == IdempotencyStatusDone
}

// Retryable сообщает, можно ли заново захватить ключ под новую попытку.
func (s IdempotencyStatus) Retryable() bool {
	return s == IdempotencyStatusFailed
}
