package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second

	unknownEventLabel = "unknown"
)

// Итоги доставки события, они же значения label result.
const (
	resultSent       = "sent"
	resultRetry      = "retry"
	resultFailed     = "failed"
	resultUnroutable = "unroutable"
	resultDLQFailed  = "dlq_failed"
)

// ErrUnroutable — событие нельзя доставить: неизвестный тип или некорректный ID заказа.
var ErrUnroutable = errors.New("outbox event is unroutable")

// SagaEvents перечисляет события, которые пишет Recorder.
var SagaEvents = []string{
	EventOrderPlaced,
	EventOrderPaid,
	EventOrderPaymentFailed,
	EventOrderPaymentCanceled,
	EventReservationReleased,
}

var (
	eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_outbox_events_total",
		Help: "Outbox deliveries of order saga events by event type and result.",
	}, []string{"event_type", "result"})
	publishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_outbox_publish_duration_seconds",
		Help:    "Duration of a single publish call by event type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fulfillment_outbox_pending_records",
		Help: "Current number of pending records in transactional outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fulfillment_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	Routes         map[string]domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithDLQPublisher задаёт publisher для событий, которые не удалось доставить.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

// WithRoute отправляет события eventType в отдельный publisher вместо основного.
func WithRoute(eventType string, publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) {
		if opts.Routes == nil {
			opts.Routes = make(map[string]domain.OutboxPublisher)
		}
		opts.Routes[eventType] = publisher
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации до перевода в failed.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// Worker доставляет события саги из outbox. Каждый тип события идёт в свой
// publisher, ключ партиции — ID заказа, поэтому события одного заказа
// публикуются по порядку.
type Worker struct {
	repo        domain.OutboxRepository
	routes      map[string]domain.OutboxPublisher
	dlq         domain.OutboxPublisher
	logger      *log.Entry
	interval    time.Duration
	batchSize   int
	maxAttempts int
	baseDelay   time.Duration
}

// NewWorker создаёт worker; publisher обслуживает все SagaEvents, если для
// типа не задан свой маршрут через WithRoute.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{RetryBaseDelay: defaultRetryBaseDelay}
	for _, option := range options {
		option(&opts)
	}

	w := &Worker{
		repo:        repo,
		routes:      make(map[string]domain.OutboxPublisher, len(SagaEvents)+len(opts.Routes)),
		dlq:         opts.DLQPublisher,
		logger:      opts.Logger,
		interval:    opts.PollInterval,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   max(opts.RetryBaseDelay, 0),
	}
	if publisher != nil {
		for _, eventType := range SagaEvents {
			w.routes[eventType] = publisher
		}
	}
	for eventType, routed := range opts.Routes {
		if routed != nil {
			w.routes[eventType] = routed
		}
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.interval <= 0 {
		w.interval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || len(w.routes) == 0 {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает батч pending-событий и доставляет их по одному.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer w.refreshBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}

	for _, msg := range batch {
		if ctx.Err() != nil {
			return
		}
		w.deliver(ctx, msg)
	}
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"order_id":   msg.AggregateID,
	})

	publisher, routed, err := w.route(msg)
	if err == nil {
		err = w.publish(ctx, publisher, routed)
	}
	if ctx.Err() != nil {
		// остаётся pending до следующего запуска
		return
	}

	label := eventLabel(msg.EventType)
	if err == nil {
		eventsDelivered.WithLabelValues(label, resultSent).Inc()
		if markErr := w.repo.MarkSent(ctx, msg.ID); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark outbox as sent")
		}
		return
	}

	result := resultFailed
	if errors.Is(err, ErrUnroutable) {
		result = resultUnroutable
	}
	eventsDelivered.WithLabelValues(label, result).Inc()
	logger.WithError(err).Error("outbox event was not delivered")

	if dlqErr := w.deadLetter(ctx, msg, err); dlqErr != nil {
		eventsDelivered.WithLabelValues(label, resultDLQFailed).Inc()
		logger.WithError(dlqErr).Warn("failed to publish to DLQ")
	}
	if markErr := w.repo.MarkFailed(ctx, msg.ID); markErr != nil {
		logger.WithError(markErr).Warn("failed to mark outbox as failed")
	}
}

// route выбирает publisher по типу события и нормализует ключ партиции.
func (w *Worker) route(msg domain.OutboxMessage) (domain.OutboxPublisher, domain.OutboxMessage, error) {
	publisher, ok := w.routes[msg.EventType]
	if !ok {
		return nil, msg, fmt.Errorf("event type %q: %w", msg.EventType, ErrUnroutable)
	}
	if msg.AggregateType != AggregateOrder {
		return nil, msg, fmt.Errorf("aggregate type %q: %w", msg.AggregateType, ErrUnroutable)
	}

	orderID, err := strconv.ParseInt(msg.AggregateID, 10, 64)
	if err != nil || orderID <= 0 {
		return nil, msg, fmt.Errorf("order id %q: %w", msg.AggregateID, ErrUnroutable)
	}
	msg.AggregateID = strconv.FormatInt(orderID, 10)
	return publisher, msg, nil
}

func (w *Worker) publish(ctx context.Context, publisher domain.OutboxPublisher, msg domain.OutboxMessage) error {
	label := eventLabel(msg.EventType)

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			eventsDelivered.WithLabelValues(label, resultRetry).Inc()
			if err := sleepCtx(ctx, w.retryBackoff(attempt-1)); err != nil {
				return err
			}
		}

		timer := prometheus.NewTimer(publishDuration.WithLabelValues(label))
		lastErr = publisher.Publish(ctx, msg)
		timer.ObserveDuration()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", msg.EventType, w.maxAttempts, lastErr)
}

// retryBackoff — пауза перед повтором номер attempt: base * 2^(attempt-1), не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.baseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := w.baseDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

type deadLetterBody struct {
	OutboxID     string          `json:"outbox_id"`
	OrderID      string          `json:"order_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error"`
	Unroutable   bool            `json:"unroutable,omitempty"`
	DeadLettered time.Time       `json:"dead_lettered_at"`
}

func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}

	body := deadLetterBody{
		OutboxID:     msg.ID,
		OrderID:      msg.AggregateID,
		EventType:    msg.EventType,
		Error:        cause.Error(),
		Unroutable:   errors.Is(cause, ErrUnroutable),
		DeadLettered: time.Now().UTC(),
	}
	if json.Valid(msg.Payload) {
		body.Payload = msg.Payload
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	msg.Payload = payload
	if err := w.dlq.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	pendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(time.Since(stats.OldestPendingAt).Seconds(), 0))
}

// eventLabel ограничивает кардинальность label event_type известными событиями.
func eventLabel(eventType string) string {
	for _, known := range SagaEvents {
		if known == eventType {
			return eventType
		}
	}
	return unknownEventLabel
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
