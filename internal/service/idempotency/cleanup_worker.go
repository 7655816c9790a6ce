package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	defaultStaleAfter       = time.Minute
)

var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_idempotency_cleanup_runs_total",
		Help: "Idempotency key maintenance runs grouped by result.",
	}, []string{"result"})
	cleanupKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_idempotency_cleanup_keys_total",
		Help: "Idempotency keys touched by maintenance: expired keys are deleted, stuck ones released for retry.",
	}, []string{"action"})
)

// CleanupOptions задает параметры воркера обслуживания ключей.
type CleanupOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	// StaleAfter: processing-ключ без обновлений дольше этого срока считается брошенным.
	StaleAfter time.Duration
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

// WithInterval задает интервал между циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

// WithBatchSize задает размер порции для одного запроса к хранилищу.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithStaleAfter задает, через сколько зависший processing-ключ освобождается.
// Срок должен превышать таймаут обработки запроса оформления.
func WithStaleAfter(d time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.StaleAfter = d }
}

// CleanupReport итог одного цикла.
type CleanupReport struct {
	Expired  int
	Released int
}

// CleanupWorker обслуживает ключи Idempotency-Key оформления заказов:
// удаляет просроченные и освобождает ключи запросов, упавших вместе с процессом.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	now        func() time.Time
}

// NewCleanupWorker создает воркер обслуживания ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}

	return &CleanupWorker{
		repo:       repo,
		logger:     opts.Logger,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		staleAfter: opts.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run выполняет циклы обслуживания до отмены ctx; первый цикл сразу.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runLogged(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runLogged(ctx context.Context) {
	report, err := w.RunOnce(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		cleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithFields(log.Fields{
			"expired":  report.Expired,
			"released": report.Released,
		}).Warn("idempotency cleanup run failed")
		return
	}

	cleanupRunsTotal.WithLabelValues("ok").Inc()
	if report.Expired > 0 || report.Released > 0 {
		w.logger.WithFields(log.Fields{
			"expired":  report.Expired,
			"released": report.Released,
		}).Info("idempotency cleanup completed")
	}
}

// RunOnce сначала освобождает зависшие ключи, затем удаляет просроченные.
func (w *CleanupWorker) RunOnce(ctx context.Context) (CleanupReport, error) {
	now := w.now()
	var report CleanupReport

	released, err := w.drain(ctx, "released", func(ctx context.Context) (int, error) {
		return w.repo.FailStaleProcessing(ctx, now.Add(-w.staleAfter), w.batchSize)
	})
	report.Released = released
	if err != nil {
		return report, fmt.Errorf("release stale keys: %w", err)
	}

	expired, err := w.drain(ctx, "expired", func(ctx context.Context) (int, error) {
		return w.repo.DeleteExpired(ctx, now, w.batchSize)
	})
	report.Expired = expired
	if err != nil {
		return report, fmt.Errorf("delete expired keys: %w", err)
	}
	return report, nil
}

// drain повторяет batch, пока хранилище отдаёт полные порции.
func (w *CleanupWorker) drain(ctx context.Context, action string, batch func(context.Context) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := batch(ctx)
		if err != nil {
			return total, err
		}
		total += n
		cleanupKeysTotal.WithLabelValues(action).Add(float64(n))
		if n < w.batchSize {
			return total, nil
		}
	}
}
