// Package scheduler выполняет разовые отложенные задачи саги.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

var jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fulfillment_scheduler_job_runs_total",
	Help: "Executed delayed jobs grouped by job name and result.",
}, []string{"job", "result"})

// Handler выполняет задачу. Ошибку memory-планировщик только логирует, Redis-планировщик повторяет задачу.
type Handler func(ctx context.Context, job domain.Job) error

// Registry сопоставляет имя задачи с обработчиком.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.JobName]Handler
	logger   *log.Entry
}

// NewRegistry создаёт пустой реестр.
func NewRegistry(logger *log.Entry) *Registry {
	if logger == nil {
		logger = log.WithField("component", "scheduler")
	}
	return &Registry{handlers: make(map[domain.JobName]Handler), logger: logger}
}

// Register привязывает обработчик; повторная регистрация заменяет прежний.
func (r *Registry) Register(name domain.JobName, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Dispatch выполняет задачу. Паника обработчика превращается в ошибку.
func (r *Registry) Dispatch(ctx context.Context, job domain.Job) (err error) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Name]
	r.mu.RUnlock()

	entry := r.logger.WithFields(log.Fields{"job_id": job.ID, "job": job.Name, "order_id": job.OrderID})
	if !ok {
		jobRunsTotal.WithLabelValues(string(job.Name), "unknown").Inc()
		entry.Warn("no handler registered for job")
		return fmt.Errorf("no handler for job %q", job.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %q panicked: %v", job.Name, rec)
		}
		if err != nil {
			jobRunsTotal.WithLabelValues(string(job.Name), "error").Inc()
			entry.WithError(err).Error("delayed job failed")
			return
		}
		jobRunsTotal.WithLabelValues(string(job.Name), "ok").Inc()
	}()

	return handler(ctx, job)
}
