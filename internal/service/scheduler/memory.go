package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultMemoryWorkers = 4

// ErrSchedulerClosed возвращается после Close.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Memory — планировщик в памяти процесса. Задачи теряются при рестарте.
type Memory struct {
	registry *Registry
	logger   *log.Entry
	sem      chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMemory создаёт планировщик; workers ограничивает число одновременно выполняемых задач.
func NewMemory(registry *Registry, workers int, logger *log.Entry) *Memory {
	if workers <= 0 {
		workers = defaultMemoryWorkers
	}
	if logger == nil {
		logger = log.WithField("component", "scheduler-memory")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		registry: registry,
		logger:   logger,
		sem:      make(chan struct{}, workers),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ScheduleOnce запускает задачу один раз через delay.
func (m *Memory) ScheduleOnce(_ context.Context, job domain.Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSchedulerClosed
	}

	m.wg.Add(1)
	m.timers[job.ID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, job.ID)
		m.mu.Unlock()
		m.run(job)
	})
	return nil
}

// Enqueue запускает задачу как можно скорее.
func (m *Memory) Enqueue(ctx context.Context, job domain.Job) error {
	return m.ScheduleOnce(ctx, job, 0)
}

func (m *Memory) run(job domain.Job) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-m.ctx.Done():
		return
	}
	defer func() { <-m.sem }()

	_ = m.registry.Dispatch(context.WithoutCancel(m.ctx), job)
}

// Pending возвращает число ещё не сработавших таймеров.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Close отменяет несработавшие задачи и ждёт выполняющиеся.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, timer := range m.timers {
		if timer.Stop() {
			m.wg.Done()
		}
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

var _ domain.Scheduler = (*Memory)(nil)
