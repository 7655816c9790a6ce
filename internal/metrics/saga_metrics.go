package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Имена саг в метках.
const (
	SagaCheckout = "checkout"
	SagaConfirm  = "confirm"
	SagaFail     = "fail"
	SagaCancel   = "cancel"
	SagaExpiry   = "reservation_expiry"
)

// Результаты саги в метках.
const (
	ResultCommitted  = "committed"
	ResultRejected   = "rejected"
	ResultUnexpected = "unexpected"
	ResultIdempotent = "idempotent"
	ResultNoop       = "noop"
	ResultRolledBack = "rolled_back"
)

// SagaMetrics содержит метрики оформления, подтверждения и истечения резервов.
type SagaMetrics struct {
	runs         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	outboxEvents *prometheus.CounterVec
}

// NewSagaMetrics регистрирует метрики в DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		runs: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_saga_runs_total",
			Help: "Saga executions grouped by saga and result.",
		}, []string{"saga", "result"})),
		duration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fulfillment_saga_duration_seconds",
			Help:    "Duration of saga executions in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga"})),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fulfillment_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"saga", "step"})),
		inFlight: register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fulfillment_saga_in_flight",
			Help: "Number of saga executions currently holding a transaction.",
		}, []string{"saga"})),
		outboxEvents: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_saga_outbox_events_total",
			Help: "Order lifecycle events written to the outbox by sagas.",
		}, []string{"event_type"})),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", alreadyRegistered.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// Start отмечает начало саги и возвращает функцию завершения с результатом.
func (m *SagaMetrics) Start(saga string) func(result string) {
	if m == nil {
		return func(string) {}
	}
	started := time.Now()
	m.inFlight.WithLabelValues(saga).Inc()
	return func(result string) {
		m.inFlight.WithLabelValues(saga).Dec()
		m.runs.WithLabelValues(saga, result).Inc()
		m.duration.WithLabelValues(saga).Observe(time.Since(started).Seconds())
	}
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(saga, step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(saga, step).Observe(duration.Seconds())
}

// RecordOutboxEvent учитывает событие, записанное в outbox.
func (m *SagaMetrics) RecordOutboxEvent(eventType string) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType).Inc()
}
