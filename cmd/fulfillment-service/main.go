package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const (
	envLogLevel = "FULFILLMENT_LOG_LEVEL"

	envHTTPAddr                    = "FULFILLMENT_HTTP_ADDR"
	envGRPCAddr                    = "FULFILLMENT_GRPC_ADDR"
	envMetricsAddr                 = "FULFILLMENT_METRICS_ADDR"
	envStorageDriver               = "FULFILLMENT_STORAGE_DRIVER"
	envPostgresDSN                 = "FULFILLMENT_POSTGRES_DSN"
	envPostgresAutoMigrate         = "FULFILLMENT_POSTGRES_AUTO_MIGRATE"
	envSchedulerDriver             = "FULFILLMENT_SCHEDULER_DRIVER"
	envRedisAddr                   = "FULFILLMENT_REDIS_ADDR"
	envSchedulerPollInterval       = "FULFILLMENT_SCHEDULER_POLL_INTERVAL"
	envSchedulerWorkers            = "FULFILLMENT_SCHEDULER_WORKERS"
	envReservationWindow           = "FULFILLMENT_RESERVATION_WINDOW"
	envCurrency                    = "FULFILLMENT_CURRENCY"
	envKafkaBrokers                = "FULFILLMENT_KAFKA_BROKERS"
	envOrderEventsTopic            = "FULFILLMENT_ORDER_EVENTS_TOPIC"
	envPaymentCallbackTopic        = "FULFILLMENT_PAYMENT_CALLBACK_TOPIC"
	envKafkaConsumerGroup          = "FULFILLMENT_KAFKA_CONSUMER_GROUP"
	envNotifierDriver              = "FULFILLMENT_NOTIFIER_DRIVER"
	envSMTPHost                    = "FULFILLMENT_SMTP_HOST"
	envSMTPPort                    = "FULFILLMENT_SMTP_PORT"
	envSMTPFrom                    = "FULFILLMENT_SMTP_FROM"
	envAMQPURL                     = "FULFILLMENT_AMQP_URL"
	envAMQPQueue                   = "FULFILLMENT_AMQP_QUEUE"
	envOutboxPollInterval          = "FULFILLMENT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "FULFILLMENT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "FULFILLMENT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "FULFILLMENT_OUTBOX_RETRY_DELAY"
	envIdempotencyKeyTTL           = "FULFILLMENT_IDEMPOTENCY_KEY_TTL"
	envIdempotencyCleanupInterval  = "FULFILLMENT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "FULFILLMENT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envIdempotencyStaleAfter       = "FULFILLMENT_IDEMPOTENCY_STALE_AFTER"
)

// envLookup совпадает по сигнатуре с os.LookupEnv.
type envLookup func(key string) (string, bool)

// configWarning — значение переменной окружения отброшено, оставлен default.
type configWarning struct {
	Key   string
	Value string
	Err   error
}

func (w configWarning) String() string {
	return fmt.Sprintf("%s=%q ignored: %v", w.Key, w.Value, w.Err)
}

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
			return
		}
		log.SetLevel(level)
	}
}

// readConfigFromEnv накладывает переменные окружения на app.DefaultConfig.
// Некорректные значения не роняют запуск: остаётся default и возвращается предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []configWarning) {
	cfg := app.DefaultConfig()
	var warnings []configWarning

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	lower := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, configWarning{Key: key, Value: v, Err: err})
			return
		}
		*dst = parsed
	}
	integer := func(key string, dst *int, valid func(int) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warnings = append(warnings, configWarning{Key: key, Value: v, Err: err})
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warnings = append(warnings, configWarning{Key: key, Value: v, Err: err})
			return
		}
		*dst = parsed
	}

	positiveInt := func(v int) bool { return v > 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)

	lower(envStorageDriver, &cfg.StorageDriver)
	str(envPostgresDSN, &cfg.PostgresDSN)
	boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)

	lower(envSchedulerDriver, &cfg.SchedulerDriver)
	str(envRedisAddr, &cfg.RedisAddr)
	duration(envSchedulerPollInterval, &cfg.SchedulerPollInterval, positiveDuration, "must be > 0")
	integer(envSchedulerWorkers, &cfg.SchedulerWorkers, positiveInt, "must be > 0")

	duration(envReservationWindow, &cfg.ReservationWindow, positiveDuration, "must be > 0")
	str(envCurrency, &cfg.Currency)

	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envOrderEventsTopic, &cfg.OrderEventsTopic)
	str(envPaymentCallbackTopic, &cfg.PaymentCallbackTopic)
	str(envKafkaConsumerGroup, &cfg.KafkaConsumerGroup)

	lower(envNotifierDriver, &cfg.NotifierDriver)
	str(envSMTPHost, &cfg.SMTPHost)
	str(envSMTPPort, &cfg.SMTPPort)
	str(envSMTPFrom, &cfg.SMTPFrom)
	str(envAMQPURL, &cfg.AMQPURL)
	str(envAMQPQueue, &cfg.AMQPQueue)

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")

	duration(envIdempotencyKeyTTL, &cfg.IdempotencyKeyTTL, positiveDuration, "must be > 0")
	duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	integer(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")
	duration(envIdempotencyStaleAfter, &cfg.IdempotencyStaleAfter, positiveDuration, "must be > 0")

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	// .env необязателен: в контейнере переменные приходят из окружения.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to load .env")
	}

	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w.String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":        cfg.HTTPAddr,
		"grpc_addr":        cfg.GRPCAddr,
		"metrics_addr":     cfg.MetricsAddr,
		"storage_driver":   cfg.StorageDriver,
		"scheduler_driver": cfg.SchedulerDriver,
		"notifier_driver":  cfg.NotifierDriver,
		"version":          version.GetVersion(),
	}).Info("запускаем fulfillment-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("fulfillment-service остановлен")
}
