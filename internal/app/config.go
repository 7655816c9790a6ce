package app

import "time"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	SchedulerDriverMemory = "memory"
	SchedulerDriverRedis  = "redis"

	NotifierDriverLog  = "log"
	NotifierDriverSMTP = "smtp"
	NotifierDriverAMQP = "amqp"
)

// Config описывает настройки запуска fulfillment-service.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	SchedulerDriver       string
	RedisAddr             string
	SchedulerPollInterval time.Duration
	SchedulerWorkers      int

	ReservationWindow time.Duration
	Currency          string

	// KafkaBrokers — список через запятую; пустая строка отключает Kafka.
	KafkaBrokers         string
	OrderEventsTopic     string
	PaymentCallbackTopic string
	KafkaConsumerGroup   string

	NotifierDriver string
	SMTPHost       string
	SMTPPort       string
	SMTPFrom       string
	AMQPURL        string
	AMQPQueue      string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyKeyTTL           time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
	IdempotencyStaleAfter       time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		SchedulerDriver:       SchedulerDriverMemory,
		RedisAddr:             "localhost:6379",
		SchedulerPollInterval: time.Second,
		SchedulerWorkers:      4,

		ReservationWindow: 30 * time.Minute,
		Currency:          "USD",

		OrderEventsTopic:     "fulfillment.order.events",
		PaymentCallbackTopic: "fulfillment.payment.callbacks",
		KafkaConsumerGroup:   "fulfillment-service",

		NotifierDriver: NotifierDriverLog,
		SMTPPort:       "25",
		AMQPQueue:      "fulfillment.notifications",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		IdempotencyKeyTTL:           24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		IdempotencyStaleAfter:       time.Minute,
	}
}
