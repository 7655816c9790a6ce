package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	// DefaultRedisKey — sorted set с отложенными задачами, score = время запуска в мс.
	DefaultRedisKey = "fulfillment:scheduler:jobs"

	defaultRedisPollInterval = time.Second
	defaultRedisBatchSize    = 50
	defaultRedisLease        = time.Minute
	defaultRedisMaxAttempts  = 5
	defaultRedisRetryDelay   = 5 * time.Second

	// ackTimeout ограничивает подтверждение задачи после отмены ctx поллера.
	ackTimeout = 2 * time.Second
)

// claimDueScript возвращает в очередь задачи с истёкшей арендой, затем переносит созревшие
// задачи в processing-set с дедлайном аренды. Задача покидает Redis только после ack.
var claimDueScript = redis.NewScript(`
local due = KEYS[1]
local processing = KEYS[2]
local now = ARGV[1]
local limit = tonumber(ARGV[2])
local deadline = ARGV[3]

local expired = redis.call('ZRANGEBYSCORE', processing, '-inf', now, 'LIMIT', 0, limit)
for _, member in ipairs(expired) do
	redis.call('ZREM', processing, member)
	redis.call('ZADD', due, now, member)
end

local claimed = redis.call('ZRANGEBYSCORE', due, '-inf', now, 'LIMIT', 0, limit)
for _, member in ipairs(claimed) do
	redis.call('ZREM', due, member)
	redis.call('ZADD', processing, deadline, member)
end

return claimed
`)

// requeueScript возвращает задачу из processing в очередь, если аренда ещё наша.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

// RedisOptions задаёт параметры Redis-планировщика.
type RedisOptions struct {
	Key          string
	PollInterval time.Duration
	BatchSize    int
	// Lease: сколько задача может выполняться, прежде чем её заберёт другой поллер.
	Lease       time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *log.Entry
}

// Redis хранит задачи в Redis и переживает рестарт процесса: доставка at-least-once,
// поэтому обработчики задач идемпотентны.
type Redis struct {
	client        redis.UniversalClient
	registry      *Registry
	key           string
	processingKey string
	pollInterval  time.Duration
	batchSize     int
	lease         time.Duration
	maxAttempts   int
	retryDelay    time.Duration
	logger        *log.Entry
	now           func() time.Time
}

// NewRedis создаёт планировщик поверх go-redis клиента.
func NewRedis(client redis.UniversalClient, registry *Registry, opts RedisOptions) *Redis {
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultRedisPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultRedisBatchSize
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultRedisLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultRedisMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRedisRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "scheduler-redis")
	}
	return &Redis{
		client:        client,
		registry:      registry,
		key:           opts.Key,
		processingKey: opts.Key + ":processing",
		pollInterval:  opts.PollInterval,
		batchSize:     opts.BatchSize,
		lease:         opts.Lease,
		maxAttempts:   opts.MaxAttempts,
		retryDelay:    opts.RetryDelay,
		logger:        opts.Logger,
		now:           time.Now,
	}
}

// ScheduleOnce кладёт задачу в sorted set со временем запуска now+delay.
func (r *Redis) ScheduleOnce(ctx context.Context, job domain.Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	member, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	due := r.now().Add(delay).UnixMilli()
	if err := r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	return nil
}

// Enqueue ставит задачу на немедленное выполнение.
func (r *Redis) Enqueue(ctx context.Context, job domain.Job) error {
	return r.ScheduleOnce(ctx, job, 0)
}

// Run опрашивает Redis до отмены ctx.
func (r *Redis) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WithError(err).Warn("failed to poll delayed jobs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce забирает созревшие задачи под аренду и выполняет их, возвращает число забранных.
// Задачи, до которых не дошла очередь из-за отмены ctx, сразу возвращаются в очередь.
func (r *Redis) PollOnce(ctx context.Context) (int, error) {
	members, err := r.claim(ctx)
	if err != nil {
		return 0, err
	}

	// Начатая задача доводится до конца и подтверждается даже при остановке.
	runCtx := context.WithoutCancel(ctx)
	for i, member := range members {
		if ctx.Err() != nil {
			r.release(runCtx, members[i:])
			return len(members), ctx.Err()
		}
		r.process(runCtx, member)
	}
	return len(members), nil
}

func (r *Redis) claim(ctx context.Context) ([]string, error) {
	now := r.now()
	members, err := claimDueScript.Run(ctx, r.client, []string{r.key, r.processingKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		r.batchSize,
		strconv.FormatInt(now.Add(r.lease).UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return members, nil
}

func (r *Redis) process(ctx context.Context, member string) {
	var job domain.Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		r.logger.WithError(err).WithField("member", member).Error("dropping malformed delayed job")
		r.ack(ctx, member)
		return
	}

	err := r.registry.Dispatch(ctx, job)
	if err == nil || job.Attempt+1 >= r.maxAttempts {
		if err != nil {
			r.logger.WithError(err).WithFields(log.Fields{"job_id": job.ID, "job": job.Name}).
				Error("delayed job exhausted its attempts")
		}
		r.ack(ctx, member)
		return
	}

	job.Attempt++
	retry, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		r.ack(ctx, member)
		return
	}
	delay := r.retryDelay * time.Duration(job.Attempt)
	r.requeue(ctx, member, string(retry), r.now().Add(delay))
}

func (r *Redis) ack(ctx context.Context, member string) {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	if err := r.client.ZRem(ctx, r.processingKey, member).Err(); err != nil {
		// Аренда истечёт, и задача выполнится повторно.
		r.logger.WithError(err).Warn("failed to ack delayed job")
	}
}

func (r *Redis) requeue(ctx context.Context, member, next string, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	err := requeueScript.Run(ctx, r.client, []string{r.key, r.processingKey},
		member, strconv.FormatInt(at.UnixMilli(), 10), next).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.WithError(err).Warn("failed to requeue delayed job")
	}
}

func (r *Redis) release(ctx context.Context, members []string) {
	now := r.now()
	for _, member := range members {
		r.requeue(ctx, member, member, now)
	}
}

var _ domain.Scheduler = (*Redis)(nil)
