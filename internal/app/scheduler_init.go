package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/scheduler"
)

type schedulerRuntime struct {
	jobs    domain.Scheduler
	checker healthcheck.Checker
	// run — цикл опроса; nil для in-memory планировщика.
	run   func(ctx context.Context)
	close func()
}

func initScheduler(ctx context.Context, cfg Config, registry *scheduler.Registry, logger *log.Entry) (*schedulerRuntime, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.SchedulerDriver)) {
	case "", SchedulerDriverMemory:
		jobs := scheduler.NewMemory(registry, cfg.SchedulerWorkers, logger.WithField("component", "scheduler-memory"))
		logger.Warn("using in-memory scheduler: delayed jobs are lost on restart")
		return &schedulerRuntime{jobs: jobs, close: jobs.Close}, nil
	case SchedulerDriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		jobs := scheduler.NewRedis(client, registry, scheduler.RedisOptions{
			PollInterval: cfg.SchedulerPollInterval,
			Logger:       logger.WithField("component", "scheduler-redis"),
		})
		logger.WithField("redis_addr", cfg.RedisAddr).Info("using redis scheduler")
		return &schedulerRuntime{
			jobs: jobs,
			checker: healthcheck.NewSimpleChecker("scheduler", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}),
			run: jobs.Run,
			close: func() {
				if err := client.Close(); err != nil {
					logger.WithError(err).Warn("failed to close redis client")
				}
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler driver %q", cfg.SchedulerDriver)
	}
}
