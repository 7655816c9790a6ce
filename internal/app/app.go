// Package app собирает fulfillment-service: хранилище, саги, планировщик,
// outbox, Kafka и HTTP/gRPC серверы.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/scheduler"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

const (
	shutdownTimeout  = 5 * time.Second
	outboxStaleAfter = 5 * time.Minute
)

// application — собранный сервис до запуска серверов.
type application struct {
	cfg       Config
	logger    *log.Entry
	deps      *runtimeDependencies
	scheduler *schedulerRuntime
	producer  *kafka.Producer
	services  *services
	guard     *idempotency.Guard
	health    *healthcheck.Handler
	closers   []func()
}

func newApplication(ctx context.Context, cfg Config, logger *log.Entry) (_ *application, err error) {
	a := &application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.deps, err = initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.deps.close(logger) })

	registry := scheduler.NewRegistry(logger.WithField("component", "scheduler"))
	a.scheduler, err = initScheduler(ctx, cfg, registry, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.scheduler.close)

	notifier, closeNotifier, err := initNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeNotifier)

	// Kafka необязательна: без неё события копятся в outbox до следующего запуска с брокером.
	a.producer, _ = initKafkaProducer(cfg.KafkaBrokers, logger)
	a.closers = append(a.closers, func() { closeKafka(a.producer, logger) })

	a.services = buildServices(cfg, a.deps, a.scheduler.jobs, registry, notifier, metrics.NewSagaMetrics(), logger)
	a.guard = idempotency.NewGuard(a.deps.idempotencyRepo, cfg.IdempotencyKeyTTL, logger.WithField("component", "idempotency-guard"))

	a.health = healthcheck.NewHandler(version.GetVersion())
	a.health.RegisterChecker("storage", a.deps.storageChecker)
	if a.scheduler.checker != nil {
		a.health.RegisterChecker("scheduler", a.scheduler.checker)
	}
	a.health.RegisterChecker("outbox", healthcheck.NewOptionalChecker("outbox", outboxBacklogCheck(a.deps.outboxRepo, outboxStaleAfter)))
	return a, nil
}

// outboxBacklogCheck деградирует, если старейшее неопубликованное событие ждёт дольше staleAfter.
func outboxBacklogCheck(repo domain.OutboxRepository, staleAfter time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.PendingCount > 0 && time.Since(stats.OldestPendingAt) > staleAfter {
			return fmt.Errorf("%d outbox events pending since %s", stats.PendingCount, stats.OldestPendingAt.Format(time.RFC3339))
		}
		return nil
	}
}

// close освобождает ресурсы в обратном порядке.
func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *application) apiHandler() http.Handler {
	return httpapi.NewRouter(httpapi.Config{
		Orders:   a.services.checkout,
		Payments: a.services.gateway,
		Guard:    a.guard,
		Logger:   a.logger.WithField("component", "http-api"),
	})
}

func (a *application) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", a.health)
	mux.HandleFunc("/readyz", a.health.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(gctx, &http.Server{Addr: cfg.HTTPAddr, Handler: a.apiHandler(), ReadHeaderTimeout: 5 * time.Second}, "http api", logger)
	})
	g.Go(func() error {
		return serveHTTP(gctx, &http.Server{Addr: cfg.MetricsAddr, Handler: a.metricsHandler(), ReadHeaderTimeout: 5 * time.Second}, "metrics", logger)
	})
	g.Go(func() error {
		return serveGRPC(gctx, cfg.GRPCAddr, logger)
	})

	if a.scheduler.run != nil {
		g.Go(func() error {
			a.scheduler.run(gctx)
			return nil
		})
	}

	cleanup := idempotency.NewCleanupWorker(
		a.deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithStaleAfter(cfg.IdempotencyStaleAfter),
	)
	g.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	if a.producer != nil {
		worker := outbox.NewWorker(
			a.deps.outboxRepo,
			kafka.NewOutboxPublisher(a.producer, cfg.OrderEventsTopic),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(a.producer, kafka.TopicDeadLetterQueue)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})

		consumer, err := initCallbackConsumer(cfg, a.services.gateway, a.producer, logger)
		if err != nil {
			logger.WithError(err).Warn("payment callback consumer disabled")
		} else if consumer != nil {
			if err := consumer.Start(gctx); err != nil {
				return err
			}
			g.Go(func() error {
				<-gctx.Done()
				return consumer.Stop()
			})
		}
	} else {
		logger.Info("kafka is not configured: outbox publishing and payment callback consumer are disabled")
	}

	logger.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"version":      version.String(),
	}).Info("fulfillment-service started")

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// serveHTTP обслуживает srv до отмены ctx, затем останавливает его с таймаутом.
func serveHTTP(ctx context.Context, srv *http.Server, name string, logger *log.Entry) error {
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", name, srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("%s слушает %s", name, lis.Addr())
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownHTTP(srv, logger)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// serveGRPC поднимает gRPC health-сервис для оркестраторов контейнеров.
func serveGRPC(ctx context.Context, addr string, logger *log.Entry) error {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("grpc server: %w", err)
	}
}
