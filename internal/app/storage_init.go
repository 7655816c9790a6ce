package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
)

// catalog — справочники и остатки, одинаковые для обоих хранилищ.
type catalog interface {
	domain.ProductRepository
	ShippingMethods() domain.ShippingMethodLookup
	Coupons() domain.CouponLookup
	Users() domain.UserDirectory
}

type runtimeDependencies struct {
	tx              domain.TxManager
	orders          domain.OrderRepository
	reservations    domain.ReservationRepository
	payments        domain.PaymentRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	catalog         catalog
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	switch driver {
	case StorageDriverMemory:
		store := memory.NewStore()
		memCatalog := memory.NewCatalog(store)
		if err := seedDemoCatalog(ctx, memCatalog); err != nil {
			return nil, fmt.Errorf("seed memory catalog: %w", err)
		}
		logger.Info("using in-memory storage with demo catalog")
		return &runtimeDependencies{
			tx:              store,
			orders:          memory.NewOrderRepository(store),
			reservations:    memory.NewReservationRepository(store),
			payments:        memory.NewPaymentRepository(store),
			outboxRepo:      memory.NewOutboxRepository(store),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			catalog:         memCatalog,
			storageChecker:  healthcheck.NewSimpleChecker("storage", store.Ping),
		}, nil
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage requires a DSN")
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			tx:              store,
			orders:          postgres.NewOrderRepository(store),
			reservations:    postgres.NewReservationRepository(store),
			payments:        postgres.NewPaymentRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			catalog:         postgres.NewCatalog(store),
			storageChecker:  healthcheck.NewSimpleChecker("storage", store.Ping),
			closeFn:         store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// seedDemoCatalog наполняет in-memory каталог, чтобы сервис можно было попробовать без базы.
func seedDemoCatalog(ctx context.Context, c *memory.Catalog) error {
	products := []domain.Product{
		{ID: 1, Name: "Mechanical keyboard", Price: decimal.RequireFromString("49.90"), Stock: 100},
		{ID: 2, Name: "Wireless mouse", Price: decimal.RequireFromString("19.90"), Stock: 200},
		{ID: 3, Name: "USB-C hub", Price: decimal.RequireFromString("34.50"), Stock: 50},
	}
	for _, p := range products {
		if err := c.PutProduct(ctx, p); err != nil {
			return err
		}
	}
	for _, m := range []domain.ShippingMethod{
		{Name: "Standard", Cost: decimal.RequireFromString("4.99")},
		{Name: "Express", Cost: decimal.RequireFromString("14.99")},
	} {
		if err := c.PutShippingMethod(ctx, m); err != nil {
			return err
		}
	}
	if err := c.PutCoupon(ctx, domain.Coupon{Code: "WELCOME10", DiscountPercent: decimal.NewFromInt(10)}); err != nil {
		return err
	}
	return c.PutUserEmail(ctx, "demo-user", "demo-user@example.com")
}
