package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/scheduler"
)

type services struct {
	checkout  *saga.Checkout
	gateway   *saga.Gateway
	inventory *inventory.Workflow
}

// buildServices связывает workflow и саги поверх выбранного хранилища
// и регистрирует обработчики отложенных задач.
func buildServices(
	cfg Config,
	deps *runtimeDependencies,
	jobs domain.Scheduler,
	registry *scheduler.Registry,
	notifier domain.Notifier,
	sagaMetrics *metrics.SagaMetrics,
	logger *log.Entry,
) *services {
	recorder := outbox.NewRecorder(deps.outboxRepo)

	orderWorkflow := order.NewWorkflow(
		deps.orders,
		deps.catalog,
		deps.catalog.ShippingMethods(),
		deps.catalog.Coupons(),
		order.WithCurrency(cfg.Currency),
		order.WithLogger(logger.WithField("component", "order-workflow")),
	)
	inventoryWorkflow := inventory.NewWorkflow(inventory.Config{
		Reservations: deps.reservations,
		Orders:       deps.orders,
		Stock:        orderWorkflow,
		Tx:           deps.tx,
		Scheduler:    jobs,
		Events:       recorder,
		Metrics:      sagaMetrics,
		Window:       cfg.ReservationWindow,
		Logger:       logger.WithField("component", "inventory-workflow"),
	})
	paymentWorkflow := payment.NewWorkflow(deps.payments, payment.WithLogger(logger.WithField("component", "payment-workflow")))

	svc := &services{
		inventory: inventoryWorkflow,
		checkout: saga.NewCheckout(saga.CheckoutDeps{
			Tx:           deps.tx,
			Orders:       orderWorkflow,
			Reservations: inventoryWorkflow,
			Payments:     paymentWorkflow,
			Events:       recorder,
			Metrics:      sagaMetrics,
			Logger:       logger.WithField("component", "checkout-saga"),
		}),
		gateway: saga.NewGateway(saga.GatewayDeps{
			Tx:           deps.tx,
			Orders:       orderWorkflow,
			Reservations: inventoryWorkflow,
			Payments:     paymentWorkflow,
			Events:       recorder,
			Scheduler:    jobs,
			OrderReader:  deps.orders,
			Users:        deps.catalog.Users(),
			Notifier:     notifier,
			Metrics:      sagaMetrics,
			Logger:       logger.WithField("component", "payment-gateway-saga"),
		}),
	}

	registry.Register(domain.JobCheckExpiredReservation, inventoryWorkflow.HandleJob)
	registry.Register(domain.JobSendOrderConfirmation, svc.gateway.HandleConfirmationJob)
	return svc
}
