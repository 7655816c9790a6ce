package saga

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/payment"
)

// PlaceOrderRequest — входные данные оформления заказа.
type PlaceOrderRequest struct {
	UserID          string
	ShippingMethod  string
	CouponCode      string
	PaymentProvider string
	ShippingDetails domain.ShippingDetails
	Items           map[int64]int32
}

// PlaceOrderResult — созданный заказ и ID его платежа.
type PlaceOrderResult struct {
	Order     domain.Order
	PaymentID int64
}

// CheckoutDeps — зависимости оркестратора оформления.
type CheckoutDeps struct {
	Tx           domain.TxManager
	Orders       OrderWorkflow
	Reservations ReservationWorkflow
	Payments     PaymentWorkflow
	Events       EventRecorder
	Metrics      *metrics.SagaMetrics
	Logger       *log.Entry
}

// Checkout выполняет сагу: заказ → резерв → платёж → commit.
type Checkout struct {
	tx           domain.TxManager
	orders       OrderWorkflow
	reservations ReservationWorkflow
	payments     PaymentWorkflow
	events       EventRecorder
	metrics      *metrics.SagaMetrics
	logger       *log.Entry
}

// NewCheckout создаёт оркестратор оформления.
func NewCheckout(deps CheckoutDeps) *Checkout {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout-saga")
	}
	return &Checkout{
		tx:           deps.Tx,
		orders:       deps.Orders,
		reservations: deps.Reservations,
		payments:     deps.Payments,
		events:       deps.Events,
		metrics:      deps.Metrics,
		logger:       logger,
	}
}

// Submit оформляет заказ. Структурные ошибки запроса возвращаются до открытия транзакции;
// при любой ошибке шага транзакция откатывается целиком.
func (c *Checkout) Submit(ctx context.Context, req PlaceOrderRequest) (result PlaceOrderResult, err error) {
	r := startRun(metrics.SagaCheckout, c.tx, c.metrics, c.logger.WithField("user_id", req.UserID))
	defer func() { r.end(recover(), &err) }()

	paymentType, err := validateRequest(req)
	if err != nil {
		r.result = metrics.ResultRejected
		return PlaceOrderResult{}, err
	}

	if err := r.begin(ctx); err != nil {
		return PlaceOrderResult{}, err
	}

	var created domain.Order
	if err := r.step(domain.SagaStepCreateOrder, func(ctx context.Context) error {
		var stepErr error
		created, stepErr = c.orders.CreateOrder(ctx, order.Spec{
			UserID:          req.UserID,
			ShippingMethod:  req.ShippingMethod,
			CouponCode:      req.CouponCode,
			ShippingDetails: req.ShippingDetails,
			Items:           req.Items,
		})
		return stepErr
	}); err != nil {
		return PlaceOrderResult{}, err
	}

	if err := r.step(domain.SagaStepCreateReservation, func(ctx context.Context) error {
		_, stepErr := c.reservations.CreateReservation(ctx, created.ID, paymentType)
		return stepErr
	}); err != nil {
		return PlaceOrderResult{}, err
	}

	var createdPayment domain.Payment
	if err := r.step(domain.SagaStepCreatePayment, func(ctx context.Context) error {
		var stepErr error
		createdPayment, stepErr = c.payments.CreatePayment(ctx, payment.Spec{
			OrderID:  created.ID,
			UserID:   req.UserID,
			Amount:   created.Total,
			Currency: created.Currency,
			Provider: paymentType,
		})
		if stepErr != nil {
			return stepErr
		}
		return c.record(ctx, outbox.EventOrderPlaced, created.ID, map[string]any{
			"order_id":     created.ID,
			"order_number": created.OrderNumber,
			"user_id":      created.UserID,
			"total":        created.Total.StringFixed(2),
			"currency":     created.Currency,
			"payment_id":   createdPayment.ID,
			"provider":     paymentType,
		})
	}); err != nil {
		return PlaceOrderResult{}, err
	}

	if err := r.commit(); err != nil {
		return PlaceOrderResult{}, err
	}
	c.metrics.RecordOutboxEvent(outbox.EventOrderPlaced)

	r.logger.WithFields(log.Fields{
		"order_id":     created.ID,
		"order_number": created.OrderNumber,
		"payment_id":   createdPayment.ID,
	}).Info("order placed")
	return PlaceOrderResult{Order: created, PaymentID: createdPayment.ID}, nil
}

func (c *Checkout) record(ctx context.Context, eventType string, orderID int64, payload any) error {
	if c.events == nil {
		return nil
	}
	return c.events.Record(ctx, eventType, orderID, payload)
}

func validateRequest(req PlaceOrderRequest) (domain.PaymentType, error) {
	var problems []error
	if len(req.Items) == 0 {
		problems = append(problems, domain.ErrItemsRequired)
	}
	paymentType, err := domain.ParsePaymentType(req.PaymentProvider)
	if err != nil {
		problems = append(problems, err)
	}
	if strings.TrimSpace(req.UserID) == "" {
		problems = append(problems, domain.ErrUserIDRequired)
	}
	return paymentType, domain.NewValidationError(problems...)
}
