package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxBodyBytes          = 1 << 20
)

// OrderPlacer оформляет заказ.
type OrderPlacer interface {
	Submit(ctx context.Context, req saga.PlaceOrderRequest) (saga.PlaceOrderResult, error)
}

// PaymentGateway применяет результат платёжного провайдера.
type PaymentGateway interface {
	Confirm(ctx context.Context, paymentID int64, providerTxnID string, amount decimal.Decimal) error
	Fail(ctx context.Context, paymentID int64, providerTxnID string) error
	Cancel(ctx context.Context, paymentID int64, providerTxnID string) error
}

type itemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

type placeOrderRequest struct {
	UserID          string                 `json:"user_id"`
	ShippingMethod  string                 `json:"shipping_method"`
	CouponCode      string                 `json:"coupon_code"`
	PaymentProvider string                 `json:"payment_provider"`
	ShippingDetails domain.ShippingDetails `json:"shipping_details"`
	Items           []itemRequest          `json:"items"`
}

// toSaga сливает повторяющиеся позиции одного товара. Суммарное количество
// должно помещаться в int32.
func (r placeOrderRequest) toSaga() (saga.PlaceOrderRequest, error) {
	totals := make(map[int64]int64, len(r.Items))
	order := make([]int64, 0, len(r.Items))
	for _, item := range r.Items {
		if _, seen := totals[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		totals[item.ProductID] += int64(item.Quantity)
	}

	items := make(map[int64]int32, len(totals))
	var problems []error
	for _, productID := range order {
		total := totals[productID]
		if total > math.MaxInt32 {
			problems = append(problems, &domain.ItemError{ProductID: productID, Err: domain.ErrQuantityTooLarge})
			continue
		}
		items[productID] = int32(total)
	}
	if err := domain.NewValidationError(problems...); err != nil {
		return saga.PlaceOrderRequest{}, err
	}

	return saga.PlaceOrderRequest{
		UserID:          r.UserID,
		ShippingMethod:  r.ShippingMethod,
		CouponCode:      r.CouponCode,
		PaymentProvider: r.PaymentProvider,
		ShippingDetails: r.ShippingDetails,
		Items:           items,
	}, nil
}

type orderItemView struct {
	ProductID int64  `json:"product_id"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type orderView struct {
	ID             int64           `json:"id"`
	OrderNumber    string          `json:"order_number"`
	Status         string          `json:"status"`
	PaymentID      int64           `json:"payment_id"`
	ShippingMethod string          `json:"shipping_method"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	SubTotal       string          `json:"sub_total"`
	Shipping       string          `json:"shipping"`
	Discount       string          `json:"discount"`
	Total          string          `json:"total"`
	Currency       string          `json:"currency"`
	Items          []orderItemView `json:"items"`
}

func newOrderView(result saga.PlaceOrderResult) orderView {
	o := result.Order
	items := make([]orderItemView, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemView{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.StringFixed(2),
		})
	}
	return orderView{
		ID:             o.ID,
		OrderNumber:    o.OrderNumber,
		Status:         string(o.Status),
		PaymentID:      result.PaymentID,
		ShippingMethod: o.ShippingMethod,
		CouponCode:     o.CouponCode,
		SubTotal:       o.SubTotal.StringFixed(2),
		Shipping:       o.Shipping.StringFixed(2),
		Discount:       o.Discount.StringFixed(2),
		Total:          o.Total.StringFixed(2),
		Currency:       o.Currency,
		Items:          items,
	}
}

type paymentCallbackRequest struct {
	ProviderTransactionID string          `json:"provider_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
}

type paymentView struct {
	PaymentID int64  `json:"payment_id"`
	Status    string `json:"status"`
}

type handlers struct {
	orders   OrderPlacer
	payments PaymentGateway
	timeout  time.Duration
}

func (h *handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Request body is not valid JSON.")
		return
	}

	sagaReq, err := req.toSaga()
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result, err := h.orders.Submit(ctx, sagaReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, newOrderView(result))
}

func (h *handlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentCallback(w, r, "succeeded", func(ctx context.Context, id int64, req paymentCallbackRequest) error {
		return h.payments.Confirm(ctx, id, req.ProviderTransactionID, req.Amount)
	})
}

func (h *handlers) failPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentCallback(w, r, "failed", func(ctx context.Context, id int64, req paymentCallbackRequest) error {
		return h.payments.Fail(ctx, id, req.ProviderTransactionID)
	})
}

func (h *handlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentCallback(w, r, "canceled", func(ctx context.Context, id int64, req paymentCallbackRequest) error {
		return h.payments.Cancel(ctx, id, req.ProviderTransactionID)
	})
}

func (h *handlers) paymentCallback(
	w http.ResponseWriter,
	r *http.Request,
	status string,
	apply func(ctx context.Context, id int64, req paymentCallbackRequest) error,
) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "Payment id must be a positive integer.")
		return
	}

	// Пустое тело допустимо для fail/cancel.
	var req paymentCallbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "Request body is not valid JSON.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := apply(ctx, id, req); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, paymentView{PaymentID: id, Status: status})
}
