package app

import (
	"strconv"

	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func placeDemoOrder() saga.PlaceOrderRequest {
	return saga.PlaceOrderRequest{
		UserID:          "demo-user",
		ShippingMethod:  "Express",
		PaymentProvider: "Stripe",
		Items:           map[int64]int32{2: 1},
	}
}
