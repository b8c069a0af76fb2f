package checkout

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the shop-wide pricing and numbering rules.
type Policy struct {
	FreeShippingThreshold decimal.Decimal
	HomeDeliveryFee       decimal.Decimal
	Currency              string
	OrderPrefix           string
}

func DefaultPolicy() Policy {
	return Policy{
		FreeShippingThreshold: decimal.NewFromInt(199),
		HomeDeliveryFee:       decimal.RequireFromString("9.90"),
		Currency:              "eur",
		OrderPrefix:           "INF",
	}
}

// ShippingCost is free for pickup and for home delivery once subtotal reaches
// the threshold; otherwise it is the flat home-delivery fee.
func (p Policy) ShippingCost(method DeliveryMethod, subtotal decimal.Decimal) decimal.Decimal {
	if method == DeliveryPickup {
		return decimal.Zero
	}
	if subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		return decimal.Zero
	}
	return p.HomeDeliveryFee
}

// OrderNumber formats a buyer-facing order number from the last six digits of
// the unix millisecond timestamp and the backend order id. The id is what
// makes it unique.
func (p Policy) OrderNumber(at time.Time, orderID int64) string {
	return fmt.Sprintf("%s-%06d-%04d", p.OrderPrefix, at.UnixMilli()%1_000_000, orderID)
}

// MinorUnits converts an amount to the provider's minor currency unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
