package backend

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is one seller's offer for a product.
type Listing struct {
	ID             int64           `json:"id"`
	ProductID      int64           `json:"productId" validate:"required,gt=0"`
	ProductTitle   string          `json:"productTitle" validate:"required"`
	ProductBrand   string          `json:"productBrand"`
	Images         []string        `json:"images"`
	SellerID       int64           `json:"sellerId"`
	SellerShopName string          `json:"sellerShopName" validate:"required"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int             `json:"quantity" validate:"gte=0"`
	ConditionNote  string          `json:"conditionNote"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ListingPage wraps paginated listing results.
type ListingPage struct {
	Listings []Listing `json:"listings"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
	NextPage *int      `json:"nextPage,omitempty"`
}

// CartItem is a buyer's cart line with the listing price at the time it was added.
type CartItem struct {
	ID             int64           `json:"id"`
	BuyerID        int64           `json:"-"`
	ListingID      int64           `json:"listingId"`
	ProductTitle   string          `json:"productTitle"`
	SellerShopName string          `json:"sellerShopName"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int             `json:"quantity"`
	AddedAt        time.Time       `json:"addedAt"`
}

type Address struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"-"`
	FullName   string `json:"fullName" validate:"required"`
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone" validate:"required"`
	IsDefault  bool   `json:"isDefault"`
}

// Payment intent statuses.
const (
	IntentRequiresConfirmation = "requires_confirmation"
	IntentSucceeded            = "succeeded"
	IntentDeclined             = "declined"
)

type PaymentIntent struct {
	ID           string    `json:"paymentIntentId"`
	ClientSecret string    `json:"clientSecret"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Order statuses.
const (
	OrderPaid            = "paid"
	OrderAwaitingPayment = "awaiting_payment"
)

type OrderItem struct {
	ListingID    int64           `json:"listingId" validate:"required,gt=0"`
	ProductTitle string          `json:"productTitle,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity" validate:"required,gt=0"`
}

type Order struct {
	ID              int64           `json:"id"`
	BuyerID         int64           `json:"buyerId"`
	Status          string          `json:"status"`
	Items           []OrderItem     `json:"items"`
	ShippingCost    decimal.Decimal `json:"shippingCost"`
	Total           decimal.Decimal `json:"total"`
	DeliveryMethod  string          `json:"deliveryMethod"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty"`
	ShippingAddress *Address        `json:"shippingAddress,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NewOrder is the order creation payload. Item prices are ignored; the store
// prices every line from the listing.
type NewOrder struct {
	BuyerID         int64           `json:"buyerId"`
	Items           []OrderItem     `json:"items" validate:"required,min=1,dive"`
	PaymentIntentID string          `json:"paymentIntentId"`
	DeliveryMethod  string          `json:"deliveryMethod" validate:"required,oneof=home pickup"`
	ShippingCost    decimal.Decimal `json:"shippingCost"`
	ShippingAddress *Address        `json:"shippingAddress"`
	IdempotencyKey  string          `json:"-"`
}

// Email outbox statuses.
const (
	EmailQueued = "queued"
	EmailSent   = "sent"
	EmailFailed = "failed"
)

type Email struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"htmlContent"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
