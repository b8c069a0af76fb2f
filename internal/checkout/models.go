package checkout

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"example.com/refurb-storefront/internal/offers"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report json field names so messages match what the client sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type DeliveryMethod string

const (
	DeliveryHome   DeliveryMethod = "home"
	DeliveryPickup DeliveryMethod = "pickup"
)

func (m DeliveryMethod) Valid() bool {
	return m == DeliveryHome || m == DeliveryPickup
}

type PaymentMethod string

const (
	PaymentCard         PaymentMethod = "card"
	PaymentPayPal       PaymentMethod = "paypal"
	PaymentBankTransfer PaymentMethod = "bank-transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentPayPal, PaymentBankTransfer:
		return true
	}
	return false
}

// Step is a checkout state. Sessions move shipping → payment → confirmation.
type Step int

const (
	StepShipping Step = iota + 1
	StepPayment
	StepConfirmation
)

func (s Step) String() string {
	switch s {
	case StepShipping:
		return "shipping"
	case StepPayment:
		return "payment"
	case StepConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// ParseStep accepts either the step name or its number.
func ParseStep(v string) (Step, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "shipping", "1":
		return StepShipping, true
	case "payment", "2":
		return StepPayment, true
	case "confirmation", "3":
		return StepConfirmation, true
	}
	return 0, false
}

// Address is a saved or resolved shipping address.
type Address struct {
	ID         int64  `json:"id,omitempty"`
	FullName   string `json:"fullName" validate:"required"`
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone" validate:"required"`
	IsDefault  bool   `json:"isDefault"`
}

// AddressForm is the new-address form of the shipping step.
type AddressForm struct {
	FirstName  string `json:"firstName" validate:"required"`
	LastName   string `json:"lastName" validate:"required"`
	Phone      string `json:"phone" validate:"required,max=32"`
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required,max=16"`
	Country    string `json:"country" validate:"required"`
}

// Validate trims the form and reports missing fields as a validation error.
func (f AddressForm) Validate() error {
	trimmed := f.trim()
	if err := validate.Struct(trimmed); err != nil {
		return fieldError("shipping address", err)
	}
	return nil
}

// Address converts a valid form into a shipping address.
func (f AddressForm) Address() Address {
	t := f.trim()
	return Address{
		FullName:   strings.TrimSpace(t.FirstName + " " + t.LastName),
		Street:     t.Street,
		City:       t.City,
		PostalCode: t.PostalCode,
		Country:    t.Country,
		Phone:      t.Phone,
	}
}

func (f AddressForm) trim() AddressForm {
	return AddressForm{
		FirstName:  strings.TrimSpace(f.FirstName),
		LastName:   strings.TrimSpace(f.LastName),
		Phone:      strings.TrimSpace(f.Phone),
		Street:     strings.TrimSpace(f.Street),
		City:       strings.TrimSpace(f.City),
		PostalCode: strings.TrimSpace(f.PostalCode),
		Country:    strings.TrimSpace(f.Country),
	}
}

func fieldError(what string, err error) *Error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return &Error{Kind: KindValidation, Message: "invalid " + what, Err: err}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &Error{
		Kind:    KindValidation,
		Message: "invalid " + what + ": " + strings.Join(fields, ", "),
		Err:     err,
	}
}

// CartLine is one cart entry with the price seen when it was added.
type CartLine struct {
	ID             int64           `json:"id"`
	ListingID      int64           `json:"listingId"`
	ProductTitle   string          `json:"productTitle"`
	SellerShopName string          `json:"sellerShopName"`
	UnitPrice      decimal.Decimal `json:"price"`
	Quantity       int             `json:"quantity"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// NewCartLine builds a line for offer after checking that qty is available.
func NewCartLine(offer offers.Offer, qty int) (CartLine, error) {
	if !offer.Active {
		return CartLine{}, validationError("listing %d is not available", offer.ID)
	}
	if qty < 1 {
		return CartLine{}, validationError("quantity must be at least 1")
	}
	if qty > offer.Quantity {
		return CartLine{}, validationError("only %d left in stock", offer.Quantity)
	}
	return CartLine{
		ListingID:      offer.ID,
		ProductTitle:   offer.ProductTitle,
		SellerShopName: offer.SellerShopName,
		UnitPrice:      offer.Price,
		Quantity:       qty,
	}, nil
}

type Cart struct {
	Lines []CartLine `json:"items"`
}

func (c Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Lines {
		total = total.Add(l.LineTotal())
	}
	return total
}

func (c Cart) ItemCount() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// Buyer identifies who is checking out. Email may be empty, in which case no
// confirmation email is sent.
type Buyer struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// LineItem is what the backend receives per cart line. Prices are not resent;
// the backend prices orders itself.
type LineItem struct {
	ListingID int64 `json:"listingId"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderRequest struct {
	BuyerID         int64           `json:"buyerId"`
	Items           []LineItem      `json:"items"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty"`
	DeliveryMethod  DeliveryMethod  `json:"deliveryMethod"`
	ShippingCost    decimal.Decimal `json:"shippingCost"`
	ShippingAddress *Address        `json:"shippingAddress,omitempty"`
	// IdempotencyKey travels as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

type OrderLine struct {
	ListingID    int64           `json:"listingId"`
	ProductTitle string          `json:"productTitle"`
	UnitPrice    decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
}

// Order is the backend's view of a placed order.
type Order struct {
	ID              int64           `json:"id"`
	BuyerID         int64           `json:"buyerId"`
	Status          string          `json:"status"`
	Items           []OrderLine     `json:"items"`
	ShippingCost    decimal.Decimal `json:"shippingCost"`
	Total           decimal.Decimal `json:"total"`
	DeliveryMethod  DeliveryMethod  `json:"deliveryMethod"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty"`
	ShippingAddress *Address        `json:"shippingAddress,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type PaymentIntent struct {
	ID           string `json:"paymentIntentId"`
	ClientSecret string `json:"clientSecret"`
}

// Confirmation is the outcome of a successful submission.
type Confirmation struct {
	OrderID         int64           `json:"orderId"`
	OrderNumber     string          `json:"orderNumber"`
	Total           decimal.Decimal `json:"total"`
	PaymentIntentID string          `json:"paymentIntentId"`
	PlacedAt        time.Time       `json:"placedAt"`
}
