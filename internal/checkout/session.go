package checkout

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Session is one buyer's transient checkout. It is safe for concurrent use;
// every method takes the session lock, and only one submission may be in
// flight at a time.
type Session struct {
	mu sync.Mutex

	id             string
	idempotencyKey string
	policy         Policy
	createdAt      time.Time

	buyer     Buyer
	cart      Cart
	addresses []Address

	selectedAddressID int64
	useNewAddress     bool
	newAddress        AddressForm

	delivery       DeliveryMethod
	payment        PaymentMethod
	cardholderName string

	step         Step
	processing   bool
	confirmation *Confirmation
}

// NewSession opens a checkout at the shipping step. The buyer's default saved
// address is preselected; with no saved addresses the new-address form is used.
func NewSession(buyer Buyer, cart Cart, addresses []Address, policy Policy) *Session {
	s := &Session{
		id:             uuid.NewString(),
		idempotencyKey: uuid.NewString(),
		policy:         policy,
		createdAt:      time.Now().UTC(),
		buyer:          buyer,
		cart:           cart,
		addresses:      append([]Address(nil), addresses...),
		delivery:       DeliveryHome,
		payment:        PaymentCard,
		step:           StepShipping,
	}
	for _, a := range s.addresses {
		if a.IsDefault {
			s.selectedAddressID = a.ID
			break
		}
	}
	if len(s.addresses) == 0 {
		s.useNewAddress = true
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Buyer() Buyer {
	return s.buyer
}

// editable refuses edits while submitting or once the order is placed.
// Callers hold s.mu.
func (s *Session) editable() error {
	if s.processing {
		return stateError("order submission in progress")
	}
	if s.step == StepConfirmation {
		return stateError("order already placed")
	}
	return nil
}

// SelectAddress picks one of the buyer's saved addresses.
func (s *Session) SelectAddress(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	for _, a := range s.addresses {
		if a.ID == id {
			s.selectedAddressID = id
			s.useNewAddress = false
			return nil
		}
	}
	return validationError("unknown address %d", id)
}

// UseNewAddress switches to the new-address form. The form is validated when
// leaving the shipping step.
func (s *Session) UseNewAddress(form AddressForm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	s.newAddress = form
	s.useNewAddress = true
	return nil
}

// AddSavedAddress appends an address saved during checkout and selects it.
func (s *Session) AddSavedAddress(a Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	s.addresses = append(s.addresses, a)
	s.selectedAddressID = a.ID
	s.useNewAddress = false
	return nil
}

func (s *Session) SetDeliveryMethod(m DeliveryMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	if !m.Valid() {
		return validationError("unknown delivery method %q", m)
	}
	s.delivery = m
	return nil
}

func (s *Session) SetPaymentMethod(m PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	if !m.Valid() {
		return validationError("unknown payment method %q", m)
	}
	s.payment = m
	return nil
}

func (s *Session) SetCardholderName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	s.cardholderName = name
	return nil
}

// ResolvedAddress returns the address the order will ship to.
func (s *Session) ResolvedAddress() (Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedAddress()
}

func (s *Session) resolvedAddress() (Address, error) {
	if s.useNewAddress {
		if err := s.newAddress.Validate(); err != nil {
			return Address{}, err
		}
		return s.newAddress.Address(), nil
	}
	for _, a := range s.addresses {
		if a.ID == s.selectedAddressID && s.selectedAddressID != 0 {
			return a, nil
		}
	}
	return Address{}, validationError("select a shipping address")
}

func (s *Session) Subtotal() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Subtotal()
}

func (s *Session) ShippingCost() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.ShippingCost(s.delivery, s.cart.Subtotal())
}

// Total is subtotal plus shipping.
func (s *Session) Total() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total()
}

func (s *Session) total() decimal.Decimal {
	subtotal := s.cart.Subtotal()
	return subtotal.Add(s.policy.ShippingCost(s.delivery, subtotal))
}

func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *Session) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Confirmation returns the placed order once the session is confirmed.
func (s *Session) Confirmation() (Confirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmation == nil {
		return Confirmation{}, false
	}
	return *s.confirmation, true
}

// GoTo moves between the shipping and payment steps. Payment requires a
// resolvable address; confirmation is only reached by submitting.
func (s *Session) GoTo(step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	switch step {
	case StepShipping:
		s.step = StepShipping
		return nil
	case StepPayment:
		if len(s.cart.Lines) == 0 {
			return validationError("cart is empty")
		}
		if _, err := s.resolvedAddress(); err != nil {
			return err
		}
		s.step = StepPayment
		return nil
	case StepConfirmation:
		return stateError("confirmation is reached by placing the order")
	default:
		return validationError("unknown step %d", step)
	}
}

// Submission is the immutable input of one order submission, captured under
// the session lock so the pipeline never reads mutable session state.
type Submission struct {
	SessionID      string          `json:"sessionId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Buyer          Buyer           `json:"buyer"`
	Items          []LineItem      `json:"items"`
	Address        Address         `json:"address"`
	DeliveryMethod DeliveryMethod  `json:"deliveryMethod"`
	ShippingCost   decimal.Decimal `json:"shippingCost"`
	Total          decimal.Decimal `json:"total"`
	AmountMinor    int64           `json:"amountMinor"`
	Currency       string          `json:"currency"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	CardholderName string          `json:"cardholderName,omitempty"`
}

// BeginSubmit validates the payment step and marks the session as
// processing. Every successful BeginSubmit must be followed by Abort or
// Complete.
func (s *Session) BeginSubmit() (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return Submission{}, err
	}
	if s.step != StepPayment {
		return Submission{}, stateError("orders can only be placed from the payment step")
	}
	name := strings.TrimSpace(s.cardholderName)
	if s.payment == PaymentCard {
		if err := validate.Var(name, "required,min=2,max=100"); err != nil {
			return Submission{}, &Error{Kind: KindValidation, Message: "enter the name shown on the card", Err: err}
		}
	}
	if len(s.cart.Lines) == 0 {
		return Submission{}, validationError("cart is empty")
	}
	addr, err := s.resolvedAddress()
	if err != nil {
		return Submission{}, err
	}

	subtotal := s.cart.Subtotal()
	shipping := s.policy.ShippingCost(s.delivery, subtotal)
	total := subtotal.Add(shipping)
	items := make([]LineItem, 0, len(s.cart.Lines))
	for _, l := range s.cart.Lines {
		items = append(items, LineItem{ListingID: l.ListingID, Quantity: l.Quantity})
	}
	sub := Submission{
		SessionID:      s.id,
		IdempotencyKey: s.idempotencyKey,
		Buyer:          s.buyer,
		Items:          items,
		Address:        addr,
		DeliveryMethod: s.delivery,
		ShippingCost:   shipping,
		Total:          total,
		AmountMinor:    MinorUnits(total),
		Currency:       s.policy.Currency,
		PaymentMethod:  s.payment,
	}
	if s.payment == PaymentCard {
		sub.CardholderName = name
	}
	s.processing = true
	return sub, nil
}

// Abort ends a failed submission. The buyer stays on the payment step.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
}

// Complete records the placed order and moves to confirmation.
func (s *Session) Complete(conf Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	s.confirmation = &conf
	s.step = StepConfirmation
}

// View is a point-in-time rendering of the session for API responses.
type View struct {
	ID                string          `json:"id"`
	Step              string          `json:"step"`
	Processing        bool            `json:"isProcessing"`
	Buyer             Buyer           `json:"buyer"`
	Items             []CartLine      `json:"items"`
	ItemCount         int             `json:"itemCount"`
	Addresses         []Address       `json:"savedAddresses"`
	SelectedAddressID int64           `json:"selectedAddressId,omitempty"`
	UseNewAddress     bool            `json:"useNewAddress"`
	NewAddress        AddressForm     `json:"newAddress"`
	DeliveryMethod    DeliveryMethod  `json:"deliveryMethod"`
	PaymentMethod     PaymentMethod   `json:"paymentMethod"`
	CardholderName    string          `json:"cardholderName,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	ShippingCost      decimal.Decimal `json:"shippingCost"`
	Total             decimal.Decimal `json:"total"`
	Confirmation      *Confirmation   `json:"confirmation,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	subtotal := s.cart.Subtotal()
	shipping := s.policy.ShippingCost(s.delivery, subtotal)
	v := View{
		ID:                s.id,
		Step:              s.step.String(),
		Processing:        s.processing,
		Buyer:             s.buyer,
		Items:             append([]CartLine(nil), s.cart.Lines...),
		ItemCount:         s.cart.ItemCount(),
		Addresses:         append([]Address(nil), s.addresses...),
		SelectedAddressID: s.selectedAddressID,
		UseNewAddress:     s.useNewAddress,
		NewAddress:        s.newAddress,
		DeliveryMethod:    s.delivery,
		PaymentMethod:     s.payment,
		CardholderName:    s.cardholderName,
		Subtotal:          subtotal,
		ShippingCost:      shipping,
		Total:             subtotal.Add(shipping),
		CreatedAt:         s.createdAt,
	}
	if s.confirmation != nil {
		conf := *s.confirmation
		v.Confirmation = &conf
	}
	return v
}
