package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/refurb-storefront/internal/logging"
	"example.com/refurb-storefront/internal/offers"
)

type fakePayments struct {
	mu         sync.Mutex
	creates    int
	confirms   int
	amounts    []int64
	createErr  error
	confirmErr error
}

func (f *fakePayments) CreatePaymentIntent(_ context.Context, amountMinor int64, _ string) (PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.amounts = append(f.amounts, amountMinor)
	if f.createErr != nil {
		return PaymentIntent{}, f.createErr
	}
	return PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret"}, nil
}

func (f *fakePayments) ConfirmPayment(_ context.Context, clientSecret, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	return f.confirmErr
}

func (f *fakePayments) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.confirms
}

type fakeOrders struct {
	mu   sync.Mutex
	reqs []CreateOrderRequest
	err  error
}

func (f *fakeOrders) CreateOrder(_ context.Context, req CreateOrderRequest) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return Order{}, f.err
	}
	return Order{ID: 42, BuyerID: req.BuyerID, Status: "paid", Total: decimal.RequireFromString("59.90"), PaymentIntentID: req.PaymentIntentID}, nil
}

type fakeCarts struct {
	mu      sync.Mutex
	cleared []int64
	err     error
}

func (f *fakeCarts) ClearCart(_ context.Context, buyerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, buyerID)
	return f.err
}

type fakeMailer struct {
	mu         sync.Mutex
	recipients []string
	numbers    []string
	err        error
}

func (f *fakeMailer) SendOrderConfirmation(_ context.Context, _ Order, recipient, orderNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients = append(f.recipients, recipient)
	f.numbers = append(f.numbers, orderNumber)
	return f.err
}

type harness struct {
	payments *fakePayments
	orders   *fakeOrders
	carts    *fakeCarts
	mailer   *fakeMailer
	orch     *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		payments: &fakePayments{},
		orders:   &fakeOrders{},
		carts:    &fakeCarts{},
		mailer:   &fakeMailer{},
	}
	h.orch = NewOrchestrator(Dependencies{
		Payments: h.payments,
		Orders:   h.orders,
		Carts:    h.carts,
		Mailer:   h.mailer,
	}, DefaultPolicy(), logging.Discard())
	h.orch.now = func() time.Time { return time.UnixMilli(1736942512345) }
	return h
}

func testCart() Cart {
	return Cart{Lines: []CartLine{
		{ID: 1, ListingID: 10, ProductTitle: "iPhone 12", SellerShopName: "ReCell", UnitPrice: decimal.RequireFromString("25.00"), Quantity: 2},
	}}
}

func testAddresses() []Address {
	return []Address{
		{ID: 1, FullName: "Ada Martin", Street: "1 rue de la Paix", City: "Paris", PostalCode: "75002", Country: "FR", Phone: "0600000000"},
		{ID: 2, FullName: "Ada Martin", Street: "5 quai Perrache", City: "Lyon", PostalCode: "69002", Country: "FR", Phone: "0600000000", IsDefault: true},
	}
}

func paymentSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(Buyer{ID: 7, Email: "ada@example.com", DisplayName: "Ada"}, testCart(), testAddresses(), DefaultPolicy())
	require.NoError(t, s.GoTo(StepPayment))
	return s
}

func TestShippingCost(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.ShippingCost(DeliveryPickup, decimal.NewFromInt(5)).IsZero())
	assert.True(t, p.ShippingCost(DeliveryPickup, decimal.NewFromInt(500)).IsZero())
	assert.True(t, p.ShippingCost(DeliveryHome, decimal.NewFromInt(199)).IsZero())
	assert.True(t, p.ShippingCost(DeliveryHome, decimal.NewFromInt(50)).Equal(decimal.RequireFromString("9.90")))
	assert.True(t, p.ShippingCost(DeliveryHome, decimal.RequireFromString("198.99")).Equal(decimal.RequireFromString("9.90")))
}

func TestOrderNumber(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, "INF-512345-0042", p.OrderNumber(time.UnixMilli(1736942512345), 42))
	assert.Equal(t, "INF-000007-12345", p.OrderNumber(time.UnixMilli(1736942000007), 12345))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(5990), MinorUnits(decimal.RequireFromString("59.90")))
	assert.Equal(t, int64(19900), MinorUnits(decimal.NewFromInt(199)))
}

func TestNewCartLine(t *testing.T) {
	offer := offers.Offer{ID: 3, Price: decimal.RequireFromString("120"), Quantity: 2, Active: true, SellerShopName: "ReCell"}

	line, err := NewCartLine(offer, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), line.ListingID)
	assert.True(t, line.LineTotal().Equal(decimal.NewFromInt(240)))

	_, err = NewCartLine(offer, 3)
	assert.True(t, IsKind(err, KindValidation))
	_, err = NewCartLine(offer, 0)
	assert.True(t, IsKind(err, KindValidation))

	offer.Active = false
	_, err = NewCartLine(offer, 1)
	assert.True(t, IsKind(err, KindValidation))
}

func TestCartSummary(t *testing.T) {
	cart := Cart{Lines: []CartLine{
		{UnitPrice: decimal.RequireFromString("10.50"), Quantity: 2},
		{UnitPrice: decimal.RequireFromString("3"), Quantity: 1},
	}}
	assert.True(t, cart.Subtotal().Equal(decimal.NewFromInt(24)))
	assert.Equal(t, 3, cart.ItemCount())
}

func TestNewSessionSelectsDefaultAddress(t *testing.T) {
	s := NewSession(Buyer{ID: 1}, testCart(), testAddresses(), DefaultPolicy())

	addr, err := s.ResolvedAddress()
	require.NoError(t, err)
	assert.Equal(t, int64(2), addr.ID)
	assert.Equal(t, StepShipping, s.Step())
	assert.False(t, s.IsProcessing())
}

func TestPaymentStepRequiresAddress(t *testing.T) {
	s := NewSession(Buyer{ID: 1}, testCart(), nil, DefaultPolicy())

	err := s.GoTo(StepPayment)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
	assert.Equal(t, StepShipping, s.Step())

	require.NoError(t, s.UseNewAddress(AddressForm{FirstName: "Ada", City: "Paris"}))
	err = s.GoTo(StepPayment)
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Message, "lastName")
	assert.Contains(t, ce.Message, "postalCode")
	assert.NotContains(t, ce.Message, "firstName")

	require.NoError(t, s.UseNewAddress(AddressForm{
		FirstName: " Ada ", LastName: "Martin", Phone: "0600000000",
		Street: "1 rue de la Paix", City: "Paris", PostalCode: "75002", Country: "FR",
	}))
	require.NoError(t, s.GoTo(StepPayment))
	addr, err := s.ResolvedAddress()
	require.NoError(t, err)
	assert.Equal(t, "Ada Martin", addr.FullName)
}

func TestStepTransitions(t *testing.T) {
	s := paymentSession(t)
	assert.Equal(t, StepPayment, s.Step())

	err := s.GoTo(StepConfirmation)
	assert.True(t, IsKind(err, KindState))
	assert.Equal(t, StepPayment, s.Step())

	require.NoError(t, s.GoTo(StepShipping))
	assert.Equal(t, StepShipping, s.Step())

	assert.True(t, IsKind(s.SelectAddress(99), KindValidation))
	assert.True(t, IsKind(s.SetDeliveryMethod("drone"), KindValidation))
	assert.True(t, IsKind(s.SetPaymentMethod("cash"), KindValidation))
}

func TestSessionTotals(t *testing.T) {
	s := paymentSession(t)
	assert.True(t, s.Subtotal().Equal(decimal.NewFromInt(50)))
	assert.True(t, s.ShippingCost().Equal(decimal.RequireFromString("9.90")))
	assert.True(t, s.Total().Equal(decimal.RequireFromString("59.90")))

	require.NoError(t, s.SetDeliveryMethod(DeliveryPickup))
	assert.True(t, s.Total().Equal(decimal.NewFromInt(50)))
}

func TestSubmitOrderRequiresPaymentStep(t *testing.T) {
	h := newHarness()
	s := NewSession(Buyer{ID: 1}, testCart(), testAddresses(), DefaultPolicy())
	require.NoError(t, s.SetCardholderName("Ada Martin"))

	_, err := h.orch.SubmitOrder(context.Background(), s)
	assert.True(t, IsKind(err, KindState))
	assert.Equal(t, 0, h.payments.calls())
}

func TestSubmitOrderInvalidCardholderMakesNoCalls(t *testing.T) {
	for _, name := range []string{"", "   ", "A"} {
		h := newHarness()
		s := paymentSession(t)
		require.NoError(t, s.SetCardholderName(name))

		_, err := h.orch.SubmitOrder(context.Background(), s)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindValidation))
		assert.Equal(t, 0, h.payments.calls())
		assert.Empty(t, h.orders.reqs)
		assert.False(t, s.IsProcessing())
		assert.Equal(t, StepPayment, s.Step())
	}
}

func TestSubmitOrderIntentFailure(t *testing.T) {
	h := newHarness()
	h.payments.createErr = errors.New("connection reset")
	s := paymentSession(t)
	require.NoError(t, s.SetCardholderName("Ada Martin"))

	_, err := h.orch.SubmitOrder(context.Background(), s)
	require.Error(t, err)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindProvider, ce.Kind)
	assert.Equal(t, "payment could not be initiated, please try again", ce.Message)
	assert.Empty(t, h.orders.reqs)
	assert.Equal(t, 0, h.payments.confirms)
	assert.False(t, s.IsProcessing())
	assert.Equal(t, StepPayment, s.Step())

	h.orch.Wait()
	assert.Empty(t, h.carts.cleared)
}

func TestSubmitOrderSurfacesProviderMessage(t *testing.T) {
	h := newHarness()
	h.payments.confirmErr = &ProviderError{Code: "card_declined", Message: "Your card was declined."}
	s := paymentSession(t)
	require.NoError(t, s.SetCardholderName("Ada Martin"))

	_, err := h.orch.SubmitOrder(context.Background(), s)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindProvider, ce.Kind)
	assert.Equal(t, "Your card was declined.", ce.Message)
	assert.Empty(t, h.orders.reqs)
	assert.False(t, s.IsProcessing())
}

func TestSubmitOrderBackendFailure(t *testing.T) {
	h := newHarness()
	h.orders.err = errors.New("500 internal server error")
	s := paymentSession(t)
	require.NoError(t, s.SetCardholderName("Ada Martin"))

	_, err := h.orch.SubmitOrder(context.Background(), s)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindBackend, ce.Kind)
	assert.Contains(t, ce.Message, "pi_123")
	assert.False(t, s.IsProcessing())
	assert.Equal(t, StepPayment, s.Step())

	h.orch.Wait()
	assert.Empty(t, h.carts.cleared)
	assert.Empty(t, h.mailer.recipients)
}

func TestSubmitOrderSuccess(t *testing.T) {
	h := newHarness()
	s := paymentSession(t)
	require.NoError(t, s.SetCardholderName("Ada Martin"))

	conf, err := h.orch.SubmitOrder(context.Background(), s)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, int64(42), conf.OrderID)
	assert.Equal(t, "INF-512345-0042", conf.OrderNumber)
	assert.True(t, conf.Total.Equal(decimal.RequireFromString("59.90")))
	assert.Equal(t, StepConfirmation, s.Step())
	assert.False(t, s.IsProcessing())

	assert.Equal(t, []int64{5990}, h.payments.amounts)
	assert.Equal(t, 1, h.payments.confirms)

	require.Len(t, h.orders.reqs, 1)
	req := h.orders.reqs[0]
	assert.Equal(t, int64(7), req.BuyerID)
	assert.Equal(t, []LineItem{{ListingID: 10, Quantity: 2}}, req.Items)
	assert.Equal(t, "pi_123", req.PaymentIntentID)
	assert.Equal(t, DeliveryHome, req.DeliveryMethod)
	assert.True(t, req.ShippingCost.Equal(decimal.RequireFromString("9.90")))
	require.NotNil(t, req.ShippingAddress)
	assert.Equal(t, "Lyon", req.ShippingAddress.City)
	assert.NotEmpty(t, req.IdempotencyKey)

	assert.Equal(t, []int64{7}, h.carts.cleared)
	assert.Equal(t, []string{"ada@example.com"}, h.mailer.recipients)
	assert.Equal(t, []string{"INF-512345-0042"}, h.mailer.numbers)

	got, ok := s.Confirmation()
	require.True(t, ok)
	assert.Equal(t, conf, got)

	_, err = h.orch.SubmitOrder(context.Background(), s)
	assert.True(t, IsKind(err, KindState))
	assert.True(t, IsKind(s.GoTo(StepShipping), KindState))
}

func TestSubmitOrderNonCardSkipsConfirmation(t *testing.T) {
	h := newHarness()
	s := NewSession(Buyer{ID: 7}, testCart(), testAddresses(), DefaultPolicy())
	require.NoError(t, s.SetDeliveryMethod(DeliveryPickup))
	require.NoError(t, s.SetPaymentMethod(PaymentBankTransfer))
	require.NoError(t, s.GoTo(StepPayment))

	_, err := h.orch.SubmitOrder(context.Background(), s)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, 1, h.payments.creates)
	assert.Equal(t, 0, h.payments.confirms)
	assert.Equal(t, []int64{5000}, h.payments.amounts)
	assert.Empty(t, h.mailer.recipients, "no email without a recipient")
	assert.Equal(t, []int64{7}, h.carts.cleared)
}

func TestSideEffectFailuresAreNotSurfaced(t *testing.T) {
	h := newHarness()
	h.carts.err = errors.New("cart service down")
	h.mailer.err = errors.New("smtp down")
	s := paymentSession(t)
	require.NoError(t, s.SetCardholderName("Ada Martin"))

	ctx, cancel := context.WithCancel(context.Background())
	conf, err := h.orch.SubmitOrder(ctx, s)
	cancel()
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, int64(42), conf.OrderID)
	assert.Len(t, h.carts.cleared, 1)
	assert.Len(t, h.mailer.recipients, 1)
	assert.Equal(t, StepConfirmation, s.Step())
}

func TestConcurrentSubmitIsRefused(t *testing.T) {
	s := paymentSession(t)
	require.NoError(t, s.SetCardholderName("Ada Martin"))

	sub, err := s.BeginSubmit()
	require.NoError(t, err)
	assert.Equal(t, int64(5990), sub.AmountMinor)
	assert.True(t, s.IsProcessing())

	_, err = s.BeginSubmit()
	assert.True(t, IsKind(err, KindState))
	assert.True(t, IsKind(s.SetDeliveryMethod(DeliveryPickup), KindState))

	s.Abort()
	assert.False(t, s.IsProcessing())
	_, err = s.BeginSubmit()
	assert.NoError(t, err)
}

func TestBeginSubmitCapturesOnlyStepInputs(t *testing.T) {
	s := paymentSession(t)
	require.NoError(t, s.SetCardholderName("  Ada Martin "))

	sub, err := s.BeginSubmit()
	require.NoError(t, err)
	assert.Equal(t, []LineItem{{ListingID: 10, Quantity: 2}}, sub.Items)
	assert.Equal(t, int64(2), sub.Address.ID)
	assert.True(t, sub.ShippingCost.Equal(decimal.RequireFromString("9.90")))
	assert.True(t, sub.Total.Equal(decimal.RequireFromString("59.90")))
	assert.Equal(t, "Ada Martin", sub.CardholderName)

	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.NotContains(t, fields, "lines")
	assert.NotContains(t, fields, "subtotal")
}

func TestSessionView(t *testing.T) {
	s := paymentSession(t)
	v := s.View()

	assert.Equal(t, s.ID(), v.ID)
	assert.Equal(t, "payment", v.Step)
	assert.Equal(t, 2, v.ItemCount)
	assert.Equal(t, int64(2), v.SelectedAddressID)
	assert.True(t, v.Total.Equal(decimal.RequireFromString("59.90")))
	assert.Nil(t, v.Confirmation)
}

func TestParseStep(t *testing.T) {
	step, ok := ParseStep("Payment")
	assert.True(t, ok)
	assert.Equal(t, StepPayment, step)

	step, ok = ParseStep("1")
	assert.True(t, ok)
	assert.Equal(t, StepShipping, step)

	_, ok = ParseStep("review")
	assert.False(t, ok)
}
