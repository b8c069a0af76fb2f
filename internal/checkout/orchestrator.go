package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PaymentProvider creates and confirms payment intents. Errors carrying a
// buyer-facing message should be *ProviderError.
type PaymentProvider interface {
	CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string) (PaymentIntent, error)
	ConfirmPayment(ctx context.Context, clientSecret, cardholderName string) error
}

type OrderBackend interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error)
}

type CartBackend interface {
	ClearCart(ctx context.Context, buyerID int64) error
}

type Mailer interface {
	SendOrderConfirmation(ctx context.Context, order Order, recipient, orderNumber string) error
}

// Executor runs the network part of a submission: intent, confirmation,
// order creation and post-order side effects.
type Executor interface {
	Execute(ctx context.Context, sub Submission) (Confirmation, error)
}

// Dependencies groups the orchestrator's collaborators.
type Dependencies struct {
	Payments PaymentProvider
	Orders   OrderBackend
	Carts    CartBackend
	Mailer   Mailer
}

const defaultSideEffectTimeout = 30 * time.Second

// Orchestrator places orders. The sequential steps run on the caller's
// context; cart clearing and the confirmation email are detached and only
// logged on failure.
type Orchestrator struct {
	deps              Dependencies
	policy            Policy
	logger            *slog.Logger
	now               func() time.Time
	sideEffectTimeout time.Duration
	pending           sync.WaitGroup
}

func NewOrchestrator(deps Dependencies, policy Policy, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:              deps,
		policy:            policy,
		logger:            logger,
		now:               time.Now,
		sideEffectTimeout: defaultSideEffectTimeout,
	}
}

func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// SubmitOrder runs the whole pipeline for s using the orchestrator itself.
func (o *Orchestrator) SubmitOrder(ctx context.Context, s *Session) (Confirmation, error) {
	return Submit(ctx, s, o)
}

// Submit validates the session, hands the submission to exec and records the
// outcome. Any failure leaves the session on the payment step with
// processing cleared.
func Submit(ctx context.Context, s *Session, exec Executor) (Confirmation, error) {
	sub, err := s.BeginSubmit()
	if err != nil {
		return Confirmation{}, err
	}
	conf, err := exec.Execute(ctx, sub)
	if err != nil {
		s.Abort()
		return Confirmation{}, err
	}
	s.Complete(conf)
	return conf, nil
}

// Execute runs the submission steps strictly in order. Nothing is retried.
func (o *Orchestrator) Execute(ctx context.Context, sub Submission) (Confirmation, error) {
	intent, err := o.RequestIntent(ctx, sub)
	if err != nil {
		return Confirmation{}, err
	}
	if err := o.ConfirmIntent(ctx, sub, intent); err != nil {
		return Confirmation{}, err
	}
	order, err := o.PlaceOrder(ctx, sub, intent)
	if err != nil {
		return Confirmation{}, err
	}
	return o.Finalize(ctx, sub, order), nil
}

// RequestIntent asks the provider for an intent covering the full total.
func (o *Orchestrator) RequestIntent(ctx context.Context, sub Submission) (PaymentIntent, error) {
	intent, err := o.deps.Payments.CreatePaymentIntent(ctx, sub.AmountMinor, sub.Currency)
	if err != nil {
		o.logger.Warn("payment intent failed", "session_id", sub.SessionID, "amount_minor", sub.AmountMinor, "error", err)
		return PaymentIntent{}, providerError(err, "payment could not be initiated, please try again")
	}
	if intent.ID == "" {
		return PaymentIntent{}, providerError(fmt.Errorf("empty payment intent id"), "payment could not be initiated, please try again")
	}
	o.logger.Info("payment intent created", "session_id", sub.SessionID, "payment_intent_id", intent.ID, "amount_minor", sub.AmountMinor)
	return intent, nil
}

// ConfirmIntent confirms card payments. Other methods skip confirmation.
func (o *Orchestrator) ConfirmIntent(ctx context.Context, sub Submission, intent PaymentIntent) error {
	if sub.PaymentMethod != PaymentCard {
		return nil
	}
	if err := o.deps.Payments.ConfirmPayment(ctx, intent.ClientSecret, sub.CardholderName); err != nil {
		o.logger.Warn("payment confirmation failed", "session_id", sub.SessionID, "payment_intent_id", intent.ID, "error", err)
		return providerError(err, "payment was not accepted")
	}
	return nil
}

// PlaceOrder creates the order. A failure here happens after payment and is
// not compensated; the idempotency key lets a resubmission find the order
// if the backend did create it.
func (o *Orchestrator) PlaceOrder(ctx context.Context, sub Submission, intent PaymentIntent) (Order, error) {
	addr := sub.Address
	req := CreateOrderRequest{
		BuyerID:         sub.Buyer.ID,
		Items:           sub.Items,
		PaymentIntentID: intent.ID,
		DeliveryMethod:  sub.DeliveryMethod,
		ShippingCost:    sub.ShippingCost,
		ShippingAddress: &addr,
		IdempotencyKey:  sub.IdempotencyKey,
	}
	order, err := o.deps.Orders.CreateOrder(ctx, req)
	if err != nil {
		o.logger.Error("create order failed", "session_id", sub.SessionID, "buyer_id", sub.Buyer.ID, "payment_intent_id", intent.ID, "error", err)
		msg := "your order could not be created"
		if intent.ID != "" && sub.PaymentMethod == PaymentCard {
			msg = fmt.Sprintf("your order could not be created after payment; contact support with reference %s", intent.ID)
		}
		return Order{}, backendError(err, msg)
	}
	return order, nil
}

// Finalize numbers the order and dispatches the detached side effects.
func (o *Orchestrator) Finalize(ctx context.Context, sub Submission, order Order) Confirmation {
	placedAt := o.now().UTC()
	total := order.Total
	if total.IsZero() {
		total = sub.Total
	}
	conf := Confirmation{
		OrderID:         order.ID,
		OrderNumber:     o.policy.OrderNumber(placedAt, order.ID),
		Total:           total,
		PaymentIntentID: order.PaymentIntentID,
		PlacedAt:        placedAt,
	}
	o.logger.Info("order placed", "session_id", sub.SessionID, "order_id", order.ID, "order_number", conf.OrderNumber, "total", total.StringFixed(2))

	if sub.Buyer.Email != "" && o.deps.Mailer != nil {
		recipient := sub.Buyer.Email
		o.detach(ctx, "send confirmation email", func(ctx context.Context) error {
			return o.deps.Mailer.SendOrderConfirmation(ctx, order, recipient, conf.OrderNumber)
		}, "order_id", order.ID)
	}
	if o.deps.Carts != nil {
		buyerID := sub.Buyer.ID
		o.detach(ctx, "clear cart", func(ctx context.Context) error {
			return o.deps.Carts.ClearCart(ctx, buyerID)
		}, "buyer_id", buyerID)
	}
	return conf
}

func (o *Orchestrator) detach(parent context.Context, name string, fn func(context.Context) error, attrs ...any) {
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.sideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			o.logger.Warn(name+" failed", append(attrs, "error", err)...)
			return
		}
		o.logger.Debug(name+" done", attrs...)
	}()
}

// Wait blocks until every detached side effect has finished.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}
