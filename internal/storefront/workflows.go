package storefront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/refurb-storefront/internal/checkout"
)

const (
	checkoutTaskQueue         = "storefront-checkout-task-queue"
	checkoutWorkflowName      = "storefront.checkout.submit"
	requestIntentActivityName = "storefront.checkout.request_intent"
	confirmIntentActivityName = "storefront.checkout.confirm_intent"
	placeOrderActivityName    = "storefront.checkout.place_order"
	finalizeActivityName      = "storefront.checkout.finalize"
)

// CheckoutRunner abstracts how a validated submission is executed. The inline
// runner is *checkout.Orchestrator itself; production can route every
// submission through a Temporal workflow instead.
type CheckoutRunner interface {
	Execute(ctx context.Context, sub checkout.Submission) (checkout.Confirmation, error)
}

// CheckoutActivities exposes the orchestrator steps as Temporal activities.
type CheckoutActivities struct {
	orchestrator *checkout.Orchestrator
	logger       *slog.Logger
}

func NewCheckoutActivities(o *checkout.Orchestrator, logger *slog.Logger) *CheckoutActivities {
	return &CheckoutActivities{orchestrator: o, logger: logger}
}

func (a *CheckoutActivities) RequestIntent(ctx context.Context, sub checkout.Submission) (checkout.PaymentIntent, error) {
	intent, err := a.orchestrator.RequestIntent(ctx, sub)
	return intent, toApplicationError(err)
}

func (a *CheckoutActivities) ConfirmIntent(ctx context.Context, sub checkout.Submission, intent checkout.PaymentIntent) error {
	return toApplicationError(a.orchestrator.ConfirmIntent(ctx, sub, intent))
}

func (a *CheckoutActivities) PlaceOrder(ctx context.Context, sub checkout.Submission, intent checkout.PaymentIntent) (checkout.Order, error) {
	order, err := a.orchestrator.PlaceOrder(ctx, sub, intent)
	return order, toApplicationError(err)
}

func (a *CheckoutActivities) Finalize(ctx context.Context, sub checkout.Submission, order checkout.Order) (checkout.Confirmation, error) {
	conf := a.orchestrator.Finalize(ctx, sub, order)
	a.logger.Info("activity finalize", "session_id", sub.SessionID, "order_id", order.ID, "order_number", conf.OrderNumber)
	return conf, nil
}

// toApplicationError marks every failure non-retryable; the error type
// carries the checkout error kind and the first detail its buyer-facing
// message.
func toApplicationError(err error) error {
	if err == nil {
		return nil
	}
	var ce *checkout.Error
	if errors.As(err, &ce) {
		return temporal.NewNonRetryableApplicationError(ce.Error(), string(ce.Kind), nil, ce.Message)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), string(checkout.KindBackend), nil, "checkout could not be completed")
}

// fromWorkflowError restores the checkout error carried by a failed workflow.
func fromWorkflowError(err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		var msg string
		if appErr.HasDetails() {
			_ = appErr.Details(&msg)
		}
		if msg == "" {
			msg = "checkout could not be completed"
		}
		return &checkout.Error{Kind: checkout.ErrorKind(appErr.Type()), Message: msg, Err: err}
	}
	return &checkout.Error{Kind: checkout.KindBackend, Message: "checkout could not be completed", Err: err}
}

// stepFailure keeps activity failures that already carry a checkout kind and
// maps the rest (timeouts, cancellations) to kind with a buyer-facing message.
func stepFailure(err error, kind checkout.ErrorKind, message string) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), string(kind), err, message)
}

// CheckoutWorkflow runs the submission steps as activities, strictly in order
// and with a single attempt each: a payment must never be requested twice by
// the workflow itself.
func CheckoutWorkflow(ctx workflow.Context, sub checkout.Submission) (checkout.Confirmation, error) {
	logger := workflow.GetLogger(ctx)
	options := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, options)
	logger.Info("checkout workflow started", "session_id", sub.SessionID, "payment_method", string(sub.PaymentMethod))

	var intent checkout.PaymentIntent
	if err := workflow.ExecuteActivity(ctx, requestIntentActivityName, sub).Get(ctx, &intent); err != nil {
		logger.Error("request intent activity failed", "error", err)
		return checkout.Confirmation{}, stepFailure(err, checkout.KindProvider, "payment could not be initiated, please try again")
	}
	if sub.PaymentMethod == checkout.PaymentCard {
		if err := workflow.ExecuteActivity(ctx, confirmIntentActivityName, sub, intent).Get(ctx, nil); err != nil {
			logger.Error("confirm intent activity failed", "error", err)
			msg := fmt.Sprintf("payment confirmation did not complete; contact support with reference %s", intent.ID)
			return checkout.Confirmation{}, stepFailure(err, checkout.KindBackend, msg)
		}
	}
	var order checkout.Order
	if err := workflow.ExecuteActivity(ctx, placeOrderActivityName, sub, intent).Get(ctx, &order); err != nil {
		logger.Error("place order activity failed", "error", err)
		msg := "your order could not be created"
		if sub.PaymentMethod == checkout.PaymentCard {
			msg = fmt.Sprintf("your order could not be created after payment; contact support with reference %s", intent.ID)
		}
		return checkout.Confirmation{}, stepFailure(err, checkout.KindBackend, msg)
	}
	var conf checkout.Confirmation
	if err := workflow.ExecuteActivity(ctx, finalizeActivityName, sub, order).Get(ctx, &conf); err != nil {
		logger.Error("finalize activity failed", "error", err)
		return checkout.Confirmation{}, stepFailure(err, checkout.KindBackend, "checkout could not be completed")
	}
	logger.Info("checkout workflow finished", "session_id", sub.SessionID, "order_number", conf.OrderNumber)
	return conf, nil
}

// RegisterCheckoutWorker wires up the Temporal worker consuming the checkout task queue.
func RegisterCheckoutWorker(c client.Client, o *checkout.Orchestrator, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, checkoutTaskQueue, temporalworker.Options{})
	registerCheckout(w, o, logger)
	return w
}

type checkoutRegistry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

func registerCheckout(r checkoutRegistry, o *checkout.Orchestrator, logger *slog.Logger) {
	r.RegisterWorkflowWithOptions(CheckoutWorkflow, workflow.RegisterOptions{Name: checkoutWorkflowName})
	activities := NewCheckoutActivities(o, logger.With("component", "checkout.activities"))
	r.RegisterActivityWithOptions(activities.RequestIntent, activity.RegisterOptions{Name: requestIntentActivityName})
	r.RegisterActivityWithOptions(activities.ConfirmIntent, activity.RegisterOptions{Name: confirmIntentActivityName})
	r.RegisterActivityWithOptions(activities.PlaceOrder, activity.RegisterOptions{Name: placeOrderActivityName})
	r.RegisterActivityWithOptions(activities.Finalize, activity.RegisterOptions{Name: finalizeActivityName})
}

// TemporalCheckoutRunner starts checkout workflows through the Temporal client
// and waits for their result.
type TemporalCheckoutRunner struct {
	client client.Client
	logger *slog.Logger
}

func NewTemporalCheckoutRunner(c client.Client, logger *slog.Logger) *TemporalCheckoutRunner {
	return &TemporalCheckoutRunner{client: c, logger: logger.With("component", "checkout.runner")}
}

func (r *TemporalCheckoutRunner) Execute(ctx context.Context, sub checkout.Submission) (checkout.Confirmation, error) {
	ctx = context.WithoutCancel(ctx)
	options := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("checkout-%s-%d", sub.SessionID, time.Now().UnixNano()),
		TaskQueue:                checkoutTaskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: 10 * time.Minute,
	}
	we, err := r.client.ExecuteWorkflow(ctx, options, checkoutWorkflowName, sub)
	if err != nil {
		r.logger.Error("start workflow failed", "session_id", sub.SessionID, "error", err)
		return checkout.Confirmation{}, &checkout.Error{Kind: checkout.KindBackend, Message: "checkout could not be started", Err: err}
	}
	var conf checkout.Confirmation
	if err := we.Get(ctx, &conf); err != nil {
		r.logger.Warn("checkout workflow failed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "error", err)
		return checkout.Confirmation{}, fromWorkflowError(err)
	}
	r.logger.Info("checkout workflow completed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "order_number", conf.OrderNumber)
	return conf, nil
}

// CheckoutTaskQueue exposes the queue name so callers can reference it in tests.
func CheckoutTaskQueue() string {
	return checkoutTaskQueue
}
