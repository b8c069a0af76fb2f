package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"example.com/refurb-storefront/internal/checkout"
	"example.com/refurb-storefront/internal/mail"
	"example.com/refurb-storefront/internal/offers"
)

const (
	buyerHeader       = "X-Buyer-ID"
	idempotencyHeader = "Idempotency-Key"
	listingsPageSize  = 50
)

// BackendClient captures the HTTP calls the storefront issues toward the
// marketplace backend. It implements the checkout collaborators.
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewBackendClient configures a traced client with sane defaults.
func NewBackendClient(baseURL string, logger *slog.Logger) *BackendClient {
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

var (
	_ checkout.PaymentProvider = (*BackendClient)(nil)
	_ checkout.OrderBackend    = (*BackendClient)(nil)
	_ checkout.CartBackend     = (*BackendClient)(nil)
	_ checkout.Mailer          = (*BackendClient)(nil)
)

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *BackendClient) do(ctx context.Context, method, path string, buyerID int64, body any, out any, headers ...string) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if buyerID > 0 {
		req.Header.Set(buyerHeader, strconv.FormatInt(buyerID, 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] != "" {
			req.Header.Set(headers[i], headers[i+1])
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		apiErr.Message = payload.Error.Message
		apiErr.Code = payload.Error.Code
	}
	return apiErr
}

// OffersForProduct returns the active offers for one product.
func (c *BackendClient) OffersForProduct(ctx context.Context, productID int64) ([]offers.Offer, error) {
	query := make(url.Values)
	query.Set("productId", strconv.FormatInt(productID, 10))
	query.Set("pageSize", strconv.Itoa(listingsPageSize))

	var result []offers.Offer
	for page := 1; ; page++ {
		query.Set("page", strconv.Itoa(page))
		var payload struct {
			Listings []offers.Offer `json:"listings"`
			HasMore  bool           `json:"hasMore"`
		}
		if err := c.do(ctx, http.MethodGet, "/api/listings?"+query.Encode(), 0, nil, &payload); err != nil {
			return nil, fmt.Errorf("fetch listings: %w", err)
		}
		for _, o := range payload.Listings {
			if o.ProductID == productID && o.Active {
				result = append(result, o)
			}
		}
		if !payload.HasMore {
			break
		}
	}
	if result == nil {
		result = []offers.Offer{}
	}
	return result, nil
}

func (c *BackendClient) GetListing(ctx context.Context, listingID int64) (offers.Offer, error) {
	var offer offers.Offer
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/listings/%d", listingID), 0, nil, &offer); err != nil {
		return offers.Offer{}, fmt.Errorf("fetch listing: %w", err)
	}
	return offer, nil
}

func (c *BackendClient) Cart(ctx context.Context, buyerID int64) (checkout.Cart, error) {
	var cart checkout.Cart
	if err := c.do(ctx, http.MethodGet, "/api/user/cart", buyerID, nil, &cart); err != nil {
		return checkout.Cart{}, fmt.Errorf("fetch cart: %w", err)
	}
	return cart, nil
}

func (c *BackendClient) AddToCart(ctx context.Context, buyerID int64, line checkout.CartLine) (checkout.CartLine, error) {
	body := map[string]any{"listingId": line.ListingID, "quantity": line.Quantity}
	var out checkout.CartLine
	if err := c.do(ctx, http.MethodPost, "/api/user/cart", buyerID, body, &out); err != nil {
		return checkout.CartLine{}, fmt.Errorf("add to cart: %w", err)
	}
	return out, nil
}

func (c *BackendClient) ClearCart(ctx context.Context, buyerID int64) error {
	if err := c.do(ctx, http.MethodDelete, "/api/user/cart", buyerID, nil, nil); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (c *BackendClient) Addresses(ctx context.Context, buyerID int64) ([]checkout.Address, error) {
	var addrs []checkout.Address
	if err := c.do(ctx, http.MethodGet, "/api/user/addresses", buyerID, nil, &addrs); err != nil {
		return nil, fmt.Errorf("fetch addresses: %w", err)
	}
	return addrs, nil
}

func (c *BackendClient) CreateAddress(ctx context.Context, buyerID int64, addr checkout.Address) (checkout.Address, error) {
	var out checkout.Address
	if err := c.do(ctx, http.MethodPost, "/api/user/addresses", buyerID, addr, &out); err != nil {
		return checkout.Address{}, fmt.Errorf("create address: %w", err)
	}
	return out, nil
}

func (c *BackendClient) CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string) (checkout.PaymentIntent, error) {
	body := map[string]any{"amount": amountMinor, "currency": currency}
	var intent checkout.PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/api/orders/create-payment-intent", 0, body, &intent); err != nil {
		return checkout.PaymentIntent{}, providerFailure(err)
	}
	return intent, nil
}

func (c *BackendClient) ConfirmPayment(ctx context.Context, clientSecret, cardholderName string) error {
	body := map[string]any{"clientSecret": clientSecret, "cardholderName": cardholderName}
	if err := c.do(ctx, http.MethodPost, "/api/payments/confirm", 0, body, nil); err != nil {
		return providerFailure(err)
	}
	return nil
}

// providerFailure turns a payment error response into a provider error that
// carries the message meant for the buyer.
func providerFailure(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusPaymentRequired {
		return &checkout.ProviderError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

func (c *BackendClient) CreateOrder(ctx context.Context, req checkout.CreateOrderRequest) (checkout.Order, error) {
	var order checkout.Order
	if err := c.do(ctx, http.MethodPost, "/api/user/orders", req.BuyerID, req, &order, idempotencyHeader, req.IdempotencyKey); err != nil {
		return checkout.Order{}, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// SendOrderConfirmation renders the confirmation email and hands it to the
// backend's email endpoint.
func (c *BackendClient) SendOrderConfirmation(ctx context.Context, order checkout.Order, recipient, orderNumber string) error {
	data := mail.OrderConfirmation{
		OrderNumber:  orderNumber,
		ShippingCost: order.ShippingCost,
		Total:        order.Total,
		PlacedAt:     order.CreatedAt,
	}
	if order.ShippingAddress != nil {
		data.CustomerName = order.ShippingAddress.FullName
	}
	if data.PlacedAt.IsZero() {
		data.PlacedAt = time.Now()
	}
	for _, it := range order.Items {
		data.Lines = append(data.Lines, mail.Line{Title: it.ProductTitle, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	msg, err := mail.RenderOrderConfirmation(recipient, data)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, "/api/emails/send", 0, msg, nil); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}
	c.logger.Info("confirmation email requested", "order_id", order.ID, "order_number", orderNumber)
	return nil
}
