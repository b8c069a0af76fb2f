package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"example.com/refurb-storefront/internal/mail"
)

// Server exposes HTTP APIs that mimic the marketplace backend the storefront
// talks to: listings, carts, addresses, payments, orders and email.
type Server struct {
	store    *Store
	sender   mail.Sender
	validate *validator.Validate
	logger   *slog.Logger
}

// NewServer builds a server backed by the provided store. sender may be nil,
// in which case emails stay queued in the outbox.
func NewServer(store *Store, sender mail.Sender, logger *slog.Logger) *Server {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{store: store, sender: sender, validate: v, logger: logger}
}

// BuyerHeader carries the authenticated buyer id from the storefront.
const BuyerHeader = "X-Buyer-ID"

// IdempotencyHeader deduplicates order creation per buyer.
const IdempotencyHeader = "Idempotency-Key"

// Router wires all backend routes under a single chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/listings", s.handleListListings)
		r.Post("/listings", s.handleCreateListing)
		r.Get("/listings/{listingID}", s.handleGetListing)

		// Payment endpoints stand in for the payment provider.
		r.Post("/orders/create-payment-intent", s.handleCreatePaymentIntent)
		r.Post("/payments/confirm", s.handleConfirmPayment)

		r.Post("/emails/send", s.handleSendEmail)
		r.Get("/emails", s.handleListEmails)

		r.Route("/user", func(r chi.Router) {
			r.Use(s.requireBuyer)
			r.Get("/cart", s.handleGetCart)
			r.Post("/cart", s.handleAddToCart)
			r.Delete("/cart", s.handleClearCart)
			r.Put("/cart/{itemID}", s.handleUpdateCartItem)
			r.Delete("/cart/{itemID}", s.handleRemoveCartItem)

			r.Get("/addresses", s.handleListAddresses)
			r.Post("/addresses", s.handleCreateAddress)

			r.Get("/orders", s.handleListOrders)
			r.Post("/orders", s.handleCreateOrder)
			r.Get("/orders/{orderID}", s.handleGetOrder)
		})
	})

	return r
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID := int64(parseIntDefault(q.Get("productId"), 0))
	page := parseIntDefault(q.Get("page"), 1)
	size := parseIntDefault(q.Get("pageSize"), defaultPageSize)
	result, err := s.store.ListListings(r.Context(), productID, page, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list listings: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var payload Listing
	if !s.decode(w, r, &payload) {
		return
	}
	listing, err := s.store.CreateListing(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.logger.Info("listing created", "listing_id", listing.ID, "product_id", listing.ProductID, "quantity", listing.Quantity)
	writeJSON(w, http.StatusCreated, listing)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "listingID")
	if !ok {
		return
	}
	listing, err := s.store.GetListing(r.Context(), id)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListCart(r.Context(), buyerFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list cart: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, cartPayload(items))
}

func cartPayload(items []CartItem) map[string]any {
	subtotal := decimal.Zero
	count := 0
	for _, it := range items {
		subtotal = subtotal.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		count += it.Quantity
	}
	return map[string]any{
		"items":     items,
		"subtotal":  subtotal.StringFixed(2),
		"itemCount": count,
	}
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ListingID int64 `json:"listingId" validate:"required,gt=0"`
		Quantity  int   `json:"quantity" validate:"required,gt=0"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	buyerID := buyerFromContext(r.Context())
	item, err := s.store.AddToCart(r.Context(), buyerID, payload.ListingID, payload.Quantity)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("cart item added", "buyer_id", buyerID, "listing_id", item.ListingID, "quantity", item.Quantity)
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleUpdateCartItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	var payload struct {
		Quantity int `json:"quantity" validate:"required,gt=0"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	item, err := s.store.UpdateCartItem(r.Context(), buyerFromContext(r.Context()), itemID, payload.Quantity)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	if err := s.store.RemoveCartItem(r.Context(), buyerFromContext(r.Context()), itemID); err != nil {
		handleNotFound(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCart(w http.ResponseWriter, r *http.Request) {
	buyerID := buyerFromContext(r.Context())
	if err := s.store.ClearCart(r.Context(), buyerID); err != nil {
		writeError(w, http.StatusInternalServerError, "clear cart: %v", err)
		return
	}
	s.logger.Info("cart cleared", "buyer_id", buyerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.store.ListAddresses(r.Context(), buyerFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list addresses: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, addrs)
}

func (s *Server) handleCreateAddress(w http.ResponseWriter, r *http.Request) {
	var payload Address
	if !s.decode(w, r, &payload) {
		return
	}
	addr, err := s.store.CreateAddress(r.Context(), buyerFromContext(r.Context()), payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create address: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, addr)
}

func (s *Server) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount   int64  `json:"amount" validate:"required,gt=0"`
		Currency string `json:"currency"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	intent, err := s.store.CreatePaymentIntent(r.Context(), payload.Amount, payload.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.logger.Info("payment intent created", "payment_intent_id", intent.ID, "amount", intent.Amount, "currency", intent.Currency)
	writeJSON(w, http.StatusOK, map[string]any{
		"clientSecret":    intent.ClientSecret,
		"paymentIntentId": intent.ID,
	})
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ClientSecret   string `json:"clientSecret" validate:"required"`
		CardholderName string `json:"cardholderName"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	intent, err := s.store.ConfirmPaymentIntent(r.Context(), payload.ClientSecret, payload.CardholderName)
	if err != nil {
		var decline *DeclineError
		if errors.As(err, &decline) {
			s.logger.Warn("payment declined", "payment_intent_id", intent.ID, "code", decline.Code)
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error": map[string]any{
					"message": decline.Message,
					"code":    decline.Code,
					"status":  http.StatusPaymentRequired,
				},
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "confirm payment: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paymentIntentId": intent.ID,
		"status":          intent.Status,
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var payload NewOrder
	if !s.decode(w, r, &payload) {
		return
	}
	buyerID := buyerFromContext(r.Context())
	if payload.BuyerID != 0 && payload.BuyerID != buyerID {
		writeError(w, http.StatusForbidden, "buyerId does not match %s", BuyerHeader)
		return
	}
	payload.BuyerID = buyerID
	payload.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))

	order, created, err := s.store.CreateOrder(r.Context(), payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !created {
		s.logger.Info("order replayed", "buyer_id", buyerID, "order_id", order.ID, "idempotency_key", payload.IdempotencyKey)
		writeJSON(w, http.StatusOK, order)
		return
	}
	s.logger.Info("order created", "buyer_id", buyerID, "order_id", order.ID, "total", order.Total.StringFixed(2), "status", order.Status)
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrders(r.Context(), buyerFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list orders: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	order, err := s.store.GetOrder(r.Context(), buyerFromContext(r.Context()), id)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		To          string `json:"to" validate:"required,email"`
		Subject     string `json:"subject" validate:"required"`
		HTMLContent string `json:"htmlContent" validate:"required"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	email, err := s.store.QueueEmail(r.Context(), Email{To: payload.To, Subject: payload.Subject, HTML: payload.HTMLContent})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue email: %v", err)
		return
	}

	if s.sender != nil {
		msg := mail.Message{To: email.To, Subject: email.Subject, HTML: email.HTML}
		if err := s.sender.Send(r.Context(), msg); err != nil {
			s.logger.Error("send email failed", "email_id", email.ID, "to", email.To, "error", err)
			email.Status, email.Error = EmailFailed, err.Error()
		} else {
			email.Status = EmailSent
		}
		if err := s.store.MarkEmail(r.Context(), email.ID, email.Status, email.Error); err != nil {
			s.logger.Error("mark email failed", "email_id", email.ID, "error", err)
		}
	}

	s.logger.Info("email accepted", "email_id", email.ID, "to", email.To, "status", email.Status)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": email.ID, "status": email.Status})
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := s.store.ListEmails(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list emails: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": emails})
}

func (s *Server) requireBuyer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(BuyerHeader))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing %s header", BuyerHeader)
			return
		}
		buyerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || buyerID <= 0 {
			writeError(w, http.StatusUnauthorized, "invalid %s header", BuyerHeader)
			return
		}
		ctx := context.WithValue(r.Context(), buyerContextKey{}, buyerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type buyerContextKey struct{}

func buyerFromContext(ctx context.Context) int64 {
	return ctx.Value(buyerContextKey{}).(int64)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			writeError(w, http.StatusBadRequest, "invalid fields: %s", strings.Join(fields, ", "))
			return false
		}
		writeError(w, http.StatusBadRequest, "%s", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid %s", param)
		return 0, false
	}
	return id, true
}

func parseIntDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrListingInactive):
		writeError(w, http.StatusConflict, "%s", err)
	case errors.Is(err, ErrUnknownPaymentIntent):
		writeError(w, http.StatusBadRequest, "%s", err)
	default:
		writeError(w, http.StatusInternalServerError, "%s", err)
	}
}

func handleNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "%s", err)
}
