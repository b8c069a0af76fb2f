package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"example.com/refurb-storefront/internal/checkout"
	"example.com/refurb-storefront/internal/offers"
)

// Server exposes the buyer-facing storefront API: ranked offers for a product,
// cart additions and the checkout flow.
type Server struct {
	client   *BackendClient
	ranker   *offers.Ranker
	sessions *SessionRegistry
	runner   CheckoutRunner
	auth     *Authenticator
	policy   checkout.Policy
	logger   *slog.Logger
}

// NewServer creates a storefront server with the required collaborators wired in.
func NewServer(client *BackendClient, ranker *offers.Ranker, sessions *SessionRegistry, runner CheckoutRunner, auth *Authenticator, policy checkout.Policy, logger *slog.Logger) *Server {
	return &Server{
		client:   client,
		ranker:   ranker,
		sessions: sessions,
		runner:   runner,
		auth:     auth,
		policy:   policy,
		logger:   logger,
	}
}

// Router configures all storefront routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/storefront", func(r chi.Router) {
		r.Get("/products/{productID}/offers", s.handleProductOffers)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)
			r.Post("/cart/lines", s.handleAddCartLine)
			r.Post("/checkout/sessions", s.handleCreateSession)
			r.Route("/checkout/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleAbandonSession)
				r.Put("/address", s.handleSelectAddress)
				r.Put("/address/new", s.handleNewAddress)
				r.Put("/delivery", s.handleDelivery)
				r.Put("/payment", s.handlePayment)
				r.Post("/step", s.handleStep)
				r.Post("/submit", s.handleSubmit)
			})
		})
	})

	return otelhttp.NewHandler(r, "storefront")
}

type offerView struct {
	offers.Score
	ConditionLabel string `json:"conditionLabel"`
	ConditionColor string `json:"conditionColor"`
}

func newOfferView(score offers.Score) offerView {
	return offerView{
		Score:          score,
		ConditionLabel: score.Condition.Label(),
		ConditionColor: score.Condition.Color(),
	}
}

func (s *Server) handleProductOffers(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	listings, err := s.client.OffersForProduct(r.Context(), productID)
	if err != nil {
		s.logger.Error("load offers failed", "product_id", productID, "error", err)
		writeError(w, http.StatusBadGateway, "offers are unavailable right now")
		return
	}
	ranked := s.ranker.Rank(r.Context(), listings)
	views := make([]offerView, 0, len(ranked))
	for _, score := range ranked {
		views = append(views, newOfferView(score))
	}
	var recommended *offerView
	if len(views) > 0 {
		recommended = &views[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"productId":   productID,
		"offers":      views,
		"recommended": recommended,
	})
}

func (s *Server) handleAddCartLine(w http.ResponseWriter, r *http.Request) {
	buyer, _ := BuyerFromContext(r.Context())
	var payload struct {
		ListingID int64 `json:"listingId"`
		Quantity  int   `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if payload.Quantity == 0 {
		payload.Quantity = 1
	}
	offer, err := s.client.GetListing(r.Context(), payload.ListingID)
	if err != nil {
		s.writeBackendError(w, err, "listing")
		return
	}
	line, err := checkout.NewCartLine(offer, payload.Quantity)
	if err != nil {
		writeCheckoutError(w, err)
		return
	}
	saved, err := s.client.AddToCart(r.Context(), buyer.ID, line)
	if err != nil {
		s.writeBackendError(w, err, "cart")
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	buyer, _ := BuyerFromContext(r.Context())
	cart, err := s.client.Cart(r.Context(), buyer.ID)
	if err != nil {
		s.writeBackendError(w, err, "cart")
		return
	}
	if len(cart.Lines) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "your cart is empty")
		return
	}
	addresses, err := s.client.Addresses(r.Context(), buyer.ID)
	if err != nil {
		s.writeBackendError(w, err, "addresses")
		return
	}
	session := checkout.NewSession(buyer, cart, addresses, s.policy)
	s.sessions.Put(session)
	s.logger.Info("checkout session opened", "session_id", session.ID(), "buyer_id", buyer.ID, "items", cart.ItemCount())
	writeJSON(w, http.StatusCreated, session.View())
}

// session resolves the path session for the authenticated buyer, writing a
// 404 when it is unknown, expired or owned by somebody else.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*checkout.Session, bool) {
	buyer, _ := BuyerFromContext(r.Context())
	session, ok := s.sessions.Get(chi.URLParam(r, "sessionID"), buyer.ID)
	if !ok {
		writeError(w, http.StatusNotFound, "checkout session not found")
		return nil, false
	}
	return session, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	if session.IsProcessing() {
		writeError(w, http.StatusConflict, "your order is being processed")
		return
	}
	s.sessions.Delete(session.ID())
	s.logger.Info("checkout session abandoned", "session_id", session.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectAddress(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		AddressID int64 `json:"addressId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := session.SelectAddress(payload.AddressID); err != nil {
		writeCheckoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		Address checkout.AddressForm `json:"address"`
		Save    bool                 `json:"save"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if !payload.Save {
		if err := session.UseNewAddress(payload.Address); err != nil {
			writeCheckoutError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session.View())
		return
	}
	if session.IsProcessing() {
		writeError(w, http.StatusConflict, "your order is being processed")
		return
	}
	if err := payload.Address.Validate(); err != nil {
		writeCheckoutError(w, err)
		return
	}
	saved, err := s.client.CreateAddress(r.Context(), session.Buyer().ID, payload.Address.Address())
	if err != nil {
		s.writeBackendError(w, err, "address")
		return
	}
	if err := session.AddSavedAddress(saved); err != nil {
		writeCheckoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		Method checkout.DeliveryMethod `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := session.SetDeliveryMethod(payload.Method); err != nil {
		writeCheckoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		Method         checkout.PaymentMethod `json:"method"`
		CardholderName *string                `json:"cardholderName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if payload.Method != "" {
		if err := session.SetPaymentMethod(payload.Method); err != nil {
			writeCheckoutError(w, err)
			return
		}
	}
	if payload.CardholderName != nil {
		if err := session.SetCardholderName(*payload.CardholderName); err != nil {
			writeCheckoutError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	var payload struct {
		Step string `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	step, valid := checkout.ParseStep(payload.Step)
	if !valid {
		writeError(w, http.StatusBadRequest, "unknown step %q", payload.Step)
		return
	}
	if err := session.GoTo(step); err != nil {
		writeCheckoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.View())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	// Payment and order steps must outlive a dropped connection.
	conf, err := checkout.Submit(context.WithoutCancel(r.Context()), session, s.runner)
	if err != nil {
		s.logger.Warn("checkout submit failed", "session_id", session.ID(), "kind", string(checkout.KindOf(err)), "error", err)
		writeCheckoutError(w, err)
		return
	}
	s.sessions.Delete(session.ID())
	s.logger.Info("checkout completed", "session_id", session.ID(), "order_id", conf.OrderID, "order_number", conf.OrderNumber)
	writeJSON(w, http.StatusCreated, conf)
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error, what string) {
	if IsNotFound(err) {
		writeError(w, http.StatusNotFound, "%s not found", what)
		return
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
		writeError(w, apiErr.Status, "%s", apiErr.Message)
		return
	}
	s.logger.Error("backend call failed", "resource", what, "error", err)
	writeError(w, http.StatusBadGateway, "%s is unavailable right now", what)
}

func statusForKind(kind checkout.ErrorKind) int {
	switch kind {
	case checkout.KindValidation:
		return http.StatusUnprocessableEntity
	case checkout.KindState:
		return http.StatusConflict
	case checkout.KindProvider:
		return http.StatusPaymentRequired
	case checkout.KindBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeCheckoutError renders a checkout error with its buyer-facing message
// and kind; anything else becomes an opaque 500.
func writeCheckoutError(w http.ResponseWriter, err error) {
	var ce *checkout.Error
	if !errors.As(err, &ce) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := statusForKind(ce.Kind)
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": ce.Message,
			"kind":    string(ce.Kind),
			"status":  status,
		},
	})
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
