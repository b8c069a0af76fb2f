package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"example.com/refurb-storefront/internal/checkout"
)

// Authenticator resolves the buyer from an HS256 bearer token.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for buyer; used by the dev tooling and tests.
func (a *Authenticator) Issue(buyer checkout.Buyer, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"id":    buyer.ID,
		"email": buyer.Email,
		"name":  buyer.DisplayName,
		"exp":   time.Now().Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates tokenStr and extracts the buyer claims.
func (a *Authenticator) Parse(tokenStr string) (checkout.Buyer, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return checkout.Buyer{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return checkout.Buyer{}, errors.New("invalid token claims")
	}

	var buyer checkout.Buyer
	switch id := claims["id"].(type) {
	case float64:
		buyer.ID = int64(id)
	case string:
		buyer.ID, _ = strconv.ParseInt(id, 10, 64)
	}
	if buyer.ID <= 0 {
		return checkout.Buyer{}, errors.New("invalid token claims")
	}
	buyer.Email, _ = claims["email"].(string)
	buyer.DisplayName, _ = claims["name"].(string)
	return buyer, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// buyer in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenStr) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		buyer, err := a.Parse(strings.TrimSpace(tokenStr))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), buyerContextKey{}, buyer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type buyerContextKey struct{}

// BuyerFromContext returns the buyer stored by Middleware.
func BuyerFromContext(ctx context.Context) (checkout.Buyer, bool) {
	buyer, ok := ctx.Value(buyerContextKey{}).(checkout.Buyer)
	return buyer, ok
}
