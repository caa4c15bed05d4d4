package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"cardgate-api/models"
	"cardgate-api/services/merchant"
	"cardgate-api/utils"
)

type contextKey string

const (
	merchantContextKey contextKey = "merchant"
	bearerContextKey   contextKey = "bearer"
)

// MerchantAuth verifies the merchant bearer token on every proxy request
// and injects the verified identity into the request context. The token
// is read from the Authorization header, falling back to the `token`
// query parameter the iframe URL contract uses. One contract, one
// verifier, for every endpoint.
func MerchantAuth(verifier merchant.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				log.Printf("Missing merchant token from %s", r.RemoteAddr)
				utils.SendErrorResponse(w, http.StatusForbidden, "Invalid token")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				// Responses stay generic; the token is never echoed.
				if errors.Is(err, merchant.ErrInvalidPayload) {
					utils.SendErrorResponse(w, http.StatusBadRequest, "Invalid merchant payload")
					return
				}
				log.Printf("Merchant token verification failed from %s: %v", r.RemoteAddr, err)
				utils.SendErrorResponse(w, http.StatusForbidden, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), merchantContextKey, identity)
			ctx = context.WithValue(ctx, bearerContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// GetMerchantFromContext extracts the verified merchant identity.
func GetMerchantFromContext(ctx context.Context) *models.MerchantIdentity {
	identity, ok := ctx.Value(merchantContextKey).(*models.MerchantIdentity)
	if !ok {
		return nil
	}
	return identity
}

// GetBearerFromContext extracts the verified bearer token so proxy calls
// can forward it to the processor.
func GetBearerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(bearerContextKey).(string)
	return token
}
