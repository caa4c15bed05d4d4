// Package merchant resolves bearer tokens to merchant identities. The
// gate, the proxy endpoints and the auth middleware all share one
// verification contract through the Verifier interface.
package merchant

import (
	"context"
	"errors"

	"cardgate-api/models"
	"cardgate-api/services/auth"
)

var (
	// ErrInvalidToken covers missing, malformed and expired bearer
	// tokens. Handlers map it to a generic 403.
	ErrInvalidToken = errors.New("invalid or expired merchant token")
	// ErrInvalidPayload means the merchant-auth service answered without
	// a merchant id. Handlers map it to 400.
	ErrInvalidPayload = errors.New("invalid merchant payload")
)

// Verifier resolves a bearer token to the merchant it belongs to.
type Verifier interface {
	Verify(ctx context.Context, token string) (*models.MerchantIdentity, error)
}

// StaticVerifier validates self-issued session tokens. It backs the
// static deployment mode, where no remote merchant-auth service exists,
// and the tests.
type StaticVerifier struct {
	jwt *auth.JWTService
}

func NewStaticVerifier(jwtService *auth.JWTService) *StaticVerifier {
	return &StaticVerifier{jwt: jwtService}
}

func (v *StaticVerifier) Verify(ctx context.Context, token string) (*models.MerchantIdentity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	identity, err := v.jwt.ValidateToken(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if identity.MerchantID == "" {
		return nil, ErrInvalidPayload
	}
	return identity, nil
}
