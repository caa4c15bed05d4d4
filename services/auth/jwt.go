package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cardgate-api/models"
)

// DefaultTokenDuration is the lifetime of a static-mode merchant session
// token.
const DefaultTokenDuration = 30 * time.Minute

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// JWTService mints and validates merchant session tokens when the gate
// runs in static mode, i.e. without a remote merchant-auth service.
type JWTService struct {
	secretKey []byte
	issuer    string
}

// MerchantClaims binds a session token to a merchant and the single
// domain allowed to embed its gate page.
type MerchantClaims struct {
	MerchantID    string `json:"merchant_id"`
	AllowedDomain string `json:"allowed_domain"`
	jwt.RegisteredClaims
}

func NewJWTService(secretKey, issuer string) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

// GenerateToken issues a signed session token for the merchant.
func (j *JWTService) GenerateToken(merchantID, allowedDomain string, ttl time.Duration) (string, time.Time, error) {
	if ttl == 0 {
		ttl = DefaultTokenDuration
	}
	expiresAt := time.Now().Add(ttl)

	claims := MerchantClaims{
		MerchantID:    merchantID,
		AllowedDomain: allowedDomain,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   merchantID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %v", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses a session token and returns the merchant identity
// it was minted for.
func (j *JWTService) ValidateToken(tokenString string) (*models.MerchantIdentity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &MerchantClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*MerchantClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if j.issuer != "" {
		if iss, err := claims.GetIssuer(); err != nil || iss != j.issuer {
			return nil, ErrInvalidToken
		}
	}

	return &models.MerchantIdentity{
		MerchantID:    claims.MerchantID,
		AllowedDomain: claims.AllowedDomain,
	}, nil
}
