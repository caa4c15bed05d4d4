package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardgate-api/models"
	"cardgate-api/services/auth"
	"cardgate-api/services/merchant"
)

func authedHandler(t *testing.T, captured **models.MerchantIdentity, bearer *string) http.Handler {
	t.Helper()
	jwtService := auth.NewJWTService("test-secret", "cardgate")
	verifier := merchant.NewStaticVerifier(jwtService)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = GetMerchantFromContext(r.Context())
		*bearer = GetBearerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	return MerchantAuth(verifier)(inner)
}

func mintToken(t *testing.T, merchantID, domain string) string {
	t.Helper()
	jwtService := auth.NewJWTService("test-secret", "cardgate")
	token, _, err := jwtService.GenerateToken(merchantID, domain, 0)
	require.NoError(t, err)
	return token
}

func TestMerchantAuthHeaderBearer(t *testing.T) {
	var identity *models.MerchantIdentity
	var bearer string
	handler := authedHandler(t, &identity, &bearer)
	token := mintToken(t, "m_1", "https://shop.example.com")

	req := httptest.NewRequest(http.MethodGet, "/gate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "m_1", identity.MerchantID)
	assert.Equal(t, "https://shop.example.com", identity.AllowedDomain)
	assert.Equal(t, token, bearer)
}

func TestMerchantAuthQueryFallback(t *testing.T) {
	var identity *models.MerchantIdentity
	var bearer string
	handler := authedHandler(t, &identity, &bearer)
	token := mintToken(t, "m_1", "https://shop.example.com")

	req := httptest.NewRequest(http.MethodGet, "/gate?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "m_1", identity.MerchantID)
}

func TestMerchantAuthRejectsBadToken(t *testing.T) {
	var identity *models.MerchantIdentity
	var bearer string
	handler := authedHandler(t, &identity, &bearer)

	req := httptest.NewRequest(http.MethodGet, "/gate?token=bogus", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Nil(t, identity)
	assert.NotContains(t, rec.Body.String(), "bogus")
}

func TestMerchantAuthRejectsMissingToken(t *testing.T) {
	var identity *models.MerchantIdentity
	var bearer string
	handler := authedHandler(t, &identity, &bearer)

	req := httptest.NewRequest(http.MethodGet, "/gate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMerchantAuthEmptyMerchantPayload(t *testing.T) {
	var identity *models.MerchantIdentity
	var bearer string
	handler := authedHandler(t, &identity, &bearer)
	token := mintToken(t, "", "https://shop.example.com")

	req := httptest.NewRequest(http.MethodGet, "/gate?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMerchantAuthMalformedAuthorizationHeader(t *testing.T) {
	var identity *models.MerchantIdentity
	var bearer string
	handler := authedHandler(t, &identity, &bearer)
	token := mintToken(t, "m_1", "https://shop.example.com")

	// A present but malformed header does not fall back to the query.
	req := httptest.NewRequest(http.MethodGet, "/gate?token="+token, nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
