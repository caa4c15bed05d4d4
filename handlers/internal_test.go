package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardgate-api/models"
	"cardgate-api/services/auth"
	"cardgate-api/services/merchant"
)

func newInternalRouter(secret string) (*mux.Router, *auth.JWTService) {
	jwtService := auth.NewJWTService("test-secret", "cardgate")
	handler := NewInternalHandler(jwtService, secret)

	router := mux.NewRouter()
	internal := router.PathPrefix("/api/internal").Subrouter()
	internal.Use(handler.RequireSecret)
	internal.HandleFunc("/merchant-token", handler.GenerateMerchantToken).Methods("POST")
	return router, jwtService
}

func postInternal(router *mux.Router, secret string, payload interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/internal/merchant-token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Internal-Secret", secret)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGenerateMerchantTokenMintsVerifiableToken(t *testing.T) {
	router, jwtService := newInternalRouter("hunter2")

	rec := postInternal(router, "hunter2", models.GenerateTokenRequest{
		MerchantID:    "m_42",
		AllowedDomain: "https://shop.example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)

	// The minted token passes the same verification the gate uses.
	identity, err := merchant.NewStaticVerifier(jwtService).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "m_42", identity.MerchantID)
	assert.Equal(t, "https://shop.example.com", identity.AllowedDomain)
}

func TestGenerateMerchantTokenRequiresSecret(t *testing.T) {
	router, _ := newInternalRouter("hunter2")

	rec := postInternal(router, "", models.GenerateTokenRequest{
		MerchantID:    "m_42",
		AllowedDomain: "https://shop.example.com",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postInternal(router, "wrong", models.GenerateTokenRequest{
		MerchantID:    "m_42",
		AllowedDomain: "https://shop.example.com",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGenerateMerchantTokenValidatesPayload(t *testing.T) {
	router, _ := newInternalRouter("hunter2")

	rec := postInternal(router, "hunter2", models.GenerateTokenRequest{
		MerchantID:    "m_42",
		AllowedDomain: "not a url",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postInternal(router, "hunter2", models.GenerateTokenRequest{
		AllowedDomain: "https://shop.example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalEndpointDisabledWithoutSecret(t *testing.T) {
	// An empty configured secret disables the endpoint entirely.
	router, _ := newInternalRouter("")

	rec := postInternal(router, "", models.GenerateTokenRequest{
		MerchantID:    "m_42",
		AllowedDomain: "https://shop.example.com",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
