package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardgate-api/models"
	"cardgate-api/services/processor"
)

func validTokenizeRequest(sessionID string) models.TokenizeRequest {
	return models.TokenizeRequest{
		SessionID: sessionID,
		PAN:       "4532 0151 1283 0366",
		Expiry:    "12/30",
		CVV:       "123",
	}
}

func TestProxyTokenizeRelaysEnvelope(t *testing.T) {
	env := newTestEnv(t)
	env.addSession("sess_1")

	rec := env.postJSON("/api/proxy/tokenize", env.token, validTokenizeRequest("sess_1"))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, "success", resp.Status)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var env2 struct {
		TargetOrigin string                  `json:"target_origin"`
		Message      models.CardTokenMessage `json:"message"`
	}
	require.NoError(t, json.Unmarshal(raw, &env2))
	assert.Equal(t, testOrigin, env2.TargetOrigin)
	assert.Equal(t, models.MessageTypeCardToken, env2.Message.Type)
	assert.Equal(t, "tok_1", env2.Message.Token)
	assert.Equal(t, "453201******0366", env2.Message.MaskedPAN)

	// The processor saw digits only, and the response never echoes them.
	assert.Equal(t, "4532015112830366", env.backend.lastPAN)
	assert.Equal(t, 1, env.backend.calls())
	body := rec.Body.String()
	assert.False(t, strings.Contains(body, "4532015112830366"), "raw PAN leaked into response")
	assert.False(t, strings.Contains(body, "123\""), "CVV leaked into response")
}

func TestProxyTokenizeRejectsInvalidCard(t *testing.T) {
	env := newTestEnv(t)
	env.addSession("sess_1")

	req := validTokenizeRequest("sess_1")
	req.PAN = "4532015112830367" // luhn check fails

	rec := env.postJSON("/api/proxy/tokenize", env.token, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeResponse(t, rec)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var flags fieldFlags
	require.NoError(t, json.Unmarshal(raw, &flags))
	assert.False(t, flags.PANOk)
	assert.True(t, flags.ExpiryOk)
	assert.True(t, flags.CVVOk)
	assert.Equal(t, "visa", flags.Brand)

	assert.Equal(t, 0, env.backend.calls(), "invalid card must not reach the processor")
}

func TestProxyTokenizeRejectsExpiredCard(t *testing.T) {
	env := newTestEnv(t)
	env.addSession("sess_1")

	req := validTokenizeRequest("sess_1")
	req.Expiry = "01/20"

	rec := env.postJSON("/api/proxy/tokenize", env.token, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.backend.calls())
}

func TestProxyTokenizeUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON("/api/proxy/tokenize", env.token, validTokenizeRequest("nope"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyTokenizeForeignMerchantSession(t *testing.T) {
	env := newTestEnv(t)
	env.addSession("sess_1")

	rec := env.postJSON("/api/proxy/tokenize", env.otherToken, validTokenizeRequest("sess_1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, env.backend.calls())
}

func TestProxyTokenizeRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	env.addSession("sess_1")

	rec := env.postJSON("/api/proxy/tokenize", "", validTokenizeRequest("sess_1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProxyTokenizeMissingFields(t *testing.T) {
	env := newTestEnv(t)
	env.addSession("sess_1")

	req := validTokenizeRequest("sess_1")
	req.CVV = ""

	rec := env.postJSON("/api/proxy/tokenize", env.token, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.backend.calls())
}

func TestProxyTokenizeProcessorFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.addSession("sess_1")
	env.backend.tokenizeErr = fmt.Errorf("%w: connection refused", processor.ErrProcessor)

	rec := env.postJSON("/api/proxy/tokenize", env.token, validTokenizeRequest("sess_1"))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	resp := decodeResponse(t, rec)
	assert.Equal(t, "error", resp.Status)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"retryable":true}`, string(raw))

	// A later retry with the same details succeeds.
	env.backend.tokenizeErr = nil
	rec = env.postJSON("/api/proxy/tokenize", env.token, validTokenizeRequest("sess_1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}
