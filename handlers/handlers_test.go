package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/require"

	"cardgate-api/card"
	"cardgate-api/middleware"
	"cardgate-api/models"
	"cardgate-api/relay"
	"cardgate-api/services/auth"
	"cardgate-api/services/merchant"
	"cardgate-api/services/processor"
)

const (
	testMerchantID = "m_1"
	testOrigin     = "https://shop.example.com"
)

// fakeBackend stands in for the processor client. It records the last
// card input so tests can assert what crossed the wire.
type fakeBackend struct {
	mu            sync.Mutex
	tokenizeCalls int
	lastPAN       string
	lastBearer    string
	lastToken     string
	tokenizeRes   *models.TokenizeResult
	tokenizeErr   error
	purchaseRes   *processor.ProxyResult
	purchaseErr   error
	detokenizeRes *processor.ProxyResult
}

func (f *fakeBackend) Tokenize(ctx context.Context, bearer string, in card.Input) (*models.TokenizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenizeCalls++
	f.lastPAN = in.PAN
	f.lastBearer = bearer
	if f.tokenizeErr != nil {
		return nil, f.tokenizeErr
	}
	return f.tokenizeRes, nil
}

func (f *fakeBackend) Purchase(ctx context.Context, bearer, token string) (*processor.ProxyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBearer = bearer
	f.lastToken = token
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return f.purchaseRes, nil
}

func (f *fakeBackend) Detokenize(ctx context.Context, bearer, token string) (*processor.ProxyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBearer = bearer
	f.lastToken = token
	return f.detokenizeRes, nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenizeCalls
}

type testEnv struct {
	router     *mux.Router
	registry   *relay.Registry
	backend    *fakeBackend
	jwtService *auth.JWTService
	token      string
	otherToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	jwtService := auth.NewJWTService("test-secret", "cardgate")
	verifier := merchant.NewStaticVerifier(jwtService)
	registry := relay.NewRegistry(time.Minute)
	t.Cleanup(registry.Close)

	backend := &fakeBackend{
		tokenizeRes: &models.TokenizeResult{Token: "tok_1", MaskedPAN: "453201******0366"},
		purchaseRes: &processor.ProxyResult{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        []byte(`{"result":"approved"}`),
		},
		detokenizeRes: &processor.ProxyResult{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        []byte(`{"pan":"4532015112830366"}`),
		},
	}

	store := sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
	gateHandler := NewGateHandler(registry, backend, store)
	tokenizeHandler := NewTokenizeHandler(registry, nil, "")
	purchaseHandler := NewPurchaseHandler(registry, backend, nil, "")
	relayHandler := NewRelayHandler(registry)

	authRequired := middleware.MerchantAuth(verifier)

	router := mux.NewRouter()
	gate := router.PathPrefix("/gate").Subrouter()
	gate.Use(authRequired)
	gate.HandleFunc("", gateHandler.ServeGate).Methods("GET")

	proxy := router.PathPrefix("/api/proxy").Subrouter()
	proxy.Use(authRequired)
	proxy.HandleFunc("/tokenize", tokenizeHandler.ProxyTokenize).Methods("POST")
	proxy.HandleFunc("/purchase", purchaseHandler.ProxyPurchase).Methods("POST")
	proxy.HandleFunc("/detokenize", purchaseHandler.ProxyDetokenize).Methods("POST")

	relayAPI := router.PathPrefix("/api/relay").Subrouter()
	relayAPI.HandleFunc("/message", relayHandler.PostMessage).Methods("POST")
	relaySession := relayAPI.PathPrefix("/session").Subrouter()
	relaySession.Use(authRequired)
	relaySession.HandleFunc("/{id}", relayHandler.GetSession).Methods("GET")

	token, _, err := jwtService.GenerateToken(testMerchantID, testOrigin, 0)
	require.NoError(t, err)
	otherToken, _, err := jwtService.GenerateToken("m_2", "https://other.example.com", 0)
	require.NoError(t, err)

	return &testEnv{
		router:     router,
		registry:   registry,
		backend:    backend,
		jwtService: jwtService,
		token:      token,
		otherToken: otherToken,
	}
}

// addSession registers a relay session the way the gate does, bound to
// the test merchant and its bearer.
func (e *testEnv) addSession(id string) *relay.Session {
	sess := relay.NewSession(id, testMerchantID, testOrigin, sessionTokenizer{
		backend: e.backend,
		bearer:  e.token,
	})
	e.registry.Add(sess)
	return sess
}

func (e *testEnv) postJSON(path, bearer string, payload interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}
