package merchant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"cardgate-api/models"
)

const (
	// VerifyPath is the merchant-auth endpoint resolving a bearer token
	// to the merchant it was issued to.
	VerifyPath = "/api/merchant/me"

	requestTimeout = 10 * time.Second
	cacheTTL       = 5 * time.Minute
	cacheSweep     = 10 * time.Minute
)

// Client verifies bearer tokens against the external merchant-auth
// service. Successful verifications are cached briefly so the gate page
// load and the tokenize call that follows it do not hit the service
// twice.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *gocache.Cache
}

func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		cache: gocache.New(cacheTTL, cacheSweep),
	}
}

// Verify resolves the bearer token via GET /api/merchant/me. Any non-2xx
// answer is treated as an invalid token; a 2xx answer without a merchant
// id is an invalid payload.
func (c *Client) Verify(ctx context.Context, token string) (*models.MerchantIdentity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	// Cache under a digest so the raw bearer token is not retained.
	key := cacheKey(token)
	if cached, found := c.cache.Get(key); found {
		return cached.(*models.MerchantIdentity), nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+VerifyPath, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating verify request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("merchant verification failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused. The body is never
		// logged: it may echo the token.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		log.Printf("Merchant verification rejected with status %d", resp.StatusCode)
		return nil, ErrInvalidToken
	}

	var identity models.MerchantIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("error decoding merchant payload: %v", err)
	}
	if identity.MerchantID == "" {
		return nil, ErrInvalidPayload
	}

	c.cache.Set(key, &identity, gocache.DefaultExpiration)
	return &identity, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "merchant:" + hex.EncodeToString(sum[:])
}
