// Package processor is the HTTP client for the backend payment
// processor. Tokenize is the single call that carries raw card data out
// of the gate; detokenize and purchase only ever carry the opaque token
// and mirror the processor's response verbatim.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"cardgate-api/card"
	"cardgate-api/models"
)

const (
	TokenizePath   = "/api/cards/tokenize"
	DetokenizePath = "/api/cards/detokenize"
	PurchasePath   = "/api/cards/purchase"

	RequestTimeout = 30 * time.Second
)

// ErrProcessor marks a failed or non-2xx processor call. Handlers
// surface it as a retryable NetworkError without detail.
var ErrProcessor = errors.New("processor request failed")

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   RequestTimeout,
			Transport: transport,
		},
	}
}

type tokenizePayload struct {
	PAN    string `json:"pan"`
	CVV    string `json:"cvv"`
	Expiry string `json:"expiry"`
}

// Tokenize exchanges card data for an opaque token. The PAN is sent with
// whitespace stripped; errors and logs never include the payload.
func (c *Client) Tokenize(ctx context.Context, bearer string, in card.Input) (*models.TokenizeResult, error) {
	payload, err := json.Marshal(tokenizePayload{
		PAN:    card.Digits(in.PAN),
		CVV:    in.CVV,
		Expiry: in.Expiry,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling tokenize request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	started := time.Now()
	resp, err := c.post(ctx, TokenizePath, bearer, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessor, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: error reading response", ErrProcessor)
	}

	log.Printf("Tokenize response received in %v with status %d", time.Since(started), resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The body is discarded on purpose; upstream errors may echo
		// request fields.
		return nil, fmt.Errorf("%w: status %d", ErrProcessor, resp.StatusCode)
	}

	cleanBody := strings.TrimPrefix(string(body), "\ufeff")

	var result models.TokenizeResult
	if err := json.Unmarshal([]byte(cleanBody), &result); err != nil {
		return nil, fmt.Errorf("%w: error decoding response", ErrProcessor)
	}
	if result.Token == "" {
		return nil, fmt.Errorf("%w: empty token in response", ErrProcessor)
	}
	return &result, nil
}

// ProxyResult mirrors a processor response back to the caller without
// interpretation.
type ProxyResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Purchase charges a previously issued token. The processor response is
// forwarded verbatim.
func (c *Client) Purchase(ctx context.Context, bearer, token string) (*ProxyResult, error) {
	return c.proxyToken(ctx, PurchasePath, bearer, token)
}

// Detokenize forwards a detokenize call for the merchant backend.
func (c *Client) Detokenize(ctx context.Context, bearer, token string) (*ProxyResult, error) {
	return c.proxyToken(ctx, DetokenizePath, bearer, token)
}

func (c *Client) proxyToken(ctx context.Context, path, bearer, token string) (*ProxyResult, error) {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	resp, err := c.post(ctx, path, bearer, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessor, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: error reading response", ErrProcessor)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	return &ProxyResult{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
	}, nil
}

// post forwards only the headers the processor needs, never the embedding
// page's full header set.
func (c *Client) post(ctx context.Context, path, bearer string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return c.client.Do(req)
}
