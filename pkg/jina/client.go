// Package jina provides a client for the Jina AI embeddings API.
package jina

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/track-enricher/internal/resilience"
)

// Embedder turns text into feature vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order. The whole
	// slice is sent as a single API request.
	Embed(ctx context.Context, texts []string) (*EmbedResponse, error)
}

// EmbedResponse holds the vectors for an Embed call.
type EmbedResponse struct {
	Model   string
	Vectors [][]float32
	Usage   Usage
}

// Usage tracks token consumption.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
	Task       string   `json:"task,omitempty"`
}

type embedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithModel overrides the embedding model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithDimensions requests vectors of a fixed length.
func WithDimensions(n int) Option {
	return func(c *httpClient) {
		c.dimensions = n
	}
}

// WithRateLimit caps requests per minute. Zero disables the limiter.
func WithRateLimit(perMinute int) Option {
	return func(c *httpClient) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
	}
}

// WithRetry overrides the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	http       *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
}

// NewClient creates a new Jina embeddings client.
func NewClient(apiKey string, opts ...Option) Embedder {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.jina.ai",
		model:   "jina-embeddings-v3",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("jina", "embed")
	}
	return c
}

func (c *httpClient) Embed(ctx context.Context, texts []string) (*EmbedResponse, error) {
	if len(texts) == 0 {
		return &EmbedResponse{Model: c.model}, nil
	}

	payload, err := json.Marshal(embedRequest{
		Model:      c.model,
		Input:      texts,
		Dimensions: c.dimensions,
		Task:       "text-matching",
	})
	if err != nil {
		return nil, eris.Wrap(err, "jina: marshal embed request")
	}

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := resilience.TakeAttempt(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
			return c.post(ctx, "/v1/embeddings", payload)
		})
	})
	if err != nil {
		return nil, err
	}

	var raw embedResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal embed response")
	}
	if len(raw.Data) != len(texts) {
		return nil, eris.Errorf("jina: got %d embeddings for %d inputs", len(raw.Data), len(texts))
	}

	sort.Slice(raw.Data, func(i, j int) bool { return raw.Data[i].Index < raw.Data[j].Index })
	vectors := make([][]float32, len(raw.Data))
	for i, d := range raw.Data {
		vectors[i] = d.Embedding
	}
	return &EmbedResponse{Model: raw.Model, Vectors: vectors, Usage: raw.Usage}, nil
}

// post sends one request. Retryable statuses come back as TransientError.
func (c *httpClient) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "jina: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "jina: request failed"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "jina: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("jina: unexpected status %d: %s", resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}
	return body, nil
}
