// Package songlink provides a client for the Odesli (song.link) cross-platform
// link resolution API.
package songlink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/track-enricher/internal/resilience"
)

// ErrNotFound is returned when the resolver does not know the entity. It is
// a permanent failure for that track.
var ErrNotFound = eris.New("songlink: entity not found")

// Client resolves a track known on one platform to its links elsewhere.
type Client interface {
	// Links looks up a song by its id on the given platform (an Odesli
	// platform key such as "spotify" or "deezer").
	Links(ctx context.Context, platform, id string) (*LinksResponse, error)
}

// LinksResponse is the resolved set of platform links.
type LinksResponse struct {
	EntityUniqueID string
	PageURL        string
	// Links is keyed by Odesli platform key.
	Links map[string]Link
}

// Link is one platform's entry for the song.
type Link struct {
	URL            string
	EntityUniqueID string
	// NativeID is the platform's own id for the entity, when the resolver
	// reports it.
	NativeID string
}

type linksResponse struct {
	EntityUniqueID  string `json:"entityUniqueId"`
	PageURL         string `json:"pageUrl"`
	LinksByPlatform map[string]struct {
		URL            string `json:"url"`
		EntityUniqueID string `json:"entityUniqueId"`
	} `json:"linksByPlatform"`
	EntitiesByUniqueID map[string]struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entitiesByUniqueId"`
}

// Option configures the songlink client.
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

// WithUserCountry sets the storefront country used for lookups.
func WithUserCountry(country string) Option {
	return func(c *httpClient) {
		c.userCountry = country
	}
}

// WithRateLimit caps requests per minute. Zero disables the limiter. The
// public API allows 10 requests per minute without a key.
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
	apiKey      string
	baseURL     string
	userCountry string
	http        *http.Client
	limiter     *rate.Limiter
	retry       resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
}

// NewClient creates a new songlink client. apiKey may be empty.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:      apiKey,
		baseURL:     "https://api.song.link",
		userCountry: "US",
		http: &http.Client{
			Timeout: 20 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(10.0/60), 1),
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("songlink", "links")
	}
	return c
}

func (c *httpClient) Links(ctx context.Context, platform, id string) (*LinksResponse, error) {
	if platform == "" || id == "" {
		return nil, eris.New("songlink: platform and id are required")
	}

	q := url.Values{}
	q.Set("platform", platform)
	q.Set("type", "song")
	q.Set("id", id)
	if c.userCountry != "" {
		q.Set("userCountry", c.userCountry)
	}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	reqURL := c.baseURL + "/v1-alpha.1/links?" + q.Encode()

	body, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := resilience.TakeAttempt(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
			return c.get(ctx, reqURL)
		})
	})
	if err != nil {
		return nil, err
	}

	var raw linksResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "songlink: unmarshal links response")
	}

	out := &LinksResponse{
		EntityUniqueID: raw.EntityUniqueID,
		PageURL:        raw.PageURL,
		Links:          make(map[string]Link, len(raw.LinksByPlatform)),
	}
	for key, l := range raw.LinksByPlatform {
		link := Link{URL: l.URL, EntityUniqueID: l.EntityUniqueID}
		if ent, ok := raw.EntitiesByUniqueID[l.EntityUniqueID]; ok {
			link.NativeID = ent.ID
		}
		out.Links[key] = link
	}
	return out, nil
}

func (c *httpClient) get(ctx context.Context, reqURL string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "songlink: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "songlink: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "songlink: request failed"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "songlink: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && isUnresolved(body):
		return nil, ErrNotFound
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("songlink: unexpected status %d: %s", resp.StatusCode, string(body)), resp.StatusCode)
	}
	return nil, eris.Errorf("songlink: unexpected status %d: %s", resp.StatusCode, string(body))
}

// isUnresolved reports whether a 400 body says the entity could not be found.
func isUnresolved(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "could_not_resolve_entity") || strings.Contains(s, "not found")
}
