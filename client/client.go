// Package client is the Go SDK for streamgate: a small REST client plus the
// reconnecting stream consumer and the cross-tab leader election that keeps
// one transport per browser instance.
package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiPrefix = "/api/v1"

// Client calls the streamgate REST API. User endpoints authenticate with a
// bearer token, the publish endpoint with an HMAC of the body.
type Client struct {
	baseURL       string
	token         string
	publishSecret string
	httpClient    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token used for user endpoints.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPublishSecret sets the HMAC secret used to sign internal publish calls.
func WithPublishSecret(secret string) Option {
	return func(c *Client) { c.publishSecret = secret }
}

// WithHTTPClient replaces the default HTTP client. Stream consumers take
// their own client through StreamConfig, since they must not time out.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for baseURL, e.g. "http://localhost:3040".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Health returns the liveness report.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}

	var out HealthResponse
	if err := decode(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready returns the readiness report. A server that is up but not ready
// answers 503 with the same body, so that is not an error here.
func (c *Client) Ready(ctx context.Context) (*ReadyResponse, error) {
	resp, err := c.send(ctx, http.MethodGet, "/ready", nil, nil)
	if err != nil {
		return nil, err
	}

	var out ReadyResponse
	if err := decode(resp, &out, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	out.Ready = resp.StatusCode == http.StatusOK
	return &out, nil
}

// Publish sends an event through the signed internal endpoint.
func (c *Client) Publish(ctx context.Context, req *PublishRequest) (*PublishResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPost, "/internal/publish", body, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-Signature", Sign(c.publishSecret, body))
	})
	if err != nil {
		return nil, err
	}

	var out PublishResult
	if err := decode(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit lists the connection history of the token's user in q.ProjectID.
func (c *Client) Audit(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	resp, err := c.send(ctx, http.MethodGet, "/audit?"+q.values().Encode(), nil, c.authorize)
	if err != nil {
		return nil, err
	}

	var out AuditPage
	if err := decode(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sign returns the X-Signature header value of body: an HMAC-SHA256 keyed
// with the publish secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) authorize(r *http.Request) {
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// send issues a request against the API prefix. The caller owns the response.
func (c *Client) send(ctx context.Context, method, path string, body []byte, prepare func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if prepare != nil {
		prepare(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// decode closes resp after reading it into out, or into an *APIError when
// the status is not one of ok.
func decode(resp *http.Response, out any, ok ...int) error {
	defer resp.Body.Close()

	accepted := false
	for _, s := range ok {
		accepted = accepted || resp.StatusCode == s
	}
	if !accepted {
		return readAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AuditQuery filters Client.Audit. ProjectID is required.
type AuditQuery struct {
	ProjectID    string
	ConnectionID string
	Action       string
	Since        time.Time
	Limit        int
	Offset       int
}

func (q AuditQuery) values() url.Values {
	v := url.Values{"project": {q.ProjectID}}
	if q.ConnectionID != "" {
		v.Set("connection_id", q.ConnectionID)
	}
	if q.Action != "" {
		v.Set("action", q.Action)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}
