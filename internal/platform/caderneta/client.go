// Package caderneta is the HTTP client for the Minha Caderneta vaccination
// registry. The registry owns the pending-authorization state: a user first
// authorizes this application on the registry's site, then IssueToken
// exchanges that authorization for a connection token.
package caderneta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrMissingToken means the registry answered 2xx without a connection token.
var ErrMissingToken = errors.New("caderneta: token response has no connection_token")

// StatusError is a non-2xx answer from the registry.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("caderneta %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Recorder receives the latency of each registry call.
type Recorder interface {
	RecordPartnerCall(ctx context.Context, operation string, status int, elapsed time.Duration)
}

type Config struct {
	BaseURL      string
	AuthorizeURL string
	APIKey       string
	Timeout      time.Duration
}

type Client struct {
	baseURL      string
	authorizeURL string
	apiKey       string
	httpClient   *http.Client
	recorder     Recorder
	tracer       trace.Tracer
}

// TokenResponse is the body of a successful get-token call.
type TokenResponse struct {
	ConnectionToken string         `json:"connection_token"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func NewClient(cfg Config, recorder Recorder) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		authorizeURL: cfg.AuthorizeURL,
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		recorder:     recorder,
		tracer:       otel.Tracer("github.com/oncocompanion/companion/caderneta"),
	}
}

// AuthorizeURL is the registry page where the user approves the connection.
// state is echoed back on the redirect.
func (c *Client) AuthorizeURL(userID, state string) string {
	base := c.authorizeURL
	if base == "" {
		base = c.baseURL + "/authorize"
	}
	params := url.Values{}
	params.Set("requester_user_id", userID)
	if state != "" {
		params.Set("state", state)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}

// IssueToken redeems the pending authorization of requesterUserID. A
// *StatusError means the registry has no pending authorization for the user.
func (c *Client) IssueToken(ctx context.Context, requesterUserID string) (*TokenResponse, error) {
	payload, err := json.Marshal(map[string]string{"requester_user_id": requesterUserID})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}
	req, err := c.buildRequest(ctx, http.MethodPost, "/get-token", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	body, err := c.doRequest(ctx, "get-token", req)
	if err != nil {
		return nil, err
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingToken, err)
	}
	if strings.TrimSpace(tr.ConnectionToken) == "" {
		return nil, ErrMissingToken
	}
	return &tr, nil
}

// FetchData reads the user's vaccination record. The payload shape varies,
// so it is returned undecoded beyond generic JSON.
func (c *Client) FetchData(ctx context.Context, token string) (map[string]any, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, "/get-data", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	body, err := c.doRequest(ctx, "get-data", req)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		// Some deployments answer with a bare list.
		var list []any
		if errList := json.Unmarshal(body, &list); errList != nil {
			return nil, fmt.Errorf("parsing data response: %w", err)
		}
		data = map[string]any{"data": list}
	}
	return data, nil
}

// Disconnect asks the registry to revoke token.
func (c *Client) Disconnect(ctx context.Context, token string) error {
	req, err := c.buildRequest(ctx, http.MethodPost, "/disconnect", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Connection-Token", token)
	_, err = c.doRequest(ctx, "disconnect", req)
	return err
}

func (c *Client) buildRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, errors.New("caderneta: base url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doRequest(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "caderneta."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", req.Method), attribute.String("peer.service", "minha_caderneta")),
	)
	defer span.End()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, op, 0, start)
		span.SetStatus(codes.Error, "request failed")
		span.RecordError(err)
		return nil, fmt.Errorf("caderneta %s: request failed: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.record(ctx, op, resp.StatusCode, start)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("caderneta %s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

func (c *Client) record(ctx context.Context, op string, status int, start time.Time) {
	if c.recorder != nil {
		c.recorder.RecordPartnerCall(ctx, op, status, time.Since(start))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
