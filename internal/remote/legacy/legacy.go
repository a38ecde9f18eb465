// Package legacy is Remote B: a client of the legacy HTTP JSON API.
//
// Paths are relative to the API root, for example http://host:3001/api. Every request
// carries the session's bearer token and a fresh X-Request-ID. A non-2xx response is
// reported as a remote.RemoteError with the response status.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/csmsync/internal/ids"
	"github.com/kimhsiao/csmsync/internal/models"
	"github.com/kimhsiao/csmsync/internal/remote"
	"github.com/kimhsiao/csmsync/internal/session"
)

const (
	// Name identifies this backend in logs and metrics.
	Name = "legacy"

	// DefaultTimeout is the per-request timeout of the underlying http.Client.
	DefaultTimeout = 10 * time.Second

	// maxResponseSize caps the response body read (10MB).
	maxResponseSize = 10 * 1024 * 1024
)

// Client talks to the legacy API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     session.TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, tokens session.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements remote.Backend.
func (c *Client) Name() string { return Name }

type errorBody struct {
	Error string `json:"error"`
}

// do sends one request and decodes a 2xx JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return remote.Fail(Name, op, 0, fmt.Errorf("failed to marshal request body: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return remote.Fail(Name, op, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", ids.NewUUID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.Fail(Name, op, 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return remote.Fail(Name, op, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err))
	}
	if len(raw) > maxResponseSize {
		return remote.Fail(Name, op, resp.StatusCode, fmt.Errorf("response body too large"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			return remote.Fail(Name, op, resp.StatusCode, fmt.Errorf("%s", eb.Error))
		}
		return remote.Fail(Name, op, resp.StatusCode, nil)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return remote.Fail(Name, op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func customerPath(id int64) string {
	return "/customers/" + strconv.FormatInt(id, 10)
}

type customerEnvelope struct {
	Customer *models.Customer `json:"customer"`
}

type customersEnvelope struct {
	Customers []*models.Customer `json:"customers"`
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// Query implements remote.Backend. Owner scoping is enforced by the server from the
// bearer token, so q.OwnerID is applied again on the response.
func (c *Client) Query(ctx context.Context, q remote.Query) ([]*models.Customer, error) {
	v := url.Values{}
	if q.Category != "" {
		v.Set("category", q.Category)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	path := "/customers"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}

	var env customersEnvelope
	if err := c.do(ctx, remote.OpQuery, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	if q.OwnerID == nil {
		return env.Customers, nil
	}
	out := env.Customers[:0]
	for _, rec := range env.Customers {
		if rec != nil && rec.OwnerID == *q.OwnerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Get implements remote.Getter.
func (c *Client) Get(ctx context.Context, id int64) (*models.Customer, error) {
	var env customerEnvelope
	err := c.do(ctx, remote.OpGet, http.MethodGet, customerPath(id), nil, &env)
	if remote.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return env.Customer, nil
}

// Insert implements remote.Backend. The id is never sent.
func (c *Client) Insert(ctx context.Context, rec *models.Customer) (*models.Customer, error) {
	p, err := rec.ToPatch()
	if err != nil {
		return nil, remote.Fail(Name, remote.OpInsert, 0, err)
	}
	var env customerEnvelope
	if err := c.do(ctx, remote.OpInsert, http.MethodPost, "/customers", p, &env); err != nil {
		return nil, err
	}
	return env.Customer, nil
}

// Update implements remote.Backend.
func (c *Client) Update(ctx context.Context, id int64, p models.Patch) (*models.Customer, error) {
	body := p.Without(models.FieldID, models.FieldIsLocal, models.FieldSyncedAt)
	var env customerEnvelope
	if err := c.do(ctx, remote.OpUpdate, http.MethodPut, customerPath(id), body, &env); err != nil {
		return nil, err
	}
	return env.Customer, nil
}

// Delete implements remote.Backend.
func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, remote.OpDelete, http.MethodDelete, customerPath(id), nil, nil)
}

// ListNextSteps implements remote.HistoryBackend.
func (c *Client) ListNextSteps(ctx context.Context, customerID int64) ([]*models.NextStepHistory, error) {
	var out struct {
		History []*models.NextStepHistory `json:"history"`
	}
	if err := c.do(ctx, remote.OpListHistory, http.MethodGet, customerPath(customerID)+"/next-step-history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// AddNextStep implements remote.HistoryBackend.
func (c *Client) AddNextStep(ctx context.Context, entry *models.NextStepHistory) (*models.NextStepHistory, error) {
	body := map[string]string{"next_step": entry.NextStep}
	var out struct {
		History *models.NextStepHistory `json:"history"`
	}
	if err := c.do(ctx, remote.OpAddHistory, http.MethodPost, customerPath(entry.CustomerID)+"/next-step-history", body, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// AppendsHistoryOnUpdate implements remote.HistoryOnUpdate: the legacy server
// records a history entry whenever a PUT changes next_step.
func (c *Client) AppendsHistoryOnUpdate() bool { return true }

var (
	_ remote.Backend         = (*Client)(nil)
	_ remote.Getter          = (*Client)(nil)
	_ remote.HistoryBackend  = (*Client)(nil)
	_ remote.HistoryOnUpdate = (*Client)(nil)
)
