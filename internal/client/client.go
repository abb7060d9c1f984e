// Package client provides an HTTP client for the gatekeeper API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gkhttp "gatekeeper/internal/http"
	"gatekeeper/internal/registry"
	"gatekeeper/internal/types"
)

// Version is the CLI version, set at build time.
var Version = "dev"

// Client is an HTTP client for the gatekeeper API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	trace      bool
	traceOut   io.Writer
}

// RequestTrace contains metadata about an HTTP request/response for debugging.
type RequestTrace struct {
	Method       string
	URL          string
	StatusCode   int
	Duration     time.Duration
	RequestSize  int
	ResponseSize int
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithTrace enables request/response tracing.
func WithTrace(w io.Writer) Option {
	return func(c *Client) {
		c.trace = true
		c.traceOut = w
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a new API client.
func New(server, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(server, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func newAPIError(status int, body []byte) *APIError {
	var errResp types.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Code: errResp.Code, Message: errResp.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// doRequest performs an HTTP request with common handling.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, []byte, error) {
	// Build URL
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL path: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	// Prepare body
	var reqBody io.Reader
	var reqSize int
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
		reqSize = len(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", fmt.Sprintf("gatectl/%s", Version))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if c.trace && c.traceOut != nil {
		c.printTrace(RequestTrace{
			Method:       method,
			URL:          u,
			StatusCode:   resp.StatusCode,
			Duration:     duration,
			RequestSize:  reqSize,
			ResponseSize: len(respBody),
		})
	}

	return resp, respBody, nil
}

// do issues a request and decodes a JSON body into out when the status
// is one of ok. It returns the raw body for --json output.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, ok ...int) ([]byte, error) {
	resp, raw, err := c.doRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}

	accepted := false
	for _, s := range ok {
		if resp.StatusCode == s {
			accepted = true
			break
		}
	}
	if !accepted {
		return raw, newAPIError(resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return raw, nil
}

func (c *Client) printTrace(t RequestTrace) {
	fmt.Fprintf(c.traceOut, "\n[TRACE] %s %s\n", t.Method, t.URL)
	fmt.Fprintf(c.traceOut, "[TRACE] Status: %d | Duration: %s | Request: %d bytes | Response: %d bytes\n",
		t.StatusCode, t.Duration.Round(time.Millisecond), t.RequestSize, t.ResponseSize)
}

// Ping checks the server readiness, including the counter store.
func (c *Client) Ping(ctx context.Context) (*types.HealthResponse, error) {
	var health types.HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/readyz", nil, nil, &health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &health, nil
}

// Preflight runs the check pipeline. A 403 for a deny-listed IP still
// carries a result and is returned without error.
func (c *Client) Preflight(ctx context.Context, req *gkhttp.PreflightRequest) (*gkhttp.PreflightResponse, []byte, error) {
	var resp gkhttp.PreflightResponse
	raw, err := c.do(ctx, http.MethodPost, "/v1/preflight", nil, req, &resp, http.StatusOK, http.StatusForbidden)
	if err != nil {
		return nil, raw, err
	}
	if resp.Result == nil {
		// 403 from the auth layer rather than the deny-list
		return nil, raw, newAPIError(http.StatusForbidden, raw)
	}
	return &resp, raw, nil
}

// ListChecks lists the registered checks.
func (c *Client) ListChecks(ctx context.Context) ([]registry.CheckInfo, []byte, error) {
	var defs []registry.CheckInfo
	raw, err := c.do(ctx, http.MethodGet, "/v1/checks", nil, nil, &defs, http.StatusOK)
	return defs, raw, err
}

// AbuseStatus fetches the abuse state of ip.
func (c *Client) AbuseStatus(ctx context.Context, ip string) (*types.AbuseStatus, []byte, error) {
	var status types.AbuseStatus
	raw, err := c.do(ctx, http.MethodGet, "/v1/abuse/"+url.PathEscape(ip), nil, nil, &status, http.StatusOK)
	if err != nil {
		return nil, raw, err
	}
	return &status, raw, nil
}

// ClearTimeout lifts an active timeout on ip.
func (c *Client) ClearTimeout(ctx context.Context, ip string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/abuse/"+url.PathEscape(ip)+"/timeout", nil, nil, nil, http.StatusNoContent)
	return err
}

// ListDenied lists the deny-listed IPs.
func (c *Client) ListDenied(ctx context.Context) ([]string, []byte, error) {
	var resp gkhttp.DenyListResponse
	raw, err := c.do(ctx, http.MethodGet, "/v1/denylist", nil, nil, &resp, http.StatusOK)
	return resp.IPs, raw, err
}

// DenyIP adds ip to the deny-list.
func (c *Client) DenyIP(ctx context.Context, ip string) error {
	_, err := c.do(ctx, http.MethodPut, "/v1/denylist/"+url.PathEscape(ip), nil, nil, nil, http.StatusNoContent)
	return err
}

// AllowIP removes ip from the deny-list.
func (c *Client) AllowIP(ctx context.Context, ip string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/denylist/"+url.PathEscape(ip), nil, nil, nil, http.StatusNoContent)
	return err
}

// GetAudit retrieves an audit record by ID.
func (c *Client) GetAudit(ctx context.Context, auditID string) (*types.AuditRecord, []byte, error) {
	var record types.AuditRecord
	raw, err := c.do(ctx, http.MethodGet, "/v1/audit/"+url.PathEscape(auditID), nil, nil, &record, http.StatusOK)
	if err != nil {
		return nil, raw, err
	}
	return &record, raw, nil
}

// AuditQuery filters an audit listing. Zero fields are not sent.
type AuditQuery struct {
	UserID string
	IP     string
	Code   string
	Passed *bool
	Limit  int
}

func (q AuditQuery) values() url.Values {
	v := url.Values{}
	if q.UserID != "" {
		v.Set("userId", q.UserID)
	}
	if q.IP != "" {
		v.Set("ip", q.IP)
	}
	if q.Code != "" {
		v.Set("code", q.Code)
	}
	if q.Passed != nil {
		v.Set("passed", strconv.FormatBool(*q.Passed))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// ListAudit lists audit records, newest first.
func (c *Client) ListAudit(ctx context.Context, q AuditQuery) ([]*types.AuditRecord, []byte, error) {
	var resp gkhttp.AuditListResponse
	raw, err := c.do(ctx, http.MethodGet, "/v1/audit", q.values(), nil, &resp, http.StatusOK)
	return resp.Records, raw, err
}
