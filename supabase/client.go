// Package supabase is a small REST client for the backend-as-a-service:
// GoTrue password sessions, the roles table and the api_logs table.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultRolesTable = "user_roles"
	DefaultTimeout    = 15 * time.Second
	// AdminRole is the roles-table value that grants workspace administration.
	AdminRole = "admin"
)

// Options configures a Client.
type Options struct {
	URL        string
	AnonKey    string
	JWTSecret  string
	RolesTable string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Timeout    time.Duration
}

// Client talks to one project.
type Client struct {
	baseURL    string
	anonKey    string
	jwtSecret  []byte
	rolesTable string
	http       *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time
}

// NewClient validates opts and returns a client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.URL), "/")
	if base == "" {
		return nil, errors.New("supabase url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("supabase url: %w", err)
	}
	c := &Client{
		baseURL:    base,
		anonKey:    opts.AnonKey,
		rolesTable: opts.RolesTable,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
		timeout:    opts.Timeout,
		now:        time.Now,
	}
	if opts.JWTSecret != "" {
		c.jwtSecret = []byte(opts.JWTSecret)
	}
	if c.rolesTable == "" {
		c.rolesTable = DefaultRolesTable
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c, nil
}

// URL returns the project base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// APIError is a non-2xx answer from the project.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("supabase: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("supabase: status %d: %s", e.Status, e.Body)
}

// IsUnauthorized reports whether err is a 401 or 403 answer.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: string(body)}
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Code             any    `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code = firstNonEmpty(payload.ErrorCode, payload.Error)
		if e.Code == "" && payload.Code != nil {
			e.Code = fmt.Sprint(payload.Code)
		}
		e.Message = firstNonEmpty(payload.ErrorDescription, payload.Msg, payload.Message)
	}
	return e
}

type call struct {
	method  string
	path    string
	query   url.Values
	bearer  string
	apiKey  string
	headers map[string]string
	body    any
}

// do sends one request and decodes a JSON answer into out when out is non-nil.
func (c *Client) do(ctx context.Context, hc *http.Client, in call, out any) (http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + in.path
	if len(in.query) > 0 {
		u += "?" + in.query.Encode()
	}
	var body io.Reader
	if in.body != nil {
		raw, err := json.Marshal(in.body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, in.method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	apiKey := in.apiKey
	if apiKey == "" {
		apiKey = c.anonKey
	}
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Accept", "application/json")
	if in.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	bearer := in.bearer
	if bearer == "" {
		bearer = apiKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range in.headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", in.method, in.path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.Header, fmt.Errorf("read %s: %w", in.path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Header, newAPIError(resp.StatusCode, raw)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.Header, fmt.Errorf("decode %s: %w", in.path, err)
		}
	}
	return resp.Header, nil
}

// UserRole returns the role recorded for userID in the roles table, or ""
// when there is none.
func (c *Client) UserRole(ctx context.Context, accessToken, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	var rows []struct {
		Role string `json:"role"`
	}
	_, err := c.do(ctx, c.http, call{
		method: http.MethodGet,
		path:   "/rest/v1/" + c.rolesTable,
		query: url.Values{
			"select":  {"role"},
			"user_id": {"eq." + userID},
		},
		bearer: accessToken,
	}, &rows)
	if err != nil {
		return "", fmt.Errorf("lookup role: %w", err)
	}
	for _, row := range rows {
		if row.Role != "" {
			return row.Role, nil
		}
	}
	return "", nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
