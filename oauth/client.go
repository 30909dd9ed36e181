package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds each provider request.
const DefaultTimeout = 15 * time.Second

const maxResponseBody = 1 << 20

// RedirectRecorder is told about authorize redirects, which are browser
// navigations rather than HTTP calls made by this process.
type RedirectRecorder interface {
	RecordRedirect(rawURL string)
}

// Client performs the provider round trips of the authorization-code grant.
type Client struct {
	config    ConfigProvider
	http      *http.Client
	redirects RedirectRecorder
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client; its transport is where request
// auditing is attached.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRedirectRecorder records every authorize URL the client builds.
func WithRedirectRecorder(r RedirectRecorder) ClientOption {
	return func(c *Client) { c.redirects = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets the per-request deadline. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient returns a provider client.
func NewClient(config ConfigProvider, opts ...ClientOption) *Client {
	c := &Client{
		config:  config,
		http:    http.DefaultClient,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the provider configuration.
func (c *Client) Config() Config {
	return c.config.Config()
}

// AuthorizeURL builds the provider authorize URL for state and records it.
func (c *Client) AuthorizeURL(state string) string {
	u := c.config.Config().oauth2Config().AuthCodeURL(state)
	if c.redirects != nil {
		c.redirects.RecordRedirect(u)
	}
	return u
}

// Exchange trades an authorization code for an access token.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	cfg := c.config.Config()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {cfg.RedirectURI},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}
	var resp TokenResponse
	if _, err := c.doJSON(ctx, "exchange code", c.formRequest(cfg.TokenEndpoint, form), &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &Error{Kind: KindParse, Op: "exchange code", Status: http.StatusOK, Err: errors.New("response has no access_token")}
	}
	return resp.Token(c.now()), nil
}

// UserInfo fetches the identity behind accessToken.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (UserIdentity, error) {
	cfg := c.config.Config()
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoEndpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
	var identity UserIdentity
	if _, err := c.doJSON(ctx, "fetch user info", build, &identity); err != nil {
		return UserIdentity{}, err
	}
	return identity, nil
}

// Revoke asks the provider to invalidate accessToken and reports whether it
// answered with a 2xx status.
func (c *Client) Revoke(ctx context.Context, accessToken string) (bool, error) {
	cfg := c.config.Config()
	form := url.Values{
		"token":         {accessToken},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}
	status, _, err := c.do(ctx, "revoke token", c.formRequest(cfg.RevokeEndpoint, form))
	if err != nil {
		return false, err
	}
	if status < 200 || status > 299 {
		return false, nil
	}
	return true, nil
}

type requestBuilder func(ctx context.Context) (*http.Request, error)

func (c *Client) formRequest(endpoint string, form url.Values) requestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// do sends one request under the client deadline and returns the raw body.
func (c *Client) do(ctx context.Context, op string, build requestBuilder) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := build(ctx)
	if err != nil {
		return 0, "", &Error{Kind: KindConfig, Op: op, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("provider request failed", "op", op, "url", req.URL.Redacted(), "error", err)
		return 0, "", &Error{Kind: KindTransport, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, "", &Error{Kind: KindTransport, Op: op, Status: resp.StatusCode, Err: err}
	}
	c.logger.Debug("provider response", "op", op, "status", resp.StatusCode, "bytes", len(raw))
	return resp.StatusCode, string(raw), nil
}

// doJSON reads the body as text first, then applies the status check and
// the JSON decode so both failures keep the raw body.
func (c *Client) doJSON(ctx context.Context, op string, build requestBuilder, out any) (int, error) {
	status, body, err := c.do(ctx, op, build)
	if err != nil {
		return status, err
	}
	if status < 200 || status > 299 {
		return status, &Error{Kind: KindHTTP, Op: op, Status: status, Body: body}
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return status, &Error{Kind: KindParse, Op: op, Status: status, Body: body, Err: err}
	}
	return status, nil
}
