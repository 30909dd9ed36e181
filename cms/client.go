// Package cms reads WordPress REST content (posts and categories).
package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const DefaultTimeout = 15 * time.Second

// Post is a WordPress post as returned by /wp/v2/posts.
type Post struct {
	ID         int64    `json:"id"`
	Date       string   `json:"date"`
	Modified   string   `json:"modified,omitempty"`
	Slug       string   `json:"slug"`
	Status     string   `json:"status"`
	Link       string   `json:"link"`
	Author     int64    `json:"author,omitempty"`
	Title      Rendered `json:"title"`
	Excerpt    Rendered `json:"excerpt"`
	Content    Rendered `json:"content"`
	Categories []int64  `json:"categories"`
}

// Rendered wraps WordPress rendered HTML fields.
type Rendered struct {
	Rendered string `json:"rendered"`
}

// Category is a WordPress category.
type Category struct {
	ID     int64  `json:"id"`
	Count  int    `json:"count"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Parent int64  `json:"parent"`
}

// ListOptions filters ListPosts.
type ListOptions struct {
	Page       int
	PerPage    int
	Search     string
	Categories []int64
}

// Error is a failed content request.
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status == 0:
		return fmt.Sprintf("%s: request did not complete: %v", e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: response is not valid JSON (status %d): %v", e.Op, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s: http status %d: %s", e.Op, e.Status, e.Body)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Client reads from one WordPress site.
type Client struct {
	base    string
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewClient returns a client for the REST root apiBase, e.g.
// https://cms.example/wp-json. hc carries request auditing.
func NewClient(apiBase string, hc *http.Client, logger *slog.Logger, timeout time.Duration) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(apiBase), "/")
	if base == "" {
		return nil, errors.New("cms api base is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("cms api base: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{base: base, http: hc, logger: logger, timeout: timeout}, nil
}

// WithToken returns a client that sends accessToken as a bearer credential
// on top of the existing transport.
func (c *Client) WithToken(accessToken string) *Client {
	if accessToken == "" {
		return c
	}
	clone := *c
	clone.http = &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.http.Transport,
		},
		Timeout: c.http.Timeout,
	}
	return &clone
}

// ListPosts returns one page of posts.
func (c *Client) ListPosts(ctx context.Context, opts ListOptions) ([]Post, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(min(opts.PerPage, 100)))
	}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if len(opts.Categories) > 0 {
		ids := make([]string, 0, len(opts.Categories))
		for _, id := range opts.Categories {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		q.Set("categories", strings.Join(ids, ","))
	}
	var posts []Post
	if err := c.get(ctx, "list posts", "/wp/v2/posts", q, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// ListCategories returns up to 100 categories.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	if err := c.get(ctx, "list categories", "/wp/v2/categories", url.Values{"per_page": {"100"}}, &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("cms request failed", "op", op, "error", err)
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: op, Status: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Body: string(raw), Err: err}
	}
	return nil
}
