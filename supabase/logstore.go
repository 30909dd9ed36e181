package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/audit"
)

// DefaultLogTable is the PostgREST table holding audit entries.
const DefaultLogTable = "api_logs"

// LogStore is an audit.Store over a PostgREST table. Its HTTP client must
// not be audited itself.
type LogStore struct {
	client *Client
	http   *http.Client
	table  string
	key    string
}

// NewLogStore returns a store writing to table with key, normally the
// service-role key.
func NewLogStore(c *Client, table, key string) *LogStore {
	if table == "" {
		table = DefaultLogTable
	}
	return &LogStore{client: c, http: &http.Client{}, table: table, key: key}
}

type logRow struct {
	ID           string            `json:"id"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	RequestBody  string            `json:"request_body"`
	Status       int               `json:"status"`
	ResponseBody string            `json:"response_body"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (s *LogStore) path() string {
	return "/rest/v1/" + s.table
}

func (s *LogStore) Count(ctx context.Context) (int, error) {
	header, err := s.client.do(ctx, s.http, call{
		method: http.MethodGet,
		path:   s.path(),
		query:  url.Values{"select": {"id"}},
		apiKey: s.key,
		headers: map[string]string{
			"Prefer": "count=exact",
			"Range":  "0-0",
		},
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return parseContentRangeTotal(header.Get("Content-Range"))
}

func (s *LogStore) DeleteOldest(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	var rows []struct {
		ID string `json:"id"`
	}
	_, err := s.client.do(ctx, s.http, call{
		method: http.MethodGet,
		path:   s.path(),
		query: url.Values{
			"select": {"id"},
			"order":  {"created_at.asc,id.asc"},
			"limit":  {strconv.Itoa(n)},
		},
		apiKey: s.key,
	}, &rows)
	if err != nil {
		return fmt.Errorf("select oldest %s: %w", s.table, err)
	}
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, strconv.Quote(row.ID))
	}
	_, err = s.client.do(ctx, s.http, call{
		method: http.MethodDelete,
		path:   s.path(),
		query:  url.Values{"id": {"in.(" + strings.Join(ids, ",") + ")"}},
		apiKey: s.key,
	}, nil)
	if err != nil {
		return fmt.Errorf("delete oldest %s: %w", s.table, err)
	}
	return nil
}

func (s *LogStore) Insert(ctx context.Context, e audit.Entry) error {
	row := logRow{
		ID:           e.ID,
		Method:       e.Method,
		URL:          e.URL,
		Headers:      e.Headers,
		RequestBody:  e.RequestBody,
		Status:       e.Status,
		ResponseBody: e.ResponseBody,
		CreatedAt:    e.Timestamp.UTC(),
	}
	if row.Headers == nil {
		row.Headers = map[string]string{}
	}
	_, err := s.client.do(ctx, s.http, call{
		method:  http.MethodPost,
		path:    s.path(),
		apiKey:  s.key,
		headers: map[string]string{"Prefer": "return=minimal"},
		body:    row,
	}, nil)
	if err != nil {
		return fmt.Errorf("insert %s: %w", s.table, err)
	}
	return nil
}

func (s *LogStore) List(ctx context.Context, limit int) ([]audit.Entry, error) {
	query := url.Values{
		"select": {"*"},
		"order":  {"created_at.desc,id.desc"},
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var rows []logRow
	if _, err := s.client.do(ctx, s.http, call{
		method: http.MethodGet,
		path:   s.path(),
		query:  query,
		apiKey: s.key,
	}, &rows); err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table, err)
	}
	out := make([]audit.Entry, 0, len(rows))
	for _, row := range rows {
		headers := row.Headers
		if len(headers) == 0 {
			headers = nil
		}
		out = append(out, audit.Entry{
			ID:           row.ID,
			Method:       row.Method,
			URL:          row.URL,
			Headers:      headers,
			RequestBody:  row.RequestBody,
			Status:       row.Status,
			ResponseBody: row.ResponseBody,
			Timestamp:    row.CreatedAt,
		})
	}
	return out, nil
}

// parseContentRangeTotal reads the total from "0-0/42" or "*/0".
func parseContentRangeTotal(v string) (int, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, fmt.Errorf("content-range %q has no total", v)
	}
	total := v[i+1:]
	if total == "*" {
		return 0, errors.New("content-range total not counted")
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("content-range total: %w", err)
	}
	return n, nil
}
