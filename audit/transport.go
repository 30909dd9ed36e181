package audit

import (
	"bytes"
	"io"
	"net/http"
)

// Transport mirrors every round trip into a Log. Bodies are buffered so
// the caller still reads them in full.
type Transport struct {
	Base http.RoundTripper
	Log  *Log
}

// NewTransport wraps base, or http.DefaultTransport when base is nil.
func NewTransport(base http.RoundTripper, log *Log) *Transport {
	return &Transport{Base: base, Log: log}
}

// Client returns an HTTP client whose calls are audited.
func (l *Log) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: NewTransport(base, l)}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Log == nil {
		return t.base().RoundTrip(req)
	}

	rec := Request{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: req.Header.Clone(),
	}
	if body, ok := requestBody(req); ok {
		rec.Body = body
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		t.Log.Record(rec, Response{Status: 0, Body: err.Error()})
		return nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	out := Response{Status: resp.StatusCode, Body: string(raw)}
	if readErr != nil {
		out.Body = string(raw) + "\n[read error: " + readErr.Error() + "]"
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), errReader{readErr}))
	}
	t.Log.Record(rec, out)
	return resp, nil
}

// requestBody reads a replayable copy of the request body.
func requestBody(req *http.Request) (string, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return "", false
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return "", false
		}
		defer rc.Close()
		raw, err := io.ReadAll(rc)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
